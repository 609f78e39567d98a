package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/internal/tokens"
)

// TokenSource resolves the plaintext access token for a (user, provider)
// pair, refreshing it through the provider's refresh endpoint when expired.
// Refreshed ciphertexts are written back to the store before any backend
// traffic is attempted; a rotated refresh token overwrites the stored one.
type TokenSource struct {
	store  tokens.Store
	cipher *tokens.Cipher
	client *http.Client
	logger *observability.Logger
	now    func() time.Time
}

// NewTokenSource wires a token source over the given store and cipher.
func NewTokenSource(store tokens.Store, cipher *tokens.Cipher, logger *observability.Logger) *TokenSource {
	return &TokenSource{
		store:  store,
		cipher: cipher,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.WithFields("component", "token_source"),
		now:    time.Now,
	}
}

// AccessToken returns a usable plaintext access token. refreshURL may be
// empty, in which case an expired token is a hard failure.
func (ts *TokenSource) AccessToken(ctx context.Context, userID, provider, refreshURL string) (string, error) {
	rec, err := ts.store.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			return "", fmt.Errorf("%s/%s: %w", userID, provider, ErrAuthMissing)
		}
		return "", fmt.Errorf("mcp: load token: %w", err)
	}

	if !rec.Expired(ts.now()) {
		plain, err := ts.cipher.Open(rec.AccessCiphertext)
		if err != nil {
			return "", fmt.Errorf("mcp: decrypt access token: %w", err)
		}
		return string(plain), nil
	}

	if len(rec.RefreshCipher) == 0 || refreshURL == "" {
		return "", fmt.Errorf("%s/%s: %w", userID, provider, ErrAuthExpired)
	}

	refresh, err := ts.cipher.Open(rec.RefreshCipher)
	if err != nil {
		return "", fmt.Errorf("mcp: decrypt refresh token: %w", err)
	}

	access, err := ts.refresh(ctx, rec.UserID, rec.Provider, refreshURL, string(refresh), rec.Scope)
	if err != nil {
		return "", err
	}
	return access, nil
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

func (ts *TokenSource) refresh(ctx context.Context, userID, provider, refreshURL, refreshToken, scope string) (string, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return "", fmt.Errorf("mcp: marshal refresh request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("mcp: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mcp: refresh token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%s/%s: refresh rejected (%d): %w", userID, provider, resp.StatusCode, ErrAuthExpired)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mcp: refresh token: unexpected status %d", resp.StatusCode)
	}

	var refreshed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		return "", fmt.Errorf("mcp: decode refresh response: %w", err)
	}
	if refreshed.AccessToken == "" {
		return "", fmt.Errorf("%s/%s: refresh returned no access token: %w", userID, provider, ErrAuthExpired)
	}

	if err := ts.persist(ctx, userID, provider, scope, refreshToken, &refreshed); err != nil {
		return "", err
	}

	ts.logger.Info(ctx, "refreshed access token", "provider", provider)
	return refreshed.AccessToken, nil
}

func (ts *TokenSource) persist(ctx context.Context, userID, provider, scope, oldRefresh string, refreshed *refreshResponse) error {
	accessCipher, err := ts.cipher.Seal([]byte(refreshed.AccessToken))
	if err != nil {
		return fmt.Errorf("mcp: seal access token: %w", err)
	}
	newRefresh := refreshed.RefreshToken
	if newRefresh == "" {
		newRefresh = oldRefresh
	}
	refreshCipher, err := ts.cipher.Seal([]byte(newRefresh))
	if err != nil {
		return fmt.Errorf("mcp: seal refresh token: %w", err)
	}

	var expiresAt time.Time
	if refreshed.ExpiresIn > 0 {
		expiresAt = ts.now().Add(time.Duration(refreshed.ExpiresIn) * time.Second)
	}

	rec, err := ts.store.Get(ctx, userID, provider)
	if err != nil {
		return fmt.Errorf("mcp: reload token record: %w", err)
	}
	rec.AccessCiphertext = accessCipher
	rec.RefreshCipher = refreshCipher
	rec.ExpiresAt = expiresAt
	rec.Scope = scope
	if err := ts.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("mcp: persist refreshed token: %w", err)
	}
	return nil
}
