package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voicewire/voicewire/pkg/models"
)

func TestAccessTokenMissing(t *testing.T) {
	source, _, _ := testSource(t)
	_, err := source.AccessToken(context.Background(), "u1", "nosuch", "")
	if !errors.Is(err, ErrAuthMissing) {
		t.Errorf("err = %v, want ErrAuthMissing", err)
	}
}

func TestAccessTokenValid(t *testing.T) {
	source, _, _ := testSource(t)
	token, err := source.AccessToken(context.Background(), "u1", "calendar", "")
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "test-access-token" {
		t.Errorf("token = %q", token)
	}
}

func TestAccessTokenExpiredWithoutRefresh(t *testing.T) {
	source, store, cipher := testSource(t)
	sealed, _ := cipher.Seal([]byte("stale"))
	store.Put(context.Background(), &models.TokenRecord{
		UserID:           "u1",
		Provider:         "mail",
		AccessCiphertext: sealed,
		ExpiresAt:        time.Now().Add(-time.Hour),
	})

	_, err := source.AccessToken(context.Background(), "u1", "mail", "")
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("err = %v, want ErrAuthExpired", err)
	}
}

func TestAccessTokenRefresh(t *testing.T) {
	source, store, cipher := testSource(t)

	var gotRefresh string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotRefresh = body["refresh_token"]
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "rotated-refresh",
			"expires_in":    3600,
		})
	}))
	defer ts.Close()

	accessSealed, _ := cipher.Seal([]byte("stale"))
	refreshSealed, _ := cipher.Seal([]byte("old-refresh"))
	store.Put(context.Background(), &models.TokenRecord{
		UserID:           "u1",
		Provider:         "mail",
		AccessCiphertext: accessSealed,
		RefreshCipher:    refreshSealed,
		ExpiresAt:        time.Now().Add(-time.Minute),
	})

	token, err := source.AccessToken(context.Background(), "u1", "mail", ts.URL)
	if err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	if token != "fresh-access" {
		t.Errorf("token = %q, want fresh-access", token)
	}
	if gotRefresh != "old-refresh" {
		t.Errorf("refresh_token sent = %q", gotRefresh)
	}

	// refreshed ciphertexts were persisted, rotated refresh overwrote the old
	rec, err := store.Get(context.Background(), "u1", "mail")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	access, _ := cipher.Open(rec.AccessCiphertext)
	if string(access) != "fresh-access" {
		t.Errorf("stored access = %q", access)
	}
	refresh, _ := cipher.Open(rec.RefreshCipher)
	if string(refresh) != "rotated-refresh" {
		t.Errorf("stored refresh = %q", refresh)
	}
	if rec.Expired(time.Now()) {
		t.Error("stored record still expired")
	}
}

func TestAccessTokenRefreshRejected(t *testing.T) {
	source, store, cipher := testSource(t)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	accessSealed, _ := cipher.Seal([]byte("stale"))
	refreshSealed, _ := cipher.Seal([]byte("revoked"))
	store.Put(context.Background(), &models.TokenRecord{
		UserID:           "u1",
		Provider:         "mail",
		AccessCiphertext: accessSealed,
		RefreshCipher:    refreshSealed,
		ExpiresAt:        time.Now().Add(-time.Minute),
	})

	_, err := source.AccessToken(context.Background(), "u1", "mail", ts.URL)
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("err = %v, want ErrAuthExpired", err)
	}
}
