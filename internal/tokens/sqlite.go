package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/voicewire/voicewire/pkg/models"
)

// SQLiteStore persists token records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the token table if needed and returns a store bound
// to db. The caller owns the database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS oauth_tokens (
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	access_cipher BLOB NOT NULL,
	refresh_cipher BLOB,
	expires_at INTEGER,
	scope TEXT,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, provider)
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("tokens: create table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get returns the token record for (userID, provider).
func (s *SQLiteStore) Get(ctx context.Context, userID, provider string) (*models.TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT access_cipher, refresh_cipher, expires_at, scope
FROM oauth_tokens WHERE user_id = ? AND provider = ?`, userID, provider)

	rec := &models.TokenRecord{UserID: userID, Provider: provider}
	var expiresAt sql.NullInt64
	var scope sql.NullString
	if err := row.Scan(&rec.AccessCiphertext, &rec.RefreshCipher, &expiresAt, &scope); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tokens: get: %w", err)
	}
	if expiresAt.Valid && expiresAt.Int64 > 0 {
		rec.ExpiresAt = time.Unix(expiresAt.Int64, 0).UTC()
	}
	rec.Scope = scope.String
	return rec, nil
}

// Put stores or replaces a token record.
func (s *SQLiteStore) Put(ctx context.Context, record *models.TokenRecord) error {
	var expiresAt int64
	if !record.ExpiresAt.IsZero() {
		expiresAt = record.ExpiresAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO oauth_tokens (user_id, provider, access_cipher, refresh_cipher, expires_at, scope, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, provider) DO UPDATE SET
	access_cipher = excluded.access_cipher,
	refresh_cipher = excluded.refresh_cipher,
	expires_at = excluded.expires_at,
	scope = excluded.scope,
	updated_at = excluded.updated_at`,
		record.UserID, record.Provider, record.AccessCiphertext, record.RefreshCipher,
		expiresAt, record.Scope, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("tokens: put: %w", err)
	}
	return nil
}

// Delete removes a token record.
func (s *SQLiteStore) Delete(ctx context.Context, userID, provider string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE user_id = ? AND provider = ?`, userID, provider); err != nil {
		return fmt.Errorf("tokens: delete: %w", err)
	}
	return nil
}

// Providers lists providers for which the user holds a token.
func (s *SQLiteStore) Providers(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider FROM oauth_tokens WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("tokens: providers: %w", err)
	}
	defer rows.Close()

	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("tokens: scan: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}
