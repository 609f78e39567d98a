package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/models"
)

// SQLiteStatusStore persists the connection status mirror in SQLite.
type SQLiteStatusStore struct {
	db *sql.DB
}

// NewSQLiteStatusStore creates the status table if needed.
func NewSQLiteStatusStore(db *sql.DB) (*SQLiteStatusStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS connection_status (
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	state TEXT NOT NULL,
	tool_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	last_healthy_at INTEGER,
	session_id TEXT,
	endpoint TEXT,
	protocol_version TEXT,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, provider)
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("storage: create status table: %w", err)
	}
	return &SQLiteStatusStore{db: db}, nil
}

// Upsert stores or replaces the status for (UserID, Provider).
func (s *SQLiteStatusStore) Upsert(ctx context.Context, status *models.ConnectionStatus) error {
	var healthy int64
	if !status.LastHealthyAt.IsZero() {
		healthy = status.LastHealthyAt.Unix()
	}
	updated := status.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO connection_status (user_id, provider, state, tool_count, last_error, last_healthy_at, session_id, endpoint, protocol_version, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, provider) DO UPDATE SET
	state = excluded.state,
	tool_count = excluded.tool_count,
	last_error = excluded.last_error,
	last_healthy_at = excluded.last_healthy_at,
	session_id = excluded.session_id,
	endpoint = excluded.endpoint,
	protocol_version = excluded.protocol_version,
	updated_at = excluded.updated_at`,
		status.UserID, status.Provider, string(status.State), status.ToolCount,
		status.LastError, healthy, status.SessionID, status.Endpoint,
		status.ProtocolVersion, updated.Unix())
	if err != nil {
		return fmt.Errorf("storage: upsert status: %w", err)
	}
	return nil
}

// List returns all statuses for a user, sorted by provider.
func (s *SQLiteStatusStore) List(ctx context.Context, userID string) ([]*models.ConnectionStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT provider, state, tool_count, last_error, last_healthy_at, session_id, endpoint, protocol_version, updated_at
FROM connection_status WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list statuses: %w", err)
	}
	defer rows.Close()

	var out []*models.ConnectionStatus
	for rows.Next() {
		st := &models.ConnectionStatus{UserID: userID}
		var state string
		var lastErr, sessionID, endpoint, protocol sql.NullString
		var healthy, updated int64
		if err := rows.Scan(&st.Provider, &state, &st.ToolCount, &lastErr, &healthy, &sessionID, &endpoint, &protocol, &updated); err != nil {
			return nil, fmt.Errorf("storage: scan status: %w", err)
		}
		st.State = models.ConnectionState(state)
		st.LastError = lastErr.String
		st.SessionID = sessionID.String
		st.Endpoint = endpoint.String
		st.ProtocolVersion = protocol.String
		if healthy > 0 {
			st.LastHealthyAt = time.Unix(healthy, 0).UTC()
		}
		st.UpdatedAt = time.Unix(updated, 0).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// SQLiteEventStore persists connection events in SQLite.
type SQLiteEventStore struct {
	db *sql.DB
}

// NewSQLiteEventStore creates the event table if needed.
func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS connection_events (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	kind TEXT NOT NULL,
	error TEXT,
	at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_connection_events_user ON connection_events (user_id, at DESC)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("storage: create events table: %w", err)
	}
	return &SQLiteEventStore{db: db}, nil
}

// Append records a connection event.
func (s *SQLiteEventStore) Append(ctx context.Context, event *models.ConnectionEvent) error {
	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO connection_events (id, user_id, provider, kind, error, at)
VALUES (?, ?, ?, ?, ?, ?)`,
		id, event.UserID, event.Provider, string(event.Kind), event.Error, at.UnixNano())
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

// Recent returns the newest events first, at most limit.
func (s *SQLiteEventStore) Recent(ctx context.Context, userID string, limit int) ([]*models.ConnectionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, provider, kind, error, at FROM connection_events
WHERE user_id = ? ORDER BY at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent events: %w", err)
	}
	defer rows.Close()

	var out []*models.ConnectionEvent
	for rows.Next() {
		ev := &models.ConnectionEvent{UserID: userID}
		var kind string
		var errText sql.NullString
		var at int64
		if err := rows.Scan(&ev.ID, &ev.Provider, &kind, &errText, &at); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Kind = models.ConnectionEventKind(kind)
		ev.Error = errText.String
		ev.At = time.Unix(0, at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
