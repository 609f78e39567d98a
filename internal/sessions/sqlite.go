package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/voicewire/voicewire/pkg/models"
)

// SQLiteStore persists sessions and turns in SQLite. The caller owns the
// database handle.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the session tables if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	mode TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	turn_count INTEGER NOT NULL DEFAULT 0,
	context_summary TEXT,
	last_summarized_turn INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_status ON sessions (user_id, status);
CREATE TABLE IF NOT EXISTS session_turns (
	session_id TEXT NOT NULL,
	turn_number INTEGER NOT NULL,
	user_query TEXT NOT NULL,
	reply TEXT NOT NULL,
	tool_results TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, turn_number)
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("sessions: create tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, mode, status, created_at, last_activity_at, turn_count, context_summary, last_summarized_turn)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.UserID, string(session.Mode), string(session.Status),
		session.CreatedAt.UnixNano(), session.LastActivityAt.UnixNano(),
		session.TurnCount, session.ContextSummary, session.LastSummarizedTurn)
	if err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, mode, status, created_at, last_activity_at, turn_count, context_summary, last_summarized_turn
FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var mode, status string
	var created, lastActivity int64
	var summary sql.NullString
	err := row.Scan(&session.ID, &session.UserID, &mode, &status,
		&created, &lastActivity, &session.TurnCount, &summary, &session.LastSummarizedTurn)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: scan: %w", err)
	}
	session.Mode = models.SessionMode(mode)
	session.Status = models.SessionStatus(status)
	session.CreatedAt = time.Unix(0, created).UTC()
	session.LastActivityAt = time.Unix(0, lastActivity).UTC()
	session.ContextSummary = summary.String
	return &session, nil
}

func (s *SQLiteStore) Update(ctx context.Context, session *models.Session) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE sessions SET mode = ?, status = ?, last_activity_at = ?, turn_count = ?, context_summary = ?, last_summarized_turn = ?
WHERE id = ?`,
		string(session.Mode), string(session.Status), session.LastActivityAt.UnixNano(),
		session.TurnCount, session.ContextSummary, session.LastSummarizedTurn, session.ID)
	if err != nil {
		return fmt.Errorf("sessions: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ActiveForUser(ctx context.Context, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, mode, status, created_at, last_activity_at, turn_count, context_summary, last_summarized_turn
FROM sessions WHERE user_id = ? AND status = ?
ORDER BY last_activity_at DESC LIMIT 1`, userID, string(models.SessionActive))
	return scanSession(row)
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, mode, status, created_at, last_activity_at, turn_count, context_summary, last_summarized_turn
FROM sessions WHERE status = ?`, string(models.SessionActive))
	if err != nil {
		return nil, fmt.Errorf("sessions: list active: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ForUser(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	query := `
SELECT id, user_id, mode, status, created_at, last_activity_at, turn_count, context_summary, last_summarized_turn
FROM sessions WHERE user_id = ? ORDER BY last_activity_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: for user: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, sessionID string, turn *models.SessionTurn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sessions: begin: %w", err)
	}
	defer tx.Rollback()

	var turnCount int
	err = tx.QueryRowContext(ctx, `SELECT turn_count FROM sessions WHERE id = ?`, sessionID).Scan(&turnCount)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("sessions: read turn count: %w", err)
	}

	turn.TurnNumber = turnCount + 1
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO session_turns (session_id, turn_number, user_query, reply, tool_results, duration_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, turn.TurnNumber, turn.UserQuery, turn.Reply,
		turn.ToolResults, turn.DurationMs, turn.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sessions: insert turn: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE sessions SET turn_count = ?, last_activity_at = ? WHERE id = ?`,
		turn.TurnNumber, turn.CreatedAt.UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("sessions: bump session: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) Turns(ctx context.Context, sessionID string, limit int) ([]*models.SessionTurn, error) {
	query := `
SELECT turn_number, user_query, reply, tool_results, duration_ms, created_at
FROM session_turns WHERE session_id = ? ORDER BY turn_number`
	args := []any{sessionID}
	if limit > 0 {
		// last N in ascending order
		query = `
SELECT turn_number, user_query, reply, tool_results, duration_ms, created_at
FROM (
	SELECT turn_number, user_query, reply, tool_results, duration_ms, created_at
	FROM session_turns WHERE session_id = ? ORDER BY turn_number DESC LIMIT ?
) ORDER BY turn_number`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sessions: turns: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionTurn
	for rows.Next() {
		var turn models.SessionTurn
		var toolResults sql.NullString
		var created int64
		if err := rows.Scan(&turn.TurnNumber, &turn.UserQuery, &turn.Reply, &toolResults, &turn.DurationMs, &created); err != nil {
			return nil, fmt.Errorf("sessions: scan turn: %w", err)
		}
		turn.ToolResults = toolResults.String
		turn.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, &turn)
	}
	return out, rows.Err()
}
