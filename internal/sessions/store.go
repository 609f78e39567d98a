// Package sessions manages voice conversation sessions: creation, idle
// expiry, turn history, and the bounded context window handed to the planner.
package sessions

import (
	"context"
	"errors"

	"github.com/voicewire/voicewire/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("sessions: not found")

// Store persists sessions and their turns.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error

	// ActiveForUser returns the user's active session, or ErrNotFound.
	ActiveForUser(ctx context.Context, userID string) (*models.Session, error)

	// ListActive returns every active session across users. Used by the
	// idle sweeper.
	ListActive(ctx context.Context) ([]*models.Session, error)

	// ForUser returns the user's sessions newest-first, at most limit.
	// limit <= 0 returns all.
	ForUser(ctx context.Context, userID string, limit int) ([]*models.Session, error)

	// AppendTurn assigns the next turn number, stores the turn, and bumps
	// the session's TurnCount and LastActivityAt in one step.
	AppendTurn(ctx context.Context, sessionID string, turn *models.SessionTurn) error

	// Turns returns the last limit turns in ascending turn order. limit <= 0
	// returns all turns.
	Turns(ctx context.Context, sessionID string, limit int) ([]*models.SessionTurn, error)
}
