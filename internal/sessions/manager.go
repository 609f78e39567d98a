package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/internal/observability"
	"github.com/voicewire/voicewire/pkg/models"
)

// Config tunes session lifecycle handling.
type Config struct {
	// IdleTimeout is how long a session may sit idle before it times out.
	IdleTimeout time.Duration
	// SweepInterval is how often the background sweeper scans for idle
	// sessions.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Minute
	}
}

// Manager owns session lifecycle: one active session per user, idle expiry,
// and turn recording.
type Manager struct {
	store  Store
	cfg    Config
	logger *observability.Logger
	now    func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a session manager over the given store.
func NewManager(store Store, cfg Config, logger *observability.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.WithFields("component", "sessions"),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// GetOrCreateActive returns the user's active session, expiring a stale one
// and creating a fresh session when needed.
func (m *Manager) GetOrCreateActive(ctx context.Context, userID string, mode models.SessionMode) (*models.Session, error) {
	session, err := m.store.ActiveForUser(ctx, userID)
	switch {
	case err == nil:
		if m.now().Sub(session.LastActivityAt) <= m.cfg.IdleTimeout {
			return session, nil
		}
		// stale active session: time it out before starting a new one
		session.Status = models.SessionTimeout
		if err := m.store.Update(ctx, session); err != nil {
			return nil, fmt.Errorf("sessions: expire stale session: %w", err)
		}
		m.logger.Info(ctx, "session timed out", "session_id", session.ID)
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	if mode == "" {
		mode = models.ModePushToTalk
	}
	now := m.now()
	fresh := &models.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		Mode:           mode,
		Status:         models.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.Create(ctx, fresh); err != nil {
		return nil, fmt.Errorf("sessions: create: %w", err)
	}
	m.logger.Info(ctx, "session started", "session_id", fresh.ID, "mode", string(mode))
	return fresh, nil
}

// RecordTurn appends a completed turn to the session.
func (m *Manager) RecordTurn(ctx context.Context, sessionID string, turn *models.SessionTurn) error {
	return m.store.AppendTurn(ctx, sessionID, turn)
}

// End marks a session completed.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Status = models.SessionCompleted
	return m.store.Update(ctx, session)
}

// Start launches the idle sweeper.
func (m *Manager) Start() {
	go func() {
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop halts the sweeper.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	active, err := m.store.ListActive(ctx)
	if err != nil {
		m.logger.Warn(ctx, "sweep failed", "error", err)
		return
	}

	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	for _, session := range active {
		if session.LastActivityAt.After(cutoff) {
			continue
		}
		session.Status = models.SessionTimeout
		if err := m.store.Update(ctx, session); err != nil {
			m.logger.Warn(ctx, "sweep update failed", "session_id", session.ID, "error", err)
			continue
		}
		m.logger.Info(ctx, "session timed out", "session_id", session.ID)
	}
}
