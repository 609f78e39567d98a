package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voicewire/voicewire/pkg/models"
)

// MemoryStore is an in-memory Store for tests and single-node runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	turns    map[string][]*models.SessionTurn
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		turns:    map[string][]*models.SessionTurn{},
	}
}

func (s *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *MemoryStore) ActiveForUser(ctx context.Context, userID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *models.Session
	for _, session := range s.sessions {
		if session.UserID != userID || session.Status != models.SessionActive {
			continue
		}
		if newest == nil || session.LastActivityAt.After(newest.LastActivityAt) {
			newest = session
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, session := range s.sessions {
		if session.Status == models.SessionActive {
			cp := *session
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ForUser(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, session := range s.sessions {
		if session.UserID == userID {
			cp := *session
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AppendTurn(ctx context.Context, sessionID string, turn *models.SessionTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	cp := *turn
	cp.TurnNumber = session.TurnCount + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.turns[sessionID] = append(s.turns[sessionID], &cp)

	session.TurnCount = cp.TurnNumber
	session.LastActivityAt = cp.CreatedAt
	turn.TurnNumber = cp.TurnNumber
	turn.CreatedAt = cp.CreatedAt
	return nil
}

func (s *MemoryStore) Turns(ctx context.Context, sessionID string, limit int) ([]*models.SessionTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.turns[sessionID]
	start := 0
	if limit > 0 && len(all) > limit {
		start = len(all) - limit
	}
	out := make([]*models.SessionTurn, 0, len(all)-start)
	for _, turn := range all[start:] {
		cp := *turn
		out = append(out, &cp)
	}
	return out, nil
}
