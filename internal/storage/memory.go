package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/models"
)

// MemoryStatusStore provides an in-memory StatusStore for testing and local
// runs.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]*models.ConnectionStatus
}

// NewMemoryStatusStore creates a new in-memory status store.
func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: map[string]*models.ConnectionStatus{}}
}

// Upsert stores or replaces the status for (UserID, Provider).
func (s *MemoryStatusStore) Upsert(ctx context.Context, status *models.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *status
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	s.statuses[status.UserID+"\x00"+status.Provider] = &cp
	return nil
}

// List returns all statuses for a user, sorted by provider.
func (s *MemoryStatusStore) List(ctx context.Context, userID string) ([]*models.ConnectionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ConnectionStatus
	for _, st := range s.statuses {
		if st.UserID == userID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// MemoryEventStore provides an in-memory EventStore.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*models.ConnectionEvent
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

// Append records a connection event.
func (s *MemoryEventStore) Append(ctx context.Context, event *models.ConnectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.At.IsZero() {
		cp.At = time.Now()
	}
	s.events = append(s.events, &cp)
	return nil
}

// Recent returns the newest events first, at most limit.
func (s *MemoryEventStore) Recent(ctx context.Context, userID string, limit int) ([]*models.ConnectionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ConnectionEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].UserID != userID {
			continue
		}
		cp := *s.events[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
