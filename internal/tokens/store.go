package tokens

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/voicewire/voicewire/pkg/models"
)

// ErrNotFound is returned when no token exists for a (user, provider) pair.
var ErrNotFound = errors.New("tokens: not found")

// Store is the interface for token persistence. The orchestrator reads
// records; adapters write back refreshed ciphertexts.
type Store interface {
	Get(ctx context.Context, userID, provider string) (*models.TokenRecord, error)
	Put(ctx context.Context, record *models.TokenRecord) error
	Delete(ctx context.Context, userID, provider string) error
	// Providers lists providers for which the user holds a token, sorted.
	Providers(ctx context.Context, userID string) ([]string, error)
}

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.TokenRecord
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*models.TokenRecord{}}
}

func tokenKey(userID, provider string) string {
	return userID + "\x00" + provider
}

// Get returns the token record for (userID, provider).
func (s *MemoryStore) Get(ctx context.Context, userID, provider string) (*models.TokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[tokenKey(userID, provider)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// Put stores or replaces a token record.
func (s *MemoryStore) Put(ctx context.Context, record *models.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.records[tokenKey(record.UserID, record.Provider)] = &cp
	return nil
}

// Delete removes a token record. Deleting a missing record is a no-op.
func (s *MemoryStore) Delete(ctx context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, tokenKey(userID, provider))
	return nil
}

// Providers lists providers for which the user holds a token.
func (s *MemoryStore) Providers(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var providers []string
	for _, rec := range s.records {
		if rec.UserID == userID {
			providers = append(providers, rec.Provider)
		}
	}
	sort.Strings(providers)
	return providers, nil
}
