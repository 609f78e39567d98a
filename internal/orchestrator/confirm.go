package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicewire/voicewire/pkg/models"
)

// confirmationTTL bounds how long a paused plan waits for the user.
const confirmationTTL = 5 * time.Minute

// pendingPlan is a plan paused on the risk gate.
type pendingPlan struct {
	UserID       string
	SessionID    string
	Query        string
	ContextBlock string
	Plan         *models.Plan
	Assessment   *models.RiskAssessment
	CreatedAt    time.Time
}

// confirmStore holds paused plans keyed by confirmation ID. Entries expire
// after confirmationTTL and are swept lazily on access.
type confirmStore struct {
	mu      sync.Mutex
	pending map[string]*pendingPlan
	ttl     time.Duration
	now     func() time.Time
}

func newConfirmStore() *confirmStore {
	return &confirmStore{
		pending: make(map[string]*pendingPlan),
		ttl:     confirmationTTL,
		now:     time.Now,
	}
}

// Put parks a plan and returns its confirmation ID.
func (s *confirmStore) Put(p *pendingPlan) string {
	id := uuid.NewString()
	p.CreatedAt = s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.pending[id] = p
	return id
}

// Take removes and returns the plan for id. The second return is false when
// the id is unknown or the entry expired.
func (s *confirmStore) Take(id string) (*pendingPlan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	p, ok := s.pending[id]
	if !ok {
		return nil, false
	}
	delete(s.pending, id)
	return p, true
}

// Drop discards a paused plan, used when the user declines.
func (s *confirmStore) Drop(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

func (s *confirmStore) sweepLocked() {
	cutoff := s.now().Add(-s.ttl)
	for id, p := range s.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(s.pending, id)
		}
	}
}
