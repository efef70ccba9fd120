package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/lead-ingest/internal/model"
)

// MemoryStore is an in-memory LeadStore used in tests and as a
// degraded-mode fallback.
type MemoryStore struct {
	mu       sync.Mutex
	byID     map[string]model.Lead
	identity map[string]string // normalized email -> lead id
}

// NewMemory creates an empty in-memory lead store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]model.Lead),
		identity: make(map[string]string),
	}
}

func (s *MemoryStore) GetByIdentity(_ context.Context, email string) (*model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.identity[email]
	if !ok {
		return nil, nil
	}
	lead := s.byID[id]
	return &lead, nil
}

func (s *MemoryStore) Upsert(_ context.Context, lead model.Lead) (*model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(lead), nil
}

func (s *MemoryStore) UpsertMany(_ context.Context, leads []model.Lead) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, lead := range leads {
		s.upsertLocked(lead)
	}
	return len(leads), nil
}

func (s *MemoryStore) upsertLocked(lead model.Lead) *model.Lead {
	now := time.Now().UTC()

	if lead.HasIdentity() {
		if id, ok := s.identity[lead.Email]; ok {
			existing := s.byID[id]
			lead.ID = existing.ID
			lead.CreatedAt = existing.CreatedAt
			lead.UpdatedAt = now
			s.byID[id] = lead
			return &lead
		}
	}

	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	lead.CreatedAt = now
	lead.UpdatedAt = now
	s.byID[lead.ID] = lead
	if lead.HasIdentity() {
		s.identity[lead.Email] = lead.ID
	}
	return &lead
}

// Len returns the number of stored leads.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// All returns a snapshot of every stored lead, in no particular order.
func (s *MemoryStore) All() []model.Lead {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Lead, 0, len(s.byID))
	for _, lead := range s.byID {
		out = append(out, lead)
	}
	return out
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
