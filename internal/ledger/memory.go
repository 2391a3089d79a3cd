package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// MemoryStore keeps payments in process memory. Used by tests and local runs
// without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string][]domain.Payment // cartID -> payments in insertion order
	writes   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string][]domain.Payment)}
}

func (s *MemoryStore) Upsert(_ context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.writes++
	list := s.payments[p.CartID]
	for i := range list {
		if list[i].TransactionID == p.TransactionID {
			p.ID = list[i].ID
			p.CreatedAt = list[i].CreatedAt
			p.UpdatedAt = now
			list[i] = *p
			return nil
		}
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.payments[p.CartID] = append(list, *p)
	return nil
}

func (s *MemoryStore) ListByCart(_ context.Context, cartID string) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.payments[cartID]
	out := make([]domain.Payment, len(list))
	copy(out, list)
	return out, nil
}

func (s *MemoryStore) FindByTransaction(_ context.Context, gateway, transactionID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, list := range s.payments {
		for _, p := range list {
			if p.Gateway == gateway && p.TransactionID == transactionID {
				found := p
				return &found, nil
			}
		}
	}
	return nil, nil
}

// Writes counts Upsert calls.
func (s *MemoryStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
