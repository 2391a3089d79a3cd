package cart

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// MemoryStore keeps carts in process memory. Stored carts are deep copied
// on the way in and out.
type MemoryStore struct {
	mu    sync.RWMutex
	carts map[string]*domain.Cart
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]*domain.Cart)}
}

func (s *MemoryStore) Create(_ context.Context, cart *domain.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.carts[cart.ID]; ok {
		return fmt.Errorf("cart %s already exists", cart.ID)
	}
	for i := range cart.Items {
		if cart.Items[i].ID == "" {
			cart.Items[i].ID = uuid.New().String()
		}
	}
	s.carts[cart.ID] = clone(cart)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, ok := s.carts[id]
	if !ok {
		return nil, nil
	}
	return clone(cart), nil
}

func (s *MemoryStore) Update(_ context.Context, cart *domain.Cart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.carts[cart.ID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrCartNotFound, cart.ID)
	}
	cart.UpdatedAt = time.Now().UTC()
	stored := clone(cart)
	stored.Payments = nil
	s.carts[cart.ID] = stored
	return nil
}

func (s *MemoryStore) ListActiveRecurring(_ context.Context) ([]domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var carts []domain.Cart
	for _, cart := range s.carts {
		if item := cart.RecurringItem(); item != nil && item.Recurring.Active {
			carts = append(carts, *clone(cart))
		}
	}
	sort.Slice(carts, func(i, j int) bool {
		return carts[i].CreatedAt.Before(carts[j].CreatedAt)
	})
	return carts, nil
}

func clone(cart *domain.Cart) *domain.Cart {
	c := *cart
	c.Items = make([]domain.LineItem, len(cart.Items))
	for i, item := range cart.Items {
		if item.Recurring != nil {
			r := *item.Recurring
			if r.LastCharge != nil {
				t := *r.LastCharge
				r.LastCharge = &t
			}
			if r.Start != nil {
				t := *r.Start
				r.Start = &t
			}
			item.Recurring = &r
		}
		c.Items[i] = item
	}
	if cart.Settings != nil {
		c.Settings = make(map[string]string, len(cart.Settings))
		for k, v := range cart.Settings {
			c.Settings[k] = v
		}
	}
	c.Payments = append([]domain.Payment(nil), cart.Payments...)
	return &c
}
