package cart

import (
	"context"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// Store persists carts and their line items. Get returns nil, nil when the
// cart does not exist.
type Store interface {
	Create(ctx context.Context, cart *domain.Cart) error
	Get(ctx context.Context, id string) (*domain.Cart, error)
	Update(ctx context.Context, cart *domain.Cart) error
	// ListActiveRecurring returns carts holding an active recurring item.
	ListActiveRecurring(ctx context.Context) ([]domain.Cart, error)
}
