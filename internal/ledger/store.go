package ledger

import (
	"context"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// Store persists payments. Implementations must enforce uniqueness of
// (cart, transaction id) and make writes durable before returning.
type Store interface {
	Upsert(ctx context.Context, p *domain.Payment) error
	ListByCart(ctx context.Context, cartID string) ([]domain.Payment, error)
	FindByTransaction(ctx context.Context, gateway, transactionID string) (*domain.Payment, error)
}
