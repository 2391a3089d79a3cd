package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

// RecurringCarts is the part of cart.Service the sweeper drives.
type RecurringCarts interface {
	ActiveRecurring(ctx context.Context) ([]domain.Cart, error)
	ChargeRecurring(ctx context.Context, id string, grace time.Duration) (*gateway.TransactionResult, error)
}

type SweepResult struct {
	Charged   int
	Scheduled int
	Failed    int
}

// Sweeper charges recurring items that are due. Providers that bill the
// subscription themselves get a reconciliation task for the latest
// transaction instead.
type Sweeper struct {
	carts    RecurringCarts
	tasks    TaskStore
	registry *gateway.Registry
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewSweeper(carts RecurringCarts, tasks TaskStore, registry *gateway.Registry, grace time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		carts:    carts,
		tasks:    tasks,
		registry: registry,
		grace:    grace,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var out SweepResult

	carts, err := s.carts.ActiveRecurring(ctx)
	if err != nil {
		return out, fmt.Errorf("list recurring carts: %w", err)
	}

	now := s.now()
	for i := range carts {
		cart := &carts[i]
		item := cart.RecurringItem()
		if item == nil || !item.Recurring.Active || !item.Recurring.Expired(now, s.grace) {
			continue
		}

		res, err := s.carts.ChargeRecurring(ctx, cart.ID, s.grace)
		if err != nil {
			out.Failed++
			s.logger.Error("failed to charge recurring item", "error", err, "cart_id", cart.ID)
			continue
		}
		if res != nil {
			out.Charged++
			s.logger.Info("recurring item charged", "cart_id", cart.ID, "transaction_id", res.TransactionID,
				"success", res.Success, "state", res.State)
			continue
		}

		scheduled, err := s.scheduleLatest(ctx, cart, now)
		if err != nil {
			out.Failed++
			s.logger.Error("failed to schedule recurring reconciliation", "error", err, "cart_id", cart.ID)
			continue
		}
		if scheduled {
			out.Scheduled++
		}
	}
	return out, nil
}

func (s *Sweeper) scheduleLatest(ctx context.Context, cart *domain.Cart, now time.Time) (bool, error) {
	gw, err := s.registry.ForCart(cart)
	if err != nil {
		return false, err
	}
	if _, ok := gw.(gateway.Reconciler); !ok {
		return false, nil
	}

	task := &Task{CartID: cart.ID, Gateway: cart.Gateway, NextRunAt: now}
	created, err := s.tasks.Enqueue(ctx, task)
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Info("scheduled reconciliation of provider-managed charge", "task_id", task.ID, "cart_id", cart.ID)
	}
	return created, nil
}
