package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

// Scheduler turns PENDING payment reports into reconciliation tasks for
// gateways that can be queried.
type Scheduler struct {
	tasks    TaskStore
	registry *gateway.Registry
	delay    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewScheduler(tasks TaskStore, registry *gateway.Registry, delay time.Duration, logger *slog.Logger) *Scheduler {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Scheduler{
		tasks:    tasks,
		registry: registry,
		delay:    delay,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandlePaymentRecorded consumes payment.recorded messages.
func (s *Scheduler) HandlePaymentRecorded(ctx context.Context, payload []byte) error {
	var event domain.PaymentRecordedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		// A malformed message can never succeed; skip it.
		s.logger.Error("failed to unmarshal payment recorded event", "error", err)
		return nil
	}
	return s.schedule(ctx, event)
}

// Publish satisfies cart.EventPublisher so the API can schedule directly
// when Kafka is not configured.
func (s *Scheduler) Publish(ctx context.Context, _ string, event any) error {
	e, ok := event.(domain.PaymentRecordedEvent)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}
	return s.schedule(ctx, e)
}

func (s *Scheduler) schedule(ctx context.Context, event domain.PaymentRecordedEvent) error {
	if event.State != domain.PaymentStatePending || event.TransactionID == "" {
		return nil
	}
	if !s.reconcilable(event.Gateway) {
		return nil
	}

	task := &Task{
		CartID:        event.CartID,
		Gateway:       event.Gateway,
		TransactionID: event.TransactionID,
		NextRunAt:     s.now().Add(s.delay),
	}
	created, err := s.tasks.Enqueue(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue reconcile task: %w", err)
	}
	if created {
		s.logger.Info("reconcile task scheduled", "task_id", task.ID, "cart_id", task.CartID,
			"transaction_id", task.TransactionID, "next_run_at", task.NextRunAt)
	}
	return nil
}

// reconcilable reports whether the gateway can be queried. Gateways that
// only fail construction for missing base settings are assumed reconcilable;
// the poller resolves them with the cart's own settings.
func (s *Scheduler) reconcilable(name string) bool {
	gw, err := s.registry.New(name, nil)
	if err != nil {
		return !errors.Is(err, domain.ErrUnknownGateway)
	}
	_, ok := gw.(gateway.Reconciler)
	return ok
}
