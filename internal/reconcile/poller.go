package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
	"github.com/joao-fontenele/paycart/internal/ledger"
)

var tracer = otel.Tracer("reconcile")

const (
	DefaultMaxAttempts = 18
	DefaultDelay       = 4 * time.Hour
	DefaultBatch       = 50
	DefaultLease       = 5 * time.Minute
)

// Decision is what a single check did with its task.
type Decision string

const (
	DecisionApplied     Decision = "applied"
	DecisionRescheduled Decision = "rescheduled"
	DecisionGivenUp     Decision = "given_up"
	DecisionSkipped     Decision = "skipped"
)

// Carts is the part of cart.Service the poller reads.
type Carts interface {
	Get(ctx context.Context, id string) (*domain.Cart, error)
}

// Applier folds a provider outcome into the ledger. notify.Pipeline
// implements it.
type Applier interface {
	Apply(ctx context.Context, cartID, gatewayName string, outcome gateway.Outcome) (ledger.Change, error)
}

type Config struct {
	// MaxAttempts counts checks: a task that never leaves PENDING is
	// rescheduled MaxAttempts-1 times and voided on the last check.
	MaxAttempts int
	Delay       time.Duration
	Batch       int
	Lease       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	return c
}

type Poller struct {
	tasks    TaskStore
	carts    Carts
	applier  Applier
	registry *gateway.Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	checks   metric.Int64Counter
}

type Option func(*Poller)

func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

func WithMeter(m metric.Meter) Option {
	return func(p *Poller) { p.checks = newChecksCounter(m, p.logger) }
}

func NewPoller(tasks TaskStore, carts Carts, applier Applier, registry *gateway.Registry, cfg Config, logger *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		tasks:    tasks,
		carts:    carts,
		applier:  applier,
		registry: registry,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	p.checks = newChecksCounter(otel.Meter("reconcile"), logger)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func newChecksCounter(m metric.Meter, logger *slog.Logger) metric.Int64Counter {
	c, err := m.Int64Counter("paycart.reconcile.checks",
		metric.WithDescription("Reconciliation checks by decision"),
	)
	if err != nil {
		logger.Error("failed to create reconcile checks counter", "error", err)
	}
	return c
}

// Tick claims due tasks and checks each one. A failing task never stops the
// batch; its error is recorded on the task instead.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	tasks, err := p.tasks.ClaimDue(ctx, p.now(), p.cfg.Batch, p.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim due tasks: %w", err)
	}

	for i := range tasks {
		if ctx.Err() != nil {
			return i, ctx.Err()
		}
		if _, err := p.Process(ctx, tasks[i]); err != nil {
			p.logger.Warn("reconcile check failed", "error", err, "task_id", tasks[i].ID, "cart_id", tasks[i].CartID)
		}
	}
	return len(tasks), nil
}

// Process runs one check of task.
func (p *Poller) Process(ctx context.Context, task Task) (Decision, error) {
	ctx, span := tracer.Start(ctx, "reconcile "+task.Gateway,
		trace.WithAttributes(
			attribute.String("paycart.gateway", task.Gateway),
			attribute.String("paycart.cart_id", task.CartID),
			attribute.String("paycart.transaction_id", task.TransactionID),
			attribute.Int("paycart.reconcile.attempt", task.Attempts+1),
		),
	)
	defer span.End()

	decision, err := p.process(ctx, &task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if decision != "" {
		span.SetAttributes(attribute.String("paycart.reconcile.decision", string(decision)))
		if p.checks != nil {
			p.checks.Add(ctx, 1, metric.WithAttributes(
				attribute.String("gateway", task.Gateway),
				attribute.String("decision", string(decision)),
			))
		}
	}
	return decision, err
}

func (p *Poller) process(ctx context.Context, task *Task) (Decision, error) {
	task.Attempts++

	cart, err := p.carts.Get(ctx, task.CartID)
	if errors.Is(err, domain.ErrCartNotFound) {
		return p.finish(ctx, task, TaskGivenUp, "cart not found", DecisionSkipped)
	}
	if err != nil {
		return p.reschedule(ctx, task, err)
	}

	if p.settled(cart, task.TransactionID) {
		return p.finish(ctx, task, TaskDone, "", DecisionSkipped)
	}

	gw, err := p.registry.New(task.Gateway, cart.Settings)
	if err != nil {
		return p.finish(ctx, task, TaskGivenUp, err.Error(), DecisionSkipped)
	}
	rec, ok := gw.(gateway.Reconciler)
	if !ok {
		return p.finish(ctx, task, TaskGivenUp, "gateway cannot be reconciled", DecisionSkipped)
	}

	res, err := rec.FindTransaction(ctx, cart, task.TransactionID)
	switch {
	case errors.Is(err, domain.ErrUnknownTransaction) && task.TransactionID == "":
		// Nothing charged under the subscription yet.
		return p.pending(ctx, task, cart, rec, nil)
	case err != nil:
		if task.Attempts >= p.cfg.MaxAttempts {
			return p.giveUp(ctx, task, cart, rec, nil)
		}
		return p.reschedule(ctx, task, err)
	}

	if task.TransactionID == "" && res.TransactionID != "" {
		if p.settled(cart, res.TransactionID) {
			return p.finish(ctx, task, TaskDone, "", DecisionSkipped)
		}
		if !res.State.IsTerminal() && task.Attempts < p.cfg.MaxAttempts {
			return p.handOff(ctx, task, cart, res)
		}
		// Finish never persists the id, so the stored task keeps its key.
		task.TransactionID = res.TransactionID
	}

	if res.State.IsTerminal() {
		if _, err := p.applier.Apply(ctx, cart.ID, task.Gateway, res); err != nil {
			return p.reschedule(ctx, task, err)
		}
		p.logger.Info("reconciled transaction", "cart_id", cart.ID, "transaction_id", task.TransactionID,
			"state", res.State, "attempt", task.Attempts)
		return p.finish(ctx, task, TaskDone, "", DecisionApplied)
	}

	return p.pending(ctx, task, cart, rec, res)
}

func (p *Poller) pending(ctx context.Context, task *Task, cart *domain.Cart, rec gateway.Reconciler, res *gateway.TransactionResult) (Decision, error) {
	if task.Attempts >= p.cfg.MaxAttempts {
		return p.giveUp(ctx, task, cart, rec, res)
	}
	if res != nil && res.TransactionID != "" {
		if _, err := p.applier.Apply(ctx, cart.ID, task.Gateway, res); err != nil {
			return p.reschedule(ctx, task, err)
		}
	}

	task.NextRunAt = p.now().Add(p.cfg.Delay)
	task.LastError = ""
	if err := p.tasks.Reschedule(ctx, task); err != nil {
		return "", fmt.Errorf("reschedule task: %w", err)
	}
	p.logger.Info("transaction still pending, rescheduled", "cart_id", cart.ID, "transaction_id", task.TransactionID,
		"attempt", task.Attempts, "next_run_at", task.NextRunAt)
	return DecisionRescheduled, nil
}

// handOff moves a sweep task onto the pending charge it found. A task's
// (cart, transaction) key never changes once stored, so the charge gets its
// own task carrying the attempts used so far and the sweep task ends.
func (p *Poller) handOff(ctx context.Context, task *Task, cart *domain.Cart, res *gateway.TransactionResult) (Decision, error) {
	next := &Task{
		CartID:        task.CartID,
		Gateway:       task.Gateway,
		TransactionID: res.TransactionID,
		Attempts:      task.Attempts,
		NextRunAt:     p.now().Add(p.cfg.Delay),
	}
	created, err := p.tasks.Enqueue(ctx, next)
	if err != nil {
		return p.reschedule(ctx, task, fmt.Errorf("enqueue task for %s: %w", res.TransactionID, err))
	}

	// Recording the charge publishes it; the scheduler finds the task above
	// and does not add another.
	if _, err := p.applier.Apply(ctx, cart.ID, task.Gateway, res); err != nil {
		p.logger.Error("failed to record pending charge", "error", err, "cart_id", cart.ID,
			"transaction_id", res.TransactionID)
	}

	p.logger.Info("pending charge found, tracking it by transaction", "cart_id", cart.ID,
		"transaction_id", res.TransactionID, "task_id", next.ID, "created", created, "attempt", task.Attempts)
	return p.finish(ctx, task, TaskDone, "handed off to transaction "+res.TransactionID, DecisionRescheduled)
}

// giveUp voids the transaction at the provider and records it as FAILED.
// The local record is written even when the void call fails.
func (p *Poller) giveUp(ctx context.Context, task *Task, cart *domain.Cart, rec gateway.Reconciler, res *gateway.TransactionResult) (Decision, error) {
	if task.TransactionID == "" {
		p.logger.Warn("no transaction reported before giving up", "cart_id", cart.ID, "attempts", task.Attempts)
		return p.finish(ctx, task, TaskGivenUp, "no transaction reported", DecisionGivenUp)
	}

	lastErr := fmt.Sprintf("still pending after %d checks", task.Attempts)
	if _, err := rec.VoidTransaction(ctx, cart, task.TransactionID); err != nil {
		p.logger.Error("failed to void transaction", "error", err, "cart_id", cart.ID, "transaction_id", task.TransactionID)
		lastErr = fmt.Sprintf("%s; void failed: %v", lastErr, err)
	}

	failed := &gateway.TransactionResult{
		Result:        gateway.Failure("given_up", lastErr),
		TransactionID: task.TransactionID,
		State:         domain.PaymentStateFailed,
	}
	if res != nil {
		failed.Amount = res.Amount
	}
	if _, err := p.applier.Apply(ctx, cart.ID, task.Gateway, failed); err != nil {
		return p.reschedule(ctx, task, err)
	}

	p.logger.Warn("gave up on pending transaction", "cart_id", cart.ID, "transaction_id", task.TransactionID,
		"attempts", task.Attempts)
	return p.finish(ctx, task, TaskGivenUp, lastErr, DecisionGivenUp)
}

// reschedule records a failed check. The attempt is consumed and the task is
// retried after the regular delay.
func (p *Poller) reschedule(ctx context.Context, task *Task, cause error) (Decision, error) {
	task.NextRunAt = p.now().Add(p.cfg.Delay)
	task.LastError = cause.Error()
	if err := p.tasks.Reschedule(ctx, task); err != nil {
		return "", fmt.Errorf("reschedule task: %w", err)
	}
	p.logger.Info("reconcile check failed, rescheduled", "error", cause, "cart_id", task.CartID,
		"attempt", task.Attempts, "next_run_at", task.NextRunAt)
	return DecisionRescheduled, cause
}

func (p *Poller) finish(ctx context.Context, task *Task, status TaskStatus, lastErr string, d Decision) (Decision, error) {
	if err := p.tasks.Finish(ctx, task.ID, status, lastErr); err != nil {
		return "", fmt.Errorf("finish task: %w", err)
	}
	return d, nil
}

// settled reports whether the ledger already holds a terminal state for
// transactionID, which makes further checks no-ops.
func (p *Poller) settled(cart *domain.Cart, transactionID string) bool {
	if transactionID == "" {
		return false
	}
	payment, ok := ledger.Find(cart.Payments, transactionID)
	return ok && payment.State.IsTerminal()
}
