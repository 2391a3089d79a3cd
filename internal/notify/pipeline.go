// Package notify verifies and applies asynchronous provider notifications.
//
// A notification is resolved to a cart, authenticated against that cart's
// gateway settings, classified into an outcome and folded into the ledger.
// Nothing is written before authentication succeeds.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
	"github.com/joao-fontenele/paycart/internal/ledger"
)

var tracer = otel.Tracer("notify")

var ErrNotSupported = errors.New("gateway does not accept notifications")

type Stage string

const (
	StageApplied    Stage = "applied"
	StageRejected   Stage = "rejected"
	StageUnresolved Stage = "unresolved"
	StageIgnored    Stage = "ignored"
)

type Result struct {
	Stage  Stage
	Ack    gateway.Ack
	CartID string
	Change ledger.Change
}

// Carts is the part of cart.Service the pipeline writes through.
type Carts interface {
	Get(ctx context.Context, id string) (*domain.Cart, error)
	ApplyOutcome(ctx context.Context, cartID, gatewayName string, outcome gateway.Outcome) (ledger.Change, error)
}

type Pipeline struct {
	registry *gateway.Registry
	payments ledger.Store
	carts    Carts
	logger   *slog.Logger
	handled  metric.Int64Counter
}

type Option func(*options)

type options struct {
	meter metric.Meter
}

// WithMeter overrides the global meter, used by tests to read counters.
func WithMeter(m metric.Meter) Option {
	return func(o *options) { o.meter = m }
}

func NewPipeline(registry *gateway.Registry, payments ledger.Store, carts Carts, logger *slog.Logger, opts ...Option) *Pipeline {
	o := options{meter: otel.Meter("notify")}
	for _, opt := range opts {
		opt(&o)
	}

	handled, err := o.meter.Int64Counter("paycart.notifications",
		metric.WithDescription("Provider notifications by outcome stage"),
	)
	if err != nil {
		logger.Error("failed to create notifications counter", "error", err)
	}

	return &Pipeline{
		registry: registry,
		payments: payments,
		carts:    carts,
		logger:   logger,
		handled:  handled,
	}
}

// Handle runs one notification through the pipeline. Unresolvable and
// unclassifiable notifications are acknowledged without error so providers
// stop retrying; authentication failures return an error wrapping
// domain.ErrIntegrity.
func (p *Pipeline) Handle(ctx context.Context, gatewayName string, n gateway.Notification) (Result, error) {
	ctx, span := tracer.Start(ctx, "notify "+gatewayName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("paycart.gateway", gatewayName)),
	)
	defer span.End()

	res, err := p.handle(ctx, gatewayName, n)
	span.SetAttributes(attribute.String("paycart.notify.stage", string(res.Stage)))
	if res.CartID != "" {
		span.SetAttributes(attribute.String("paycart.cart_id", res.CartID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if res.Stage != "" && p.handled != nil {
		p.handled.Add(ctx, 1, metric.WithAttributes(
			attribute.String("gateway", gatewayName),
			attribute.String("stage", string(res.Stage)),
		))
	}
	return res, err
}

func (p *Pipeline) handle(ctx context.Context, gatewayName string, n gateway.Notification) (Result, error) {
	gw, err := p.registry.New(gatewayName, nil)
	if err != nil {
		return Result{}, err
	}
	notifier, ok := gw.(gateway.Notifier)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotSupported, gatewayName)
	}

	cart, err := p.resolve(ctx, gatewayName, notifier, n)
	if err != nil {
		if !errors.Is(err, domain.ErrUnknownTransaction) {
			return Result{}, err
		}
		p.logger.Error("unresolved notification", "error", err, "gateway", gatewayName,
			"transaction_ids", notifier.TransactionIDs(n))
		return Result{Stage: StageUnresolved, Ack: notifier.Acknowledge(n)}, nil
	}

	// Per-cart settings may carry the secrets the payload is signed with.
	if len(cart.Settings) > 0 {
		gw, err = p.registry.New(gatewayName, cart.Settings)
		if err != nil {
			return Result{CartID: cart.ID}, err
		}
		if cn, ok := gw.(gateway.Notifier); ok {
			notifier = cn
		}
	}

	if err := notifier.Authenticate(cart, n); err != nil {
		if !errors.Is(err, domain.ErrIntegrity) {
			err = fmt.Errorf("%w: %w", domain.ErrIntegrity, err)
		}
		p.logger.Error("notification failed authentication", "error", err, "gateway", gatewayName, "cart_id", cart.ID)
		return Result{Stage: StageRejected, CartID: cart.ID}, err
	}

	outcome, err := notifier.Classify(n)
	if err != nil || outcome == nil {
		if err != nil {
			p.logger.Warn("unclassified notification", "error", err, "gateway", gatewayName, "cart_id", cart.ID)
		}
		return Result{Stage: StageIgnored, CartID: cart.ID, Ack: notifier.Acknowledge(n)}, nil
	}

	change, err := p.Apply(ctx, cart.ID, gatewayName, outcome)
	if err != nil {
		return Result{CartID: cart.ID}, err
	}

	p.logger.Info("notification applied", "gateway", gatewayName, "cart_id", cart.ID, "change", change.String())
	return Result{Stage: StageApplied, CartID: cart.ID, Change: change, Ack: notifier.Acknowledge(n)}, nil
}

// Apply folds an authenticated outcome into the cart. The reconciliation
// poller shares this step.
func (p *Pipeline) Apply(ctx context.Context, cartID, gatewayName string, outcome gateway.Outcome) (ledger.Change, error) {
	return p.carts.ApplyOutcome(ctx, cartID, gatewayName, outcome)
}

// resolve finds the cart through the ledger first and the provider's
// embedded cart reference second.
func (p *Pipeline) resolve(ctx context.Context, gatewayName string, notifier gateway.Notifier, n gateway.Notification) (*domain.Cart, error) {
	for _, id := range notifier.TransactionIDs(n) {
		if id == "" {
			continue
		}
		payment, err := p.payments.FindByTransaction(ctx, gatewayName, id)
		if err != nil {
			return nil, fmt.Errorf("find payment: %w", err)
		}
		if payment != nil {
			return p.load(ctx, payment.CartID)
		}
	}

	ref := notifier.CartReference(n)
	if ref == "" {
		return nil, fmt.Errorf("%w: no cart reference", domain.ErrUnknownTransaction)
	}
	return p.load(ctx, ref)
}

func (p *Pipeline) load(ctx context.Context, id string) (*domain.Cart, error) {
	cart, err := p.carts.Get(ctx, id)
	if errors.Is(err, domain.ErrCartNotFound) {
		return nil, fmt.Errorf("%w: cart %s", domain.ErrUnknownTransaction, id)
	}
	return cart, err
}
