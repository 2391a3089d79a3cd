// Package cart owns the cart lifecycle: OPEN, SUBMITTED, then COMPLETED or
// CANCELLED. Every payment report is folded into the ledger and the cart
// state is recomputed from it under a per-cart lock.
package cart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
	"github.com/joao-fontenele/paycart/internal/ledger"
)

var ErrRefundNotSupported = errors.New("gateway does not support refunds")

// EventPublisher matches messaging.Producer.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Contact is the address and contact data a provider reported alongside a
// payment.
type Contact struct {
	Bill  domain.Address
	Ship  domain.Address
	Email string
	Phone string
}

type Service struct {
	carts     Store
	payments  ledger.Store
	registry  *gateway.Registry
	locker    Locker
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Service)

func WithPublisher(p EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(carts Store, payments ledger.Store, registry *gateway.Registry, locker Locker, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		carts:    carts,
		payments: payments,
		registry: registry,
		locker:   locker,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Create(ctx context.Context, cart *domain.Cart) error {
	if err := cart.Validate(); err != nil {
		return err
	}

	now := s.now()
	cart.ID = uuid.New().String()
	cart.State = domain.CartStateOpen
	cart.Gateway = ""
	cart.Payments = nil
	cart.CreatedAt = now
	cart.UpdatedAt = now
	cart.RecomputeTotals()
	if cart.Total.IsNegative() {
		return domain.ErrInvalidAmount
	}

	if err := s.carts.Create(ctx, cart); err != nil {
		return fmt.Errorf("create cart: %w", err)
	}

	s.logger.Info("cart created", "cart_id", cart.ID, "total", cart.Total.StringFixed(2))
	return nil
}

// Get returns the cart with its payments, or domain.ErrCartNotFound.
func (s *Service) Get(ctx context.Context, id string) (*domain.Cart, error) {
	cart, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByCart(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	cart.Payments = payments
	return cart, nil
}

// Submit hands the cart to the named gateway. A successful submission moves
// the cart to SUBMITTED; a failed result leaves it OPEN and is returned as is.
func (s *Service) Submit(ctx context.Context, id, gatewayName string, opts gateway.SubmitOptions) (*gateway.SubmitResult, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cart, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cart.State != domain.CartStateOpen {
		return nil, &domain.InvalidStateError{CartID: id, State: cart.State, Op: "submit"}
	}

	gw, err := s.registry.New(gatewayName, cart.Settings)
	if err != nil {
		return nil, err
	}

	result, err := gw.Submit(ctx, cart, opts)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		s.logger.Warn("gateway submission failed", "cart_id", id, "gateway", gw.Name(), "errors", result.Errors)
		return result, nil
	}

	cart.Gateway = gw.Name()
	cart.State = domain.CartStateSubmitted
	if err := s.carts.Update(ctx, cart); err != nil {
		return nil, fmt.Errorf("update cart: %w", err)
	}

	s.logger.Info("cart submitted", "cart_id", id, "gateway", gw.Name(), "kind", result.Kind)
	return result, nil
}

// ConfirmPayment exchanges the provider's return data for a final outcome
// and applies it.
func (s *Service) ConfirmPayment(ctx context.Context, id string, req gateway.ConfirmRequest) (gateway.Outcome, error) {
	cart, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cart.Gateway == "" || cart.State == domain.CartStateOpen {
		return nil, &domain.InvalidStateError{CartID: id, State: cart.State, Op: "confirm payment for"}
	}

	gw, err := s.registry.ForCart(cart)
	if err != nil {
		return nil, err
	}

	outcome, err := gw.ConfirmPayment(ctx, cart, req)
	if err != nil {
		return nil, err
	}

	if _, err := s.ApplyOutcome(ctx, id, gw.Name(), outcome); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// ApplyOutcome routes a provider outcome to the matching apply operation.
func (s *Service) ApplyOutcome(ctx context.Context, cartID, gatewayName string, outcome gateway.Outcome) (ledger.Change, error) {
	switch o := outcome.(type) {
	case *gateway.TransactionResult:
		return s.applyTransaction(ctx, cartID, gatewayName, o)
	case *gateway.SubscriptionResult:
		if err := s.ApplySubscription(ctx, cartID, o); err != nil {
			return ledger.Unchanged, err
		}
		if o.Transaction == nil {
			return ledger.Unchanged, nil
		}
		return s.applyTransaction(ctx, cartID, gatewayName, o.Transaction)
	case *gateway.VerificationResult:
		s.logger.Info("payment awaiting provider notification", "cart_id", cartID, "gateway", gatewayName, "reference", o.Reference)
		return ledger.Unchanged, nil
	case nil:
		return ledger.Unchanged, nil
	default:
		return ledger.Unchanged, fmt.Errorf("unsupported outcome %T", outcome)
	}
}

func (s *Service) applyTransaction(ctx context.Context, cartID, gatewayName string, tr *gateway.TransactionResult) (ledger.Change, error) {
	if tr.TransactionID == "" {
		if !tr.Success {
			s.logger.Warn("provider reported failure without a transaction", "cart_id", cartID, "gateway", gatewayName, "errors", tr.Errors)
		}
		return ledger.Unchanged, nil
	}
	contact := Contact{Bill: tr.Bill, Ship: tr.Ship, Email: tr.BillEmail, Phone: tr.BillPhone}
	return s.ApplyPayment(ctx, cartID, tr.Payment(cartID, gatewayName), contact)
}

// ApplyPayment records a provider report for the cart and recomputes the
// cart state from the ledger. Re-applying the same report is a no-op.
func (s *Service) ApplyPayment(ctx context.Context, cartID string, p domain.Payment, contact Contact) (ledger.Change, error) {
	if p.TransactionID == "" {
		return ledger.Unchanged, errors.New("payment has no transaction id")
	}
	if !p.State.Valid() {
		return ledger.Unchanged, fmt.Errorf("invalid payment state %q", p.State)
	}

	unlock, err := s.locker.Lock(ctx, cartID)
	if err != nil {
		return ledger.Unchanged, err
	}
	defer unlock()

	cart, err := s.load(ctx, cartID)
	if err != nil {
		return ledger.Unchanged, err
	}
	payments, err := s.payments.ListByCart(ctx, cartID)
	if err != nil {
		return ledger.Unchanged, fmt.Errorf("list payments: %w", err)
	}

	p.CartID = cartID
	if p.Gateway == "" {
		p.Gateway = cart.Gateway
	}
	previous, existed := ledger.Find(payments, p.TransactionID)
	merged, change := ledger.Merge(payments, p)
	if change != ledger.Unchanged {
		if err := s.payments.Upsert(ctx, &merged); err != nil {
			return ledger.Unchanged, fmt.Errorf("upsert payment: %w", err)
		}
		payments = ledger.Replace(payments, merged)
	}

	dirty := false
	if change == ledger.Created {
		dirty = s.captureContact(cart, contact) || dirty
		if cart.State == domain.CartStateOpen {
			cart.State = domain.CartStateSubmitted
			dirty = true
		}
		if cart.Gateway == "" {
			cart.Gateway = merged.Gateway
			dirty = true
		}
	}

	newlyPaid := merged.State == domain.PaymentStatePaid && (!existed || previous.State != domain.PaymentStatePaid)
	if change != ledger.Unchanged && newlyPaid {
		if item := cart.RecurringItem(); item != nil {
			charged := merged.ReportedAt
			if charged.IsZero() {
				charged = s.now()
			}
			item.Recurring.LastCharge = &charged
			if item.Recurring.Start == nil {
				item.Recurring.Start = &charged
			}
			dirty = true
		}
	}

	if state := ledger.CartState(cart.State, cart.Total, payments); state != cart.State {
		s.logger.Info("cart state changed", "cart_id", cartID, "from", cart.State, "to", state)
		cart.State = state
		dirty = true
	}

	if dirty {
		if err := s.carts.Update(ctx, cart); err != nil {
			return change, fmt.Errorf("update cart: %w", err)
		}
	}

	if change == ledger.Unchanged {
		s.logger.Info("duplicate payment report ignored", "cart_id", cartID, "transaction_id", p.TransactionID)
		return change, nil
	}

	s.logger.Info("payment recorded", "cart_id", cartID, "transaction_id", merged.TransactionID,
		"state", merged.State, "change", change.String())
	s.publish(ctx, cart, merged)
	return change, nil
}

func (s *Service) captureContact(cart *domain.Cart, contact Contact) bool {
	changed := cart.Bill.Merge(contact.Bill)
	changed = cart.Ship.Merge(contact.Ship) || changed
	if contact.Email != "" && cart.BillEmail != contact.Email {
		cart.BillEmail = contact.Email
		changed = true
	}
	if contact.Phone != "" && cart.BillPhone != contact.Phone {
		cart.BillPhone = contact.Phone
		changed = true
	}
	return changed
}

// ApplySubscription stores the provider's subscription token and active
// flag on the cart's recurring item.
func (s *Service) ApplySubscription(ctx context.Context, cartID string, res *gateway.SubscriptionResult) error {
	unlock, err := s.locker.Lock(ctx, cartID)
	if err != nil {
		return err
	}
	defer unlock()

	cart, err := s.load(ctx, cartID)
	if err != nil {
		return err
	}
	item := cart.RecurringItem()
	if item == nil {
		s.logger.Warn("subscription reported for cart without recurring item", "cart_id", cartID)
		return nil
	}

	if res.SubscriptionID != "" {
		item.Recurring.PaymentToken = res.SubscriptionID
	}
	item.Recurring.Active = res.Success && res.Active
	if item.Recurring.Active && item.Recurring.Start == nil {
		start := s.now()
		item.Recurring.Start = &start
	}
	if cart.State == domain.CartStateOpen && res.Success {
		cart.State = domain.CartStateSubmitted
	}

	if err := s.carts.Update(ctx, cart); err != nil {
		return fmt.Errorf("update cart: %w", err)
	}
	s.logger.Info("subscription updated", "cart_id", cartID, "subscription_id", item.Recurring.PaymentToken, "active", item.Recurring.Active)
	return nil
}

// CancelRecurring asks the provider to stop the cart's subscription. It
// returns nil when the cart has no recurring item.
func (s *Service) CancelRecurring(ctx context.Context, id string) (*gateway.SubscriptionResult, error) {
	cart, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cart.RecurringItem() == nil {
		return nil, nil
	}

	gw, err := s.registry.ForCart(cart)
	if err != nil {
		return nil, err
	}
	res, err := gw.CancelRecurring(ctx, cart)
	if err != nil || res == nil || !res.Success {
		return res, err
	}
	if res.RedirectURL != "" {
		s.logger.Info("subscription cancellation handed to shopper", "cart_id", id, "gateway", gw.Name())
		return res, nil
	}

	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return res, err
	}
	defer unlock()

	cart, err = s.load(ctx, id)
	if err != nil {
		return res, err
	}
	cart.RecurringItem().Recurring.Active = false
	if err := s.carts.Update(ctx, cart); err != nil {
		return res, fmt.Errorf("update cart: %w", err)
	}

	s.logger.Info("subscription cancelled", "cart_id", id, "gateway", gw.Name())
	return res, nil
}

// ChargeRecurring charges an active, expired recurring item through the
// cart's gateway. A nil result means there was nothing to charge or the
// provider manages the subscription itself.
func (s *Service) ChargeRecurring(ctx context.Context, id string, grace time.Duration) (*gateway.TransactionResult, error) {
	cart, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	item := cart.RecurringItem()
	if item == nil || !item.Recurring.Active || !item.Recurring.Expired(s.now(), grace) {
		return nil, nil
	}

	gw, err := s.registry.ForCart(cart)
	if err != nil {
		return nil, err
	}
	res, err := gw.ChargeRecurring(ctx, cart, grace)
	if err != nil || res == nil {
		return res, err
	}

	if _, err := s.applyTransaction(ctx, id, gw.Name(), res); err != nil {
		return res, err
	}
	return res, nil
}

// Refund returns money for a paid transaction. A zero amount refunds the
// full payment, which is then recorded as CANCELLED.
func (s *Service) Refund(ctx context.Context, id, transactionID string, amount decimal.Decimal) (*gateway.TransactionResult, error) {
	cart, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	payment, ok := ledger.Find(cart.Payments, transactionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTransaction, transactionID)
	}
	if payment.State != domain.PaymentStatePaid {
		return nil, &domain.InvalidStateError{CartID: id, State: cart.State, Op: "refund " + string(payment.State) + " payment on"}
	}
	if amount.IsZero() {
		amount = payment.Amount
	}
	if amount.IsNegative() || amount.GreaterThan(payment.Amount) {
		return nil, domain.ErrInvalidAmount
	}

	gw, err := s.registry.ForCart(cart)
	if err != nil {
		return nil, err
	}
	refunder, ok := gw.(gateway.Refunder)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRefundNotSupported, gw.Name())
	}

	res, err := refunder.Refund(ctx, cart, transactionID, amount)
	if err != nil || !res.Success {
		return res, err
	}

	if amount.Equal(payment.Amount) {
		refunded := domain.Payment{
			TransactionID: transactionID,
			Gateway:       gw.Name(),
			State:         domain.PaymentStateCancelled,
		}
		if _, err := s.ApplyPayment(ctx, id, refunded, Contact{}); err != nil {
			return res, err
		}
	}

	s.logger.Info("payment refunded", "cart_id", id, "transaction_id", transactionID, "amount", amount.StringFixed(2))
	return res, nil
}

// ActiveRecurring lists carts whose recurring item is active.
func (s *Service) ActiveRecurring(ctx context.Context) ([]domain.Cart, error) {
	return s.carts.ListActiveRecurring(ctx)
}

func (s *Service) load(ctx context.Context, id string) (*domain.Cart, error) {
	cart, err := s.carts.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}
	if cart == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrCartNotFound, id)
	}
	return cart, nil
}

func (s *Service) publish(ctx context.Context, cart *domain.Cart, p domain.Payment) {
	if s.publisher == nil {
		return
	}
	event := domain.PaymentRecordedEvent{
		CartID:        cart.ID,
		Gateway:       p.Gateway,
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
		State:         p.State,
		CartState:     cart.State,
		Timestamp:     s.now(),
	}
	if err := s.publisher.Publish(ctx, cart.ID, event); err != nil {
		s.logger.Error("failed to publish payment recorded event", "error", err, "cart_id", cart.ID)
	}
}
