package cart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
	"github.com/joao-fontenele/paycart/internal/gateway/gatewaytest"
	"github.com/joao-fontenele/paycart/internal/ledger"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.PaymentRecordedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.(domain.PaymentRecordedEvent))
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	service   *Service
	carts     *MemoryStore
	payments  *ledger.MemoryStore
	fake      *gatewaytest.Fake
	publisher *recordingPublisher
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		carts:     NewMemoryStore(),
		payments:  ledger.NewMemoryStore(),
		fake:      gatewaytest.New("fakepay"),
		publisher: &recordingPublisher{},
		now:       time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	registry := gateway.NewRegistry(nil, gateway.Deps{})
	registry.Register("fakepay", f.fake.Factory())

	f.service = NewService(f.carts, f.payments, registry, NewMemoryLocker(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithPublisher(f.publisher),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func oneTimeCart() *domain.Cart {
	return &domain.Cart{
		Currency: "USD",
		Items: []domain.LineItem{
			{Name: "Widget", SKU: "W-1", Quantity: 1, UnitPrice: decimal.RequireFromString("49.99")},
		},
	}
}

func recurringCart() *domain.Cart {
	return &domain.Cart{
		Currency: "USD",
		Items: []domain.LineItem{
			{
				Name: "Membership", SKU: "M-1", Quantity: 1,
				Recurring: &domain.Recurring{
					RecurringPrice: decimal.RequireFromString("10.00"),
					Duration:       1,
					DurationUnit:   domain.DurationMonth,
				},
			},
		},
	}
}

func (f *fixture) createSubmitted(t *testing.T, cart *domain.Cart) *domain.Cart {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.service.Create(ctx, cart))
	_, err := f.service.Submit(ctx, cart.ID, "fakepay", gateway.SubmitOptions{})
	require.NoError(t, err)
	return cart
}

func paid(tx, amount string) domain.Payment {
	return domain.Payment{TransactionID: tx, Amount: decimal.RequireFromString(amount), State: domain.PaymentStatePaid}
}

func TestService_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("assigns id and totals", func(t *testing.T) {
		cart := oneTimeCart()
		cart.Tax = decimal.RequireFromString("4.00")
		cart.Discount = decimal.RequireFromString("1.00")
		require.NoError(t, f.service.Create(ctx, cart))

		assert.NotEmpty(t, cart.ID)
		assert.Equal(t, domain.CartStateOpen, cart.State)
		assert.Equal(t, "49.99", cart.SubTotal.StringFixed(2))
		assert.Equal(t, "52.99", cart.Total.StringFixed(2))
	})

	t.Run("rejects two recurring items", func(t *testing.T) {
		cart := recurringCart()
		cart.Items = append(cart.Items, cart.Items[0])
		err := f.service.Create(ctx, cart)
		assert.ErrorIs(t, err, domain.ErrMultipleSubscriptions)
	})

	t.Run("rejects empty cart", func(t *testing.T) {
		err := f.service.Create(ctx, &domain.Cart{Currency: "USD"})
		assert.ErrorIs(t, err, domain.ErrEmptyCart)
	})

	t.Run("trial price is the initial charge", func(t *testing.T) {
		cart := recurringCart()
		cart.Items[0].Recurring.TrialLength = 7
		cart.Items[0].Recurring.TrialPrice = decimal.RequireFromString("1.00")
		require.NoError(t, f.service.Create(ctx, cart))
		assert.Equal(t, "1.00", cart.Total.StringFixed(2))
	})
}

func TestService_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("moves an open cart to submitted", func(t *testing.T) {
		f := newFixture(t)
		cart := oneTimeCart()
		require.NoError(t, f.service.Create(ctx, cart))

		result, err := f.service.Submit(ctx, cart.ID, "fakepay", gateway.SubmitOptions{})
		require.NoError(t, err)
		assert.Equal(t, gateway.SubmitForm, result.Kind)

		stored, err := f.service.Get(ctx, cart.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CartStateSubmitted, stored.State)
		assert.Equal(t, "fakepay", stored.Gateway)
	})

	t.Run("rejects a cart that is not open", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())

		_, err := f.service.Submit(ctx, cart.ID, "fakepay", gateway.SubmitOptions{})
		var stateErr *domain.InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, domain.CartStateSubmitted, stateErr.State)
		assert.Equal(t, 1, f.fake.Submits())
	})

	t.Run("unknown gateway", func(t *testing.T) {
		f := newFixture(t)
		cart := oneTimeCart()
		require.NoError(t, f.service.Create(ctx, cart))

		_, err := f.service.Submit(ctx, cart.ID, "nope", gateway.SubmitOptions{})
		assert.ErrorIs(t, err, domain.ErrUnknownGateway)
	})

	t.Run("missing settings", func(t *testing.T) {
		f := newFixture(t)
		f.fake.Required = []string{"MERCHANT_ID"}
		cart := oneTimeCart()
		require.NoError(t, f.service.Create(ctx, cart))

		_, err := f.service.Submit(ctx, cart.ID, "fakepay", gateway.SubmitOptions{})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("cart settings satisfy required keys", func(t *testing.T) {
		f := newFixture(t)
		f.fake.Required = []string{"MERCHANT_ID"}
		cart := oneTimeCart()
		cart.Settings = map[string]string{"MERCHANT_ID": "m-42"}
		require.NoError(t, f.service.Create(ctx, cart))

		_, err := f.service.Submit(ctx, cart.ID, "fakepay", gateway.SubmitOptions{})
		require.NoError(t, err)
		assert.Equal(t, "m-42", f.fake.LastSettings().Get("MERCHANT_ID"))
	})

	t.Run("failed result leaves the cart open", func(t *testing.T) {
		f := newFixture(t)
		f.fake.SubmitResult = &gateway.SubmitResult{Result: gateway.Failure("error", "provider down")}
		cart := oneTimeCart()
		require.NoError(t, f.service.Create(ctx, cart))

		result, err := f.service.Submit(ctx, cart.ID, "fakepay", gateway.SubmitOptions{})
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, "provider down", result.Errors[gateway.NonFieldErrors])

		stored, err := f.service.Get(ctx, cart.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.CartStateOpen, stored.State)
	})

	t.Run("missing cart", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.service.Submit(ctx, "missing", "fakepay", gateway.SubmitOptions{})
		assert.ErrorIs(t, err, domain.ErrCartNotFound)
	})
}

func TestService_ApplyPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("same report twice is idempotent", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())

		change, err := f.service.ApplyPayment(ctx, cart.ID, paid("T1", "49.99"), Contact{})
		require.NoError(t, err)
		assert.Equal(t, ledger.Created, change)

		change, err = f.service.ApplyPayment(ctx, cart.ID, paid("T1", "49.99"), Contact{})
		require.NoError(t, err)
		assert.Equal(t, ledger.Unchanged, change)

		stored, err := f.service.Get(ctx, cart.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Payments, 1)
		assert.Equal(t, domain.CartStateCompleted, stored.State)
		assert.Equal(t, 1, f.payments.Writes())
		assert.Equal(t, 1, f.publisher.count())
	})

	t.Run("pending then paid completes the cart", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())

		pending := paid("T1", "49.99")
		pending.State = domain.PaymentStatePending
		_, err := f.service.ApplyPayment(ctx, cart.ID, pending, Contact{})
		require.NoError(t, err)

		stored, _ := f.service.Get(ctx, cart.ID)
		assert.Equal(t, domain.CartStateSubmitted, stored.State)

		_, err = f.service.ApplyPayment(ctx, cart.ID, paid("T1", "49.99"), Contact{})
		require.NoError(t, err)

		stored, _ = f.service.Get(ctx, cart.ID)
		assert.Equal(t, domain.CartStateCompleted, stored.State)
		assert.Len(t, stored.Payments, 1)
	})

	t.Run("late stale report does not win", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())
		t0 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

		late := paid("T1", "49.99")
		late.ReportedAt = t0.Add(time.Hour)
		_, err := f.service.ApplyPayment(ctx, cart.ID, late, Contact{})
		require.NoError(t, err)

		early := domain.Payment{TransactionID: "T1", Amount: decimal.RequireFromString("49.99"), State: domain.PaymentStatePending, ReportedAt: t0}
		change, err := f.service.ApplyPayment(ctx, cart.ID, early, Contact{})
		require.NoError(t, err)
		assert.Equal(t, ledger.Unchanged, change)

		stored, _ := f.service.Get(ctx, cart.ID)
		assert.Equal(t, domain.PaymentStatePaid, stored.Payments[0].State)
		assert.Equal(t, domain.CartStateCompleted, stored.State)
	})

	t.Run("voided payment cancels the cart", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())

		voided := paid("T1", "49.99")
		voided.State = domain.PaymentStateCancelled
		_, err := f.service.ApplyPayment(ctx, cart.ID, voided, Contact{})
		require.NoError(t, err)

		stored, _ := f.service.Get(ctx, cart.ID)
		assert.Equal(t, domain.CartStateCancelled, stored.State)
	})

	t.Run("first acceptance moves an open cart and captures contact", func(t *testing.T) {
		f := newFixture(t)
		cart := oneTimeCart()
		require.NoError(t, f.service.Create(ctx, cart))

		pending := paid("T1", "49.99")
		pending.State = domain.PaymentStatePending
		_, err := f.service.ApplyPayment(ctx, cart.ID, pending, Contact{
			Bill:  domain.Address{Street1: "1 Main St", City: "Springfield"},
			Email: "shopper@example.com",
		})
		require.NoError(t, err)

		stored, _ := f.service.Get(ctx, cart.ID)
		assert.Equal(t, domain.CartStateSubmitted, stored.State)
		assert.Equal(t, "1 Main St", stored.Bill.Street1)
		assert.Equal(t, "shopper@example.com", stored.BillEmail)
	})

	t.Run("blank fields never clear captured ones", func(t *testing.T) {
		f := newFixture(t)
		cart := oneTimeCart()
		cart.Bill.Street1 = "A"
		f.createSubmitted(t, cart)

		pending := paid("T1", "10.00")
		pending.State = domain.PaymentStatePending
		_, err := f.service.ApplyPayment(ctx, cart.ID, pending, Contact{Bill: domain.Address{Street1: ""}})
		require.NoError(t, err)
		stored, _ := f.service.Get(ctx, cart.ID)
		assert.Equal(t, "A", stored.Bill.Street1)

		second := paid("T2", "10.00")
		second.State = domain.PaymentStatePending
		_, err = f.service.ApplyPayment(ctx, cart.ID, second, Contact{Bill: domain.Address{Street1: "B"}})
		require.NoError(t, err)
		stored, _ = f.service.Get(ctx, cart.ID)
		assert.Equal(t, "B", stored.Bill.Street1)
	})

	t.Run("newly paid recurring charge bumps last charge", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, recurringCart())

		_, err := f.service.ApplyPayment(ctx, cart.ID, paid("T1", "10.00"), Contact{})
		require.NoError(t, err)

		stored, _ := f.service.Get(ctx, cart.ID)
		require.NotNil(t, stored.RecurringItem().Recurring.LastCharge)
		assert.Equal(t, f.now, *stored.RecurringItem().Recurring.LastCharge)
	})

	t.Run("rejects a payment without transaction id", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())
		_, err := f.service.ApplyPayment(ctx, cart.ID, domain.Payment{State: domain.PaymentStatePaid}, Contact{})
		assert.Error(t, err)
		assert.Zero(t, f.payments.Writes())
	})

	t.Run("concurrent writers do not lose updates", func(t *testing.T) {
		f := newFixture(t)
		cart := oneTimeCart()
		cart.Items[0].UnitPrice = decimal.RequireFromString("20.00")
		f.createSubmitted(t, cart)

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p := paid(fmt.Sprintf("T%d", i), "1.00")
				_, err := f.service.ApplyPayment(ctx, cart.ID, p, Contact{})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		stored, err := f.service.Get(ctx, cart.ID)
		require.NoError(t, err)
		assert.Len(t, stored.Payments, 20)
		assert.Equal(t, domain.CartStateCompleted, stored.State)
	})
}

func TestService_ConfirmPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("applies a transaction outcome", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())
		f.fake.ConfirmOutcome = &gateway.TransactionResult{
			Result:        gateway.Result{Success: true, Status: "settled"},
			TransactionID: "T9",
			Amount:        decimal.RequireFromString("49.99"),
			State:         domain.PaymentStatePaid,
		}

		outcome, err := f.service.ConfirmPayment(ctx, cart.ID, gateway.ConfirmRequest{})
		require.NoError(t, err)
		assert.IsType(t, &gateway.TransactionResult{}, outcome)

		stored, _ := f.service.Get(ctx, cart.ID)
		assert.Equal(t, domain.CartStateCompleted, stored.State)
	})

	t.Run("subscription outcome activates the recurring item", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, recurringCart())
		f.fake.ConfirmOutcome = &gateway.SubscriptionResult{
			Result:         gateway.Result{Success: true, Status: "ActiveProfile"},
			SubscriptionID: "I-123",
			Active:         true,
			Transaction: &gateway.TransactionResult{
				Result:        gateway.Result{Success: true},
				TransactionID: "T1",
				Amount:        decimal.RequireFromString("10.00"),
				State:         domain.PaymentStatePaid,
			},
		}

		_, err := f.service.ConfirmPayment(ctx, cart.ID, gateway.ConfirmRequest{})
		require.NoError(t, err)

		stored, _ := f.service.Get(ctx, cart.ID)
		item := stored.RecurringItem()
		assert.True(t, item.Recurring.Active)
		assert.Equal(t, "I-123", item.Recurring.PaymentToken)
		assert.Equal(t, domain.CartStateCompleted, stored.State)
	})

	t.Run("verification outcome writes nothing", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())
		f.fake.ConfirmOutcome = &gateway.VerificationResult{Result: gateway.Result{Success: true}, Reference: "G-1"}

		_, err := f.service.ConfirmPayment(ctx, cart.ID, gateway.ConfirmRequest{})
		require.NoError(t, err)
		assert.Zero(t, f.payments.Writes())
	})

	t.Run("cart never submitted", func(t *testing.T) {
		f := newFixture(t)
		cart := oneTimeCart()
		require.NoError(t, f.service.Create(ctx, cart))

		_, err := f.service.ConfirmPayment(ctx, cart.ID, gateway.ConfirmRequest{})
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestService_Recurring(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel without recurring item returns nil", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())

		res, err := f.service.CancelRecurring(ctx, cart.ID)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.Zero(t, f.fake.Cancels())
	})

	t.Run("cancel deactivates the item", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, recurringCart())
		require.NoError(t, f.service.ApplySubscription(ctx, cart.ID, &gateway.SubscriptionResult{
			Result: gateway.Result{Success: true}, SubscriptionID: "sub-1", Active: true,
		}))

		res, err := f.service.CancelRecurring(ctx, cart.ID)
		require.NoError(t, err)
		require.NotNil(t, res)

		stored, _ := f.service.Get(ctx, cart.ID)
		assert.False(t, stored.RecurringItem().Recurring.Active)
	})

	t.Run("cancel handed to the shopper keeps the item active", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, recurringCart())
		require.NoError(t, f.service.ApplySubscription(ctx, cart.ID, &gateway.SubscriptionResult{
			Result: gateway.Result{Success: true}, SubscriptionID: "sub-1", Active: true,
		}))
		f.fake.CancelResult = &gateway.SubscriptionResult{
			Result:      gateway.Result{Success: true, Status: "redirect"},
			Active:      true,
			RedirectURL: "https://provider.example.com/manage",
		}

		res, err := f.service.CancelRecurring(ctx, cart.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://provider.example.com/manage", res.RedirectURL)

		stored, _ := f.service.Get(ctx, cart.ID)
		assert.True(t, stored.RecurringItem().Recurring.Active)
	})

	t.Run("charge skips items that are not due", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, recurringCart())
		require.NoError(t, f.service.ApplySubscription(ctx, cart.ID, &gateway.SubscriptionResult{
			Result: gateway.Result{Success: true}, Active: true,
		}))
		_, err := f.service.ApplyPayment(ctx, cart.ID, paid("T1", "10.00"), Contact{})
		require.NoError(t, err)
		f.fake.ChargeResult = &gateway.TransactionResult{Result: gateway.Result{Success: true}, TransactionID: "T2", State: domain.PaymentStatePaid}

		res, err := f.service.ChargeRecurring(ctx, cart.ID, 0)
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("charge applies the result once due", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, recurringCart())
		require.NoError(t, f.service.ApplySubscription(ctx, cart.ID, &gateway.SubscriptionResult{
			Result: gateway.Result{Success: true}, Active: true,
		}))
		_, err := f.service.ApplyPayment(ctx, cart.ID, paid("T1", "10.00"), Contact{})
		require.NoError(t, err)

		f.now = f.now.AddDate(0, 1, 1)
		f.fake.ChargeResult = &gateway.TransactionResult{
			Result: gateway.Result{Success: true}, TransactionID: "T2",
			Amount: decimal.RequireFromString("10.00"), State: domain.PaymentStatePaid,
		}

		res, err := f.service.ChargeRecurring(ctx, cart.ID, 0)
		require.NoError(t, err)
		require.NotNil(t, res)

		stored, _ := f.service.Get(ctx, cart.ID)
		assert.Len(t, stored.Payments, 2)
		assert.Equal(t, f.now, *stored.RecurringItem().Recurring.LastCharge)
	})
}

func TestService_Refund(t *testing.T) {
	ctx := context.Background()

	t.Run("full refund cancels the cart", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())
		_, err := f.service.ApplyPayment(ctx, cart.ID, paid("T1", "49.99"), Contact{})
		require.NoError(t, err)

		res, err := f.service.Refund(ctx, cart.ID, "T1", decimal.Zero)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, []string{"T1"}, f.fake.Refunds())

		stored, _ := f.service.Get(ctx, cart.ID)
		assert.Equal(t, domain.PaymentStateCancelled, stored.Payments[0].State)
		assert.Equal(t, "49.99", stored.Payments[0].Amount.StringFixed(2))
		assert.Equal(t, domain.CartStateCancelled, stored.State)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())
		_, err := f.service.Refund(ctx, cart.ID, "nope", decimal.Zero)
		assert.True(t, errors.Is(err, domain.ErrUnknownTransaction))
	})

	t.Run("amount above the payment", func(t *testing.T) {
		f := newFixture(t)
		cart := f.createSubmitted(t, oneTimeCart())
		_, err := f.service.ApplyPayment(ctx, cart.ID, paid("T1", "49.99"), Contact{})
		require.NoError(t, err)

		_, err = f.service.Refund(ctx, cart.ID, "T1", decimal.RequireFromString("60"))
		assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	})
}
