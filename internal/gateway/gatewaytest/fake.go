// Package gatewaytest provides a scriptable in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

// Statuses maps the fake provider's vocabulary onto payment states.
var Statuses = map[string]domain.PaymentState{
	"settled":    domain.PaymentStatePaid,
	"pending":    domain.PaymentStatePending,
	"authorized": domain.PaymentStatePending,
	"failed":     domain.PaymentStateFailed,
	"voided":     domain.PaymentStateCancelled,
}

// Fake implements gateway.Gateway, Notifier, Reconciler and Refunder.
// Notifications are authenticated by a "signature" field equal to Secret
// and an "amount" field equal to the cart total.
type Fake struct {
	Key      string
	Secret   string
	Required []string

	ValidErr       error
	SubmitResult   *gateway.SubmitResult
	SubmitErr      error
	ConfirmOutcome gateway.Outcome
	ConfirmErr     error
	CancelResult   *gateway.SubscriptionResult
	ChargeResult   *gateway.TransactionResult
	ChargeErr      error

	// FindFunc answers reconciliation lookups. Defaults to a pending result.
	FindFunc func(transactionID string) (*gateway.TransactionResult, error)
	VoidErr  error

	mu       sync.Mutex
	submits  int
	finds    int
	voids    []string
	refunds  []string
	cancels  int
	settings []gateway.Settings
}

func New(key string) *Fake {
	return &Fake{Key: key, Secret: "s3cret"}
}

// Factory registers the fake; every construction returns the same instance.
func (f *Fake) Factory() gateway.Factory {
	return gateway.Factory{
		New: func(s gateway.Settings, _ gateway.Deps) (gateway.Gateway, error) {
			if err := s.Require(f.Required...); err != nil {
				return nil, err
			}
			f.mu.Lock()
			f.settings = append(f.settings, s)
			f.mu.Unlock()
			return f, nil
		},
	}
}

func (f *Fake) Name() string { return f.Key }

func (f *Fake) IsValid(context.Context) error { return f.ValidErr }

func (f *Fake) Submit(_ context.Context, _ *domain.Cart, _ gateway.SubmitOptions) (*gateway.SubmitResult, error) {
	f.mu.Lock()
	f.submits++
	f.mu.Unlock()

	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}
	if f.SubmitResult != nil {
		return f.SubmitResult, nil
	}
	return &gateway.SubmitResult{
		Result:     gateway.Result{Success: true, Status: "ok"},
		Kind:       gateway.SubmitForm,
		PostTarget: "https://pay.example.com/post",
		Fields:     map[string]string{"merchant": "m1"},
	}, nil
}

func (f *Fake) ConfirmPayment(context.Context, *domain.Cart, gateway.ConfirmRequest) (gateway.Outcome, error) {
	return f.ConfirmOutcome, f.ConfirmErr
}

func (f *Fake) CancelRecurring(_ context.Context, cart *domain.Cart) (*gateway.SubscriptionResult, error) {
	if cart.RecurringItem() == nil {
		return nil, nil
	}
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	if f.CancelResult != nil {
		return f.CancelResult, nil
	}
	return &gateway.SubscriptionResult{Result: gateway.Result{Success: true, Status: "cancelled"}, Active: false}, nil
}

func (f *Fake) ChargeRecurring(context.Context, *domain.Cart, time.Duration) (*gateway.TransactionResult, error) {
	return f.ChargeResult, f.ChargeErr
}

func (f *Fake) FindTransaction(_ context.Context, _ *domain.Cart, transactionID string) (*gateway.TransactionResult, error) {
	f.mu.Lock()
	f.finds++
	find := f.FindFunc
	f.mu.Unlock()

	if find != nil {
		return find(transactionID)
	}
	return &gateway.TransactionResult{
		Result:        gateway.Result{Success: true, Status: "pending"},
		TransactionID: transactionID,
		State:         domain.PaymentStatePending,
	}, nil
}

func (f *Fake) VoidTransaction(_ context.Context, _ *domain.Cart, transactionID string) (*gateway.TransactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.VoidErr != nil {
		return nil, f.VoidErr
	}
	f.voids = append(f.voids, transactionID)
	return &gateway.TransactionResult{
		Result:        gateway.Result{Success: true, Status: "voided"},
		TransactionID: transactionID,
		State:         domain.PaymentStateCancelled,
	}, nil
}

func (f *Fake) Refund(_ context.Context, _ *domain.Cart, transactionID string, amount decimal.Decimal) (*gateway.TransactionResult, error) {
	f.mu.Lock()
	f.refunds = append(f.refunds, transactionID)
	f.mu.Unlock()

	return &gateway.TransactionResult{
		Result:        gateway.Result{Success: true, Status: "refunded"},
		TransactionID: transactionID,
		Amount:        amount,
		State:         domain.PaymentStateCancelled,
	}, nil
}

func (f *Fake) TransactionIDs(n gateway.Notification) []string {
	if id := n.Get("txn_id"); id != "" {
		return []string{id}
	}
	return nil
}

func (f *Fake) CartReference(n gateway.Notification) string {
	return n.Get("cart_id")
}

func (f *Fake) Authenticate(cart *domain.Cart, n gateway.Notification) error {
	if n.Get("signature") != f.Secret {
		return fmt.Errorf("%w: bad signature", domain.ErrIntegrity)
	}
	amount, err := decimal.NewFromString(n.Get("amount"))
	if err != nil || !amount.Equal(cart.Total) {
		return fmt.Errorf("%w: amount mismatch", domain.ErrIntegrity)
	}
	return nil
}

func (f *Fake) Classify(n gateway.Notification) (gateway.Outcome, error) {
	state, ok := Statuses[n.Get("status")]
	if !ok {
		return nil, fmt.Errorf("unknown status %q", n.Get("status"))
	}
	amount, _ := decimal.NewFromString(n.Get("amount"))
	var reported time.Time
	if ts := n.Get("timestamp"); ts != "" {
		reported, _ = time.Parse(time.RFC3339, ts)
	}
	return &gateway.TransactionResult{
		Result:        gateway.Result{Success: true, Status: n.Get("status")},
		TransactionID: n.Get("txn_id"),
		Amount:        amount,
		State:         state,
		ReportedAt:    reported,
		Bill: domain.Address{
			FirstName: n.Get("bill_first_name"),
			Street1:   n.Get("bill_street1"),
			City:      n.Get("bill_city"),
		},
		BillEmail: n.Get("email"),
	}, nil
}

func (f *Fake) Acknowledge(n gateway.Notification) gateway.Ack {
	return gateway.Ack{Status: http.StatusOK, ContentType: "text/plain", Body: "OK " + n.Get("txn_id")}
}

func (f *Fake) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *Fake) Finds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds
}

func (f *Fake) Voids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.voids...)
}

func (f *Fake) Refunds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refunds...)
}

func (f *Fake) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// LastSettings returns the settings of the most recent construction.
func (f *Fake) LastSettings() gateway.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.settings) == 0 {
		return gateway.Settings{}
	}
	return f.settings[len(f.settings)-1]
}

var (
	_ gateway.Gateway    = (*Fake)(nil)
	_ gateway.Notifier   = (*Fake)(nil)
	_ gateway.Reconciler = (*Fake)(nil)
	_ gateway.Refunder   = (*Fake)(nil)
)
