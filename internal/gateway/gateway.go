// Package gateway defines the contract every payment provider integration
// satisfies, the normalized results they return, and the registry that maps
// provider keys to constructors.
package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// Gateway is the capability set shared by all providers. Communication
// failures on Submit and ConfirmPayment are reported as a failed result, not
// as an error; errors are reserved for configuration and caller mistakes.
type Gateway interface {
	Name() string
	IsValid(ctx context.Context) error
	Submit(ctx context.Context, cart *domain.Cart, opts SubmitOptions) (*SubmitResult, error)
	ConfirmPayment(ctx context.Context, cart *domain.Cart, req ConfirmRequest) (Outcome, error)
	// CancelRecurring returns a nil result when the cart has no recurring item.
	CancelRecurring(ctx context.Context, cart *domain.Cart) (*SubscriptionResult, error)
	// ChargeRecurring returns a nil result for providers that manage the
	// subscription themselves.
	ChargeRecurring(ctx context.Context, cart *domain.Cart, grace time.Duration) (*TransactionResult, error)
}

// Notifier is implemented by providers that deliver asynchronous
// notifications. Every method is pure and must not perform network calls.
type Notifier interface {
	// TransactionIDs lists the provider identifiers the notification refers
	// to, used to find a cart through the ledger.
	TransactionIDs(n Notification) []string
	// CartReference returns the cart id embedded in provider private data.
	CartReference(n Notification) string
	// Authenticate returns an error wrapping domain.ErrIntegrity when the
	// notification did not originate from the provider.
	Authenticate(cart *domain.Cart, n Notification) error
	Classify(n Notification) (Outcome, error)
	Acknowledge(n Notification) Ack
}

// Reconciler is implemented by providers whose transaction status can be
// queried after the fact.
type Reconciler interface {
	// FindTransaction looks up transactionID, or the most recent transaction
	// under the cart's subscription when transactionID is empty.
	FindTransaction(ctx context.Context, cart *domain.Cart, transactionID string) (*TransactionResult, error)
	VoidTransaction(ctx context.Context, cart *domain.Cart, transactionID string) (*TransactionResult, error)
}

type Refunder interface {
	Refund(ctx context.Context, cart *domain.Cart, transactionID string, amount decimal.Decimal) (*TransactionResult, error)
}

type SubmitOptions struct {
	ReturnURL string            `json:"return_url"`
	CancelURL string            `json:"cancel_url"`
	Values    map[string]string `json:"values,omitempty"`
}

// ConfirmRequest carries whatever the provider appended to the return URL.
type ConfirmRequest struct {
	Values map[string]string `json:"values"`
}

// Notification is an inbound provider payload. Field names are provider
// defined; unknown fields are ignored.
type Notification struct {
	Fields     map[string]string
	Credential string
	ReceivedAt time.Time
}

func (n Notification) Get(key string) string {
	if n.Fields == nil {
		return ""
	}
	return n.Fields[key]
}

// Ack is the provider-specific acknowledgment the HTTP layer writes back.
type Ack struct {
	Status      int
	ContentType string
	Body        string
}
