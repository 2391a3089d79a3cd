package gateway

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// NonFieldErrors is the error map key for failures not tied to one field.
const NonFieldErrors = "non_field_errors"

// Result holds the fields common to every gateway result.
type Result struct {
	Success bool              `json:"success"`
	Status  string            `json:"status,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	// Raw is the provider response, kept for logging only.
	Raw any `json:"-"`
}

// Failure builds an unsuccessful Result with a non-field error.
func Failure(status, message string) Result {
	return Result{
		Success: false,
		Status:  status,
		Errors:  map[string]string{NonFieldErrors: message},
	}
}

type SubmitKind string

const (
	SubmitDirect SubmitKind = "direct"
	SubmitForm   SubmitKind = "form"
	SubmitURL    SubmitKind = "url"
)

type SubmitResult struct {
	Result
	Kind        SubmitKind        `json:"kind"`
	PostTarget  string            `json:"post_target,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	SessionArgs map[string]string `json:"session_args,omitempty"`
}

// Outcome is the closed set of results a provider may report for a payment:
// *TransactionResult, *SubscriptionResult or *VerificationResult.
type Outcome interface {
	outcome()
}

type TransactionResult struct {
	Result
	TransactionID string              `json:"transaction_id"`
	Amount        decimal.Decimal     `json:"amount"`
	State         domain.PaymentState `json:"state"`
	ReportedAt    time.Time           `json:"reported_at,omitempty"`
	Bill          domain.Address      `json:"bill"`
	Ship          domain.Address      `json:"ship"`
	BillEmail     string              `json:"bill_email,omitempty"`
	BillPhone     string              `json:"bill_phone,omitempty"`
}

// Payment converts the result into a ledger record for cartID.
func (r *TransactionResult) Payment(cartID, gatewayName string) domain.Payment {
	return domain.Payment{
		CartID:        cartID,
		Gateway:       gatewayName,
		TransactionID: r.TransactionID,
		Amount:        r.Amount,
		State:         r.State,
		ReportedAt:    r.ReportedAt,
	}
}

type SubscriptionResult struct {
	Result
	SubscriptionID string `json:"subscription_id"`
	Active         bool   `json:"active"`
	// Transaction is the initial charge, when the provider reports one
	// together with the subscription.
	Transaction *TransactionResult `json:"transaction,omitempty"`
	// RedirectURL is set when the shopper must finish the change at the
	// provider. The subscription is unchanged until the provider confirms.
	RedirectURL string `json:"redirect_url,omitempty"`
}

// VerificationResult reports that the provider accepted the order but will
// confirm payment asynchronously.
type VerificationResult struct {
	Result
	Reference string `json:"reference"`
}

func (*TransactionResult) outcome()  {}
func (*SubscriptionResult) outcome() {}
func (*VerificationResult) outcome() {}
