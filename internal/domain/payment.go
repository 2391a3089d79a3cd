package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentState string

const (
	PaymentStatePending   PaymentState = "PENDING"
	PaymentStatePaid      PaymentState = "PAID"
	PaymentStateFailed    PaymentState = "FAILED"
	PaymentStateCancelled PaymentState = "CANCELLED"
)

func (s PaymentState) IsTerminal() bool {
	return s == PaymentStatePaid || s == PaymentStateFailed || s == PaymentStateCancelled
}

func (s PaymentState) Valid() bool {
	return s == PaymentStatePending || s.IsTerminal()
}

// Payment is one provider-reported monetary event against a cart. The pair
// (CartID, TransactionID) is unique.
type Payment struct {
	ID            string          `json:"id"`
	CartID        string          `json:"cart_id"`
	Gateway       string          `json:"gateway"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	State         PaymentState    `json:"state"`
	ReportedAt    time.Time       `json:"reported_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
