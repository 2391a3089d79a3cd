package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const TopicPaymentRecorded = "payment.recorded"

type PaymentRecordedEvent struct {
	CartID        string          `json:"cart_id"`
	Gateway       string          `json:"gateway"`
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	State         PaymentState    `json:"state"`
	CartState     CartState       `json:"cart_state"`
	Timestamp     time.Time       `json:"timestamp"`
}
