// Package ledger holds the per-cart record of provider-reported payments and
// the rules that derive a cart's state from it.
package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
)

type Change int

const (
	Unchanged Change = iota
	Created
	Updated
)

func (c Change) String() string {
	switch c {
	case Created:
		return "created"
	case Updated:
		return "updated"
	}
	return "unchanged"
}

// Find returns the payment recorded for transactionID, if any.
func Find(payments []domain.Payment, transactionID string) (domain.Payment, bool) {
	for _, p := range payments {
		if p.TransactionID == transactionID {
			return p, true
		}
	}
	return domain.Payment{}, false
}

// Merge folds an incoming provider report into the ledger. The returned
// payment is what must be stored; the caller writes it only when the change
// is not Unchanged.
func Merge(payments []domain.Payment, incoming domain.Payment) (domain.Payment, Change) {
	existing, ok := Find(payments, incoming.TransactionID)
	if !ok {
		return incoming, Created
	}
	if !supersedes(existing, incoming) {
		return existing, Unchanged
	}

	merged := existing
	merged.State = incoming.State
	if !incoming.ReportedAt.IsZero() {
		merged.ReportedAt = incoming.ReportedAt
	}
	if !incoming.Amount.IsZero() {
		merged.Amount = incoming.Amount
	}
	merged.UpdatedAt = incoming.UpdatedAt
	if merged.State == existing.State && merged.Amount.Equal(existing.Amount) && merged.ReportedAt.Equal(existing.ReportedAt) {
		return existing, Unchanged
	}
	return merged, Updated
}

// supersedes decides whether incoming is logically newer than existing.
func supersedes(existing, incoming domain.Payment) bool {
	if !existing.ReportedAt.IsZero() && !incoming.ReportedAt.IsZero() && !existing.ReportedAt.Equal(incoming.ReportedAt) {
		return incoming.ReportedAt.After(existing.ReportedAt)
	}
	if existing.State.IsTerminal() && incoming.State == domain.PaymentStatePending {
		return false
	}
	// Local give-ups are untimed. They lose to a capture the provider
	// already reported.
	if existing.State == domain.PaymentStatePaid && incoming.State == domain.PaymentStateFailed && incoming.ReportedAt.IsZero() {
		return false
	}
	return true
}

// Replace returns payments with p inserted or swapped in by transaction id.
func Replace(payments []domain.Payment, p domain.Payment) []domain.Payment {
	out := make([]domain.Payment, 0, len(payments)+1)
	found := false
	for _, existing := range payments {
		if existing.TransactionID == p.TransactionID {
			out = append(out, p)
			found = true
			continue
		}
		out = append(out, existing)
	}
	if !found {
		out = append(out, p)
	}
	return out
}

func PaidTotal(payments []domain.Payment) decimal.Decimal {
	sum := decimal.Zero
	for _, p := range payments {
		if p.State == domain.PaymentStatePaid {
			sum = sum.Add(p.Amount)
		}
	}
	return sum
}

// CartState recomputes the cart lifecycle state from the ledger alone. An
// empty ledger leaves current untouched.
func CartState(current domain.CartState, total decimal.Decimal, payments []domain.Payment) domain.CartState {
	if len(payments) == 0 {
		return current
	}

	var paid, cancelled bool
	for _, p := range payments {
		switch p.State {
		case domain.PaymentStatePaid:
			paid = true
		case domain.PaymentStateCancelled:
			cancelled = true
		}
	}

	switch {
	case paid && PaidTotal(payments).GreaterThanOrEqual(total):
		return domain.CartStateCompleted
	case cancelled && !paid:
		return domain.CartStateCancelled
	default:
		return domain.CartStateSubmitted
	}
}
