package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type DurationUnit string

const (
	DurationDay   DurationUnit = "DAY"
	DurationWeek  DurationUnit = "WEEK"
	DurationMonth DurationUnit = "MONTH"
	DurationYear  DurationUnit = "YEAR"
)

func (u DurationUnit) Valid() bool {
	switch u {
	case DurationDay, DurationWeek, DurationMonth, DurationYear:
		return true
	}
	return false
}

// Add advances t by n units. Months and years use calendar arithmetic.
func (u DurationUnit) Add(t time.Time, n int) time.Time {
	switch u {
	case DurationDay:
		return t.AddDate(0, 0, n)
	case DurationWeek:
		return t.AddDate(0, 0, 7*n)
	case DurationMonth:
		return t.AddDate(0, n, 0)
	case DurationYear:
		return t.AddDate(n, 0, 0)
	}
	return t
}

type LineItem struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	SKU         string          `json:"sku"`
	Description string          `json:"description,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Recurring   *Recurring      `json:"recurring,omitempty"`
}

func (i LineItem) Total() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// InitialCharge is what the shopper pays at checkout for this item.
func (i LineItem) InitialCharge() decimal.Decimal {
	if i.Recurring == nil {
		return i.Total()
	}
	price := i.Recurring.RecurringPrice
	if i.Recurring.HasTrial() {
		price = i.Recurring.TrialPrice
	}
	return price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type Recurring struct {
	TrialPrice        decimal.Decimal `json:"trial_price"`
	TrialLength       int             `json:"trial_length"`
	RecurringPrice    decimal.Decimal `json:"recurring_price"`
	RecurringShipping decimal.Decimal `json:"recurring_shipping"`
	Duration          int             `json:"duration"`
	DurationUnit      DurationUnit    `json:"duration_unit"`
	RecurringTimes    int             `json:"recurring_times"`
	PlanID            string          `json:"plan_id,omitempty"`
	PaymentToken      string          `json:"payment_token,omitempty"`
	Active            bool            `json:"active"`
	LastCharge        *time.Time      `json:"last_charge,omitempty"`
	Start             *time.Time      `json:"start,omitempty"`
}

func (r *Recurring) HasTrial() bool {
	return r.TrialLength > 0
}

// Expired reports whether the subscription is due for its next charge:
// now >= last charge + one billing period + grace. An active item that was
// never charged is due once its start date has passed.
func (r *Recurring) Expired(now time.Time, grace time.Duration) bool {
	if !r.Active {
		return false
	}
	if r.LastCharge == nil {
		if r.Start == nil {
			return true
		}
		return !now.Before(r.Start.Add(grace))
	}
	due := r.DurationUnit.Add(*r.LastCharge, r.Duration).Add(grace)
	return !now.Before(due)
}
