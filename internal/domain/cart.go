package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type CartState string

const (
	CartStateOpen      CartState = "OPEN"
	CartStateSubmitted CartState = "SUBMITTED"
	CartStateCompleted CartState = "COMPLETED"
	CartStateCancelled CartState = "CANCELLED"
)

func (s CartState) IsTerminal() bool {
	return s == CartStateCompleted || s == CartStateCancelled
}

func (s CartState) String() string {
	return string(s)
}

// Address holds one set of billing or shipping contact fields.
type Address struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Street1    string `json:"street1"`
	Street2    string `json:"street2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Merge copies every non-blank field of other over a. Blank fields in other
// never clear a populated field.
func (a *Address) Merge(other Address) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&a.FirstName, other.FirstName)
	set(&a.LastName, other.LastName)
	set(&a.Street1, other.Street1)
	set(&a.Street2, other.Street2)
	set(&a.City, other.City)
	set(&a.State, other.State)
	set(&a.PostalCode, other.PostalCode)
	set(&a.Country, other.Country)
	return changed
}

func (a Address) IsZero() bool {
	return a == Address{}
}

type Cart struct {
	ID        string            `json:"id"`
	Gateway   string            `json:"gateway,omitempty"`
	Currency  string            `json:"currency"`
	Items     []LineItem        `json:"items"`
	Bill      Address           `json:"bill"`
	Ship      Address           `json:"ship"`
	BillEmail string            `json:"bill_email,omitempty"`
	BillPhone string            `json:"bill_phone,omitempty"`
	SubTotal  decimal.Decimal   `json:"sub_total"`
	Tax       decimal.Decimal   `json:"tax"`
	Shipping  decimal.Decimal   `json:"shipping"`
	Discount  decimal.Decimal   `json:"discount"`
	Total     decimal.Decimal   `json:"total"`
	State     CartState         `json:"state"`
	Settings  map[string]string `json:"settings,omitempty"`
	Payments  []Payment         `json:"payments,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RecomputeTotals derives SubTotal and Total from the line items and the
// cart level tax, shipping and discount amounts.
func (c *Cart) RecomputeTotals() {
	sub := decimal.Zero
	for _, item := range c.Items {
		sub = sub.Add(item.InitialCharge())
	}
	c.SubTotal = sub
	c.Total = sub.Add(c.Tax).Add(c.Shipping).Sub(c.Discount)
}

func (c *Cart) Validate() error {
	if len(c.Items) == 0 {
		return ErrEmptyCart
	}
	recurring := 0
	for _, item := range c.Items {
		if item.Quantity <= 0 {
			return ErrInvalidLineItem
		}
		if item.UnitPrice.IsNegative() {
			return ErrInvalidLineItem
		}
		if item.Recurring != nil {
			recurring++
			if item.Recurring.Duration <= 0 || !item.Recurring.DurationUnit.Valid() {
				return ErrInvalidLineItem
			}
		}
	}
	if recurring > 1 {
		return ErrMultipleSubscriptions
	}
	if c.Tax.IsNegative() || c.Shipping.IsNegative() || c.Discount.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}

// RecurringItem returns the cart's subscription item, or nil for one-time carts.
func (c *Cart) RecurringItem() *LineItem {
	for i := range c.Items {
		if c.Items[i].Recurring != nil {
			return &c.Items[i]
		}
	}
	return nil
}

func (c *Cart) OneTimeItems() []LineItem {
	var items []LineItem
	for _, item := range c.Items {
		if item.Recurring == nil {
			items = append(items, item)
		}
	}
	return items
}

// Setting returns a per-cart gateway override, if any.
func (c *Cart) Setting(key string) string {
	if c.Settings == nil {
		return ""
	}
	return c.Settings[key]
}
