package gateway

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/joao-fontenele/paycart/internal/domain"
)

func TestFieldMap(t *testing.T) {
	m := NewFieldMap(map[string]string{
		FieldCardNumber:    "x_card_num",
		FieldBillFirstName: "x_first_name",
		FieldBillCity:      "x_city",
	})

	name, ok := m.Provider(FieldCardNumber)
	assert.True(t, ok)
	assert.Equal(t, "x_card_num", name)

	generic, ok := m.Generic("x_city")
	assert.True(t, ok)
	assert.Equal(t, FieldBillCity, generic)

	_, ok = m.Generic("x_unknown")
	assert.False(t, ok)

	translated := m.ToGeneric(map[string]string{"x_first_name": "Ada", "x_city": "London", "noise": "1"})
	assert.Equal(t, map[string]string{FieldBillFirstName: "Ada", FieldBillCity: "London"}, translated)

	bill, ship, _, _ := Contact(translated)
	assert.Equal(t, domain.Address{FirstName: "Ada", City: "London"}, bill)
	assert.True(t, ship.IsZero())

	assert.Equal(t, map[string]string{"x_card_num": "4111"}, m.ToProvider(map[string]string{FieldCardNumber: "4111"}))
}

func TestRecurringCharge(t *testing.T) {
	item := &domain.LineItem{
		Quantity: 2,
		Recurring: &domain.Recurring{
			RecurringPrice:    decimal.RequireFromString("9.50"),
			RecurringShipping: decimal.RequireFromString("1.00"),
		},
	}
	assert.Equal(t, "20.00", FormatAmount(RecurringCharge(item)))
}
