package gateway

import (
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// Generic form and notification field names shared by all providers.
const (
	FieldCardNumber = "credit_card.number"
	FieldCardCVV    = "credit_card.cvv"
	FieldCardExpiry = "credit_card.expiration_date"

	FieldEmail = "customer.email"
	FieldPhone = "customer.phone"

	FieldBillFirstName  = "billing.first_name"
	FieldBillLastName   = "billing.last_name"
	FieldBillStreet1    = "billing.street_address"
	FieldBillStreet2    = "billing.extended_address"
	FieldBillCity       = "billing.locality"
	FieldBillState      = "billing.region"
	FieldBillPostalCode = "billing.postal_code"
	FieldBillCountry    = "billing.country_code"

	FieldShipFirstName  = "shipping.first_name"
	FieldShipLastName   = "shipping.last_name"
	FieldShipStreet1    = "shipping.street_address"
	FieldShipStreet2    = "shipping.extended_address"
	FieldShipCity       = "shipping.locality"
	FieldShipState      = "shipping.region"
	FieldShipPostalCode = "shipping.postal_code"
	FieldShipCountry    = "shipping.country_code"
)

// FieldMap is a static two-way rename table between generic field names and
// a provider's own names. Each name maps to exactly one counterpart.
type FieldMap struct {
	toProvider map[string]string
	toGeneric  map[string]string
}

// NewFieldMap builds a FieldMap from generic -> provider pairs.
func NewFieldMap(pairs map[string]string) FieldMap {
	m := FieldMap{
		toProvider: make(map[string]string, len(pairs)),
		toGeneric:  make(map[string]string, len(pairs)),
	}
	for generic, provider := range pairs {
		m.toProvider[generic] = provider
		m.toGeneric[provider] = generic
	}
	return m
}

func (m FieldMap) Provider(generic string) (string, bool) {
	name, ok := m.toProvider[generic]
	return name, ok
}

func (m FieldMap) Generic(provider string) (string, bool) {
	name, ok := m.toGeneric[provider]
	return name, ok
}

// ToGeneric renames the provider fields it knows and drops the rest.
func (m FieldMap) ToGeneric(fields map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range fields {
		if generic, ok := m.toGeneric[k]; ok {
			out[generic] = v
		}
	}
	return out
}

// ToProvider renames generic fields to provider names and drops the rest.
func (m FieldMap) ToProvider(fields map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range fields {
		if name, ok := m.toProvider[k]; ok {
			out[name] = v
		}
	}
	return out
}

// Contact extracts the billing and shipping data from generic fields.
func Contact(generic map[string]string) (bill, ship domain.Address, email, phone string) {
	bill = domain.Address{
		FirstName:  generic[FieldBillFirstName],
		LastName:   generic[FieldBillLastName],
		Street1:    generic[FieldBillStreet1],
		Street2:    generic[FieldBillStreet2],
		City:       generic[FieldBillCity],
		State:      generic[FieldBillState],
		PostalCode: generic[FieldBillPostalCode],
		Country:    generic[FieldBillCountry],
	}
	ship = domain.Address{
		FirstName:  generic[FieldShipFirstName],
		LastName:   generic[FieldShipLastName],
		Street1:    generic[FieldShipStreet1],
		Street2:    generic[FieldShipStreet2],
		City:       generic[FieldShipCity],
		State:      generic[FieldShipState],
		PostalCode: generic[FieldShipPostalCode],
		Country:    generic[FieldShipCountry],
	}
	return bill, ship, generic[FieldEmail], generic[FieldPhone]
}

// CartContact is the inverse of Contact: the cart's contact data as generic
// fields, blank values omitted.
func CartContact(cart *domain.Cart) map[string]string {
	out := make(map[string]string)
	put := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	b, s := cart.Bill, cart.Ship
	put(FieldBillFirstName, b.FirstName)
	put(FieldBillLastName, b.LastName)
	put(FieldBillStreet1, b.Street1)
	put(FieldBillStreet2, b.Street2)
	put(FieldBillCity, b.City)
	put(FieldBillState, b.State)
	put(FieldBillPostalCode, b.PostalCode)
	put(FieldBillCountry, b.Country)
	put(FieldShipFirstName, s.FirstName)
	put(FieldShipLastName, s.LastName)
	put(FieldShipStreet1, s.Street1)
	put(FieldShipStreet2, s.Street2)
	put(FieldShipCity, s.City)
	put(FieldShipState, s.State)
	put(FieldShipPostalCode, s.PostalCode)
	put(FieldShipCountry, s.Country)
	put(FieldEmail, cart.BillEmail)
	put(FieldPhone, cart.BillPhone)
	return out
}

// FormatAmount renders a money amount with two decimals, the format every
// provider expects.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// RecurringCharge is what one billing period of item costs.
func RecurringCharge(item *domain.LineItem) decimal.Decimal {
	r := item.Recurring
	return r.RecurringPrice.Mul(decimal.NewFromInt(int64(item.Quantity))).Add(r.RecurringShipping)
}
