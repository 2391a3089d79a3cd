package googlecheckout

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

// financialStates maps financial-order-state values.
var financialStates = map[string]domain.PaymentState{
	"REVIEWING":           domain.PaymentStatePending,
	"CHARGEABLE":          domain.PaymentStatePending,
	"CHARGING":            domain.PaymentStatePending,
	"CHARGED":             domain.PaymentStatePaid,
	"PAYMENT_DECLINED":    domain.PaymentStateFailed,
	"CANCELLED":           domain.PaymentStateCancelled,
	"CANCELLED_BY_GOOGLE": domain.PaymentStateCancelled,
}

// Notification types that carry nothing to apply.
var informational = map[string]bool{
	"risk-information-notification":     true,
	"authorization-amount-notification": true,
}

var fields = gateway.NewFieldMap(map[string]string{
	gateway.FieldEmail:          "buyer-billing-address.email",
	gateway.FieldPhone:          "buyer-billing-address.phone",
	gateway.FieldBillFirstName:  "buyer-billing-address.structured-name.first-name",
	gateway.FieldBillLastName:   "buyer-billing-address.structured-name.last-name",
	gateway.FieldBillStreet1:    "buyer-billing-address.address1",
	gateway.FieldBillStreet2:    "buyer-billing-address.address2",
	gateway.FieldBillCity:       "buyer-billing-address.city",
	gateway.FieldBillState:      "buyer-billing-address.region",
	gateway.FieldBillPostalCode: "buyer-billing-address.postal-code",
	gateway.FieldBillCountry:    "buyer-billing-address.country-code",
	gateway.FieldShipFirstName:  "buyer-shipping-address.structured-name.first-name",
	gateway.FieldShipLastName:   "buyer-shipping-address.structured-name.last-name",
	gateway.FieldShipStreet1:    "buyer-shipping-address.address1",
	gateway.FieldShipStreet2:    "buyer-shipping-address.address2",
	gateway.FieldShipCity:       "buyer-shipping-address.city",
	gateway.FieldShipState:      "buyer-shipping-address.region",
	gateway.FieldShipPostalCode: "buyer-shipping-address.postal-code",
	gateway.FieldShipCountry:    "buyer-shipping-address.country-code",
})

func (g *Gateway) TransactionIDs(n gateway.Notification) []string {
	if id := strings.TrimSpace(n.Get("google-order-number")); id != "" {
		return []string{id}
	}
	return nil
}

// CartReference reads the cart-level private data, falling back to the
// private data of any item.
func (g *Gateway) CartReference(n gateway.Notification) string {
	if ref := n.Get("shopping-cart.merchant-private-data"); ref != "" {
		return strings.TrimSpace(ref)
	}
	for k, v := range n.Fields {
		if strings.HasSuffix(k, "merchant-private-item-data") && v != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Authenticate accepts the notification when its basic credential is one
// of IPN_AUTH_VALS (comma separated), or base64("MERCHANT_ID:MERCHANT_KEY")
// when that setting is absent.
func (g *Gateway) Authenticate(_ *domain.Cart, n gateway.Notification) error {
	if n.Credential == "" {
		return fmt.Errorf("%w: missing basic credential", domain.ErrIntegrity)
	}
	for _, accepted := range g.acceptedCredentials() {
		if subtle.ConstantTimeCompare([]byte(n.Credential), []byte(accepted)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("%w: credential not accepted", domain.ErrIntegrity)
}

func (g *Gateway) acceptedCredentials() []string {
	if vals := g.settings.Get("IPN_AUTH_VALS"); vals != "" {
		var out []string
		for _, v := range strings.Split(vals, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	raw := g.settings.Get("MERCHANT_ID") + ":" + g.settings.Get("MERCHANT_KEY")
	return []string{base64.StdEncoding.EncodeToString([]byte(raw))}
}

// Classify dispatches on the notification _type. Informational types yield
// a nil outcome.
func (g *Gateway) Classify(n gateway.Notification) (gateway.Outcome, error) {
	kind := n.Get("_type")
	if informational[kind] {
		return nil, nil
	}

	order := strings.TrimSpace(n.Get("google-order-number"))
	tr := &gateway.TransactionResult{
		Result:        gateway.Result{Success: true, Status: kind, Raw: n.Fields},
		TransactionID: order,
		ReportedAt:    parseTime(n.Get("timestamp")),
	}

	switch kind {
	case "new-order-notification":
		state, err := financialState(n.Get("financial-order-state"))
		if err != nil {
			return nil, err
		}
		tr.State = state
		tr.Amount = amount(n.Get("order-total"))
		tr.Bill, tr.Ship, tr.BillEmail, tr.BillPhone = gateway.Contact(fields.ToGeneric(n.Fields))
		if isSubscription(n) {
			return &gateway.SubscriptionResult{
				Result:         tr.Result,
				SubscriptionID: order,
				Active:         state != domain.PaymentStateFailed && state != domain.PaymentStateCancelled,
				Transaction:    tr,
			}, nil
		}
	case "order-state-change-notification":
		state, err := financialState(n.Get("new-financial-order-state"))
		if err != nil {
			return nil, err
		}
		tr.State = state
	case "charge-amount-notification":
		tr.State = domain.PaymentStatePaid
		tr.Amount = amount(n.Get("total-charge-amount"))
	case "refund-amount-notification", "chargeback-amount-notification":
		tr.State = domain.PaymentStateCancelled
	case "cancelled-subscription-notification":
		return &gateway.SubscriptionResult{
			Result:         tr.Result,
			SubscriptionID: order,
			Active:         false,
		}, nil
	default:
		return nil, fmt.Errorf("unknown notification type %q", kind)
	}

	tr.Success = tr.State != domain.PaymentStateFailed
	return tr, nil
}

// Acknowledge echoes the serial number, which Google requires even for
// notifications that could not be matched to a cart.
func (g *Gateway) Acknowledge(n gateway.Notification) gateway.Ack {
	serial := html.EscapeString(strings.TrimSpace(n.Get("serial-number")))
	return gateway.Ack{
		Status:      http.StatusOK,
		ContentType: "text/xml; charset=UTF-8",
		Body:        fmt.Sprintf("<notification-acknowledgment xmlns='%s' serial-number='%s'/>", schemaNS, serial),
	}
}

func financialState(s string) (domain.PaymentState, error) {
	state, ok := financialStates[s]
	if !ok {
		return "", fmt.Errorf("unknown financial order state %q", s)
	}
	return state, nil
}

func isSubscription(n gateway.Notification) bool {
	for k := range n.Fields {
		if strings.Contains(k, ".subscription.") {
			return true
		}
	}
	return false
}

func amount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
