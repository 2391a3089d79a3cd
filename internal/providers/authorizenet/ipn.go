package authorizenet

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

// Merchant-defined fields echoed back by the relay response. When both are
// present on an approved payment the cart's subscription is bound to that
// stored payment profile.
const (
	fieldCustomerProfile = "customer_profile_id"
	fieldPaymentProfile  = "payment_profile_id"
)

func (g *Gateway) TransactionIDs(n gateway.Notification) []string {
	if id := n.Get("x_trans_id"); id != "" && id != "0" {
		return []string{id}
	}
	return nil
}

func (g *Gateway) CartReference(n gateway.Notification) string {
	return n.Get(relayFieldCart)
}

// Authenticate verifies x_SHA2_Hash, an upper-hex HMAC-SHA512 keyed with the
// signature key over "^login^transId^amount^". The amount signed for is the
// cart total, so a relay for a different amount never verifies.
func (g *Gateway) Authenticate(cart *domain.Cart, n gateway.Notification) error {
	got, err := hex.DecodeString(n.Get("x_SHA2_Hash"))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: missing or malformed x_SHA2_Hash", domain.ErrIntegrity)
	}
	want := relayHash(g.signatureKey, g.settings.Get("MERCHANT_ID"), n.Get("x_trans_id"), gateway.FormatAmount(cart.Total))
	if !hmac.Equal(got, want) {
		return fmt.Errorf("%w: x_SHA2_Hash mismatch", domain.ErrIntegrity)
	}

	amount, err := decimal.NewFromString(n.Get("x_amount"))
	if err != nil || !amount.Equal(cart.Total) {
		return fmt.Errorf("%w: amount %q does not match cart total %s", domain.ErrIntegrity, n.Get("x_amount"), cart.Total)
	}
	return nil
}

func (g *Gateway) Classify(n gateway.Notification) (gateway.Outcome, error) {
	code := n.Get("x_response_code")
	state, ok := responseCodes[code]
	if !ok {
		return nil, fmt.Errorf("unknown x_response_code %q", code)
	}
	amount, err := decimal.NewFromString(n.Get("x_amount"))
	if err != nil {
		return nil, fmt.Errorf("invalid x_amount %q: %w", n.Get("x_amount"), err)
	}

	bill, ship, email, phone := gateway.Contact(fields.ToGeneric(n.Fields))
	tr := &gateway.TransactionResult{
		Result:        gateway.Result{Success: state != domain.PaymentStateFailed, Status: code, Raw: n.Fields},
		TransactionID: firstOrEmpty(g.TransactionIDs(n)),
		Amount:        amount,
		State:         state,
		ReportedAt:    n.ReceivedAt,
		Bill:          bill,
		Ship:          ship,
		BillEmail:     email,
		BillPhone:     phone,
	}
	if !tr.Success {
		tr.Errors = map[string]string{gateway.NonFieldErrors: n.Get("x_response_reason_text")}
	}

	customer, payment := n.Get(fieldCustomerProfile), n.Get(fieldPaymentProfile)
	if customer == "" || payment == "" {
		return tr, nil
	}
	return &gateway.SubscriptionResult{
		Result:         tr.Result,
		SubscriptionID: customer + "/" + payment,
		Active:         tr.Success,
		Transaction:    tr,
	}, nil
}

// Acknowledge renders the relay response page. Authorize.Net shows it to
// the shopper, so it redirects back to the merchant's return URL.
func (g *Gateway) Acknowledge(n gateway.Notification) gateway.Ack {
	target := returnTarget(g.settings.Get("RETURN_URL"), n.Get(relayFieldBack))
	if u, err := url.Parse(target); err == nil && target != "" {
		q := u.Query()
		q.Set("x_trans_id", n.Get("x_trans_id"))
		q.Set(relayFieldCart, n.Get(relayFieldCart))
		u.RawQuery = q.Encode()
		target = u.String()
	}
	escaped := html.EscapeString(target)

	var b strings.Builder
	b.WriteString("<html><head>")
	fmt.Fprintf(&b, `<meta http-equiv="refresh" content="0;url=%s">`, escaped)
	b.WriteString("</head><body>")
	fmt.Fprintf(&b, `<a href="%s">Continue</a>`, escaped)
	b.WriteString("</body></html>")

	return gateway.Ack{Status: http.StatusOK, ContentType: "text/html; charset=utf-8", Body: b.String()}
}

// returnTarget picks the redirect for the relay page. The echoed field is
// not covered by the relay hash, so it is only honoured when it points at
// the configured return URL's scheme and host.
func returnTarget(configured, echoed string) string {
	if echoed == "" || configured == "" {
		return configured
	}
	want, err := url.Parse(configured)
	if err != nil {
		return configured
	}
	got, err := url.Parse(echoed)
	if err != nil || !strings.EqualFold(got.Scheme, want.Scheme) || !strings.EqualFold(got.Host, want.Host) {
		return configured
	}
	return echoed
}

func relayHash(key []byte, login, transID, amount string) []byte {
	mac := hmac.New(sha512.New, key)
	fmt.Fprintf(mac, "^%s^%s^%s^", login, transID, amount)
	return mac.Sum(nil)
}

func firstOrEmpty(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
