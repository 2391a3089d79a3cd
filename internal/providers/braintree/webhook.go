package braintree

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

// Webhook kinds that carry nothing to apply.
var ignoredKinds = map[string]bool{
	"check":                  true,
	"disbursement":           true,
	"disbursement_exception": true,
}

func decodePayload(n gateway.Notification) (*notification, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(n.Get("bt_payload")))
	if err != nil {
		return nil, fmt.Errorf("decoding bt_payload: %w", err)
	}
	var out notification
	if err := xml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parsing bt_payload: %w", err)
	}
	return &out, nil
}

func (g *Gateway) TransactionIDs(n gateway.Notification) []string {
	p, err := decodePayload(n)
	if err != nil {
		return nil
	}
	var ids []string
	if tx := p.Subject.Transaction; tx != nil && tx.ID != "" {
		ids = append(ids, tx.ID)
	}
	if sub := p.Subject.Subscription; sub != nil {
		for _, tx := range sub.Transactions {
			if tx.ID != "" {
				ids = append(ids, tx.ID)
			}
		}
	}
	return ids
}

// CartReference is the order id of a transaction subject. Subscriptions are
// created with the cart id as their id.
func (g *Gateway) CartReference(n gateway.Notification) string {
	p, err := decodePayload(n)
	if err != nil {
		return ""
	}
	if tx := p.Subject.Transaction; tx != nil {
		return tx.OrderID
	}
	if sub := p.Subject.Subscription; sub != nil {
		return sub.ID
	}
	return ""
}

// Authenticate checks bt_signature, a list of "public_key|hmac" pairs joined
// by "&", against the raw bt_payload.
func (g *Gateway) Authenticate(cart *domain.Cart, n gateway.Notification) error {
	payload := n.Get("bt_payload")
	if payload == "" {
		return fmt.Errorf("%w: missing bt_payload", domain.ErrIntegrity)
	}

	publicKey := g.settings.Get("MERCHANT_KEY")
	want := g.mac([]byte(payload))
	verified := false
	for _, pair := range strings.Split(n.Get("bt_signature"), "&") {
		key, sig, ok := strings.Cut(pair, "|")
		if !ok || key != publicKey {
			continue
		}
		got, err := hex.DecodeString(sig)
		if err == nil && hmac.Equal(got, want) {
			verified = true
			break
		}
	}
	if !verified {
		return fmt.Errorf("%w: bt_signature mismatch", domain.ErrIntegrity)
	}

	if ref := g.CartReference(n); ref != "" && ref != cart.ID {
		return fmt.Errorf("%w: payload refers to cart %s", domain.ErrIntegrity, ref)
	}
	return nil
}

// Classify returns a nil outcome for kinds with nothing to apply.
func (g *Gateway) Classify(n gateway.Notification) (gateway.Outcome, error) {
	p, err := decodePayload(n)
	if err != nil {
		return nil, err
	}
	if ignoredKinds[p.Kind] {
		return nil, nil
	}

	switch {
	case p.Subject.Transaction != nil:
		res := p.Subject.Transaction.result()
		if res.ReportedAt.IsZero() {
			res.ReportedAt = parseTime(p.Timestamp)
		}
		return res, nil
	case p.Subject.Subscription != nil:
		res := p.Subject.Subscription.result()
		if res.Transaction != nil && res.Transaction.ReportedAt.IsZero() {
			res.Transaction.ReportedAt = parseTime(p.Timestamp)
		}
		return res, nil
	}
	return nil, fmt.Errorf("webhook kind %q has no subject", p.Kind)
}

func (g *Gateway) Acknowledge(gateway.Notification) gateway.Ack {
	return gateway.Ack{Status: http.StatusOK, ContentType: "text/plain", Body: "OK"}
}
