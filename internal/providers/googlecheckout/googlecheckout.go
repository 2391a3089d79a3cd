// Package googlecheckout integrates Google Checkout: a signed XML cart
// posted by the shopper, and HTML-API notifications authenticated with the
// merchant's HTTP basic credential.
package googlecheckout

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

const Name = "googlecheckout"

const (
	liveURL    = "https://checkout.google.com/api/checkout/v2"
	sandboxURL = "https://sandbox.google.com/checkout/api/checkout/v2"
)

type Gateway struct {
	settings gateway.Settings
	client   *gateway.Client
	logger   *slog.Logger
}

func Factory() gateway.Factory {
	return gateway.Factory{
		Defaults: map[string]string{"LIVE": "false", "CURRENCY_CODE": "USD"},
		New: func(s gateway.Settings, deps gateway.Deps) (gateway.Gateway, error) {
			return New(s, deps)
		},
	}
}

func New(s gateway.Settings, deps gateway.Deps) (*Gateway, error) {
	if err := s.Require("MERCHANT_ID", "MERCHANT_KEY"); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{settings: s, client: deps.Client, logger: logger.With("gateway", Name)}, nil
}

func (g *Gateway) Name() string { return Name }

// IsValid has no remote probe; the required settings are checked by New.
func (g *Gateway) IsValid(context.Context) error {
	return nil
}

// Submit returns the signed cart form the shopper posts to Google.
func (g *Gateway) Submit(_ context.Context, cart *domain.Cart, opts gateway.SubmitOptions) (*gateway.SubmitResult, error) {
	doc, err := buildCart(cart, g.currency(cart), firstNonBlank(opts.ReturnURL, g.settings.Get("RETURN_URL")))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha1.New, []byte(g.settings.Get("MERCHANT_KEY")))
	mac.Write(doc)

	return &gateway.SubmitResult{
		Result:     gateway.Result{Success: true, Status: "form"},
		Kind:       gateway.SubmitForm,
		PostTarget: g.baseURL() + "/checkout/Merchant/" + url.PathEscape(g.settings.Get("MERCHANT_ID")),
		Fields: map[string]string{
			"cart":      base64.StdEncoding.EncodeToString(doc),
			"signature": base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		},
	}, nil
}

// ConfirmPayment has nothing to confirm: Google reports the order through
// notifications only.
func (g *Gateway) ConfirmPayment(_ context.Context, cart *domain.Cart, req gateway.ConfirmRequest) (gateway.Outcome, error) {
	return &gateway.VerificationResult{
		Result:    gateway.Result{Success: true, Status: "awaiting_notification"},
		Reference: firstNonBlank(req.Values["serial-number"], cart.ID),
	}, nil
}

// CancelRecurring cancels the Google order that carries the subscription.
// Its order number is stored as the item's payment token.
func (g *Gateway) CancelRecurring(ctx context.Context, cart *domain.Cart) (*gateway.SubscriptionResult, error) {
	item := cart.RecurringItem()
	if item == nil {
		return nil, nil
	}
	order := item.Recurring.PaymentToken
	if order == "" {
		return &gateway.SubscriptionResult{Result: gateway.Failure("missing_order", "subscription has no google order number")}, nil
	}

	body, err := xml.Marshal(cancelOrder{Xmlns: schemaNS, OrderNumber: order, Reason: "Subscription cancelled"})
	if err != nil {
		return nil, fmt.Errorf("encoding cancel-order: %w", err)
	}
	endpoint := g.baseURL() + "/request/Merchant/" + url.PathEscape(g.settings.Get("MERCHANT_ID"))
	resp, err := g.client.Execute(ctx, Name, http.MethodPost, endpoint, func(r *resty.Request) {
		r.SetBasicAuth(g.settings.Get("MERCHANT_ID"), g.settings.Get("MERCHANT_KEY")).
			SetHeader("Content-Type", "application/xml; charset=UTF-8").
			SetHeader("Accept", "application/xml; charset=UTF-8").
			SetBody(body)
	})
	if err != nil {
		return nil, err
	}

	var received requestReceived
	if resp.IsError() || xml.Unmarshal(resp.Body(), &received) != nil {
		var apiErr apiError
		_ = xml.Unmarshal(resp.Body(), &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = resp.Status()
		}
		return &gateway.SubscriptionResult{Result: gateway.Failure("rejected", msg), SubscriptionID: order, Active: item.Recurring.Active}, nil
	}
	return &gateway.SubscriptionResult{
		Result:         gateway.Result{Success: true, Status: "cancel-requested", Raw: received},
		SubscriptionID: order,
		Active:         false,
	}, nil
}

// ChargeRecurring is a no-op: Google bills subscriptions itself.
func (g *Gateway) ChargeRecurring(context.Context, *domain.Cart, time.Duration) (*gateway.TransactionResult, error) {
	return nil, nil
}

func (g *Gateway) baseURL() string {
	return g.settings.GetDefault("API_URL", g.settings.Endpoint(liveURL, sandboxURL))
}

func (g *Gateway) currency(cart *domain.Cart) string {
	return firstNonBlank(cart.Currency, g.settings.Get("CURRENCY_CODE"))
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var (
	_ gateway.Gateway  = (*Gateway)(nil)
	_ gateway.Notifier = (*Gateway)(nil)
)
