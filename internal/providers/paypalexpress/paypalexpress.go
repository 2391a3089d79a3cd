// Package paypalexpress integrates PayPal Express Checkout over the NVP API.
// Shoppers are redirected to PayPal with a checkout token; the payment or
// recurring profile is created when they return.
package paypalexpress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

const Name = "paypalexpress"

// SessionToken is the session arg key holding the checkout token.
const SessionToken = "paypal_express_token"

const (
	nvpURL             = "https://api-3t.paypal.com/nvp"
	nvpSandboxURL      = "https://api-3t.sandbox.paypal.com/nvp"
	checkoutURL        = "https://www.paypal.com/cgi-bin/webscr"
	checkoutSandboxURL = "https://www.sandbox.paypal.com/cgi-bin/webscr"
)

type Gateway struct {
	settings gateway.Settings
	nvp      *NVP
	logger   *slog.Logger
	now      func() time.Time
}

func Factory() gateway.Factory {
	return gateway.Factory{
		Defaults: map[string]string{
			"LIVE":          "false",
			"API_VERSION":   "76.0",
			"CURRENCY_CODE": "USD",
			"LOCALE":        "US",
			"NO_SHIPPING":   "1",
		},
		New: func(s gateway.Settings, deps gateway.Deps) (gateway.Gateway, error) {
			return New(s, deps)
		},
	}
}

func New(s gateway.Settings, deps gateway.Deps) (*Gateway, error) {
	if err := s.Require("API_USERNAME", "API_PASSWORD", "API_SIGNATURE"); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		settings: s,
		nvp:      NewNVP(Name, s, deps.Client),
		logger:   logger.With("gateway", Name),
		now:      time.Now,
	}, nil
}

func (g *Gateway) Name() string { return Name }

// IsValid probes the credentials with GetBalance.
func (g *Gateway) IsValid(ctx context.Context) error {
	_, err := g.nvp.Call(ctx, "GetBalance", url.Values{})
	return err
}

// Submit starts an express checkout and returns the PayPal redirect.
func (g *Gateway) Submit(ctx context.Context, cart *domain.Cart, opts gateway.SubmitOptions) (*gateway.SubmitResult, error) {
	resp, err := g.nvp.Call(ctx, "SetExpressCheckout", g.checkoutParams(cart, opts))
	if err != nil {
		return &gateway.SubmitResult{Result: Failure(err), Kind: gateway.SubmitURL}, nil
	}

	token := resp.Get("TOKEN")
	redirect := g.settings.Endpoint(checkoutURL, checkoutSandboxURL) + "?" + url.Values{
		"cmd":   {"_express-checkout"},
		"token": {token},
	}.Encode()

	return &gateway.SubmitResult{
		Result:      gateway.Result{Success: true, Status: resp.Get("ACK"), Raw: resp},
		Kind:        gateway.SubmitURL,
		RedirectURL: redirect,
		SessionArgs: map[string]string{SessionToken: token},
	}, nil
}

func (g *Gateway) checkoutParams(cart *domain.Cart, opts gateway.SubmitOptions) url.Values {
	p := url.Values{}
	p.Set("RETURNURL", firstNonBlank(opts.ReturnURL, g.settings.Get("RETURN_URL")))
	p.Set("CANCELURL", firstNonBlank(opts.CancelURL, g.settings.Get("CANCEL_URL")))
	p.Set("LOCALECODE", g.settings.Get("LOCALE"))
	p.Set("NOSHIPPING", g.settings.Get("NO_SHIPPING"))
	p.Set("ALLOWNOTE", "1")

	const pre = "PAYMENTREQUEST_0_"
	p.Set(pre+"INVNUM", cart.ID)
	p.Set(pre+"CURRENCYCODE", g.currency(cart))
	p.Set(pre+"PAYMENTACTION", "Sale")
	if ipn := g.settings.Get("IPN_URL"); ipn != "" {
		p.Set(pre+"NOTIFYURL", ipn)
	}

	if item := cart.RecurringItem(); item != nil {
		// Amounts of a subscription are set by CreateRecurringPaymentsProfile.
		p.Set(pre+"AMT", "0.00")
		p.Set("MAXAMT", gateway.FormatAmount(cart.Total))
		p.Set("L_BILLINGTYPE0", "RecurringPayments")
		p.Set("L_BILLINGAGREEMENTDESCRIPTION0", agreementDescription(item))
	} else {
		p.Set(pre+"AMT", gateway.FormatAmount(cart.Total))
		p.Set(pre+"ITEMAMT", gateway.FormatAmount(cart.SubTotal))
		p.Set(pre+"SHIPPINGAMT", gateway.FormatAmount(cart.Shipping))
		p.Set(pre+"TAXAMT", gateway.FormatAmount(cart.Tax))
		for i, item := range cart.OneTimeItems() {
			n := strconv.Itoa(i)
			p.Set("L_"+pre+"NAME"+n, item.Name)
			p.Set("L_"+pre+"DESC"+n, item.Description)
			p.Set("L_"+pre+"AMT"+n, gateway.FormatAmount(item.UnitPrice))
			p.Set("L_"+pre+"QTY"+n, strconv.Itoa(item.Quantity))
			p.Set("L_"+pre+"NUMBER"+n, item.SKU)
		}
	}

	if cart.Bill.Street1 != "" {
		p.Set("ADDROVERRIDE", "0")
		p.Set("EMAIL", cart.BillEmail)
		p.Set(pre+"SHIPTONAME", cart.Bill.FirstName+" "+cart.Bill.LastName)
		p.Set(pre+"SHIPTOSTREET", cart.Bill.Street1)
		p.Set(pre+"SHIPTOSTREET2", cart.Bill.Street2)
		p.Set(pre+"SHIPTOCITY", cart.Bill.City)
		p.Set(pre+"SHIPTOSTATE", cart.Bill.State)
		p.Set(pre+"SHIPTOZIP", cart.Bill.PostalCode)
		p.Set(pre+"SHIPTOCOUNTRYCODE", cart.Bill.Country)
	}
	return p
}

// ConfirmPayment finalizes the checkout the shopper approved: a one-time
// payment, or a recurring payments profile for subscription carts.
func (g *Gateway) ConfirmPayment(ctx context.Context, cart *domain.Cart, req gateway.ConfirmRequest) (gateway.Outcome, error) {
	token := firstNonBlank(req.Values["token"], req.Values[SessionToken])
	if token == "" {
		return &gateway.TransactionResult{Result: gateway.Failure("missing_token", "no express checkout token")}, nil
	}

	details, err := g.nvp.Call(ctx, "GetExpressCheckoutDetails", url.Values{"TOKEN": {token}})
	if err != nil {
		return &gateway.TransactionResult{Result: Failure(err)}, nil
	}
	payerID := firstNonBlank(req.Values["PayerID"], details.Get("PAYERID"))
	bill, ship, email, phone := Payer(details)

	if item := cart.RecurringItem(); item != nil {
		return g.createProfile(ctx, cart, item, token, payerID), nil
	}

	p := url.Values{}
	p.Set("TOKEN", token)
	p.Set("PAYERID", payerID)
	p.Set("PAYMENTREQUEST_0_AMT", gateway.FormatAmount(cart.Total))
	p.Set("PAYMENTREQUEST_0_CURRENCYCODE", g.currency(cart))
	p.Set("PAYMENTREQUEST_0_PAYMENTACTION", "Sale")
	p.Set("PAYMENTREQUEST_0_INVNUM", cart.ID)
	resp, err := g.nvp.Call(ctx, "DoExpressCheckoutPayment", p)
	if err != nil {
		return &gateway.TransactionResult{Result: Failure(err)}, nil
	}

	res := TransactionResult(resp, "PAYMENTINFO_0_")
	res.Bill, res.Ship, res.BillEmail, res.BillPhone = bill, ship, email, phone
	return res, nil
}

func (g *Gateway) createProfile(ctx context.Context, cart *domain.Cart, item *domain.LineItem, token, payerID string) *gateway.SubscriptionResult {
	r := item.Recurring
	start := g.now().UTC()
	if r.Start != nil {
		start = r.Start.UTC()
	}

	p := url.Values{}
	p.Set("TOKEN", token)
	p.Set("PAYERID", payerID)
	p.Set("CURRENCYCODE", g.currency(cart))
	p.Set("AMT", gateway.FormatAmount(r.RecurringPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))))
	p.Set("SHIPPINGAMT", gateway.FormatAmount(r.RecurringShipping))
	p.Set("DESC", agreementDescription(item))
	p.Set("PROFILEREFERENCE", cart.ID)
	p.Set("PROFILESTARTDATE", start.Format(time.RFC3339))
	p.Set("BILLINGPERIOD", billingPeriods[r.DurationUnit])
	p.Set("BILLINGFREQUENCY", strconv.Itoa(r.Duration))
	if r.RecurringTimes > 0 {
		p.Set("TOTALBILLINGCYCLES", strconv.Itoa(r.RecurringTimes))
	}
	if r.HasTrial() {
		p.Set("TRIALBILLINGPERIOD", billingPeriods[r.DurationUnit])
		p.Set("TRIALBILLINGFREQUENCY", strconv.Itoa(r.Duration))
		p.Set("TRIALTOTALBILLINGCYCLES", strconv.Itoa(r.TrialLength))
		p.Set("TRIALAMT", gateway.FormatAmount(r.TrialPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))))
	}
	if cart.BillEmail != "" {
		p.Set("EMAIL", cart.BillEmail)
	}

	resp, err := g.nvp.Call(ctx, "CreateRecurringPaymentsProfile", p)
	if err != nil {
		return &gateway.SubscriptionResult{Result: Failure(err)}
	}
	status := resp.Get("PROFILESTATUS")
	return &gateway.SubscriptionResult{
		Result:         gateway.Result{Success: true, Status: status, Raw: resp},
		SubscriptionID: resp.Get("PROFILEID"),
		Active:         status == "ActiveProfile",
	}
}

func (g *Gateway) CancelRecurring(ctx context.Context, cart *domain.Cart) (*gateway.SubscriptionResult, error) {
	item := cart.RecurringItem()
	if item == nil {
		return nil, nil
	}
	profile := item.Recurring.PaymentToken
	if profile == "" {
		return &gateway.SubscriptionResult{Result: gateway.Failure("missing_profile", "subscription has no recurring payments profile")}, nil
	}

	resp, err := g.nvp.Call(ctx, "ManageRecurringPaymentsProfileStatus", url.Values{
		"PROFILEID": {profile},
		"ACTION":    {"Cancel"},
		"NOTE":      {"Cancelled by merchant"},
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return &gateway.SubscriptionResult{Result: apiErr.result(), SubscriptionID: profile, Active: item.Recurring.Active}, nil
		}
		return nil, err
	}
	return &gateway.SubscriptionResult{
		Result:         gateway.Result{Success: true, Status: "Cancelled", Raw: resp},
		SubscriptionID: resp.Get("PROFILEID"),
		Active:         false,
	}, nil
}

// ChargeRecurring is a no-op: PayPal bills recurring profiles itself.
func (g *Gateway) ChargeRecurring(context.Context, *domain.Cart, time.Duration) (*gateway.TransactionResult, error) {
	return nil, nil
}

// FindTransaction reads one transaction, or the most recent one under the
// cart's recurring payments profile when transactionID is empty.
func (g *Gateway) FindTransaction(ctx context.Context, cart *domain.Cart, transactionID string) (*gateway.TransactionResult, error) {
	if transactionID != "" {
		return g.nvp.TransactionDetails(ctx, transactionID)
	}

	item := cart.RecurringItem()
	if item == nil || item.Recurring.PaymentToken == "" {
		return nil, fmt.Errorf("%w: cart %s has no recurring payments profile", domain.ErrUnknownTransaction, cart.ID)
	}
	since := cart.CreatedAt
	if item.Recurring.Start != nil {
		since = *item.Recurring.Start
	}
	if since.IsZero() {
		since = g.now().AddDate(0, -1, 0)
	}
	return g.nvp.LatestProfileTransaction(ctx, item.Recurring.PaymentToken, since)
}

func (g *Gateway) VoidTransaction(ctx context.Context, _ *domain.Cart, transactionID string) (*gateway.TransactionResult, error) {
	return g.nvp.Void(ctx, transactionID, g.now())
}

func (g *Gateway) Refund(ctx context.Context, cart *domain.Cart, transactionID string, amount decimal.Decimal) (*gateway.TransactionResult, error) {
	return g.nvp.Refund(ctx, cart, g.currency(cart), transactionID, amount, g.now())
}

func (g *Gateway) currency(cart *domain.Cart) string {
	return firstNonBlank(cart.Currency, g.settings.Get("CURRENCY_CODE"))
}

func agreementDescription(item *domain.LineItem) string {
	return firstNonBlank(item.Description, item.Name)
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
	_ gateway.Gateway    = (*Gateway)(nil)
	_ gateway.Reconciler = (*Gateway)(nil)
	_ gateway.Refunder   = (*Gateway)(nil)
)
