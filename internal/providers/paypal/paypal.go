// Package paypal integrates PayPal Payments Standard: the shopper's browser
// posts a hosted form to PayPal. Transaction lookups, voids and refunds use
// the NVP API when API credentials are configured.
package paypal

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
	"github.com/joao-fontenele/paycart/internal/providers/paypalexpress"
)

const Name = "paypal"

const (
	postURL        = "https://www.paypal.com/cgi-bin/webscr"
	postSandboxURL = "https://www.sandbox.paypal.com/cgi-bin/webscr"
)

// maxStartDelay is the longest free first period a subscription button
// accepts.
const maxStartDelay = 90

var periodUnits = map[domain.DurationUnit]string{
	domain.DurationDay:   "D",
	domain.DurationWeek:  "W",
	domain.DurationMonth: "M",
	domain.DurationYear:  "Y",
}

type Gateway struct {
	settings gateway.Settings
	nvp      *paypalexpress.NVP
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
			"REATTEMPT":     "true",
		},
		New: func(s gateway.Settings, deps gateway.Deps) (gateway.Gateway, error) {
			return New(s, deps)
		},
	}
}

func New(s gateway.Settings, deps gateway.Deps) (*Gateway, error) {
	if err := s.Require("BUSINESS"); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		settings: s,
		nvp:      paypalexpress.NewNVP(Name, s, deps.Client),
		logger:   logger.With("gateway", Name),
		now:      time.Now,
	}, nil
}

func (g *Gateway) Name() string { return Name }

// IsValid accepts any configuration that constructs: PayPal offers no way to
// check a business account without API credentials.
func (g *Gateway) IsValid(context.Context) error {
	return nil
}

// Submit renders the hosted payment form: a cart upload for one-time items
// or a subscription button for a recurring item.
func (g *Gateway) Submit(_ context.Context, cart *domain.Cart, opts gateway.SubmitOptions) (*gateway.SubmitResult, error) {
	form := map[string]string{
		"business":      g.settings.Get("BUSINESS"),
		"currency_code": g.currency(cart),
		"no_shipping":   g.settings.Get("NO_SHIPPING"),
		"handling_cart": gateway.FormatAmount(cart.Shipping),
		"lc":            g.settings.Get("LOCALE"),
		"invoice":       cart.ID,
	}
	setIf(form, "notify_url", g.settings.Get("IPN_URL"))
	setIf(form, "return", firstNonBlank(opts.ReturnURL, g.settings.Get("RETURN_URL")))
	setIf(form, "cancel_return", firstNonBlank(opts.CancelURL, g.settings.Get("CANCEL_URL")))
	setIf(form, "charset", g.settings.Get("CHARSET"))
	setIf(form, "rm", g.settings.Get("RM"))
	setIf(form, "cbt", g.settings.Get("CBT"))
	setIf(form, "shopping_url", g.settings.Get("SHOPPING_URL"))
	if cart.Tax.IsPositive() {
		form["tax_cart"] = gateway.FormatAmount(cart.Tax)
	}
	if cart.Discount.IsPositive() {
		form["discount_amount_cart"] = gateway.FormatAmount(cart.Discount)
	}

	if item := cart.RecurringItem(); item != nil {
		if err := g.subscriptionFields(form, item); err != nil {
			return &gateway.SubmitResult{Result: gateway.Failure("unsupported_subscription", err.Error()), Kind: gateway.SubmitForm}, nil
		}
	} else {
		form["cmd"] = "_cart"
		form["upload"] = "1"
		for i, item := range cart.OneTimeItems() {
			n := strconv.Itoa(i + 1)
			form["item_name_"+n] = item.Name
			form["amount_"+n] = gateway.FormatAmount(item.UnitPrice)
			form["quantity_"+n] = strconv.Itoa(item.Quantity)
			form["on0_"+n] = "SKU"
			form["os0_"+n] = item.SKU
		}
	}

	if cart.Bill.Street1 != "" {
		form["first_name"] = cart.Bill.FirstName
		form["last_name"] = cart.Bill.LastName
		form["address1"] = cart.Bill.Street1
		form["address2"] = cart.Bill.Street2
		form["city"] = cart.Bill.City
		form["country"] = cart.Bill.Country
		form["zip"] = cart.Bill.PostalCode
		form["email"] = cart.BillEmail
		form["address_override"] = "0"
		// Only US state abbreviations are accepted.
		if strings.EqualFold(cart.Bill.Country, "US") && len(cart.Bill.State) == 2 {
			form["state"] = cart.Bill.State
		}
	}

	return &gateway.SubmitResult{
		Result:     gateway.Result{Success: true, Status: "form"},
		Kind:       gateway.SubmitForm,
		PostTarget: g.settings.GetDefault("POST_URL", g.settings.Endpoint(postURL, postSandboxURL)),
		Fields:     form,
	}, nil
}

func (g *Gateway) subscriptionFields(form map[string]string, item *domain.LineItem) error {
	r := item.Recurring
	unit, ok := periodUnits[r.DurationUnit]
	if !ok {
		return fmt.Errorf("unsupported billing period %q", r.DurationUnit)
	}
	quantity := decimal.NewFromInt(int64(item.Quantity))

	form["cmd"] = "_xclick-subscriptions"
	form["src"] = "1"
	form["item_name"] = item.Name
	form["item_number"] = item.SKU
	form["no_note"] = "0"
	form["bn"] = "PP-SubscriptionsBF"

	now := g.now()
	delayed := r.Start != nil && r.Start.After(now)
	switch {
	case delayed && r.HasTrial():
		return fmt.Errorf("a subscription cannot combine a trial with a delayed start")
	case delayed:
		// Rounded up a day so PayPal shows the right first billing date.
		days := int(r.Start.Sub(now)/(24*time.Hour)) + 1
		if days > maxStartDelay {
			return fmt.Errorf("start is %d days away, at most %d are supported", days, maxStartDelay)
		}
		form["a1"] = "0"
		form["p1"] = strconv.Itoa(days)
		form["t1"] = "D"
	case r.HasTrial():
		form["a1"] = gateway.FormatAmount(r.TrialPrice.Mul(quantity))
		form["p1"] = strconv.Itoa(r.TrialLength)
		form["t1"] = unit
	}

	form["a3"] = gateway.FormatAmount(r.RecurringPrice.Mul(quantity))
	form["p3"] = strconv.Itoa(r.Duration)
	form["t3"] = unit
	if r.RecurringTimes > 0 {
		form["srt"] = strconv.Itoa(r.RecurringTimes)
	}
	form["sra"] = "0"
	if g.settings.Bool("REATTEMPT") {
		form["sra"] = "1"
	}
	return nil
}

// ConfirmPayment reads the transaction PayPal names on the return URL. When
// it names none the order waits for the provider's confirmation.
func (g *Gateway) ConfirmPayment(ctx context.Context, cart *domain.Cart, req gateway.ConfirmRequest) (gateway.Outcome, error) {
	txID := firstNonBlank(req.Values["tx"], req.Values["txn_id"])
	if txID == "" {
		return &gateway.VerificationResult{
			Result:    gateway.Result{Success: true, Status: "awaiting_confirmation"},
			Reference: cart.ID,
		}, nil
	}

	res, err := g.nvp.TransactionDetails(ctx, txID)
	if err != nil {
		return &gateway.TransactionResult{Result: paypalexpress.Failure(err), TransactionID: txID}, nil
	}
	if raw, ok := res.Raw.(url.Values); ok {
		if invoice := raw.Get("INVNUM"); invoice != "" && invoice != cart.ID {
			return nil, fmt.Errorf("%w: transaction %s belongs to invoice %q", domain.ErrIntegrity, txID, invoice)
		}
	}
	return res, nil
}

// CancelRecurring cannot cancel through the API; it returns PayPal's
// subscription management page for the shopper to cancel there.
func (g *Gateway) CancelRecurring(_ context.Context, cart *domain.Cart) (*gateway.SubscriptionResult, error) {
	item := cart.RecurringItem()
	if item == nil {
		return nil, nil
	}
	target := g.settings.GetDefault("POST_URL", g.settings.Endpoint(postURL, postSandboxURL)) + "?" + url.Values{
		"cmd":   {"_subscr-find"},
		"alias": {g.settings.Get("BUSINESS")},
	}.Encode()
	return &gateway.SubscriptionResult{
		Result:         gateway.Result{Success: true, Status: "redirect"},
		SubscriptionID: item.Recurring.PaymentToken,
		Active:         item.Recurring.Active,
		RedirectURL:    target,
	}, nil
}

// ChargeRecurring is a no-op: PayPal bills subscription buttons itself.
func (g *Gateway) ChargeRecurring(context.Context, *domain.Cart, time.Duration) (*gateway.TransactionResult, error) {
	return nil, nil
}

// FindTransaction reads one transaction. Subscription buttons expose no
// profile to search, so an empty id is always unknown.
func (g *Gateway) FindTransaction(ctx context.Context, cart *domain.Cart, transactionID string) (*gateway.TransactionResult, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("%w: cart %s has no searchable subscription", domain.ErrUnknownTransaction, cart.ID)
	}
	return g.nvp.TransactionDetails(ctx, transactionID)
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

func setIf(form map[string]string, key, value string) {
	if value != "" {
		form[key] = value
	}
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
