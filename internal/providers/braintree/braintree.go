// Package braintree integrates Braintree through its XML gateway API:
// transparent redirect submission, subscriptions for recurring carts, and
// signed webhooks.
package braintree

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

const Name = "braintree"

const (
	liveURL    = "https://api.braintreegateway.com:443"
	sandboxURL = "https://api.sandbox.braintreegateway.com:443"
	apiVersion = "6"
)

var fields = gateway.NewFieldMap(map[string]string{
	gateway.FieldCardNumber:     "transaction[credit_card][number]",
	gateway.FieldCardCVV:        "transaction[credit_card][cvv]",
	gateway.FieldCardExpiry:     "transaction[credit_card][expiration_date]",
	gateway.FieldEmail:          "transaction[customer][email]",
	gateway.FieldPhone:          "transaction[customer][phone]",
	gateway.FieldBillFirstName:  "transaction[billing][first_name]",
	gateway.FieldBillLastName:   "transaction[billing][last_name]",
	gateway.FieldBillStreet1:    "transaction[billing][street_address]",
	gateway.FieldBillStreet2:    "transaction[billing][extended_address]",
	gateway.FieldBillCity:       "transaction[billing][locality]",
	gateway.FieldBillState:      "transaction[billing][region]",
	gateway.FieldBillPostalCode: "transaction[billing][postal_code]",
	gateway.FieldBillCountry:    "transaction[billing][country_code_alpha2]",
	gateway.FieldShipFirstName:  "transaction[shipping][first_name]",
	gateway.FieldShipLastName:   "transaction[shipping][last_name]",
	gateway.FieldShipStreet1:    "transaction[shipping][street_address]",
	gateway.FieldShipStreet2:    "transaction[shipping][extended_address]",
	gateway.FieldShipCity:       "transaction[shipping][locality]",
	gateway.FieldShipState:      "transaction[shipping][region]",
	gateway.FieldShipPostalCode: "transaction[shipping][postal_code]",
	gateway.FieldShipCountry:    "transaction[shipping][country_code_alpha2]",
})

type Gateway struct {
	settings gateway.Settings
	client   *gateway.Client
	logger   *slog.Logger
	now      func() time.Time
}

func Factory() gateway.Factory {
	return gateway.Factory{
		Defaults: map[string]string{"LIVE": "false"},
		New: func(s gateway.Settings, deps gateway.Deps) (gateway.Gateway, error) {
			return New(s, deps)
		},
	}
}

// New requires MERCHANT_ID, MERCHANT_KEY (the public key) and
// MERCHANT_PRIVATE_KEY.
func New(s gateway.Settings, deps gateway.Deps) (*Gateway, error) {
	if err := s.Require("MERCHANT_ID", "MERCHANT_KEY", "MERCHANT_PRIVATE_KEY"); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		settings: s,
		client:   deps.Client,
		logger:   logger.With("gateway", Name),
		now:      time.Now,
	}, nil
}

func (g *Gateway) Name() string { return Name }

// IsValid lists plans as a credential probe.
func (g *Gateway) IsValid(ctx context.Context) error {
	resp, err := g.request(ctx, http.MethodGet, "/plans", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return errors.New("credentials rejected")
	}
	return nil
}

// Submit returns the signed transparent redirect data. The card form posts
// directly to Braintree, which redirects the shopper back to ReturnURL.
func (g *Gateway) Submit(_ context.Context, cart *domain.Cart, opts gateway.SubmitOptions) (*gateway.SubmitResult, error) {
	returnURL := opts.ReturnURL
	if returnURL == "" {
		returnURL = g.settings.Get("RETURN_URL")
	}

	data := url.Values{}
	data.Set("api_version", apiVersion)
	data.Set("public_key", g.settings.Get("MERCHANT_KEY"))
	data.Set("redirect_url", returnURL)
	data.Set("time", g.now().UTC().Format("20060102150405"))
	data.Set("kind", "create_transaction")
	data.Set("transaction[type]", "sale")
	data.Set("transaction[amount]", gateway.FormatAmount(cart.Total))
	data.Set("transaction[order_id]", cart.ID)
	data.Set("transaction[options][submit_for_settlement]", "true")
	if cart.RecurringItem() != nil {
		data.Set("transaction[options][store_in_vault_on_success]", "true")
	}

	form := fields.ToProvider(gateway.CartContact(cart))
	form["tr_data"] = g.sign(data.Encode())

	return &gateway.SubmitResult{
		Result:     gateway.Result{Success: true, Status: "direct"},
		Kind:       gateway.SubmitDirect,
		PostTarget: g.baseURL() + "/transparent_redirect_requests",
		Fields:     form,
	}, nil
}

// ConfirmPayment verifies the transparent redirect query and confirms the
// request it names. Recurring carts then get a subscription on the vaulted
// card.
func (g *Gateway) ConfirmPayment(ctx context.Context, cart *domain.Cart, req gateway.ConfirmRequest) (gateway.Outcome, error) {
	id := req.Values["id"]
	if id == "" {
		return &gateway.TransactionResult{Result: gateway.Failure("missing_id", "no transparent redirect id returned")}, nil
	}
	if err := g.verifyRedirect(req.Values); err != nil {
		return nil, err
	}

	tx, failure, err := g.transaction(ctx, http.MethodPost, "/transparent_redirect_requests/"+url.PathEscape(id)+"/confirm", nil)
	if err != nil {
		return &gateway.TransactionResult{Result: gateway.Failure("unavailable", err.Error())}, nil
	}
	if failure != nil {
		return failure, nil
	}
	if tx.OrderID != cart.ID {
		return nil, fmt.Errorf("%w: transaction %s belongs to order %q", domain.ErrIntegrity, tx.ID, tx.OrderID)
	}
	res := tx.result()

	item := cart.RecurringItem()
	if item == nil || !res.Success {
		return res, nil
	}
	sub, err := g.subscribe(ctx, cart, item, tx.CreditCard.Token)
	if err != nil {
		g.logger.Error("failed to create subscription", "cart_id", cart.ID, "error", err)
		return &gateway.SubscriptionResult{
			Result:      gateway.Failure("subscription_failed", err.Error()),
			Transaction: res,
		}, nil
	}
	sub.Transaction = res
	return sub, nil
}

// CancelRecurring cancels the subscription stored as the item's payment
// token.
func (g *Gateway) CancelRecurring(ctx context.Context, cart *domain.Cart) (*gateway.SubscriptionResult, error) {
	item := cart.RecurringItem()
	if item == nil {
		return nil, nil
	}
	id := item.Recurring.PaymentToken
	if id == "" {
		return &gateway.SubscriptionResult{Result: gateway.Result{Success: true, Status: "Canceled"}}, nil
	}

	resp, err := g.request(ctx, http.MethodPut, "/subscriptions/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		var apiErr apiErrorResponse
		_ = xml.Unmarshal(resp.Body(), &apiErr)
		return &gateway.SubscriptionResult{Result: gateway.Failure(resp.Status(), apiErr.Message), SubscriptionID: id}, nil
	}
	var sub subscription
	if err := xml.Unmarshal(resp.Body(), &sub); err != nil {
		return nil, fmt.Errorf("%w: decoding subscription: %v", domain.ErrProviderCommunication, err)
	}
	res := sub.result()
	res.Transaction = nil
	return res, nil
}

// ChargeRecurring is a no-op: Braintree bills subscriptions itself.
func (g *Gateway) ChargeRecurring(context.Context, *domain.Cart, time.Duration) (*gateway.TransactionResult, error) {
	return nil, nil
}

// FindTransaction looks up one transaction, or the latest one billed under
// the cart's subscription when transactionID is empty.
func (g *Gateway) FindTransaction(ctx context.Context, cart *domain.Cart, transactionID string) (*gateway.TransactionResult, error) {
	if transactionID != "" {
		tx, failure, err := g.transaction(ctx, http.MethodGet, "/transactions/"+url.PathEscape(transactionID), nil)
		if err != nil {
			return nil, err
		}
		if failure != nil {
			return failure, nil
		}
		return tx.result(), nil
	}

	item := cart.RecurringItem()
	if item == nil || item.Recurring.PaymentToken == "" {
		return nil, fmt.Errorf("%w: cart %s has no subscription", domain.ErrUnknownTransaction, cart.ID)
	}
	resp, err := g.request(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(item.Recurring.PaymentToken), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: subscription %s", domain.ErrUnknownTransaction, item.Recurring.PaymentToken)
	}
	var sub subscription
	if err := xml.Unmarshal(resp.Body(), &sub); err != nil {
		return nil, fmt.Errorf("%w: decoding subscription: %v", domain.ErrProviderCommunication, err)
	}
	tx := sub.latest()
	if tx == nil {
		return nil, fmt.Errorf("%w: subscription %s has no transactions", domain.ErrUnknownTransaction, sub.ID)
	}
	return tx.result(), nil
}

func (g *Gateway) VoidTransaction(ctx context.Context, _ *domain.Cart, transactionID string) (*gateway.TransactionResult, error) {
	tx, failure, err := g.transaction(ctx, http.MethodPut, "/transactions/"+url.PathEscape(transactionID)+"/void", nil)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return failure, nil
	}
	return tx.result(), nil
}

// Refund refunds a settled transaction. The result carries the refund
// transaction.
func (g *Gateway) Refund(ctx context.Context, _ *domain.Cart, transactionID string, amount decimal.Decimal) (*gateway.TransactionResult, error) {
	body := refundRequest{Amount: gateway.FormatAmount(amount)}
	tx, failure, err := g.transaction(ctx, http.MethodPost, "/transactions/"+url.PathEscape(transactionID)+"/refund", body)
	if err != nil {
		return nil, err
	}
	if failure != nil {
		return failure, nil
	}
	res := tx.result()
	res.State = domain.PaymentStateCancelled
	return res, nil
}

func (g *Gateway) subscribe(ctx context.Context, cart *domain.Cart, item *domain.LineItem, token string) (*gateway.SubscriptionResult, error) {
	if item.Recurring.PlanID == "" {
		return nil, &domain.ConfigurationError{Gateway: Name, Reason: "recurring item has no plan id"}
	}
	body := subscriptionRequest{
		ID:                 cart.ID,
		PaymentMethodToken: token,
		PlanID:             item.Recurring.PlanID,
		Price:              gateway.FormatAmount(gateway.RecurringCharge(item)),
	}
	resp, err := g.request(ctx, http.MethodPost, "/subscriptions", body)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		var apiErr apiErrorResponse
		_ = xml.Unmarshal(resp.Body(), &apiErr)
		return nil, fmt.Errorf("subscription rejected: %s", apiErr.Message)
	}
	var sub subscription
	if err := xml.Unmarshal(resp.Body(), &sub); err != nil {
		return nil, fmt.Errorf("decoding subscription: %w", err)
	}
	return sub.result(), nil
}

// transaction performs a call answered with a transaction document. A 422
// is reported as a failed result rather than an error; a 404 wraps
// domain.ErrUnknownTransaction.
func (g *Gateway) transaction(ctx context.Context, method, path string, body any) (*transaction, *gateway.TransactionResult, error) {
	resp, err := g.request(ctx, method, path, body)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrUnknownTransaction, path)
	case resp.StatusCode() == http.StatusUnprocessableEntity:
		var apiErr apiErrorResponse
		if err := xml.Unmarshal(resp.Body(), &apiErr); err != nil {
			return nil, nil, fmt.Errorf("%w: decoding error response: %v", domain.ErrProviderCommunication, err)
		}
		failure := &gateway.TransactionResult{Result: gateway.Failure("rejected", apiErr.Message)}
		if apiErr.Transaction != nil {
			failure = apiErr.Transaction.result()
			failure.Success = false
			failure.Errors = map[string]string{gateway.NonFieldErrors: apiErr.Message}
		}
		return nil, failure, nil
	case resp.IsError():
		return nil, nil, fmt.Errorf("%w: %s returned status %d", domain.ErrProviderCommunication, path, resp.StatusCode())
	}

	var tx transaction
	if err := xml.Unmarshal(resp.Body(), &tx); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding transaction: %v", domain.ErrProviderCommunication, err)
	}
	return &tx, nil, nil
}

func (g *Gateway) request(ctx context.Context, method, path string, body any) (*resty.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = xml.Marshal(body); err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", path, err)
		}
	}
	return g.client.Execute(ctx, Name, method, g.baseURL()+path, func(r *resty.Request) {
		r.SetBasicAuth(g.settings.Get("MERCHANT_KEY"), g.settings.Get("MERCHANT_PRIVATE_KEY")).
			SetHeader("X-ApiVersion", apiVersion).
			SetHeader("Accept", "application/xml")
		if payload != nil {
			r.SetHeader("Content-Type", "application/xml").SetBody(payload)
		}
	})
}

func (g *Gateway) baseURL() string {
	base := g.settings.GetDefault("API_URL", g.settings.Endpoint(liveURL, sandboxURL))
	return base + "/merchants/" + url.PathEscape(g.settings.Get("MERCHANT_ID"))
}

// sign returns "hash|data", hash being HMAC-SHA1 keyed with the SHA1 of the
// private key.
func (g *Gateway) sign(data string) string {
	return hex.EncodeToString(g.mac([]byte(data))) + "|" + data
}

func (g *Gateway) mac(message []byte) []byte {
	key := sha1.Sum([]byte(g.settings.Get("MERCHANT_PRIVATE_KEY")))
	m := hmac.New(sha1.New, key[:])
	m.Write(message)
	return m.Sum(nil)
}

// verifyRedirect checks the hash Braintree appends to the redirect query,
// computed over the query string that precedes it.
func (g *Gateway) verifyRedirect(values map[string]string) error {
	hash := values["hash"]
	if hash == "" {
		return fmt.Errorf("%w: transparent redirect hash missing", domain.ErrIntegrity)
	}
	query := "http_status=" + url.QueryEscape(values["http_status"]) +
		"&id=" + url.QueryEscape(values["id"]) +
		"&kind=" + url.QueryEscape(values["kind"])
	got, err := hex.DecodeString(hash)
	if err != nil || !hmac.Equal(got, g.mac([]byte(query))) {
		return fmt.Errorf("%w: transparent redirect hash mismatch", domain.ErrIntegrity)
	}
	return nil
}

var (
	_ gateway.Gateway    = (*Gateway)(nil)
	_ gateway.Notifier   = (*Gateway)(nil)
	_ gateway.Reconciler = (*Gateway)(nil)
	_ gateway.Refunder   = (*Gateway)(nil)
)
