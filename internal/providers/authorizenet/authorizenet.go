// Package authorizenet integrates Authorize.Net: SIM hosted form submission,
// relay response notifications, and the JSON transaction API for
// confirmation, reconciliation and stored-profile recurring charges.
package authorizenet

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

const Name = "authorizenet"

const (
	postURL        = "https://secure.authorize.net/gateway/transact.dll"
	postTestURL    = "https://test.authorize.net/gateway/transact.dll"
	apiURL         = "https://api.authorize.net/xml/v1/request.api"
	apiSandboxURL  = "https://apitest.authorize.net/xml/v1/request.api"
	relayFieldCart = "cart_id"
	relayFieldBack = "return_url"
)

var fields = gateway.NewFieldMap(map[string]string{
	gateway.FieldCardNumber:     "x_card_num",
	gateway.FieldCardCVV:        "x_card_code",
	gateway.FieldCardExpiry:     "x_exp_date",
	gateway.FieldEmail:          "x_email",
	gateway.FieldPhone:          "x_phone",
	gateway.FieldBillFirstName:  "x_first_name",
	gateway.FieldBillLastName:   "x_last_name",
	gateway.FieldBillStreet1:    "x_address",
	gateway.FieldBillCity:       "x_city",
	gateway.FieldBillState:      "x_state",
	gateway.FieldBillPostalCode: "x_zip",
	gateway.FieldBillCountry:    "x_country",
	gateway.FieldShipFirstName:  "x_ship_to_first_name",
	gateway.FieldShipLastName:   "x_ship_to_last_name",
	gateway.FieldShipStreet1:    "x_ship_to_address",
	gateway.FieldShipCity:       "x_ship_to_city",
	gateway.FieldShipState:      "x_ship_to_state",
	gateway.FieldShipPostalCode: "x_ship_to_zip",
	gateway.FieldShipCountry:    "x_ship_to_country",
})

// Gateway talks to Authorize.Net on behalf of one merchant account.
type Gateway struct {
	settings     gateway.Settings
	client       *gateway.Client
	logger       *slog.Logger
	signatureKey []byte
	now          func() time.Time
}

func Factory() gateway.Factory {
	return gateway.Factory{
		Defaults: map[string]string{"LIVE": "false"},
		New: func(s gateway.Settings, deps gateway.Deps) (gateway.Gateway, error) {
			return New(s, deps)
		},
	}
}

func New(s gateway.Settings, deps gateway.Deps) (*Gateway, error) {
	if err := s.Require("MERCHANT_ID", "MERCHANT_KEY", "MERCHANT_PRIVATE_KEY"); err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(s.Get("MERCHANT_PRIVATE_KEY"))
	if err != nil {
		return nil, &domain.ConfigurationError{Gateway: s.Gateway(), Reason: "MERCHANT_PRIVATE_KEY must be a hex encoded signature key"}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		settings:     s,
		client:       deps.Client,
		logger:       logger.With("gateway", Name),
		signatureKey: key,
		now:          time.Now,
	}, nil
}

func (g *Gateway) Name() string { return Name }

// IsValid checks the API credentials with authenticateTestRequest.
func (g *Gateway) IsValid(ctx context.Context) error {
	var resp apiResponse
	if err := g.call(ctx, authenticateTestRequest{Auth: g.auth()}, &resp); err != nil {
		return err
	}
	if !resp.Messages.ok() {
		return fmt.Errorf("credentials rejected: %s", resp.Messages.text())
	}
	return nil
}

// Submit builds the hosted payment form. The shopper posts it straight to
// Authorize.Net, which relays the result to IPN_URL.
func (g *Gateway) Submit(_ context.Context, cart *domain.Cart, opts gateway.SubmitOptions) (*gateway.SubmitResult, error) {
	ts := strconv.FormatInt(g.now().Unix(), 10)
	seq := strconv.Itoa(rand.IntN(90000) + 10000)
	amount := gateway.FormatAmount(cart.Total)
	login := g.settings.Get("MERCHANT_ID")

	form := fields.ToProvider(gateway.CartContact(cart))
	for k, v := range fields.ToProvider(opts.Values) {
		form[k] = v
	}
	for _, k := range []string{fieldCustomerProfile, fieldPaymentProfile} {
		if v := opts.Values[k]; v != "" {
			form[k] = v
		}
	}
	returnURL := opts.ReturnURL
	if returnURL == "" {
		returnURL = g.settings.Get("RETURN_URL")
	}

	form["x_login"] = login
	form["x_amount"] = amount
	form["x_fp_sequence"] = seq
	form["x_fp_timestamp"] = ts
	form["x_fp_hash"] = fingerprint(g.settings.Get("MERCHANT_KEY"), login, seq, ts, amount)
	form["x_relay_url"] = g.settings.Get("IPN_URL")
	form["x_relay_response"] = "TRUE"
	form["x_method"] = "CC"
	form["x_type"] = "AUTH_CAPTURE"
	form["x_version"] = "3.1"
	form["x_invoice_num"] = invoiceNumber(cart)
	form[relayFieldCart] = cart.ID
	form[relayFieldBack] = returnURL
	if !g.settings.Live() {
		form["x_test_request"] = "TRUE"
	}

	return &gateway.SubmitResult{
		Result:     gateway.Result{Success: true, Status: "form"},
		Kind:       gateway.SubmitForm,
		PostTarget: g.settings.GetDefault("POST_URL", g.settings.Endpoint(postURL, postTestURL)),
		Fields:     form,
	}, nil
}

// ConfirmPayment looks up the transaction the relay response redirected
// back with.
func (g *Gateway) ConfirmPayment(ctx context.Context, cart *domain.Cart, req gateway.ConfirmRequest) (gateway.Outcome, error) {
	txID := req.Values["x_trans_id"]
	if txID == "" {
		res := gateway.Failure("missing_transaction", "no transaction id returned by provider")
		return &gateway.TransactionResult{Result: res}, nil
	}
	res, err := g.FindTransaction(ctx, cart, txID)
	if err != nil {
		return &gateway.TransactionResult{Result: gateway.Failure("unavailable", err.Error())}, nil
	}
	return res, nil
}

// CancelRecurring deactivates the stored-profile subscription. Recurring
// charges are initiated locally, so there is nothing to cancel remotely.
func (g *Gateway) CancelRecurring(_ context.Context, cart *domain.Cart) (*gateway.SubscriptionResult, error) {
	item := cart.RecurringItem()
	if item == nil {
		return nil, nil
	}
	return &gateway.SubscriptionResult{
		Result:         gateway.Result{Success: true, Status: "cancelled"},
		SubscriptionID: item.Recurring.PaymentToken,
		Active:         false,
	}, nil
}

// ChargeRecurring charges the next period against the customer payment
// profile stored as "customerProfileId/paymentProfileId" in the item's
// payment token.
func (g *Gateway) ChargeRecurring(ctx context.Context, cart *domain.Cart, grace time.Duration) (*gateway.TransactionResult, error) {
	item := cart.RecurringItem()
	if item == nil || !item.Recurring.Expired(g.now(), grace) {
		return nil, nil
	}
	customer, payment, ok := strings.Cut(item.Recurring.PaymentToken, "/")
	if !ok || customer == "" || payment == "" {
		return nil, &domain.ConfigurationError{Gateway: Name, Reason: fmt.Sprintf("cart %s has no stored payment profile", cart.ID)}
	}

	req := createTransactionRequest{
		Auth:  g.auth(),
		RefID: refID(cart),
		Transaction: transactionRequest{
			Type:   "authCaptureTransaction",
			Amount: gateway.FormatAmount(gateway.RecurringCharge(item)),
			Profile: &profile{
				CustomerProfileID: customer,
				PaymentProfile:    paymentProfile{ID: payment},
			},
			Order: &order{InvoiceNumber: invoiceNumber(cart), Description: item.Name},
		},
	}
	return g.transact(ctx, req, domain.PaymentStatePaid)
}

func (g *Gateway) FindTransaction(ctx context.Context, _ *domain.Cart, transactionID string) (*gateway.TransactionResult, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("%w: authorizenet needs an explicit transaction id", domain.ErrUnknownTransaction)
	}
	var resp detailsResponse
	err := g.call(ctx, getTransactionDetailsRequest{Auth: g.auth(), TransID: transactionID}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Messages.ok() {
		if resp.Messages.code() == "E00040" {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTransaction, transactionID)
		}
		return &gateway.TransactionResult{
			Result:        gateway.Failure(resp.Messages.code(), resp.Messages.text()),
			TransactionID: transactionID,
			State:         domain.PaymentStatePending,
		}, nil
	}
	return resp.Transaction.result(), nil
}

func (g *Gateway) VoidTransaction(ctx context.Context, cart *domain.Cart, transactionID string) (*gateway.TransactionResult, error) {
	req := createTransactionRequest{
		Auth:  g.auth(),
		RefID: refID(cart),
		Transaction: transactionRequest{
			Type:       "voidTransaction",
			RefTransID: transactionID,
		},
	}
	res, err := g.transact(ctx, req, domain.PaymentStateCancelled)
	if err != nil {
		return nil, err
	}
	if res.TransactionID == "" {
		res.TransactionID = transactionID
	}
	return res, nil
}

func (g *Gateway) transact(ctx context.Context, req createTransactionRequest, approved domain.PaymentState) (*gateway.TransactionResult, error) {
	var resp createTransactionResponse
	if err := g.call(ctx, req, &resp); err != nil {
		return nil, err
	}
	tr := resp.TransactionResponse
	state, ok := responseCodes[tr.ResponseCode]
	if !ok {
		state = domain.PaymentStateFailed
	}
	if state == domain.PaymentStatePaid {
		state = approved
	}

	res := &gateway.TransactionResult{
		Result:        gateway.Result{Success: state != domain.PaymentStateFailed, Status: tr.ResponseCode, Raw: resp},
		TransactionID: tr.TransID,
		Amount:        decimalOrZero(req.Transaction.Amount),
		State:         state,
		ReportedAt:    g.now().UTC(),
	}
	if tr.TransID == "0" {
		res.TransactionID = ""
	}
	if !res.Success {
		msg := resp.Messages.text()
		if len(tr.Errors) > 0 {
			msg = tr.Errors[0].ErrorText
		}
		res.Errors = map[string]string{gateway.NonFieldErrors: msg}
	}
	return res, nil
}

func (g *Gateway) auth() merchantAuthentication {
	return merchantAuthentication{
		Name:           g.settings.Get("MERCHANT_ID"),
		TransactionKey: g.settings.Get("MERCHANT_KEY"),
	}
}

// fingerprint is the SIM x_fp_hash: HMAC-MD5 keyed with the transaction key.
func fingerprint(key, login, seq, ts, amount string) string {
	mac := hmac.New(md5.New, []byte(key))
	fmt.Fprintf(mac, "%s^%s^%s^%s^", login, seq, ts, amount)
	return hex.EncodeToString(mac.Sum(nil))
}

func invoiceNumber(cart *domain.Cart) string {
	id := strings.ReplaceAll(cart.ID, "-", "")
	if len(id) > 20 {
		id = id[:20]
	}
	return id
}

func refID(cart *domain.Cart) string {
	return invoiceNumber(cart)
}

var (
	_ gateway.Gateway    = (*Gateway)(nil)
	_ gateway.Notifier   = (*Gateway)(nil)
	_ gateway.Reconciler = (*Gateway)(nil)
)
