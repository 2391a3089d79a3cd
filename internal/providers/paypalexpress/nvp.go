package paypalexpress

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

// statuses maps PAYMENTSTATUS values.
var statuses = map[string]domain.PaymentState{
	"Completed":            domain.PaymentStatePaid,
	"Canceled-Reversal":    domain.PaymentStatePaid,
	"Partially-Refunded":   domain.PaymentStatePaid,
	"None":                 domain.PaymentStatePending,
	"Pending":              domain.PaymentStatePending,
	"In-Progress":          domain.PaymentStatePending,
	"Processed":            domain.PaymentStatePending,
	"Completed-Funds-Held": domain.PaymentStatePending,
	"Denied":               domain.PaymentStateFailed,
	"Failed":               domain.PaymentStateFailed,
	"Expired":              domain.PaymentStateFailed,
	"Voided":               domain.PaymentStateCancelled,
	"Refunded":             domain.PaymentStateCancelled,
	"Reversed":             domain.PaymentStateCancelled,
}

var billingPeriods = map[domain.DurationUnit]string{
	domain.DurationDay:   "Day",
	domain.DurationWeek:  "Week",
	domain.DurationMonth: "Month",
	domain.DurationYear:  "Year",
}

// Error codes meaning the transaction does not exist.
var unknownTransactionCodes = map[string]bool{
	"10004": true,
	"10007": true,
}

// APIError is an NVP response whose ACK was not a success.
type APIError struct {
	Method  string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: %s (%s)", e.Method, e.Message, e.Code)
}

func (e *APIError) result() gateway.Result {
	return gateway.Failure(e.Code, e.Message)
}

// NVP calls the PayPal Name-Value Pair API with the API_* credentials of
// settings. Both PayPal gateways share it.
type NVP struct {
	provider string
	settings gateway.Settings
	client   *gateway.Client
}

func NewNVP(provider string, s gateway.Settings, client *gateway.Client) *NVP {
	return &NVP{provider: provider, settings: s, client: client}
}

// Call runs one NVP method. A transport failure wraps
// domain.ErrProviderCommunication; a non-success ACK is an *APIError.
func (n *NVP) Call(ctx context.Context, method string, params url.Values) (url.Values, error) {
	if err := n.settings.Require("API_USERNAME", "API_PASSWORD", "API_SIGNATURE"); err != nil {
		return nil, err
	}
	form := map[string]string{
		"METHOD":    method,
		"USER":      n.settings.Get("API_USERNAME"),
		"PWD":       n.settings.Get("API_PASSWORD"),
		"SIGNATURE": n.settings.Get("API_SIGNATURE"),
		"VERSION":   n.settings.GetDefault("API_VERSION", "76.0"),
	}
	for k := range params {
		form[k] = params.Get(k)
	}

	endpoint := n.settings.GetDefault("API_URL", n.settings.Endpoint(nvpURL, nvpSandboxURL))
	resp, err := n.client.PostForm(ctx, n.provider, endpoint, form)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s returned status %d", domain.ErrProviderCommunication, method, resp.StatusCode())
	}

	values, err := url.ParseQuery(string(resp.Body()))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s response: %v", domain.ErrProviderCommunication, method, err)
	}
	switch values.Get("ACK") {
	case "Success", "SuccessWithWarning":
		return values, nil
	}
	return values, &APIError{Method: method, Code: values.Get("L_ERRORCODE0"), Message: values.Get("L_LONGMESSAGE0")}
}

// TransactionDetails reads one transaction with GetTransactionDetails.
func (n *NVP) TransactionDetails(ctx context.Context, transactionID string) (*gateway.TransactionResult, error) {
	resp, err := n.Call(ctx, "GetTransactionDetails", url.Values{"TRANSACTIONID": {transactionID}})
	if err != nil {
		return nil, LookupError(err, transactionID)
	}
	res := TransactionResult(resp, "")
	if res.TransactionID == "" {
		res.TransactionID = transactionID
	}
	res.Bill, res.Ship, res.BillEmail, res.BillPhone = Payer(resp)
	return res, nil
}

// LatestProfileTransaction returns the newest transaction billed under
// profileID since the given time.
func (n *NVP) LatestProfileTransaction(ctx context.Context, profileID string, since time.Time) (*gateway.TransactionResult, error) {
	resp, err := n.Call(ctx, "TransactionSearch", url.Values{
		"STARTDATE": {since.UTC().Format(time.RFC3339)},
		"PROFILEID": {profileID},
	})
	if err != nil {
		return nil, LookupError(err, profileID)
	}

	// Results are listed newest first.
	txID := resp.Get("L_TRANSACTIONID0")
	if txID == "" {
		return nil, fmt.Errorf("%w: no transactions under profile %s", domain.ErrUnknownTransaction, profileID)
	}
	status := resp.Get("L_STATUS0")
	state, ok := statuses[status]
	if !ok {
		state = domain.PaymentStatePending
	}
	amount, err := decimal.NewFromString(resp.Get("L_AMT0"))
	if err != nil {
		amount = decimal.Zero
	}
	return &gateway.TransactionResult{
		Result:        gateway.Result{Success: state != domain.PaymentStateFailed, Status: status, Raw: resp},
		TransactionID: txID,
		Amount:        amount,
		State:         state,
		ReportedAt:    parseTime(resp.Get("L_TIMESTAMP0")),
	}, nil
}

// Void voids an authorization with DoVoid. Provider declines come back as a
// failed result.
func (n *NVP) Void(ctx context.Context, transactionID string, now time.Time) (*gateway.TransactionResult, error) {
	resp, err := n.Call(ctx, "DoVoid", url.Values{"AUTHORIZATIONID": {transactionID}})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return &gateway.TransactionResult{Result: apiErr.result(), TransactionID: transactionID}, nil
		}
		return nil, err
	}
	return &gateway.TransactionResult{
		Result:        gateway.Result{Success: true, Status: "Voided", Raw: resp},
		TransactionID: transactionID,
		State:         domain.PaymentStateCancelled,
		ReportedAt:    now.UTC(),
	}, nil
}

// Refund issues a full refund when amount matches the recorded payment and
// a partial one otherwise.
func (n *NVP) Refund(ctx context.Context, cart *domain.Cart, currency, transactionID string, amount decimal.Decimal, now time.Time) (*gateway.TransactionResult, error) {
	p := url.Values{"TRANSACTIONID": {transactionID}, "REFUNDTYPE": {"Full"}}
	for _, payment := range cart.Payments {
		if payment.TransactionID == transactionID && !amount.Equal(payment.Amount) {
			p.Set("REFUNDTYPE", "Partial")
			p.Set("AMT", gateway.FormatAmount(amount))
			p.Set("CURRENCYCODE", currency)
		}
	}

	resp, err := n.Call(ctx, "RefundTransaction", p)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return &gateway.TransactionResult{Result: apiErr.result(), TransactionID: transactionID}, nil
		}
		return nil, err
	}
	gross, err := decimal.NewFromString(resp.Get("GROSSREFUNDAMT"))
	if err != nil {
		gross = amount
	}
	return &gateway.TransactionResult{
		Result:        gateway.Result{Success: true, Status: resp.Get("REFUNDSTATUS"), Raw: resp},
		TransactionID: resp.Get("REFUNDTRANSACTIONID"),
		Amount:        gross,
		State:         domain.PaymentStateCancelled,
		ReportedAt:    now.UTC(),
	}, nil
}

// LookupError maps the "no such transaction" error codes onto
// domain.ErrUnknownTransaction.
func LookupError(err error, id string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && unknownTransactionCodes[apiErr.Code] {
		return fmt.Errorf("%w: %s", domain.ErrUnknownTransaction, id)
	}
	return err
}

// Failure turns a call error into a failed Result.
func Failure(err error) gateway.Result {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.result()
	}
	return gateway.Failure("unavailable", err.Error())
}

// TransactionResult builds a result from fields sharing prefix, e.g.
// "PAYMENTINFO_0_" or "" for GetTransactionDetails.
func TransactionResult(values url.Values, prefix string) *gateway.TransactionResult {
	status := values.Get(prefix + "PAYMENTSTATUS")
	state, ok := statuses[status]
	if !ok {
		state = domain.PaymentStatePending
	}
	amount, err := decimal.NewFromString(values.Get(prefix + "AMT"))
	if err != nil {
		amount = decimal.Zero
	}
	res := &gateway.TransactionResult{
		Result:        gateway.Result{Success: state != domain.PaymentStateFailed, Status: status, Raw: values},
		TransactionID: values.Get(prefix + "TRANSACTIONID"),
		Amount:        amount,
		State:         state,
		ReportedAt:    parseTime(values.Get(prefix + "ORDERTIME")),
	}
	if reason := values.Get(prefix + "PENDINGREASON"); state == domain.PaymentStatePending && reason != "" && reason != "none" {
		res.Status = status + ":" + reason
	}
	return res
}

// Payer extracts the payer and shipping details of GetExpressCheckoutDetails
// or GetTransactionDetails.
func Payer(values url.Values) (bill, ship domain.Address, email, phone string) {
	first, last := values.Get("FIRSTNAME"), values.Get("LASTNAME")
	bill = domain.Address{FirstName: first, LastName: last, Country: values.Get("COUNTRYCODE")}

	shipFirst, shipLast := first, last
	if name := values.Get("SHIPTONAME"); name != "" {
		shipFirst, shipLast, _ = strings.Cut(name, " ")
	}
	ship = domain.Address{
		FirstName:  shipFirst,
		LastName:   shipLast,
		Street1:    values.Get("SHIPTOSTREET"),
		Street2:    values.Get("SHIPTOSTREET2"),
		City:       values.Get("SHIPTOCITY"),
		State:      values.Get("SHIPTOSTATE"),
		PostalCode: values.Get("SHIPTOZIP"),
		Country:    values.Get("SHIPTOCOUNTRYCODE"),
	}
	return bill, ship, values.Get("EMAIL"), values.Get("PHONENUM")
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
