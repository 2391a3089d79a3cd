package authorizenet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

// statuses maps transactionStatus values of the transaction details API.
var statuses = map[string]domain.PaymentState{
	"settledSuccessfully":        domain.PaymentStatePaid,
	"capturedPendingSettlement":  domain.PaymentStatePending,
	"authorizedPendingCapture":   domain.PaymentStatePending,
	"underReview":                domain.PaymentStatePending,
	"FDSPendingReview":           domain.PaymentStatePending,
	"FDSAuthorizedPendingReview": domain.PaymentStatePending,
	"approvedReview":             domain.PaymentStatePending,
	"communicationError":         domain.PaymentStatePending,
	"declined":                   domain.PaymentStateFailed,
	"generalError":               domain.PaymentStateFailed,
	"settlementError":            domain.PaymentStateFailed,
	"failedReview":               domain.PaymentStateFailed,
	"expired":                    domain.PaymentStateFailed,
	"voided":                     domain.PaymentStateCancelled,
	"returnedItem":               domain.PaymentStateCancelled,
	"chargeback":                 domain.PaymentStateCancelled,
}

// responseCodes maps x_response_code and transactionResponse.responseCode.
var responseCodes = map[string]domain.PaymentState{
	"1": domain.PaymentStatePaid,
	"2": domain.PaymentStateFailed,
	"3": domain.PaymentStateFailed,
	"4": domain.PaymentStatePending,
}

var bom = []byte("\xef\xbb\xbf")

type apiRequest interface {
	requestName() string
}

type merchantAuthentication struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

type authenticateTestRequest struct {
	Auth merchantAuthentication `json:"merchantAuthentication"`
}

func (authenticateTestRequest) requestName() string { return "authenticateTestRequest" }

type getTransactionDetailsRequest struct {
	Auth    merchantAuthentication `json:"merchantAuthentication"`
	TransID string                 `json:"transId"`
}

func (getTransactionDetailsRequest) requestName() string { return "getTransactionDetailsRequest" }

type createTransactionRequest struct {
	Auth        merchantAuthentication `json:"merchantAuthentication"`
	RefID       string                 `json:"refId,omitempty"`
	Transaction transactionRequest     `json:"transactionRequest"`
}

func (createTransactionRequest) requestName() string { return "createTransactionRequest" }

// Field order matters: the API validates JSON against the XML schema order.
type transactionRequest struct {
	Type       string   `json:"transactionType"`
	Amount     string   `json:"amount,omitempty"`
	Profile    *profile `json:"profile,omitempty"`
	RefTransID string   `json:"refTransId,omitempty"`
	Order      *order   `json:"order,omitempty"`
}

type profile struct {
	CustomerProfileID string         `json:"customerProfileId"`
	PaymentProfile    paymentProfile `json:"paymentProfile"`
}

type paymentProfile struct {
	ID string `json:"paymentProfileId"`
}

type order struct {
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Description   string `json:"description,omitempty"`
}

type messages struct {
	ResultCode string `json:"resultCode"`
	Message    []struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"message"`
}

func (m messages) ok() bool {
	return strings.EqualFold(m.ResultCode, "Ok")
}

func (m messages) code() string {
	if len(m.Message) == 0 {
		return ""
	}
	return m.Message[0].Code
}

func (m messages) text() string {
	if len(m.Message) == 0 {
		return m.ResultCode
	}
	return m.Message[0].Text
}

type apiResponse struct {
	Messages messages `json:"messages"`
}

type createTransactionResponse struct {
	TransactionResponse struct {
		ResponseCode string `json:"responseCode"`
		TransID      string `json:"transId"`
		Errors       []struct {
			ErrorCode string `json:"errorCode"`
			ErrorText string `json:"errorText"`
		} `json:"errors"`
	} `json:"transactionResponse"`
	Messages messages `json:"messages"`
}

type address struct {
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Address     string `json:"address"`
	City        string `json:"city"`
	State       string `json:"state"`
	Zip         string `json:"zip"`
	Country     string `json:"country"`
	PhoneNumber string `json:"phoneNumber"`
}

func (a address) domain() domain.Address {
	return domain.Address{
		FirstName:  a.FirstName,
		LastName:   a.LastName,
		Street1:    a.Address,
		City:       a.City,
		State:      a.State,
		PostalCode: a.Zip,
		Country:    a.Country,
	}
}

type transactionDetails struct {
	TransID           string          `json:"transId"`
	TransactionStatus string          `json:"transactionStatus"`
	SubmitTimeUTC     string          `json:"submitTimeUTC"`
	AuthAmount        decimal.Decimal `json:"authAmount"`
	SettleAmount      decimal.Decimal `json:"settleAmount"`
	BillTo            address         `json:"billTo"`
	ShipTo            address         `json:"shipTo"`
	Customer          struct {
		Email string `json:"email"`
	} `json:"customer"`
}

type detailsResponse struct {
	Transaction transactionDetails `json:"transaction"`
	Messages    messages           `json:"messages"`
}

func (t transactionDetails) result() *gateway.TransactionResult {
	state, ok := statuses[t.TransactionStatus]
	if !ok {
		state = domain.PaymentStatePending
	}
	amount := t.SettleAmount
	if amount.IsZero() {
		amount = t.AuthAmount
	}
	return &gateway.TransactionResult{
		Result:        gateway.Result{Success: true, Status: t.TransactionStatus, Raw: t},
		TransactionID: t.TransID,
		Amount:        amount,
		State:         state,
		ReportedAt:    parseSubmitTime(t.SubmitTimeUTC),
		Bill:          t.BillTo.domain(),
		Ship:          t.ShipTo.domain(),
		BillEmail:     t.Customer.Email,
		BillPhone:     t.BillTo.PhoneNumber,
	}
}

func parseSubmitTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// call posts one JSON API request and decodes the response into out.
func (g *Gateway) call(ctx context.Context, req apiRequest, out any) error {
	body, err := json.Marshal(map[string]apiRequest{req.requestName(): req})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", req.requestName(), err)
	}

	endpoint := g.settings.GetDefault("API_URL", g.settings.Endpoint(apiURL, apiSandboxURL))
	resp, err := g.client.Execute(ctx, Name, http.MethodPost, endpoint, func(r *resty.Request) {
		r.SetHeader("Content-Type", "application/json").SetBody(body)
	})
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s returned status %d", domain.ErrProviderCommunication, req.requestName(), resp.StatusCode())
	}

	if err := json.Unmarshal(bytes.TrimPrefix(resp.Body(), bom), out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", domain.ErrProviderCommunication, req.requestName(), err)
	}
	return nil
}
