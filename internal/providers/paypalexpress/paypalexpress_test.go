package paypalexpress

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// nvpServer answers NVP calls by METHOD and keeps the parsed requests.
type nvpServer struct {
	mu       sync.Mutex
	methods  map[string]url.Values
	requests []url.Values
}

func newNVPServer(t *testing.T, methods map[string]url.Values) (*nvpServer, string) {
	t.Helper()
	s := &nvpServer{methods: methods}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.requests = append(s.requests, r.PostForm)

		resp, ok := s.methods[r.PostForm.Get("METHOD")]
		if !ok {
			resp = url.Values{"ACK": {"Failure"}, "L_ERRORCODE0": {"81002"}, "L_LONGMESSAGE0": {"Method Specified is not Supported"}}
		}
		_, _ = io.WriteString(w, resp.Encode())
	}))
	t.Cleanup(srv.Close)
	return s, srv.URL
}

func (s *nvpServer) Requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.requests...)
}

func (s *nvpServer) Request(method string) url.Values {
	for _, r := range s.Requests() {
		if r.Get("METHOD") == method {
			return r
		}
	}
	return nil
}

func newGateway(t *testing.T, apiURL string) *Gateway {
	t.Helper()
	g, err := New(gateway.Resolve(Name, Factory().Defaults, map[string]string{
		"API_USERNAME":  "user",
		"API_PASSWORD":  "pass",
		"API_SIGNATURE": "sig",
		"RETURN_URL":    "https://shop.example.com/return",
		"CANCEL_URL":    "https://shop.example.com/cancel",
		"API_URL":       apiURL,
	}), gateway.Deps{
		Client: gateway.NewClient(http.DefaultClient, gateway.WithBreaker(100, time.Second)),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	g.now = func() time.Time { return fixedNow }
	return g
}

func oneTimeCart() *domain.Cart {
	c := &domain.Cart{
		ID:       "9d3f0a57-2222-4000-8000-000000000003",
		Currency: "USD",
		Tax:      decimal.RequireFromString("1.50"),
		Items: []domain.LineItem{
			{Name: "Tea", SKU: "T1", Quantity: 2, UnitPrice: decimal.RequireFromString("4.25")},
		},
	}
	c.RecomputeTotals()
	return c
}

func recurringCart() *domain.Cart {
	c := oneTimeCart()
	c.Items = []domain.LineItem{{
		Name:        "Tea club",
		Description: "Monthly tea",
		Quantity:    1,
		Recurring: &domain.Recurring{
			TrialPrice:     decimal.RequireFromString("1.00"),
			TrialLength:    1,
			RecurringPrice: decimal.RequireFromString("12.00"),
			Duration:       1,
			DurationUnit:   domain.DurationMonth,
			RecurringTimes: 12,
			PaymentToken:   "I-PROFILE1",
			Active:         true,
		},
	}}
	c.RecomputeTotals()
	return c
}

func TestNew(t *testing.T) {
	_, err := New(gateway.Resolve(Name, Factory().Defaults), gateway.Deps{})

	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"API_PASSWORD", "API_SIGNATURE", "API_USERNAME"}, cfgErr.Missing)
}

func TestSubmit(t *testing.T) {
	t.Run("one-time", func(t *testing.T) {
		api, base := newNVPServer(t, map[string]url.Values{
			"SetExpressCheckout": {"ACK": {"Success"}, "TOKEN": {"EC-123"}},
		})
		g := newGateway(t, base)

		res, err := g.Submit(context.Background(), oneTimeCart(), gateway.SubmitOptions{})
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, gateway.SubmitURL, res.Kind)
		assert.Equal(t, "https://www.sandbox.paypal.com/cgi-bin/webscr?cmd=_express-checkout&token=EC-123", res.RedirectURL)
		assert.Equal(t, map[string]string{SessionToken: "EC-123"}, res.SessionArgs)

		req := api.Request("SetExpressCheckout")
		require.NotNil(t, req)
		assert.Equal(t, "user", req.Get("USER"))
		assert.Equal(t, "76.0", req.Get("VERSION"))
		assert.Equal(t, "10.00", req.Get("PAYMENTREQUEST_0_AMT"))
		assert.Equal(t, "8.50", req.Get("PAYMENTREQUEST_0_ITEMAMT"))
		assert.Equal(t, "1.50", req.Get("PAYMENTREQUEST_0_TAXAMT"))
		assert.Equal(t, "2", req.Get("L_PAYMENTREQUEST_0_QTY0"))
		assert.Equal(t, "https://shop.example.com/return", req.Get("RETURNURL"))
		assert.Empty(t, req.Get("L_BILLINGTYPE0"))
	})

	t.Run("recurring", func(t *testing.T) {
		api, base := newNVPServer(t, map[string]url.Values{
			"SetExpressCheckout": {"ACK": {"Success"}, "TOKEN": {"EC-456"}},
		})
		g := newGateway(t, base)

		_, err := g.Submit(context.Background(), recurringCart(), gateway.SubmitOptions{})
		require.NoError(t, err)

		req := api.Request("SetExpressCheckout")
		assert.Equal(t, "RecurringPayments", req.Get("L_BILLINGTYPE0"))
		assert.Equal(t, "Monthly tea", req.Get("L_BILLINGAGREEMENTDESCRIPTION0"))
		assert.Equal(t, "0.00", req.Get("PAYMENTREQUEST_0_AMT"))
	})

	t.Run("api failure is a failed result", func(t *testing.T) {
		_, base := newNVPServer(t, map[string]url.Values{
			"SetExpressCheckout": {"ACK": {"Failure"}, "L_ERRORCODE0": {"10002"}, "L_LONGMESSAGE0": {"Security header is not valid"}},
		})
		g := newGateway(t, base)

		res, err := g.Submit(context.Background(), oneTimeCart(), gateway.SubmitOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "Security header is not valid", res.Errors[gateway.NonFieldErrors])
	})

	t.Run("provider down is a failed result", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		t.Cleanup(srv.Close)

		res, err := newGateway(t, srv.URL).Submit(context.Background(), oneTimeCart(), gateway.SubmitOptions{})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "unavailable", res.Status)
	})
}

func TestConfirmPayment(t *testing.T) {
	details := url.Values{
		"ACK": {"Success"}, "PAYERID": {"PAYER1"}, "EMAIL": {"buyer@example.com"},
		"FIRSTNAME": {"Ada"}, "LASTNAME": {"Lovelace"}, "SHIPTONAME": {"Ada Lovelace"},
		"SHIPTOSTREET": {"1 Main St"}, "SHIPTOCITY": {"London"}, "SHIPTOCOUNTRYCODE": {"GB"},
	}

	t.Run("one-time payment", func(t *testing.T) {
		api, base := newNVPServer(t, map[string]url.Values{
			"GetExpressCheckoutDetails": details,
			"DoExpressCheckoutPayment": {
				"ACK": {"Success"}, "PAYMENTINFO_0_TRANSACTIONID": {"8AB123"},
				"PAYMENTINFO_0_PAYMENTSTATUS": {"Completed"}, "PAYMENTINFO_0_AMT": {"10.00"},
				"PAYMENTINFO_0_ORDERTIME": {"2026-03-01T11:59:00Z"},
			},
		})
		g := newGateway(t, base)

		out, err := g.ConfirmPayment(context.Background(), oneTimeCart(), gateway.ConfirmRequest{Values: map[string]string{"token": "EC-123"}})
		require.NoError(t, err)

		tr, ok := out.(*gateway.TransactionResult)
		require.True(t, ok)
		assert.Equal(t, "8AB123", tr.TransactionID)
		assert.Equal(t, domain.PaymentStatePaid, tr.State)
		assert.Equal(t, time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC), tr.ReportedAt)
		assert.Equal(t, "1 Main St", tr.Ship.Street1)
		assert.Equal(t, "Lovelace", tr.Ship.LastName)
		assert.Equal(t, "buyer@example.com", tr.BillEmail)
		assert.Equal(t, "PAYER1", api.Request("DoExpressCheckoutPayment").Get("PAYERID"))
	})

	t.Run("pending payment", func(t *testing.T) {
		_, base := newNVPServer(t, map[string]url.Values{
			"GetExpressCheckoutDetails": details,
			"DoExpressCheckoutPayment": {
				"ACK": {"Success"}, "PAYMENTINFO_0_TRANSACTIONID": {"8AB124"},
				"PAYMENTINFO_0_PAYMENTSTATUS": {"Pending"}, "PAYMENTINFO_0_PENDINGREASON": {"echeck"},
			},
		})
		out, err := newGateway(t, base).ConfirmPayment(context.Background(), oneTimeCart(), gateway.ConfirmRequest{Values: map[string]string{"token": "EC-1"}})
		require.NoError(t, err)

		tr := out.(*gateway.TransactionResult)
		assert.Equal(t, domain.PaymentStatePending, tr.State)
		assert.Equal(t, "Pending:echeck", tr.Status)
	})

	t.Run("recurring profile", func(t *testing.T) {
		api, base := newNVPServer(t, map[string]url.Values{
			"GetExpressCheckoutDetails":      details,
			"CreateRecurringPaymentsProfile": {"ACK": {"Success"}, "PROFILEID": {"I-NEW"}, "PROFILESTATUS": {"ActiveProfile"}},
		})
		g := newGateway(t, base)

		out, err := g.ConfirmPayment(context.Background(), recurringCart(), gateway.ConfirmRequest{Values: map[string]string{"token": "EC-9", "PayerID": "P9"}})
		require.NoError(t, err)

		sub, ok := out.(*gateway.SubscriptionResult)
		require.True(t, ok)
		assert.True(t, sub.Active)
		assert.Equal(t, "I-NEW", sub.SubscriptionID)

		req := api.Request("CreateRecurringPaymentsProfile")
		assert.Equal(t, "P9", req.Get("PAYERID"))
		assert.Equal(t, "12.00", req.Get("AMT"))
		assert.Equal(t, "Month", req.Get("BILLINGPERIOD"))
		assert.Equal(t, "1.00", req.Get("TRIALAMT"))
		assert.Equal(t, "12", req.Get("TOTALBILLINGCYCLES"))
		assert.Equal(t, "2026-03-01T12:00:00Z", req.Get("PROFILESTARTDATE"))
		assert.Nil(t, api.Request("DoExpressCheckoutPayment"))
	})

	t.Run("missing token", func(t *testing.T) {
		out, err := newGateway(t, "http://unused").ConfirmPayment(context.Background(), oneTimeCart(), gateway.ConfirmRequest{})
		require.NoError(t, err)
		assert.False(t, out.(*gateway.TransactionResult).Success)
	})
}

func TestFindTransaction(t *testing.T) {
	api, base := newNVPServer(t, map[string]url.Values{
		"GetTransactionDetails": {"ACK": {"Success"}, "TRANSACTIONID": {"8AB123"}, "PAYMENTSTATUS": {"Refunded"}, "AMT": {"10.00"}},
		"TransactionSearch": {
			"ACK": {"Success"}, "L_TRANSACTIONID0": {"9NEW"}, "L_STATUS0": {"Completed"}, "L_AMT0": {"12.00"},
			"L_TIMESTAMP0": {"2026-02-28T09:00:00Z"}, "L_TRANSACTIONID1": {"9OLD"},
		},
	})
	g := newGateway(t, base)

	res, err := g.FindTransaction(context.Background(), oneTimeCart(), "8AB123")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStateCancelled, res.State)

	latest, err := g.FindTransaction(context.Background(), recurringCart(), "")
	require.NoError(t, err)
	assert.Equal(t, "9NEW", latest.TransactionID)
	assert.Equal(t, domain.PaymentStatePaid, latest.State)
	assert.Equal(t, "I-PROFILE1", api.Request("TransactionSearch").Get("PROFILEID"))

	_, err = g.FindTransaction(context.Background(), oneTimeCart(), "")
	assert.ErrorIs(t, err, domain.ErrUnknownTransaction)
}

func TestFindTransaction_Unknown(t *testing.T) {
	_, base := newNVPServer(t, map[string]url.Values{
		"GetTransactionDetails": {"ACK": {"Failure"}, "L_ERRORCODE0": {"10004"}, "L_LONGMESSAGE0": {"Transaction id is invalid."}},
	})
	_, err := newGateway(t, base).FindTransaction(context.Background(), oneTimeCart(), "bogus")
	assert.ErrorIs(t, err, domain.ErrUnknownTransaction)
}

func TestVoidCancelRefund(t *testing.T) {
	api, base := newNVPServer(t, map[string]url.Values{
		"DoVoid":                               {"ACK": {"Success"}, "AUTHORIZATIONID": {"8AB123"}},
		"ManageRecurringPaymentsProfileStatus": {"ACK": {"Success"}, "PROFILEID": {"I-PROFILE1"}},
		"RefundTransaction":                    {"ACK": {"Success"}, "REFUNDTRANSACTIONID": {"RF1"}, "GROSSREFUNDAMT": {"4.00"}, "REFUNDSTATUS": {"Instant"}},
	})
	g := newGateway(t, base)

	voided, err := g.VoidTransaction(context.Background(), oneTimeCart(), "8AB123")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStateCancelled, voided.State)

	cancelled, err := g.CancelRecurring(context.Background(), recurringCart())
	require.NoError(t, err)
	assert.True(t, cancelled.Success)
	assert.False(t, cancelled.Active)
	assert.Equal(t, "Cancel", api.Request("ManageRecurringPaymentsProfileStatus").Get("ACTION"))

	none, err := g.CancelRecurring(context.Background(), oneTimeCart())
	assert.NoError(t, err)
	assert.Nil(t, none)

	cart := oneTimeCart()
	cart.Payments = []domain.Payment{{TransactionID: "8AB123", Amount: decimal.RequireFromString("10.00"), State: domain.PaymentStatePaid}}
	refund, err := g.Refund(context.Background(), cart, "8AB123", decimal.RequireFromString("4.00"))
	require.NoError(t, err)
	assert.Equal(t, "RF1", refund.TransactionID)
	req := api.Request("RefundTransaction")
	assert.Equal(t, "Partial", req.Get("REFUNDTYPE"))
	assert.Equal(t, "4.00", req.Get("AMT"))
}

func TestIsValid(t *testing.T) {
	_, base := newNVPServer(t, map[string]url.Values{
		"GetBalance": {"ACK": {"Failure"}, "L_ERRORCODE0": {"10002"}, "L_LONGMESSAGE0": {"Security header is not valid"}},
	})
	err := newGateway(t, base).IsValid(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Security header is not valid")
}
