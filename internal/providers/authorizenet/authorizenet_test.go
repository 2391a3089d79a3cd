package authorizenet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
)

const signatureKeyHex = "0a1b2c3d4e5f60718293a4b5c6d7e8f9"

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newGateway(t *testing.T, apiURL string) *Gateway {
	t.Helper()
	settings := gateway.Resolve(Name, Factory().Defaults, map[string]string{
		"MERCHANT_ID":          "login1",
		"MERCHANT_KEY":         "txnkey1",
		"MERCHANT_PRIVATE_KEY": signatureKeyHex,
		"IPN_URL":              "https://shop.example.com/notifications/authorizenet",
		"RETURN_URL":           "https://shop.example.com/thanks",
		"API_URL":              apiURL,
	})
	g, err := New(settings, gateway.Deps{
		Client: gateway.NewClient(http.DefaultClient),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	g.now = func() time.Time { return fixedNow }
	return g
}

func testCart() *domain.Cart {
	return &domain.Cart{
		ID:    "6f1c2d3e-0000-4000-8000-000000000001",
		Total: decimal.RequireFromString("10.00"),
		Bill:  domain.Address{FirstName: "Ada", City: "London"},
		Items: []domain.LineItem{{Name: "Book", Quantity: 1, UnitPrice: decimal.RequireFromString("10.00")}},
	}
}

func signedNotification(t *testing.T, txID, amount string) gateway.Notification {
	t.Helper()
	key, err := hex.DecodeString(signatureKeyHex)
	require.NoError(t, err)
	return gateway.Notification{
		Fields: map[string]string{
			"x_trans_id":           txID,
			"x_amount":             amount,
			"x_response_code":      "1",
			"x_SHA2_Hash":          strings.ToUpper(hex.EncodeToString(relayHash(key, "login1", txID, "10.00"))),
			"x_first_name":         "Grace",
			"x_city":               "Arlington",
			"x_ship_to_first_name": "Alan",
			"x_email":              "grace@example.com",
			"cart_id":              "6f1c2d3e-0000-4000-8000-000000000001",
			"return_url":           "https://shop.example.com/thanks?step=done",
		},
		ReceivedAt: fixedNow,
	}
}

func TestNew(t *testing.T) {
	t.Run("missing settings are all reported", func(t *testing.T) {
		_, err := New(gateway.Resolve(Name, map[string]string{"MERCHANT_ID": "x"}), gateway.Deps{})

		var cfgErr *domain.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, []string{"MERCHANT_KEY", "MERCHANT_PRIVATE_KEY"}, cfgErr.Missing)
	})

	t.Run("signature key must be hex", func(t *testing.T) {
		_, err := New(gateway.Resolve(Name, map[string]string{
			"MERCHANT_ID": "x", "MERCHANT_KEY": "y", "MERCHANT_PRIVATE_KEY": "not-hex",
		}), gateway.Deps{})

		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestSubmit(t *testing.T) {
	g := newGateway(t, "")

	res, err := g.Submit(context.Background(), testCart(), gateway.SubmitOptions{
		Values: map[string]string{fieldCustomerProfile: "111", fieldPaymentProfile: "222"},
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, gateway.SubmitForm, res.Kind)
	assert.Equal(t, postTestURL, res.PostTarget)

	f := res.Fields
	assert.Equal(t, "login1", f["x_login"])
	assert.Equal(t, "10.00", f["x_amount"])
	assert.Equal(t, "TRUE", f["x_test_request"])
	assert.Equal(t, "https://shop.example.com/thanks", f["return_url"])
	assert.Equal(t, "Ada", f["x_first_name"])
	assert.Equal(t, "111", f[fieldCustomerProfile])
	assert.Equal(t, fingerprint("txnkey1", "login1", f["x_fp_sequence"], f["x_fp_timestamp"], "10.00"), f["x_fp_hash"])
	assert.Equal(t, "1772366400", f["x_fp_timestamp"])
}

func TestAuthenticate(t *testing.T) {
	g := newGateway(t, "")
	cart := testCart()

	t.Run("valid relay", func(t *testing.T) {
		assert.NoError(t, g.Authenticate(cart, signedNotification(t, "60001", "10.00")))
	})

	t.Run("tampered amount", func(t *testing.T) {
		err := g.Authenticate(cart, signedNotification(t, "60001", "0.01"))
		assert.ErrorIs(t, err, domain.ErrIntegrity)
	})

	t.Run("hash for another transaction", func(t *testing.T) {
		n := signedNotification(t, "60001", "10.00")
		n.Fields["x_trans_id"] = "60002"
		assert.ErrorIs(t, g.Authenticate(cart, n), domain.ErrIntegrity)
	})

	t.Run("cart total differs from signed amount", func(t *testing.T) {
		other := testCart()
		other.Total = decimal.RequireFromString("99.00")
		assert.ErrorIs(t, g.Authenticate(other, signedNotification(t, "60001", "10.00")), domain.ErrIntegrity)
	})

	t.Run("missing hash", func(t *testing.T) {
		n := signedNotification(t, "60001", "10.00")
		delete(n.Fields, "x_SHA2_Hash")
		assert.ErrorIs(t, g.Authenticate(cart, n), domain.ErrIntegrity)
	})
}

func TestClassify(t *testing.T) {
	g := newGateway(t, "")

	t.Run("approved", func(t *testing.T) {
		out, err := g.Classify(signedNotification(t, "60001", "10.00"))
		require.NoError(t, err)

		tr, ok := out.(*gateway.TransactionResult)
		require.True(t, ok)
		assert.Equal(t, "60001", tr.TransactionID)
		assert.Equal(t, domain.PaymentStatePaid, tr.State)
		assert.True(t, tr.Amount.Equal(decimal.RequireFromString("10.00")))
		assert.Equal(t, "Grace", tr.Bill.FirstName)
		assert.Equal(t, "Arlington", tr.Bill.City)
		assert.Equal(t, "Alan", tr.Ship.FirstName)
		assert.Equal(t, "grace@example.com", tr.BillEmail)
		assert.Equal(t, fixedNow, tr.ReportedAt)
	})

	t.Run("declined", func(t *testing.T) {
		n := signedNotification(t, "60001", "10.00")
		n.Fields["x_response_code"] = "2"
		n.Fields["x_response_reason_text"] = "This transaction has been declined."

		out, err := g.Classify(n)
		require.NoError(t, err)
		tr := out.(*gateway.TransactionResult)
		assert.Equal(t, domain.PaymentStateFailed, tr.State)
		assert.False(t, tr.Success)
		assert.Equal(t, "This transaction has been declined.", tr.Errors[gateway.NonFieldErrors])
	})

	t.Run("stored profile binds subscription", func(t *testing.T) {
		n := signedNotification(t, "60001", "10.00")
		n.Fields[fieldCustomerProfile] = "111"
		n.Fields[fieldPaymentProfile] = "222"

		out, err := g.Classify(n)
		require.NoError(t, err)
		sub, ok := out.(*gateway.SubscriptionResult)
		require.True(t, ok)
		assert.Equal(t, "111/222", sub.SubscriptionID)
		assert.True(t, sub.Active)
		assert.Equal(t, "60001", sub.Transaction.TransactionID)
	})

	t.Run("unknown response code", func(t *testing.T) {
		n := signedNotification(t, "60001", "10.00")
		n.Fields["x_response_code"] = "9"
		_, err := g.Classify(n)
		assert.Error(t, err)
	})
}

func TestAcknowledge(t *testing.T) {
	g := newGateway(t, "")

	ack := g.Acknowledge(signedNotification(t, "60001", "10.00"))

	assert.Equal(t, http.StatusOK, ack.Status)
	assert.Contains(t, ack.ContentType, "text/html")
	assert.Contains(t, ack.Body, "https://shop.example.com/thanks?cart_id=6f1c2d3e-0000-4000-8000-000000000001&amp;step=done&amp;x_trans_id=60001")
}

func TestAcknowledge_IgnoresForeignReturnURL(t *testing.T) {
	g := newGateway(t, "")

	for _, back := range []string{
		"https://evil.example.net/phish",
		"http://shop.example.com/thanks",
		"javascript:alert(1)",
		"//evil.example.net/x",
	} {
		t.Run(back, func(t *testing.T) {
			n := signedNotification(t, "60001", "10.00")
			n.Fields["return_url"] = back

			ack := g.Acknowledge(n)

			assert.NotContains(t, ack.Body, "evil.example.net")
			assert.NotContains(t, ack.Body, "javascript:")
			assert.Contains(t, ack.Body, `url=https://shop.example.com/thanks?cart_id=6f1c2d3e-0000-4000-8000-000000000001&amp;x_trans_id=60001"`)
		})
	}
}

// apiServer answers JSON API calls with a BOM-prefixed body, the way the
// real endpoint does, and records the request names it saw.
func apiServer(t *testing.T, handle func(name string, body map[string]json.RawMessage) (int, string)) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envelope map[string]map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for name, body := range envelope {
			mu.Lock()
			seen = append(seen, name)
			status, resp := handle(name, body)
			mu.Unlock()
			w.WriteHeader(status)
			_, _ = w.Write(append([]byte("\xef\xbb\xbf"), resp...))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
}

func TestFindTransaction(t *testing.T) {
	srv, seen := apiServer(t, func(name string, body map[string]json.RawMessage) (int, string) {
		var id string
		_ = json.Unmarshal(body["transId"], &id)
		if id == "missing" {
			return http.StatusOK, `{"messages":{"resultCode":"Error","message":[{"code":"E00040","text":"The record cannot be found."}]}}`
		}
		return http.StatusOK, `{"transaction":{"transId":"` + id + `","transactionStatus":"settledSuccessfully",
			"submitTimeUTC":"2026-03-01T10:00:00.5Z","authAmount":10.00,"settleAmount":10.00,
			"billTo":{"firstName":"Grace","city":"Arlington"},"customer":{"email":"grace@example.com"}},
			"messages":{"resultCode":"Ok","message":[{"code":"I00001","text":"Successful."}]}}`
	})
	g := newGateway(t, srv.URL)

	t.Run("settled", func(t *testing.T) {
		res, err := g.FindTransaction(context.Background(), testCart(), "60001")
		require.NoError(t, err)

		assert.Equal(t, domain.PaymentStatePaid, res.State)
		assert.Equal(t, "60001", res.TransactionID)
		assert.True(t, res.Amount.Equal(decimal.RequireFromString("10")))
		assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 500000000, time.UTC), res.ReportedAt)
		assert.Equal(t, "Grace", res.Bill.FirstName)
		assert.Equal(t, []string{"getTransactionDetailsRequest"}, seen())
	})

	t.Run("unknown transaction", func(t *testing.T) {
		_, err := g.FindTransaction(context.Background(), testCart(), "missing")
		assert.ErrorIs(t, err, domain.ErrUnknownTransaction)
	})

	t.Run("empty id", func(t *testing.T) {
		_, err := g.FindTransaction(context.Background(), testCart(), "")
		assert.ErrorIs(t, err, domain.ErrUnknownTransaction)
	})
}

func TestConfirmPayment(t *testing.T) {
	srv, _ := apiServer(t, func(string, map[string]json.RawMessage) (int, string) {
		return http.StatusOK, `{"transaction":{"transId":"60001","transactionStatus":"capturedPendingSettlement","authAmount":10.00},
			"messages":{"resultCode":"Ok","message":[]}}`
	})
	g := newGateway(t, srv.URL)

	out, err := g.ConfirmPayment(context.Background(), testCart(), gateway.ConfirmRequest{Values: map[string]string{"x_trans_id": "60001"}})
	require.NoError(t, err)
	tr := out.(*gateway.TransactionResult)
	assert.Equal(t, domain.PaymentStatePending, tr.State)

	out, err = g.ConfirmPayment(context.Background(), testCart(), gateway.ConfirmRequest{})
	require.NoError(t, err)
	assert.False(t, out.(*gateway.TransactionResult).Success)
}

func TestVoidTransaction(t *testing.T) {
	var txType string
	srv, seen := apiServer(t, func(_ string, body map[string]json.RawMessage) (int, string) {
		var req transactionRequest
		_ = json.Unmarshal(body["transactionRequest"], &req)
		txType = req.Type + ":" + req.RefTransID
		return http.StatusOK, `{"transactionResponse":{"responseCode":"1","transId":"60001"},"messages":{"resultCode":"Ok"}}`
	})
	g := newGateway(t, srv.URL)

	res, err := g.VoidTransaction(context.Background(), testCart(), "60001")
	require.NoError(t, err)

	assert.Equal(t, []string{"createTransactionRequest"}, seen())
	assert.Equal(t, "voidTransaction:60001", txType)
	assert.Equal(t, domain.PaymentStateCancelled, res.State)
	assert.True(t, res.Success)
}

func TestChargeRecurring(t *testing.T) {
	var amount, customer string
	srv, seen := apiServer(t, func(_ string, body map[string]json.RawMessage) (int, string) {
		var req transactionRequest
		_ = json.Unmarshal(body["transactionRequest"], &req)
		amount = req.Amount
		if req.Profile != nil {
			customer = req.Profile.CustomerProfileID
		}
		return http.StatusOK, `{"transactionResponse":{"responseCode":"1","transId":"70001"},"messages":{"resultCode":"Ok"}}`
	})
	g := newGateway(t, srv.URL)

	last := fixedNow.AddDate(0, 0, -40)
	cart := testCart()
	cart.Items = []domain.LineItem{{
		Name:     "Plan",
		Quantity: 1,
		Recurring: &domain.Recurring{
			RecurringPrice: decimal.RequireFromString("9.99"),
			Duration:       1,
			DurationUnit:   domain.DurationMonth,
			Active:         true,
			LastCharge:     &last,
			PaymentToken:   "111/222",
		},
	}}

	res, err := g.ChargeRecurring(context.Background(), cart, 0)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []string{"createTransactionRequest"}, seen())
	assert.Equal(t, "70001", res.TransactionID)
	assert.Equal(t, domain.PaymentStatePaid, res.State)
	assert.Equal(t, "9.99", amount)
	assert.Equal(t, "111", customer)

	t.Run("not due", func(t *testing.T) {
		recent := fixedNow.Add(-time.Hour)
		cart.Items[0].Recurring.LastCharge = &recent
		res, err := g.ChargeRecurring(context.Background(), cart, 0)
		assert.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("no stored profile", func(t *testing.T) {
		cart.Items[0].Recurring.LastCharge = &last
		cart.Items[0].Recurring.PaymentToken = ""
		_, err := g.ChargeRecurring(context.Background(), cart, 0)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestCancelRecurring(t *testing.T) {
	g := newGateway(t, "")

	res, err := g.CancelRecurring(context.Background(), testCart())
	assert.NoError(t, err)
	assert.Nil(t, res)

	cart := testCart()
	cart.Items = append(cart.Items, domain.LineItem{Quantity: 1, Recurring: &domain.Recurring{Active: true, PaymentToken: "111/222"}})
	res, err = g.CancelRecurring(context.Background(), cart)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Active)
}

func TestIsValid(t *testing.T) {
	t.Run("rejected credentials", func(t *testing.T) {
		srv, _ := apiServer(t, func(string, map[string]json.RawMessage) (int, string) {
			return http.StatusOK, `{"messages":{"resultCode":"Error","message":[{"code":"E00007","text":"User authentication failed."}]}}`
		})
		err := newGateway(t, srv.URL).IsValid(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "User authentication failed.")
	})

	t.Run("provider down", func(t *testing.T) {
		srv, _ := apiServer(t, func(string, map[string]json.RawMessage) (int, string) {
			return http.StatusServiceUnavailable, `{}`
		})
		err := newGateway(t, srv.URL).IsValid(context.Background())
		assert.True(t, errors.Is(err, domain.ErrProviderCommunication))
	})
}
