package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/joao-fontenele/paycart/internal/domain"
)

func newTestMux(t *testing.T) (*http.ServeMux, *fixture) {
	t.Helper()

	f := newFixture(t)
	handler := NewHandler(f.pipeline, slog.New(slog.NewTextHandler(io.Discard, nil)))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /notifications/{gateway}", handler.HandleNotification)
	return mux, f
}

func postForm(mux *http.ServeMux, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_HandleNotification(t *testing.T) {
	t.Run("applies a verified notification", func(t *testing.T) {
		mux, f := newTestMux(t)
		c := f.submittedCart(t, nil)

		rec := postForm(mux, "/notifications/fakepay", url.Values{
			"cart_id":   {c.ID},
			"txn_id":    {"T1"},
			"status":    {"settled"},
			"amount":    {"49.99"},
			"signature": {"s3cret"},
		})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if rec.Body.String() != "OK T1" {
			t.Errorf("expected ack %q, got %q", "OK T1", rec.Body.String())
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
			t.Errorf("expected content type text/plain, got %q", ct)
		}

		got, err := f.service.Get(t.Context(), c.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.State != domain.CartStateCompleted {
			t.Errorf("expected cart COMPLETED, got %s", got.State)
		}
	})

	t.Run("reads the payload from the query string", func(t *testing.T) {
		mux, f := newTestMux(t)
		c := f.submittedCart(t, nil)

		q := url.Values{
			"cart_id":   {c.ID},
			"txn_id":    {"T2"},
			"status":    {"pending"},
			"amount":    {"49.99"},
			"signature": {"s3cret"},
		}
		req := httptest.NewRequest(http.MethodPost, "/notifications/fakepay?"+q.Encode(), nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if f.payments.Writes() != 1 {
			t.Errorf("expected 1 ledger write, got %d", f.payments.Writes())
		}
	})

	t.Run("rejects a tampered notification", func(t *testing.T) {
		mux, f := newTestMux(t)
		c := f.submittedCart(t, nil)

		rec := postForm(mux, "/notifications/fakepay", url.Values{
			"cart_id":   {c.ID},
			"txn_id":    {"T1"},
			"status":    {"settled"},
			"amount":    {"1.00"},
			"signature": {"s3cret"},
		})

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", rec.Code)
		}
		var resp map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp["error"] != "notification failed verification" {
			t.Errorf("unexpected error message %q", resp["error"])
		}
		if f.payments.Writes() != 0 {
			t.Errorf("expected no ledger writes, got %d", f.payments.Writes())
		}
	})

	t.Run("acknowledges an unresolved notification", func(t *testing.T) {
		mux, _ := newTestMux(t)

		rec := postForm(mux, "/notifications/fakepay", url.Values{
			"txn_id": {"ghost"},
			"status": {"settled"},
		})

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if rec.Body.String() != "OK ghost" {
			t.Errorf("unexpected ack %q", rec.Body.String())
		}
	})

	t.Run("unknown gateway", func(t *testing.T) {
		mux, _ := newTestMux(t)

		rec := postForm(mux, "/notifications/nope", url.Values{"txn_id": {"T1"}})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status 404, got %d", rec.Code)
		}
	})
}

func TestBasicCredential(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "Basic bWVyY2hhbnQ6a2V5", want: "bWVyY2hhbnQ6a2V5"},
		{header: "basic  dG9rZW4= ", want: "dG9rZW4="},
		{header: "Bearer abc", want: ""},
		{header: "", want: ""},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/notifications/x", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		if got := basicCredential(req); got != tt.want {
			t.Errorf("basicCredential(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
