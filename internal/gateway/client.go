package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// Client is the outbound HTTP client shared by provider integrations. Each
// provider gets its own circuit breaker; an open breaker, a transport error
// or a 5xx response is reported as domain.ErrProviderCommunication.
type Client struct {
	http *resty.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*resty.Response]
	trip     uint32
	cooldown time.Duration
}

type ClientOption func(*Client)

// WithBreaker sets how many consecutive failures open a provider's breaker
// and how long it stays open.
func WithBreaker(consecutiveFailures uint32, cooldown time.Duration) ClientOption {
	return func(c *Client) {
		c.trip = consecutiveFailures
		c.cooldown = cooldown
	}
}

func NewClient(httpClient *http.Client, opts ...ClientOption) *Client {
	c := &Client{
		http:     resty.NewWithClient(httpClient),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*resty.Response]),
		trip:     5,
		cooldown: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute sends one request on behalf of provider. prepare sets body,
// headers and auth on the request.
func (c *Client) Execute(ctx context.Context, provider, method, url string, prepare func(*resty.Request)) (*resty.Response, error) {
	resp, err := c.breaker(provider).Execute(func() (*resty.Response, error) {
		req := c.http.R().SetContext(ctx)
		if prepare != nil {
			prepare(req)
		}

		resp, err := req.Execute(method, url)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return resp, fmt.Errorf("%s returned status %d", provider, resp.StatusCode())
		}
		return resp, nil
	})
	if err != nil {
		return resp, fmt.Errorf("%w: %v", domain.ErrProviderCommunication, err)
	}
	return resp, nil
}

func (c *Client) PostForm(ctx context.Context, provider, url string, form map[string]string) (*resty.Response, error) {
	return c.Execute(ctx, provider, http.MethodPost, url, func(r *resty.Request) {
		r.SetFormData(form)
	})
}

func (c *Client) breaker(provider string) *gobreaker.CircuitBreaker[*resty.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[provider]; ok {
		return cb
	}
	trip := c.trip
	cb := gobreaker.NewCircuitBreaker[*resty.Response](gobreaker.Settings{
		Name:    provider,
		Timeout: c.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
	})
	c.breakers[provider] = cb
	return cb
}
