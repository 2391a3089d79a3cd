package gateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/paycart/internal/domain"
	"github.com/joao-fontenele/paycart/internal/gateway"
	"github.com/joao-fontenele/paycart/internal/gateway/gatewaytest"
)

func TestRegistry_New(t *testing.T) {
	fake := gatewaytest.New("fakepay")
	registry := gateway.NewRegistry(map[string]map[string]string{
		"fakepay": {"MERCHANT": "from-file", "LIVE": "true"},
	}, gateway.Deps{})
	registry.Register("FakePay", fake.Factory())

	t.Run("keys are case insensitive", func(t *testing.T) {
		gw, err := registry.New("FAKEPAY", nil)
		require.NoError(t, err)
		assert.Equal(t, "fakepay", gw.Name())
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := registry.New("nope", nil)
		assert.True(t, errors.Is(err, domain.ErrUnknownGateway))
	})

	t.Run("cart override wins over file settings", func(t *testing.T) {
		cart := &domain.Cart{ID: "c1", Gateway: "fakepay", Settings: map[string]string{"MERCHANT": "from-cart"}}
		_, err := registry.ForCart(cart)
		require.NoError(t, err)

		s := fake.LastSettings()
		assert.Equal(t, "from-cart", s.Get("MERCHANT"))
		assert.True(t, s.Live())
	})

	t.Run("cart without gateway", func(t *testing.T) {
		_, err := registry.ForCart(&domain.Cart{ID: "c2", State: domain.CartStateOpen})
		assert.True(t, errors.Is(err, domain.ErrInvalidState))
	})

	assert.Equal(t, []string{"fakepay"}, registry.Names())
}

func TestRegistry_Validate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		setup       func(f *gatewaytest.Fake)
		key         string
		wantValid   bool
		wantMessage string
	}{
		{
			name:      "valid",
			setup:     func(*gatewaytest.Fake) {},
			key:       "fakepay",
			wantValid: true,
		},
		{
			name:        "unknown gateway",
			setup:       func(*gatewaytest.Fake) {},
			key:         "missing",
			wantMessage: `unknown gateway "missing"`,
		},
		{
			name:        "missing settings",
			setup:       func(f *gatewaytest.Fake) { f.Required = []string{"API_KEY", "SECRET"} },
			key:         "fakepay",
			wantMessage: "fakepay: missing required settings: API_KEY, SECRET",
		},
		{
			name: "probe cannot reach provider",
			setup: func(f *gatewaytest.Fake) {
				f.ValidErr = domain.ErrProviderCommunication
			},
			key:         "fakepay",
			wantMessage: "fakepay: could not reach provider",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := gatewaytest.New("fakepay")
			tt.setup(fake)
			registry := gateway.NewRegistry(nil, gateway.Deps{})
			registry.Register("fakepay", fake.Factory())

			valid, message := registry.Validate(ctx, tt.key)
			assert.Equal(t, tt.wantValid, valid)
			assert.Equal(t, tt.wantMessage, message)
		})
	}
}
