package gateway

import (
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// Settings is the resolved configuration of one gateway instance. It is
// built once by Resolve and never mutated afterwards.
type Settings struct {
	gateway string
	values  map[string]string
}

// Resolve layers the given maps left to right; later non-blank values win.
// The usual order is provider defaults, file settings, per-cart override.
func Resolve(gateway string, layers ...map[string]string) Settings {
	values := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			if v == "" {
				continue
			}
			values[strings.ToUpper(k)] = v
		}
	}
	return Settings{gateway: gateway, values: values}
}

func (s Settings) Gateway() string {
	return s.gateway
}

func (s Settings) Get(key string) string {
	return s.values[strings.ToUpper(key)]
}

// GetDefault returns the value of key, or def when it is unset.
func (s Settings) GetDefault(key, def string) string {
	if v := s.Get(key); v != "" {
		return v
	}
	return def
}

func (s Settings) Bool(key string) bool {
	b, err := strconv.ParseBool(s.Get(key))
	return err == nil && b
}

func (s Settings) Decimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(s.Get(key))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Live reports whether production endpoints should be used.
func (s Settings) Live() bool {
	return s.Bool("LIVE")
}

// Endpoint picks the production or sandbox URL according to LIVE.
func (s Settings) Endpoint(live, sandbox string) string {
	if s.Live() {
		return live
	}
	return sandbox
}

// Require fails with a *domain.ConfigurationError naming every missing key.
func (s Settings) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if s.Get(k) == "" {
			missing = append(missing, strings.ToUpper(k))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &domain.ConfigurationError{Gateway: s.gateway, Missing: missing}
}

// Values returns a copy of the resolved map.
func (s Settings) Values() map[string]string {
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
