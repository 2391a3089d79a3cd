// Package providers wires every built-in payment provider into a registry.
package providers

import (
	"github.com/joao-fontenele/paycart/internal/gateway"
	"github.com/joao-fontenele/paycart/internal/providers/authorizenet"
	"github.com/joao-fontenele/paycart/internal/providers/braintree"
	"github.com/joao-fontenele/paycart/internal/providers/googlecheckout"
	"github.com/joao-fontenele/paycart/internal/providers/paypal"
	"github.com/joao-fontenele/paycart/internal/providers/paypalexpress"
)

// NewRegistry returns a registry with all built-in providers registered.
// base holds per-gateway settings keyed by provider name.
func NewRegistry(base map[string]map[string]string, deps gateway.Deps) *gateway.Registry {
	r := gateway.NewRegistry(base, deps)
	r.Register(authorizenet.Name, authorizenet.Factory())
	r.Register(braintree.Name, braintree.Factory())
	r.Register(paypal.Name, paypal.Factory())
	r.Register(paypalexpress.Name, paypalexpress.Factory())
	r.Register(googlecheckout.Name, googlecheckout.Factory())
	return r
}
