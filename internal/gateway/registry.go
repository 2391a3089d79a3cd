package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/joao-fontenele/paycart/internal/domain"
)

// Deps are the shared collaborators handed to every provider constructor.
type Deps struct {
	Client *Client
	Logger *slog.Logger
}

// Factory describes how to build one provider.
type Factory struct {
	// Defaults are the lowest settings layer.
	Defaults map[string]string
	New      func(settings Settings, deps Deps) (Gateway, error)
}

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	base      map[string]map[string]string
	deps      Deps
}

// NewRegistry creates an empty registry. base holds per-gateway settings
// loaded from configuration, keyed by gateway name.
func NewRegistry(base map[string]map[string]string, deps Deps) *Registry {
	if base == nil {
		base = make(map[string]map[string]string)
	}
	return &Registry{
		factories: make(map[string]Factory),
		base:      base,
		deps:      deps,
	}
}

// Register adds a provider under a lowercase key. Registering the same key
// twice replaces the earlier factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = f
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named gateway with override layered on top of the
// provider defaults and base settings.
func (r *Registry) New(name string, override map[string]string) (Gateway, error) {
	key := strings.ToLower(name)

	r.mu.RLock()
	f, ok := r.factories[key]
	base := r.base[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownGateway, name)
	}
	return f.New(Resolve(key, f.Defaults, base, override), r.deps)
}

// ForCart builds the gateway the cart was submitted to, with the cart's
// settings override applied.
func (r *Registry) ForCart(cart *domain.Cart) (Gateway, error) {
	if cart.Gateway == "" {
		return nil, &domain.InvalidStateError{CartID: cart.ID, State: cart.State, Op: "resolve gateway for"}
	}
	return r.New(cart.Gateway, cart.Settings)
}

// Validate constructs and probes the named gateway. Any failure is turned
// into a readable message instead of being returned.
func (r *Registry) Validate(ctx context.Context, name string) (bool, string) {
	gw, err := r.New(name, nil)
	if err == nil {
		err = gw.IsValid(ctx)
	}
	if err == nil {
		return true, ""
	}

	var cfgErr *domain.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		return false, cfgErr.Error()
	case errors.Is(err, domain.ErrUnknownGateway):
		return false, fmt.Sprintf("unknown gateway %q", name)
	case errors.Is(err, domain.ErrProviderCommunication):
		return false, fmt.Sprintf("%s: could not reach provider", name)
	default:
		return false, fmt.Sprintf("%s: %v", name, err)
	}
}
