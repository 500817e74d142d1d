package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/meridianws/identity/internal/models"
	apperrors "github.com/meridianws/identity/pkg/errors"
)

// ErrFactoryExists is returned when attempting to register a protocol factory more than once.
var ErrFactoryExists = errors.New("provider registry: factory already registered")

// Options bundles optional dependencies shared by adapter implementations.
type Options struct {
	HTTPClient *http.Client
	Now        func() time.Time
	Timeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Factory builds a concrete adapter instance from a stored provider record.
type Factory func(provider *models.SSOProvider, opts Options) (Adapter, error)

// Registry maintains the catalogue of protocol adapter factories. Adding a
// protocol means registering a factory, not editing a dispatch site.
type Registry struct {
	mu        sync.RWMutex
	opts      Options
	factories map[string]Factory
}

// NewRegistry constructs an empty adapter registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:      opts.withDefaults(),
		factories: make(map[string]Factory),
	}
}

// NewDefaultRegistry returns a registry with the saml, oidc, and ldap
// adapters registered. The oauth2 protocol type is configuration-only and has
// no login adapter.
func NewDefaultRegistry(opts Options) *Registry {
	r := NewRegistry(opts)
	// Registration of built-ins cannot collide on a fresh registry.
	_ = r.Register(models.ProtocolSAML, newSAMLAdapter)
	_ = r.Register(models.ProtocolOIDC, newOIDCAdapter)
	_ = r.Register(models.ProtocolLDAP, newLDAPAdapter)
	return r
}

// Register adds a protocol factory, enforcing uniqueness by protocol type.
func (r *Registry) Register(protocol string, factory Factory) error {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	if protocol == "" {
		return errors.New("provider registry: protocol is required")
	}
	if factory == nil {
		return errors.New("provider registry: factory is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[protocol]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryExists, protocol)
	}
	r.factories[protocol] = factory
	return nil
}

// AdapterFor instantiates the adapter matching the provider's protocol type.
func (r *Registry) AdapterFor(provider *models.SSOProvider) (Adapter, error) {
	if provider == nil {
		return nil, errors.New("provider registry: provider is required")
	}

	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(provider.Type)]
	r.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrUnsupportedOperation.WithMessage(
			fmt.Sprintf("no login adapter registered for protocol %q", provider.Type))
	}
	return factory(provider, r.opts)
}

// Protocols returns the registered protocol types.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for protocol := range r.factories {
		out = append(out, protocol)
	}
	return out
}
