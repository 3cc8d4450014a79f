package providers

import (
	"errors"
	"sort"
	"sync"

	"github.com/upb/llm-arbiter/services"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry maps provider ids to adapters
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// RegisterProvider registers a provider instance
func (r *Registry) RegisterProvider(provider Provider) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}
	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return ErrProviderAlreadyRegistered
	}
	r.providers[name] = provider
	return nil
}

// GetProvider retrieves a provider by name
func (r *Registry) GetProvider(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return provider, nil
}

// GetStreamingProvider returns the adapter for name if it can stream
func (r *Registry) GetStreamingProvider(name string) (StreamingProvider, error) {
	provider, err := r.GetProvider(name)
	if err != nil {
		return nil, err
	}
	sp, ok := provider.(StreamingProvider)
	if !ok {
		return nil, services.NewUnsupportedOperationError(name, "streaming")
	}
	return sp, nil
}

// ListProviders returns all registered provider names, sorted
func (r *Registry) ListProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderBuilder is a function that creates a provider instance
type ProviderBuilder func(config ProviderConfig) (Provider, error)

// Build creates one provider per config with builder and registers them
func (r *Registry) Build(builder ProviderBuilder, configs ...ProviderConfig) error {
	for _, cfg := range configs {
		provider, err := builder(cfg)
		if err != nil {
			return err
		}
		if err := r.RegisterProvider(provider); err != nil {
			return err
		}
	}
	return nil
}
