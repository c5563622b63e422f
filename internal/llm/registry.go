package llm

import (
	"slices"
	"sync"

	"github.com/raphaelgruber/moduleconv/internal/models"
)

// Factory constructs an adapter from decrypted connection options.
type Factory func(opts ProviderOptions) (Provider, error)

// Registry maps provider kinds to factories. Additional kinds are registered
// at startup so operator-supplied providers can join the fallback chain.
type Registry struct {
	mu        sync.RWMutex
	factories map[models.ProviderKind]Factory
}

// NewRegistry returns a registry with the built-in kinds: openai,
// azure_openai, anthropic and ollama.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[models.ProviderKind]Factory)}
	r.Register(models.ProviderOpenAI, NewOpenAI)
	r.Register(models.ProviderAzureOpenAI, NewAzureOpenAI)
	r.Register(models.ProviderAnthropic, NewAnthropic)
	r.Register(models.ProviderOllama, NewOllama)
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind models.ProviderKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New constructs an adapter for kind. Unknown kinds fail with
// *UnsupportedProviderError.
func (r *Registry) New(kind models.ProviderKind, opts ProviderOptions) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnsupportedProviderError{Kind: string(kind)}
	}
	return f(opts)
}

// FromConfig constructs an adapter for a stored configuration using an
// already decrypted API key.
func (r *Registry) FromConfig(cfg models.ProviderConfiguration, apiKey string) (Provider, error) {
	return r.New(cfg.Provider, ProviderOptions{
		APIKey:   apiKey,
		Model:    cfg.Model,
		Endpoint: cfg.Endpoint,
		Options:  cfg.Options,
	})
}

// Kinds lists the registered provider kinds in sorted order.
func (r *Registry) Kinds() []models.ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]models.ProviderKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
