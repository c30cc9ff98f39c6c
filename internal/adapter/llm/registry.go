package llm

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"sparkwise/internal/domain"
)

// Registry maps configured backend names to text-generation providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]domain.LLMProvider)}
}

// Register adds p under p.Name(). Names must be unique.
func (r *Registry) Register(p domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, dup := r.providers[name]; dup {
		return domain.NewSubSystemError("llm", "Registry.Register", domain.ErrDuplicate, name)
	}
	r.providers[name] = p
	return nil
}

// Get returns the provider registered as name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// Chain returns the provider the orchestrator talks to: primary alone, or
// primary backed by fallbacks in order when any are named.
func (r *Registry) Chain(primary string, fallbacks []string, logger *slog.Logger) (domain.LLMProvider, error) {
	p, err := r.Get(primary)
	if err != nil {
		return nil, fmt.Errorf("default provider: %w", err)
	}
	if len(fallbacks) == 0 {
		return p, nil
	}

	chain := make([]domain.LLMProvider, 0, len(fallbacks))
	for _, name := range fallbacks {
		if name == primary {
			continue
		}
		fb, err := r.Get(name)
		if err != nil {
			return nil, fmt.Errorf("fallback provider: %w", err)
		}
		chain = append(chain, fb)
	}
	if len(chain) == 0 {
		return p, nil
	}
	return NewFailoverProvider(p, chain, logger), nil
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
