package llm

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ScientiaCapital/llmgateway/internal/domain"
	"github.com/ScientiaCapital/llmgateway/internal/infra/config"
)

// Registry holds the named, breaker-guarded provider adapters. It is an
// explicit object constructed once at process start and passed by handle,
// never a package-level singleton, so tests get fresh breaker state.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*GuardedProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*GuardedProvider),
	}
}

// BuildRegistry constructs adapters from config, wraps each in its breaker,
// and registers them. The estimator is shared across adapters.
func BuildRegistry(cfgs []config.ProviderConfig, estimator *TokenEstimator, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, cfg := range cfgs {
		var inner domain.ModelProvider
		switch cfg.Type {
		case "openai":
			inner = NewOpenAIProvider(cfg, estimator, logger)
		case "anthropic":
			inner = NewAnthropicProvider(cfg, logger)
		case "ollama":
			inner = NewOllamaProvider(cfg, estimator, logger)
		default:
			return nil, fmt.Errorf("unknown provider type %q for %q", cfg.Type, cfg.Name)
		}
		if err := reg.Register(NewGuardedProvider(inner, cfg, logger)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds a guarded provider. Returns an error if the name is taken.
func (r *Registry) Register(p *GuardedProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get retrieves a guarded provider by name.
func (r *Registry) Get(name string) (*GuardedProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewGatewayError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// BreakerStats returns the named adapter's breaker statistics.
func (r *Registry) BreakerStats(name string) (domain.BreakerStats, error) {
	p, err := r.Get(name)
	if err != nil {
		return domain.BreakerStats{}, err
	}
	return p.Stats(), nil
}

// ResetBreaker forces the named adapter's breaker closed.
func (r *Registry) ResetBreaker(name string) error {
	p, err := r.Get(name)
	if err != nil {
		return err
	}
	p.Reset()
	return nil
}
