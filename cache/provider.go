package cache

import (
	"context"
	"time"

	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pipeline"
)

// Provider is the cache backend SPI (spec.md §6 CacheProvider<T>).
type Provider interface {
	Type() string
	Supports(item interface{}) bool
	SupportsThreadContext() bool
	ThreadSafety() pipeline.ThreadSafety
	Backend() string

	Cache(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Invalidate(ctx context.Context, key string) error
	InvalidateByPrefix(ctx context.Context, prefix string) error
}

// HealthChecker is the optional mixin a Provider implements for the
// orchestrator's startup dependency health gate (spec.md §4.8
// supplemented feature), grounded on gomind/pkg/discovery's
// GetHealthStatus.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Registry holds the set of registered cache providers and selects
// among them per call (spec.md §4.5 Provider selection).
type Registry struct {
	providers   []Provider
	pinnedName  string
	devMode     bool
}

// NewRegistry builds a Registry. pinnedBackend names the backend to use
// when multiple providers are registered ("" defers to dev-mode
// first-match or a selection failure); devMode relaxes ambiguity to
// first-match-with-warning.
func NewRegistry(providers []Provider, pinnedBackend string, devMode bool) *Registry {
	return &Registry{providers: providers, pinnedName: pinnedBackend, devMode: devMode}
}

// Select picks the Provider supporting item, per spec.md §4.5: exactly
// one registered provider is used outright; with multiple, the pinned
// backend name wins; in dev mode with no pin, the first supporting
// provider wins with a warning (returned via the bool); otherwise
// selection fails fast.
func (r *Registry) Select(item interface{}) (Provider, bool /* usedDevModeFallback */, error) {
	var candidates []Provider
	for _, p := range r.providers {
		if p.Supports(item) && p.SupportsThreadContext() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, false, core.NonRetryable("cache.Registry.Select", core.ErrNoProvider)
	}
	if len(candidates) == 1 {
		return candidates[0], false, nil
	}
	if r.pinnedName != "" {
		for _, p := range candidates {
			if p.Backend() == r.pinnedName {
				return p, false, nil
			}
		}
		return nil, false, core.NewFrameworkError("cache.Registry.Select", core.KindConfiguration, core.ErrNoProvider)
	}
	if r.devMode {
		return candidates[0], true, nil
	}
	return nil, false, core.NewFrameworkError("cache.Registry.Select", core.KindConfiguration, core.ErrNoProvider)
}
