// Package persistence implements the persistence side-effect (spec.md
// §4.6): the Provider SPI, duplicate-key policy, and transient-vs-
// non-retryable error classification. SideEffect writes through one
// configured Provider; no provider selection by Supports or
// SupportsThreadContext takes place. Errors are classified by matching
// markers and SQL-state prefixes in the error message, following
// gomind/core/redis_client.go's connection-error handling idiom.
package persistence

import (
	"context"

	"github.com/mbarcia/pipelineframework/pipeline"
)

// Provider is the persistence backend SPI (spec.md §6
// PersistenceProvider<T>).
type Provider interface {
	Type() string
	Supports(item interface{}) bool
	SupportsThreadContext() bool
	ThreadSafety() pipeline.ThreadSafety

	Persist(ctx context.Context, entity interface{}) error
	PersistOrUpdate(ctx context.Context, entity interface{}) error
}

// HealthChecker is the optional mixin for the orchestrator's startup
// dependency health gate (spec.md §4.8 supplemented feature).
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// DuplicateKeyPolicy controls how a duplicate-key persistence failure
// is handled (spec.md §4.6).
type DuplicateKeyPolicy string

const (
	Fail   DuplicateKeyPolicy = "FAIL"
	Ignore DuplicateKeyPolicy = "IGNORE"
	Upsert DuplicateKeyPolicy = "UPSERT"
)
