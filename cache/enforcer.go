package cache

import (
	"context"
	"time"

	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pctx"
	"github.com/mbarcia/pipelineframework/pipeline"
)

// Policy is the cache-arbitration policy for a target step (spec.md
// §4.5).
type Policy string

const (
	CacheOnly     Policy = "CACHE_ONLY"
	ReturnCached  Policy = "RETURN_CACHED" // alias PREFER_CACHE
	SkipIfPresent Policy = "SKIP_IF_PRESENT"
	RequireCache  Policy = "REQUIRE_CACHE"
	BypassCache   Policy = "BYPASS_CACHE"
)

// fromPctx maps a pctx.CachePolicy override onto the cache package's
// Policy enum.
func fromPctx(p pctx.CachePolicy) Policy {
	switch p {
	case pctx.CacheOnly:
		return CacheOnly
	case pctx.SkipIfPresent:
		return SkipIfPresent
	case pctx.RequireCache:
		return RequireCache
	case pctx.BypassCache:
		return BypassCache
	default:
		return ReturnCached
	}
}

// BeforeOutcome is the BEFORE side-effect's decision for one item.
type BeforeOutcome struct {
	// ShortCircuit, when true, means the target step must not run;
	// Value holds the value to use in its place.
	ShortCircuit bool
	Value        interface{}
	Status       pipeline.CacheStatus

	// wasAbsentAtBefore records whether SKIP_IF_PRESENT observed the
	// key as absent, resolving the Open Question #2 race: the AFTER
	// write checks this flag rather than re-querying existence.
	wasAbsentAtBefore bool
	key               string
}

// Enforcer arbitrates the five cache policies around a target step,
// reading/writing through the selected Provider (spec.md §4.5). Open
// Question decisions: CACHE_ONLY never short-circuits on BEFORE
// (write-only); SKIP_IF_PRESENT's AFTER write is gated on the BEFORE
// observation, not a fresh existence check.
type Enforcer struct {
	Registry   *Registry
	Strategies []KeyStrategy
	TTL        time.Duration
}

// NewEnforcer builds an Enforcer with the default key-strategy chain.
func NewEnforcer(registry *Registry, ttl time.Duration) *Enforcer {
	return &Enforcer{Registry: registry, Strategies: DefaultKeyStrategies(), TTL: ttl}
}

// Before runs the BEFORE side-effect for item against inputType, per
// the policy resolved from pc (spec.md §4.5).
func (e *Enforcer) Before(ctx context.Context, inputType string, item interface{}, pc pctx.Context) (BeforeOutcome, error) {
	policy := ReturnCached
	if pc.HasCachePolicyOverride() {
		policy = fromPctx(pc.CachePolicy)
	}

	if policy == BypassCache {
		return BeforeOutcome{Status: pipeline.CacheBypass}, nil
	}

	key, ok := DeriveKey(e.Strategies, inputType, item, pc)
	if !ok {
		return BeforeOutcome{Status: pipeline.CacheBypass}, nil
	}

	provider, _, err := e.Registry.Select(item)
	if err != nil {
		return BeforeOutcome{}, err
	}

	switch policy {
	case CacheOnly:
		return BeforeOutcome{key: key, Status: pipeline.CacheBypass}, nil

	case ReturnCached:
		val, hit, err := provider.Get(ctx, key)
		if err != nil {
			return BeforeOutcome{}, err
		}
		if hit {
			return BeforeOutcome{ShortCircuit: true, Value: val, Status: pipeline.CacheHit, key: key}, nil
		}
		return BeforeOutcome{key: key, Status: pipeline.CacheMiss}, nil

	case SkipIfPresent:
		exists, err := provider.Exists(ctx, key)
		if err != nil {
			return BeforeOutcome{}, err
		}
		if exists {
			return BeforeOutcome{ShortCircuit: true, Value: item, Status: pipeline.CacheHit, key: key, wasAbsentAtBefore: false}, nil
		}
		return BeforeOutcome{key: key, Status: pipeline.CacheMiss, wasAbsentAtBefore: true}, nil

	case RequireCache:
		val, hit, err := provider.Get(ctx, key)
		if err != nil {
			return BeforeOutcome{}, err
		}
		if !hit {
			return BeforeOutcome{}, core.NewFrameworkError("cache.Enforcer.Before", core.KindNonRetryable, core.ErrCachePolicyViolation)
		}
		return BeforeOutcome{ShortCircuit: true, Value: val, Status: pipeline.CacheHit, key: key}, nil
	}

	return BeforeOutcome{key: key, Status: pipeline.CacheBypass}, nil
}

// After runs the AFTER side-effect, writing (key, output) when policy
// implies a write (spec.md §4.5): CACHE_ONLY always, RETURN_CACHED on a
// prior miss, SKIP_IF_PRESENT when BEFORE observed the key absent.
func (e *Enforcer) After(ctx context.Context, before BeforeOutcome, item interface{}, output interface{}, pc pctx.Context) (pipeline.CacheStatus, error) {
	policy := ReturnCached
	if pc.HasCachePolicyOverride() {
		policy = fromPctx(pc.CachePolicy)
	}

	if policy == BypassCache || before.key == "" {
		return pipeline.CacheBypass, nil
	}

	shouldWrite := false
	switch policy {
	case CacheOnly:
		shouldWrite = true
	case ReturnCached:
		shouldWrite = before.Status == pipeline.CacheMiss
	case SkipIfPresent:
		shouldWrite = before.wasAbsentAtBefore
	}

	if !shouldWrite {
		return pipeline.CacheBypass, nil
	}

	provider, _, err := e.Registry.Select(item)
	if err != nil {
		return "", err
	}
	if err := provider.Cache(ctx, before.key, output, e.TTL); err != nil {
		return "", err
	}
	return pipeline.CacheWrite, nil
}

// InvalidateItem performs the per-item invalidation aspect, gated on
// replay=true (spec.md §4.5 Invalidation).
func (e *Enforcer) InvalidateItem(ctx context.Context, inputType string, item interface{}, pc pctx.Context) error {
	if !pc.Replay {
		return nil
	}
	key, ok := DeriveKey(e.Strategies, inputType, item, pc)
	if !ok {
		return nil
	}
	provider, _, err := e.Registry.Select(item)
	if err != nil {
		return err
	}
	return provider.Invalidate(ctx, key)
}

// InvalidateByPrefix performs the bulk invalidation-by-input-type
// aspect, gated on replay=true (spec.md §4.5 Invalidation).
func (e *Enforcer) InvalidateByPrefix(ctx context.Context, inputType string, anyItemOfType interface{}, pc pctx.Context) error {
	if !pc.Replay {
		return nil
	}
	provider, _, err := e.Registry.Select(anyItemOfType)
	if err != nil {
		return err
	}
	prefix := inputType
	if pc.HasVersionTag() {
		prefix = pc.VersionTag + ":" + inputType
	}
	return provider.InvalidateByPrefix(ctx, prefix)
}
