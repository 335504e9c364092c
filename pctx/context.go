// Package pctx threads the per-run PipelineContext (spec.md §4.2)
// through the execution runtime as an explicit context.Context value —
// never an OS thread-local, since workers (goroutines) migrate items
// across threads as they run (spec.md §9).
package pctx

import "context"

// CachePolicy overrides cache behavior for a single request (spec.md §6).
type CachePolicy string

const (
	CacheOnly      CachePolicy = "cache-only"
	ReturnCached   CachePolicy = "return-cached" // alias "prefer-cache"
	SkipIfPresent  CachePolicy = "skip-if-present"
	RequireCache   CachePolicy = "require-cache"
	BypassCache    CachePolicy = "bypass-cache"
)

// ParseCachePolicy normalizes a header value into a CachePolicy,
// accepting the "prefer-cache" alias for ReturnCached. Invalid values
// fall back to ReturnCached per spec.md §6 ("Invalid enum values fall
// back to return-cached with a warning") — callers that want the
// warning should check the ok return.
func ParseCachePolicy(v string) (policy CachePolicy, ok bool) {
	switch v {
	case string(CacheOnly):
		return CacheOnly, true
	case string(ReturnCached), "prefer-cache":
		return ReturnCached, true
	case string(SkipIfPresent):
		return SkipIfPresent, true
	case string(RequireCache):
		return RequireCache, true
	case string(BypassCache):
		return BypassCache, true
	default:
		return ReturnCached, false
	}
}

// Context is the per-run/per-item control record threaded through every
// step invocation (spec.md §3 PipelineContext).
type Context struct {
	VersionTag  string
	Replay      bool
	CachePolicy CachePolicy

	// hasCachePolicy distinguishes "no override" from an explicit
	// ReturnCached override, since ReturnCached is also the zero-value
	// fallback.
	hasCachePolicy bool
}

// HasVersionTag reports whether cache keys for this run should be
// namespaced (spec.md §4.2 invariant).
func (c Context) HasVersionTag() bool { return c.VersionTag != "" }

// HasCachePolicyOverride reports whether the request supplied an
// explicit cache-policy override.
func (c Context) HasCachePolicyOverride() bool { return c.hasCachePolicy }

type ctxKey struct{}

// WithPipelineContext attaches pc to ctx, replacing any prior value.
// Every orchestrator entry point must call this before delegating to
// the step chain, and nothing downstream should retain pc past the
// request's lifetime.
func WithPipelineContext(ctx context.Context, pc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, pc)
}

// FromContext retrieves the PipelineContext installed by
// WithPipelineContext, or the zero value if none was installed.
func FromContext(ctx context.Context) Context {
	if pc, ok := ctx.Value(ctxKey{}).(Context); ok {
		return pc
	}
	return Context{}
}

// Headers is the abstract request-header KV map from spec.md §6.
// Unknown keys are ignored.
type Headers map[string]string

// FromHeaders builds a Context from the three recognized control-plane
// header keys: "version", "replay", "cache-policy".
func FromHeaders(h Headers) Context {
	pc := Context{
		VersionTag: h["version"],
		Replay:     h["replay"] == "true",
	}
	if raw, present := h["cache-policy"]; present {
		policy, _ := ParseCachePolicy(raw)
		pc.CachePolicy = policy
		pc.hasCachePolicy = true
	}
	return pc
}
