package orchestrator

import (
	"context"
	"strings"

	"github.com/mbarcia/pipelineframework/cache"
	"github.com/mbarcia/pipelineframework/pctx"
	"github.com/mbarcia/pipelineframework/persistence"
	"github.com/mbarcia/pipelineframework/pipeline"
	"github.com/mbarcia/pipelineframework/step"
)

// AspectBinding resolves a synthetic side-effect step produced by
// aspect.Expand (identified only by its "observe-<name>-<type>-
// side-effect" id) into an executable step.SideEffect, since expansion
// itself only carries declarative pipeline.Step descriptors (spec.md
// §4.7). Bindings are registered per aspect name; both the BEFORE and
// AFTER synthetic step for a given target share one binding instance so
// the AFTER half can see the BEFORE half's outcome.
type AspectBinding interface {
	// Before builds the side effect bound to the BEFORE-positioned
	// synthetic step inserted ahead of target.
	Before(target pipeline.Step) step.SideEffect
	// After builds the side effect bound to the AFTER-positioned
	// synthetic step inserted behind target.
	After(target pipeline.Step) step.SideEffect
}

// CacheBinding adapts cache.Enforcer to the AspectBinding contract,
// remembering each item's BEFORE outcome by identity so the matching
// AFTER invocation can decide whether to write (spec.md §4.5). When the
// AFTER half sees the target's output rather than the original item and
// exactly one BEFORE outcome is recorded, it pairs with that outcome.
type CacheBinding struct {
	Enforcer *cache.Enforcer
}

type cacheBeforeEffect struct {
	enforcer  *cache.Enforcer
	inputType string
	outcomes  map[interface{}]cache.BeforeOutcome
}

func (b *CacheBinding) Before(target pipeline.Step) step.SideEffect {
	return &cacheBeforeEffect{enforcer: b.Enforcer, inputType: target.InputType, outcomes: map[interface{}]cache.BeforeOutcome{}}
}

func (e *cacheBeforeEffect) Call(ctx context.Context, in interface{}) error {
	pc := pctx.FromContext(ctx)
	outcome, err := e.enforcer.Before(ctx, e.inputType, in, pc)
	if err != nil {
		return err
	}
	e.outcomes[in] = outcome
	if outcome.ShortCircuit {
		return &shortCircuitSignal{value: outcome.Value}
	}
	return nil
}

// shortCircuitSignal is returned (never wrapped as a FrameworkError) by
// a BEFORE cache effect to tell the orchestrator loop to substitute
// value for the target step's output and skip invoking it.
type shortCircuitSignal struct{ value interface{} }

func (s *shortCircuitSignal) Error() string { return "cache short-circuit" }

type cacheAfterEffect struct {
	enforcer *cache.Enforcer
	before   *cacheBeforeEffect
}

func (b *CacheBinding) After(target pipeline.Step) step.SideEffect {
	// After must share the same outcomes map as the paired Before
	// instance; callers wire this via BindPair below.
	return &cacheAfterEffect{enforcer: b.Enforcer}
}

// BindPair links an AFTER effect to its BEFORE counterpart's outcome
// table, since the two are distinct synthetic steps in the expanded
// chain but must cooperate on one item's cache decision.
func BindPair(before step.SideEffect, after step.SideEffect) {
	b, ok := before.(*cacheBeforeEffect)
	if !ok {
		return
	}
	if a, ok := after.(*cacheAfterEffect); ok {
		a.before = b
	}
}

func (e *cacheAfterEffect) Call(ctx context.Context, in interface{}) error {
	if e.before == nil {
		return nil
	}
	pc := pctx.FromContext(ctx)
	outcome, ok := e.before.outcomes[in]
	if !ok && len(e.before.outcomes) == 1 {
		for _, o := range e.before.outcomes {
			outcome, ok = o, true
		}
	}
	if !ok {
		return nil
	}
	_, err := e.enforcer.After(ctx, outcome, in, in, pc)
	return err
}

// PersistBinding adapts persistence.SideEffect to the AspectBinding
// contract. Persistence has no BEFORE half in spec.md §4.6, so Before
// returns a no-op.
type PersistBinding struct {
	Effect *persistence.SideEffect
}

type noopEffect struct{}

func (noopEffect) Call(context.Context, interface{}) error { return nil }

func (b *PersistBinding) Before(pipeline.Step) step.SideEffect { return noopEffect{} }

func (b *PersistBinding) After(pipeline.Step) step.SideEffect {
	return persistEffect{effect: b.Effect}
}

type persistEffect struct{ effect *persistence.SideEffect }

func (e persistEffect) Call(ctx context.Context, in interface{}) error {
	return e.effect.Call(ctx, in)
}

// aspectNameFromSyntheticID recovers the aspect name embedded in a
// synthetic step id of the form "observe-<name>-<type>-side-effect"
// (spec.md §4.7 point 4).
func aspectNameFromSyntheticID(id string) (string, bool) {
	const prefix = "observe-"
	const suffix = "-side-effect"
	if !strings.HasPrefix(id, prefix) || !strings.HasSuffix(id, suffix) {
		return "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(id, prefix), suffix)
	idx := strings.LastIndex(rest, "-")
	if idx < 0 {
		return rest, true
	}
	return rest[:idx], true
}

// BindingRegistry maps aspect name to its AspectBinding implementation.
type BindingRegistry struct {
	bindings map[string]AspectBinding
}

// NewBindingRegistry builds an empty BindingRegistry.
func NewBindingRegistry() *BindingRegistry {
	return &BindingRegistry{bindings: map[string]AspectBinding{}}
}

// Register associates aspectName with binding.
func (r *BindingRegistry) Register(aspectName string, binding AspectBinding) {
	r.bindings[aspectName] = binding
}

// ResolveSynthetic returns the binding registered for the aspect
// embedded in a synthetic step's id, or ok=false if the id is
// malformed or unregistered.
func (r *BindingRegistry) ResolveSynthetic(id string) (AspectBinding, bool) {
	name, ok := aspectNameFromSyntheticID(id)
	if !ok {
		return nil, false
	}
	b, ok := r.bindings[name]
	return b, ok
}
