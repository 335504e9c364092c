package orchestrator

import (
	"context"

	"github.com/mbarcia/pipelineframework/pipeline"
	"github.com/mbarcia/pipelineframework/step"
)

// boundSynthetic pairs the Before/After side effects built for one
// synthetic step id, since a single aspect+type combination produces
// the same id at both positions (spec.md §4.7 point 4's
// "observe-<aspect>-<type>-side-effect" scheme does not encode
// position) and the two calls must share outcome state (e.g. a cache
// hit/miss decided at BEFORE must be visible to the paired AFTER).
type boundSynthetic struct {
	before step.SideEffect
	after  step.SideEffect
	seen   int
}

// BoundRunner implements orchestrator.StepRunner over a mix of
// concrete user steps (resolved via a step.Registry) and synthetic
// aspect side effects (resolved via a BindingRegistry), absorbing the
// cache aspect's BEFORE short-circuit signal so the generic run loop
// never needs to know about caching: a short-circuited BEFORE call
// makes the very next (non-synthetic, by aspect.Expand's construction
// always the target) step's Run return the cached value without
// invoking it.
//
// Correctness assumes at most one in-flight target step shares a given
// (aspect, inputType) synthetic id at a time within a run — true for
// every pipeline shape in this system's supplemented examples, since
// aspects are scoped to distinct step ids or apply globally over a
// sequentially-driven chain.
type BoundRunner struct {
	Steps    *step.Registry
	Bindings *BindingRegistry

	synthetic map[string]*boundSynthetic

	skipNext          bool
	shortCircuitValue interface{}
}

// NewBoundRunner builds a BoundRunner over steps and bindings.
func NewBoundRunner(steps *step.Registry, bindings *BindingRegistry) *BoundRunner {
	return &BoundRunner{Steps: steps, Bindings: bindings, synthetic: map[string]*boundSynthetic{}}
}

// Run implements StepRunner.
func (r *BoundRunner) Run(ctx context.Context, desc pipeline.Step, in interface{}) (interface{}, error) {
	if !desc.IsSynthetic {
		if r.skipNext {
			r.skipNext = false
			v := r.shortCircuitValue
			r.shortCircuitValue = nil
			return v, nil
		}
		return r.Steps.Run(ctx, desc, in)
	}
	return r.runSynthetic(ctx, desc, in)
}

func (r *BoundRunner) runSynthetic(ctx context.Context, desc pipeline.Step, in interface{}) (interface{}, error) {
	binding, ok := r.Bindings.ResolveSynthetic(desc.ID)
	if !ok {
		// No binding registered for this aspect: treat as a no-op
		// observer rather than failing the run.
		return in, nil
	}

	bs, ok := r.synthetic[desc.ID]
	if !ok {
		before := binding.Before(desc)
		after := binding.After(desc)
		BindPair(before, after)
		bs = &boundSynthetic{before: before, after: after}
		r.synthetic[desc.ID] = bs
	}

	bs.seen++
	effect := bs.before
	if bs.seen%2 == 0 {
		effect = bs.after
		delete(r.synthetic, desc.ID)
	}

	// A synthetic step typed as a ONE_MANY/MANY_MANY target's
	// outputType runs once per stream item (spec.md §4.7 point 3), not
	// once over the boxed step.Stream: without this, a target step's
	// AFTER cache/persist effect would receive the whole stream value
	// as in and either panic in a type assertion or corrupt the cache
	// outcome table (keyed by item identity).
	if s, ok := in.(step.Stream); ok {
		return mapSideEffectOverStream(ctx, effect, s), nil
	}

	err := effect.Call(ctx, in)
	if sc, ok := err.(*shortCircuitSignal); ok {
		r.skipNext = true
		r.shortCircuitValue = sc.value
		return sc.value, nil
	}
	if err != nil {
		return nil, err
	}
	return in, nil
}

// mapSideEffectOverStream runs effect once per item of in, always
// sequentially: a synthetic aspect step carries no resolved
// config.StepConfig of its own (BoundRunner calls the bound effect
// directly, bypassing step.Engine's instrumentation entirely), so it
// has no MaxConcurrency to honor and no OrderingHinter to consult —
// only a target step wired through step.Handler gains the AUTO/
// PARALLEL per-item concurrency (see step.Engine.MapPerItem). A
// shortCircuitSignal from a per-item BEFORE cache check is treated as
// a no-op here rather than a skip: skipping a single item's worth of a
// downstream per-item step within an otherwise-computed stream would
// require threading a per-item "already resolved" marker through every
// later step, which this runtime does not do (see DESIGN.md).
func mapSideEffectOverStream(ctx context.Context, effect step.SideEffect, in step.Stream) step.Stream {
	out := make(chan interface{})
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		for item := range in.Items {
			err := effect.Call(ctx, item)
			if err != nil {
				if _, ok := err.(*shortCircuitSignal); !ok {
					select {
					case errs <- err:
					default:
					}
					return
				}
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return step.Stream{Items: out, Errs: errs}
}

// Inflight implements orchestrator.InflightObserver by delegating to
// the underlying step.Registry; synthetic aspect steps never hold
// their own Engine so they don't contribute to this count.
func (r *BoundRunner) Inflight() int64 {
	return r.Steps.Inflight()
}
