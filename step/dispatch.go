package step

import (
	"context"
	"fmt"

	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pipeline"
)

// Handler binds one wrapped user step to its Cardinality so the
// orchestrator can drive an expanded chain of heterogeneous-cardinality
// steps through a single uniform entry point, the way
// gomind/pkg/orchestration/executor.go dispatches a StepDefinition by
// its declared kind without the caller needing a type switch per step.
type Handler struct {
	Engine      *Engine
	Cardinality pipeline.Cardinality
	User        interface{} // OneToOne | OneToMany | ManyToOne | ManyToMany | SideEffect
}

// NewHandler builds a Handler for user, validated against cardinality.
func NewHandler(engine *Engine, cardinality pipeline.Cardinality, user interface{}) (*Handler, error) {
	h := &Handler{Engine: engine, Cardinality: cardinality, User: user}
	if err := h.validate(); err != nil {
		return nil, err
	}
	if err := h.validateOrdering(); err != nil {
		return nil, err
	}
	return h, nil
}

// validateOrdering rejects a PARALLEL-configured step that declares
// STRICT_REQUIRED ordering at construction time, never at runtime
// (spec.md §5: "a PARALLEL run against a STRICT_REQUIRED step is
// rejected at startup"). STRICT_ADVISED and RELAXED hints, and steps
// that don't implement OrderingHinter at all, are unaffected.
func (h *Handler) validateOrdering() error {
	if !h.Engine.Descriptor.EffectiveConfig.Parallel {
		return nil
	}
	hinter, ok := h.User.(OrderingHinter)
	if !ok {
		return nil
	}
	if hinter.OrderingHint() == pipeline.StrictRequired {
		return core.NewFrameworkError("step.NewHandler", core.KindConfiguration, fmt.Errorf("step %s: parallel execution configured but step declares STRICT_REQUIRED ordering", h.Engine.Descriptor.Step.ID))
	}
	return nil
}

func (h *Handler) validate() error {
	op := "step.NewHandler"
	switch h.Cardinality {
	case pipeline.OneToOne:
		if _, ok := h.User.(OneToOne); !ok {
			return core.NewFrameworkError(op, core.KindConfiguration, fmt.Errorf("step %s: user value does not implement OneToOne", h.Engine.Descriptor.Step.ID))
		}
	case pipeline.OneToMany:
		if _, ok := h.User.(OneToMany); !ok {
			return core.NewFrameworkError(op, core.KindConfiguration, fmt.Errorf("step %s: user value does not implement OneToMany", h.Engine.Descriptor.Step.ID))
		}
	case pipeline.ManyToOne:
		if _, ok := h.User.(ManyToOne); !ok {
			return core.NewFrameworkError(op, core.KindConfiguration, fmt.Errorf("step %s: user value does not implement ManyToOne", h.Engine.Descriptor.Step.ID))
		}
	case pipeline.ManyToMany:
		if _, ok := h.User.(ManyToMany); !ok {
			return core.NewFrameworkError(op, core.KindConfiguration, fmt.Errorf("step %s: user value does not implement ManyToMany", h.Engine.Descriptor.Step.ID))
		}
	case pipeline.SideEffect:
		if _, ok := h.User.(SideEffect); !ok {
			return core.NewFrameworkError(op, core.KindConfiguration, fmt.Errorf("step %s: user value does not implement SideEffect", h.Engine.Descriptor.Step.ID))
		}
	default:
		return core.NewFrameworkError(op, core.KindConfiguration, fmt.Errorf("step %s: unknown cardinality %q", h.Engine.Descriptor.Step.ID, h.Cardinality))
	}
	return nil
}

// Run dispatches in to the engine method matching h.Cardinality, boxing
// and unboxing Stream via type assertion so callers never need a
// per-step type switch. in/the returned value are either a single item
// or a Stream depending on cardinality: OneToOne/SideEffect take and
// return a single item, or, given a Stream, return a Stream mapped per
// item via MapPerItem; OneToMany takes a single item and returns a
// Stream; ManyToOne takes a Stream and returns a single item;
// ManyToMany takes and returns a Stream.
func (h *Handler) Run(ctx context.Context, in interface{}) (interface{}, error) {
	switch h.Cardinality {
	case pipeline.OneToOne:
		if s, ok := in.(Stream); ok {
			return h.Engine.MapPerItem(ctx, s, func(ctx context.Context, item interface{}) (interface{}, error) {
				return h.Engine.RunOneToOne(ctx, h.User.(OneToOne), item)
			}), nil
		}
		return h.Engine.RunOneToOne(ctx, h.User.(OneToOne), in)
	case pipeline.SideEffect:
		if s, ok := in.(Stream); ok {
			return h.Engine.MapPerItem(ctx, s, func(ctx context.Context, item interface{}) (interface{}, error) {
				return h.Engine.RunSideEffect(ctx, h.User.(SideEffect), item)
			}), nil
		}
		return h.Engine.RunSideEffect(ctx, h.User.(SideEffect), in)
	case pipeline.OneToMany:
		out, err := h.Engine.RunOneToMany(ctx, h.User.(OneToMany), in)
		if err != nil {
			return nil, err
		}
		return out, nil
	case pipeline.ManyToOne:
		s, err := asStream(h.Engine.Descriptor.Step.ID, in)
		if err != nil {
			return nil, err
		}
		return h.Engine.RunManyToOne(ctx, h.User.(ManyToOne), s)
	case pipeline.ManyToMany:
		s, err := asStream(h.Engine.Descriptor.Step.ID, in)
		if err != nil {
			return nil, err
		}
		out, err := h.Engine.RunManyToMany(ctx, h.User.(ManyToMany), s)
		if err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, core.NewFrameworkError("step.Handler.Run", core.KindConfiguration, fmt.Errorf("step %s: unknown cardinality %q", h.Engine.Descriptor.Step.ID, h.Cardinality))
	}
}

func asStream(stepID string, in interface{}) (Stream, error) {
	s, ok := in.(Stream)
	if !ok {
		return Stream{}, core.NewFrameworkError("step.Handler.Run", core.KindConfiguration, fmt.Errorf("step %s: expected step.Stream input, got %T", stepID, in))
	}
	return s, nil
}

// Registry maps step ids to their bound Handler, letting the
// orchestrator resolve each pipeline.Step in an expanded chain to its
// executable counterpart, including synthetic side-effect steps bound
// separately via an aspect binding (see orchestrator.AspectBinding).
type Registry struct {
	handlers map[string]*Handler
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]*Handler{}}
}

// Bind registers h under stepID, overwriting any prior binding.
func (r *Registry) Bind(stepID string, h *Handler) {
	r.handlers[stepID] = h
}

// Lookup returns the Handler bound to stepID, if any.
func (r *Registry) Lookup(stepID string) (*Handler, bool) {
	h, ok := r.handlers[stepID]
	return h, ok
}

// Run implements orchestrator.StepRunner by resolving desc.ID in the
// registry and delegating to its Handler.
func (r *Registry) Run(ctx context.Context, desc pipeline.Step, in interface{}) (interface{}, error) {
	h, ok := r.handlers[desc.ID]
	if !ok {
		return nil, core.NewFrameworkError("step.Registry.Run", core.KindConfiguration, fmt.Errorf("no handler bound for step %s", desc.ID))
	}
	return h.Run(ctx, in)
}

// Inflight sums the current concurrent call count across every bound
// handler's engine, implementing orchestrator.InflightObserver so the
// orchestrator can sample aggregate in-flight for its run span
// (spec.md §4.8) without depending on step.Registry directly.
func (r *Registry) Inflight() int64 {
	var total int64
	for _, h := range r.handlers {
		total += h.Engine.Inflight()
	}
	return total
}
