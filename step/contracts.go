// Package step defines the cardinality-shaped step contracts (spec.md
// §4.3) and the engine that wraps a user step with backpressure, retry,
// and dead-letter handling (spec.md §4.4). The optional-interface mixin
// pattern (Configurable, DeadLetterCapable, OrderingHinter) mirrors how
// gomind/core/interfaces.go's ComponentAwareLogger embeds Logger; of the
// three, only OrderingHinter is type-asserted for inside this package.
package step

import (
	"context"

	"github.com/mbarcia/pipelineframework/config"
	"github.com/mbarcia/pipelineframework/pipeline"
)

// Stream is a finite lazy sequence of items, realized as a
// receive-only channel plus an error channel populated at most once
// when the producer terminates abnormally.
type Stream struct {
	Items <-chan interface{}
	Errs  <-chan error
}

// OneToOne steps map one input item to one output item.
type OneToOne interface {
	Call(ctx context.Context, in interface{}) (interface{}, error)
}

// OneToMany steps map one input item to a lazy output sequence.
type OneToMany interface {
	Call(ctx context.Context, in interface{}) (Stream, error)
}

// ManyToOne steps fold a lazy input sequence to a single output item.
type ManyToOne interface {
	Call(ctx context.Context, in Stream) (interface{}, error)
}

// ManyToMany steps transform a lazy input sequence to a lazy output
// sequence.
type ManyToMany interface {
	Call(ctx context.Context, in Stream) (Stream, error)
}

// SideEffect steps perform a side effect and return the same item
// unchanged (spec.md §4.3 type identity on input/output).
type SideEffect interface {
	Call(ctx context.Context, in interface{}) error
}

// Configurable is the optional mixin a step implements to expose its
// own StepConfig overrides (spec.md §4.3 "effectiveConfig()"). Engine
// does not consult it; it reads only Descriptor.EffectiveConfig.
type Configurable interface {
	EffectiveConfig() config.Overlay
}

// DeadLetterCapable is the optional mixin a step implements to receive
// terminal failures when recoverOnFailure is set (spec.md §4.3/§4.4).
// Engine does not detect it; its DeadLetter method reaches the engine
// only when passed to NewEngine as the dlq sink.
type DeadLetterCapable interface {
	DeadLetter(ctx context.Context, item interface{}, cause error)
}

// OrderingHinter is the optional mixin a step implements to declare its
// parallelism/ordering tolerance (spec.md §4.3).
type OrderingHinter interface {
	OrderingHint() pipeline.OrderingHint
	ThreadSafety() pipeline.ThreadSafety
}

// Descriptor is the immutable per-wrapped-step metadata the engine and
// orchestrator operate over (spec.md §3 Step).
type Descriptor struct {
	Step           pipeline.Step
	EffectiveConfig config.StepConfig
}
