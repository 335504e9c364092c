// Package pipeline holds the declarative data model (spec.md §3): the
// step descriptor, aspect spec, and the expanded pipeline those build
// into. Shape mirrors the plain-struct declarative registration records
// in gomind/pkg/discovery/interfaces.go.
package pipeline

import "fmt"

// Cardinality is the input->output multiplicity shape of a step.
type Cardinality string

const (
	OneToOne   Cardinality = "ONE_ONE"
	OneToMany  Cardinality = "ONE_MANY"
	ManyToOne  Cardinality = "MANY_ONE"
	ManyToMany Cardinality = "MANY_MANY"
	SideEffect Cardinality = "SIDE_EFFECT"
)

// ExecutionMode hints how a step should be scheduled.
type ExecutionMode string

const (
	Default  ExecutionMode = "DEFAULT"
	Virtual  ExecutionMode = "VIRTUAL"
	Blocking ExecutionMode = "BLOCKING"
)

// OrderingHint is a step's declared tolerance for concurrent reordering.
type OrderingHint string

const (
	StrictRequired OrderingHint = "STRICT_REQUIRED"
	StrictAdvised  OrderingHint = "STRICT_ADVISED"
	Relaxed        OrderingHint = "RELAXED"
)

// ThreadSafety is a step or provider's declared concurrency contract.
type ThreadSafety string

const (
	Safe   ThreadSafety = "SAFE"
	Unsafe ThreadSafety = "UNSAFE"
)

// Step is the immutable descriptor for one pipeline stage (spec.md §3).
// For SIDE_EFFECT steps, InputType == OutputType is an invariant
// enforced by Pipeline.Validate.
type Step struct {
	ID            string
	InputType     string
	OutputType    string
	Cardinality   Cardinality
	ExecutionMode ExecutionMode
	IsSynthetic   bool
}

// AspectScope controls which steps an aspect targets.
type AspectScope string

const (
	ScopeGlobal AspectScope = "GLOBAL"
	ScopeSteps  AspectScope = "STEPS"
)

// AspectPosition controls where the synthetic side-effect lands
// relative to its target step.
type AspectPosition string

const (
	BeforeStep AspectPosition = "BEFORE_STEP"
	AfterStep  AspectPosition = "AFTER_STEP"
)

// Aspect is a declarative cross-cutting behavior expanded into synthetic
// side-effect steps (spec.md §3/§4.7).
type Aspect struct {
	Name        string
	Enabled     bool
	Scope       AspectScope
	Position    AspectPosition
	Order       int
	TargetSteps []string
	ImplClass   string
	Config      map[string]interface{}
}

// Matches reports whether aspect a applies to step s, per its scope.
func (a Aspect) Matches(s Step) bool {
	if s.IsSynthetic {
		return false
	}
	switch a.Scope {
	case ScopeGlobal:
		return true
	case ScopeSteps:
		for _, id := range a.TargetSteps {
			if id == s.ID {
				return true
			}
		}
	}
	return false
}

// CacheStatus is a cache operation's outcome on an item (spec.md §3).
// The enforcer returns it from Before (in BeforeOutcome.Status) and from
// After; it is not stored on the item, so nothing reads or clears it.
type CacheStatus string

const (
	CacheHit    CacheStatus = "HIT"
	CacheMiss   CacheStatus = "MISS"
	CacheBypass CacheStatus = "BYPASS"
	CacheWrite  CacheStatus = "WRITE"
)

// Pipeline is the ordered step sequence after aspect expansion.
type Pipeline struct {
	ID    string
	Steps []Step
}

// Validate checks producer/consumer type compatibility across adjacent
// steps and the SIDE_EFFECT input==output invariant (spec.md §3).
func (p Pipeline) Validate() error {
	for i, s := range p.Steps {
		if s.Cardinality == SideEffect && s.InputType != s.OutputType {
			return fmt.Errorf("step %q: side-effect step must have InputType == OutputType, got %q/%q", s.ID, s.InputType, s.OutputType)
		}
		if i == 0 {
			continue
		}
		prev := p.Steps[i-1]
		if prev.OutputType != s.InputType {
			return fmt.Errorf("step %q expects input %q, but preceding step %q produces %q", s.ID, s.InputType, prev.ID, prev.OutputType)
		}
	}
	return nil
}

// IsStreamingInput reports whether the pipeline's first step consumes a
// stream of inputs (MANY_ONE or MANY_MANY).
func (p Pipeline) IsStreamingInput() bool {
	if len(p.Steps) == 0 {
		return false
	}
	switch p.Steps[0].Cardinality {
	case ManyToOne, ManyToMany:
		return true
	}
	return false
}

// IsStreamingOutput computes the pipeline's terminal output shape by
// sequentially applying each step's cardinality transform (spec.md
// §4.8): ONE_MANY/MANY_MANY produce streams, MANY_ONE collapses,
// ONE_ONE/SIDE_EFFECT preserve the current shape.
func (p Pipeline) IsStreamingOutput() bool {
	streaming := p.IsStreamingInput()
	for _, s := range p.Steps {
		switch s.Cardinality {
		case OneToMany, ManyToMany:
			streaming = true
		case ManyToOne:
			streaming = false
		case OneToOne, SideEffect:
			// preserves current shape
		}
	}
	return streaming
}
