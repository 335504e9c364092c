// Package config resolves the effective per-step configuration by
// overlaying framework defaults, global configuration, per-step
// overrides, and per-request overrides (spec.md §4.1), and holds the
// declarative pipeline model (spec.md §6), YAML-decodable via
// gopkg.in/yaml.v3 in the style of re-cinq/wave's pipeline config files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbarcia/pipelineframework/core"
)

// BackpressureStrategy controls what the engine does when a step's
// input buffer is full (spec.md §3/§4.4).
type BackpressureStrategy string

const (
	Buffer BackpressureStrategy = "BUFFER"
	Drop   BackpressureStrategy = "DROP"
)

// StepConfig is the effective, fully-resolved configuration for one
// step (spec.md §3).
type StepConfig struct {
	RetryLimit                 int
	RetryWait                  time.Duration
	MaxBackoff                 time.Duration
	Jitter                     bool
	RecoverOnFailure            bool
	BackpressureBufferCapacity int
	BackpressureStrategy       BackpressureStrategy
	Parallel                   bool
	MaxConcurrency             int
}

// Defaults returns the framework-default StepConfig (spec.md §4.1):
// retryLimit=3, retryWait=2s, maxBackoff=30s, jitter=false,
// recoverOnFailure=false, bufferCapacity=128, strategy=BUFFER,
// parallel=false, maxConcurrency=0 (unbounded once parallel is enabled).
func Defaults() StepConfig {
	return StepConfig{
		RetryLimit:                 3,
		RetryWait:                  2 * time.Second,
		MaxBackoff:                 30 * time.Second,
		Jitter:                     false,
		RecoverOnFailure:            false,
		BackpressureBufferCapacity: 128,
		BackpressureStrategy:       Buffer,
		Parallel:                   false,
		MaxConcurrency:             0,
	}
}

// Overlay is a partial StepConfig: only non-nil fields are applied over
// the base during resolution, so each layer sets exactly the fields it
// specifies and unset fields inherit (spec.md §4.1).
type Overlay struct {
	RetryLimit                 *int
	RetryWait                  *time.Duration
	MaxBackoff                 *time.Duration
	Jitter                     *bool
	RecoverOnFailure            *bool
	BackpressureBufferCapacity *int
	BackpressureStrategy       *BackpressureStrategy
	Parallel                   *bool
	MaxConcurrency             *int
}

func (o Overlay) apply(base StepConfig) StepConfig {
	if o.RetryLimit != nil {
		base.RetryLimit = *o.RetryLimit
	}
	if o.RetryWait != nil {
		base.RetryWait = *o.RetryWait
	}
	if o.MaxBackoff != nil {
		base.MaxBackoff = *o.MaxBackoff
	}
	if o.Jitter != nil {
		base.Jitter = *o.Jitter
	}
	if o.RecoverOnFailure != nil {
		base.RecoverOnFailure = *o.RecoverOnFailure
	}
	if o.BackpressureBufferCapacity != nil {
		base.BackpressureBufferCapacity = *o.BackpressureBufferCapacity
	}
	if o.BackpressureStrategy != nil {
		strategy := normalizeStrategy(*o.BackpressureStrategy)
		base.BackpressureStrategy = strategy
	}
	if o.Parallel != nil {
		base.Parallel = *o.Parallel
	}
	if o.MaxConcurrency != nil {
		base.MaxConcurrency = *o.MaxConcurrency
	}
	return base
}

func normalizeStrategy(s BackpressureStrategy) BackpressureStrategy {
	switch BackpressureStrategy(strings.ToUpper(string(s))) {
	case Drop:
		return Drop
	default:
		return Buffer
	}
}

// Resolver overlays framework defaults with global, per-step, and
// per-request configuration layers (spec.md §4.1).
type Resolver struct {
	global  Overlay
	perStep map[string]Overlay
}

// NewResolver builds a Resolver with a global overlay and a per-step
// override map keyed by the step's fully qualified id.
func NewResolver(global Overlay, perStep map[string]Overlay) *Resolver {
	if perStep == nil {
		perStep = map[string]Overlay{}
	}
	return &Resolver{global: global, perStep: perStep}
}

// Resolve computes the effective StepConfig for stepID, overlaying
// defaults <- global <- per-step <- per-request (requestOverride may be
// the zero Overlay), then validates the result.
func (r *Resolver) Resolve(stepID string, requestOverride Overlay) (StepConfig, error) {
	cfg := Defaults()
	cfg = r.global.apply(cfg)
	if o, ok := r.perStep[stepID]; ok {
		cfg = o.apply(cfg)
	}
	cfg = requestOverride.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return StepConfig{}, core.NewFrameworkError(fmt.Sprintf("config.Resolve[%s]", stepID), core.KindConfiguration, err)
	}
	return cfg, nil
}

// Validate checks the invariants spec.md §3/§4.1 require: strategy is
// BUFFER or DROP, all durations > 0, maxBackoff >= retryWait,
// non-negative integer fields.
func (c StepConfig) Validate() error {
	if c.RetryLimit < 0 {
		return fmt.Errorf("%w: retryLimit must be >= 0, got %d", core.ErrInvalidConfiguration, c.RetryLimit)
	}
	if c.RetryWait <= 0 {
		return fmt.Errorf("%w: retryWait must be > 0, got %s", core.ErrInvalidConfiguration, c.RetryWait)
	}
	if c.MaxBackoff <= 0 {
		return fmt.Errorf("%w: maxBackoff must be > 0, got %s", core.ErrInvalidConfiguration, c.MaxBackoff)
	}
	if c.MaxBackoff < c.RetryWait {
		return fmt.Errorf("%w: maxBackoff (%s) must be >= retryWait (%s)", core.ErrInvalidConfiguration, c.MaxBackoff, c.RetryWait)
	}
	if c.BackpressureBufferCapacity < 1 {
		return fmt.Errorf("%w: backpressureBufferCapacity must be >= 1, got %d", core.ErrInvalidConfiguration, c.BackpressureBufferCapacity)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("%w: maxConcurrency must be >= 0, got %d", core.ErrInvalidConfiguration, c.MaxConcurrency)
	}
	switch c.BackpressureStrategy {
	case Buffer, Drop:
	default:
		return fmt.Errorf("%w: invalid backpressure strategy %q", core.ErrInvalidConfiguration, c.BackpressureStrategy)
	}
	return nil
}
