// Package telemetry defines the abstract counter/gauge/span SPI every
// other component emits events through (spec.md §4.9/§6). The core
// never blocks on telemetry: Sink implementations must be fire-and-forget.
package telemetry

import "context"

// Counter accumulates a monotonically increasing value.
type Counter interface {
	Inc(n float64)
}

// Gauge holds a point-in-time value that can go up or down.
type Gauge interface {
	Set(v float64)
}

// Span represents one traced operation.
type Span interface {
	End()
	SetAttr(key string, value interface{})
	SetStatus(err error)
}

// Sink is the telemetry backend contract. Concrete wiring to
// Prometheus/OTLP/etc. is external (spec.md §1); the core only ever
// talks to this interface.
type Sink interface {
	Counter(name string, tags map[string]string) Counter
	Gauge(name string, tags map[string]string) Gauge
	Span(ctx context.Context, name string) (context.Context, Span)
}

// NoOpSink discards everything. It is the default Sink so the core
// never panics or blocks when no telemetry backend is wired.
type NoOpSink struct{}

func (NoOpSink) Counter(string, map[string]string) Counter { return noOpCounter{} }
func (NoOpSink) Gauge(string, map[string]string) Gauge      { return noOpGauge{} }
func (NoOpSink) Span(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noOpSpan{}
}

type noOpCounter struct{}

func (noOpCounter) Inc(float64) {}

type noOpGauge struct{}

func (noOpGauge) Set(float64) {}

type noOpSpan struct{}

func (noOpSpan) End()                            {}
func (noOpSpan) SetAttr(string, interface{})     {}
func (noOpSpan) SetStatus(error)                 {}

// Required metric names per spec.md §4.9. Components should use these
// constants rather than ad-hoc strings so dashboards stay stable across
// provider/backend changes.
const (
	MetricInflight          = "step.inflight"
	MetricBufferQueued      = "buffer.queued"
	MetricBufferCapacity    = "buffer.capacity"
	MetricRetryCount        = "retry.count"
	MetricMaxConcurrency    = "run.max_concurrency"
	MetricKillSwitchTrigger = "pipeline.kill_switch.triggered"
	MetricDropCount         = "buffer.dropped"
	MetricCacheStatus       = "cache.status"
	MetricStepLatencyMs     = "step.latency_ms"
)
