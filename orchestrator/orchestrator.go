// Package orchestrator builds the expanded pipeline chain, drives runs
// through it, propagates per-request control context, enforces the
// retry-amplification kill switch, and emits run-level telemetry
// (spec.md §4.8). Grounded on
// gomind/pkg/orchestration/orchestrator.go's request-id + execution
// history + metrics shape, with its circuit-breaker-gated admission
// repurposed to gate continued execution of a single run instead of
// gating subsequent requests.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mbarcia/pipelineframework/aspect"
	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pctx"
	"github.com/mbarcia/pipelineframework/pipeline"
	"github.com/mbarcia/pipelineframework/telemetry"
)

// inflightSampleInterval governs how often Run polls an
// InflightObserver StepRunner while a run is in progress, to compute
// the peak/average in-flight attributes spec.md §4.8 requires on the
// pipeline.run span without requiring every StepRunner to push its own
// samples.
const inflightSampleInterval = 5 * time.Millisecond

// RunRecord is one bounded-history entry for a completed run,
// grounded on gomind/pkg/orchestration/orchestrator.go's
// ExecutionRecord.
type RunRecord struct {
	RequestID   string
	StartedAt   time.Time
	Duration    time.Duration
	ItemCount   int
	PeakInflight int64
	Status      string
	Err         error
}

// StepRunner is anything capable of driving one expanded step given an
// input and the request's PipelineContext; orchestrator.Orchestrator is
// deliberately decoupled from step.Engine's concrete cardinality
// dispatch so it can drive a chain built from wrapped steps of any
// shape.
type StepRunner interface {
	// Run executes the step identified by desc against in (whose
	// concrete type depends on the step's cardinality: a single item,
	// or a step.Stream), returning the result in the same shape
	// contract.
	Run(ctx context.Context, desc pipeline.Step, in interface{}) (interface{}, error)
}

// InflightObserver is the optional mixin a StepRunner implements to
// expose its current aggregate in-flight item count. Run samples it on
// an interval for the duration of a run to compute the peak/average
// in-flight attributes spec.md §4.8 requires, and to feed the
// retry-amplification kill switch's inflight-growth half (spec.md
// §4.8/§9). A StepRunner that doesn't implement this (e.g. a bare
// step.Registry with no wrapping) simply contributes zero samples.
type InflightObserver interface {
	Inflight() int64
}

// Orchestrator builds the expanded pipeline once, drives runs through
// it, and enforces run-wide invariants (spec.md §4.8).
type Orchestrator struct {
	Logger core.Logger
	Sink   telemetry.Sink

	thresholds KillSwitchThresholds
	window     *killSwitchWindow

	mu       sync.Mutex
	built    map[string]pipeline.Pipeline // keyed by pipeline model identity

	historyMu sync.RWMutex
	history   []RunRecord
	historySize int
}

// NewOrchestrator builds an Orchestrator. historySize bounds the run
// history ring (0 defaults to 100).
func NewOrchestrator(logger core.Logger, sink telemetry.Sink, thresholds KillSwitchThresholds, historySize int) *Orchestrator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if sink == nil {
		sink = telemetry.NoOpSink{}
	}
	if historySize <= 0 {
		historySize = 100
	}
	return &Orchestrator{
		Logger:      logger,
		Sink:        sink,
		thresholds:  thresholds,
		window:      newKillSwitchWindow(thresholds.WindowSize, thresholds.BucketCount),
		built:       map[string]pipeline.Pipeline{},
		historySize: historySize,
	}
}

// BuildPipeline expands steps+aspects into a pipeline.Pipeline, caching
// the result keyed by modelID so repeat requests against the same
// declarative model reuse the expansion (spec.md §4.8: "Build the
// expanded pipeline once at startup or on demand; cache it keyed by
// the pipeline model identity").
func (o *Orchestrator) BuildPipeline(modelID string, steps []pipeline.Step, aspects []pipeline.Aspect) (pipeline.Pipeline, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if p, ok := o.built[modelID]; ok {
		return p, nil
	}

	expanded := aspect.Expand(steps, aspects)
	p := pipeline.Pipeline{ID: modelID, Steps: expanded}
	if err := p.Validate(); err != nil {
		return pipeline.Pipeline{}, core.NewFrameworkError("orchestrator.BuildPipeline", core.KindConfiguration, err)
	}
	o.built[modelID] = p
	return p, nil
}

// HealthGate calls each checker once, in order, passing ctx through
// (spec.md §4.8 "Startup dependency health"). The first checker that
// returns an error fails the gate with a configuration error; checkers
// are not retried, and any startup timeout is whatever deadline ctx
// carries into the checkers.
func (o *Orchestrator) HealthGate(ctx context.Context, checkers []func(context.Context) error) error {
	for _, check := range checkers {
		if err := check(ctx); err != nil {
			return core.NewFrameworkError("orchestrator.HealthGate", core.KindConfiguration, err)
		}
	}
	return nil
}

// Run drives headers-derived PipelineContext through p using runner for
// every step, tracking the retry-amplification kill switch and
// recording a RunRecord on completion (spec.md §4.8). The kill-switch
// window is shared across every call to Run on this Orchestrator
// (fields, not locals), since a rolling window only means something
// aggregated over sustained traffic, not reset per request.
func (o *Orchestrator) Run(ctx context.Context, p pipeline.Pipeline, headers pctx.Headers, input interface{}, runner StepRunner) (interface{}, error) {
	requestID := uuid.New().String()
	pc := pctx.FromHeaders(headers)
	ctx = pctx.WithPipelineContext(ctx, pc)

	spanCtx, span := o.Sink.Span(ctx, "pipeline.run")
	ctx = spanCtx
	defer span.End()

	start := time.Now()
	tracker := o.startInflightTracking(ctx, runner)
	defer tracker.stop()

	current := input
	itemCount := 0

	for _, s := range p.Steps {
		if o.thresholds.Tripped(o.window) {
			o.Sink.Counter(telemetry.MetricKillSwitchTrigger, map[string]string{"pipeline": p.ID}).Inc(1)
			err := core.NewFrameworkError("orchestrator.Run", core.KindKillSwitch, core.ErrKillSwitchTriggered)
			o.finish(span, p, requestID, start, itemCount, tracker, "ERROR", err)
			return nil, err
		}

		out, err := runner.Run(ctx, s, current)
		if err != nil {
			if core.IsTransient(err) {
				o.window.RecordRetry()
			}
			o.finish(span, p, requestID, start, itemCount, tracker, "ERROR", err)
			return nil, err
		}
		current = out
		itemCount++
	}

	o.finish(span, p, requestID, start, itemCount, tracker, "OK", nil)
	return current, nil
}

// finish stops inflight sampling, stamps the run span with the
// attributes spec.md §4.8 requires (item count, average/peak in-
// flight, items/minute, final status), emits the per-run
// run.max_concurrency metric, and records the RunRecord.
func (o *Orchestrator) finish(span telemetry.Span, p pipeline.Pipeline, requestID string, start time.Time, itemCount int, tracker *inflightTracker, status string, err error) {
	tracker.stop()
	peak, avg := tracker.stats()

	elapsed := time.Since(start)
	var itemsPerMinute float64
	if elapsed > 0 {
		itemsPerMinute = float64(itemCount) / elapsed.Minutes()
	}

	span.SetAttr("item_count", itemCount)
	span.SetAttr("request_id", requestID)
	span.SetAttr("avg_inflight", avg)
	span.SetAttr("peak_inflight", peak)
	span.SetAttr("items_per_minute", itemsPerMinute)
	span.SetAttr("status", status)
	span.SetStatus(err)

	o.Sink.Gauge(telemetry.MetricMaxConcurrency, map[string]string{"pipeline": p.ID}).Set(float64(peak))
	o.recordRun(requestID, start, itemCount, peak, status, err)
}

// inflightTracker polls an InflightObserver StepRunner on an interval
// for the lifetime of one Run call, feeding the kill switch's inflight-
// growth window (spec.md §4.8/§9) and accumulating the peak/average
// in-flight the run span reports. A StepRunner that doesn't implement
// InflightObserver yields an always-zero tracker.
type inflightTracker struct {
	cancel  context.CancelFunc
	done    chan struct{}
	peak    int64
	sum     int64
	samples int64
}

func (o *Orchestrator) startInflightTracking(ctx context.Context, runner StepRunner) *inflightTracker {
	obs, ok := runner.(InflightObserver)
	t := &inflightTracker{done: make(chan struct{})}
	if !ok {
		close(t.done)
		return t
	}

	sampleCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(inflightSampleInterval)
		defer ticker.Stop()
		var prev int64
		for {
			select {
			case <-ticker.C:
				cur := obs.Inflight()
				o.window.RecordInflightDelta(cur - prev)
				prev = cur
				if cur > atomic.LoadInt64(&t.peak) {
					atomic.StoreInt64(&t.peak, cur)
				}
				atomic.AddInt64(&t.sum, cur)
				atomic.AddInt64(&t.samples, 1)
			case <-sampleCtx.Done():
				if prev != 0 {
					o.window.RecordInflightDelta(-prev)
				}
				return
			}
		}
	}()
	return t
}

// stop halts sampling and blocks until the sampling goroutine has
// exited, so stats() reflects every sample taken during the run.
// Receiving from t.done after it's closed never blocks, so repeated
// calls (finish calls it, then Run's deferred call runs too) are safe.
func (t *inflightTracker) stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	<-t.done
}

func (t *inflightTracker) stats() (peak int64, avg float64) {
	peak = atomic.LoadInt64(&t.peak)
	samples := atomic.LoadInt64(&t.samples)
	if samples > 0 {
		avg = float64(atomic.LoadInt64(&t.sum)) / float64(samples)
	}
	return peak, avg
}

func (o *Orchestrator) recordRun(requestID string, start time.Time, itemCount int, peakInflight int64, status string, err error) {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()

	record := RunRecord{
		RequestID:    requestID,
		StartedAt:    start,
		Duration:     time.Since(start),
		ItemCount:    itemCount,
		PeakInflight: peakInflight,
		Status:       status,
		Err:          err,
	}
	o.history = append(o.history, record)
	if len(o.history) > o.historySize {
		o.history = o.history[1:]
	}
}

// GetExecutionHistory returns a copy of the recent run history
// (spec.md §11 supplemented feature).
func (o *Orchestrator) GetExecutionHistory() []RunRecord {
	o.historyMu.RLock()
	defer o.historyMu.RUnlock()
	out := make([]RunRecord, len(o.history))
	copy(out, o.history)
	return out
}
