package step

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mbarcia/pipelineframework/config"
	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/reactive"
	"github.com/mbarcia/pipelineframework/telemetry"
)

// Engine wraps a user step with retry, terminal dead-letter handling,
// and telemetry (spec.md §4.4). Backpressure is applied only to the
// output stream of ONE_MANY and MANY_MANY steps, after the user call
// returns; the inputs of other steps pass through unbuffered.
// The cancellable-execution shape mirrors
// resilience.CircuitBreaker.ExecuteWithTimeout's goroutine+channel+
// select pattern.
type Engine struct {
	Descriptor Descriptor
	Logger     core.Logger
	Sink       telemetry.Sink

	dlq func(ctx context.Context, item interface{}, cause error)

	inflight int64
}

// NewEngine builds an Engine for desc. dlq is the dead-letter sink used
// when recoverOnFailure is set; the engine does not look for a
// DeadLetterCapable step itself. dlq may be nil; recoverOnFailure then
// has no effect and a terminal failure is returned to the caller rather
// than replaced by a null/empty result.
func NewEngine(desc Descriptor, logger core.Logger, sink telemetry.Sink, dlq func(context.Context, interface{}, error)) *Engine {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if sink == nil {
		sink = telemetry.NoOpSink{}
	}
	return &Engine{Descriptor: desc, Logger: logger, Sink: sink, dlq: dlq}
}

func (e *Engine) tags() map[string]string {
	return map[string]string{"step": e.Descriptor.Step.ID}
}

func (e *Engine) retryPolicy() reactive.RetryPolicy {
	c := e.Descriptor.EffectiveConfig
	return reactive.RetryPolicy{Limit: c.RetryLimit, Wait: c.RetryWait, MaxBackoff: c.MaxBackoff, Jitter: c.Jitter}
}

func nilItemFailure(op string) error {
	return core.NonRetryable(op, core.ErrNilItem)
}

// instrument runs fn under the retry policy with inflight/latency/retry
// telemetry, then applies the terminal dead-letter contract: if the
// error survives retry (and isn't a cancellation) and recoverOnFailure
// is set, the item is routed to dlq and the call reports success.
func (e *Engine) instrument(ctx context.Context, item interface{}, fn func(ctx context.Context) error) error {
	gauge := e.Sink.Gauge(telemetry.MetricInflight, e.tags())
	gauge.Set(float64(atomic.AddInt64(&e.inflight, 1)))
	defer gauge.Set(float64(atomic.AddInt64(&e.inflight, -1)))

	start := time.Now()
	attempts := 0
	err := reactive.Do(ctx, e.retryPolicy(), func(ctx context.Context) error {
		attempts++
		return fn(ctx)
	})
	e.Sink.Gauge(telemetry.MetricStepLatencyMs, e.tags()).Set(float64(time.Since(start).Milliseconds()))
	if attempts > 1 {
		e.Sink.Counter(telemetry.MetricRetryCount, e.tags()).Inc(float64(attempts - 1))
	}

	if err == nil || core.IsCancelled(err) {
		return err
	}

	if e.Descriptor.EffectiveConfig.RecoverOnFailure && e.dlq != nil {
		e.dlq(ctx, item, err)
		return nil
	}
	return err
}

// RunOneToOne executes user against in, per spec.md §4.3/§4.4.
func (e *Engine) RunOneToOne(ctx context.Context, user OneToOne, in interface{}) (interface{}, error) {
	if in == nil {
		err := nilItemFailure("step.Engine.RunOneToOne")
		if e.Descriptor.EffectiveConfig.RecoverOnFailure && e.dlq != nil {
			e.dlq(ctx, in, err)
			return nil, nil
		}
		return nil, err
	}
	var out interface{}
	err := e.instrument(ctx, in, func(ctx context.Context) error {
		var callErr error
		out, callErr = user.Call(ctx, in)
		return callErr
	})
	return out, err
}

// RunSideEffect executes user against in and returns in unchanged
// (spec.md §8 invariant 4: downstream input equals upstream output
// item-for-item).
func (e *Engine) RunSideEffect(ctx context.Context, user SideEffect, in interface{}) (interface{}, error) {
	if in == nil {
		err := nilItemFailure("step.Engine.RunSideEffect")
		if e.Descriptor.EffectiveConfig.RecoverOnFailure && e.dlq != nil {
			e.dlq(ctx, in, err)
			return in, nil
		}
		return in, err
	}
	err := e.instrument(ctx, in, func(ctx context.Context) error {
		return user.Call(ctx, in)
	})
	return in, err
}

// RunManyToOne folds in via user.Call, per spec.md §8 invariant 12: an
// empty input stream yields the null/identity result with zero user
// invocations, never invoking the fold.
func (e *Engine) RunManyToOne(ctx context.Context, user ManyToOne, in Stream) (interface{}, error) {
	_, rest, empty, peekErr := peekStream(ctx, in)
	if peekErr != nil {
		if ctx.Err() != nil {
			return nil, core.NewFrameworkError("step.Engine.RunManyToOne", core.KindCancelled, peekErr)
		}
		return nil, core.Transient("step.Engine.RunManyToOne", peekErr)
	}
	if empty {
		return nil, nil
	}
	var out interface{}
	err := e.instrument(ctx, in, func(ctx context.Context) error {
		var callErr error
		out, callErr = user.Call(ctx, rest)
		return callErr
	})
	return out, err
}

// RunOneToMany executes user against in, then applies the configured
// backpressure strategy to the resulting output stream.
func (e *Engine) RunOneToMany(ctx context.Context, user OneToMany, in interface{}) (Stream, error) {
	if in == nil {
		err := nilItemFailure("step.Engine.RunOneToMany")
		if e.Descriptor.EffectiveConfig.RecoverOnFailure && e.dlq != nil {
			e.dlq(ctx, in, err)
			return Stream{}, nil
		}
		return Stream{}, err
	}
	var out Stream
	err := e.instrument(ctx, in, func(ctx context.Context) error {
		var callErr error
		out, callErr = user.Call(ctx, in)
		return callErr
	})
	if err != nil {
		return Stream{}, err
	}
	return e.applyBackpressure(ctx, out), nil
}

// RunManyToMany executes user against the input stream, then applies
// the configured backpressure strategy to the resulting output stream.
func (e *Engine) RunManyToMany(ctx context.Context, user ManyToMany, in Stream) (Stream, error) {
	var out Stream
	err := e.instrument(ctx, in, func(ctx context.Context) error {
		var callErr error
		out, callErr = user.Call(ctx, in)
		return callErr
	})
	if err != nil {
		return Stream{}, err
	}
	return e.applyBackpressure(ctx, out), nil
}

// Inflight reports the engine's current concurrent call count, sampled
// by the orchestrator to compute peak/average in-flight for the run
// span (spec.md §4.8).
func (e *Engine) Inflight() int64 {
	return atomic.LoadInt64(&e.inflight)
}

// MapPerItem applies fn once per item of in, adapting a per-item step
// (OneToOne/SideEffect) over a stream produced by a preceding
// ONE_MANY/MANY_MANY step — including the synthetic AFTER side effects
// aspect.Expand inserts, which are typed as the target step's
// outputType and so must run once per stream item rather than once
// over the whole stream (spec.md §4.7 point 3). The ordering policy
// (spec.md §5) governs how: Sequential (Parallel=false, the default)
// processes items in arrival order one at a time; PARALLEL
// (Parallel=true) fans them out through reactive.Merge up to
// MaxConcurrency (0 = unbounded). NewHandler rejects Parallel=true
// against a step whose OrderingHint is STRICT_REQUIRED at construction
// time, before any item ever reaches this method.
func (e *Engine) MapPerItem(ctx context.Context, in Stream, fn func(context.Context, interface{}) (interface{}, error)) Stream {
	if e.Descriptor.EffectiveConfig.Parallel {
		return e.mapPerItemParallel(ctx, in, fn)
	}
	return e.mapPerItemSequential(ctx, in, fn)
}

func (e *Engine) mapPerItemSequential(ctx context.Context, in Stream, fn func(context.Context, interface{}) (interface{}, error)) Stream {
	out := make(chan interface{})
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		for item := range in.Items {
			result, err := fn(ctx, item)
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}()

	return Stream{Items: out, Errs: errs}
}

// mapPerItemParallel materializes in (reactive.Merge's bounded-
// concurrency combinator takes a slice, not a channel) and fans the
// per-item calls out across at most MaxConcurrency goroutines,
// reassembling results positionally so downstream steps see a stable
// one-result-per-input-item stream even though the work itself ran
// concurrently (spec.md §5 "concurrent execution uses an unordered
// merge" is narrowed here to unordered *execution*, ordered
// *delivery" — see DESIGN.md).
func (e *Engine) mapPerItemParallel(ctx context.Context, in Stream, fn func(context.Context, interface{}) (interface{}, error)) Stream {
	out := make(chan interface{})
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		var items []interface{}
		for item := range in.Items {
			items = append(items, item)
		}
		results, mergeErrs := reactive.Merge(ctx, items, e.Descriptor.EffectiveConfig.MaxConcurrency, fn)
		for i, result := range results {
			if err := mergeErrs[i]; err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			select {
			case out <- result:
			case <-ctx.Done():
				return
			}
		}
	}()

	return Stream{Items: out, Errs: errs}
}

// applyBackpressure pumps src through a reactive.Buffer sized and
// strategized by the step's effective config (spec.md §4.4 point 1),
// emitting buffer.queued/buffer.capacity/buffer.dropped telemetry.
func (e *Engine) applyBackpressure(ctx context.Context, src Stream) Stream {
	cfg := e.Descriptor.EffectiveConfig
	strategy := reactive.StrategyBuffer
	if cfg.BackpressureStrategy == config.Drop {
		strategy = reactive.StrategyDrop
	}
	buf := reactive.NewBuffer(strategy, cfg.BackpressureBufferCapacity)
	e.Sink.Gauge(telemetry.MetricBufferCapacity, e.tags()).Set(float64(buf.Capacity))

	out := make(chan interface{})
	errs := make(chan error, 1)

	go func() {
		for item := range src.Items {
			if err := buf.Push(ctx, item); err != nil {
				select {
				case errs <- err:
				default:
				}
				break
			}
			e.Sink.Gauge(telemetry.MetricBufferQueued, e.tags()).Set(float64(buf.Len()))
		}
		if buf.DropCount() > 0 {
			e.Sink.Counter(telemetry.MetricDropCount, e.tags()).Inc(float64(buf.DropCount()))
		}
		buf.Close()
	}()

	go func() {
		defer close(out)
		for {
			item, ok, err := buf.Pop(ctx)
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				return
			}
			if !ok {
				return
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()

	return Stream{Items: out, Errs: errs}
}

// peekStream reads the first item of s without losing it: it returns a
// reconstructed Stream with the peeked item prepended back onto the
// remainder, and reports whether s was empty.
func peekStream(ctx context.Context, s Stream) (interface{}, Stream, bool, error) {
	select {
	case item, ok := <-s.Items:
		if !ok {
			return nil, s, true, nil
		}
		items := make(chan interface{})
		go func() {
			defer close(items)
			items <- item
			for v := range s.Items {
				items <- v
			}
		}()
		return item, Stream{Items: items, Errs: s.Errs}, false, nil
	case err, ok := <-s.Errs:
		if ok && err != nil {
			return nil, s, false, err
		}
		return nil, s, true, nil
	case <-ctx.Done():
		return nil, s, false, ctx.Err()
	}
}
