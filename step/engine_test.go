package step

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pfconfig "github.com/mbarcia/pipelineframework/config"
	"github.com/mbarcia/pipelineframework/core"
	"github.com/mbarcia/pipelineframework/pipeline"
)

func testDescriptor(id string, cardinality pipeline.Cardinality, cfg pfconfig.StepConfig) Descriptor {
	return Descriptor{
		Step:           pipeline.Step{ID: id, Cardinality: cardinality},
		EffectiveConfig: cfg,
	}
}

func fastConfig() pfconfig.StepConfig {
	return pfconfig.StepConfig{
		RetryLimit: 3, RetryWait: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
		BackpressureBufferCapacity: 8, BackpressureStrategy: pfconfig.Buffer,
	}
}

type fnOneToOne func(ctx context.Context, in interface{}) (interface{}, error)

func (f fnOneToOne) Call(ctx context.Context, in interface{}) (interface{}, error) { return f(ctx, in) }

type fnSideEffect func(ctx context.Context, in interface{}) error

func (f fnSideEffect) Call(ctx context.Context, in interface{}) error { return f(ctx, in) }

type fnOneToMany func(ctx context.Context, in interface{}) (Stream, error)

func (f fnOneToMany) Call(ctx context.Context, in interface{}) (Stream, error) { return f(ctx, in) }

type fnManyToOne func(ctx context.Context, in Stream) (interface{}, error)

func (f fnManyToOne) Call(ctx context.Context, in Stream) (interface{}, error) { return f(ctx, in) }

func streamOf(items ...interface{}) Stream {
	ch := make(chan interface{}, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)
	return Stream{Items: ch, Errs: make(chan error)}
}

func drain(s Stream) []interface{} {
	var out []interface{}
	for v := range s.Items {
		out = append(out, v)
	}
	return out
}

// E1: happy path, zero retries, zero DLQ.
func TestEngineHappyPathOneToOneThenOneToManyThenManyToOne(t *testing.T) {
	eng := NewEngine(testDescriptor("a", pipeline.OneToOne, fastConfig()), nil, nil, nil)
	identity := fnOneToOne(func(ctx context.Context, in interface{}) (interface{}, error) { return in, nil })
	out, err := eng.RunOneToOne(context.Background(), identity, "a,b,c")
	require.NoError(t, err)
	assert.Equal(t, "a,b,c", out)

	engB := NewEngine(testDescriptor("b", pipeline.OneToMany, fastConfig()), nil, nil, nil)
	split := fnOneToMany(func(ctx context.Context, in interface{}) (Stream, error) {
		parts := strings.Split(in.(string), ",")
		items := make([]interface{}, len(parts))
		for i, p := range parts {
			items[i] = p
		}
		return streamOf(items...), nil
	})
	stream, err := engB.RunOneToMany(context.Background(), split, out)
	require.NoError(t, err)
	items := drain(stream)
	require.Len(t, items, 3)

	engC := NewEngine(testDescriptor("c", pipeline.ManyToOne, fastConfig()), nil, nil, nil)
	count := fnManyToOne(func(ctx context.Context, in Stream) (interface{}, error) {
		n := 0
		for range in.Items {
			n++
		}
		return n, nil
	})
	result, err := engC.RunManyToOne(context.Background(), count, streamOf(items...))
	require.NoError(t, err)
	assert.Equal(t, 3, result)
}

// E2: retry then success, exact delay bounds (invariant 1), no jitter.
func TestEngineRetryThenSucceedsWithinDelayBounds(t *testing.T) {
	cfg := pfconfig.StepConfig{RetryLimit: 3, RetryWait: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}
	eng := NewEngine(testDescriptor("a", pipeline.OneToOne, cfg), nil, nil, nil)

	calls := 0
	var timestamps []time.Time
	flaky := fnOneToOne(func(ctx context.Context, in interface{}) (interface{}, error) {
		timestamps = append(timestamps, time.Now())
		calls++
		if calls < 3 {
			return nil, errors.New("transient failure")
		}
		return in, nil
	})

	out, err := eng.RunOneToOne(context.Background(), flaky, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", out)
	assert.Equal(t, 3, calls)

	require.Len(t, timestamps, 3)
	d1 := timestamps[1].Sub(timestamps[0])
	d2 := timestamps[2].Sub(timestamps[1])
	assert.GreaterOrEqual(t, d1, 8*time.Millisecond)
	assert.GreaterOrEqual(t, d2, 18*time.Millisecond)
}

// E3: DLQ drop — step always fails, recoverOnFailure routes to DLQ.
func TestEngineRoutesExhaustedFailureToDeadLetter(t *testing.T) {
	cfg := pfconfig.StepConfig{RetryLimit: 2, RetryWait: time.Millisecond, MaxBackoff: 5 * time.Millisecond, RecoverOnFailure: true}
	var dlqCalls int
	var mu sync.Mutex
	dlq := func(ctx context.Context, item interface{}, cause error) {
		mu.Lock()
		defer mu.Unlock()
		dlqCalls++
	}
	eng := NewEngine(testDescriptor("a", pipeline.OneToOne, cfg), nil, nil, dlq)

	alwaysFails := fnOneToOne(func(ctx context.Context, in interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})

	out, err := eng.RunOneToOne(context.Background(), alwaysFails, "x")
	require.NoError(t, err)
	assert.Nil(t, out)
	mu.Lock()
	assert.Equal(t, 1, dlqCalls)
	mu.Unlock()
}

// Invariant 4: side-effect identity law.
func TestSideEffectReturnsInputUnchanged(t *testing.T) {
	eng := NewEngine(testDescriptor("observe", pipeline.SideEffect, fastConfig()), nil, nil, nil)
	var seen interface{}
	effect := fnSideEffect(func(ctx context.Context, in interface{}) error {
		seen = in
		return nil
	})
	out, err := eng.RunSideEffect(context.Background(), effect, 42)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 42, seen)
}

// Invariant 11: retryLimit=0 => at most one invocation, no delay.
func TestRetryLimitZeroMeansSingleInvocation(t *testing.T) {
	cfg := pfconfig.StepConfig{RetryLimit: 0, RetryWait: time.Second, MaxBackoff: time.Second}
	eng := NewEngine(testDescriptor("a", pipeline.OneToOne, cfg), nil, nil, nil)
	calls := 0
	alwaysFails := fnOneToOne(func(ctx context.Context, in interface{}) (interface{}, error) {
		calls++
		return nil, errors.New("boom")
	})
	start := time.Now()
	_, err := eng.RunOneToOne(context.Background(), alwaysFails, "x")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

// Invariant 12: empty input stream to MANY_ONE => zero user invocations.
func TestManyToOneEmptyStreamSkipsUserFold(t *testing.T) {
	eng := NewEngine(testDescriptor("c", pipeline.ManyToOne, fastConfig()), nil, nil, nil)
	invoked := false
	fold := fnManyToOne(func(ctx context.Context, in Stream) (interface{}, error) {
		invoked = true
		return nil, nil
	})
	out, err := eng.RunManyToOne(context.Background(), fold, streamOf())
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.False(t, invoked)
}

// Invariant 13: cancellation during backoff => no further retries, terminal Cancelled.
func TestCancellationDuringBackoffIsTerminal(t *testing.T) {
	cfg := pfconfig.StepConfig{RetryLimit: 10, RetryWait: 50 * time.Millisecond, MaxBackoff: time.Second}
	eng := NewEngine(testDescriptor("a", pipeline.OneToOne, cfg), nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	alwaysFails := fnOneToOne(func(ctx context.Context, in interface{}) (interface{}, error) {
		calls++
		return nil, errors.New("boom")
	})
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := eng.RunOneToOne(ctx, alwaysFails, "x")
	require.Error(t, err)
	assert.True(t, core.IsCancelled(err))
	assert.Less(t, calls, 10)
}

// Nil item is a non-retryable failure.
func TestNilItemIsNonRetryable(t *testing.T) {
	eng := NewEngine(testDescriptor("a", pipeline.OneToOne, fastConfig()), nil, nil, nil)
	called := false
	step := fnOneToOne(func(ctx context.Context, in interface{}) (interface{}, error) {
		called = true
		return in, nil
	})
	_, err := eng.RunOneToOne(context.Background(), step, nil)
	require.Error(t, err)
	assert.True(t, core.IsNonRetryable(err))
	assert.False(t, called)
}

// MapPerItem sequential: a per-item step following a ONE_MANY/MANY_MANY
// target must see one call per stream item, not one call against the
// boxed stream (spec.md §4.7 point 3).
func TestMapPerItemSequentialCallsOncePerStreamItem(t *testing.T) {
	eng := NewEngine(testDescriptor("per-item", pipeline.OneToOne, fastConfig()), nil, nil, nil)
	var seen []interface{}
	var mu sync.Mutex
	out := eng.MapPerItem(context.Background(), streamOf("a", "b", "c"), func(ctx context.Context, item interface{}) (interface{}, error) {
		mu.Lock()
		seen = append(seen, item)
		mu.Unlock()
		return item.(string) + "!", nil
	})
	results := drain(out)
	assert.Equal(t, []interface{}{"a", "b", "c"}, seen)
	assert.Equal(t, []interface{}{"a!", "b!", "c!"}, results)
}

// MapPerItem sequential stops emitting as soon as one item's call fails.
func TestMapPerItemSequentialStopsOnFirstError(t *testing.T) {
	eng := NewEngine(testDescriptor("per-item", pipeline.OneToOne, fastConfig()), nil, nil, nil)
	out := eng.MapPerItem(context.Background(), streamOf("a", "b", "c"), func(ctx context.Context, item interface{}) (interface{}, error) {
		if item == "b" {
			return nil, errors.New("boom")
		}
		return item, nil
	})
	results := drain(out)
	assert.Equal(t, []interface{}{"a"}, results)
	select {
	case err := <-out.Errs:
		require.Error(t, err)
	default:
		t.Fatal("expected an error on out.Errs")
	}
}

// MapPerItem parallel (Parallel=true) fans calls out but reassembles
// results positionally, so a downstream per-item step still sees one
// result per input item in arrival order even though execution itself
// ran concurrently.
func TestMapPerItemParallelReassemblesResultsInOrder(t *testing.T) {
	cfg := fastConfig()
	cfg.Parallel = true
	cfg.MaxConcurrency = 2
	eng := NewEngine(testDescriptor("per-item", pipeline.OneToOne, cfg), nil, nil, nil)

	out := eng.MapPerItem(context.Background(), streamOf("a", "b", "c", "d"), func(ctx context.Context, item interface{}) (interface{}, error) {
		return item.(string) + "!", nil
	})
	results := drain(out)
	assert.Equal(t, []interface{}{"a!", "b!", "c!", "d!"}, results)
}

// Engine.Inflight reports zero at rest and is observable mid-call.
func TestEngineInflightTracksConcurrentCalls(t *testing.T) {
	eng := NewEngine(testDescriptor("a", pipeline.OneToOne, fastConfig()), nil, nil, nil)
	assert.Equal(t, int64(0), eng.Inflight())

	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := fnOneToOne(func(ctx context.Context, in interface{}) (interface{}, error) {
		close(entered)
		<-release
		return in, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = eng.RunOneToOne(context.Background(), blocking, "x")
	}()

	<-entered
	assert.Equal(t, int64(1), eng.Inflight())
	close(release)
	<-done
	assert.Equal(t, int64(0), eng.Inflight())
}

func TestBackpressureBufferDeliversEveryItem(t *testing.T) {
	cfg := pfconfig.StepConfig{RetryLimit: 0, RetryWait: time.Millisecond, MaxBackoff: time.Millisecond, BackpressureBufferCapacity: 2, BackpressureStrategy: pfconfig.Buffer}
	eng := NewEngine(testDescriptor("b", pipeline.OneToMany, cfg), nil, nil, nil)

	produce := fnOneToMany(func(ctx context.Context, in interface{}) (Stream, error) {
		ch := make(chan interface{})
		go func() {
			defer close(ch)
			for i := 0; i < 10; i++ {
				ch <- strconv.Itoa(i)
			}
		}()
		return Stream{Items: ch, Errs: make(chan error)}, nil
	})

	out, err := eng.RunOneToMany(context.Background(), produce, "seed")
	require.NoError(t, err)
	items := drain(out)
	assert.Len(t, items, 10)
}
