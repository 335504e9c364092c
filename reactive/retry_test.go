package reactive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbarcia/pipelineframework/core"
)

func TestRetryPolicyDelayCapsAtMaxBackoffNoJitter(t *testing.T) {
	p := RetryPolicy{Wait: 10 * time.Millisecond, MaxBackoff: 35 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Delay(0))
	assert.Equal(t, 20*time.Millisecond, p.Delay(1))
	assert.Equal(t, 35*time.Millisecond, p.Delay(2)) // 40ms capped to 35ms
}

func TestRetryPolicyDelayJitterWithinBounds(t *testing.T) {
	p := RetryPolicy{Wait: 100 * time.Millisecond, MaxBackoff: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestDoSucceedsWithinBudgetAfterFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{Limit: 3, Wait: time.Millisecond, MaxBackoff: 10 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsRetryLimitThenFails(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{Limit: 2, Wait: time.Millisecond, MaxBackoff: 10 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls) // 1 initial + 2 retries
}

func TestDoRetryLimitZeroMeansSingleAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), RetryPolicy{Limit: 0, Wait: time.Millisecond, MaxBackoff: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return errors.New("fails")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoBypassesRetryForNonRetryableError(t *testing.T) {
	calls := 0
	nonRetryable := core.NonRetryable("step", errors.New("nil item"))
	err := Do(context.Background(), RetryPolicy{Limit: 5, Wait: time.Millisecond, MaxBackoff: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return nonRetryable
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoCancellationDuringBackoffStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, RetryPolicy{Limit: 10, Wait: 50 * time.Millisecond, MaxBackoff: time.Second}, func(ctx context.Context) error {
		calls++
		return errors.New("fails")
	})
	require.Error(t, err)
	assert.True(t, core.IsCancelled(err))
	assert.Less(t, calls, 10)
}
