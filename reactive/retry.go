// Package reactive provides the combinators the step engine composes:
// a backpressure buffer, exponential-backoff retry with jitter, and a
// bounded-concurrency merge with positional results. The attempt-loop/backoff shape is
// grounded directly on resilience/retry.go; the bounded-merge shape on
// gomind/pkg/orchestration/executor.go's semaphore-gated executeParallel.
package reactive

import (
	"context"
	"math/rand"
	"time"

	"github.com/mbarcia/pipelineframework/core"
)

// RetryPolicy is the exponential-backoff-with-jitter policy described in
// spec.md §4.4 invariant 1: delay_n = min(retryWait*2^n, maxBackoff),
// multiplied by a uniform jitter factor in [0.5, 1.5] when Jitter is set.
type RetryPolicy struct {
	Limit      int
	Wait       time.Duration
	MaxBackoff time.Duration
	Jitter     bool
}

// Delay returns the backoff delay before retry attempt n (0-indexed:
// n=0 is the delay before the first retry, after the initial attempt
// failed).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := p.Wait
	for i := 0; i < n; i++ {
		d *= 2
		if d > p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter {
		factor := 0.5 + rand.Float64()
		d = time.Duration(float64(d) * factor)
	}
	return d
}

// NonRetryable marks err as never eligible for retry regardless of
// remaining budget (spec.md §4.4: null input, cache-policy violations,
// explicitly wrapped non-retryable causes).
func NonRetryable(err error) bool {
	if err == nil {
		return false
	}
	return core.IsNonRetryable(err) || core.IsCachePolicyViolation(err) ||
		core.IsConfiguration(err) || core.IsCancelled(err) || core.IsKillSwitch(err)
}

// Do runs fn up to policy.Limit+1 times total (1 initial attempt plus
// up to Limit retries), sleeping policy.Delay(n) between attempts,
// honoring ctx cancellation during the sleep (spec.md §8 invariant 13:
// cancellation during backoff yields no further retries, terminal
// Cancelled, no DLQ). NonRetryable errors bypass the remaining budget
// immediately.
func Do(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= policy.Limit; attempt++ {
		if err := ctx.Err(); err != nil {
			return core.NewFrameworkError("reactive.Do", core.KindCancelled, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if NonRetryable(lastErr) {
			return lastErr
		}
		if attempt == policy.Limit {
			break
		}

		delay := policy.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.NewFrameworkError("reactive.Do", core.KindCancelled, ctx.Err())
		case <-timer.C:
		}
	}
	kind := core.KindTransient
	if core.IsNonRetryable(lastErr) {
		kind = core.KindNonRetryable
	}
	return &core.FrameworkError{
		Op:      "reactive.Do",
		Kind:    kind,
		Message: "retries exhausted",
		Err:     lastErr,
	}
}
