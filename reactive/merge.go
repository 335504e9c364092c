package reactive

import (
	"context"
	"sync"
)

// Merge runs fn over each item in items with at most maxConcurrency
// goroutines in flight. Calls run in no fixed order, but results are
// collected positionally: results[i] and errs[i] belong to items[i]
// (spec.md §5). Grounded on
// gomind/pkg/orchestration/executor.go's semaphore-gated executeParallel.
// maxConcurrency <= 0 means unbounded.
func Merge[T, R any](ctx context.Context, items []T, maxConcurrency int, fn func(context.Context, T) (R, error)) ([]R, []error) {
	n := len(items)
	results := make([]R, n)
	errs := make([]error, n)

	var sem chan struct{}
	if maxConcurrency > 0 {
		sem = make(chan struct{}, maxConcurrency)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i, item := range items {
		i, item := i, item
		go func() {
			defer wg.Done()
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					errs[i] = ctx.Err()
					return
				}
			}
			results[i], errs[i] = fn(ctx, item)
		}()
	}
	wg.Wait()
	return results, errs
}
