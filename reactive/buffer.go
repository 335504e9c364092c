package reactive

import (
	"context"

	"github.com/mbarcia/pipelineframework/core"
)

// BufferStrategy is the backpressure behavior applied when a step's
// input queue is full (spec.md §4.4/§5).
type BufferStrategy string

const (
	StrategyBuffer BufferStrategy = "BUFFER"
	StrategyDrop   BufferStrategy = "DROP"
)

// Buffer is a fixed-capacity channel-backed queue implementing the
// BUFFER/DROP backpressure strategies (spec.md §8 invariants 2/3):
// under BUFFER, Push suspends the producer once Capacity items are
// queued; under DROP, Push discards the newest item on overflow and
// increments DropCount.
type Buffer struct {
	Strategy BufferStrategy
	Capacity int

	ch        chan interface{}
	dropCount int64
}

// NewBuffer constructs a Buffer with the given strategy and capacity.
// An unrecognized strategy defaults to BUFFER(128) per spec.md §4.4
// point 1 ("Unknown strategy -> default to BUFFER(128) with a warning");
// callers are expected to log that fallback themselves since Buffer has
// no logger dependency.
func NewBuffer(strategy BufferStrategy, capacity int) *Buffer {
	if strategy != StrategyBuffer && strategy != StrategyDrop {
		strategy = StrategyBuffer
	}
	if capacity < 1 {
		capacity = 128
	}
	return &Buffer{Strategy: strategy, Capacity: capacity, ch: make(chan interface{}, capacity)}
}

// Push enqueues item. Under BUFFER it blocks until space is free or ctx
// is cancelled. Under DROP it never blocks: on overflow the item is
// discarded and the drop counter increments.
func (b *Buffer) Push(ctx context.Context, item interface{}) error {
	switch b.Strategy {
	case StrategyDrop:
		select {
		case b.ch <- item:
			return nil
		default:
			b.dropCount++
			return nil
		}
	default:
		select {
		case b.ch <- item:
			return nil
		case <-ctx.Done():
			return core.NewFrameworkError("reactive.Buffer.Push", core.KindCancelled, ctx.Err())
		}
	}
}

// Pop dequeues the next item, blocking until one is available, the
// buffer is closed, or ctx is cancelled.
func (b *Buffer) Pop(ctx context.Context) (interface{}, bool, error) {
	select {
	case item, ok := <-b.ch:
		return item, ok, nil
	case <-ctx.Done():
		return nil, false, core.NewFrameworkError("reactive.Buffer.Pop", core.KindCancelled, ctx.Err())
	}
}

// Close signals that no further items will be pushed.
func (b *Buffer) Close() { close(b.ch) }

// Len reports the number of items currently queued; never exceeds
// Capacity (spec.md §8 invariant 2).
func (b *Buffer) Len() int { return len(b.ch) }

// DropCount reports the number of items discarded under DROP overflow
// (spec.md §8 invariant 3).
func (b *Buffer) DropCount() int64 { return b.dropCount }
