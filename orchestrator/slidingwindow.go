package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"
)

// bucket accumulates retry and inflight-delta observations for one
// slice of the rolling window.
type bucket struct {
	timestamp    time.Time
	retries      uint64
	inflightGain int64
}

// killSwitchWindow is a rolling-window bucket structure tracking
// retry-rate vs. inflight-growth for the run-wide retry-amplification
// kill switch (spec.md §4.8/§9), repurposing the same bucketed
// sliding-window shape as resilience.SlidingWindow, with success/
// failure counters replaced by retries/inflightGain.
type killSwitchWindow struct {
	buckets      []bucket
	windowSize   time.Duration
	bucketSize   time.Duration
	currentIdx   int
	lastRotation time.Time
	mu           sync.RWMutex
}

func newKillSwitchWindow(windowSize time.Duration, bucketCount int) *killSwitchWindow {
	if bucketCount <= 0 {
		bucketCount = 10
	}
	bucketSize := windowSize / time.Duration(bucketCount)
	buckets := make([]bucket, bucketCount)
	now := time.Now()
	for i := range buckets {
		buckets[i].timestamp = now
	}
	return &killSwitchWindow{buckets: buckets, windowSize: windowSize, bucketSize: bucketSize, lastRotation: now}
}

func (w *killSwitchWindow) rotate() {
	now := time.Now()
	elapsed := now.Sub(w.lastRotation)
	if elapsed < 0 {
		w.resetLocked(now)
		return
	}
	if elapsed >= w.bucketSize {
		toRotate := int(elapsed / w.bucketSize)
		if toRotate > len(w.buckets) {
			toRotate = len(w.buckets)
		}
		for i := 0; i < toRotate; i++ {
			w.currentIdx = (w.currentIdx + 1) % len(w.buckets)
			w.buckets[w.currentIdx] = bucket{timestamp: now}
		}
		w.lastRotation = now
	}
}

func (w *killSwitchWindow) resetLocked(now time.Time) {
	for i := range w.buckets {
		w.buckets[i] = bucket{timestamp: now}
	}
	w.currentIdx = 0
	w.lastRotation = now
}

// RecordRetry records one retry attempt in the current bucket.
func (w *killSwitchWindow) RecordRetry() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	atomic.AddUint64(&w.buckets[w.currentIdx].retries, 1)
}

// RecordInflightDelta records a signed change in the run's aggregate
// inflight count.
func (w *killSwitchWindow) RecordInflightDelta(delta int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	atomic.AddInt64(&w.buckets[w.currentIdx].inflightGain, delta)
}

// Snapshot returns the total retries and net inflight growth observed
// within the rolling window.
func (w *killSwitchWindow) Snapshot() (retries uint64, inflightGrowth int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cutoff := time.Now().Add(-w.windowSize)
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.timestamp.After(cutoff) {
			retries += atomic.LoadUint64(&b.retries)
			inflightGrowth += atomic.LoadInt64(&b.inflightGain)
		}
	}
	return retries, inflightGrowth
}

// KillSwitchThresholds configures when the retry-amplification kill
// switch trips (spec.md §4.8/§9: "rolling window counters over
// inflight growth rate and retry rate").
type KillSwitchThresholds struct {
	WindowSize     time.Duration
	BucketCount    int
	MaxRetries     uint64
	MaxInflightGrowth int64
}

// DefaultKillSwitchThresholds returns conservative defaults: a 10s
// window, 10 buckets, tripping past 100 retries or 500 net new inflight
// items within the window.
func DefaultKillSwitchThresholds() KillSwitchThresholds {
	return KillSwitchThresholds{WindowSize: 10 * time.Second, BucketCount: 10, MaxRetries: 100, MaxInflightGrowth: 500}
}

// Tripped reports whether the window's current snapshot exceeds either
// configured threshold: sustained retries alone, or inflight growth
// alone, is enough to trip (spec.md §4.8/§9 "rolling window counters
// over inflight growth rate and retry rate").
func (t KillSwitchThresholds) Tripped(w *killSwitchWindow) bool {
	retries, growth := w.Snapshot()
	return retries > t.MaxRetries || growth > t.MaxInflightGrowth
}
