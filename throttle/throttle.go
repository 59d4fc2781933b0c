// Package throttle implements the per-direction rate/latency accounting
// from spec §3/§4.3: a max bandwidth, a minimum inter-operation latency, and
// a second-aligned byte counter that hands back either an allowance or a
// retry hint.
package throttle

import (
	"sync"
	"time"
)

// Throttle is safe for concurrent use; Request/Report are typically called
// from the stream filter that owns this direction of one Connection, but
// a Throttle may be shared across many connections via a Group (spec §4.6).
type Throttle struct {
	mu sync.Mutex

	bandwidth  int64 // bytes/sec, 0 = unlimited
	minLatency time.Duration

	secondStart     time.Time
	bytesThisSecond int64
	lastTransfer    time.Time

	// Cumulative byte counts reported by Snapshot: what Request allowed and
	// what it denied.
	totalAllowed int64
	totalDenied  int64
}

// New creates a Throttle. bandwidth of 0 means unlimited; minLatency of 0
// means no latency floor.
func New(bandwidth int64, minLatency time.Duration) *Throttle {
	return &Throttle{bandwidth: bandwidth, minLatency: minLatency}
}

func (t *Throttle) rolloverLocked(now time.Time) {
	if now.Sub(t.secondStart) >= time.Second {
		t.secondStart = now
		t.bytesThisSecond = 0
	}
}

// Request returns how many of the size bytes the caller may transfer right
// now, and — when that is less than size — a retry hint in milliseconds.
func (t *Throttle) Request(size int) (allowed int, retryHintMs int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.secondStart.IsZero() {
		t.secondStart = now
	}
	t.rolloverLocked(now)

	if t.minLatency > 0 && !t.lastTransfer.IsZero() {
		elapsed := now.Sub(t.lastTransfer)
		if elapsed < t.minLatency {
			remaining := t.minLatency - elapsed
			t.totalDenied += int64(size)
			return 0, int(remaining.Milliseconds()) + 1
		}
	}

	if t.bandwidth <= 0 {
		t.totalAllowed += int64(size)
		return size, 0
	}

	remainingBudget := t.bandwidth - t.bytesThisSecond
	if remainingBudget < 0 {
		remainingBudget = 0
	}

	allowed = size
	if int64(allowed) > remainingBudget {
		allowed = int(remainingBudget)
	}

	if allowed < size {
		untilRollover := time.Second - now.Sub(t.secondStart)
		if untilRollover < 0 {
			untilRollover = 0
		}
		retryHintMs = int(untilRollover.Milliseconds()) + 1
	}

	t.totalAllowed += int64(allowed)
	t.totalDenied += int64(size - allowed)
	return allowed, retryHintMs
}

// Report records that size bytes were actually transferred, stamping the
// last-transfer time used by the latency check.
func (t *Throttle) Report(size int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.secondStart.IsZero() {
		t.secondStart = now
	}
	t.rolloverLocked(now)

	t.bytesThisSecond += int64(size)
	t.lastTransfer = now
}

// Snapshot is a point-in-time copy of the throttle's counters. Nothing in
// the repository polls or logs it periodically.
type Snapshot struct {
	BytesThisSecond int64
	TotalAllowed    int64
	TotalDenied     int64
}

func (t *Throttle) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		BytesThisSecond: t.bytesThisSecond,
		TotalAllowed:    t.totalAllowed,
		TotalDenied:     t.totalDenied,
	}
}

// Chain composes multiple throttles (e.g. a per-connection one plus a
// per-group one) per spec.md §4.3: "the effective allowance is the
// element-wise minimum; the effective hint is the element-wise maximum."
type Chain []*Throttle

func (c Chain) Request(size int) (allowed int, retryHintMs int) {
	if len(c) == 0 {
		return size, 0
	}
	allowed = size
	for _, t := range c {
		a, hint := t.Request(size)
		if a < allowed {
			allowed = a
		}
		if hint > retryHintMs {
			retryHintMs = hint
		}
	}
	return allowed, retryHintMs
}

func (c Chain) Report(size int) {
	for _, t := range c {
		t.Report(size)
	}
}
