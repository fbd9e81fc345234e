/*
Package core throttling: the outbound request throttle and the progress
notifier both live here. The throttle bounds how fast classifications leave
the process; the notifier bounds how often progress callbacks fire.
*/
package core

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/x-stp/gostscan/internal/metrics"
)

// Throttle tuning constants defining the behavior of the adaptive trim.
const (
	// MinThrottleRate is the minimum allowed rate in requests per second (RPS).
	// The throttle will not trim the rate below this value.
	MinThrottleRate = 0.5
	// MaxThrottleRate is the maximum allowed rate in requests per second (RPS).
	// The throttle will not recover the rate above the configured base rate,
	// and never above this ceiling.
	MaxThrottleRate = 500.0
	// RateRecoverStep is the additive amount by which the rate is raised after
	// a successful dispatch, creeping back toward the configured base rate.
	RateRecoverStep = 0.5
	// RateTrimFactor is the multiplicative cut applied after a failed dispatch.
	// Failures usually mean replicas are saturated; easing off beats hammering.
	RateTrimFactor = 0.5
)

// Throttle is the outbound request throttle: a token bucket (x/time/rate)
// whose limit adapts to dispatch outcomes. Successes slowly restore the
// configured rate; failures cut it multiplicatively, floored at
// MinThrottleRate.
//
// Concurrency: the base rate is stored as float64 bits manipulated via
// atomics; the underlying rate.Limiter is already safe for concurrent use.
type Throttle struct {
	limiter *rate.Limiter
	// baseRate stores the bit representation of the configured (ceiling) rate.
	baseRate uint64
	// currentRate stores the bit representation of the adaptive rate.
	currentRate  uint64
	successCount atomic.Uint64
	failureCount atomic.Uint64
	// adjustMu serializes read-modify-write rate adjustments; Wait never takes it.
	adjustMu sync.Mutex
}

// NewThrottle creates a throttle with the given sustained rate and burst.
// Non-positive parameters select DefaultThrottleRate and DefaultThrottleBurst.
func NewThrottle(ratePerSec float64, burst int) *Throttle {
	if ratePerSec <= 0 {
		ratePerSec = DefaultThrottleRate
	}
	if ratePerSec > MaxThrottleRate {
		ratePerSec = MaxThrottleRate
	}
	if burst <= 0 {
		burst = DefaultThrottleBurst
	}
	t := &Throttle{
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
	atomic.StoreUint64(&t.baseRate, math.Float64bits(ratePerSec))
	atomic.StoreUint64(&t.currentRate, math.Float64bits(ratePerSec))
	return t
}

// Wait blocks until the throttle admits one request or ctx is cancelled.
//
// Hot path: every outbound classification passes through here.
func (t *Throttle) Wait(ctx context.Context) error {
	m := metrics.GetMetrics()
	start := time.Now()
	err := t.limiter.Wait(ctx)
	if metrics.IsMetricsEnabled() {
		m.ThrottleWaitDuration.WithLabelValues().Observe(time.Since(start).Seconds())
	}
	return err
}

// RecordSuccess is called after a dispatch succeeds. The rate creeps back
// toward the configured base rate by RateRecoverStep.
func (t *Throttle) RecordSuccess() {
	t.successCount.Add(1)
	t.adjustRate(true)
}

// RecordFailure is called after a dispatch fails on a replica. The rate is
// cut by RateTrimFactor, floored at MinThrottleRate.
func (t *Throttle) RecordFailure() {
	t.failureCount.Add(1)
	t.adjustRate(false)
}

// CurrentRate returns the current effective rate limit in requests per second.
func (t *Throttle) CurrentRate() float64 {
	return math.Float64frombits(atomic.LoadUint64(&t.currentRate))
}

// adjustRate applies the adaptive trim or recovery and propagates the new
// limit into the underlying token bucket.
func (t *Throttle) adjustRate(success bool) {
	t.adjustMu.Lock()
	defer t.adjustMu.Unlock()

	current := math.Float64frombits(atomic.LoadUint64(&t.currentRate))
	base := math.Float64frombits(atomic.LoadUint64(&t.baseRate))

	var newRate float64
	if success {
		newRate = current + RateRecoverStep
		if newRate > base {
			newRate = base // Recovery never exceeds the configured rate.
		}
	} else {
		newRate = current * RateTrimFactor
		if newRate < MinThrottleRate {
			newRate = MinThrottleRate
		}
	}

	if newRate == current {
		return
	}
	atomic.StoreUint64(&t.currentRate, math.Float64bits(newRate))
	t.limiter.SetLimit(rate.Limit(newRate))
	metrics.GetMetrics().UpdateThrottleRate(newRate)
}

// Stats returns a map containing current statistics of the throttle.
// Useful for the periodic scan stats log line.
func (t *Throttle) Stats() map[string]interface{} {
	return map[string]interface{}{
		"current_rate":  t.CurrentRate(),
		"success_count": t.successCount.Load(),
		"failure_count": t.failureCount.Load(),
	}
}

// Progress is one snapshot of batch scan progress.
type Progress struct {
	Done  int
	Total int
	// Verdicts counts finished domains per verdict wire name.
	Verdicts map[string]int
}

// ProgressFunc receives throttled progress snapshots during a batch scan.
type ProgressFunc func(Progress)

// ProgressNotifier rate-limits progress callbacks so UI updates and log
// lines stay readable on fast batches. Notify drops snapshots arriving
// within the minimum interval; Flush always delivers, so the final state
// of a batch is never lost.
type ProgressNotifier struct {
	mu       sync.Mutex
	fn       ProgressFunc
	interval time.Duration
	last     time.Time
}

// NewProgressNotifier wraps fn with a minimum interval between deliveries.
// A nil fn yields a notifier that discards everything; a non-positive
// interval selects MinimumProgressInterval.
func NewProgressNotifier(fn ProgressFunc, interval time.Duration) *ProgressNotifier {
	if interval <= 0 {
		interval = MinimumProgressInterval
	}
	return &ProgressNotifier{fn: fn, interval: interval}
}

// Notify delivers the snapshot unless one was delivered within the minimum
// interval. Returns true when the snapshot was delivered.
func (n *ProgressNotifier) Notify(p Progress) bool {
	if n.fn == nil {
		return false
	}
	n.mu.Lock()
	now := time.Now()
	if !n.last.IsZero() && now.Sub(n.last) < n.interval {
		n.mu.Unlock()
		return false
	}
	n.last = now
	n.mu.Unlock()

	n.fn(p)
	return true
}

// Flush delivers the snapshot unconditionally, resetting the interval clock.
func (n *ProgressNotifier) Flush(p Progress) {
	if n.fn == nil {
		return
	}
	n.mu.Lock()
	n.last = time.Now()
	n.mu.Unlock()

	n.fn(p)
}
