package core

import (
	"context"
	"testing"
	"time"
)

func TestThrottleTrimsOnFailure(t *testing.T) {
	t.Parallel()

	th := NewThrottle(100, 10)
	if got := th.CurrentRate(); got != 100 {
		t.Fatalf("initial rate = %v, want 100", got)
	}

	th.RecordFailure()
	if got := th.CurrentRate(); got != 50 {
		t.Fatalf("rate after one failure = %v, want 50", got)
	}

	// Repeated failures floor at MinThrottleRate.
	for i := 0; i < 20; i++ {
		th.RecordFailure()
	}
	if got := th.CurrentRate(); got != MinThrottleRate {
		t.Fatalf("rate after many failures = %v, want floor %v", got, MinThrottleRate)
	}
}

func TestThrottleRecoversTowardBase(t *testing.T) {
	t.Parallel()

	th := NewThrottle(2, 5)
	th.RecordFailure() // 1.0
	th.RecordSuccess() // 1.5
	th.RecordSuccess() // 2.0
	th.RecordSuccess() // capped at base
	if got := th.CurrentRate(); got != 2 {
		t.Fatalf("rate = %v, want recovery capped at base 2", got)
	}
}

func TestThrottleWaitHonorsContext(t *testing.T) {
	t.Parallel()

	// Rate so low the second Wait cannot be satisfied within the deadline.
	th := NewThrottle(MinThrottleRate, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := th.Wait(ctx); err != nil {
		t.Fatalf("first Wait should use the burst token: %v", err)
	}
	if err := th.Wait(ctx); err == nil {
		t.Fatal("second Wait should fail on context deadline")
	}
}

func TestThrottleDefaults(t *testing.T) {
	t.Parallel()

	th := NewThrottle(0, 0)
	if got := th.CurrentRate(); got != DefaultThrottleRate {
		t.Fatalf("rate = %v, want default %v", got, DefaultThrottleRate)
	}
}

func TestProgressNotifierThrottlesDeliveries(t *testing.T) {
	t.Parallel()

	var delivered []Progress
	n := NewProgressNotifier(func(p Progress) { delivered = append(delivered, p) }, 100*time.Millisecond)

	if !n.Notify(Progress{Done: 1, Total: 10}) {
		t.Fatal("first Notify should deliver")
	}
	if n.Notify(Progress{Done: 2, Total: 10}) {
		t.Fatal("second Notify within interval should be dropped")
	}

	time.Sleep(120 * time.Millisecond)
	if !n.Notify(Progress{Done: 3, Total: 10}) {
		t.Fatal("Notify after interval should deliver")
	}

	if len(delivered) != 2 {
		t.Fatalf("delivered %d snapshots, want 2", len(delivered))
	}
	if delivered[1].Done != 3 {
		t.Errorf("second delivery Done = %d, want 3", delivered[1].Done)
	}
}

func TestProgressNotifierFlushAlwaysDelivers(t *testing.T) {
	t.Parallel()

	var delivered []Progress
	n := NewProgressNotifier(func(p Progress) { delivered = append(delivered, p) }, time.Hour)

	n.Notify(Progress{Done: 1, Total: 2})
	n.Flush(Progress{Done: 2, Total: 2}) // Final state must never be lost.

	if len(delivered) != 2 {
		t.Fatalf("delivered %d snapshots, want 2", len(delivered))
	}
	if delivered[1].Done != 2 {
		t.Errorf("flushed Done = %d, want 2", delivered[1].Done)
	}
}

func TestProgressNotifierNilFunc(t *testing.T) {
	t.Parallel()

	n := NewProgressNotifier(nil, time.Second)
	if n.Notify(Progress{Done: 1}) {
		t.Fatal("nil callback must not report delivery")
	}
	n.Flush(Progress{Done: 1}) // Must not panic.
}
