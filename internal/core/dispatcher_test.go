package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/x-stp/gostscan/internal/certscan"
	"github.com/x-stp/gostscan/internal/replica"
)

// fakeChecker scripts per-call outcomes and records which checker served
// which call.
type fakeChecker struct {
	name string

	mu      sync.Mutex
	calls   int
	fail    int  // Fail the first N calls with ErrReplicaUnavailable.
	failAll bool // Fail every call.
	verdict certscan.Verdict
	delay   time.Duration
	err     error // Non-replica error to return instead.
}

func (f *fakeChecker) Check(ctx context.Context, domain string) (*replica.Result, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.failAll || n <= f.fail {
		return nil, &replica.ErrReplicaUnavailable{Endpoint: f.name, Status: 503}
	}
	return &replica.Result{Domain: domain, Verdict: f.verdict, IsGOST: f.verdict.IsGOST()}, nil
}

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPool(checkers ...*fakeChecker) *Pool {
	eps := make([]*Endpoint, len(checkers))
	for i, c := range checkers {
		eps[i] = &Endpoint{Name: c.name, Checker: c}
	}
	return NewPool(eps, time.Minute)
}

func TestDispatchHappyPath(t *testing.T) {
	t.Parallel()

	c := &fakeChecker{name: "r1", verdict: certscan.VerdictGOSTCert}
	d := NewDispatcher(newTestPool(c), nil, time.Second, 3)

	res, err := d.Dispatch(context.Background(), "gosuslugi.ru")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Verdict != certscan.VerdictGOSTCert {
		t.Errorf("verdict = %v, want %v", res.Verdict, certscan.VerdictGOSTCert)
	}
	if c.callCount() != 1 {
		t.Errorf("calls = %d, want 1", c.callCount())
	}
}

func TestDispatchRetriesOnDifferentReplica(t *testing.T) {
	t.Parallel()

	bad := &fakeChecker{name: "bad", failAll: true}
	good := &fakeChecker{name: "good", verdict: certscan.VerdictGOSTCipher}
	pool := newTestPool(bad, good)
	d := NewDispatcher(pool, nil, time.Second, 3)

	res, err := d.Dispatch(context.Background(), "sberbank.ru")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Verdict != certscan.VerdictGOSTCipher {
		t.Errorf("verdict = %v, want %v", res.Verdict, certscan.VerdictGOSTCipher)
	}
	if bad.callCount() != 1 {
		t.Errorf("failing replica called %d times, want 1 (retry must move on)", bad.callCount())
	}
	if good.callCount() != 1 {
		t.Errorf("good replica called %d times, want 1", good.callCount())
	}
}

func TestDispatchExhaustionYieldsConnectionError(t *testing.T) {
	t.Parallel()

	r1 := &fakeChecker{name: "r1", failAll: true}
	r2 := &fakeChecker{name: "r2", failAll: true}
	r3 := &fakeChecker{name: "r3", failAll: true}
	d := NewDispatcher(newTestPool(r1, r2, r3), nil, time.Second, 3)

	res, err := d.Dispatch(context.Background(), "unreachable.example")
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	if res == nil || res.Verdict != certscan.VerdictConnectionError {
		t.Fatalf("result = %+v, want connection-error verdict", res)
	}

	// Exactly maxAttempts total, each on a distinct replica.
	total := r1.callCount() + r2.callCount() + r3.callCount()
	if total != 3 {
		t.Errorf("total attempts = %d, want 3", total)
	}
	for _, c := range []*fakeChecker{r1, r2, r3} {
		if c.callCount() != 1 {
			t.Errorf("replica %s called %d times, want 1", c.name, c.callCount())
		}
	}
}

func TestDispatchAttemptsBoundedBelowPoolSize(t *testing.T) {
	t.Parallel()

	// Five replicas, but only two attempts allowed.
	var checkers []*fakeChecker
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		checkers = append(checkers, &fakeChecker{name: name, failAll: true})
	}
	d := NewDispatcher(newTestPool(checkers...), nil, time.Second, 2)

	_, err := d.Dispatch(context.Background(), "unreachable.example")
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	total := 0
	for _, c := range checkers {
		total += c.callCount()
	}
	if total != 2 {
		t.Errorf("total attempts = %d, want exactly 2", total)
	}
}

func TestDispatchNonReplicaErrorIsFinal(t *testing.T) {
	t.Parallel()

	rejecting := &fakeChecker{name: "r1", err: errors.New("replica rejected domain")}
	spare := &fakeChecker{name: "r2", verdict: certscan.VerdictForeignCA}
	d := NewDispatcher(newTestPool(rejecting, spare), nil, time.Second, 3)

	_, err := d.Dispatch(context.Background(), "weird-input")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("rejection must not be retried to exhaustion: %v", err)
	}
	if spare.callCount() != 0 {
		t.Errorf("spare replica called %d times, want 0", spare.callCount())
	}
}

func TestDispatchContextCancellation(t *testing.T) {
	t.Parallel()

	slow := &fakeChecker{name: "slow", delay: time.Second, verdict: certscan.VerdictForeignCA}
	d := NewDispatcher(newTestPool(slow), nil, 10*time.Second, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Dispatch(ctx, "slow.example")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestDispatchAttemptTimeoutCoolsReplica(t *testing.T) {
	t.Parallel()

	slow := &fakeChecker{name: "slow", delay: time.Second, verdict: certscan.VerdictForeignCA}
	fast := &fakeChecker{name: "fast", verdict: certscan.VerdictRussianCA}
	pool := newTestPool(slow, fast)
	d := NewDispatcher(pool, nil, 50*time.Millisecond, 3)

	res, err := d.Dispatch(context.Background(), "flaky.example")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Verdict != certscan.VerdictRussianCA {
		t.Errorf("verdict = %v, want fallback to fast replica", res.Verdict)
	}
	if pool.HealthyCount() != 1 {
		t.Errorf("healthy count = %d, want 1 (slow replica cooling down)", pool.HealthyCount())
	}
}

func TestPoolRoundRobinSkipsCooldown(t *testing.T) {
	t.Parallel()

	a := &Endpoint{Name: "a", Checker: &fakeChecker{name: "a"}}
	b := &Endpoint{Name: "b", Checker: &fakeChecker{name: "b"}}
	c := &Endpoint{Name: "c", Checker: &fakeChecker{name: "c"}}
	p := NewPool([]*Endpoint{a, b, c}, time.Minute)

	if got := p.Pick(nil); got != a {
		t.Fatalf("first pick = %v, want a", got.Name)
	}
	if got := p.Pick(nil); got != b {
		t.Fatalf("second pick = %v, want b", got.Name)
	}

	p.RecordFailure(c)
	if got := p.Pick(nil); got != a {
		t.Fatalf("pick after c cooldown = %v, want wrap to a", got.Name)
	}
	if p.HealthyCount() != 2 {
		t.Errorf("healthy = %d, want 2", p.HealthyCount())
	}

	p.RecordSuccess(c)
	if p.HealthyCount() != 3 {
		t.Errorf("healthy after recovery = %d, want 3", p.HealthyCount())
	}
}

func TestPoolFallsBackToLeastRecentlyFailed(t *testing.T) {
	t.Parallel()

	a := &Endpoint{Name: "a", Checker: &fakeChecker{name: "a"}}
	b := &Endpoint{Name: "b", Checker: &fakeChecker{name: "b"}}
	p := NewPool([]*Endpoint{a, b}, time.Hour)

	p.RecordFailure(a)
	time.Sleep(5 * time.Millisecond)
	p.RecordFailure(b)

	// Fully degraded pool still serves the least recently failed endpoint.
	if got := p.Pick(nil); got != a {
		t.Fatalf("pick = %v, want least recently failed a", got.Name)
	}
}

func TestPoolPickExcludes(t *testing.T) {
	t.Parallel()

	a := &Endpoint{Name: "a", Checker: &fakeChecker{name: "a"}}
	p := NewPool([]*Endpoint{a}, time.Minute)

	if got := p.Pick(map[*Endpoint]bool{a: true}); got != nil {
		t.Fatalf("pick with sole endpoint excluded = %v, want nil", got.Name)
	}
}
