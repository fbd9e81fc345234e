package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/x-stp/gostscan/internal/cache"
	"github.com/x-stp/gostscan/internal/certscan"
	"github.com/x-stp/gostscan/internal/metrics"
	"github.com/x-stp/gostscan/internal/replica"
)

func newBatchDispatcher(checkers ...*fakeChecker) *Dispatcher {
	return NewDispatcher(newTestPool(checkers...), nil, time.Second, 3)
}

func TestBatchRunClassifiesEveryDomain(t *testing.T) {
	t.Parallel()

	c := &fakeChecker{name: "r1", verdict: certscan.VerdictGOSTCert}
	b := NewBatchScanner(newBatchDispatcher(c), nil, BatchConfig{Parallelism: 2})

	domains := []string{"gosuslugi.ru", "nalog.ru", "sberbank.ru"}
	results, err := b.Run(context.Background(), domains)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Domain != domains[i] {
			t.Errorf("result %d domain = %q, want %q (input order preserved)", i, r.Domain, domains[i])
		}
		if r.Verdict != certscan.VerdictGOSTCert {
			t.Errorf("result %d verdict = %v", i, r.Verdict)
		}
		if r.Err != nil {
			t.Errorf("result %d err = %v", i, r.Err)
		}
	}
}

func TestBatchRunDeduplicatesDomains(t *testing.T) {
	t.Parallel()

	c := &fakeChecker{name: "r1", verdict: certscan.VerdictRussianCA}
	b := NewBatchScanner(newBatchDispatcher(c), nil, BatchConfig{Parallelism: 1})

	results, err := b.Run(context.Background(), []string{"dup.example", "DUP.example", "https://dup.example/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.callCount() != 1 {
		t.Fatalf("checker called %d times, want 1 for deduplicated input", c.callCount())
	}
	for i, r := range results {
		if r.Domain != "dup.example" || r.Verdict != certscan.VerdictRussianCA {
			t.Errorf("result %d = %+v", i, r)
		}
	}
	if results[1].Input != "DUP.example" {
		t.Errorf("input %q not preserved", results[1].Input)
	}
}

func TestBatchRunInvalidDomainDoesNotAbort(t *testing.T) {
	t.Parallel()

	c := &fakeChecker{name: "r1", verdict: certscan.VerdictForeignCA}
	b := NewBatchScanner(newBatchDispatcher(c), nil, BatchConfig{Parallelism: 1})

	results, err := b.Run(context.Background(), []string{"ok.example", "-bad-.example", ""})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Err != nil {
		t.Errorf("valid domain errored: %v", results[0].Err)
	}
	for _, i := range []int{1, 2} {
		if results[i].Err == nil {
			t.Errorf("result %d: expected error for invalid input %q", i, results[i].Input)
		}
	}
	if got := b.Stats().Invalid.Load(); got != 2 {
		t.Errorf("invalid count = %d, want 2", got)
	}
}

func TestBatchRunAllInvalid(t *testing.T) {
	t.Parallel()

	b := NewBatchScanner(newBatchDispatcher(&fakeChecker{name: "r1"}), nil, BatchConfig{})
	_, err := b.Run(context.Background(), []string{"", "   "})
	if !errors.Is(err, ErrNoDomains) {
		t.Fatalf("err = %v, want ErrNoDomains", err)
	}
}

func TestBatchRunExhaustedDomainGetsConnectionError(t *testing.T) {
	t.Parallel()

	c := &fakeChecker{name: "r1", failAll: true}
	b := NewBatchScanner(newBatchDispatcher(c), nil, BatchConfig{Parallelism: 1})

	results, err := b.Run(context.Background(), []string{"down.example"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Verdict != certscan.VerdictConnectionError {
		t.Errorf("verdict = %v, want connection error", results[0].Verdict)
	}
	if results[0].Err == nil {
		t.Error("expected Err set for exhausted domain")
	}
	if got := b.Stats().Failed.Load(); got != 1 {
		t.Errorf("failed count = %d, want 1", got)
	}
}

func TestBatchRunUsesCache(t *testing.T) {
	t.Parallel()

	store, err := cache.Open(filepath.Join(t.TempDir(), "verdicts.db"), time.Hour, 100)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	defer store.Close()

	c := &fakeChecker{name: "r1", verdict: certscan.VerdictGOSTCipher}
	b := NewBatchScanner(newBatchDispatcher(c), store, BatchConfig{Parallelism: 1})

	if _, err := b.Run(context.Background(), []string{"cached.example"}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if c.callCount() != 1 {
		t.Fatalf("checker called %d times after first run", c.callCount())
	}

	// Second batch is served from disk.
	b2 := NewBatchScanner(newBatchDispatcher(c), store, BatchConfig{Parallelism: 1})
	results, err := b2.Run(context.Background(), []string{"cached.example"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if c.callCount() != 1 {
		t.Errorf("checker called %d times, want cache to absorb second run", c.callCount())
	}
	if !results[0].FromCache {
		t.Error("expected FromCache on second run")
	}
	if results[0].Verdict != certscan.VerdictGOSTCipher {
		t.Errorf("verdict = %v", results[0].Verdict)
	}
	if got := b2.Stats().CacheHits.Load(); got != 1 {
		t.Errorf("cache hits = %d, want 1", got)
	}
}

func TestBatchRunDoesNotCacheExhaustion(t *testing.T) {
	t.Parallel()

	store, err := cache.Open(filepath.Join(t.TempDir(), "verdicts.db"), time.Hour, 100)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	defer store.Close()

	// First run: every endpoint fails, pool exhausted. Second run: recovered.
	flaky := &fakeChecker{name: "r1", fail: 3, verdict: certscan.VerdictGOSTCert}
	mkPool := func() *Pool {
		return NewPool([]*Endpoint{
			{Name: "e1", Checker: flaky},
			{Name: "e2", Checker: flaky},
			{Name: "e3", Checker: flaky},
		}, time.Minute)
	}
	b := NewBatchScanner(NewDispatcher(mkPool(), nil, time.Second, 3), store, BatchConfig{Parallelism: 1})

	results, err := b.Run(context.Background(), []string{"flaky.example"})
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if results[0].Verdict != certscan.VerdictConnectionError {
		t.Fatalf("first run verdict = %v", results[0].Verdict)
	}

	b2 := NewBatchScanner(NewDispatcher(mkPool(), nil, time.Second, 3), store, BatchConfig{Parallelism: 1})
	results2, err := b2.Run(context.Background(), []string{"flaky.example"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if results2[0].FromCache {
		t.Error("exhaustion must not be served from cache")
	}
	if results2[0].Verdict != certscan.VerdictGOSTCert {
		t.Errorf("second run verdict = %v, want fresh classification", results2[0].Verdict)
	}
}

func TestBatchRunProgressAndFinalFlush(t *testing.T) {
	t.Parallel()

	c := &fakeChecker{name: "r1", verdict: certscan.VerdictForeignCA}
	var mu sync.Mutex
	var snapshots []Progress
	b := NewBatchScanner(newBatchDispatcher(c), nil, BatchConfig{
		Parallelism: 2,
		Progress: func(p Progress) {
			mu.Lock()
			snapshots = append(snapshots, p)
			mu.Unlock()
		},
		ProgressInterval: time.Hour, // Only the final flush can deliver beyond the first.
	})

	domains := []string{"a.example", "b.example", "c.example"}
	if _, err := b.Run(context.Background(), domains); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) == 0 {
		t.Fatal("expected at least the final flush")
	}
	final := snapshots[len(snapshots)-1]
	if final.Done != 3 || final.Total != 3 {
		t.Errorf("final progress = %d/%d, want 3/3", final.Done, final.Total)
	}
	if final.Verdicts[certscan.VerdictForeignCA.String()] != 3 {
		t.Errorf("final verdict counts = %v", final.Verdicts)
	}
}

func TestBatchRunWithMetricsEnabled(t *testing.T) {
	metrics.EnableMetrics()

	store, err := cache.Open(filepath.Join(t.TempDir(), "verdicts.db"), time.Hour, 100)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	defer store.Close()

	c := &fakeChecker{name: "r1", verdict: certscan.VerdictGOSTCert}
	b := NewBatchScanner(newBatchDispatcher(c), store, BatchConfig{Parallelism: 1})

	results, err := b.Run(context.Background(), []string{"metrics.example"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if results[0].Err != nil {
		t.Fatalf("domain failed with metrics enabled: %v", results[0].Err)
	}
	if results[0].Verdict != certscan.VerdictGOSTCert {
		t.Errorf("verdict = %v, want %v", results[0].Verdict, certscan.VerdictGOSTCert)
	}
	if got := b.Stats().Failed.Load(); got != 0 {
		t.Errorf("failed count = %d, want 0", got)
	}

	// Second run is served from the cache; the duration observation takes
	// the cache-labeled path.
	b2 := NewBatchScanner(newBatchDispatcher(c), store, BatchConfig{Parallelism: 1})
	results2, err := b2.Run(context.Background(), []string{"metrics.example"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if results2[0].Err != nil {
		t.Fatalf("cached domain failed with metrics enabled: %v", results2[0].Err)
	}
	if !results2[0].FromCache {
		t.Error("expected FromCache on second run")
	}
}

// gateChecker blocks every check until the gate channel is closed.
type gateChecker struct {
	gate    chan struct{}
	verdict certscan.Verdict
}

func (g *gateChecker) Check(ctx context.Context, domain string) (*replica.Result, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &replica.Result{Domain: domain, Verdict: g.verdict}, nil
}

func TestBatchRunQueueOverflowCountsConnectionErrors(t *testing.T) {
	t.Parallel()

	g := &gateChecker{gate: make(chan struct{}), verdict: certscan.VerdictForeignCA}
	pool := NewPool([]*Endpoint{{Name: "r1", Checker: g}}, 0)
	b := NewBatchScanner(NewDispatcher(pool, nil, time.Minute, 1), nil, BatchConfig{Parallelism: 1})

	// One worker: a single in-flight task holds the gate while the queue
	// fills behind it, so the overflow domains exhaust their submit retries.
	n := WorkerQueueCapacity + 2
	domains := make([]string, n)
	for i := range domains {
		domains[i] = fmt.Sprintf("h%04d.example", i)
	}

	go func() {
		time.Sleep(1500 * time.Millisecond)
		close(g.gate)
	}()

	results, err := b.Run(context.Background(), domains)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	stats := b.Stats()
	failed := int(stats.Failed.Load())
	if failed < 1 {
		t.Fatalf("failed count = %d, want at least 1 overflow failure", failed)
	}
	if got := int(stats.Processed.Load()); got != n {
		t.Errorf("processed = %d, want %d", got, n)
	}

	counts := stats.VerdictCounts()
	if counts[certscan.VerdictConnectionError.String()] != failed {
		t.Errorf("connection error count = %d, want %d (submit failures must be counted)",
			counts[certscan.VerdictConnectionError.String()], failed)
	}
	total := 0
	for _, v := range counts {
		total += v
	}
	if total != n {
		t.Errorf("verdict counts sum to %d, want %d", total, n)
	}

	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
		}
	}
	if errCount != failed {
		t.Errorf("%d results carry errors, stats say %d failed", errCount, failed)
	}
}

func TestBatchRunCancellation(t *testing.T) {
	t.Parallel()

	slow := &fakeChecker{name: "slow", delay: 5 * time.Second, verdict: certscan.VerdictForeignCA}
	b := NewBatchScanner(newBatchDispatcher(slow), nil, BatchConfig{Parallelism: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results, err := b.Run(ctx, []string{"a.example", "b.example", "c.example"})
	if !errors.Is(err, ErrScanCancelled) {
		t.Fatalf("err = %v, want ErrScanCancelled", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("cancellation took %v, batch did not stop promptly", elapsed)
	}
	for i, r := range results {
		if r.Err == nil {
			t.Errorf("result %d: expected error on cancelled batch, got %+v", i, r)
		}
	}
}
