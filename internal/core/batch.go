package core

/*
gostscan — GOST and Russian-CA TLS endpoint classifier
Copyright (C) 2025  Pepijn van der Stap <gostscan@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x-stp/gostscan/internal/cache"
	"github.com/x-stp/gostscan/internal/certscan"
	"github.com/x-stp/gostscan/internal/metrics"
	"github.com/x-stp/gostscan/internal/replica"
)

// Error types specific to batch scanning.
var (
	ErrScanCancelled = errors.New("scan cancelled")
	ErrNoDomains     = errors.New("no valid domains to scan")
)

// DomainResult is the final outcome for one input domain.
type DomainResult struct {
	Domain    string           // Normalized domain.
	Input     string           // The domain as given, before normalization.
	Verdict   certscan.Verdict
	Cipher    string
	Version   string
	FromCache bool
	Err       error // Set when the domain could not be classified at all.
}

// BatchStats holds runtime statistics for a batch scan.
type BatchStats struct {
	TotalDomains  atomic.Int64
	Processed     atomic.Int64
	Failed        atomic.Int64 // Domains that exhausted all dispatch attempts.
	CacheHits     atomic.Int64
	Invalid       atomic.Int64 // Inputs rejected by normalization.
	StartTime     time.Time
	verdictCounts [5]atomic.Int64
}

func (s *BatchStats) recordVerdict(v certscan.Verdict) {
	if v >= 0 && int(v) < len(s.verdictCounts) {
		s.verdictCounts[v].Add(1)
	}
}

// VerdictCounts returns finished domains per verdict wire name.
func (s *BatchStats) VerdictCounts() map[string]int {
	out := make(map[string]int, len(s.verdictCounts))
	for i := range s.verdictCounts {
		if n := s.verdictCounts[i].Load(); n > 0 {
			out[certscan.Verdict(i).String()] = int(n)
		}
	}
	return out
}

// BatchConfig holds configuration for a batch scan.
type BatchConfig struct {
	// Parallelism is the worker count. Zero means "track the replica pool":
	// one worker per healthy replica, at least one.
	Parallelism int
	// Progress, when set, receives throttled progress snapshots.
	Progress ProgressFunc
	// ProgressInterval is the minimum time between progress callbacks.
	// Zero selects MinimumProgressInterval.
	ProgressInterval time.Duration
}

// BatchScanner drives a whole input list through the dispatcher, deduplicating
// domains, consulting the verdict cache, and reporting throttled progress.
// The cache may be nil, in which case every domain is classified fresh.
type BatchScanner struct {
	dispatcher *Dispatcher
	store      *cache.Cache
	config     BatchConfig
	stats      *BatchStats
}

// NewBatchScanner wires a batch scanner over the dispatcher and optional
// verdict store.
func NewBatchScanner(dispatcher *Dispatcher, store *cache.Cache, config BatchConfig) *BatchScanner {
	return &BatchScanner{
		dispatcher: dispatcher,
		store:      store,
		config:     config,
		stats:      &BatchStats{StartTime: time.Now()},
	}
}

// Stats exposes the batch counters for final reporting.
func (b *BatchScanner) Stats() *BatchStats {
	return b.stats
}

// Run classifies every domain in the input list and returns one result per
// input, in input order. Invalid inputs yield a result with Err set rather
// than aborting the batch. Duplicate domains are classified once and fanned
// back out to every input position. Cancelling ctx stops the batch; domains
// not yet finished come back with ErrScanCancelled.
func (b *BatchScanner) Run(ctx context.Context, domains []string) ([]DomainResult, error) {
	results := make([]DomainResult, len(domains))

	// Normalize and deduplicate up front; the scanner only sees unique
	// valid domains.
	order := make([]string, 0, len(domains))
	positions := make(map[string][]int, len(domains))
	for i, input := range domains {
		results[i].Input = input
		norm := certscan.NormalizeDomain(input)
		if norm == "" {
			results[i].Err = errors.New("invalid domain")
			b.stats.Invalid.Add(1)
			continue
		}
		results[i].Domain = norm
		if _, seen := positions[norm]; !seen {
			order = append(order, norm)
		}
		positions[norm] = append(positions[norm], i)
	}
	if len(order) == 0 {
		return results, ErrNoDomains
	}
	b.stats.TotalDomains.Store(int64(len(order)))

	parallelism := b.config.Parallelism
	if parallelism <= 0 {
		parallelism = b.dispatcher.Pool().HealthyCount()
		if parallelism <= 0 {
			parallelism = 1
		}
	}

	scanner := NewScanner(ctx, parallelism)
	defer scanner.Shutdown()

	notifier := NewProgressNotifier(b.config.Progress, b.config.ProgressInterval)

	// Completed results for unique domains, fanned out after the wait.
	var mu sync.Mutex
	outcomes := make(map[string]DomainResult, len(order))

	// Periodic stats line, the scan equivalent of a download progress log.
	statsDone := make(chan struct{})
	go b.reportPeriodicStats(ctx, statsDone)

	for _, domain := range order {
		if ctx.Err() != nil {
			break
		}
		callback := func(task *ScanTask) error {
			res := b.classifyOne(task.Ctx, domain)

			mu.Lock()
			outcomes[domain] = res
			mu.Unlock()

			done := b.stats.Processed.Add(1)
			notifier.Notify(Progress{
				Done:     int(done),
				Total:    len(order),
				Verdicts: b.stats.VerdictCounts(),
			})
			return res.Err
		}

		if err := b.submitWithRetry(ctx, scanner, domain, callback); err != nil {
			mu.Lock()
			outcomes[domain] = DomainResult{Domain: domain, Verdict: certscan.VerdictConnectionError, Err: err}
			mu.Unlock()
			b.stats.Processed.Add(1)
			b.stats.Failed.Add(1)
			b.stats.recordVerdict(certscan.VerdictConnectionError)
		}
	}

	// Wait for completion, but never past cancellation: workers drain their
	// queues on shutdown, and in-flight dispatches abort on ctx themselves.
	waitCh := make(chan struct{})
	go func() {
		scanner.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-ctx.Done():
		scanner.Shutdown()
		<-waitCh
	}
	close(statsDone)

	notifier.Flush(Progress{
		Done:     int(b.stats.Processed.Load()),
		Total:    len(order),
		Verdicts: b.stats.VerdictCounts(),
	})

	// Re-associate unique outcomes with every input position.
	mu.Lock()
	defer mu.Unlock()
	for domain, idxs := range positions {
		outcome, ok := outcomes[domain]
		for _, i := range idxs {
			if !ok {
				results[i].Err = ErrScanCancelled
				results[i].Verdict = certscan.VerdictConnectionError
				continue
			}
			input := results[i].Input
			results[i] = outcome
			results[i].Input = input
		}
	}

	if ctx.Err() != nil {
		return results, ErrScanCancelled
	}
	return results, nil
}

// classifyOne resolves a single unique domain through the cache (when
// present) and the dispatcher.
func (b *BatchScanner) classifyOne(ctx context.Context, domain string) DomainResult {
	if ctx == nil {
		ctx = context.Background()
	}

	m := metrics.GetMetrics()
	start := time.Now()
	source := "dispatch"
	defer func() { m.ObserveClassification(source, time.Since(start)) }()

	if b.store == nil {
		res, err := b.dispatcher.Dispatch(ctx, domain)
		return b.toResult(domain, res, err, false)
	}

	computed := false
	entry, err := b.store.GetOrCompute(ctx, domain, func(ctx context.Context) (*cache.Entry, error) {
		computed = true
		res, dispatchErr := b.dispatcher.Dispatch(ctx, domain)
		if dispatchErr != nil {
			// Exhausted dispatches are an infrastructure condition, not a
			// property of the target; they must not poison the cache.
			return nil, dispatchErr
		}
		return &cache.Entry{
			Domain:  domain,
			Verdict: res.Verdict,
			Cipher:  res.Cipher,
			Version: res.Version,
		}, nil
	})
	if err != nil {
		return b.toResultErr(domain, err)
	}
	if !computed {
		source = "cache"
		b.stats.CacheHits.Add(1)
		m.RecordVerdict(entry.Verdict.String(), "cache")
	}
	b.stats.recordVerdict(entry.Verdict)
	return DomainResult{
		Domain:    domain,
		Verdict:   entry.Verdict,
		Cipher:    entry.Cipher,
		Version:   entry.Version,
		FromCache: !computed,
	}
}

func (b *BatchScanner) toResult(domain string, res *replica.Result, err error, fromCache bool) DomainResult {
	if err != nil {
		return b.toResultErr(domain, err)
	}
	b.stats.recordVerdict(res.Verdict)
	return DomainResult{
		Domain:    domain,
		Verdict:   res.Verdict,
		Cipher:    res.Cipher,
		Version:   res.Version,
		FromCache: fromCache,
	}
}

func (b *BatchScanner) toResultErr(domain string, err error) DomainResult {
	b.stats.Failed.Add(1)
	b.stats.recordVerdict(certscan.VerdictConnectionError)
	return DomainResult{
		Domain:  domain,
		Verdict: certscan.VerdictConnectionError,
		Err:     err,
	}
}

// submitWithRetry retries queue submission on backpressure with the standard
// backoff, up to MaxSubmitRetries extra attempts.
func (b *BatchScanner) submitWithRetry(ctx context.Context, scanner *Scanner, domain string, callback func(*ScanTask) error) error {
	var err error
	for attempt := 0; attempt <= MaxSubmitRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := sleepWithBackoff(ctx, attempt); sleepErr != nil {
				return sleepErr
			}
		}
		err = scanner.Submit(ctx, domain, callback)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) && !errors.Is(err, ErrQueueFull) {
			return err
		}
	}
	return err
}

// reportPeriodicStats logs a summary line every StatsReportInterval until
// the batch completes or ctx is cancelled.
func (b *BatchScanner) reportPeriodicStats(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(StatsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(b.stats.StartTime).Round(time.Second)
			log.Printf("Scan progress: %d/%d done, %d failed, %d cache hits, elapsed %s",
				b.stats.Processed.Load(), b.stats.TotalDomains.Load(),
				b.stats.Failed.Load(), b.stats.CacheHits.Load(), elapsed)
		}
	}
}
