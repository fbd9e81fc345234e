/*
Package cache persists classification verdicts to disk so repeated scans of
the same domains skip the handshake entirely. Entries expire strictly after
their TTL, the store is pruned to a bounded size, and concurrent lookups for
the same cold domain coalesce into a single upstream classification.
*/
package cache

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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/x-stp/gostscan/internal/certscan"
	"github.com/x-stp/gostscan/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS verdicts (
	domain      TEXT PRIMARY KEY,
	verdict     TEXT NOT NULL,
	cipher      TEXT NOT NULL DEFAULT '',
	version     TEXT NOT NULL DEFAULT '',
	fetched_at  INTEGER NOT NULL,
	ttl_seconds INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_verdicts_fetched_at ON verdicts(fetched_at);
`

// Entry is one cached classification outcome.
type Entry struct {
	Domain    string
	Verdict   certscan.Verdict
	Cipher    string
	Version   string
	FetchedAt time.Time
	TTL       time.Duration
}

// Expired reports whether the entry is stale at the given time.
// Expiry is strict: an entry is unusable at exactly FetchedAt+TTL.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.FetchedAt.Add(e.TTL))
}

// inflight tracks one in-progress classification that other lookups for
// the same domain wait on.
type inflight struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// Cache is the disk-backed verdict store. SQLite in WAL mode keeps reads
// cheap during writes; the single-connection pool matches SQLite's one
// writer at a time.
type Cache struct {
	db         *sql.DB
	ttl        time.Duration
	maxEntries int

	mu       sync.Mutex
	calls    map[string]*inflight
	closed   bool
	// now is swappable for expiry tests.
	now func() time.Time
}

// Open creates or opens the verdict cache at path. A zero ttl or
// maxEntries selects the package defaults (6h, 5000 entries).
func Open(path string, ttl time.Duration, maxEntries int) (*Cache, error) {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 5000
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	return &Cache{
		db:         db,
		ttl:        ttl,
		maxEntries: maxEntries,
		calls:      make(map[string]*inflight),
		now:        time.Now,
	}, nil
}

// Close flushes and closes the underlying database.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.db.Close()
}

// Get looks up a fresh entry for domain. Expired rows are deleted on the
// way out and reported as a miss.
func (c *Cache) Get(ctx context.Context, domain string) (*Entry, bool, error) {
	m := metrics.GetMetrics()

	row := c.db.QueryRowContext(ctx,
		`SELECT verdict, cipher, version, fetched_at, ttl_seconds FROM verdicts WHERE domain = ?`, domain)

	var (
		verdictStr string
		cipher     string
		version    string
		fetchedAt  int64
		ttlSeconds int64
	)
	if err := row.Scan(&verdictStr, &cipher, &version, &fetchedAt, &ttlSeconds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if metrics.IsMetricsEnabled() {
				m.CacheMissesTotal.WithLabelValues("absent").Inc()
			}
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache lookup for %s failed: %w", domain, err)
	}

	verdict, err := certscan.ParseVerdict(verdictStr)
	if err != nil {
		// A row written by an incompatible version; treat as a miss and drop it.
		_, _ = c.db.ExecContext(ctx, `DELETE FROM verdicts WHERE domain = ?`, domain)
		if metrics.IsMetricsEnabled() {
			m.CacheMissesTotal.WithLabelValues("corrupt").Inc()
		}
		return nil, false, nil
	}

	entry := &Entry{
		Domain:    domain,
		Verdict:   verdict,
		Cipher:    cipher,
		Version:   version,
		FetchedAt: time.Unix(fetchedAt, 0),
		TTL:       time.Duration(ttlSeconds) * time.Second,
	}
	if entry.Expired(c.now()) {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM verdicts WHERE domain = ?`, domain); err != nil {
			return nil, false, fmt.Errorf("failed to evict expired entry for %s: %w", domain, err)
		}
		if metrics.IsMetricsEnabled() {
			m.CacheMissesTotal.WithLabelValues("expired").Inc()
			m.CacheEvictionsTotal.WithLabelValues("expired").Inc()
		}
		return nil, false, nil
	}

	if metrics.IsMetricsEnabled() {
		m.CacheHitsTotal.WithLabelValues().Inc()
	}
	return entry, true, nil
}

// Put stores or replaces the entry for a domain and prunes the store back
// under its size cap. An entry with zero FetchedAt or TTL gets the cache's
// clock and default TTL.
func (c *Cache) Put(ctx context.Context, entry *Entry) error {
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = c.now()
	}
	if entry.TTL <= 0 {
		entry.TTL = c.ttl
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO verdicts (domain, verdict, cipher, version, fetched_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO UPDATE SET
			verdict = excluded.verdict,
			cipher = excluded.cipher,
			version = excluded.version,
			fetched_at = excluded.fetched_at,
			ttl_seconds = excluded.ttl_seconds`,
		entry.Domain, entry.Verdict.String(), entry.Cipher, entry.Version,
		entry.FetchedAt.Unix(), int64(entry.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("cache write for %s failed: %w", entry.Domain, err)
	}

	return c.pruneSize(ctx)
}

// GetOrCompute returns the cached entry for domain, or runs compute exactly
// once to fill it. Concurrent calls for the same cold domain block on the
// first caller's result instead of launching duplicate classifications.
// Errors from compute are not cached; the next caller retries.
func (c *Cache) GetOrCompute(ctx context.Context, domain string, compute func(context.Context) (*Entry, error)) (*Entry, error) {
	if entry, ok, err := c.Get(ctx, domain); err != nil {
		return nil, err
	} else if ok {
		return entry, nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("cache is closed")
	}
	if call, ok := c.calls[domain]; ok {
		c.mu.Unlock()
		if metrics.IsMetricsEnabled() {
			metrics.GetMetrics().CacheCoalescedTotal.WithLabelValues().Inc()
		}
		select {
		case <-call.done:
			return call.entry, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflight{done: make(chan struct{})}
	c.calls[domain] = call
	c.mu.Unlock()

	entry, err := compute(ctx)
	if err == nil && entry != nil {
		// A persistence failure only costs a future cache miss; the verdict
		// itself is still good, so it is returned regardless.
		_ = c.Put(ctx, entry)
	}
	call.entry = entry
	call.err = err

	c.mu.Lock()
	delete(c.calls, domain)
	c.mu.Unlock()
	close(call.done)

	return entry, err
}

// Len returns the number of rows currently stored, fresh or not.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM verdicts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count failed: %w", err)
	}
	if metrics.IsMetricsEnabled() {
		metrics.GetMetrics().CacheSize.WithLabelValues().Set(float64(n))
	}
	return n, nil
}

// Prune removes all expired rows. Size pruning happens on write; this is
// for explicit maintenance (the cache-purge command with --expired-only).
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	// Per-row TTLs make expiry a row property, not a single cutoff.
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM verdicts WHERE fetched_at + ttl_seconds <= ?`, c.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("cache prune failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && metrics.IsMetricsEnabled() {
		metrics.GetMetrics().CacheEvictionsTotal.WithLabelValues("expired").Add(float64(n))
	}
	return n, nil
}

// Purge drops every row.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM verdicts`)
	if err != nil {
		return 0, fmt.Errorf("cache purge failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 && metrics.IsMetricsEnabled() {
		metrics.GetMetrics().CacheEvictionsTotal.WithLabelValues("purged").Add(float64(n))
	}
	return n, nil
}

// pruneSize evicts the oldest rows once the store exceeds its cap.
func (c *Cache) pruneSize(ctx context.Context) error {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM verdicts WHERE domain IN (
			SELECT domain FROM verdicts ORDER BY fetched_at DESC LIMIT -1 OFFSET ?
		)`, c.maxEntries)
	if err != nil {
		return fmt.Errorf("cache size prune failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 && metrics.IsMetricsEnabled() {
		metrics.GetMetrics().CacheEvictionsTotal.WithLabelValues("size").Add(float64(n))
	}
	return nil
}
