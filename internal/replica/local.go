package replica

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
	"time"

	"github.com/x-stp/gostscan/internal/certscan"
	"github.com/x-stp/gostscan/internal/metrics"
)

// LocalChecker classifies domains in-process: one TLS handshake via the
// fetcher, then the pure classifier over the captured chain. It backs the
// replica server and serves as the dispatcher fallback when no remote
// replicas are configured.
type LocalChecker struct {
	fetcher *certscan.Fetcher
}

// NewLocalChecker returns a LocalChecker whose handshakes are bounded by
// connectTimeout. A zero timeout selects the fetcher default.
func NewLocalChecker(connectTimeout time.Duration) *LocalChecker {
	return &LocalChecker{fetcher: certscan.NewFetcher(connectTimeout)}
}

// Check performs the handshake and classification for one domain.
// A failed handshake is a normal outcome (VerdictConnectionError); an error
// is returned only when the surrounding context was cancelled or timed out
// before the check could finish.
func (c *LocalChecker) Check(ctx context.Context, domain string) (*Result, error) {
	m := metrics.GetMetrics()
	start := time.Now()

	session, chain, err := c.fetcher.Fetch(ctx, domain)
	if err != nil {
		// Caller cancellation or an expired caller deadline wins over
		// target-side failure; the fetcher's own timeout does not set
		// ctx.Err() and stays a connection-error verdict.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if metrics.IsMetricsEnabled() {
			m.HandshakeDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
		}
	} else if metrics.IsMetricsEnabled() {
		m.HandshakeDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	}

	verdict := certscan.Classify(session, chain)
	m.RecordVerdict(verdict.String(), "local")

	result := &Result{
		Domain:  domain,
		Verdict: verdict,
		IsGOST:  verdict.IsGOST(),
		Cipher:  session.CipherSuite,
		Version: session.Version,
		Chain:   chain,
	}
	if len(chain) > 0 {
		result.ChainSummary = chain.Summary()
	}
	return result, nil
}
