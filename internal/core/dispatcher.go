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
	"math/rand/v2"
	"time"

	"github.com/x-stp/gostscan/internal/certscan"
	"github.com/x-stp/gostscan/internal/metrics"
	"github.com/x-stp/gostscan/internal/replica"
)

// Dispatcher routes one classification request at a time to the replica
// pool, retrying transient replica failures on a different endpoint with
// jittered backoff. Target-side failures are final: a refused or timed-out
// handshake against the scan target is a verdict, not a reason to retry.
type Dispatcher struct {
	pool           *Pool
	throttle       *Throttle
	attemptTimeout time.Duration
	maxAttempts    int
}

// NewDispatcher builds a dispatcher over the pool. A nil throttle disables
// outbound rate limiting; zero timing parameters select the package defaults.
func NewDispatcher(pool *Pool, throttle *Throttle, attemptTimeout time.Duration, maxAttempts int) *Dispatcher {
	if attemptTimeout <= 0 {
		attemptTimeout = DispatchAttemptTimeout
	}
	if maxAttempts <= 0 {
		maxAttempts = MaxDispatchAttempts
	}
	return &Dispatcher{
		pool:           pool,
		throttle:       throttle,
		attemptTimeout: attemptTimeout,
		maxAttempts:    maxAttempts,
	}
}

// Pool exposes the dispatcher's replica pool for health inspection.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// Dispatch classifies one domain through the replica pool.
//
// Every replica failure (transport error, 5xx, 504) marks that endpoint for
// cooldown and moves on to a different one, up to maxAttempts total. When
// all attempts fail the domain is not lost: the returned result carries
// VerdictConnectionError together with ErrAttemptsExhausted so callers can
// distinguish "target refused the handshake" from "we never reached it".
// Context cancellation aborts immediately and returns the context error.
func (d *Dispatcher) Dispatch(ctx context.Context, domain string) (*replica.Result, error) {
	if d.throttle != nil {
		if err := d.throttle.Wait(ctx); err != nil {
			return nil, err
		}
	}

	m := metrics.GetMetrics()
	tried := make(map[*Endpoint]bool, d.maxAttempts)
	var lastErr error

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		ep := d.pool.Pick(tried)
		if ep == nil {
			lastErr = ErrNoHealthyReplicas
			break
		}
		tried[ep] = true

		if attempt > 0 {
			if metrics.IsMetricsEnabled() {
				m.ReplicaRetriesTotal.WithLabelValues(ep.Name).Inc()
			}
			if err := sleepWithBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		result, err := ep.Checker.Check(attemptCtx, domain)
		cancel()

		if err == nil {
			d.pool.RecordSuccess(ep)
			if d.throttle != nil {
				d.throttle.RecordSuccess()
			}
			return result, nil
		}

		// The caller's context expiring is not the endpoint's fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		var unavailable *replica.ErrReplicaUnavailable
		switch {
		case errors.As(err, &unavailable), errors.Is(err, context.DeadlineExceeded):
			// Replica-side failure: cool it down and try another.
			d.pool.RecordFailure(ep)
			if d.throttle != nil {
				d.throttle.RecordFailure()
			}
			log.Printf("Replica %s failed for %s (attempt %d/%d): %v", ep.Name, domain, attempt+1, d.maxAttempts, err)
		default:
			// Anything else (e.g. the replica rejected the domain) will not
			// improve on another endpoint.
			return nil, err
		}
	}

	if metrics.IsMetricsEnabled() {
		m.ClassificationFailed.WithLabelValues("dispatch", "exhausted").Inc()
	}
	log.Printf("All dispatch attempts failed for %s: %v", domain, lastErr)
	return &replica.Result{
		Domain:  domain,
		Verdict: certscan.VerdictConnectionError,
	}, ErrAttemptsExhausted
}

// sleepWithBackoff waits for the standard jittered exponential backoff of
// the given attempt number, or until ctx is cancelled.
func sleepWithBackoff(ctx context.Context, attempt int) error {
	delay := RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * RetryBackoffMultiplier)
	}
	if delay > RetryMaxDelay {
		delay = RetryMaxDelay
	}
	// Jitter spreads retries from concurrent workers apart.
	jitter := time.Duration(rand.Float64() * RetryJitterFactor * float64(delay))
	select {
	case <-time.After(delay + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
