/*
Package core constants that are not specific to a single component but are shared across
the scan pipeline. This file centralizes configurable parameters for dispatch timing,
replica health handling, caching, throttling, and progress reporting.

These constants provide sensible defaults; most have corresponding config file or
environment overrides wired through internal/config.
*/
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
	"time"
)

// Application-wide constants for tuning performance and behavior.
const (
	// --- Dispatch ---

	// DefaultPoolSize is the number of classification replicas a deployment
	// typically runs, and doubles as the default scan parallelism.
	DefaultPoolSize = 3

	// MaxDispatchAttempts is the total number of replicas tried for one domain
	// before the dispatcher gives up and records a connection-error verdict.
	MaxDispatchAttempts = 3

	// DispatchAttemptTimeout bounds a single replica attempt, covering queueing,
	// the replica's own handshake against the target, and the response.
	DispatchAttemptTimeout = 30 * time.Second

	// ReplicaCooldown is how long a replica sits out after a failed attempt
	// before the dispatcher considers it again.
	ReplicaCooldown = 30 * time.Second

	// TargetConnectTimeout bounds the TLS dial plus handshake against a
	// scan target, whether performed locally or by a replica.
	TargetConnectTimeout = 15 * time.Second

	// --- Workers ---

	// MaxWorkers is the absolute upper limit on concurrent scan workers,
	// a safeguard against misconfiguration. Scans are replica-bound, so
	// useful parallelism tracks the healthy replica count, not CPUs.
	MaxWorkers = 64

	// WorkerQueueCapacity is the capacity of a worker's domain queue.
	WorkerQueueCapacity = 1000

	// MaxSubmitRetries is how many times batch submission retries a full
	// worker queue before failing the domain.
	MaxSubmitRetries = 2

	// --- Retry backoff ---

	RetryBaseDelay         = 125 * time.Millisecond
	RetryMaxDelay          = 30 * time.Second
	RetryBackoffMultiplier = 1.5
	RetryJitterFactor      = 0.2

	// --- Caching ---

	// DefaultCacheTTL is how long a cached verdict stays authoritative.
	// Endpoints migrate between GOST and conventional stacks rarely, so
	// six hours trades little freshness for a lot of saved handshakes.
	DefaultCacheTTL = 6 * time.Hour

	// DefaultCacheMaxEntries caps the on-disk result cache; the oldest
	// entries are pruned past this point.
	DefaultCacheMaxEntries = 5000

	// --- Throttling ---

	// DefaultThrottleRate is the default outbound classification rate
	// in requests per second across the whole scan.
	DefaultThrottleRate = 10.0

	// DefaultThrottleBurst is the token bucket depth for the outbound throttle.
	DefaultThrottleBurst = 20

	// --- Observability ---

	// StatsReportInterval specifies how frequently summary scan statistics
	// are logged during a batch run.
	StatsReportInterval = 10 * time.Second

	// MinimumProgressInterval is the minimum time between progress
	// notifications, keeping chatty batches from flooding output channels.
	MinimumProgressInterval = 3 * time.Second
)
