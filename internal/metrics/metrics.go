package metrics

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
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the application
type Metrics struct {
	// Classification metrics
	ClassificationDuration *prometheus.HistogramVec
	VerdictTotal           *prometheus.CounterVec
	ClassificationFailed   *prometheus.CounterVec
	HandshakeDuration      *prometheus.HistogramVec

	// Replica pool metrics
	ReplicaRequestDuration *prometheus.HistogramVec
	ReplicaRequestsTotal   *prometheus.CounterVec
	ReplicaErrorsTotal     *prometheus.CounterVec
	ReplicaRetriesTotal    *prometheus.CounterVec
	ReplicaCooldownsTotal  *prometheus.CounterVec
	ReplicaHealthy         *prometheus.GaugeVec

	// Cache metrics
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    *prometheus.CounterVec
	CacheEvictionsTotal *prometheus.CounterVec
	CacheCoalescedTotal *prometheus.CounterVec
	CacheSize           *prometheus.GaugeVec

	// Throttle metrics
	ThrottleWaitDuration *prometheus.HistogramVec
	ThrottleRate         *prometheus.GaugeVec

	// Worker metrics
	WorkerBusy      *prometheus.GaugeVec
	WorkerProcessed *prometheus.CounterVec
	WorkerErrors    *prometheus.CounterVec
	WorkerPanics    *prometheus.CounterVec

	// Replica server metrics
	CheckRequestsTotal *prometheus.CounterVec
	CheckDuration      *prometheus.HistogramVec
}

// Global instance of metrics
var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection
func EnableMetrics() {
	metricsEnabled = true
}

// IsMetricsEnabled returns whether metrics collection is enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	buckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

	m := &Metrics{
		// Classification metrics
		ClassificationDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gostscan_classification_duration_seconds",
				Help:    "Time spent classifying a single domain end to end",
				Buckets: buckets,
			},
			[]string{"source"},
		),
		VerdictTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_verdict_total",
				Help: "Total number of classifications by verdict",
			},
			[]string{"verdict", "source"},
		),
		ClassificationFailed: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_classification_failed_total",
				Help: "Total number of classifications that failed outright",
			},
			[]string{"source", "error_type"},
		),
		HandshakeDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gostscan_tls_handshake_duration_seconds",
				Help:    "Time spent on TLS handshakes against target endpoints",
				Buckets: buckets,
			},
			[]string{"outcome"},
		),

		// Replica pool metrics
		ReplicaRequestDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gostscan_replica_request_duration_seconds",
				Help:    "Time spent on requests to classification replicas",
				Buckets: buckets,
			},
			[]string{"endpoint"},
		),
		ReplicaRequestsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_replica_requests_total",
				Help: "Total number of requests sent to classification replicas",
			},
			[]string{"endpoint", "status"},
		),
		ReplicaErrorsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_replica_errors_total",
				Help: "Total number of replica transport or protocol errors",
			},
			[]string{"endpoint", "error_type"},
		),
		ReplicaRetriesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_replica_retries_total",
				Help: "Total number of dispatch attempts beyond the first",
			},
			[]string{"endpoint"},
		),
		ReplicaCooldownsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_replica_cooldowns_total",
				Help: "Total number of times a replica was placed in cooldown",
			},
			[]string{"endpoint"},
		),
		ReplicaHealthy: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gostscan_replica_healthy",
				Help: "Whether a replica is currently considered healthy (1) or cooling down (0)",
			},
			[]string{"endpoint"},
		),

		// Cache metrics
		CacheHitsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_cache_hits_total",
				Help: "Total number of verdicts served from the result cache",
			},
			[]string{},
		),
		CacheMissesTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_cache_misses_total",
				Help: "Total number of cache lookups that required a fresh classification",
			},
			[]string{"reason"},
		),
		CacheEvictionsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_cache_evictions_total",
				Help: "Total number of entries removed by expiry or size pruning",
			},
			[]string{"reason"},
		),
		CacheCoalescedTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_cache_coalesced_total",
				Help: "Total number of lookups that waited on an in-flight classification",
			},
			[]string{},
		),
		CacheSize: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gostscan_cache_size_entries",
				Help: "Current number of entries in the result cache",
			},
			[]string{},
		),

		// Throttle metrics
		ThrottleWaitDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gostscan_throttle_wait_duration_seconds",
				Help:    "Time spent waiting on the outbound request throttle",
				Buckets: buckets,
			},
			[]string{},
		),
		ThrottleRate: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gostscan_throttle_rate",
				Help: "Current outbound request rate limit in requests per second",
			},
			[]string{},
		),

		// Worker metrics
		WorkerBusy: defaultRegisterer.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gostscan_worker_busy",
				Help: "Whether a scan worker is currently busy (1) or idle (0)",
			},
			[]string{"worker_id"},
		),
		WorkerProcessed: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_worker_processed_total",
				Help: "Total number of domains processed by a scan worker",
			},
			[]string{"worker_id"},
		),
		WorkerErrors: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_worker_errors_total",
				Help: "Total number of errors encountered by a scan worker",
			},
			[]string{"worker_id", "error_type"},
		),
		WorkerPanics: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_worker_panics_total",
				Help: "Total number of panics recovered by a scan worker",
			},
			[]string{"worker_id"},
		),

		// Replica server metrics
		CheckRequestsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gostscan_check_requests_total",
				Help: "Total number of /check requests served by this replica",
			},
			[]string{"code"},
		),
		CheckDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gostscan_check_duration_seconds",
				Help:    "Time spent serving /check requests",
				Buckets: buckets,
			},
			[]string{},
		),
	}

	return m
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics
func StartMetricsServer(addr string) error {
	if !metricsEnabled {
		return nil
	}

	// Only start once
	var startErr error
	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		metricsServer = &http.Server{
			Addr:    addr,
			Handler: mux,
		}

		go func() {
			log.Printf("Starting metrics server on %s", addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	})

	return startErr
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		log.Println("Shutting down metrics server...")
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

// MeasureDuration is a helper to measure the duration of a function
func MeasureDuration(histogram *prometheus.HistogramVec, labels prometheus.Labels) func() {
	if !metricsEnabled {
		return func() {}
	}

	start := time.Now()
	return func() {
		duration := time.Since(start)
		histogram.With(labels).Observe(duration.Seconds())
	}
}

// ObserveClassification records the end-to-end classification duration for
// the given source ("dispatch" or "cache"). The source is usually not known
// until the classification resolves, so this cannot use MeasureDuration.
func (m *Metrics) ObserveClassification(source string, d time.Duration) {
	if !metricsEnabled {
		return
	}

	m.ClassificationDuration.WithLabelValues(source).Observe(d.Seconds())
}

// RecordVerdict increments the verdict counter for a classification outcome.
func (m *Metrics) RecordVerdict(verdict, source string) {
	if !metricsEnabled {
		return
	}

	m.VerdictTotal.WithLabelValues(verdict, source).Inc()
}

// UpdateReplicaHealth sets the health gauge for a replica endpoint.
func (m *Metrics) UpdateReplicaHealth(endpoint string, healthy bool) {
	if !metricsEnabled {
		return
	}

	v := 0.0
	if healthy {
		v = 1.0
	}
	m.ReplicaHealthy.WithLabelValues(endpoint).Set(v)
}

// UpdateThrottleRate records the throttle's current requests-per-second limit.
func (m *Metrics) UpdateThrottleRate(rate float64) {
	if !metricsEnabled {
		return
	}

	m.ThrottleRate.WithLabelValues().Set(rate)
}

// UpdateWorkerBusy marks a scan worker busy or idle.
func (m *Metrics) UpdateWorkerBusy(workerID int, busy bool) {
	if !metricsEnabled {
		return
	}

	v := 0.0
	if busy {
		v = 1.0
	}
	m.WorkerBusy.WithLabelValues(strconv.Itoa(workerID)).Set(v)
}
