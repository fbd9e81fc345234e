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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/x-stp/gostscan/internal/client"
	"github.com/x-stp/gostscan/internal/metrics"
)

// ErrReplicaUnavailable marks transport failures and replica-side errors
// (5xx, 504). The dispatcher treats it as a signal to try another replica.
type ErrReplicaUnavailable struct {
	Endpoint string
	Status   int // 0 when the failure happened below HTTP.
	Cause    error
}

func (e *ErrReplicaUnavailable) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("replica %s unavailable: HTTP %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("replica %s unavailable: %v", e.Endpoint, e.Cause)
}

func (e *ErrReplicaUnavailable) Unwrap() error {
	return e.Cause
}

// HTTPChecker calls a remote classification replica over its /check API.
// It uses the shared pooled HTTP client and tags every request with an
// X-Request-ID for correlation with replica logs.
type HTTPChecker struct {
	// Endpoint is the replica base URL, e.g. "http://10.0.0.5:8443".
	Endpoint string
	// Detail requests the full chain snapshot in responses.
	Detail bool
}

// NewHTTPChecker returns a checker for the given replica base URL.
// A trailing slash on the endpoint is tolerated.
func NewHTTPChecker(endpoint string) *HTTPChecker {
	return &HTTPChecker{Endpoint: strings.TrimSuffix(endpoint, "/")}
}

// Check sends one classification request to the replica.
// It makes exactly one attempt; retry and failover across replicas is the
// dispatcher's job. Transport errors, 5xx, and 504 come back wrapped in
// *ErrReplicaUnavailable so the dispatcher can tell replica failure apart
// from a target-side connection error, which arrives as a normal Result.
func (c *HTTPChecker) Check(ctx context.Context, domain string) (*Result, error) {
	httpClient := client.GetHTTPClient()
	m := metrics.GetMetrics()

	reqURL := fmt.Sprintf("%s/check?domain=%s", c.Endpoint, url.QueryEscape(domain))
	if c.Detail {
		reqURL += "&detail=1"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating replica request: %w", err)
	}
	req.Header.Set("User-Agent", "gostscan (+https://github.com/x-stp/gostscan)")
	req.Header.Set(requestIDHeader, uuid.NewString())

	start := time.Now()
	resp, err := httpClient.Do(req)
	if metrics.IsMetricsEnabled() {
		m.ReplicaRequestDuration.WithLabelValues(c.Endpoint).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// Caller cancellation is not a replica fault.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if metrics.IsMetricsEnabled() {
			m.ReplicaErrorsTotal.WithLabelValues(c.Endpoint, "transport").Inc()
		}
		return nil, &ErrReplicaUnavailable{Endpoint: c.Endpoint, Cause: err}
	}
	defer resp.Body.Close()

	if metrics.IsMetricsEnabled() {
		m.ReplicaRequestsTotal.WithLabelValues(c.Endpoint, resp.Status).Inc()
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to decode.
	case resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("replica %s rejected domain %q: %s", c.Endpoint, domain, strings.TrimSpace(string(body)))
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if metrics.IsMetricsEnabled() {
			m.ReplicaErrorsTotal.WithLabelValues(c.Endpoint, "status").Inc()
		}
		return nil, &ErrReplicaUnavailable{Endpoint: c.Endpoint, Status: resp.StatusCode}
	default:
		return nil, fmt.Errorf("replica %s returned unexpected HTTP %d for %q", c.Endpoint, resp.StatusCode, domain)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if metrics.IsMetricsEnabled() {
			m.ReplicaErrorsTotal.WithLabelValues(c.Endpoint, "transport").Inc()
		}
		return nil, &ErrReplicaUnavailable{Endpoint: c.Endpoint, Cause: err}
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		if metrics.IsMetricsEnabled() {
			m.ReplicaErrorsTotal.WithLabelValues(c.Endpoint, "decode").Inc()
		}
		return nil, &ErrReplicaUnavailable{Endpoint: c.Endpoint, Cause: fmt.Errorf("error parsing replica response: %w", err)}
	}
	if result.Domain == "" {
		result.Domain = domain
	}
	return &result, nil
}

// Healthz probes the replica's liveness endpoint.
func (c *HTTPChecker) Healthz(ctx context.Context) error {
	httpClient := client.GetHTTPClient()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("error creating health request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return &ErrReplicaUnavailable{Endpoint: c.Endpoint, Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return &ErrReplicaUnavailable{Endpoint: c.Endpoint, Status: resp.StatusCode}
	}
	return nil
}
