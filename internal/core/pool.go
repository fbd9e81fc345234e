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
	"sync"
	"time"

	"github.com/x-stp/gostscan/internal/metrics"
	"github.com/x-stp/gostscan/internal/replica"
)

// Endpoint is one classification replica plus its health bookkeeping.
// A failed attempt puts the endpoint into cooldown; it becomes selectable
// again once the cooldown elapses. All mutable state is guarded by the
// owning Pool's lock.
type Endpoint struct {
	Name    string
	Checker replica.Checker

	lastFailure time.Time
	failCount   uint64
	okCount     uint64
}

// healthyAt reports whether the endpoint is selectable at the given time.
func (e *Endpoint) healthyAt(now time.Time, cooldown time.Duration) bool {
	return e.lastFailure.IsZero() || now.Sub(e.lastFailure) >= cooldown
}

// Pool holds the replica endpoints and picks one per dispatch attempt.
// Selection walks round-robin across healthy endpoints; when everything is
// cooling down it falls back to the least recently failed endpoint so a
// fully degraded pool still makes progress instead of deadlocking.
type Pool struct {
	mu       sync.Mutex
	eps      []*Endpoint
	next     int
	cooldown time.Duration
}

// NewPool builds a pool over the given endpoints. A zero cooldown selects
// ReplicaCooldown.
func NewPool(eps []*Endpoint, cooldown time.Duration) *Pool {
	if cooldown <= 0 {
		cooldown = ReplicaCooldown
	}
	return &Pool{eps: eps, cooldown: cooldown}
}

// Size returns the total number of endpoints in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.eps)
}

// HealthyCount returns how many endpoints are currently selectable.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := 0
	for _, e := range p.eps {
		if e.healthyAt(now, p.cooldown) {
			n++
		}
	}
	return n
}

// Pick selects the endpoint for the next dispatch attempt, skipping any in
// the exclude set (endpoints already tried for this domain). Returns nil
// only when the pool is empty or every endpoint is excluded.
func (p *Pool) Pick(exclude map[*Endpoint]bool) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.eps) == 0 {
		return nil
	}

	now := time.Now()

	// Round-robin over healthy, non-excluded endpoints first.
	for i := 0; i < len(p.eps); i++ {
		e := p.eps[(p.next+i)%len(p.eps)]
		if exclude[e] || !e.healthyAt(now, p.cooldown) {
			continue
		}
		p.next = (p.next + i + 1) % len(p.eps)
		return e
	}

	// Everything healthy is excluded or cooling down; take the least
	// recently failed non-excluded endpoint.
	var lru *Endpoint
	for _, e := range p.eps {
		if exclude[e] {
			continue
		}
		if lru == nil || e.lastFailure.Before(lru.lastFailure) {
			lru = e
		}
	}
	return lru
}

// RecordSuccess marks a successful attempt and clears any cooldown.
func (p *Pool) RecordSuccess(e *Endpoint) {
	p.mu.Lock()
	e.okCount++
	e.lastFailure = time.Time{}
	p.mu.Unlock()

	metrics.GetMetrics().UpdateReplicaHealth(e.Name, true)
}

// RecordFailure marks a failed attempt, starting the endpoint's cooldown.
func (p *Pool) RecordFailure(e *Endpoint) {
	p.mu.Lock()
	e.failCount++
	e.lastFailure = time.Now()
	p.mu.Unlock()

	m := metrics.GetMetrics()
	m.UpdateReplicaHealth(e.Name, false)
	if metrics.IsMetricsEnabled() {
		m.ReplicaCooldownsTotal.WithLabelValues(e.Name).Inc()
	}
}

// Stats returns per-endpoint success/failure counts keyed by endpoint name.
func (p *Pool) Stats() map[string][2]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][2]uint64, len(p.eps))
	for _, e := range p.eps {
		out[e.Name] = [2]uint64{e.okCount, e.failCount}
	}
	return out
}
