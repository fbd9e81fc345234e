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
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/x-stp/gostscan/internal/certscan"
	"github.com/x-stp/gostscan/internal/metrics"
)

const (
	// DefaultCheckTimeout bounds one /check request end to end. It sits
	// above the fetcher's handshake timeout so a slow target still yields
	// a connection-error verdict instead of a gateway timeout.
	DefaultCheckTimeout = 20 * time.Second

	// requestIDHeader carries the request correlation ID. Incoming values
	// are echoed back; absent ones are minted server-side.
	requestIDHeader = "X-Request-ID"
)

// errorResponse is the wire shape for non-200 answers.
type errorResponse struct {
	Error  string `json:"error"`
	Domain string `json:"domain,omitempty"`
}

// Server is a classification replica: an HTTP surface over a Checker.
// One GET /check classifies one domain; GET /healthz answers liveness
// probes from dispatchers.
type Server struct {
	checker      Checker
	checkTimeout time.Duration
	mux          *http.ServeMux
}

// NewServer wires a Server around the given checker. A zero checkTimeout
// selects DefaultCheckTimeout.
func NewServer(checker Checker, checkTimeout time.Duration) *Server {
	if checkTimeout <= 0 {
		checkTimeout = DefaultCheckTimeout
	}
	s := &Server{
		checker:      checker,
		checkTimeout: checkTimeout,
		mux:          http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /check", s.handleCheck)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	return s
}

// Handler returns the server's HTTP handler for mounting.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the replica until ctx is cancelled, then shuts down
// gracefully with a short drain window.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.checkTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Replica listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	m := metrics.GetMetrics()
	done := metrics.MeasureDuration(m.CheckDuration, nil)
	defer done()

	reqID := r.Header.Get(requestIDHeader)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, reqID)

	domain := certscan.NormalizeDomain(r.URL.Query().Get("domain"))
	if domain == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing or invalid domain parameter"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.checkTimeout)
	defer cancel()

	result, err := s.checker.Check(ctx, domain)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Printf("check %s domain=%s timed out after %v", reqID, domain, s.checkTimeout)
			s.writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "check timed out", Domain: domain})
			return
		}
		log.Printf("check %s domain=%s failed: %v", reqID, domain, err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "check failed", Domain: domain})
		return
	}

	// Chain detail is opt-in; most callers only need the verdict.
	if r.URL.Query().Get("detail") != "1" {
		result.Chain = nil
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	if metrics.IsMetricsEnabled() {
		metrics.GetMetrics().CheckRequestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
