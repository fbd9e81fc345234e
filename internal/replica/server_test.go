package replica

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/x-stp/gostscan/internal/certscan"
)

// stubChecker returns canned results keyed by domain and can simulate
// slow checks.
type stubChecker struct {
	results map[string]*Result
	err     error
	delay   time.Duration
}

func (s *stubChecker) Check(ctx context.Context, domain string) (*Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if r, ok := s.results[domain]; ok {
		cp := *r
		return &cp, nil
	}
	return &Result{Domain: domain, Verdict: certscan.VerdictForeignCA}, nil
}

func newTestServer(t *testing.T, checker Checker, timeout time.Duration) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewServer(checker, timeout).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestCheckReturnsVerdict(t *testing.T) {
	t.Parallel()

	checker := &stubChecker{results: map[string]*Result{
		"gosuslugi.ru": {
			Domain:  "gosuslugi.ru",
			Verdict: certscan.VerdictGOSTCert,
			IsGOST:  true,
			Cipher:  "GOST2012-GOST8912-GOST89",
		},
	}}
	ts := newTestServer(t, checker, 0)

	resp, err := http.Get(ts.URL + "/check?domain=gosuslugi.ru")
	if err != nil {
		t.Fatalf("GET /check: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Verdict != certscan.VerdictGOSTCert {
		t.Errorf("verdict = %v, want %v", result.Verdict, certscan.VerdictGOSTCert)
	}
	if !result.IsGOST {
		t.Error("expected is_gost true")
	}
}

func TestCheckEchoesRequestID(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &stubChecker{}, 0)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/check?domain=example.com", nil)
	req.Header.Set("X-Request-ID", "test-id-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /check: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "test-id-123" {
		t.Errorf("X-Request-ID = %q, want echo of test-id-123", got)
	}
}

func TestCheckNormalizesDomain(t *testing.T) {
	t.Parallel()

	checker := &stubChecker{results: map[string]*Result{
		"example.com": {Domain: "example.com", Verdict: certscan.VerdictForeignCA},
	}}
	ts := newTestServer(t, checker, 0)

	resp, err := http.Get(ts.URL + "/check?domain=https%3A%2F%2FEXAMPLE.com%2Fpath")
	if err != nil {
		t.Fatalf("GET /check: %v", err)
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Domain != "example.com" {
		t.Errorf("domain = %q, want normalized example.com", result.Domain)
	}
}

func TestCheckRejectsBadDomain(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &stubChecker{}, 0)

	for _, q := range []string{"/check", "/check?domain=", "/check?domain=-bad-.com"} {
		resp, err := http.Get(ts.URL + q)
		if err != nil {
			t.Fatalf("GET %s: %v", q, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

func TestCheckTimeoutReturns504(t *testing.T) {
	t.Parallel()

	checker := &stubChecker{delay: 500 * time.Millisecond}
	ts := newTestServer(t, checker, 50*time.Millisecond)

	resp, err := http.Get(ts.URL + "/check?domain=slow.example.com")
	if err != nil {
		t.Fatalf("GET /check: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
}

func TestCheckInternalErrorReturns500(t *testing.T) {
	t.Parallel()

	checker := &stubChecker{err: errors.New("resolver exploded")}
	ts := newTestServer(t, checker, 0)

	resp, err := http.Get(ts.URL + "/check?domain=example.com")
	if err != nil {
		t.Fatalf("GET /check: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestCheckStripsChainWithoutDetail(t *testing.T) {
	t.Parallel()

	chain := certscan.ChainSnapshot{{Subject: certscan.SubjectData{CN: "example.com"}}}
	checker := &stubChecker{results: map[string]*Result{
		"example.com": {
			Domain:       "example.com",
			Verdict:      certscan.VerdictForeignCA,
			ChainSummary: chain.Summary(),
			Chain:        chain,
		},
	}}
	ts := newTestServer(t, checker, 0)

	resp, err := http.Get(ts.URL + "/check?domain=example.com")
	if err != nil {
		t.Fatalf("GET /check: %v", err)
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(result.Chain) != 0 {
		t.Errorf("expected chain omitted without detail=1, got %d entries", len(result.Chain))
	}
	if result.ChainSummary == "" {
		t.Error("expected chain summary to survive without detail=1")
	}

	resp2, err := http.Get(ts.URL + "/check?domain=example.com&detail=1")
	if err != nil {
		t.Fatalf("GET /check detail: %v", err)
	}
	defer resp2.Body.Close()

	var detailed Result
	if err := json.NewDecoder(resp2.Body).Decode(&detailed); err != nil {
		t.Fatalf("decoding detailed response: %v", err)
	}
	if len(detailed.Chain) != 1 {
		t.Errorf("expected 1 chain entry with detail=1, got %d", len(detailed.Chain))
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &stubChecker{}, 0)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
