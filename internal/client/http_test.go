package client

import (
	"net/http"
	"testing"
	"time"
)

func TestInitHTTPClientFillsDefaults(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	InitHTTPClient(&Config{})
	c := GetHTTPClient()

	tr, ok := c.Transport.(*http.Transport)
	if !ok || tr == nil {
		t.Fatalf("expected *http.Transport, got %T", c.Transport)
	}
	if tr.MaxIdleConns == 0 {
		t.Fatalf("expected MaxIdleConns defaulted, got %d", tr.MaxIdleConns)
	}
	if tr.MaxIdleConnsPerHost == 0 {
		t.Fatalf("expected MaxIdleConnsPerHost defaulted, got %d", tr.MaxIdleConnsPerHost)
	}
	if tr.MaxConnsPerHost == 0 {
		t.Fatalf("expected MaxConnsPerHost defaulted, got %d", tr.MaxConnsPerHost)
	}
}

func TestRequestTimeoutExceedsConnectDeadline(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	InitHTTPClient(nil)
	c := GetHTTPClient()

	// A replica spends up to the full target handshake deadline before answering,
	// so the client must not give up earlier than that.
	if c.Timeout < 15*time.Second {
		t.Fatalf("request timeout %v shorter than target handshake deadline", c.Timeout)
	}
}

func TestConfigureBatchModeSetsPerHostIdleConns(t *testing.T) {
	sharedClient = nil
	clientInitialized = false

	ConfigureBatchMode()
	c := GetHTTPClient()

	tr, ok := c.Transport.(*http.Transport)
	if !ok || tr == nil {
		t.Fatalf("expected *http.Transport, got %T", c.Transport)
	}
	if tr.MaxIdleConnsPerHost == 0 {
		t.Fatalf("expected MaxIdleConnsPerHost set, got %d", tr.MaxIdleConnsPerHost)
	}
	if tr.MaxConnsPerHost == 0 {
		t.Fatalf("expected MaxConnsPerHost set, got %d", tr.MaxConnsPerHost)
	}
}
