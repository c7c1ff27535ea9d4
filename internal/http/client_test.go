package http

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/config"
)

// TestCreateOptimizedClient verifies transport tuning on the default config.
func TestCreateOptimizedClient(t *testing.T) {
	client, err := CreateOptimizedClient(config.NewConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("CreateOptimizedClient failed: %v", err)
	}
	if client.Timeout != 0 {
		t.Errorf("expected no overall timeout, got %v", client.Timeout)
	}
	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", client.Transport)
	}
	if !tr.DisableCompression {
		t.Error("expected compression disabled")
	}
	if tr.MaxIdleConnsPerHost != 100 {
		t.Errorf("expected 100 idle conns per host, got %d", tr.MaxIdleConnsPerHost)
	}
}

// TestProxyActive verifies HTTP/2 is turned off behind explicit proxies.
func TestProxyActive(t *testing.T) {
	cfg := config.NewConfig()
	if proxyActive(cfg) {
		t.Error("no-proxy mode should not be active")
	}
	cfg.ProxyMode = "basic"
	if !proxyActive(cfg) {
		t.Error("basic mode should be active")
	}
}

// TestNewRetryableClient_RetriesServerErrors verifies the policy drives retryablehttp.
func TestNewRetryableClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("x-internxt-ratelimit-reset", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	rc := NewRetryableClient(srv.Client(), 3, zerolog.New(&logs))

	resp, err := rc.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after retry, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}

// TestNewRetryableClient_NoRetryOnClientError verifies 4xx is returned as-is.
func TestNewRetryableClient_NoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	rc := NewRetryableClient(srv.Client(), 3, zerolog.Nop())
	resp, err := rc.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}
