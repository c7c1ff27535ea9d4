package http

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/config"
)

// TestProxyFuncWithBypass_EmptyNoProxy verifies that an empty noProxy always routes through proxy.
func TestProxyFuncWithBypass_EmptyNoProxy(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "", zerolog.Nop())

	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected proxy URL, got nil (direct)")
	}
	if result.Host != "proxy.corp:8080" {
		t.Errorf("expected proxy host proxy.corp:8080, got %s", result.Host)
	}
}

// TestProxyFuncWithBypass_WildcardDomain verifies *.example.com bypasses api.example.com.
func TestProxyFuncWithBypass_WildcardDomain(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "*.example.com", zerolog.Nop())

	// Subdomain should bypass proxy
	req, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil (bypass) for api.example.com, got %v", result)
	}
}

// TestProxyFuncWithBypass_ExactDomain verifies example.com bypasses root and subdomains.
func TestProxyFuncWithBypass_ExactDomain(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "example.com", zerolog.Nop())

	// Root domain should bypass
	req, _ := http.NewRequest("GET", "https://example.com/data", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil (bypass) for example.com, got %v", result)
	}

	// Subdomain should also bypass (httpproxy matches subdomains for a domain without a leading dot)
	req2, _ := http.NewRequest("GET", "https://api.example.com/data", nil)
	result2, err := proxyFunc(req2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result2 != nil {
		t.Errorf("expected nil (bypass) for api.example.com, got %v", result2)
	}
}

// TestProxyFuncWithBypass_CIDR verifies IP/CIDR range matching.
func TestProxyFuncWithBypass_CIDR(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "10.0.0.0/8", zerolog.Nop())

	// IP in range should bypass
	req, _ := http.NewRequest("GET", "http://10.1.2.3:8080/api", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil (bypass) for 10.1.2.3, got %v", result)
	}
}

// TestProxyFuncWithBypass_NonMatchingHost verifies non-matching hosts route through proxy.
func TestProxyFuncWithBypass_NonMatchingHost(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "*.internal.corp,10.0.0.0/8", zerolog.Nop())

	// External host should use proxy
	req, _ := http.NewRequest("GET", "https://gateway.example.com/network/", nil)
	result, err := proxyFunc(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Fatal("expected proxy URL for gateway.example.com, got nil (direct)")
	}
	if result.Host != "proxy.corp:8080" {
		t.Errorf("expected proxy host proxy.corp:8080, got %s", result.Host)
	}
}

// TestProxyFuncWithBypass_MultiplePatterns verifies comma-separated patterns work.
func TestProxyFuncWithBypass_MultiplePatterns(t *testing.T) {
	proxyURL, _ := url.Parse("http://proxy.corp:8080")
	proxyFunc := proxyFuncWithBypass(proxyURL, "*.example.com, 192.168.0.0/16, internal.corp", zerolog.Nop())

	tests := []struct {
		name       string
		url        string
		wantBypass bool
	}{
		{"wildcard match", "https://api.example.com/data", true},
		{"cidr match", "http://192.168.1.100/api", true},
		{"exact domain match", "https://internal.corp/status", true},
		{"non-match", "https://gateway.bridge.io/network/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", tt.url, nil)
			result, err := proxyFunc(req)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantBypass && result != nil {
				t.Errorf("expected bypass (nil) for %s, got %v", tt.url, result)
			}
			if !tt.wantBypass && result == nil {
				t.Errorf("expected proxy for %s, got nil (bypass)", tt.url)
			}
		})
	}
}

// TestBuildProxyURL verifies default port and credential embedding.
func TestBuildProxyURL(t *testing.T) {
	cfg := config.NewConfig()
	cfg.ProxyHost = "proxy.corp"
	cfg.ProxyPort = 0

	u := buildProxyURL(cfg)
	if u.Host != "proxy.corp:8080" {
		t.Errorf("expected default port 8080, got %s", u.Host)
	}
	if u.User != nil {
		t.Error("credentials must not be embedded without a password")
	}

	cfg.ProxyUser = "bob"
	cfg.ProxyPassword = "secret"
	u = buildProxyURL(cfg)
	if pw, ok := u.User.Password(); !ok || pw != "secret" || u.User.Username() != "bob" {
		t.Errorf("expected embedded credentials, got %v", u.User)
	}
}

// TestConfigureHTTPClient_Modes verifies transport selection per proxy mode.
func TestConfigureHTTPClient_Modes(t *testing.T) {
	cfg := config.NewConfig()

	client, err := ConfigureHTTPClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("no-proxy: unexpected error: %v", err)
	}
	if tr, ok := client.Transport.(*http.Transport); !ok || tr.Proxy != nil {
		t.Error("no-proxy: expected a plain transport without proxy")
	}

	cfg.ProxyMode = "ntlm"
	cfg.ProxyHost = "proxy.corp"
	client, err = ConfigureHTTPClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("ntlm: unexpected error: %v", err)
	}
	if _, ok := client.Transport.(ntlmssp.Negotiator); !ok {
		t.Errorf("ntlm: expected ntlmssp.Negotiator, got %T", client.Transport)
	}

	cfg.ProxyMode = "basic"
	client, err = ConfigureHTTPClient(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("basic: unexpected error: %v", err)
	}
	if tr, ok := client.Transport.(*http.Transport); !ok || tr.Proxy == nil {
		t.Error("basic: expected a proxied transport")
	}

	cfg.ProxyMode = "socks"
	if _, err := ConfigureHTTPClient(cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for unsupported proxy mode")
	}
}

// TestWarmupProxy verifies the warmup request reaches the bridge and that
// only server errors fail it.
func TestWarmupProxy(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	cfg := config.NewConfig()
	cfg.BridgeURL = srv.URL
	cfg.ProxyMode = "system"
	cfg.ProxyWarmup = true
	t.Setenv("HTTP_PROXY", "")
	t.Setenv("NO_PROXY", "*")

	if _, err := ConfigureHTTPClient(cfg, zerolog.Nop()); err != nil {
		t.Fatalf("404 must not fail the warmup: %v", err)
	}

	status = http.StatusBadGateway
	if _, err := ConfigureHTTPClient(cfg, zerolog.Nop()); err == nil {
		t.Error("expected warmup failure on 502")
	}
}

// TestShouldWarmup verifies authenticated proxies wait for a password.
func TestShouldWarmup(t *testing.T) {
	cfg := config.NewConfig()
	cfg.ProxyWarmup = true

	if !shouldWarmup(cfg, "system") {
		t.Error("system mode should warm up")
	}
	if shouldWarmup(cfg, "no-proxy") {
		t.Error("no-proxy mode should not warm up")
	}
	cfg.ProxyUser = "bob"
	if shouldWarmup(cfg, "ntlm") {
		t.Error("ntlm without password should not warm up")
	}
	cfg.ProxyPassword = "secret"
	if !shouldWarmup(cfg, "basic") {
		t.Error("basic with credentials should warm up")
	}
	cfg.ProxyWarmup = false
	if shouldWarmup(cfg, "system") {
		t.Error("warmup disabled")
	}
}
