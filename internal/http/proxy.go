package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/shardlink/internal/config"
	"github.com/rescale/shardlink/internal/constants"
)

const (
	defaultProxyPort = 8080
	warmupTimeout    = 15 * time.Second
)

// ConfigureHTTPClient builds the client for bridge JSON calls from the
// [proxy] section of cfg. Modes:
//   - no-proxy: direct connections
//   - system: HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment
//   - basic: the configured proxy, credentials embedded in the proxy URL
//   - ntlm: the configured proxy behind an NTLM negotiator
//
// basic and ntlm without a host fall back to direct connections.
func ConfigureHTTPClient(cfg *config.Config, logger zerolog.Logger) (*nethttp.Client, error) {
	transport := newTransport()
	mode := strings.ToLower(cfg.ProxyMode)

	var rt nethttp.RoundTripper = transport
	switch mode {
	case "", "no-proxy":
	case "system":
		transport.Proxy = nethttp.ProxyFromEnvironment
	case "basic", "ntlm":
		if cfg.ProxyHost == "" {
			logger.Warn().Str("mode", mode).Msg("proxy host is missing, using a direct connection")
			return &nethttp.Client{Transport: transport}, nil
		}
		if cfg.ProxyUser != "" && cfg.ProxyPassword == "" {
			logger.Warn().Msg("proxy user configured but password missing, proxy auth disabled")
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg), cfg.NoProxy, logger)
		if mode == "ntlm" {
			rt = ntlmssp.Negotiator{RoundTripper: transport}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.ProxyMode)
	}

	client := &nethttp.Client{Transport: rt}
	if shouldWarmup(cfg, mode) {
		ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
		defer cancel()
		if err := warmupProxy(ctx, client, cfg.BridgeURL); err != nil {
			return nil, fmt.Errorf("proxy warmup failed: %w", err)
		}
		logger.Debug().Str("mode", mode).Msg("proxy warmed up")
	}
	return client, nil
}

func newTransport() *nethttp.Transport {
	return &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}
}

// shouldWarmup reports whether a warmup request is both requested and
// possible. Authenticated proxies need the password first; the CLI prompts
// for it before building clients.
func shouldWarmup(cfg *config.Config, mode string) bool {
	if !cfg.ProxyWarmup {
		return false
	}
	switch mode {
	case "system":
		return true
	case "basic", "ntlm":
		return cfg.ProxyUser != "" && cfg.ProxyPassword != ""
	}
	return false
}

// buildProxyURL returns the http:// URL of the configured proxy. Credentials
// are embedded only when both user and password are set.
func buildProxyURL(cfg *config.Config) *url.URL {
	port := cfg.ProxyPort
	if port == 0 {
		port = defaultProxyPort
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(cfg.ProxyHost, strconv.Itoa(port)),
	}
	if cfg.ProxyUser != "" && cfg.ProxyPassword != "" {
		proxyURL.User = url.UserPassword(cfg.ProxyUser, cfg.ProxyPassword)
	}
	return proxyURL
}

// warmupProxy sends one GET to the bridge so the proxy tunnel and any NTLM
// handshake exist before transfers start. Any answer below 500 counts: the
// bridge root may well reply 404.
func warmupProxy(ctx context.Context, client *nethttp.Client, bridgeURL string) error {
	if bridgeURL == "" {
		bridgeURL = constants.DefaultBridgeURL
	}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, bridgeURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("warmup request returned server error: %d", resp.StatusCode)
	}
	return nil
}

// proxyFuncWithBypass routes every request through proxyURL except hosts
// matched by noProxy (comma-separated hosts, *.domain wildcards, CIDRs).
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string, logger zerolog.Logger) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	proxyFunc := (&httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}).ProxyFunc()

	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		event := logger.Debug().Str("host", req.URL.Host)
		if result == nil {
			event.Msg("proxy bypass")
		} else {
			event.Str("proxy", result.Host).Msg("proxied")
		}
		return result, err
	}
}
