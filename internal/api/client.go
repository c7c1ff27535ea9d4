// Package api is the bridge REST client: file metadata and mirrors for
// downloads, frames and bucket entries for uploads.
//
// Every call is paced by a shared token bucket and wrapped in the bridge
// retry policy. A 429 with a reset hint also sets a limiter cooldown so
// concurrent callers back off together.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/config"
	"github.com/rescale/shardlink/internal/constants"
	ihttp "github.com/rescale/shardlink/internal/http"
	"github.com/rescale/shardlink/internal/metrics"
	"github.com/rescale/shardlink/internal/models"
	"github.com/rescale/shardlink/internal/ratelimit"
)

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 4096

// Client represents the bridge API client
type Client struct {
	httpClient *nethttp.Client
	baseURL    string
	creds      cloud.Credentials
	limiter    *ratelimit.RateLimiter
	retry      ihttp.RetryOptions
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// Options configures New. Zero values fall back to defaults.
type Options struct {
	BaseURL     string
	HTTPClient  *nethttp.Client
	Credentials cloud.Credentials
	Retry       ihttp.RetryOptions
	Limiter     *ratelimit.RateLimiter
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
}

// New creates a client from explicit options.
func New(opts Options) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("bridge URL is empty")
	}
	if err := opts.Credentials.Validate(); err != nil {
		return nil, err
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &nethttp.Client{Timeout: constants.APIRequestTimeout}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewBridgeRateLimiter().WithLogger(opts.Logger)
	}
	retry := opts.Retry
	if retry.MaxRetries == 0 && retry.Wait == nil {
		retry = ihttp.DefaultRetryOptions()
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		creds:      opts.Credentials,
		limiter:    limiter,
		retry:      retry,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}, nil
}

// NewClient creates a client for the configured bridge, honouring proxy settings.
func NewClient(cfg *config.Config, creds cloud.Credentials, logger zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	httpClient, err := ihttp.ConfigureHTTPClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}
	httpClient.Timeout = constants.APIRequestTimeout

	retry := ihttp.DefaultRetryOptions()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}

	return New(Options{
		BaseURL:     cfg.BridgeURL,
		HTTPClient:  httpClient,
		Credentials: creds,
		Retry:       retry,
		Metrics:     m,
		Logger:      logger,
	})
}

// WithRetryObserver returns a copy of c that reports retries to fn.
// The copy shares the connection pool and the rate limiter.
func (c *Client) WithRetryObserver(fn func(ihttp.RetryContext)) *Client {
	cp := *c
	cp.retry.OnRetry = fn
	return &cp
}

// Credentials returns the authentication mode of c.
func (c *Client) Credentials() cloud.Credentials {
	return c.creds
}

// RetryOptions returns the retry policy used for bridge calls.
func (c *Client) RetryOptions() ihttp.RetryOptions {
	return c.retry
}

// authorize sets Basic auth for users or x-token for share links.
func (c *Client) authorize(req *nethttp.Request) {
	if c.creds.IsShared() {
		req.Header.Set("x-token", c.creds.ShareToken)
		return
	}
	req.SetBasicAuth(c.creds.User, c.creds.PasswordHash)
}

// doJSON performs one bridge call under the retry policy.
// in is marshalled once; out, if non-nil, receives the decoded 2xx body.
func (c *Client) doJSON(ctx context.Context, endpoint, method, path string, query url.Values, in, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	return ihttp.Retry(ctx, func(ctx context.Context) error {
		return c.doOnce(ctx, endpoint, method, path, query, payload, out)
	}, c.retry)
}

func (c *Client) doOnce(ctx context.Context, endpoint, method, path string, query url.Values, payload []byte, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return storage.ErrAbortedByUser
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := nethttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordBridgeRequest(endpoint, 0, time.Since(start))
		if ctx.Err() != nil {
			return storage.ErrAbortedByUser
		}
		c.logger.Debug().Err(err).Str("method", method).Str("endpoint", endpoint).Msg("bridge request failed")
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.RecordBridgeRequest(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := storage.NewUnexpectedStatus(resp, string(raw))

		if resp.StatusCode == nethttp.StatusTooManyRequests {
			if d, ok := ihttp.RateLimitDelay(resp.Header); ok {
				c.limiter.SetCooldown(d)
				c.logger.Warn().Str("endpoint", endpoint).Dur("reset", d).Msg("bridge rate limit hit")
			} else {
				c.logger.Error().Str("endpoint", endpoint).Msg("bridge returned 429 without a usable reset header")
			}
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: %w", endpoint, storage.ErrNoContentReceived)
		}
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}

func bucketFilePath(bucketID, fileID string) string {
	return "/buckets/" + url.PathEscape(bucketID) + "/files/" + url.PathEscape(fileID)
}

// =============================================================================
// Download metadata
// =============================================================================

// FileInfo fetches the current-protocol description of a file.
// A legacy file yields an error wrapping storage.ErrLegacyFormat; info is
// still returned when the bridge described the file.
func (c *Client) FileInfo(ctx context.Context, bucketID, fileID string) (*models.FileInfo, error) {
	var info models.FileInfo
	err := c.doJSON(ctx, "file_info", nethttp.MethodGet, "/v2"+bucketFilePath(bucketID, fileID)+"/mirrors", nil, nil, &info)
	if err != nil {
		if IsLegacyFileError(err) {
			return nil, fmt.Errorf("file %s: %w", fileID, storage.ErrLegacyFormat)
		}
		return nil, fmt.Errorf("get file info failed: %w", err)
	}
	if info.IsLegacy() {
		return &info, fmt.Errorf("file %s has version %d: %w", fileID, info.Version, storage.ErrLegacyFormat)
	}
	return &info, nil
}

// LegacyFileInfo fetches the legacy file record, whose index seeds the IV.
func (c *Client) LegacyFileInfo(ctx context.Context, bucketID, fileID string) (*models.LegacyFileMeta, error) {
	var meta models.LegacyFileMeta
	if err := c.doJSON(ctx, "legacy_file_info", nethttp.MethodGet, bucketFilePath(bucketID, fileID)+"/info", nil, nil, &meta); err != nil {
		return nil, fmt.Errorf("get legacy file info failed: %w", err)
	}
	return &meta, nil
}

// Mirrors lists every mirror of a legacy file, following pagination.
func (c *Client) Mirrors(ctx context.Context, bucketID, fileID string) ([]models.Mirror, error) {
	var all []models.Mirror
	for skip := 0; ; skip += constants.MirrorPageSize {
		query := url.Values{
			"limit": {strconv.Itoa(constants.MirrorPageSize)},
			"skip":  {strconv.Itoa(skip)},
		}
		var page []models.Mirror
		if err := c.doJSON(ctx, "mirrors", nethttp.MethodGet, bucketFilePath(bucketID, fileID), query, nil, &page); err != nil {
			return nil, fmt.Errorf("list mirrors failed: %w", err)
		}
		all = append(all, page...)
		if len(page) < constants.MirrorPageSize {
			return all, nil
		}
	}
}

// =============================================================================
// Upload staging
// =============================================================================

// CreateFrame opens a staging record for a new upload.
func (c *Client) CreateFrame(ctx context.Context) (*models.Frame, error) {
	var frame models.Frame
	if err := c.doJSON(ctx, "create_frame", nethttp.MethodPost, "/frames", nil, struct{}{}, &frame); err != nil {
		return nil, fmt.Errorf("create frame failed: %w", err)
	}
	if frame.ID == "" {
		return nil, fmt.Errorf("create frame: %w", storage.ErrNoContentReceived)
	}
	return &frame, nil
}

// AddShardToFrame registers a shard and returns the URL its ciphertext is PUT to.
func (c *Client) AddShardToFrame(ctx context.Context, frameID string, shard models.ShardMeta) (*models.ShardUploadTarget, error) {
	var target models.ShardUploadTarget
	if err := c.doJSON(ctx, "add_shard", nethttp.MethodPut, "/frames/"+url.PathEscape(frameID), nil, shard, &target); err != nil {
		return nil, fmt.Errorf("add shard to frame failed: %w", err)
	}
	if target.URL == "" {
		return nil, fmt.Errorf("add shard to frame: %w", storage.ErrNoContentReceived)
	}
	return &target, nil
}

// AddMultipartShardToFrame registers a shard uploaded in parts and returns
// the upload id plus one URL per part.
func (c *Client) AddMultipartShardToFrame(ctx context.Context, frameID string, shard models.ShardMeta, parts int) (*models.MultipartTarget, error) {
	query := url.Values{"multiparts": {strconv.Itoa(parts)}}
	var target models.MultipartTarget
	if err := c.doJSON(ctx, "add_multipart_shard", nethttp.MethodPut, "/frames/"+url.PathEscape(frameID), query, shard, &target); err != nil {
		return nil, fmt.Errorf("add multipart shard to frame failed: %w", err)
	}
	if target.UploadID == "" || len(target.URLs) != parts {
		return nil, fmt.Errorf("add multipart shard: expected %d part URLs, got %d", parts, len(target.URLs))
	}
	return &target, nil
}

// CreateEntry finalizes an upload by registering the frame as a file.
func (c *Client) CreateEntry(ctx context.Context, bucketID string, entry models.BucketEntryRequest) (*models.BucketEntry, error) {
	var created models.BucketEntry
	path := "/buckets/" + url.PathEscape(bucketID) + "/files"
	if err := c.doJSON(ctx, "create_entry", nethttp.MethodPost, path, nil, entry, &created); err != nil {
		return nil, fmt.Errorf("create bucket entry failed: %w", err)
	}
	if created.ID == "" {
		return nil, fmt.Errorf("create bucket entry: %w", storage.ErrNoContentReceived)
	}
	return &created, nil
}
