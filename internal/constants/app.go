// Package constants holds the tunables shared by the transfer engine, the
// bridge client and the CLI.
package constants

import (
	"time"
)

// Download planning
const (
	// DownloadChunkSize - upper bound for one ranged download request (50 MB)
	// Actual chunk sizes are drawn uniformly from [MinChunkFraction*DownloadChunkSize, DownloadChunkSize]
	// so request patterns don't repeat between downloads.
	DownloadChunkSize = 50 * 1024 * 1024

	// MinChunkFraction - lower bound of a randomized chunk, as a fraction of the chunk size
	MinChunkFraction = 0.4

	// DownloadConcurrency - ranged requests in flight per download
	DownloadConcurrency = 6

	// ChunkMaxRetries - retry budget for a single chunk task before the whole download is aborted
	ChunkMaxRetries = 3
)

// Upload thresholds
const (
	// MultipartThreshold - files at or above this size use the multipart upload path (100 MB)
	MultipartThreshold = 100 * 1024 * 1024

	// UploadPartSize - plaintext size of each multipart part (30 MB)
	// Every part except the last one has exactly this size.
	UploadPartSize = 30 * 1024 * 1024

	// MinUploadPartSize - storage backend minimum for non-final parts (5 MB)
	MinUploadPartSize = 5 * 1024 * 1024

	// UploadConcurrency - parts uploaded in parallel per multipart upload
	UploadConcurrency = 6

	// DispatcherWorkers - size of the long-lived background pool shared across transfers
	DispatcherWorkers = 8
)

// Retry configuration
const (
	// MaxRetries - default retry budget for bridge API calls
	MaxRetries = 5

	// RetryBaseDelay - first exponential backoff step (1s)
	RetryBaseDelay = 1 * time.Second

	// RetryMaxDelay - cap of the exponential schedule before jitter (10s)
	RetryMaxDelay = 10 * time.Second

	// RateLimitResetHeader - milliseconds to wait after a 429, set by the bridge
	RateLimitResetHeader = "x-internxt-ratelimit-reset"
)

// Cipher buffers
const (
	// CipherPieceSize - size of the pieces a chunk is decrypted into (64 KB)
	CipherPieceSize = 64 * 1024
)

// HTTP Transport
const (
	// HTTPDialTimeout - timeout for establishing TCP connections (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for TCP connections (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPIdleConnTimeout - how long idle connections stay in the pool (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - TLS handshake timeout, generous for slow links (30 seconds)
	HTTPTLSHandshakeTimeout = 30 * time.Second

	// HTTPExpectContinueTimeout - wait for 100-continue before sending the body (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// APIRequestTimeout - per-call timeout for bridge JSON endpoints (2 minutes)
	// Shard bodies are not covered; they are bounded by the caller's context.
	APIRequestTimeout = 2 * time.Minute
)

// Bridge defaults
const (
	// DefaultBridgeURL - production bridge endpoint
	DefaultBridgeURL = "https://gateway.internxt.com/network"

	// MirrorPageSize - mirrors requested per page on the legacy file endpoint
	MirrorPageSize = 6
)

// Disk space safety margin
const (
	// DiskSpaceBufferPercent - additional space to require beyond file size (15%)
	DiskSpaceBufferPercent = 0.15
)

// UI Updates
const (
	// ProgressUpdateInterval - interval for progress bar refreshes (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond
)

// Event bus
const (
	// EventBusDefaultBuffer - per-subscriber channel buffer
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - upper bound for a requested buffer size
	EventBusMaxBuffer = 10000
)
