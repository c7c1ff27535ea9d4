// Package cloud defines the parameters and results shared by the download
// scheduler, the upload orchestrator and the network facade.
package cloud

import (
	"io"

	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/config"
	"github.com/rescale/shardlink/internal/constants"
	ihttp "github.com/rescale/shardlink/internal/http"
)

// ProgressFunc receives the total size and the bytes committed so far.
// Committed bytes never decrease across calls for one transfer.
type ProgressFunc func(totalBytes, transferredBytes int64)

// RetryFunc observes retries of bridge and shard requests. It runs on its
// own goroutine and must not block for long.
type RetryFunc func(ihttp.RetryContext)

// Credentials selects the bridge authentication mode. Exactly one of
// user credentials or a share token must be set.
type Credentials struct {
	User         string
	PasswordHash string
	ShareToken   string
}

// Validate checks that exactly one authentication mode is configured.
// Supplying both is a programming error, not a retry condition.
func (c Credentials) Validate() error {
	hasUser := c.User != "" || c.PasswordHash != ""
	hasToken := c.ShareToken != ""
	switch {
	case hasUser && hasToken:
		return storage.ErrConflictingCredentials
	case hasToken:
		return nil
	case c.User != "" && c.PasswordHash != "":
		return nil
	default:
		return storage.ErrAuthenticationMissing
	}
}

// IsShared reports whether the credentials are an anonymous share token.
func (c Credentials) IsShared() bool {
	return c.ShareToken != ""
}

// TransferOptions tunes the transfer engine. Zero values fall back to defaults.
type TransferOptions struct {
	DownloadConcurrency int
	ChunkSize           int64
	ChunkMaxRetries     int
	MaxRetries          int
	UploadConcurrency   int
	PartSize            int64
	MultipartThreshold  int64
}

// DefaultTransferOptions returns the engine defaults.
func DefaultTransferOptions() TransferOptions {
	return TransferOptions{
		DownloadConcurrency: constants.DownloadConcurrency,
		ChunkSize:           constants.DownloadChunkSize,
		ChunkMaxRetries:     constants.ChunkMaxRetries,
		MaxRetries:          constants.MaxRetries,
		UploadConcurrency:   constants.UploadConcurrency,
		PartSize:            constants.UploadPartSize,
		MultipartThreshold:  constants.MultipartThreshold,
	}
}

// OptionsFromConfig builds TransferOptions from the [transfer] section.
func OptionsFromConfig(cfg *config.Config) TransferOptions {
	return TransferOptions{
		DownloadConcurrency: cfg.DownloadConcurrency,
		ChunkSize:           cfg.ChunkSize,
		ChunkMaxRetries:     cfg.ChunkMaxRetries,
		MaxRetries:          cfg.MaxRetries,
		UploadConcurrency:   cfg.UploadConcurrency,
		PartSize:            cfg.PartSize,
		MultipartThreshold:  cfg.MultipartThreshold,
	}.WithDefaults()
}

// WithDefaults fills unset fields from DefaultTransferOptions.
func (o TransferOptions) WithDefaults() TransferOptions {
	d := DefaultTransferOptions()
	if o.DownloadConcurrency <= 0 {
		o.DownloadConcurrency = d.DownloadConcurrency
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.ChunkMaxRetries < 0 {
		o.ChunkMaxRetries = d.ChunkMaxRetries
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.UploadConcurrency <= 0 {
		o.UploadConcurrency = d.UploadConcurrency
	}
	if o.PartSize <= 0 {
		o.PartSize = d.PartSize
	}
	if o.MultipartThreshold <= 0 {
		o.MultipartThreshold = d.MultipartThreshold
	}
	return o
}

// DownloadParams describes one file download.
type DownloadParams struct {
	BucketID string
	FileID   string

	// Mnemonic derives the file key. For legacy files EncryptionKey, when set,
	// is used instead and Mnemonic may be empty.
	Mnemonic      string
	EncryptionKey []byte

	Progress ProgressFunc
	OnRetry  RetryFunc
	// OnLegacyFallback is called once if the file is served by the legacy protocol.
	OnLegacyFallback func()
}

// UploadParams describes one file upload.
type UploadParams struct {
	BucketID string
	Name     string // plain file name; encrypted before it reaches the bridge
	Source   io.Reader
	Size     int64
	Mnemonic string

	Progress ProgressFunc
	OnRetry  RetryFunc
}

// UploadResult identifies the stored file.
type UploadResult struct {
	FileID    string
	BucketID  string
	Index     string // hex file index; its first 16 bytes are the IV
	Hash      string // content identifier of the stored shard
	Size      int64
	Multipart bool
	Parts     int
}

// Notify calls fn if set.
func (f ProgressFunc) Notify(total, transferred int64) {
	if f != nil {
		f(total, transferred)
	}
}
