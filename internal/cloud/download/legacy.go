package download

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	nethttp "net/http"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/api"
	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/storage"
	encryption "github.com/rescale/shardlink/internal/crypto"
	ihttp "github.com/rescale/shardlink/internal/http"
	"github.com/rescale/shardlink/internal/models"
)

// LegacyDownloader fetches version-1 files: every data mirror is downloaded
// whole, in index order, and the concatenation is decrypted with the IV taken
// from the server-supplied file index.
type LegacyDownloader struct {
	api    *api.Client
	http   *retryablehttp.Client
	logger zerolog.Logger
}

// NewLegacyDownloader creates a LegacyDownloader whose mirror GETs are retried
// with the bridge policy.
func NewLegacyDownloader(client *api.Client, shardHTTP *nethttp.Client, maxRetries int, logger zerolog.Logger) *LegacyDownloader {
	if shardHTTP == nil {
		shardHTTP = nethttp.DefaultClient
	}
	return &LegacyDownloader{
		api:    client,
		http:   ihttp.NewRetryableClient(shardHTTP, maxRetries, logger),
		logger: logger,
	}
}

// Download returns the plaintext stream of a legacy file and its size.
// params.EncryptionKey, when set, replaces the key derived from the mnemonic.
func (d *LegacyDownloader) Download(ctx context.Context, params cloud.DownloadParams) (io.ReadCloser, int64, error) {
	client := d.api
	if params.OnRetry != nil {
		client = client.WithRetryObserver(params.OnRetry)
	}

	meta, err := client.LegacyFileInfo(ctx, params.BucketID, params.FileID)
	if err != nil {
		return nil, 0, err
	}
	index, err := hex.DecodeString(meta.Index)
	if err != nil || len(index) < encryption.IVSize {
		return nil, 0, fmt.Errorf("file %s: index must be at least %d hex bytes", params.FileID, encryption.IVSize)
	}

	key, err := legacyKey(params, index)
	if err != nil {
		return nil, 0, err
	}

	mirrors, err := client.Mirrors(ctx, params.BucketID, params.FileID)
	if err != nil {
		return nil, 0, err
	}
	shards := models.DataMirrors(mirrors)
	if len(shards) == 0 {
		return nil, 0, fmt.Errorf("file %s has no data mirrors: %w", params.FileID, storage.ErrNoContentReceived)
	}

	size := meta.Size
	if size <= 0 {
		for _, m := range shards {
			size += m.Size
		}
	}

	inputs := make([]io.Reader, len(shards))
	for i, m := range shards {
		inputs[i] = &mirrorReader{ctx: ctx, client: d.http, mirror: m}
	}

	plain, err := encryption.DecryptStream(inputs, key, index[:encryption.IVSize])
	if err != nil {
		return nil, 0, err
	}

	d.logger.Debug().
		Str("file", params.FileID).
		Int("mirrors", len(shards)).
		Int64("size", size).
		Msg("downloading legacy file")

	return newLegacyStream(ctx, plain, size, params.Progress), size, nil
}

func legacyKey(params cloud.DownloadParams, index []byte) ([]byte, error) {
	if len(params.EncryptionKey) > 0 {
		if len(params.EncryptionKey) != encryption.KeySize {
			return nil, fmt.Errorf("encryption key must be %d bytes, got %d", encryption.KeySize, len(params.EncryptionKey))
		}
		return params.EncryptionKey, nil
	}
	if params.Mnemonic == "" {
		return nil, fmt.Errorf("file %s: %w", params.FileID, storage.ErrEncryptionKeyMissing)
	}
	keys, err := encryption.GenerateFileKey(params.Mnemonic, params.BucketID, index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive file key: %w", err)
	}
	return keys.Key, nil
}

// mirrorReader opens its GET on first Read, so mirrors are fetched one after
// another as the decrypted stream is consumed.
type mirrorReader struct {
	ctx    context.Context
	client *retryablehttp.Client
	mirror models.Mirror

	read int64 // touched only by the reading goroutine

	mu     sync.Mutex
	body   io.ReadCloser
	closed bool
}

func (r *mirrorReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, storage.ErrAbortedByUser
	}
	if r.body == nil {
		body, err := r.open()
		if err != nil {
			r.mu.Unlock()
			return 0, err
		}
		r.body = body
	}
	body := r.body
	r.mu.Unlock()

	n, err := body.Read(p)
	r.read += int64(n)
	if err == io.EOF {
		if r.read == 0 {
			return n, fmt.Errorf("mirror %d: %w", r.mirror.Index, storage.ErrNoContentReceived)
		}
		if r.mirror.Size > 0 && r.read != r.mirror.Size {
			return n, fmt.Errorf("mirror %d: received %d of %d bytes: %w", r.mirror.Index, r.read, r.mirror.Size, storage.ErrConnectionLost)
		}
	}
	if err != nil && err != io.EOF && r.ctx.Err() != nil {
		return n, storage.ErrAbortedByUser
	}
	return n, err
}

func (r *mirrorReader) open() (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(r.ctx, nethttp.MethodGet, r.mirror.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror %d: failed to create request: %w", r.mirror.Index, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		if r.ctx.Err() != nil {
			return nil, storage.ErrAbortedByUser
		}
		return nil, fmt.Errorf("mirror %d: %w", r.mirror.Index, err)
	}
	if resp.StatusCode != nethttp.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("mirror %d: %w", r.mirror.Index, storage.NewUnexpectedStatus(resp, string(raw)))
	}
	return resp.Body, nil
}

// Close releases the mirror's response body.
func (r *mirrorReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}

// legacyStream reports progress as plaintext is read and cancels the cipher
// stream when ctx ends.
type legacyStream struct {
	plain    *encryption.CipherStream
	size     int64
	progress cloud.ProgressFunc
	read     atomic.Int64
	unhook   func() bool
}

func newLegacyStream(ctx context.Context, plain *encryption.CipherStream, size int64, progress cloud.ProgressFunc) *legacyStream {
	s := &legacyStream{plain: plain, size: size, progress: progress}
	s.unhook = context.AfterFunc(ctx, plain.Cancel)
	return s
}

func (s *legacyStream) Read(p []byte) (int, error) {
	n, err := s.plain.Read(p)
	if n > 0 {
		s.progress.Notify(s.size, s.read.Add(int64(n)))
	}
	return n, err
}

func (s *legacyStream) Close() error {
	s.unhook()
	return s.plain.Close()
}
