// Package upload implements the upload orchestrator: single-shard uploads
// for small files and multipart uploads for large ones.
//
// Both paths derive the file key from the mnemonic and a fresh random index,
// encrypt with AES-256-CTR, identify the stored shard by the RIPEMD-160 of the
// SHA-256 of its ciphertext, and finalize a bucket entry carrying the
// encrypted file name and an HMAC over the shard hash.
package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	nethttp "net/http"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/api"
	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/constants"
	encryption "github.com/rescale/shardlink/internal/crypto"
	ihttp "github.com/rescale/shardlink/internal/http"
	"github.com/rescale/shardlink/internal/models"
	"github.com/rescale/shardlink/internal/transfer"
)

// hmacType is the only HMAC algorithm the bridge accepts
const hmacType = "sha512"

// Uploader uploads files to a bridge.
type Uploader struct {
	api        *api.Client
	http       *retryablehttp.Client
	dispatcher *transfer.Dispatcher
	ownsPool   bool
	opts       cloud.TransferOptions
	logger     zerolog.Logger
}

// NewUploader creates an Uploader. Shard and part PUTs go through shardHTTP
// with the bridge retry policy. Multipart parts run on dispatcher; when it is
// nil the Uploader starts its own, released by Close.
func NewUploader(client *api.Client, shardHTTP *nethttp.Client, dispatcher *transfer.Dispatcher, opts cloud.TransferOptions, logger zerolog.Logger) *Uploader {
	opts = opts.WithDefaults()
	if shardHTTP == nil {
		shardHTTP = nethttp.DefaultClient
	}
	u := &Uploader{
		api:        client,
		http:       ihttp.NewRetryableClient(shardHTTP, opts.MaxRetries, logger),
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
	}
	if u.dispatcher == nil {
		u.dispatcher = transfer.NewDispatcher(max(opts.UploadConcurrency, constants.DispatcherWorkers), logger)
		u.ownsPool = true
	}
	return u
}

// Close releases the dispatcher if the Uploader created it.
func (u *Uploader) Close() {
	if u.ownsPool {
		u.dispatcher.Shutdown()
	}
}

// fileKeys derives key material for a new file.
func fileKeys(params cloud.UploadParams) ([]byte, *encryption.FileKeyMaterial, error) {
	if params.Mnemonic == "" {
		return nil, nil, fmt.Errorf("upload %s: %w", params.Name, storage.ErrEncryptionKeyMissing)
	}
	if params.Source == nil {
		return nil, nil, fmt.Errorf("upload %s: no source", params.Name)
	}
	index, err := encryption.GenerateIndex()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate file index: %w", err)
	}
	keys, err := encryption.GenerateFileKey(params.Mnemonic, params.BucketID, index)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive file key: %w", err)
	}
	return index, keys, nil
}

// checkAbort returns ErrAbortedByUser once ctx has ended. It guards every
// step so that no further network call is made after an abort.
func checkAbort(ctx context.Context) error {
	if ctx.Err() != nil {
		return storage.ErrAbortedByUser
	}
	return nil
}

// UploadFile uploads params.Source as a single shard. The ciphertext is held
// in memory between encryption and the PUT.
func (u *Uploader) UploadFile(ctx context.Context, params cloud.UploadParams) (*cloud.UploadResult, error) {
	index, keys, err := fileKeys(params)
	if err != nil {
		return nil, err
	}
	client := u.api
	if params.OnRetry != nil {
		client = client.WithRetryObserver(params.OnRetry)
	}
	logger := u.logger.With().Str("name", params.Name).Str("bucket", params.BucketID).Logger()
	timer := cloud.StartTimer(logger, "single-shard upload")

	// Encrypt while hashing the ciphertext
	if err := checkAbort(ctx); err != nil {
		return nil, err
	}
	hasher := encryption.NewContentHasher()
	cipherStream, err := encryption.EncryptStream(params.Source, keys.Key, keys.IV)
	if err != nil {
		return nil, err
	}
	cipherStream.WithTap(hasher)
	stop := context.AfterFunc(ctx, cipherStream.Cancel)
	defer stop()

	var buf bytes.Buffer
	if params.Size > 0 {
		buf.Grow(int(params.Size))
	}
	if _, err := io.Copy(&buf, cipherStream); err != nil {
		if ctx.Err() != nil {
			return nil, storage.ErrAbortedByUser
		}
		return nil, fmt.Errorf("failed to encrypt %s: %w", params.Name, err)
	}
	ciphertext := buf.Bytes()
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("upload %s: source is empty", params.Name)
	}
	hash := hasher.HexSum()
	size := int64(len(ciphertext))

	// Stage the shard
	if err := checkAbort(ctx); err != nil {
		return nil, err
	}
	frame, err := client.CreateFrame(ctx)
	if err != nil {
		return nil, err
	}

	if err := checkAbort(ctx); err != nil {
		return nil, err
	}
	target, err := client.AddShardToFrame(ctx, frame.ID, models.ShardMeta{Hash: hash, Size: size, Index: 0})
	if err != nil {
		return nil, err
	}

	if err := checkAbort(ctx); err != nil {
		return nil, err
	}
	if _, err := u.put(ctx, target.URL, ciphertext); err != nil {
		return nil, fmt.Errorf("shard upload failed: %w", err)
	}
	params.Progress.Notify(size, size)

	// Finalize
	if err := checkAbort(ctx); err != nil {
		return nil, err
	}
	entry, err := u.finalize(ctx, client, params, frame.ID, index, keys.Key, hash, nil)
	if err != nil {
		return nil, err
	}

	timer.StopWithThroughput(size)
	return &cloud.UploadResult{
		FileID:   entry.ID,
		BucketID: params.BucketID,
		Index:    hex.EncodeToString(index),
		Hash:     hash,
		Size:     size,
		Parts:    1,
	}, nil
}

// finalize registers the frame as a bucket entry.
func (u *Uploader) finalize(ctx context.Context, client *api.Client, params cloud.UploadParams, frameID string, index, fileKey []byte, hash string, manifest *models.MultipartManifest) (*models.BucketEntry, error) {
	name, err := encryption.EncryptFilename(params.Mnemonic, params.BucketID, params.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt file name: %w", err)
	}
	mac, err := encryption.ShardsHMAC(fileKey, []string{hash})
	if err != nil {
		return nil, err
	}
	return client.CreateEntry(ctx, params.BucketID, models.BucketEntryRequest{
		Frame:     frameID,
		Filename:  name,
		Index:     hex.EncodeToString(index),
		HMAC:      models.HMAC{Type: hmacType, Value: mac},
		Multipart: manifest,
	})
}

// put uploads data to a presigned URL and returns the ETag, if any.
func (u *Uploader) put(ctx context.Context, url string, data []byte) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, nethttp.MethodPut, url, data)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = int64(len(data))

	resp, err := u.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", storage.ErrAbortedByUser
		}
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", storage.NewUnexpectedStatus(resp, string(raw))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Header.Get("ETag"), nil
}
