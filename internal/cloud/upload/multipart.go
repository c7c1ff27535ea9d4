package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/storage"
	encryption "github.com/rescale/shardlink/internal/crypto"
	"github.com/rescale/shardlink/internal/models"
	"github.com/rescale/shardlink/internal/transfer"
)

// PartCount returns the number of parts a file of size bytes is split into.
func PartCount(size, partSize int64) int {
	if size <= 0 || partSize <= 0 {
		return 0
	}
	return int((size + partSize - 1) / partSize)
}

// UploadMultipart uploads params.Source as one shard split into parts.
//
// Workflow:
//  1. Create a frame and register a multipart shard for PartCount parts
//  2. Encrypt the source into fixed-size parts while hashing the ciphertext
//  3. PUT the parts concurrently on the dispatcher, keeping at most
//     UploadConcurrency parts in memory, and collect their ETags
//  4. Finalize the entry with the sorted part manifest
//
// The first failing part aborts the whole upload. Parts already stored are
// not cleaned up.
func (u *Uploader) UploadMultipart(ctx context.Context, params cloud.UploadParams) (*cloud.UploadResult, error) {
	if params.Size <= 0 {
		return nil, fmt.Errorf("multipart upload of %s needs a known size", params.Name)
	}
	index, keys, err := fileKeys(params)
	if err != nil {
		return nil, err
	}
	client := u.api
	if params.OnRetry != nil {
		client = client.WithRetryObserver(params.OnRetry)
	}
	logger := u.logger.With().Str("name", params.Name).Str("bucket", params.BucketID).Logger()

	partSize := u.opts.PartSize
	parts := PartCount(params.Size, partSize)

	abort := transfer.NewAbortController(ctx)
	defer abort.Release()
	actx := abort.Context()

	if err := checkAbort(actx); err != nil {
		return nil, err
	}
	frame, err := client.CreateFrame(actx)
	if err != nil {
		return nil, err
	}

	if err := checkAbort(actx); err != nil {
		return nil, err
	}
	target, err := client.AddMultipartShardToFrame(actx, frame.ID, models.ShardMeta{Size: params.Size, Index: 0}, parts)
	if err != nil {
		return nil, err
	}
	if len(target.URLs) != parts {
		return nil, fmt.Errorf("bridge returned %d part URLs, expected %d", len(target.URLs), parts)
	}

	hasher := encryption.NewContentHasher()
	reader, err := encryption.EncryptStreamInParts(params.Source, keys.Key, keys.IV, int(partSize))
	if err != nil {
		return nil, err
	}
	reader.WithTap(hasher)
	abort.OnAbort(reader.Cancel)

	logger.Info().
		Int64("size", params.Size).
		Int("parts", parts).
		Int64("part_size", partSize).
		Int("concurrency", u.opts.UploadConcurrency).
		Msg("starting multipart upload")

	timer := cloud.NewPartTimer(logger, "multipart upload", parts)
	sem := semaphore.NewWeighted(int64(u.opts.UploadConcurrency))
	g, gctx := errgroup.WithContext(actx)

	var (
		mu    sync.Mutex
		acked []models.UploadPart

		// progressMu orders the running total with its callback.
		progressMu sync.Mutex
		uploaded   int64
	)

	g.Go(func() error {
		for {
			if err := sem.Acquire(gctx, 1); err != nil {
				return storage.ErrAbortedByUser
			}
			part, err := reader.Next()
			if errors.Is(err, io.EOF) {
				sem.Release(1)
				return nil
			}
			if err != nil {
				sem.Release(1)
				if gctx.Err() != nil {
					return storage.ErrAbortedByUser
				}
				return fmt.Errorf("failed to encrypt part: %w", err)
			}
			if part.Number > parts {
				part.Release()
				sem.Release(1)
				return fmt.Errorf("source is larger than the declared %d bytes", params.Size)
			}

			g.Go(func() error {
				defer sem.Release(1)
				start := time.Now()
				n := int64(len(part.Data))

				etag, err := u.uploadPart(gctx, target.URLs[part.Number-1], part)
				if err != nil {
					return fmt.Errorf("part %d: %w", part.Number, err)
				}

				mu.Lock()
				acked = append(acked, models.UploadPart{PartNumber: part.Number, ETag: etag})
				mu.Unlock()

				timer.RecordPart(part.Number, time.Since(start), n)

				progressMu.Lock()
				uploaded += n
				params.Progress.Notify(params.Size, uploaded)
				progressMu.Unlock()
				return nil
			})
		}
	})

	if err := g.Wait(); err != nil {
		if !errors.Is(err, storage.ErrAbortedByUser) {
			abort.Abort(err)
		}
		if ctx.Err() != nil {
			return nil, storage.ErrAbortedByUser
		}
		logger.Error().Err(err).Msg("multipart upload failed")
		return nil, err
	}
	timer.Summary()

	if len(acked) != parts {
		return nil, fmt.Errorf("uploaded %d parts, expected %d", len(acked), parts)
	}
	models.SortParts(acked)

	if err := checkAbort(actx); err != nil {
		return nil, err
	}
	hash := hasher.HexSum()
	entry, err := u.finalize(actx, client, params, frame.ID, index, keys.Key, hash, &models.MultipartManifest{
		UploadID: target.UploadID,
		Hash:     hash,
		Parts:    acked,
	})
	if err != nil {
		return nil, err
	}

	return &cloud.UploadResult{
		FileID:    entry.ID,
		BucketID:  params.BucketID,
		Index:     hex.EncodeToString(index),
		Hash:      hash,
		Size:      params.Size,
		Multipart: true,
		Parts:     parts,
	}, nil
}

// uploadPart PUTs one part on the dispatcher and releases its buffer once
// the job has finished with it.
func (u *Uploader) uploadPart(ctx context.Context, url string, part *encryption.Part) (string, error) {
	_, results := transfer.Submit(u.dispatcher, ctx, func(ctx context.Context) (string, error) {
		return u.put(ctx, url, part.Data)
	})

	select {
	case res := <-results:
		part.Release()
		if res.Err != nil {
			return "", res.Err
		}
		if res.Value == "" {
			return "", fmt.Errorf("part %d: response carried no ETag", part.Number)
		}
		return res.Value, nil
	case <-ctx.Done():
		// The job may still hold part.Data; leave the buffer to the GC.
		return "", storage.ErrAbortedByUser
	}
}
