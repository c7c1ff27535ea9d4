package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"

	"github.com/rescale/shardlink/internal/cloud/storage"
	encryption "github.com/rescale/shardlink/internal/crypto"
	"github.com/rescale/shardlink/internal/util/buffers"
)

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 4096

// RangeFetcher fetches byte ranges of one shard and decrypts them at their
// file offset. Fetch is a ChunkFetcher.
type RangeFetcher struct {
	client *nethttp.Client
	url    string
	key    []byte
	iv     []byte
}

// NewRangeFetcher creates a fetcher for the shard at shardURL. Shard URLs are
// presigned, so requests carry no bridge credentials.
func NewRangeFetcher(client *nethttp.Client, shardURL string, key, iv []byte) *RangeFetcher {
	if client == nil {
		client = nethttp.DefaultClient
	}
	return &RangeFetcher{client: client, url: shardURL, key: key, iv: iv}
}

// Fetch issues one ranged GET for task and returns the decrypted pieces.
// 200 and 206 are accepted; any other status is an UnexpectedStatusError and
// an empty body is ErrNoContentReceived.
func (f *RangeFetcher) Fetch(ctx context.Context, task ChunkTask, onBytes func(n int64)) ([][]byte, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: failed to create request: %w", task.Index, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", task.Start, task.End))

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, storage.ErrAbortedByUser
		}
		return nil, fmt.Errorf("chunk %d: %w", task.Index, err)
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusOK:
		// Range ignored: the body is the whole shard
		if task.Start > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, task.Start); err != nil {
				return nil, fmt.Errorf("chunk %d: skipping to offset %d: %w", task.Index, task.Start, err)
			}
		}
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("chunk %d: %w", task.Index, storage.NewUnexpectedStatus(resp, string(raw)))
	}

	plain, err := encryption.DecryptStreamAt(io.LimitReader(body, task.Size()), f.key, f.iv, task.Start)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", task.Index, err)
	}

	pieces, total, err := readPieces(plain, onBytes)
	if err != nil {
		if ctx.Err() != nil {
			return nil, storage.ErrAbortedByUser
		}
		return nil, fmt.Errorf("chunk %d: %w", task.Index, err)
	}
	if total == 0 {
		return nil, fmt.Errorf("chunk %d: %w", task.Index, storage.ErrNoContentReceived)
	}
	return pieces, nil
}

// readPieces drains r into pieces of the pooled buffer size.
func readPieces(r io.Reader, onBytes func(n int64)) ([][]byte, int64, error) {
	buf := buffers.GetPieceBuffer()
	defer buffers.PutPieceBuffer(buf)

	var pieces [][]byte
	var total int64
	for {
		n, err := io.ReadFull(r, *buf)
		if n > 0 {
			pieces = append(pieces, append(make([]byte, 0, n), (*buf)[:n]...))
			total += int64(n)
			if onBytes != nil {
				onBytes(int64(n))
			}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return pieces, total, nil
		}
		if err != nil {
			return pieces, total, err
		}
	}
}
