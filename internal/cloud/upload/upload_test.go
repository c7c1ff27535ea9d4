package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	nethttp "net/http"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rescale/shardlink/internal/api"
	"github.com/rescale/shardlink/internal/api/apitest"
	"github.com/rescale/shardlink/internal/cloud"
	"github.com/rescale/shardlink/internal/cloud/download"
	"github.com/rescale/shardlink/internal/cloud/storage"
	encryption "github.com/rescale/shardlink/internal/crypto"
	ihttp "github.com/rescale/shardlink/internal/http"
	"github.com/rescale/shardlink/internal/ratelimit"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testBucket   = "0123456789abcdef01234567"
)

func newAPIClient(t *testing.T, bridge *apitest.Bridge) *api.Client {
	t.Helper()
	c, err := api.New(api.Options{
		BaseURL:     bridge.URL(),
		Credentials: cloud.Credentials{User: "user@example.com", PasswordHash: "hash"},
		Retry: ihttp.RetryOptions{MaxRetries: 2, Wait: func(ctx context.Context, d time.Duration) error {
			return ctx.Err()
		}},
		Limiter: ratelimit.NewRateLimiter(1000, 1000),
	})
	if err != nil {
		t.Fatalf("api.New() error = %v", err)
	}
	return c
}

func newTestUploader(t *testing.T, bridge *apitest.Bridge, partSize int64) *Uploader {
	t.Helper()
	u := NewUploader(newAPIClient(t, bridge), bridge.Server.Client(), nil, cloud.TransferOptions{
		UploadConcurrency: 3,
		PartSize:          partSize,
		MaxRetries:        1,
	}, zerolog.Nop())
	t.Cleanup(u.Close)
	return u
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return b
}

// decryptStored decrypts a stored file with the key derived from its index.
func decryptStored(t *testing.T, f apitest.StoredFile) []byte {
	t.Helper()
	keys, err := encryption.GenerateFileKeyHex(testMnemonic, f.Bucket, f.Index)
	if err != nil {
		t.Fatalf("GenerateFileKeyHex() error = %v", err)
	}
	plain, err := encryption.DecryptStream([]io.Reader{bytes.NewReader(f.Data)}, keys.Key, keys.IV)
	if err != nil {
		t.Fatalf("DecryptStream() error = %v", err)
	}
	out, err := io.ReadAll(plain)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	return out
}

type progressRecorder struct {
	mu    sync.Mutex
	calls [][2]int64
}

func (p *progressRecorder) fn(total, transferred int64) {
	p.mu.Lock()
	p.calls = append(p.calls, [2]int64{total, transferred})
	p.mu.Unlock()
}

func (p *progressRecorder) last() [2]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return [2]int64{}
	}
	return p.calls[len(p.calls)-1]
}

func TestPartCount(t *testing.T) {
	tests := []struct {
		size, partSize int64
		want           int
	}{
		{0, 10, 0},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
		{250, 100, 3},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := PartCount(tt.size, tt.partSize); got != tt.want {
			t.Errorf("PartCount(%d, %d) = %d, want %d", tt.size, tt.partSize, got, tt.want)
		}
	}
}

func TestUploadFile_StoresEncryptedShard(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 0)
	plain := randomBytes(t, 10_000)
	progress := &progressRecorder{}

	res, err := u.UploadFile(context.Background(), cloud.UploadParams{
		BucketID: testBucket,
		Name:     "report.pdf",
		Source:   bytes.NewReader(plain),
		Size:     int64(len(plain)),
		Mnemonic: testMnemonic,
		Progress: progress.fn,
	})
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if res.Multipart || res.Parts != 1 || res.Size != int64(len(plain)) {
		t.Errorf("result = %+v", res)
	}

	f, ok := bridge.File(res.FileID)
	if !ok {
		t.Fatalf("file %s not stored", res.FileID)
	}
	if bytes.Equal(f.Data, plain) {
		t.Fatal("stored data is not encrypted")
	}
	if !bytes.Equal(decryptStored(t, f), plain) {
		t.Error("decrypted content differs from source")
	}
	if f.Hash != res.Hash || encryption.ContentHash(f.Data) != res.Hash {
		t.Errorf("hash = %s, stored %s", res.Hash, f.Hash)
	}
	if f.Index != res.Index {
		t.Errorf("index = %s, stored %s", res.Index, f.Index)
	}

	name, err := encryption.DecryptFilename(testMnemonic, testBucket, f.Filename)
	if err != nil || name != "report.pdf" {
		t.Errorf("DecryptFilename() = %q, %v", name, err)
	}

	keys, _ := encryption.GenerateFileKeyHex(testMnemonic, testBucket, f.Index)
	wantMAC, _ := encryption.ShardsHMAC(keys.Key, []string{res.Hash})
	if f.HMAC.Value != wantMAC {
		t.Error("entry HMAC does not match shard hash")
	}

	if got := progress.last(); got != [2]int64{int64(len(plain)), int64(len(plain))} {
		t.Errorf("final progress = %v", got)
	}
}

func TestUploadFile_DistinctIndexPerUpload(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 0)
	plain := randomBytes(t, 256)

	var hashes, indexes []string
	for i := 0; i < 2; i++ {
		res, err := u.UploadFile(context.Background(), cloud.UploadParams{
			BucketID: testBucket, Name: "same.txt", Source: bytes.NewReader(plain), Mnemonic: testMnemonic,
		})
		if err != nil {
			t.Fatalf("UploadFile() error = %v", err)
		}
		hashes = append(hashes, res.Hash)
		indexes = append(indexes, res.Index)
	}
	if indexes[0] == indexes[1] || hashes[0] == hashes[1] {
		t.Errorf("identical uploads share index or ciphertext: %v %v", indexes, hashes)
	}
}

func TestUploadFile_MissingMnemonic(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 0)

	_, err := u.UploadFile(context.Background(), cloud.UploadParams{
		BucketID: testBucket, Name: "a", Source: bytes.NewReader([]byte("x")),
	})
	if !errors.Is(err, storage.ErrEncryptionKeyMissing) {
		t.Fatalf("error = %v, want ErrEncryptionKeyMissing", err)
	}
	if n := bridge.Calls("create_frame"); n != 0 {
		t.Errorf("create_frame calls = %d, want 0", n)
	}
}

func TestUploadFile_AbortedBeforeStart(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.UploadFile(ctx, cloud.UploadParams{
		BucketID: testBucket, Name: "a", Source: bytes.NewReader([]byte("x")), Mnemonic: testMnemonic,
	})
	if !errors.Is(err, storage.ErrAbortedByUser) {
		t.Fatalf("error = %v, want ErrAbortedByUser", err)
	}
	if n := bridge.Calls("create_frame"); n != 0 {
		t.Errorf("create_frame calls = %d, want 0", n)
	}
}

func TestUploadFile_AbortStopsRemainingSteps(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge.Fault = func(route string, attempt int, r *nethttp.Request) (int, nethttp.Header) {
		if route == "add_shard" {
			cancel()
		}
		return 0, nil
	}

	_, err := u.UploadFile(ctx, cloud.UploadParams{
		BucketID: testBucket, Name: "a", Source: bytes.NewReader(randomBytes(t, 64)), Mnemonic: testMnemonic,
	})
	if !errors.Is(err, storage.ErrAbortedByUser) {
		t.Fatalf("error = %v, want ErrAbortedByUser", err)
	}
	if n := bridge.Calls("put_shard"); n != 0 {
		t.Errorf("put_shard calls = %d, want 0", n)
	}
	if n := bridge.Calls("create_entry"); n != 0 {
		t.Errorf("create_entry calls = %d, want 0", n)
	}
}

func TestUploadFile_ShardPutRejected(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 0)
	bridge.Fault = func(route string, attempt int, r *nethttp.Request) (int, nethttp.Header) {
		if route == "put_shard" {
			return nethttp.StatusForbidden, nil
		}
		return 0, nil
	}

	_, err := u.UploadFile(context.Background(), cloud.UploadParams{
		BucketID: testBucket, Name: "a", Source: bytes.NewReader([]byte("data")), Mnemonic: testMnemonic,
	})
	if got := storage.StatusCode(err); got != nethttp.StatusForbidden {
		t.Fatalf("StatusCode(%v) = %d, want 403", err, got)
	}
	if n := bridge.Calls("create_entry"); n != 0 {
		t.Errorf("create_entry calls = %d, want 0", n)
	}
}

func TestUploadMultipart_AssemblesParts(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 1000)
	plain := randomBytes(t, 4500)
	progress := &progressRecorder{}

	res, err := u.UploadMultipart(context.Background(), cloud.UploadParams{
		BucketID: testBucket,
		Name:     "big.bin",
		Source:   bytes.NewReader(plain),
		Size:     int64(len(plain)),
		Mnemonic: testMnemonic,
		Progress: progress.fn,
	})
	if err != nil {
		t.Fatalf("UploadMultipart() error = %v", err)
	}
	if !res.Multipart || res.Parts != 5 {
		t.Errorf("result = %+v, want 5 parts", res)
	}
	if n := bridge.Calls("put_part"); n != 5 {
		t.Errorf("put_part calls = %d, want 5", n)
	}

	f, ok := bridge.File(res.FileID)
	if !ok {
		t.Fatalf("file %s not stored", res.FileID)
	}
	if !f.Multipart {
		t.Error("stored file is not marked multipart")
	}
	if !bytes.Equal(decryptStored(t, f), plain) {
		t.Error("decrypted content differs from source")
	}
	if encryption.ContentHash(f.Data) != res.Hash {
		t.Error("hash does not cover the assembled ciphertext")
	}

	if got := progress.last(); got != [2]int64{4500, 4500} {
		t.Errorf("final progress = %v", got)
	}
	progress.mu.Lock()
	for i := 1; i < len(progress.calls); i++ {
		if progress.calls[i][1] < progress.calls[i-1][1] {
			t.Errorf("progress went backwards: %v", progress.calls)
			break
		}
	}
	progress.mu.Unlock()
}

// TestUploadMultipart_ProgressNeverDecreases runs many small parts on many
// workers with a callback that yields, so completions race each other.
func TestUploadMultipart_ProgressNeverDecreases(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := NewUploader(newAPIClient(t, bridge), bridge.Server.Client(), nil, cloud.TransferOptions{
		UploadConcurrency: 16,
		PartSize:          64,
		MaxRetries:        1,
	}, zerolog.Nop())
	t.Cleanup(u.Close)
	plain := randomBytes(t, 300*64)

	for run := 0; run < 5; run++ {
		progress := &progressRecorder{}
		_, err := u.UploadMultipart(context.Background(), cloud.UploadParams{
			BucketID: testBucket,
			Name:     "many.bin",
			Source:   bytes.NewReader(plain),
			Size:     int64(len(plain)),
			Mnemonic: testMnemonic,
			Progress: func(total, transferred int64) {
				runtime.Gosched()
				progress.fn(total, transferred)
			},
		})
		if err != nil {
			t.Fatalf("run %d: UploadMultipart() error = %v", run, err)
		}

		progress.mu.Lock()
		calls := append([][2]int64(nil), progress.calls...)
		progress.mu.Unlock()
		if len(calls) != 300 {
			t.Errorf("run %d: %d progress calls, want 300", run, len(calls))
		}
		for i := 1; i < len(calls); i++ {
			if calls[i][1] < calls[i-1][1] {
				t.Fatalf("run %d: progress went backwards at call %d: %d after %d", run, i, calls[i][1], calls[i-1][1])
			}
		}
		if got := progress.last(); got != [2]int64{int64(len(plain)), int64(len(plain))} {
			t.Errorf("run %d: final progress = %v", run, got)
		}
	}
}

func TestUploadMultipart_PartFailureAbortsUpload(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 100)
	bridge.Fault = func(route string, attempt int, r *nethttp.Request) (int, nethttp.Header) {
		if route == "put_part" && attempt == 2 {
			return nethttp.StatusForbidden, nil
		}
		return 0, nil
	}

	_, err := u.UploadMultipart(context.Background(), cloud.UploadParams{
		BucketID: testBucket, Name: "big.bin", Source: bytes.NewReader(randomBytes(t, 2000)),
		Size: 2000, Mnemonic: testMnemonic,
	})
	if got := storage.StatusCode(err); got != nethttp.StatusForbidden {
		t.Fatalf("StatusCode(%v) = %d, want 403", err, got)
	}
	if n := bridge.Calls("create_entry"); n != 0 {
		t.Errorf("create_entry calls = %d, want 0", n)
	}
	if n := bridge.Calls("put_part"); n >= 20 {
		t.Errorf("put_part calls = %d, upload did not stop", n)
	}
}

func TestUploadMultipart_SizeMismatch(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 100)

	_, err := u.UploadMultipart(context.Background(), cloud.UploadParams{
		BucketID: testBucket, Name: "short.bin", Source: bytes.NewReader(randomBytes(t, 250)),
		Size: 400, Mnemonic: testMnemonic,
	})
	if err == nil {
		t.Fatal("expected error for a source shorter than its declared size")
	}
	if n := bridge.Calls("create_entry"); n != 0 {
		t.Errorf("create_entry calls = %d, want 0", n)
	}
}

func TestUploadMultipart_UnknownSize(t *testing.T) {
	bridge := apitest.NewBridge(t)
	u := newTestUploader(t, bridge, 100)

	if _, err := u.UploadMultipart(context.Background(), cloud.UploadParams{
		BucketID: testBucket, Name: "x", Source: bytes.NewReader([]byte("x")), Mnemonic: testMnemonic,
	}); err == nil {
		t.Fatal("expected error for unknown size")
	}
}

func TestUpload_DownloadRoundTrip(t *testing.T) {
	bridge := apitest.NewBridge(t)
	client := newAPIClient(t, bridge)
	u := newTestUploader(t, bridge, 3000)
	plain := randomBytes(t, 20_000)

	res, err := u.UploadMultipart(context.Background(), cloud.UploadParams{
		BucketID: testBucket, Name: "roundtrip.bin", Source: bytes.NewReader(plain),
		Size: int64(len(plain)), Mnemonic: testMnemonic,
	})
	if err != nil {
		t.Fatalf("UploadMultipart() error = %v", err)
	}

	d := download.NewDownloader(client, bridge.Server.Client(), cloud.TransferOptions{
		DownloadConcurrency: 3,
		ChunkSize:           4096,
	}, nil, zerolog.Nop())
	out, err := d.Download(context.Background(), cloud.DownloadParams{
		BucketID: testBucket, FileID: res.FileID, Mnemonic: testMnemonic,
	})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if out.Kind != download.OutcomeStream {
		t.Fatalf("outcome = %v, want stream", out.Kind)
	}
	got, err := io.ReadAll(out.Stream)
	out.Stream.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("downloaded content differs from uploaded content")
	}
}
