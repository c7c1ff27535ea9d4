// Package encryption provides cryptographic functions for shardlink.
// This file implements the AES-256-CTR stream pipeline used for shards.
//
// Design:
//   - CTR is size preserving, so ciphertext offsets equal plaintext offsets
//   - The keystream can be positioned at any byte offset, which lets each
//     ranged chunk of a download be decrypted on its own
//   - Streams are pull based (io.Reader); the consumer's pace is the backpressure
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/constants"
	"github.com/rescale/shardlink/internal/util/buffers"
)

// =============================================================================
// Keystream positioning
// =============================================================================

// NewCTRAt returns an AES-256-CTR keystream positioned at byte offset.
// The counter block is iv + offset/16 (128-bit big-endian, wrapping) and the
// first offset%16 keystream bytes are discarded.
func NewCTRAt(key, iv []byte, offset int64) (cipher.Stream, error) {
	if err := checkKeyIV(key, iv); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	counter := addCounter(iv, uint64(offset/aes.BlockSize))
	stream := cipher.NewCTR(block, counter)

	if skip := int(offset % aes.BlockSize); skip > 0 {
		discard := make([]byte, skip)
		stream.XORKeyStream(discard, discard)
	}
	return stream, nil
}

// addCounter adds n to a 16-byte big-endian counter, wrapping at 2^128.
func addCounter(iv []byte, n uint64) []byte {
	v := new(big.Int).SetBytes(iv)
	v.Add(v, new(big.Int).SetUint64(n))

	out := make([]byte, aes.BlockSize)
	b := v.Bytes()
	if len(b) > aes.BlockSize {
		b = b[len(b)-aes.BlockSize:]
	}
	copy(out[aes.BlockSize-len(b):], b)
	return out
}

// =============================================================================
// CipherStream
// =============================================================================

// CipherStream is a lazily evaluated CTR transform over a source reader.
// Encryption and decryption are the same operation.
type CipherStream struct {
	src     io.Reader
	closers []io.Closer
	stream  cipher.Stream
	tap     io.Writer

	mu        sync.Mutex
	cancelled bool
	closed    bool
}

// EncryptStream wraps r so that reads yield AES-256-CTR ciphertext.
// Output length equals input length.
func EncryptStream(r io.Reader, key, iv []byte) (*CipherStream, error) {
	return newCipherStream([]io.Reader{r}, key, iv, 0)
}

// DecryptStream concatenates inputs in order and decrypts them as one stream.
// Used by the legacy path, where a file is the ordered sequence of its shards.
func DecryptStream(inputs []io.Reader, key, iv []byte) (*CipherStream, error) {
	return newCipherStream(inputs, key, iv, 0)
}

// DecryptStreamAt decrypts r as if it started at byte offset of the file.
func DecryptStreamAt(r io.Reader, key, iv []byte, offset int64) (*CipherStream, error) {
	return newCipherStream([]io.Reader{r}, key, iv, offset)
}

func newCipherStream(inputs []io.Reader, key, iv []byte, offset int64) (*CipherStream, error) {
	stream, err := NewCTRAt(key, iv, offset)
	if err != nil {
		return nil, err
	}

	var closers []io.Closer
	for _, in := range inputs {
		if c, ok := in.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	var src io.Reader
	if len(inputs) == 1 {
		src = inputs[0]
	} else {
		src = io.MultiReader(inputs...)
	}

	return &CipherStream{src: src, closers: closers, stream: stream}, nil
}

// WithTap makes every transformed piece also be written to w, in order.
// The content hasher is attached this way during uploads.
func (s *CipherStream) WithTap(w io.Writer) *CipherStream {
	s.tap = w
	return s
}

// Read implements io.Reader.
func (s *CipherStream) Read(p []byte) (int, error) {
	if s.isCancelled() {
		return 0, storage.ErrAbortedByUser
	}

	n, err := s.src.Read(p)
	if n > 0 {
		s.stream.XORKeyStream(p[:n], p[:n])
		if s.tap != nil {
			if _, werr := s.tap.Write(p[:n]); werr != nil {
				return n, fmt.Errorf("cipher tap: %w", werr)
			}
		}
	}

	// A source closed under us by Cancel surfaces as an abort, not as its own error
	if err != nil && !errors.Is(err, io.EOF) && s.isCancelled() {
		return n, storage.ErrAbortedByUser
	}
	return n, err
}

// Cancel stops the stream: upstream closers are closed and later reads fail
// with ErrAbortedByUser. Bytes already returned stay valid.
func (s *CipherStream) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.Close()
}

// Close releases the upstream readers.
func (s *CipherStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *CipherStream) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// =============================================================================
// Fixed-size parts
// =============================================================================

// Part is one fixed-size slice of a ciphertext stream.
// Call Release once the part has been uploaded.
type Part struct {
	Number int // 1-based
	Data   []byte
	buf    *[]byte
}

// Release returns the part's buffer to the pool. Data must not be used afterwards.
func (p *Part) Release() {
	if p.buf != nil {
		buffers.PutPartBuffer(p.buf)
		p.buf = nil
		p.Data = nil
	}
}

// PartReader regroups a cipher stream into parts of exactly partSize bytes;
// only the final part may be shorter.
type PartReader struct {
	stream   *CipherStream
	partSize int
	pending  []byte
	next     int
	eof      bool
}

// EncryptStreamInParts encrypts r and yields ciphertext in fixed-size parts.
func EncryptStreamInParts(r io.Reader, key, iv []byte, partSize int) (*PartReader, error) {
	if partSize <= 0 {
		return nil, fmt.Errorf("part size must be positive, got %d", partSize)
	}
	stream, err := EncryptStream(r, key, iv)
	if err != nil {
		return nil, err
	}
	return &PartReader{stream: stream, partSize: partSize, next: 1}, nil
}

// WithTap attaches w to the underlying cipher stream (see CipherStream.WithTap).
func (r *PartReader) WithTap(w io.Writer) *PartReader {
	r.stream.WithTap(w)
	return r
}

// Next returns the next part, or io.EOF once the stream is exhausted.
func (r *PartReader) Next() (*Part, error) {
	if r.stream.isCancelled() {
		return nil, storage.ErrAbortedByUser
	}

	piece := buffers.GetPieceBuffer()
	defer buffers.PutPieceBuffer(piece)

	for len(r.pending) < r.partSize && !r.eof {
		n, err := r.stream.Read(*piece)
		if n > 0 {
			r.pending = appendGrow(r.pending, (*piece)[:n])
		}
		if errors.Is(err, io.EOF) {
			r.eof = true
			break
		}
		if err != nil {
			return nil, err
		}
	}

	if len(r.pending) == 0 {
		return nil, io.EOF
	}

	cut := min(r.partSize, len(r.pending))

	part := &Part{Number: r.next}
	// The part pool only holds buffers of the default part size; any other
	// size gets a plain allocation.
	if r.partSize == constants.UploadPartSize {
		part.buf = buffers.GetPartBuffer()
		*part.buf = append(*part.buf, r.pending[:cut]...)
		part.Data = *part.buf
	} else {
		part.Data = append([]byte(nil), r.pending[:cut]...)
	}

	r.pending = r.pending[:copy(r.pending, r.pending[cut:])]
	r.next++
	return part, nil
}

// Cancel aborts the underlying stream.
func (r *PartReader) Cancel() {
	r.stream.Cancel()
}

// appendGrow appends src to dst, reallocating when a cipher step produced
// more bytes than dst has room for.
func appendGrow(dst, src []byte) []byte {
	if len(dst)+len(src) > cap(dst) {
		grown := make([]byte, len(dst), max(2*cap(dst), len(dst)+len(src)))
		copy(grown, dst)
		dst = grown
	}
	return append(dst, src...)
}
