// Package buffers provides reusable byte buffers for the cipher pipeline and
// multipart uploads, to keep large transfers from churning the heap.
package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/rescale/shardlink/internal/constants"
)

// Pool monitoring counters
var (
	pieceAllocations int64 // Total piece buffer allocations (new creates)
	partAllocations  int64 // Total part buffer allocations (new creates)
	partReuses       int64 // Part buffers handed out from the pool
)

var (
	// piecePool provides 64KB buffers that cipher streams read through
	piecePool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&pieceAllocations, 1)
			buf := make([]byte, constants.CipherPieceSize)
			return &buf
		},
	}

	// partPool provides UploadPartSize buffers for multipart parts.
	// A part stays in memory from encryption until its PUT completes.
	partPool = &sync.Pool{
		New: func() interface{} {
			atomic.AddInt64(&partAllocations, 1)
			buf := make([]byte, 0, constants.UploadPartSize)
			return &buf
		},
	}
)

// GetPieceBuffer retrieves a 64KB buffer from the pool.
//
// Usage:
//
//	buf := buffers.GetPieceBuffer()
//	defer buffers.PutPieceBuffer(buf)
//	n, err := reader.Read(*buf)
func GetPieceBuffer() *[]byte {
	return piecePool.Get().(*[]byte)
}

// PutPieceBuffer returns a piece buffer to the pool. The buffer is cleared
// first so plaintext does not linger.
func PutPieceBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == constants.CipherPieceSize {
		clear(*buf)
		piecePool.Put(buf)
	}
}

// GetPartBuffer retrieves an empty buffer with UploadPartSize capacity.
func GetPartBuffer() *[]byte {
	before := atomic.LoadInt64(&partAllocations)
	buf := partPool.Get().(*[]byte)
	if atomic.LoadInt64(&partAllocations) == before {
		atomic.AddInt64(&partReuses, 1)
	}
	*buf = (*buf)[:0]
	return buf
}

// PutPartBuffer returns a part buffer to the pool. Buffers that were grown
// past UploadPartSize are dropped.
func PutPartBuffer(buf *[]byte) {
	if buf != nil && cap(*buf) == constants.UploadPartSize {
		clear((*buf)[:cap(*buf)])
		*buf = (*buf)[:0]
		partPool.Put(buf)
	}
}

// Stats returns current buffer pool statistics
type Stats struct {
	PieceBufferSize  int   // Size of piece buffers (bytes)
	PartBufferSize   int   // Capacity of part buffers (bytes)
	PieceAllocations int64 // Total piece buffer allocations (new creates)
	PartAllocations  int64 // Total part buffer allocations (new creates)
	PartReuses       int64 // Approximate part buffer reuses
}

// GetStats returns a snapshot of the pool counters.
func GetStats() Stats {
	return Stats{
		PieceBufferSize:  constants.CipherPieceSize,
		PartBufferSize:   constants.UploadPartSize,
		PieceAllocations: atomic.LoadInt64(&pieceAllocations),
		PartAllocations:  atomic.LoadInt64(&partAllocations),
		PartReuses:       atomic.LoadInt64(&partReuses),
	}
}
