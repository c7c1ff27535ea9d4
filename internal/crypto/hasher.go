package encryption

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // the bridge addresses shards by RIPEMD-160(SHA-256)
)

// ContentHasher computes the shard content identifier RIPEMD-160(SHA-256(data))
// incrementally. Only the SHA-256 state is kept, so memory use does not grow
// with the amount of data written.
type ContentHasher struct {
	sha hash.Hash
}

// NewContentHasher returns an empty hasher.
func NewContentHasher() *ContentHasher {
	return &ContentHasher{sha: sha256.New()}
}

// Write feeds the next chunk. It never returns an error.
func (h *ContentHasher) Write(p []byte) (int, error) {
	return h.sha.Write(p)
}

// Sum finalizes the double hash. The hasher may keep receiving data afterwards.
func (h *ContentHasher) Sum() []byte {
	rip := ripemd160.New()
	rip.Write(h.sha.Sum(nil))
	return rip.Sum(nil)
}

// HexSum is Sum in the hex form the bridge expects.
func (h *ContentHasher) HexSum() string {
	return hex.EncodeToString(h.Sum())
}

// ContentHash hashes a complete buffer.
func ContentHash(data []byte) string {
	h := NewContentHasher()
	h.Write(data)
	return h.HexSum()
}
