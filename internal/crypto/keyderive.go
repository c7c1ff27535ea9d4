// Package encryption provides cryptographic functions for shardlink.
// This file implements deterministic key derivation from the user's mnemonic.
package encryption

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// seedIterations is the BIP-39 PBKDF2 iteration count
	seedIterations = 2048
	// SeedSize is the size of a BIP-39 seed (512 bits)
	SeedSize = 64
)

// ErrInvalidMnemonic is returned when the mnemonic has an unsupported word count.
var ErrInvalidMnemonic = errors.New("invalid mnemonic: expected 12, 15, 18, 21 or 24 words")

// FileKeyMaterial is the key and IV of one file. It lives for one transfer and is never persisted.
type FileKeyMaterial struct {
	Key []byte // 32-byte AES-256 key
	IV  []byte // 16-byte CTR initial counter
}

// ValidateMnemonic checks the word count only; word list membership is the caller's concern.
func ValidateMnemonic(mnemonic string) error {
	switch len(strings.Fields(mnemonic)) {
	case 12, 15, 18, 21, 24:
		return nil
	default:
		return ErrInvalidMnemonic
	}
}

// MnemonicToSeed expands a mnemonic into a 64-byte seed the way BIP-39 does:
// PBKDF2-HMAC-SHA512 over the NFKD-normalized phrase with salt "mnemonic"+passphrase.
func MnemonicToSeed(mnemonic, passphrase string) ([]byte, error) {
	if err := ValidateMnemonic(mnemonic); err != nil {
		return nil, err
	}
	phrase := norm.NFKD.String(strings.Join(strings.Fields(mnemonic), " "))
	salt := norm.NFKD.String("mnemonic" + passphrase)
	return pbkdf2.Key([]byte(phrase), []byte(salt), seedIterations, SeedSize, sha512.New), nil
}

// DeterministicKey returns SHA-512(key || data).
func DeterministicKey(key, data []byte) []byte {
	h := sha512.New()
	h.Write(key)
	h.Write(data)
	return h.Sum(nil)
}

// GenerateBucketKey derives the 64-byte bucket key from the mnemonic and a hex bucket ID.
func GenerateBucketKey(mnemonic, bucketID string) ([]byte, error) {
	seed, err := MnemonicToSeed(mnemonic, "")
	if err != nil {
		return nil, err
	}
	bucket, err := hex.DecodeString(bucketID)
	if err != nil {
		return nil, fmt.Errorf("bucket id must be hex: %w", err)
	}
	return DeterministicKey(seed, bucket), nil
}

// GenerateFileKey derives the file key and IV for (mnemonic, bucketID, index).
//
// Parameters:
//   - mnemonic: the user's master phrase
//   - bucketID: hex bucket identifier
//   - index: per-file random bytes (at least IVSize); the first 16 bytes are the IV
//
// Same inputs always produce the same output, which is what lets an interrupted
// upload be reopened without asking the bridge for anything.
func GenerateFileKey(mnemonic, bucketID string, index []byte) (*FileKeyMaterial, error) {
	if len(index) < IVSize {
		return nil, fmt.Errorf("index must be at least %d bytes, got %d", IVSize, len(index))
	}
	bucketKey, err := GenerateBucketKey(mnemonic, bucketID)
	if err != nil {
		return nil, err
	}

	fileKey := DeterministicKey(bucketKey[:KeySize], index)[:KeySize]

	iv := make([]byte, IVSize)
	copy(iv, index[:IVSize])

	return &FileKeyMaterial{Key: fileKey, IV: iv}, nil
}

// GenerateFileKeyHex is GenerateFileKey for an index received as hex from the bridge.
func GenerateFileKeyHex(mnemonic, bucketID, indexHex string) (*FileKeyMaterial, error) {
	index, err := hex.DecodeString(indexHex)
	if err != nil {
		return nil, fmt.Errorf("file index must be hex: %w", err)
	}
	return GenerateFileKey(mnemonic, bucketID, index)
}
