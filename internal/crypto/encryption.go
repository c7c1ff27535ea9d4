package encryption

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	KeySize   = 32 // 256-bit key for AES-256
	IVSize    = 16 // 128-bit CTR counter block
	IndexSize = 32 // random per-file index generated at upload time
)

// GenerateIndex generates the random 32-byte per-file index.
// The index is stored with the bucket entry; its first 16 bytes become the IV.
func GenerateIndex() ([]byte, error) {
	index := make([]byte, IndexSize)
	if _, err := rand.Read(index); err != nil {
		return nil, fmt.Errorf("failed to generate index: %w", err)
	}
	return index, nil
}

// GenerateKey generates a random 256-bit key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

func checkKeyIV(key, iv []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != aes.BlockSize {
		return fmt.Errorf("IV must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	return nil
}

// EncodeBase64 encodes bytes to base64 string
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes base64 string to bytes
func DecodeBase64(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}
