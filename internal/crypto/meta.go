package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	filenameNonceSize = 32
	filenameTagSize   = 16
)

// bucketMetaMagic separates the filename key from the file content keys.
var bucketMetaMagic = []byte{
	66, 150, 71, 16, 50, 114, 88, 160, 163, 35, 154, 65, 162, 213, 226, 215,
	70, 138, 57, 61, 52, 19, 210, 170, 38, 164, 162, 200, 86, 201, 2, 81,
}

// ErrInvalidCiphertext is returned when an encrypted filename cannot be opened.
var ErrInvalidCiphertext = errors.New("invalid encrypted filename")

// ShardsHMAC computes HMAC-SHA512 keyed by the file key over the shard hashes
// in index order. The bridge stores it with the bucket entry.
func ShardsHMAC(fileKey []byte, shardHashes []string) (string, error) {
	mac := hmac.New(sha512.New, fileKey)
	for i, h := range shardHashes {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return "", fmt.Errorf("shard %d hash is not hex: %w", i, err)
		}
		mac.Write(raw)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func filenameKey(mnemonic, bucketID string) ([]byte, error) {
	bucketKey, err := GenerateBucketKey(mnemonic, bucketID)
	if err != nil {
		return nil, err
	}
	return DeterministicKey(bucketKey[:KeySize], bucketMetaMagic)[:KeySize], nil
}

func filenameGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCMWithNonceSize(block, filenameNonceSize)
}

// EncryptFilename encrypts a file name for storage in a bucket entry.
// The nonce is derived from bucket and name, so the same name in the same
// bucket always encrypts to the same string.
func EncryptFilename(mnemonic, bucketID, name string) (string, error) {
	key, err := filenameKey(mnemonic, bucketID)
	if err != nil {
		return "", err
	}
	gcm, err := filenameGCM(key)
	if err != nil {
		return "", err
	}

	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(bucketID))
	mac.Write([]byte(name))
	nonce := mac.Sum(nil)[:filenameNonceSize]

	sealed := gcm.Seal(nil, nonce, []byte(name), nil)
	ct, tag := sealed[:len(sealed)-filenameTagSize], sealed[len(sealed)-filenameTagSize:]

	out := make([]byte, 0, len(sealed)+filenameNonceSize)
	out = append(out, tag...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return EncodeBase64(out), nil
}

// DecryptFilename reverses EncryptFilename.
func DecryptFilename(mnemonic, bucketID, encrypted string) (string, error) {
	raw, err := DecodeBase64(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < filenameTagSize+filenameNonceSize {
		return "", ErrInvalidCiphertext
	}

	key, err := filenameKey(mnemonic, bucketID)
	if err != nil {
		return "", err
	}
	gcm, err := filenameGCM(key)
	if err != nil {
		return "", err
	}

	tag := raw[:filenameTagSize]
	nonce := raw[filenameTagSize : filenameTagSize+filenameNonceSize]
	ct := raw[filenameTagSize+filenameNonceSize:]

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(plain), nil
}
