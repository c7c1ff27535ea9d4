package encryption

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"testing"
)

// TestShardsHMAC tests the HMAC over decoded shard hashes
func TestShardsHMAC(t *testing.T) {
	key := make([]byte, KeySize)
	hashes := []string{"00ff", "abcd"}

	got, err := ShardsHMAC(key, hashes)
	if err != nil {
		t.Fatalf("ShardsHMAC() failed: %v", err)
	}

	mac := hmac.New(sha512.New, key)
	mac.Write([]byte{0x00, 0xff, 0xab, 0xcd})
	if want := hex.EncodeToString(mac.Sum(nil)); got != want {
		t.Errorf("ShardsHMAC() = %s, want %s", got, want)
	}

	if _, err := ShardsHMAC(key, []string{"xyz"}); err == nil {
		t.Error("expected error for non-hex shard hash")
	}
}

// TestFilenameRoundTrip tests that filenames decrypt back to the original
func TestFilenameRoundTrip(t *testing.T) {
	names := []string{"report.pdf", "", "目录/ファイル.txt", "a b c"}
	for _, name := range names {
		enc, err := EncryptFilename(testMnemonic, testBucket, name)
		if err != nil {
			t.Fatalf("EncryptFilename(%q) failed: %v", name, err)
		}
		dec, err := DecryptFilename(testMnemonic, testBucket, enc)
		if err != nil {
			t.Fatalf("DecryptFilename(%q) failed: %v", name, err)
		}
		if dec != name {
			t.Errorf("round trip = %q, want %q", dec, name)
		}
	}
}

// TestEncryptFilename_Deterministic tests that the nonce is derived, not random
func TestEncryptFilename_Deterministic(t *testing.T) {
	a, _ := EncryptFilename(testMnemonic, testBucket, "same.txt")
	b, _ := EncryptFilename(testMnemonic, testBucket, "same.txt")
	if a != b {
		t.Error("same name in same bucket encrypted differently")
	}

	c, _ := EncryptFilename(testMnemonic, "ffffffffffffffffffffffff", "same.txt")
	if a == c {
		t.Error("same name in different buckets encrypted identically")
	}
}

// TestDecryptFilename_Invalid tests tampering and garbage input
func TestDecryptFilename_Invalid(t *testing.T) {
	enc, _ := EncryptFilename(testMnemonic, testBucket, "secret.bin")
	raw, _ := DecodeBase64(enc)
	raw[len(raw)-1] ^= 0x01

	if _, err := DecryptFilename(testMnemonic, testBucket, EncodeBase64(raw)); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("tampered ciphertext: got %v, want ErrInvalidCiphertext", err)
	}
	if _, err := DecryptFilename(testMnemonic, testBucket, "!!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("bad base64: got %v, want ErrInvalidCiphertext", err)
	}
	if _, err := DecryptFilename(testMnemonic, testBucket, EncodeBase64([]byte("short"))); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("short input: got %v, want ErrInvalidCiphertext", err)
	}
}
