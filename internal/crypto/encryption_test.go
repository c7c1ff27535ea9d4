package encryption

import (
	"bytes"
	"testing"
)

// TestGenerateIndex tests that index generation produces correct-length indexes
func TestGenerateIndex(t *testing.T) {
	index, err := GenerateIndex()
	if err != nil {
		t.Fatalf("GenerateIndex() failed: %v", err)
	}

	if len(index) != IndexSize {
		t.Errorf("Expected index length %d, got %d", IndexSize, len(index))
	}

	index2, err := GenerateIndex()
	if err != nil {
		t.Fatalf("GenerateIndex() second call failed: %v", err)
	}

	if bytes.Equal(index, index2) {
		t.Error("Two consecutive index generations produced identical indexes (highly unlikely!)")
	}
}

// TestGenerateKey tests that key generation produces correct-length keys
func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}

	if len(key) != KeySize {
		t.Errorf("Expected key length %d, got %d", KeySize, len(key))
	}
}

// TestCheckKeyIV tests key and IV size validation
func TestCheckKeyIV(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		iv      []byte
		wantErr bool
	}{
		{"valid", make([]byte, 32), make([]byte, 16), false},
		{"short key", make([]byte, 16), make([]byte, 16), true},
		{"long iv", make([]byte, 32), make([]byte, 32), true},
		{"nil", nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkKeyIV(tt.key, tt.iv)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkKeyIV() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestBase64EncodeDecode tests base64 encoding and decoding
func TestBase64EncodeDecode(t *testing.T) {
	testData := [][]byte{
		{},
		[]byte("Hello, World!"),
		{0x00, 0x01, 0xFF, 0xFE},
	}

	for _, data := range testData {
		encoded := EncodeBase64(data)
		decoded, err := DecodeBase64(encoded)
		if err != nil {
			t.Errorf("DecodeBase64() failed: %v", err)
			continue
		}

		if !bytes.Equal(decoded, data) {
			t.Errorf("Base64 round-trip failed: got %v, want %v", decoded, data)
		}
	}

	if _, err := DecodeBase64("not base64!!"); err == nil {
		t.Error("DecodeBase64() should fail on invalid input")
	}
}
