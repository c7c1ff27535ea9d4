package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrSecretFilePermissions is returned when a secret file is readable by others.
var ErrSecretFilePermissions = errors.New("secret file must not be readable by group or others")

// ResolveMnemonic returns the mnemonic by checking multiple sources in priority order.
//
// Priority (highest to lowest):
//  1. Provided value (if non-empty), e.g. from a flag or prompt
//  2. SHARDLINK_MNEMONIC environment variable
//  3. Mnemonic file (~/.config/shardlink/mnemonic)
//
// Returns empty string if no mnemonic is found in any source.
func ResolveMnemonic(mnemonic string) string {
	if m := strings.TrimSpace(mnemonic); m != "" {
		return m
	}
	if m := strings.TrimSpace(os.Getenv("SHARDLINK_MNEMONIC")); m != "" {
		return m
	}
	if m, err := ReadSecretFile(DefaultMnemonicPath()); err == nil {
		return m
	}
	return ""
}

// ReadSecretFile reads a single-line secret. On Unix the file must be 0600 or stricter.
func ReadSecretFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		return "", fmt.Errorf("%s: %w", path, ErrSecretFilePermissions)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteSecretFile writes a secret with owner-only permissions.
func WriteSecretFile(path, secret string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strings.TrimSpace(secret)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	return nil
}
