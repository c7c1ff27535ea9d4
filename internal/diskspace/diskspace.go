// Package diskspace checks free space on the filesystem a download will be
// written to.
package diskspace

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rescale/shardlink/internal/cloud/storage"
)

// InsufficientSpaceError indicates that there is not enough disk space available.
type InsufficientSpaceError struct {
	Path           string
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	requiredMB := float64(e.RequiredBytes) / (1024 * 1024)
	availableMB := float64(e.AvailableBytes) / (1024 * 1024)
	return fmt.Sprintf("insufficient disk space for %s: need %.2f MB, have %.2f MB available",
		e.Path, requiredMB, availableMB)
}

// Unwrap lets callers match storage.ErrInsufficientSpace.
func (e *InsufficientSpaceError) Unwrap() error {
	return storage.ErrInsufficientSpace
}

// CheckAvailableSpace checks that the filesystem holding targetPath has room
// for requiredBytes plus bufferFraction of it (0.15 asks for 15% extra).
// targetPath need not exist, but its directory must. When free space cannot
// be determined the check passes and the write fails naturally if needed.
func CheckAvailableSpace(targetPath string, requiredBytes int64, bufferFraction float64) error {
	available, ok := availableBytes(filepath.Dir(targetPath))
	if !ok {
		return nil
	}

	required := requiredBytes + int64(float64(requiredBytes)*bufferFraction)
	if available < required {
		return &InsufficientSpaceError{
			Path:           targetPath,
			RequiredBytes:  required,
			AvailableBytes: available,
		}
	}
	return nil
}

// GetAvailableSpace returns the free bytes on the filesystem containing path,
// or 0 if unknown.
func GetAvailableSpace(path string) int64 {
	n, _ := availableBytes(filepath.Dir(path))
	return n
}

// IsInsufficientSpaceError checks if an error is an InsufficientSpaceError
func IsInsufficientSpaceError(err error) bool {
	var spaceErr *InsufficientSpaceError
	return errors.As(err, &spaceErr)
}
