// Package storage defines the error taxonomy shared by the transfer engine.
// Callers match these with errors.Is / errors.As; every layer wraps them with
// the chunk or part index it was working on.
package storage

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"strings"
)

// Sentinel transfer errors
var (
	// ErrAuthenticationMissing indicates neither user credentials nor a share token were supplied
	ErrAuthenticationMissing = errors.New("authentication missing: provide user credentials or a share token")
	// ErrConflictingCredentials indicates both user credentials and a share token were supplied
	ErrConflictingCredentials = errors.New("user credentials and share token are mutually exclusive")
	// ErrEncryptionKeyMissing indicates no mnemonic or explicit key was available for the file
	ErrEncryptionKeyMissing = errors.New("encryption key missing")
	// ErrNoContentReceived indicates a successful response without a body
	ErrNoContentReceived = errors.New("no content received")
	// ErrAbortedByUser indicates the transfer's abort signal fired
	ErrAbortedByUser = errors.New("transfer aborted by user")
	// ErrConnectionLost indicates the connection dropped mid-request
	ErrConnectionLost = errors.New("connection lost")
	// ErrLegacyFormat indicates the file was stored with the version-1 protocol.
	// It never reaches callers of the network facade.
	ErrLegacyFormat = errors.New("file uses the legacy storage format")
	// ErrInsufficientSpace indicates there isn't enough disk space for the operation
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// UnexpectedStatusError is returned for any HTTP status the caller did not expect.
// Header is kept so the retry policy can read rate-limit hints.
type UnexpectedStatusError struct {
	StatusCode int
	Status     string
	Header     nethttp.Header
	Body       string
}

func (e *UnexpectedStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// NewUnexpectedStatus builds an UnexpectedStatusError from a response.
// The body is not consumed; pass a short excerpt if one was read.
func NewUnexpectedStatus(resp *nethttp.Response, body string) *UnexpectedStatusError {
	return &UnexpectedStatusError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Body:       strings.TrimSpace(body),
	}
}

// MaxRetriesExceededError reports a unit of work that used up its retry budget.
type MaxRetriesExceededError struct {
	Retries     int
	LastMessage string
	ChunkIndex  int
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d retries: %s", e.ChunkIndex, e.Retries, e.LastMessage)
}

// StatusCode extracts the HTTP status from an error chain, or 0.
func StatusCode(err error) int {
	var statusErr *UnexpectedStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// IsAborted reports whether err stems from a user abort.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAbortedByUser)
}

// IsDiskFullError checks if an error is likely caused by running out of disk space
//
// Checks for common error strings across different operating systems:
//   - Linux/Unix: "no space left on device", "enospc"
//   - Windows: "out of disk space", "insufficient disk space"
//   - Quota: "disk quota exceeded"
func IsDiskFullError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientSpace) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	diskFullIndicators := []string{
		"no space left on device",
		"disk full",
		"out of disk space",
		"insufficient disk space",
		"not enough space",
		"enospc",
		"disk quota exceeded",
	}

	for _, indicator := range diskFullIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// IsNetworkError checks if an error message looks like a dropped or refused connection.
// Browser-originated wording ("failed to fetch", "cors") is kept because share
// links proxied through web gateways surface it verbatim.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	networkIndicators := []string{
		"connection lost",
		"connection reset",
		"connection refused",
		"network error",
		"network is unreachable",
		"failed to fetch",
		"cors",
		"timeout",
		"unexpected eof",
		"broken pipe",
		"tls handshake",
	}

	for _, indicator := range networkIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}
