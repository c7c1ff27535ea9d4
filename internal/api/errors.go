package api

import (
	"encoding/json"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/rescale/shardlink/internal/cloud/storage"
	"github.com/rescale/shardlink/internal/models"
)

// LegacyFileCode is the error code the bridge uses for version-1 files
const LegacyFileCode = "LEGACY_FILE"

// IsLegacyFileError checks if an error is the bridge refusing the current
// protocol for a legacy file.
//
// The bridge answers 409 Conflict with {"code":"LEGACY_FILE"}; older
// deployments only put the phrase in the message.
func IsLegacyFileError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrLegacyFormat) {
		return true
	}

	var statusErr *storage.UnexpectedStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != nethttp.StatusConflict {
		return false
	}

	var apiErr models.APIError
	if json.Unmarshal([]byte(statusErr.Body), &apiErr) == nil && apiErr.Code == LegacyFileCode {
		return true
	}
	return strings.Contains(strings.ToLower(statusErr.Body), "legacy")
}

// IsNotFound reports whether the bridge answered 404.
func IsNotFound(err error) bool {
	return storage.StatusCode(err) == nethttp.StatusNotFound
}

// ErrorMessage extracts the bridge's error text from a failed call, falling
// back to the error string.
func ErrorMessage(err error) string {
	var statusErr *storage.UnexpectedStatusError
	if errors.As(err, &statusErr) {
		var apiErr models.APIError
		if json.Unmarshal([]byte(statusErr.Body), &apiErr) == nil && apiErr.Error != "" {
			return apiErr.Error
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
