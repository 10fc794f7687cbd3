package rclone

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidPath is returned for malformed or traversal-bearing paths.
	ErrInvalidPath = errors.New("invalid remote path")

	// ErrNotFound is returned when the remote object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrQuotaExceeded is returned when stderr carries a quota signature.
	ErrQuotaExceeded = errors.New("remote quota exceeded")
)

var quotaSignatures = []string{
	"quota",
	"rate limit",
	"too many requests",
	"403",
	"forbidden",
}

// IsQuotaError reports whether stderr output carries a quota or
// rate-limit signature.
func IsQuotaError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, sig := range quotaSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

var notFoundSignatures = []string{
	"object not found",
	"directory not found",
	"file does not exist",
	"error 404",
}

func isNotFoundError(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, sig := range notFoundSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// ClassifyRunError wraps a subprocess failure into the right error kind
// based on stderr content.
func ClassifyRunError(err error, stderr string) error {
	if err == nil {
		return nil
	}
	if IsQuotaError(stderr) {
		return ErrQuotaExceeded
	}
	if isNotFoundError(stderr) {
		return ErrNotFound
	}
	return err
}
