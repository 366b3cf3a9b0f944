package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPath is returned for remote paths that are not absolute.
	ErrInvalidPath = errors.New("remote path must start with /")
	// ErrTemporarilyUnavailable marks the retryable per-file error code the
	// remote returns when a file is on cold storage or mid-migration.
	ErrTemporarilyUnavailable = errors.New("file temporarily unavailable")
)

// APIError is a non-success status returned by the remote API for anything
// other than the benign "path not found" answer.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	Context    string
}

func (e *APIError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("remote %s: status %d: %s (%s)", e.Op, e.StatusCode, e.Message, e.Context)
	}
	return fmt.Sprintf("remote %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}
