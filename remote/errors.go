package remote

import (
	"errors"
	"fmt"
)

var (
	// ErrNotModified is returned by Download when the remote mapping is unchanged.
	ErrNotModified = errors.New("remote: not modified")

	// ErrInvalidAPIKey is returned when the remote store does not know the project.
	ErrInvalidAPIKey = errors.New("remote: invalid API key")
)

// SyncError indicates a failed exchange with the remote store (transport, HTTP status, Redis).
type SyncError struct {
	Op        string // "upload", "download" or "deploy"
	Message   string
	Cause     error
	Retryable bool // Whether a later attempt may succeed
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s failed: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is a SyncError marked retryable.
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}
