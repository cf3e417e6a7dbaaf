package remote

import (
	"errors"
	"strings"
	"testing"
)

func TestSyncError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &SyncError{Op: "upload", Message: "request failed", Cause: cause, Retryable: true}

	if !strings.Contains(err.Error(), "upload failed") {
		t.Errorf("Error should name the operation: %s", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("SyncError should unwrap to its cause")
	}
	if !IsRetryable(err) {
		t.Error("Expected retryable")
	}
}

func TestSyncError_NoCause(t *testing.T) {
	err := &SyncError{Op: "deploy", Message: "unexpected status 500"}
	if err.Error() != "deploy failed: unexpected status 500" {
		t.Errorf("Unexpected message: %s", err.Error())
	}
	if IsRetryable(err) {
		t.Error("Expected not retryable")
	}
}

func TestIsRetryable_OtherErrors(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if IsRetryable(ErrInvalidAPIKey) {
		t.Error("ErrInvalidAPIKey should not be retryable")
	}
}
