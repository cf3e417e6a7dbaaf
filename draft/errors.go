package draft

import (
	"errors"
	"fmt"
)

// ErrCountMismatch is wrapped when a provider returns a different number
// of translations than it was sent.
var ErrCountMismatch = errors.New("draft: translation count mismatch")

// ProviderError is a failed call to a translation backend.
type ProviderError struct {
	Provider  string // Backend name, e.g. "openai"
	Status    int    // HTTP status, when the backend answered
	Message   string
	Cause     error
	Retryable bool // The same request may succeed later
}

func (e *ProviderError) Error() string {
	name := e.Provider
	if name == "" {
		name = "provider"
	}
	msg := name + ": " + e.Message
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

func countMismatch(sent, got int) error {
	return fmt.Errorf("%w: sent %d texts, got %d", ErrCountMismatch, sent, got)
}

// retryable reports whether a Translate error is worth another attempt.
func retryable(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Retryable
}
