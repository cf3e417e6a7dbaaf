package blurbsync

import "fmt"

// ConfigError indicates invalid or unreadable configuration.
type ConfigError struct {
	Field   string // Offending field, empty for file-level errors
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	prefix := "config error"
	if e.Field != "" {
		prefix = fmt.Sprintf("config error (%s)", e.Field)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}
