package blurbsync

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the logger built by NewLogger.
// A zero value logs Info and above to stderr as text.
type LogConfig struct {
	Level  string    // "debug", "info", "warn" or "error"
	JSON   bool      // JSON instead of text output
	Writer io.Writer // Destination (default: os.Stderr)
}

// NewLogger builds a slog.Logger tagged with component=blurbsync.
func NewLogger(cfg LogConfig) *slog.Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With("component", Name)
}

// ParseLevel maps a level name to slog.Level, defaulting to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
