// Package middleware provides HTTP middleware that keeps the blurb cache
// current in development setups, where edits made in the blurb server
// should show up on the next page load.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval is the shortest gap between two downloads.
const DefaultMinInterval = 2 * time.Second

// Syncer is the part of cache.Cache the middleware drives.
type Syncer interface {
	Update(ctx context.Context) error
	Flush(ctx context.Context) error
}

type config struct {
	logger      *slog.Logger
	minInterval time.Duration
	timeout     time.Duration
}

// Option configures Sync.
type Option func(*config)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMinInterval sets the shortest gap between two downloads. Zero downloads on every request.
func WithMinInterval(d time.Duration) Option {
	return func(c *config) {
		c.minInterval = d
	}
}

// WithTimeout bounds each download and flush.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// Sync returns middleware that downloads blurbs before the request, at
// most once per minimum interval, and flushes local writes after it.
// Sync failures are logged; the request is always served.
//
// Example:
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", home)
//	handler := middleware.Sync(client.Cache)(mux)
//	http.ListenAndServe(":3000", handler)
func Sync(syncer Syncer, opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{
		logger:      slog.Default(),
		minInterval: DefaultMinInterval,
		timeout:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	throttle := &rate.Sometimes{Interval: cfg.minInterval}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Detached so a client hanging up does not abort the sync.
			base := context.WithoutCancel(r.Context())

			update := func() {
				ctx, cancel := context.WithTimeout(base, cfg.timeout)
				defer cancel()
				if err := syncer.Update(ctx); err != nil {
					cfg.logger.Warn("Blurb download failed", "path", r.URL.Path, "error", err)
				}
			}
			if cfg.minInterval <= 0 {
				update()
			} else {
				throttle.Do(update)
			}

			next.ServeHTTP(w, r)

			ctx, cancel := context.WithTimeout(base, cfg.timeout)
			defer cancel()
			if err := syncer.Flush(ctx); err != nil {
				cfg.logger.Warn("Blurb flush failed", "path", r.URL.Path, "error", err)
			}
		})
	}
}
