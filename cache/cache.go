// Package cache provides the local blurb cache mirrored to a remote store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZaguanLabs/blurbsync/remote"
)

// Cache is a thread-safe key/value mapping with dirty tracking.
//
// Writes are recorded locally and only those keys are sent to the remote
// store by Flush.
// Update merges remote changes without touching keys written locally
// since the last successful flush.
type Cache struct {
	remote remote.Client
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]string
	pending map[string]uint64 // key -> write sequence, cleared by a covering flush
	seq     uint64

	dirty atomic.Bool

	downloadOnce sync.Once
	downloaded   chan struct{}
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates an empty cache backed by the given remote client.
func New(client remote.Client, opts ...Option) *Cache {
	c := &Cache{
		remote:     client,
		logger:     slog.Default(),
		entries:    make(map[string]string),
		pending:    make(map[string]uint64),
		downloaded: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get retrieves a blurb. Returns empty string and false if not found.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

// Set stores a blurb locally and marks the cache dirty.
func (c *Cache) Set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.entries[key] = value
	c.pending[key] = c.seq
	c.dirty.Store(true)
}

// Dirty reports whether local writes have not yet been flushed.
// It does not take the cache lock.
func (c *Cache) Dirty() bool {
	return c.dirty.Load()
}

// Flush sends the locally written keys to the remote store if the cache
// is dirty. Keys that only came from Update are never sent back, so a
// remote edit is not reverted by an unrelated local write. On failure the
// cache stays dirty so a later flush resends the same keys.
func (c *Cache) Flush(ctx context.Context) error {
	c.mu.RLock()
	if len(c.pending) == 0 {
		c.mu.RUnlock()
		return nil
	}
	snapshot := make(map[string]string, len(c.pending))
	for k := range c.pending {
		snapshot[k] = c.entries[k]
	}
	seq := c.seq
	c.mu.RUnlock()

	if err := c.remote.Upload(ctx, snapshot); err != nil {
		flushTotal.WithLabelValues("error").Inc()
		c.logger.Error("flush failed", "blurbs", len(snapshot), "error", err)
		return fmt.Errorf("flushing %d blurbs: %w", len(snapshot), err)
	}

	c.mu.Lock()
	for k, s := range c.pending {
		if s <= seq {
			delete(c.pending, k)
		}
	}
	c.dirty.Store(len(c.pending) > 0)
	c.mu.Unlock()

	flushTotal.WithLabelValues("ok").Inc()
	c.logger.Info("Uploaded blurbs", "blurbs", len(snapshot))
	return nil
}

// Update downloads the remote mapping and merges it into the cache.
// Keys with unflushed local writes keep their local value.
func (c *Cache) Update(ctx context.Context) error {
	blurbs, err := c.remote.Download(ctx)
	if errors.Is(err, remote.ErrNotModified) {
		updateTotal.WithLabelValues("not_modified").Inc()
		c.markDownloaded()
		return nil
	}
	if err != nil {
		updateTotal.WithLabelValues("error").Inc()
		c.logger.Warn("download failed", "error", err)
		return fmt.Errorf("downloading blurbs: %w", err)
	}

	c.mu.Lock()
	for k, v := range blurbs {
		if _, dirty := c.pending[k]; dirty {
			continue
		}
		c.entries[k] = v
	}
	c.mu.Unlock()

	updateTotal.WithLabelValues("ok").Inc()
	c.logger.Info("Downloaded blurbs", "blurbs", len(blurbs))
	c.markDownloaded()
	return nil
}

func (c *Cache) markDownloaded() {
	c.downloadOnce.Do(func() { close(c.downloaded) })
}

// WaitForDownload blocks until the first successful Update or ctx is done.
func (c *Cache) WaitForDownload(ctx context.Context) error {
	select {
	case <-c.downloaded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForDownloadTimeout is WaitForDownload with a deadline.
func (c *Cache) WaitForDownloadTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.WaitForDownload(ctx)
}

// Keys returns all keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a copy of the mapping.
func (c *Cache) Entries() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
