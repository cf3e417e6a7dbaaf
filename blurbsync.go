// Package blurbsync keeps a local cache of translation blurbs in sync with
// a remote store and makes sure local writes reach the store before the
// process, worker or job that made them goes away.
//
// Basic usage:
//
//	import (
//	    "github.com/ZaguanLabs/blurbsync"
//	    "github.com/ZaguanLabs/blurbsync/host"
//	)
//
//	func main() {
//	    cfg, err := blurbsync.LoadConfig("blurbsync.toml")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    client, err := blurbsync.Configure(cfg)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer host.ProcessExit().Run() // flush on normal termination
//	    client.Start()
//
//	    title := client.Lookup("en.home.title", "Welcome")
//	    fmt.Println(title)
//	}
package blurbsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ZaguanLabs/blurbsync/cache"
	"github.com/ZaguanLabs/blurbsync/guard"
	"github.com/ZaguanLabs/blurbsync/poller"
	"github.com/ZaguanLabs/blurbsync/remote"
)

// LookupWait bounds how long the first Lookup miss waits for the initial download.
var LookupWait = 3 * time.Second

// ErrDeployUnsupported is returned by Deploy when the remote store cannot publish.
var ErrDeployUnsupported = errors.New("blurbsync: remote store does not support deploys")

// Client bundles the remote store, cache, poller and guard built from a Config.
type Client struct {
	Config Config
	Logger *slog.Logger
	Remote remote.Client
	Cache  *cache.Cache
	Poller *poller.Poller
	Guard  *guard.Guard

	firstDownload sync.Once
}

type options struct {
	remote    remote.Client
	logger    *slog.Logger
	retry     *remote.RetryPolicy
	guardOpts []guard.Option
}

// Option configures Configure.
type Option func(*options)

// WithRemote uses the given remote client instead of building one from the Config.
func WithRemote(c remote.Client) Option {
	return func(o *options) {
		o.remote = c
	}
}

// WithLogger uses logger instead of one built from the Config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRetry retries remote calls that fail with a retryable error.
// Meant for one-shot tools; a polling client retries on its next cycle.
func WithRetry(policy remote.RetryPolicy) Option {
	return func(o *options) {
		o.retry = &policy
	}
}

// WithGuardOptions passes extra options (fork or job hosts, exit hooks) to the guard.
func WithGuardOptions(opts ...guard.Option) Option {
	return func(o *options) {
		o.guardOpts = append(o.guardOpts, opts...)
	}
}

// Configure builds a Client. It does not start polling; call Start.
func Configure(cfg Config, opts ...Option) (*Client, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = NewLogger(LogConfig{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	}

	rc := o.remote
	if rc == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		var err error
		rc, err = newRemote(cfg)
		if err != nil {
			return nil, err
		}
	}

	if o.retry != nil {
		rc = remote.NewRetrying(rc, *o.retry, remote.WithRetryLogger(logger))
	}

	c := cache.New(rc, cache.WithLogger(logger))
	p := poller.New(c, cfg.Polling(), poller.WithLogger(logger))

	gopts := append([]guard.Option{guard.WithLogger(logger)}, o.guardOpts...)
	g, err := guard.New(c, p, gopts...)
	if err != nil {
		return nil, fmt.Errorf("creating guard: %w", err)
	}

	return &Client{
		Config: cfg,
		Logger: logger,
		Remote: rc,
		Cache:  c,
		Poller: p,
		Guard:  g,
	}, nil
}

func newRemote(cfg Config) (remote.Client, error) {
	switch cfg.Backend {
	case BackendRedis:
		project := cfg.APIKey
		if project == "" {
			project = "default"
		}
		return remote.NewRedisStore(remote.RedisConfig{
			URL:       cfg.RedisURL,
			Project:   project,
			KeyPrefix: cfg.RedisPrefix,
		})
	default:
		return remote.NewHTTPClient(remote.HTTPConfig{
			APIKey:    cfg.APIKey,
			Host:      cfg.Host,
			Port:      cfg.Port,
			Secure:    cfg.Secure,
			Public:    cfg.Public(),
			Timeout:   cfg.HTTPTimeout.Duration,
			UserAgent: UserAgent(),
		}), nil
	}
}

// Start hands control to the guard, which starts polling where appropriate.
// Test environments never talk to the remote store.
func (c *Client) Start() {
	if c.Config.Test() {
		c.Logger.Info("test environment, not syncing", "environment", c.Config.EnvironmentName)
		return
	}
	c.Guard.Start()
}

// Get returns a blurb from the local cache.
func (c *Client) Get(key string) (string, bool) {
	return c.Cache.Get(key)
}

// Set writes a blurb locally; it reaches the remote on the next flush.
func (c *Client) Set(key, value string) {
	c.Cache.Set(key, value)
}

// Lookup returns the cached blurb for key. A missing key is stored with
// fallback so the remote store learns about it. While polling, the first
// miss waits up to LookupWait for the initial download so a key that
// exists remotely is not overwritten by its default.
func (c *Client) Lookup(key, fallback string) string {
	if v, ok := c.Cache.Get(key); ok {
		return v
	}

	if c.Poller.Running() {
		c.firstDownload.Do(func() {
			if err := c.Cache.WaitForDownloadTimeout(LookupWait); err != nil {
				c.Logger.Warn("blurbs not downloaded yet, storing default", "key", key, "error", err)
			}
		})
		if v, ok := c.Cache.Get(key); ok {
			return v
		}
	}

	c.Cache.Set(key, fallback)
	return fallback
}

// Flush sends dirty blurbs now.
func (c *Client) Flush(ctx context.Context) error {
	return c.Cache.Flush(ctx)
}

// Deploy flushes pending drafts and publishes them.
func (c *Client) Deploy(ctx context.Context) error {
	d, ok := c.Remote.(remote.Deployer)
	if !ok {
		return ErrDeployUnsupported
	}
	if err := c.Cache.Flush(ctx); err != nil {
		return err
	}
	return d.Deploy(ctx)
}

// Close stops polling, performs the terminal flush and releases the remote connection.
func (c *Client) Close() error {
	c.Poller.Stop()
	c.Guard.Flush()
	if closer, ok := c.Remote.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
