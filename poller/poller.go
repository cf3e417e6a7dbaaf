// Package poller runs the periodic cache synchronization loop.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultDelay is the polling delay used when none is configured.
const DefaultDelay = 300 * time.Second

var cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "blurbsync_poller_cycle_duration_seconds",
	Help:    "Duration of one flush+update poller cycle in seconds",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
})

// Syncer is the part of the cache the poller drives.
type Syncer interface {
	Flush(ctx context.Context) error
	Update(ctx context.Context) error
}

// Poller calls Flush then Update on a Syncer as soon as it starts and
// then every delay.
type Poller struct {
	syncer  Syncer
	delay   time.Duration
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCallTimeout bounds each Flush and Update call (default: the delay).
func WithCallTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// New creates a stopped poller. A non-positive delay uses DefaultDelay.
func New(syncer Syncer, delay time.Duration, opts ...Option) *Poller {
	if delay <= 0 {
		delay = DefaultDelay
	}
	p := &Poller{
		syncer:  syncer,
		delay:   delay,
		timeout: delay,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling in a new goroutine. Starting a running poller is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop ends polling and waits for an in-progress cycle. Safe to call more than once.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
}

// Running reports whether the polling goroutine is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Delay returns the interval between cycles.
func (p *Poller) Delay() time.Duration {
	return p.delay
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	p.cycle(ctx)

	ticker := time.NewTicker(p.delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	start := time.Now()
	defer func() { cycleDuration.Observe(time.Since(start).Seconds()) }()

	flushCtx, cancel := context.WithTimeout(ctx, p.timeout)
	if err := p.syncer.Flush(flushCtx); err != nil {
		p.logger.Warn("poller flush failed", "error", err)
	}
	cancel()

	updateCtx, cancel := context.WithTimeout(ctx, p.timeout)
	if err := p.syncer.Update(updateCtx); err != nil {
		p.logger.Warn("poller update failed", "error", err)
	}
	cancel()
}
