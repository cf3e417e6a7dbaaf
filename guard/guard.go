// Package guard makes sure cache writes are flushed before the process
// (or the worker or job that made them) goes away.
//
// A Guard classifies how the hosting process is run, installs the
// matching lifecycle hooks and starts the poller only in processes that
// serve traffic:
//
//	g, err := guard.New(c, p,
//	    guard.WithForkHost(server),
//	    guard.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	g.Start()
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ZaguanLabs/blurbsync/host"
)

// ErrMissingCollaborator is returned by New when the cache or poller is nil.
var ErrMissingCollaborator = errors.New("guard: cache and poller are required")

var hookRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "blurbsync_guard_hook_registrations_total",
	Help: "Lifecycle hooks registered by kind and result",
}, []string{"hook", "result"})

// Flusher is the part of the cache the guard flushes.
type Flusher interface {
	Dirty() bool
	Flush(ctx context.Context) error
}

// Starter is the part of the poller the guard starts.
type Starter interface {
	Start()
}

type hookKind string

const (
	hookExit hookKind = "exit"
	hookFork hookKind = "fork"
	hookJob  hookKind = "after_perform"
)

// Guard coordinates poller start and the terminal flush for one process.
type Guard struct {
	cache        Flusher
	poller       Starter
	exit         ExitHooks
	classifier   Classifier
	logger       *slog.Logger
	pid          func() int
	flushTimeout time.Duration

	mu         sync.Mutex
	env        Environment
	startedPID int
	registered map[hookKind]int // hook kind -> pid it was registered in

	flushedPID atomic.Int64
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithExitHooks sets the process exit facility (default: host.ProcessExit()).
func WithExitHooks(exit ExitHooks) Option {
	return func(g *Guard) {
		g.exit = exit
	}
}

// WithForkHost makes a preforking server known to the guard.
func WithForkHost(h ForkHost) Option {
	return func(g *Guard) {
		if h != nil {
			g.classifier.forkHosts = append(g.classifier.forkHosts, h)
		}
	}
}

// WithJobHost makes a job runner known to the guard.
func WithJobHost(h JobHost) Option {
	return func(g *Guard) {
		if h != nil {
			g.classifier.jobHosts = append(g.classifier.jobHosts, h)
		}
	}
}

// WithPID sets the process identity source (default: os.Getpid).
func WithPID(pid func() int) Option {
	return func(g *Guard) {
		if pid != nil {
			g.pid = pid
		}
	}
}

// WithFlushTimeout bounds each flush the guard performs (default: 10s).
func WithFlushTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.flushTimeout = d
		}
	}
}

// New creates a guard for the given cache and poller.
func New(cache Flusher, poller Starter, opts ...Option) (*Guard, error) {
	if cache == nil || poller == nil {
		return nil, ErrMissingCollaborator
	}

	g := &Guard{
		cache:        cache,
		poller:       poller,
		logger:       slog.Default(),
		pid:          os.Getpid,
		flushTimeout: 10 * time.Second,
		registered:   make(map[hookKind]int),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.exit == nil {
		g.exit = host.ProcessExit()
	}

	return g, nil
}

// Start classifies the process and installs hooks. Calling it again in
// the same process is a no-op.
func (g *Guard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	pid := g.pid()
	if g.startedPID == pid {
		return
	}
	g.startedPID = pid

	det := g.classifier.Classify()
	g.env = det.Env

	switch det.Env {
	case PreforkingMaster:
		g.registerLocked(hookFork, det.ForkHost.Name(), "fork", func() error {
			return det.ForkHost.AfterFork(g.afterFork)
		})
	case JobRunner:
		g.registerLocked(hookJob, det.JobHost.Name(), "after_perform", func() error {
			return det.JobHost.AfterPerform(g.afterJob)
		})
	default:
		g.resetForNewProcessLocked()
	}
}

// Environment returns the classification made by Start or the post-fork hook.
func (g *Guard) Environment() Environment {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.env
}

// Flush is the terminal flush: it sends dirty blurbs at most once per pid.
// Failures are logged and never propagated, so it is safe in signal paths.
func (g *Guard) Flush() {
	pid := int64(g.pid())
	if g.flushedPID.Swap(pid) == pid {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("shutdown flush panicked", "pid", pid, "panic", r)
		}
	}()

	if !g.cache.Dirty() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.flushTimeout)
	defer cancel()

	if err := g.cache.Flush(ctx); err != nil {
		g.logger.Error("shutdown flush failed", "pid", pid, "error", err)
	}
}

// afterFork runs inside a freshly spawned worker.
func (g *Guard) afterFork() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.env = PreforkingWorker
	g.startedPID = g.pid()
	g.resetForNewProcessLocked()
}

// afterJob flushes once a job body completes. Jobs may share a pid, so
// this is not deduplicated like Flush.
func (g *Guard) afterJob() {
	if !g.cache.Dirty() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.flushTimeout)
	defer cancel()

	if err := g.cache.Flush(ctx); err != nil {
		g.logger.Error("after-job flush failed", "pid", g.pid(), "error", err)
	}
}

// resetForNewProcessLocked gives the current pid the standalone contract:
// not yet flushed, poller running, exit hook installed.
func (g *Guard) resetForNewProcessLocked() {
	g.flushedPID.Store(0)
	g.poller.Start()
	g.registerLocked(hookExit, g.exit.Name(), "exit", func() error {
		return g.exit.OnExit(g.Flush)
	})
}

func (g *Guard) registerLocked(kind hookKind, hostName, label string, register func() error) {
	pid := g.pid()
	if g.registered[kind] == pid {
		return
	}

	if err := register(); err != nil {
		hookRegistrations.WithLabelValues(string(kind), "error").Inc()
		g.logger.Warn(fmt.Sprintf("Could not register %s %s hook", hostName, label), "error", err)
		return
	}

	g.registered[kind] = pid
	hookRegistrations.WithLabelValues(string(kind), "ok").Inc()
	g.logger.Info(fmt.Sprintf("Registered %s %s hook", hostName, label))
}
