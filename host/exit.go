// Package host provides the process lifecycle facilities the guard hooks
// into: exit hooks with a signal trap, a preforking server and a job runner.
package host

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrExiting is returned when a hook is registered after the exit hooks ran.
var ErrExiting = errors.New("host: process is exiting")

// Exit runs registered callbacks once, on Run or on a trapped signal.
type Exit struct {
	logger *slog.Logger
	exit   func(code int)

	mu         sync.Mutex
	hooks      []func()
	ran        bool
	trapOnHook bool
	sigs       chan os.Signal
	once       sync.Once
	closed     chan struct{}
}

// ExitOption configures an Exit.
type ExitOption func(*Exit)

// WithExitFunc replaces os.Exit, which is called after hooks run on a signal.
func WithExitFunc(fn func(code int)) ExitOption {
	return func(e *Exit) {
		if fn != nil {
			e.exit = fn
		}
	}
}

// WithExitLogger sets the logger.
func WithExitLogger(logger *slog.Logger) ExitOption {
	return func(e *Exit) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTrapOnHook defers Trap until the first hook is registered, so a
// process whose code never asks to flush keeps its own signal handling.
func WithTrapOnHook() ExitOption {
	return func(e *Exit) {
		e.trapOnHook = true
	}
}

// NewExit creates an exit hook registry with no signal trap installed.
func NewExit(opts ...ExitOption) *Exit {
	e := &Exit{
		logger: slog.Default(),
		exit:   os.Exit,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var processExit = sync.OnceValue(func() *Exit {
	return NewExit(WithTrapOnHook())
})

// ProcessExit returns the process-wide Exit. SIGINT and SIGTERM are
// trapped from the first OnExit on. Call its Run from main (usually
// deferred) to cover normal termination.
func ProcessExit() *Exit {
	return processExit()
}

// Name identifies this facility in log lines.
func (e *Exit) Name() string {
	return "process"
}

// OnExit registers fn. Hooks run in reverse registration order.
func (e *Exit) OnExit(fn func()) error {
	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()
		return ErrExiting
	}
	e.hooks = append(e.hooks, fn)
	trap := e.trapOnHook && e.sigs == nil
	e.mu.Unlock()

	if trap {
		e.Trap()
	}
	return nil
}

// Trapped reports whether a signal trap is installed.
func (e *Exit) Trapped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sigs != nil
}

// Run executes the hooks once. A panicking hook is logged and the rest still run.
func (e *Exit) Run() {
	e.once.Do(func() {
		e.mu.Lock()
		e.ran = true
		hooks := e.hooks
		e.hooks = nil
		e.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			e.runHook(hooks[i])
		}
		close(e.closed)
	})
}

// Done is closed once the hooks have run.
func (e *Exit) Done() <-chan struct{} {
	return e.closed
}

func (e *Exit) runHook(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("exit hook panicked", "panic", r)
		}
	}()
	fn()
}

// Trap runs the hooks and exits with 128+signo when one of sigs arrives
// (default: SIGINT, SIGTERM). Only the first call installs a trap.
// Further signals are ignored until the process exits, so a second
// Ctrl-C cannot cut the hooks short.
func (e *Exit) Trap(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{unix.SIGINT, unix.SIGTERM}
	}

	e.mu.Lock()
	if e.sigs != nil {
		e.mu.Unlock()
		return
	}
	ch := make(chan os.Signal, 1)
	e.sigs = ch
	e.mu.Unlock()

	signal.Notify(ch, sigs...)

	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		e.logger.Info("received termination signal", "signal", sig.String())
		go func() {
			for again := range ch {
				e.logger.Warn("exit hooks running, ignoring signal", "signal", again.String())
			}
		}()
		e.Run()
		e.exit(exitCode(sig))
	}()
}

// Untrap removes the signal trap installed by Trap.
func (e *Exit) Untrap() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sigs == nil {
		return
	}
	signal.Stop(e.sigs)
	close(e.sigs)
	e.sigs = nil
}

func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}
