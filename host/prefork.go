package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// DefaultShutdownGrace is how long a stopping master waits for a worker
// after SIGTERM before killing it.
const DefaultShutdownGrace = 15 * time.Second

// WorkerEnv marks a process as a worker spawned by a Prefork master. Its value is the worker id.
const WorkerEnv = "BLURBSYNC_PREFORK_WORKER"

var (
	// ErrNotMaster is returned by Spawn inside a worker.
	ErrNotMaster = errors.New("host: spawn called in a prefork worker")

	// ErrNotWorker is returned by ServeWorker inside the master.
	ErrNotWorker = errors.New("host: serve called in the prefork master")
)

// Prefork is a preforking server: the master re-executes the current
// binary once per worker, and each worker runs the after-fork callbacks
// before serving.
type Prefork struct {
	name     string
	workerID int
	logger   *slog.Logger
	command  func(ctx context.Context, id int) *exec.Cmd
	grace    time.Duration

	mu        sync.Mutex
	callbacks []func()
	served    bool
}

// PreforkOption configures a Prefork.
type PreforkOption func(*Prefork)

// WithPreforkName sets the name used in log lines (default: "prefork").
func WithPreforkName(name string) PreforkOption {
	return func(p *Prefork) {
		if name != "" {
			p.name = name
		}
	}
}

// WithPreforkLogger sets the logger.
func WithPreforkLogger(logger *slog.Logger) PreforkOption {
	return func(p *Prefork) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerCommand replaces the re-exec of os.Args used to start a worker.
func WithWorkerCommand(fn func(ctx context.Context, id int) *exec.Cmd) PreforkOption {
	return func(p *Prefork) {
		if fn != nil {
			p.command = fn
		}
	}
}

// WithShutdownGrace sets how long a worker may take to exit after SIGTERM.
func WithShutdownGrace(d time.Duration) PreforkOption {
	return func(p *Prefork) {
		if d > 0 {
			p.grace = d
		}
	}
}

// NewPrefork creates a server whose role comes from WorkerEnv.
func NewPrefork(opts ...PreforkOption) *Prefork {
	p := &Prefork{
		name:   "prefork",
		logger: slog.Default(),
		grace:  DefaultShutdownGrace,
		command: func(ctx context.Context, id int) *exec.Cmd {
			cmd := exec.CommandContext(ctx, os.Args[0], os.Args[1:]...) // #nosec G204 - re-exec of self
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd
		},
	}
	if v := os.Getenv(WorkerEnv); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id > 0 {
			p.workerID = id
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies the server in log lines.
func (p *Prefork) Name() string {
	return p.name
}

// IsMaster reports whether this process forks workers.
func (p *Prefork) IsMaster() bool {
	return p.workerID == 0
}

// IsWorker reports whether this process was spawned by a master.
func (p *Prefork) IsWorker() bool {
	return p.workerID > 0
}

// WorkerID returns the worker id, or 0 in the master.
func (p *Prefork) WorkerID() int {
	return p.workerID
}

// AfterFork registers fn to run at the start of every worker.
func (p *Prefork) AfterFork(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, fn)
	return nil
}

// ServeWorker runs the after-fork callbacks once. Call it in a worker
// before handling requests.
func (p *Prefork) ServeWorker() error {
	if !p.IsWorker() {
		return ErrNotWorker
	}

	p.mu.Lock()
	if p.served {
		p.mu.Unlock()
		return nil
	}
	p.served = true
	callbacks := append([]func(){}, p.callbacks...)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	p.logger.Info("prefork worker ready", "worker", p.workerID, "pid", os.Getpid())
	return nil
}

// Spawn starts n workers and waits for all of them to exit. When ctx is
// cancelled, or a worker fails to start or exits with an error, the
// remaining workers get SIGTERM and are killed if they outlive the
// shutdown grace. Cancelling ctx is a clean stop and returns nil.
func (p *Prefork) Spawn(ctx context.Context, n int) error {
	if p.IsWorker() {
		return ErrNotMaster
	}

	g, gctx := errgroup.WithContext(ctx)
	for id := 1; id <= n; id++ {
		cmd := p.command(gctx, id)
		env := cmd.Env
		if env == nil {
			env = os.Environ()
		}
		cmd.Env = append(env, fmt.Sprintf("%s=%d", WorkerEnv, id))
		if cmd.Cancel != nil {
			cmd.Cancel = func() error { return cmd.Process.Signal(unix.SIGTERM) }
			cmd.WaitDelay = p.grace
		}

		if err := cmd.Start(); err != nil {
			g.Go(func() error { return fmt.Errorf("starting worker %d: %w", id, err) })
			break
		}
		p.logger.Info("spawned prefork worker", "worker", id, "pid", cmd.Process.Pid)

		g.Go(func() error {
			if err := cmd.Wait(); err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			return nil
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		p.logger.Info("prefork workers stopped", "workers", n)
		return nil
	}
	return err
}
