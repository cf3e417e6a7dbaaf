package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaguanLabs/blurbsync/cache"
	"github.com/ZaguanLabs/blurbsync/host"
	"github.com/ZaguanLabs/blurbsync/poller"
	"github.com/ZaguanLabs/blurbsync/remote"
)

// logRecorder is a slog.Handler that keeps every record.
type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level slog.Level
	msg   string
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logEntry{level: rec.Level, msg: rec.Message})
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) count(level slog.Level, msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

// fakeProcess hands out pids; spawning a worker switches to a new one.
type fakeProcess struct {
	mu  sync.Mutex
	pid int
}

func (p *fakeProcess) Getpid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *fakeProcess) become(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pid = pid
}

// fakePoller records the pid of every Start call.
type fakePoller struct {
	proc   *fakeProcess
	mu     sync.Mutex
	starts []int
}

func (p *fakePoller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts = append(p.starts, p.proc.Getpid())
}

func (p *fakePoller) startedIn() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.starts...)
}

// fakeForkServer is a preforking server whose Spawn simulates a fork.
type fakeForkServer struct {
	name      string
	proc      *fakeProcess
	master    bool
	callbacks []func()
	fail      error
}

func (s *fakeForkServer) Name() string   { return s.name }
func (s *fakeForkServer) IsMaster() bool { return s.master }
func (s *fakeForkServer) IsWorker() bool { return false }

func (s *fakeForkServer) AfterFork(fn func()) error {
	if s.fail != nil {
		return s.fail
	}
	s.callbacks = append(s.callbacks, fn)
	return nil
}

func (s *fakeForkServer) spawn(pid int) {
	s.proc.become(pid)
	for _, fn := range s.callbacks {
		fn()
	}
}

// fakeExit collects exit hooks and runs them on demand.
type fakeExit struct {
	mu    sync.Mutex
	hooks []func()
}

func (e *fakeExit) Name() string { return "fake exit" }

func (e *fakeExit) OnExit(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, fn)
	return nil
}

func (e *fakeExit) run() {
	e.mu.Lock()
	hooks := append([]func(){}, e.hooks...)
	e.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (e *fakeExit) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.hooks)
}

type fixture struct {
	proc   *fakeProcess
	store  *remote.Memory
	cache  *cache.Cache
	poller *fakePoller
	exit   *fakeExit
	logs   *logRecorder
}

func newFixture() *fixture {
	proc := &fakeProcess{pid: 100}
	store := remote.NewMemory()
	logs := &logRecorder{}
	return &fixture{
		proc:   proc,
		store:  store,
		cache:  cache.New(store, cache.WithLogger(slog.New(logs))),
		poller: &fakePoller{proc: proc},
		exit:   &fakeExit{},
		logs:   logs,
	}
}

func (f *fixture) guard(t *testing.T, opts ...Option) *Guard {
	t.Helper()
	base := []Option{
		WithPID(f.proc.Getpid),
		WithExitHooks(f.exit),
		WithLogger(slog.New(f.logs)),
	}
	g, err := New(f.cache, f.poller, append(base, opts...)...)
	require.NoError(t, err)
	return g
}

func TestNew_MissingCollaborator(t *testing.T) {
	_, err := New(nil, &fakePoller{})
	assert.ErrorIs(t, err, ErrMissingCollaborator)

	_, err = New(cache.New(remote.NewMemory()), nil)
	assert.ErrorIs(t, err, ErrMissingCollaborator)
}

func TestStart_StandalonePollsAndRegistersExitHook(t *testing.T) {
	f := newFixture()
	g := f.guard(t)

	g.Start()

	assert.Equal(t, Standalone, g.Environment())
	assert.Equal(t, []int{100}, f.poller.startedIn())
	assert.Equal(t, 1, f.exit.len())
	assert.Equal(t, 1, f.logs.count(slog.LevelInfo, "Registered fake exit exit hook"))
}

func TestStart_IsIdempotent(t *testing.T) {
	f := newFixture()
	g := f.guard(t)

	g.Start()
	g.Start()
	g.Start()

	assert.Equal(t, []int{100}, f.poller.startedIn())
	assert.Equal(t, 1, f.exit.len())
	assert.Equal(t, 1, f.logs.count(slog.LevelInfo, "Registered fake exit exit hook"))
}

func TestStart_PreforkingMasterRegistersForkHookOnly(t *testing.T) {
	f := newFixture()
	server := &fakeForkServer{name: "fake server", proc: f.proc, master: true}
	g := f.guard(t, WithForkHost(server))

	g.Start()
	g.Start()

	assert.Equal(t, PreforkingMaster, g.Environment())
	assert.Empty(t, f.poller.startedIn(), "master must not poll")
	assert.Len(t, server.callbacks, 1)
	assert.Equal(t, 0, f.exit.len())
	assert.Equal(t, 1, f.logs.count(slog.LevelInfo, "Registered fake server fork hook"))
}

func TestStart_PreforkingWorkerPollsAfterSpawn(t *testing.T) {
	f := newFixture()
	server := &fakeForkServer{name: "fake server", proc: f.proc, master: true}
	g := f.guard(t, WithForkHost(server))

	g.Start()
	server.spawn(201)
	server.spawn(202)

	assert.Equal(t, PreforkingWorker, g.Environment())
	assert.Equal(t, []int{201, 202}, f.poller.startedIn(), "poller starts once per worker, never in the master")
	assert.Equal(t, 2, f.exit.len())
	assert.Equal(t, 2, f.logs.count(slog.LevelInfo, "Registered fake exit exit hook"))
}

func TestStart_WorkerFlushesInItsOwnPid(t *testing.T) {
	f := newFixture()
	server := &fakeForkServer{name: "fake server", proc: f.proc, master: true}
	g := f.guard(t, WithForkHost(server))
	g.Start()

	// The master already flushed in its own pid before forking
	g.Flush()

	server.spawn(300)
	f.cache.Set("test.key", "from worker")
	f.exit.run()

	v, ok := f.store.Draft("test.key")
	assert.True(t, ok)
	assert.Equal(t, "from worker", v)
}

type workerHost struct{ fakeForkServer }

func (w *workerHost) IsMaster() bool { return false }
func (w *workerHost) IsWorker() bool { return true }

func TestStart_ReexecWorkerClassifiedAsWorker(t *testing.T) {
	f := newFixture()
	server := &workerHost{fakeForkServer{name: "fake server", proc: f.proc}}
	g := f.guard(t, WithForkHost(server))

	g.Start()

	assert.Equal(t, PreforkingWorker, g.Environment())
	assert.Equal(t, []int{100}, f.poller.startedIn())
	assert.Empty(t, server.callbacks)
	assert.Equal(t, 1, f.exit.len())
}

func TestStart_ForkHookRegistrationFailureIsWarning(t *testing.T) {
	f := newFixture()
	server := &fakeForkServer{name: "fake server", proc: f.proc, master: true, fail: errors.New("no extension point")}
	g := f.guard(t, WithForkHost(server))

	assert.NotPanics(t, g.Start)
	assert.Equal(t, 1, f.logs.count(slog.LevelWarn, "Could not register fake server fork hook"))
	assert.Equal(t, 0, f.logs.count(slog.LevelInfo, "Registered fake server fork hook"))
	assert.Empty(t, f.poller.startedIn())
}

func TestStart_MasterTakesPriorityOverJobRunner(t *testing.T) {
	f := newFixture()
	server := &fakeForkServer{name: "fake server", proc: f.proc, master: true}
	jobs := host.NewJobQueue(host.WithJobQueueName("jobs"))
	g := f.guard(t, WithJobHost(jobs), WithForkHost(server))

	g.Start()

	assert.Equal(t, PreforkingMaster, g.Environment())
}

func TestFlush_OncePerPid(t *testing.T) {
	f := newFixture()
	g := f.guard(t)
	g.Start()

	f.cache.Set("test.key", "value")
	f.store.FailWith(errors.New("down"))

	g.Flush()
	g.Flush()

	assert.Equal(t, 1, f.store.Uploads(), "second terminal flush in the same pid must not send")
	assert.True(t, f.cache.Dirty(), "failed terminal flush keeps the cache dirty")
}

func TestFlush_CleanCacheSendsNothing(t *testing.T) {
	f := newFixture()
	g := f.guard(t)
	g.Start()

	g.Flush()

	assert.Equal(t, 0, f.store.Uploads())
}

func TestFlush_FailureIsSwallowed(t *testing.T) {
	f := newFixture()
	g := f.guard(t)
	g.Start()

	f.cache.Set("test.key", "value")
	f.store.FailWith(errors.New("connection refused"))

	assert.NotPanics(t, g.Flush)
	assert.Equal(t, 1, f.logs.count(slog.LevelError, "shutdown flush failed"))
}

type panickingFlusher struct{}

func (panickingFlusher) Dirty() bool                 { return true }
func (panickingFlusher) Flush(context.Context) error { panic("transport blew up") }

func TestFlush_PanicIsRecovered(t *testing.T) {
	logs := &logRecorder{}
	g, err := New(panickingFlusher{}, &fakePoller{proc: &fakeProcess{pid: 1}},
		WithExitHooks(&fakeExit{}),
		WithLogger(slog.New(logs)),
	)
	require.NoError(t, err)

	assert.NotPanics(t, g.Flush)
	assert.Equal(t, 1, logs.count(slog.LevelError, "shutdown flush panicked"))
}

func TestJobRunner_FlushesAfterJobWithoutPolling(t *testing.T) {
	f := newFixture()
	jobs := host.NewJobQueue(host.WithJobQueueName("background jobs"))
	g := f.guard(t, WithJobHost(jobs))

	g.Start()

	jobs.Enqueue(host.Job{Name: "write", Perform: func(ctx context.Context) error {
		f.cache.Set("test.key", "expected value")
		return nil
	}})
	require.NoError(t, jobs.Run(context.Background()))

	assert.Equal(t, JobRunner, g.Environment())
	v, _ := f.store.Draft("test.key")
	assert.Equal(t, "expected value", v)
	assert.Empty(t, f.poller.startedIn(), "job runner must not start a persistent poller")
	assert.Equal(t, 0, f.exit.len())
	assert.Equal(t, 1, f.logs.count(slog.LevelInfo, "Registered background jobs after_perform hook"))
}

func TestJobRunner_FlushesAfterEveryJob(t *testing.T) {
	f := newFixture()
	jobs := host.NewJobQueue()
	g := f.guard(t, WithJobHost(jobs))
	g.Start()

	for _, v := range []string{"one", "two"} {
		jobs.Enqueue(host.Job{Name: v, Perform: func(ctx context.Context) error {
			f.cache.Set("key."+v, v)
			return nil
		}})
	}
	require.NoError(t, jobs.Run(context.Background()))

	assert.Equal(t, 2, f.store.Uploads())
	assert.False(t, f.cache.Dirty())
}

func TestStandalone_SignalFlushesBeforeExit(t *testing.T) {
	store := remote.NewMemory()
	c := cache.New(store)
	p := poller.New(c, 24*time.Hour)
	defer p.Stop()

	codes := make(chan int, 1)
	exit := host.NewExit(host.WithExitFunc(func(code int) { codes <- code }))
	exit.Trap(syscall.SIGINT)
	defer exit.Untrap()

	g, err := New(c, p, WithExitHooks(exit))
	require.NoError(t, err)
	g.Start()
	require.True(t, p.Running())

	c.Set("test.key", "value")
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGINT))

	select {
	case code := <-codes:
		assert.Equal(t, 128+int(syscall.SIGINT), code)
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after SIGINT")
	}

	v, ok := store.Draft("test.key")
	require.True(t, ok, "remote store should hold the key written before the signal")
	assert.Equal(t, "value", v)
}

func TestEnvironment_String(t *testing.T) {
	assert.Equal(t, "standalone", Standalone.String())
	assert.Equal(t, "preforking master", PreforkingMaster.String())
	assert.Equal(t, "preforking worker", PreforkingWorker.String())
	assert.Equal(t, "job runner", JobRunner.String())
	assert.Equal(t, "unknown", Environment(42).String())
}
