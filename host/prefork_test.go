package host

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefork_MasterRole(t *testing.T) {
	t.Setenv(WorkerEnv, "")

	p := NewPrefork(WithPreforkName("test server"))

	assert.True(t, p.IsMaster())
	assert.False(t, p.IsWorker())
	assert.Equal(t, "test server", p.Name())
	assert.ErrorIs(t, p.ServeWorker(), ErrNotWorker)
}

func TestPrefork_WorkerRunsCallbacksOnce(t *testing.T) {
	t.Setenv(WorkerEnv, "3")

	p := NewPrefork()
	require.True(t, p.IsWorker())
	assert.Equal(t, 3, p.WorkerID())

	calls := 0
	require.NoError(t, p.AfterFork(func() { calls++ }))

	require.NoError(t, p.ServeWorker())
	require.NoError(t, p.ServeWorker())
	assert.Equal(t, 1, calls)

	assert.ErrorIs(t, p.Spawn(context.Background(), 1), ErrNotMaster)
}

func TestPrefork_InvalidWorkerEnv(t *testing.T) {
	t.Setenv(WorkerEnv, "abc")

	p := NewPrefork()
	assert.True(t, p.IsMaster())
}

func TestPrefork_SpawnSetsWorkerEnv(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Setenv(WorkerEnv, "")

	p := NewPrefork(WithWorkerCommand(func(ctx context.Context, id int) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", `test "$`+WorkerEnv+`" -ge 1`)
	}))

	require.NoError(t, p.Spawn(context.Background(), 2))
}

func TestPrefork_SpawnReportsWorkerFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Setenv(WorkerEnv, "")

	p := NewPrefork(WithWorkerCommand(func(ctx context.Context, id int) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", "exit 3")
	}))

	err := p.Spawn(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker 1")
}

func TestPrefork_StartFailureStopsEarlierWorkers(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	t.Setenv(WorkerEnv, "")

	var first *exec.Cmd
	p := NewPrefork(
		WithShutdownGrace(time.Second),
		WithWorkerCommand(func(ctx context.Context, id int) *exec.Cmd {
			if id == 1 {
				first = exec.CommandContext(ctx, "sleep", "30")
				return first
			}
			return exec.CommandContext(ctx, "/nonexistent/blurbsync-worker")
		}),
	)

	start := time.Now()
	err := p.Spawn(context.Background(), 2)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting worker 2")
	assert.Less(t, time.Since(start), 10*time.Second)
	require.NotNil(t, first)
	assert.NotNil(t, first.ProcessState, "worker 1 should be reaped before Spawn returns")
}

func TestPrefork_CancelTerminatesWorkers(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	t.Setenv(WorkerEnv, "")

	marker := filepath.Join(t.TempDir(), "terminated")
	p := NewPrefork(
		WithShutdownGrace(5*time.Second),
		WithWorkerCommand(func(ctx context.Context, id int) *exec.Cmd {
			// The worker records SIGTERM before exiting, like a flushing worker would.
			script := `trap 'touch "$0"; exit 0' TERM; while :; do sleep 0.05; done`
			return exec.CommandContext(ctx, "sh", "-c", script, marker)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Spawn(ctx, 1) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err, "a cancelled master stops cleanly")
	case <-time.After(10 * time.Second):
		t.Fatal("Spawn did not return after cancel")
	}
	_, err := os.Stat(marker)
	assert.NoError(t, err, "worker should receive SIGTERM")
}
