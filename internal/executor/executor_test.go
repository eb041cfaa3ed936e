package executor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/events"
	"github.com/gwicho38/lsh/internal/logger"
	"github.com/gwicho38/lsh/internal/registry"
	"github.com/gwicho38/lsh/internal/storage"
)

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *registry.Registry) {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewFileStore(filepath.Join(dir, "storage.json"), logger.NewNoOp())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus(logger.NewNoOp())
	t.Cleanup(bus.Close)

	reg := registry.New(registry.Params{
		Store:  store,
		Bus:    bus,
		Logger: logger.NewNoOp(),
		Config: registry.Config{LogsDir: filepath.Join(dir, "logs")},
	})
	t.Cleanup(func() { reg.Close() })

	return New(cfg, reg, nil, logger.NewNoOp()), reg
}

func createJob(t *testing.T, reg *registry.Registry, spec *domain.JobSpec) *domain.JobSpec {
	t.Helper()
	created, err := reg.CreateJob(context.Background(), spec)
	require.NoError(t, err)
	return created
}

func TestTriggerEcho(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{})
	job := createJob(t, reg, &domain.JobSpec{ID: "echo", Command: "echo hi"})

	result, err := exec.Trigger(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Zero(t, *result.ExitCode)
	assert.True(t, strings.HasPrefix(result.Output, "hi"))

	history := reg.GetHistory("echo", 0)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ExecutionCompleted, history[0].Status)
	assert.Positive(t, history[0].PID)
}

func TestTriggerNonZeroExit(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{})
	job := createJob(t, reg, &domain.JobSpec{ID: "fail", Command: "echo oops >&2; exit 3"})

	result, err := exec.Trigger(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 3, *result.ExitCode)
	assert.True(t, strings.HasPrefix(result.Output, "oops"))

	history := reg.GetHistory("fail", 0)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ErrorType)
	assert.Equal(t, "nonzero_exit", *history[0].ErrorType)
}

func TestJobEnvOverlay(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{})
	job := createJob(t, reg, &domain.JobSpec{
		ID:      "env",
		Command: "echo $GREETING",
		Env:     map[string]string{"GREETING": "bonjour"},
	})

	result, err := exec.Trigger(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.Output, "bonjour"))
}

func TestCwd(t *testing.T) {
	dir := t.TempDir()
	exec, reg := newTestExecutor(t, Config{})
	job := createJob(t, reg, &domain.JobSpec{ID: "cwd", Command: "pwd", Cwd: dir})

	result, err := exec.Trigger(context.Background(), job)
	require.NoError(t, err)
	assert.Contains(t, result.Output, filepath.Base(dir))
}

func TestStopSealsAsKilled(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{})
	job := createJob(t, reg, &domain.JobSpec{ID: "sleeper", Command: "sleep 60"})

	require.NoError(t, exec.Dispatch(context.Background(), job))
	require.Eventually(t, func() bool { return exec.Running("sleeper") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, exec.Stop("sleeper", "SIGTERM"))
	require.Eventually(t, func() bool { return !exec.Running("sleeper") }, 6*time.Second, 20*time.Millisecond)

	history := reg.GetHistory("sleeper", 0)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ExecutionKilled, history[0].Status)
	require.NotNil(t, history[0].Signal)
	assert.Equal(t, "SIGTERM", *history[0].Signal)
}

func TestStopUnknownSignal(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	err := exec.Stop("nope", "SIGWHATEVER")
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
}

func TestStopNotRunning(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{})
	err := exec.Stop("nope", "")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestTimeout(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{KillGrace: time.Second})
	job := createJob(t, reg, &domain.JobSpec{ID: "slow", Command: "sleep 60", TimeoutMs: 200})

	result, err := exec.Trigger(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "timeout", result.Status)

	history := reg.GetHistory("slow", 0)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ExecutionTimeout, history[0].Status)
}

func TestConcurrentStartRejected(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{})
	job := createJob(t, reg, &domain.JobSpec{ID: "solo", Command: "sleep 60"})

	require.NoError(t, exec.Dispatch(context.Background(), job))
	require.Eventually(t, func() bool { return exec.Running("solo") }, 2*time.Second, 10*time.Millisecond)

	err := exec.Dispatch(context.Background(), job)
	assert.Equal(t, domain.KindAlreadyExists, domain.KindOf(err))

	require.NoError(t, exec.Stop("solo", ""))
	require.Eventually(t, func() bool { return !exec.Running("solo") }, 6*time.Second, 20*time.Millisecond)
}

func TestDangerousCommandRejected(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{})
	job := createJob(t, reg, &domain.JobSpec{ID: "danger", Command: "echo placeholder"})
	job.Command = "rm -rf /"

	err := exec.Dispatch(context.Background(), job)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))

	// With the override the command is admitted (and harmlessly fails
	// under an unprivileged test user before deleting anything).
	permissive, _ := newTestExecutor(t, Config{AllowDangerous: true})
	_, ok := permissive.running["nothing"]
	assert.False(t, ok)
}

func TestRetryOnFailure(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{})

	// Fails deterministically every run.
	job := createJob(t, reg, &domain.JobSpec{ID: "flaky", Command: "exit 1", MaxRetries: 2})

	_, err := exec.Trigger(context.Background(), job)
	require.NoError(t, err)

	// Two retries at 500ms and 1s backoff.
	require.Eventually(t, func() bool {
		return len(reg.GetHistory("flaky", 0)) == 3
	}, 5*time.Second, 50*time.Millisecond)

	history := reg.GetHistory("flaky", 0) // newest first
	assert.Equal(t, 2, history[0].RetryCount)
	require.NotNil(t, history[0].ParentJobID)
	assert.Equal(t, "flaky", *history[0].ParentJobID)
	assert.Equal(t, 0, history[2].RetryCount)
}

func TestNoRetryOnKilled(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{})
	job := createJob(t, reg, &domain.JobSpec{ID: "killed", Command: "sleep 60", MaxRetries: 3})

	require.NoError(t, exec.Dispatch(context.Background(), job))
	require.Eventually(t, func() bool { return exec.Running("killed") }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, exec.Stop("killed", ""))
	require.Eventually(t, func() bool { return !exec.Running("killed") }, 6*time.Second, 20*time.Millisecond)

	// Give any (incorrect) retry a chance to fire.
	time.Sleep(700 * time.Millisecond)
	assert.Len(t, reg.GetHistory("killed", 0), 1)
}

func TestStopAllDrains(t *testing.T) {
	exec, reg := newTestExecutor(t, Config{})
	for _, id := range []string{"a", "b"} {
		job := createJob(t, reg, &domain.JobSpec{ID: id, Command: "sleep 60"})
		require.NoError(t, exec.Dispatch(context.Background(), job))
	}
	require.Eventually(t, func() bool { return exec.RunningCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, exec.StopAll(ctx))
	assert.Zero(t, exec.RunningCount())

	// New work is refused after shutdown.
	job := createJob(t, reg, &domain.JobSpec{ID: "late", Command: "echo hi"})
	err := exec.Dispatch(context.Background(), job)
	assert.Equal(t, domain.KindServiceShutdown, domain.KindOf(err))
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, retryBackoff(1))
	assert.Equal(t, time.Second, retryBackoff(2))
	assert.Equal(t, 2*time.Second, retryBackoff(3))
	assert.Equal(t, 60*time.Second, retryBackoff(20))
}

func TestBuildEnvDoesNotLeakDaemonEnv(t *testing.T) {
	t.Setenv("LSH_MASTER_KEY", "super-secret")
	t.Setenv("PATH", "/usr/bin:/bin")

	env := buildEnv(map[string]string{"FOO": "bar"})
	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "PATH=/usr/bin:/bin")
	assert.Contains(t, joined, "FOO=bar")
	assert.NotContains(t, joined, "LSH_MASTER_KEY")
}
