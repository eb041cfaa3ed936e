package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwicho38/lsh/internal/audit"
	"github.com/gwicho38/lsh/internal/config"
	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/events"
	"github.com/gwicho38/lsh/internal/ipc"
	"github.com/gwicho38/lsh/internal/registry"
	"github.com/gwicho38/lsh/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		App: config.AppConfig{
			Name:        "lsh",
			Version:     "test",
			Environment: config.EnvDevelopment,
		},
		Daemon: config.DaemonConfig{
			DataDir:         dir,
			SocketPath:      filepath.Join(dir, "d.sock"),
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: config.StorageConfig{Backend: "file"},
		Sync: config.SyncConfig{
			Gateways: []string{"http://127.0.0.1:1", "http://127.0.0.1:2"},
		},
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.executor.StopAll(context.Background())
		d.store.Close()
	})
	return d
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "cassandra"

	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
}

func TestCreateAdhocJob(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	job, err := d.CreateJob(ctx, &domain.JobSpec{
		ID:      "j1",
		Name:    "list",
		Command: "ls",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCreated, job.Status)
	assert.Equal(t, domain.JobTypeAdhoc, job.Type)

	jobs, err := d.ListJobs(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCreateRecurringJobEntersScheduler(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	job, err := d.CreateJob(ctx, &domain.JobSpec{
		ID:       "j1",
		Name:     "tick",
		Command:  "date",
		Schedule: domain.Schedule{Kind: domain.ScheduleInterval, IntervalMs: 3_600_000},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, job.Status)
	require.NotNil(t, job.NextRun)

	status, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Scheduled)
}

func TestCreateDangerousCommandRejected(t *testing.T) {
	d := newTestDaemon(t)

	_, err := d.CreateJob(context.Background(), &domain.JobSpec{
		ID:      "j1",
		Name:    "oops",
		Command: "rm -rf /",
	})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))
}

func TestTriggerJobRunsAndRecordsHistory(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.CreateJob(ctx, &domain.JobSpec{ID: "j1", Name: "greet", Command: "echo hello"})
	require.NoError(t, err)

	result, err := d.TriggerJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Contains(t, result.Output, "hello")

	history, err := d.JobHistory(ctx, "j1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ExecutionCompleted, history[0].Status)
}

func TestStopScheduledJobLeavesHeap(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.CreateJob(ctx, &domain.JobSpec{
		ID:       "j1",
		Name:     "tick",
		Command:  "date",
		Schedule: domain.Schedule{Kind: domain.ScheduleInterval, IntervalMs: 3_600_000},
	})
	require.NoError(t, err)

	require.NoError(t, d.StopJob(ctx, "j1", ""))

	job, err := d.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusStopped, job.Status)

	status, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Scheduled)
}

func TestStartJobResumesSchedule(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.CreateJob(ctx, &domain.JobSpec{
		ID:       "j1",
		Name:     "tick",
		Command:  "date",
		Schedule: domain.Schedule{Kind: domain.ScheduleInterval, IntervalMs: 3_600_000},
	})
	require.NoError(t, err)
	require.NoError(t, d.StopJob(ctx, "j1", ""))

	job, err := d.StartJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, job.Status)

	status, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Scheduled)
}

func TestRemoveRunningJobRequiresForce(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.CreateJob(ctx, &domain.JobSpec{ID: "j1", Name: "slow", Command: "sleep 60"})
	require.NoError(t, err)

	_, err = d.StartJob(ctx, "j1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.executor.Running("j1") },
		5*time.Second, 10*time.Millisecond)

	err = d.RemoveJob(ctx, "j1", false)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidInput))

	require.NoError(t, d.RemoveJob(ctx, "j1", true))

	_, err = d.GetJob(ctx, "j1")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	require.Eventually(t, func() bool { return !d.executor.Running("j1") },
		5*time.Second, 10*time.Millisecond)
}

func TestRemoveMissingJob(t *testing.T) {
	d := newTestDaemon(t)

	err := d.RemoveJob(context.Background(), "nope", false)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestJobStatisticsOverSocketShape(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.CreateJob(ctx, &domain.JobSpec{ID: "j1", Name: "greet", Command: "echo hi"})
	require.NoError(t, err)
	_, err = d.TriggerJob(ctx, "j1")
	require.NoError(t, err)

	stats, err := d.JobStatistics(ctx, "j1")
	require.NoError(t, err)
	require.IsType(t, &domain.JobStatistics{}, stats)
	assert.Equal(t, 1, stats.(*domain.JobStatistics).TotalExecutions)
}

func TestJobHistoryWithoutJobIDSpansJobs(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.CreateJob(ctx, &domain.JobSpec{ID: "j1", Name: "one", Command: "echo one"})
	require.NoError(t, err)
	_, err = d.CreateJob(ctx, &domain.JobSpec{ID: "j2", Name: "two", Command: "echo two"})
	require.NoError(t, err)
	_, err = d.TriggerJob(ctx, "j1")
	require.NoError(t, err)
	_, err = d.TriggerJob(ctx, "j2")
	require.NoError(t, err)

	history, err := d.JobHistory(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].StartTime.Before(history[1].StartTime))

	limited, err := d.JobHistory(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJobStatisticsWithoutJobIDReturnsOverview(t *testing.T) {
	d := newTestDaemon(t)
	ctx := context.Background()

	_, err := d.CreateJob(ctx, &domain.JobSpec{ID: "j1", Name: "greet", Command: "echo hi"})
	require.NoError(t, err)
	_, err = d.TriggerJob(ctx, "j1")
	require.NoError(t, err)

	stats, err := d.JobStatistics(ctx, "")
	require.NoError(t, err)
	require.IsType(t, &registry.StatisticsOverview{}, stats)
	overview := stats.(*registry.StatisticsOverview)
	assert.Equal(t, 1, overview.Aggregate.TotalJobs)
	assert.Equal(t, 1, overview.Aggregate.TotalExecutions)
	require.Len(t, overview.Jobs, 1)
	assert.Equal(t, "j1", overview.Jobs[0].JobID)
}

// runDaemon starts Run on a goroutine and waits for the socket.
func runDaemon(t *testing.T, cfg *config.Config) (*Daemon, chan error) {
	t.Helper()
	d, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.SocketPath())
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	return d, done
}

func TestDaemonLifecycleOverSocket(t *testing.T) {
	cfg := testConfig(t)
	_, done := runDaemon(t, cfg)

	client := ipc.NewClient(cfg.SocketPath())
	defer client.Close()
	ctx := context.Background()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, "file", status.StorageKind)

	created, err := client.CreateJob(ctx, &domain.JobSpec{ID: "j1", Name: "greet", Command: "echo over-ipc"})
	require.NoError(t, err)
	assert.Equal(t, "j1", created.ID)

	result, err := client.TriggerJob(ctx, "j1")
	require.NoError(t, err)
	assert.Contains(t, result.Output, "over-ipc")

	require.NoError(t, client.StopDaemon(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, statErr := os.Stat(cfg.SocketPath())
	assert.True(t, os.IsNotExist(statErr))
	_, pidErr := os.Stat(cfg.PIDPath())
	assert.True(t, os.IsNotExist(pidErr))
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	_, done := runDaemon(t, cfg)

	client := ipc.NewClient(cfg.SocketPath())
	ctx := context.Background()

	_, err := client.CreateJob(ctx, &domain.JobSpec{
		ID:       "j1",
		Name:     "tick",
		Command:  "date",
		Schedule: domain.Schedule{Kind: domain.ScheduleInterval, IntervalMs: 3_600_000},
	})
	require.NoError(t, err)
	require.NoError(t, client.StopDaemon(ctx))
	client.Close()
	require.NoError(t, <-done)

	_, done = runDaemon(t, cfg)
	client = ipc.NewClient(cfg.SocketPath())
	defer client.Close()

	job, err := client.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusScheduled, job.Status)

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Scheduled)

	require.NoError(t, client.StopDaemon(ctx))
	require.NoError(t, <-done)
}

func TestExecutionEventsReachAuditAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	d, done := runDaemon(t, cfg)

	client := ipc.NewClient(cfg.SocketPath())
	defer client.Close()
	ctx := context.Background()

	_, err := client.CreateJob(ctx, &domain.JobSpec{ID: "j1", Name: "greet", Command: "echo audited"})
	require.NoError(t, err)
	_, err = client.TriggerJob(ctx, "j1")
	require.NoError(t, err)

	started := d.metrics.BusEvents.WithLabelValues(string(events.ExecutionStarted))
	completed := d.metrics.BusEvents.WithLabelValues(string(events.ExecutionCompleted))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(completed) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(started), 1.0)

	// The subscriber turns lifecycle events into audit entries.
	var actions []string
	require.Eventually(t, func() bool {
		var entries []audit.Event
		if err := d.store.List(ctx, storage.CollectionAudit, &entries); err != nil {
			return false
		}
		actions = actions[:0]
		for _, entry := range entries {
			if entry.Actor == "daemon" && entry.Resource == "j1" {
				actions = append(actions, entry.Action)
			}
		}
		return len(actions) >= 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, actions, "execution.start")
	assert.Contains(t, actions, "execution.complete")

	require.NoError(t, client.StopDaemon(ctx))
	require.NoError(t, <-done)
}
