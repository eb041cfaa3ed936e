// Package daemon assembles the components into the long-running job
// daemon: storage, registry, scheduler, executor, IPC socket, and the
// optional HTTP API.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/gwicho38/lsh/internal/api"
	"github.com/gwicho38/lsh/internal/audit"
	"github.com/gwicho38/lsh/internal/config"
	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/events"
	"github.com/gwicho38/lsh/internal/executor"
	"github.com/gwicho38/lsh/internal/ipc"
	"github.com/gwicho38/lsh/internal/logger"
	"github.com/gwicho38/lsh/internal/metrics"
	"github.com/gwicho38/lsh/internal/registry"
	"github.com/gwicho38/lsh/internal/scheduler"
	"github.com/gwicho38/lsh/internal/storage"
)

// DefaultShutdownTimeout bounds how long Stop waits for running
// executions before escalating to SIGKILL.
const DefaultShutdownTimeout = 30 * time.Second

const cleanupInterval = time.Hour

// Daemon owns every long-lived component and their shutdown order.
type Daemon struct {
	cfg *config.Config
	log logger.Interface

	store      storage.Store
	bus        *events.Bus
	metricsReg *prometheus.Registry
	metrics    *metrics.Metrics
	registry   *registry.Registry
	executor   *executor.Executor
	sched      *scheduler.Scheduler
	ipcSrv     *ipc.Server
	apiSrv     *api.Server
	auditLog   *audit.Logger

	startedAt   time.Time
	storageKind string

	stopOnce sync.Once
	stopCh   chan struct{}
	restart  atomic.Bool
	evWG     sync.WaitGroup
}

// New wires the daemon's components together. Nothing starts running
// until Run.
func New(ctx context.Context, cfg *config.Config, log logger.Interface) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, domain.WrapErr(domain.KindInvalidInput, err, "invalid configuration")
	}
	if log == nil {
		log = logger.NewNoOp()
	}

	store, kind, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:         cfg,
		log:         log.WithComponent("daemon"),
		store:       store,
		storageKind: kind,
		stopCh:      make(chan struct{}),
	}

	d.bus = events.NewBus(log)
	d.metricsReg = prometheus.NewRegistry()
	d.metrics = metrics.New(d.metricsReg)
	d.registry = registry.New(registry.Params{
		Store:  store,
		Bus:    d.bus,
		Logger: log,
		Config: registry.Config{
			MaxRecordsPerJob: cfg.Registry.MaxRecordsPerJob,
			MaxTotalRecords:  cfg.Registry.MaxTotalRecords,
			MaxOutputBytes:   int64(cfg.Registry.MaxOutputBytes),
			RetentionDays:    cfg.Registry.RetentionDays,
			MirrorLogs:       cfg.Registry.MirrorLogs,
			LogsDir:          cfg.LogsDir(),
		},
	})
	d.executor = executor.New(executor.Config{
		MaxConcurrent:  cfg.Executor.MaxConcurrent,
		KillGrace:      cfg.Executor.KillGrace,
		SampleInterval: cfg.Executor.SampleInterval,
		AllowDangerous: cfg.App.AllowDangerousCommands,
	}, d.registry, d.metrics, log)
	d.sched = scheduler.New(scheduler.Config{
		MinCheckInterval: cfg.Scheduler.MinCheckInterval,
		MaxCheckInterval: cfg.Scheduler.MaxCheckInterval,
		DueBuffer:        cfg.Scheduler.DueBuffer,
	}, &dispatcher{d: d}, d.bus, log)

	d.auditLog = audit.New(store, log)
	d.ipcSrv = ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.SocketPath(),
		PIDPath:    cfg.PIDPath(),
	}, d, d.metrics, log)

	if cfg.API.Enabled {
		d.apiSrv = api.NewServer(api.Config{
			Addr:      fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
			APIKey:    cfg.API.APIKey,
			JWTSecret: cfg.API.JWTSecret,
			Gatherer:  d.metricsReg,
		}, d, d.auditLog, log)
	}
	return d, nil
}

func openStore(ctx context.Context, cfg *config.Config, log logger.Interface) (storage.Store, string, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		store, err := storage.NewPgStore(ctx, storage.PgConfig{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, "", err
		}
		return store, "postgres", nil
	default:
		store, err := storage.NewFileStore(cfg.StoragePath(), log,
			storage.WithFlushInterval(cfg.Storage.FlushInterval))
		if err != nil {
			return nil, "", err
		}
		return store, "file", nil
	}
}

// dispatcher hands due jobs to the executor and keeps the next-run
// display and dispatch counter current.
type dispatcher struct {
	d *Daemon
}

func (w *dispatcher) Dispatch(ctx context.Context, spec *domain.JobSpec) error {
	w.d.metrics.JobsDispatched.Inc()
	if next, ok := w.d.sched.NextRunTime(spec.ID); ok {
		w.d.registry.SetNextRun(spec.ID, &next)
	} else {
		w.d.registry.SetNextRun(spec.ID, nil)
	}
	return w.d.executor.Dispatch(ctx, spec)
}

// Run starts every component and blocks until a stop request or a
// terminating signal arrives. On return the daemon is fully shut down;
// a restart request re-execs the current binary.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now().UTC()

	eventsCh, _ := d.bus.Subscribe(256)
	d.evWG.Add(1)
	go func() {
		defer d.evWG.Done()
		d.consumeEvents(eventsCh)
	}()

	if err := d.ipcSrv.Start(); err != nil {
		d.bus.Close()
		d.store.Close()
		return err
	}
	if err := d.writePIDFile(); err != nil {
		d.bus.Close()
		d.ipcSrv.Close()
		d.store.Close()
		return err
	}

	if err := d.registry.Restore(ctx); err != nil {
		d.log.Error("registry restore failed", "error", err)
	}
	d.rescheduleJobs()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.sched.Start(runCtx); err != nil {
		d.bus.Close()
		d.ipcSrv.Close()
		d.store.Close()
		d.removePIDFile()
		return err
	}
	d.registry.StartCleanupLoop(runCtx, cleanupInterval)

	var apiErrs <-chan error
	if d.apiSrv != nil {
		apiErrs = d.apiSrv.Start()
	}

	d.log.Info("daemon started",
		"pid", os.Getpid(),
		"socket", d.cfg.SocketPath(),
		"storage", d.storageKind,
		"api_enabled", d.apiSrv != nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Info("received signal", "signal", sig.String())
	case <-d.stopCh:
	case err := <-apiErrs:
		if err != nil {
			d.log.Error("http api failed", "error", err)
		}
	case <-ctx.Done():
	}

	d.shutdown()

	if d.restart.Load() {
		return d.reexec()
	}
	return nil
}

// consumeEvents is the daemon's bus subscriber. Every event feeds a
// per-type counter; execution lifecycle events also land in the audit
// trail. Returns when the bus closes.
func (d *Daemon) consumeEvents(ch <-chan events.Event) {
	for ev := range ch {
		d.metrics.BusEvents.WithLabelValues(string(ev.Type)).Inc()

		switch ev.Type {
		case events.ExecutionStarted:
			d.auditLog.Record(context.Background(), audit.Event{
				Actor:    "daemon",
				Action:   "execution.start",
				Resource: ev.JobID,
				Detail:   ev.ExecutionID,
				Outcome:  "success",
			})
		case events.ExecutionCompleted:
			outcome := "success"
			if ev.Record != nil && ev.Record.Status != domain.ExecutionCompleted {
				outcome = "failure"
			}
			d.auditLog.Record(context.Background(), audit.Event{
				Actor:    "daemon",
				Action:   "execution.complete",
				Resource: ev.JobID,
				Detail:   ev.ExecutionID,
				Outcome:  outcome,
			})
		}
	}
}

// rescheduleJobs re-adds persisted recurring jobs to the heap.
// Paused and stopped jobs stay out until a client starts them.
func (d *Daemon) rescheduleJobs() {
	for _, job := range d.registry.ListJobs(nil) {
		if !job.Schedule.IsRecurring() {
			continue
		}
		switch job.Status {
		case domain.JobStatusPaused, domain.JobStatusStopped:
			continue
		}
		if err := d.sched.AddJob(job); err != nil {
			d.log.Warn("failed to reschedule job", "job_id", job.ID, "error", err)
			continue
		}
		if next, ok := d.sched.NextRunTime(job.ID); ok {
			d.registry.SetNextRun(job.ID, &next)
		}
	}
	d.metrics.JobsScheduled.Set(float64(d.sched.JobCount()))
}

// shutdown stops components in dependency order: no new work, answer
// in-flight clients, drain executions, then flush state.
func (d *Daemon) shutdown() {
	d.log.Info("daemon stopping")

	d.sched.Stop()

	if d.apiSrv != nil {
		apiCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.apiSrv.Shutdown(apiCtx); err != nil {
			d.log.Warn("http api shutdown failed", "error", err)
		}
		cancel()
	}
	d.ipcSrv.Close()

	timeout := d.cfg.Daemon.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	if err := d.executor.StopAll(drainCtx); err != nil {
		d.log.Warn("executor drain incomplete", "error", err)
	}
	cancel()

	// Executions are drained, so the last lifecycle events are already
	// published; close the bus and let the subscriber finish before the
	// audit logger goes away.
	d.bus.Close()
	d.evWG.Wait()

	d.auditLog.Close()
	d.registry.Close()
	if err := d.store.Flush(context.Background()); err != nil {
		d.log.Error("final flush failed", "error", err)
	}
	if err := d.store.Close(); err != nil {
		d.log.Error("store close failed", "error", err)
	}
	d.removePIDFile()
	d.log.Info("daemon stopped")
}

// requestStop asks Run to exit. Safe to call from request handlers; the
// response goes out before teardown begins.
func (d *Daemon) requestStop(restart bool) {
	if restart {
		d.restart.Store(true)
	}
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Daemon) reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return domain.WrapErr(domain.KindDaemonUnavailable, err, "cannot locate binary for restart")
	}
	d.log.Info("re-executing", "binary", exe)
	return unix.Exec(exe, os.Args, os.Environ())
}

func (d *Daemon) writePIDFile() error {
	path := d.cfg.PIDPath()
	if err := os.MkdirAll(d.cfg.DataDir(), 0o700); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to create data directory")
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to write pid file")
	}
	return nil
}

func (d *Daemon) removePIDFile() {
	if err := os.Remove(d.cfg.PIDPath()); err != nil && !os.IsNotExist(err) {
		d.log.Warn("failed to remove pid file", "error", err)
	}
}
