// Package executor spawns and supervises job processes. It implements
// the scheduler's Dispatcher: due jobs arrive here, get a child
// process, and leave as sealed execution records.
package executor

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/logger"
	"github.com/gwicho38/lsh/internal/metrics"
	"github.com/gwicho38/lsh/internal/registry"
)

// Defaults for process supervision.
const (
	DefaultMaxConcurrent  = 8
	DefaultKillGrace      = 5 * time.Second
	DefaultSampleInterval = 500 * time.Millisecond

	// retryBaseDelay seeds the exponential retry backoff.
	retryBaseDelay = 250 * time.Millisecond
	// retryMaxDelay caps the backoff.
	retryMaxDelay = 60 * time.Second
)

// Config tunes the executor.
type Config struct {
	// MaxConcurrent bounds simultaneously running executions.
	MaxConcurrent int
	// KillGrace is the SIGTERM-to-SIGKILL grace period.
	KillGrace time.Duration
	// SampleInterval is the resource sampling cadence.
	SampleInterval time.Duration
	// Shell runs commands; defaults to /bin/sh.
	Shell string
	// AllowDangerous disables the dangerous-command check.
	AllowDangerous bool
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.KillGrace <= 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
}

// TriggerResult is the synchronous outcome of a manual run.
type TriggerResult struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status"`
	ExitCode    *int   `json:"exitCode,omitempty"`
	Output      string `json:"output"`
}

// Executor runs jobs. It is safe for concurrent use.
type Executor struct {
	cfg      Config
	registry *registry.Registry
	metrics  *metrics.Metrics
	log      logger.Interface

	sem chan struct{}

	mu       sync.Mutex
	running  map[string]*supervised
	retries  map[*time.Timer]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

// New creates an executor.
func New(cfg Config, reg *registry.Registry, m *metrics.Metrics, log logger.Interface) *Executor {
	if log == nil {
		log = logger.NewNoOp()
	}
	cfg.applyDefaults()
	return &Executor{
		cfg:      cfg,
		registry: reg,
		metrics:  m,
		log:      log.WithComponent("executor"),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		running:  make(map[string]*supervised),
		retries:  make(map[*time.Timer]struct{}),
	}
}

// Dispatch runs a due job asynchronously. It returns once the
// execution is admitted; the run itself happens on its own goroutine.
func (e *Executor) Dispatch(ctx context.Context, spec *domain.JobSpec) error {
	sup, err := e.admit(spec)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_, _ = e.execute(context.Background(), spec, sup, runOptions{scheduled: spec.Type == domain.JobTypeScheduled})
	}()
	return nil
}

// Trigger runs a job immediately and waits for it to finish.
func (e *Executor) Trigger(ctx context.Context, spec *domain.JobSpec) (*TriggerResult, error) {
	sup, err := e.admit(spec)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		rec *domain.ExecutionRecord
		err error
	}
	e.wg.Add(1)
	resultCh := make(chan outcome, 1)
	go func() {
		defer e.wg.Done()
		rec, err := e.execute(context.Background(), spec, sup, runOptions{})
		resultCh <- outcome{rec: rec, err: err}
	}()

	select {
	case <-ctx.Done():
		// Abandon the wait, not the process; the record seals normally.
		return nil, domain.WrapErr(domain.KindServiceShutdown, ctx.Err(), "trigger wait aborted")
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		output := result.rec.Stdout
		if output == "" {
			output = result.rec.Stderr
		}
		return &TriggerResult{
			ExecutionID: result.rec.ExecutionID,
			Status:      string(result.rec.Status),
			ExitCode:    result.rec.ExitCode,
			Output:      output,
		}, nil
	}
}

// admit validates the command and reserves the job's single execution
// slot.
func (e *Executor) admit(spec *domain.JobSpec) (*supervised, error) {
	if spec == nil {
		return nil, domain.E(domain.KindInvalidInput, "job spec is required")
	}
	if !e.cfg.AllowDangerous {
		if desc, dangerous := CheckDangerous(spec.Command); dangerous {
			return nil, domain.E(domain.KindInvalidInput,
				"command rejected: %s (set LSH_ALLOW_DANGEROUS_COMMANDS to override)", desc)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return nil, domain.E(domain.KindServiceShutdown, "executor is shutting down")
	}
	if _, ok := e.running[spec.ID]; ok {
		return nil, domain.E(domain.KindAlreadyExists, "job %s already has a running execution", spec.ID)
	}
	sup := newSupervised(spec.ID)
	e.running[spec.ID] = sup
	return sup, nil
}

// execute owns one admitted run end to end: concurrency slot, job
// status, supervision, retry.
func (e *Executor) execute(ctx context.Context, spec *domain.JobSpec, sup *supervised, opts runOptions) (*domain.ExecutionRecord, error) {
	e.sem <- struct{}{}
	defer func() { <-e.sem }()
	defer func() {
		e.mu.Lock()
		delete(e.running, spec.ID)
		e.mu.Unlock()
		close(sup.done)
	}()

	e.setJobStatus(ctx, spec, domain.JobStatusRunning)

	rec, err := e.supervise(ctx, spec, sup, opts)
	if err != nil {
		e.log.Error("execution failed to run", "job_id", spec.ID, "error", err)
		e.setJobStatus(ctx, spec, domain.JobStatusFailed)
		return nil, err
	}

	e.setJobStatus(ctx, spec, jobStatusFor(rec.Status, spec))
	e.maybeRetry(spec, rec, opts)
	return rec, nil
}

// jobStatusFor maps an execution outcome onto the job. Recurring jobs
// return to scheduled so the next fire is visible in listings.
func jobStatusFor(status domain.ExecutionStatus, spec *domain.JobSpec) domain.JobStatus {
	if spec.Schedule.IsRecurring() {
		return domain.JobStatusScheduled
	}
	switch status {
	case domain.ExecutionCompleted:
		return domain.JobStatusCompleted
	case domain.ExecutionKilled, domain.ExecutionTimeout:
		return domain.JobStatusKilled
	default:
		return domain.JobStatusFailed
	}
}

// setJobStatus updates the job record best-effort. The job may have
// been removed mid-flight; that is not an execution failure.
func (e *Executor) setJobStatus(ctx context.Context, spec *domain.JobSpec, status domain.JobStatus) {
	if _, err := e.registry.SetJobStatus(ctx, spec.ID, status); err != nil && !domain.IsKind(err, domain.KindNotFound) {
		e.log.Warn("failed to update job status", "job_id", spec.ID, "status", string(status), "error", err)
	}
}

// maybeRetry re-enqueues a failed execution with exponential backoff.
// Only failed retries; killed and timeout do not.
func (e *Executor) maybeRetry(spec *domain.JobSpec, rec *domain.ExecutionRecord, opts runOptions) {
	if rec.Status != domain.ExecutionFailed {
		return
	}
	if spec.MaxRetries <= 0 || opts.retryCount >= spec.MaxRetries {
		return
	}

	nextCount := opts.retryCount + 1
	delay := retryBackoff(nextCount)
	e.log.Info("scheduling retry",
		"job_id", spec.ID,
		"retry", nextCount,
		"max_retries", spec.MaxRetries,
		"delay", delay.String())
	if e.metrics != nil {
		e.metrics.ExecutionRetries.Inc()
	}

	parent := spec.ID
	retrySpec := spec.Clone()
	e.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.untrackRetry(timer)
		sup, err := e.admit(retrySpec)
		if err != nil {
			e.log.Warn("retry not admitted", "job_id", retrySpec.ID, "error", err)
			return
		}
		_, _ = e.execute(context.Background(), retrySpec, sup, runOptions{
			scheduled:   opts.scheduled,
			retryCount:  nextCount,
			parentJobID: &parent,
		})
	})
	e.trackRetry(timer)
}

func (e *Executor) trackRetry(timer *time.Timer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries[timer] = struct{}{}
}

func (e *Executor) untrackRetry(timer *time.Timer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, timer)
}

// retryBackoff computes min(60s, 2^retry * 250ms).
func retryBackoff(retry int) time.Duration {
	delay := retryBaseDelay
	for i := 0; i < retry && delay < retryMaxDelay; i++ {
		delay *= 2
	}
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// Stop signals a job's live execution: the requested signal (default
// SIGTERM) to the process group, then SIGKILL after the grace period.
func (e *Executor) Stop(jobID, signalName string) error {
	sig, name, err := lookupSignal(signalName)
	if err != nil {
		return err
	}

	e.mu.Lock()
	sup, ok := e.running[jobID]
	e.mu.Unlock()
	if !ok {
		return domain.E(domain.KindNotFound, "job %q has no running execution", jobID)
	}

	sup.markKilled(killStopped, name)
	pgid := sup.getPGID()
	e.log.Info("stopping execution", "job_id", jobID, "signal", name, "pgid", pgid)
	signalGroup(pgid, sig)

	go func() {
		select {
		case <-sup.done:
		case <-time.After(e.cfg.KillGrace):
			signalGroup(sup.getPGID(), syscall.SIGKILL)
		}
	}()
	return nil
}

// Running reports whether the job has a live execution.
func (e *Executor) Running(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[jobID]
	return ok
}

// RunningCount reports how many executions are live.
func (e *Executor) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// StopAll terminates every live execution and waits for supervisors to
// drain, up to the context deadline. Called once during daemon
// shutdown; after it no new executions are admitted.
func (e *Executor) StopAll(ctx context.Context) error {
	e.mu.Lock()
	e.shutdown = true
	sups := make([]*supervised, 0, len(e.running))
	for _, sup := range e.running {
		sups = append(sups, sup)
	}
	// Pending retries never run; release their waitgroup slots.
	for timer := range e.retries {
		if timer.Stop() {
			e.wg.Done()
		}
	}
	e.retries = make(map[*time.Timer]struct{})
	e.mu.Unlock()

	for _, sup := range sups {
		sup.markKilled(killStopped, "SIGTERM")
		signalGroup(sup.getPGID(), syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, sup := range sups {
			signalGroup(sup.getPGID(), syscall.SIGKILL)
		}
		return domain.WrapErr(domain.KindServiceShutdown, ctx.Err(), "executions did not drain before the shutdown deadline")
	}
}
