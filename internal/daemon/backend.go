package daemon

import (
	"context"
	"os"
	"time"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/executor"
	"github.com/gwicho38/lsh/internal/ipc"
)

// The daemon itself is the backend behind both the unix socket and the
// HTTP API.
var _ ipc.Backend = (*Daemon)(nil)

// Status reports a point-in-time snapshot of the daemon.
func (d *Daemon) Status(ctx context.Context) (*ipc.DaemonStatus, error) {
	now := time.Now().UTC()
	return &ipc.DaemonStatus{
		PID:           os.Getpid(),
		Version:       d.cfg.App.Version,
		StartedAt:     d.startedAt,
		UptimeSeconds: int64(now.Sub(d.startedAt).Seconds()),
		Jobs:          len(d.registry.ListJobs(nil)),
		Scheduled:     d.sched.JobCount(),
		Running:       d.executor.RunningCount(),
		Executions:    d.registry.TotalRecords(),
		StorageKind:   d.storageKind,
		SocketPath:    d.cfg.SocketPath(),
		APIEnabled:    d.apiSrv != nil,
	}, nil
}

// ListJobs returns jobs in creation order, optionally filtered.
func (d *Daemon) ListJobs(ctx context.Context, filter *domain.JobFilter) ([]*domain.JobSpec, error) {
	return d.registry.ListJobs(filter), nil
}

// GetJob returns one job.
func (d *Daemon) GetJob(ctx context.Context, id string) (*domain.JobSpec, error) {
	return d.registry.GetJob(id)
}

// CreateJob validates and registers a job. Recurring jobs enter the
// scheduler immediately.
func (d *Daemon) CreateJob(ctx context.Context, spec *domain.JobSpec) (*domain.JobSpec, error) {
	if spec == nil {
		return nil, domain.E(domain.KindInvalidInput, "job spec is required")
	}
	if !d.cfg.App.AllowDangerousCommands {
		if desc, dangerous := executor.CheckDangerous(spec.Command); dangerous {
			return nil, domain.E(domain.KindInvalidInput, "refusing dangerous command: %s", desc)
		}
	}

	job, err := d.registry.CreateJob(ctx, spec)
	if err != nil {
		return nil, err
	}

	if job.Schedule.IsRecurring() {
		if err := d.scheduleJob(ctx, job); err != nil {
			// Roll back so a retried create does not hit ALREADY_EXISTS.
			_ = d.registry.RemoveJob(ctx, job.ID)
			return nil, err
		}
		return d.registry.GetJob(job.ID)
	}
	return job, nil
}

// scheduleJob adds a job to the heap and marks it scheduled.
func (d *Daemon) scheduleJob(ctx context.Context, job *domain.JobSpec) error {
	if err := d.sched.AddJob(job); err != nil {
		return err
	}
	if _, err := d.registry.SetJobStatus(ctx, job.ID, domain.JobStatusScheduled); err != nil {
		_ = d.sched.RemoveJob(job.ID)
		return err
	}
	if next, ok := d.sched.NextRunTime(job.ID); ok {
		d.registry.SetNextRun(job.ID, &next)
	}
	d.metrics.JobsScheduled.Set(float64(d.sched.JobCount()))
	return nil
}

// StartJob resumes a recurring job's schedule, or runs an ad-hoc job in
// the background.
func (d *Daemon) StartJob(ctx context.Context, id string) (*domain.JobSpec, error) {
	job, err := d.registry.GetJob(id)
	if err != nil {
		return nil, err
	}

	if job.Schedule.IsRecurring() {
		if _, ok := d.sched.NextRunTime(id); !ok {
			if err := d.scheduleJob(ctx, job); err != nil {
				return nil, err
			}
		}
		return d.registry.GetJob(id)
	}

	if err := d.executor.Dispatch(ctx, job); err != nil {
		return nil, err
	}
	return d.registry.GetJob(id)
}

// StopJob stops a running execution, or pulls a scheduled job off the
// heap. The signal name is honored for running jobs only.
func (d *Daemon) StopJob(ctx context.Context, id, signalName string) error {
	if d.executor.Running(id) {
		return d.executor.Stop(id, signalName)
	}

	if err := d.sched.RemoveJob(id); err == nil {
		d.metrics.JobsScheduled.Set(float64(d.sched.JobCount()))
		d.registry.SetNextRun(id, nil)
		_, err = d.registry.SetJobStatus(ctx, id, domain.JobStatusStopped)
		return err
	}

	if _, err := d.registry.GetJob(id); err != nil {
		return err
	}
	_, err := d.registry.SetJobStatus(ctx, id, domain.JobStatusStopped)
	return err
}

// TriggerJob runs a job immediately and waits for the outcome. A
// triggered interval job's next automatic run moves a full interval
// out.
func (d *Daemon) TriggerJob(ctx context.Context, id string) (*executor.TriggerResult, error) {
	job, err := d.registry.GetJob(id)
	if err != nil {
		return nil, err
	}

	result, err := d.executor.Trigger(ctx, job)
	if err != nil {
		return nil, err
	}
	d.sched.MarkTriggered(id)
	if next, ok := d.sched.NextRunTime(id); ok {
		d.registry.SetNextRun(id, &next)
	}
	return result, nil
}

// RemoveJob deletes a job. A running job is refused unless force, which
// kills it first.
func (d *Daemon) RemoveJob(ctx context.Context, id string, force bool) error {
	if _, err := d.registry.GetJob(id); err != nil {
		return err
	}

	if d.executor.Running(id) {
		if !force {
			return domain.E(domain.KindInvalidInput, "job %q is running; use force to kill and remove it", id)
		}
		if err := d.executor.Stop(id, ""); err != nil && !domain.IsKind(err, domain.KindNotFound) {
			return err
		}
	}

	if err := d.sched.RemoveJob(id); err == nil {
		d.metrics.JobsScheduled.Set(float64(d.sched.JobCount()))
	}
	return d.registry.RemoveJob(ctx, id)
}

// JobHistory returns executions newest first. An empty jobID spans
// every job.
func (d *Daemon) JobHistory(ctx context.Context, jobID string, limit int) ([]*domain.ExecutionRecord, error) {
	if jobID == "" {
		return d.registry.Search(domain.SearchCriteria{Limit: limit})
	}
	if _, err := d.registry.GetJob(jobID); err != nil {
		return nil, err
	}
	return d.registry.GetHistory(jobID, limit), nil
}

// JobStatistics returns aggregate statistics for one job, or the
// all-jobs overview when jobID is empty.
func (d *Daemon) JobStatistics(ctx context.Context, jobID string) (any, error) {
	if jobID == "" {
		return d.registry.GetAllStatistics(), nil
	}
	return d.registry.GetStatistics(jobID)
}

// SearchExecutions filters executions across all jobs.
func (d *Daemon) SearchExecutions(ctx context.Context, criteria domain.SearchCriteria) ([]*domain.ExecutionRecord, error) {
	return d.registry.Search(criteria)
}

// StopDaemon begins shutdown. The reply reaches the client before
// teardown starts.
func (d *Daemon) StopDaemon(ctx context.Context) error {
	go d.requestStop(false)
	return nil
}

// RestartDaemon shuts down and re-execs the binary.
func (d *Daemon) RestartDaemon(ctx context.Context) error {
	go d.requestStop(true)
	return nil
}
