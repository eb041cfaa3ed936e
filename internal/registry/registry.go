// Package registry tracks jobs and their execution records in memory,
// persisting through the storage backend and enforcing retention caps.
package registry

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/events"
	"github.com/gwicho38/lsh/internal/logger"
	"github.com/gwicho38/lsh/internal/storage"
)

// Config bounds the registry's memory and disk footprint.
type Config struct {
	MaxRecordsPerJob int
	MaxTotalRecords  int
	MaxOutputBytes   int64
	RetentionDays    int
	MirrorLogs       bool
	LogsDir          string
}

// Defaults applied when a bound is unset.
const (
	DefaultMaxRecordsPerJob = 200
	DefaultMaxTotalRecords  = 10_000
	DefaultMaxOutputBytes   = 1 << 20
	DefaultRetentionDays    = 30
)

func (c *Config) applyDefaults() {
	if c.MaxRecordsPerJob <= 0 {
		c.MaxRecordsPerJob = DefaultMaxRecordsPerJob
	}
	if c.MaxTotalRecords <= 0 {
		c.MaxTotalRecords = DefaultMaxTotalRecords
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
}

// Registry is the in-memory source of truth for jobs and executions.
type Registry struct {
	mu         sync.RWMutex
	jobs       map[string]*domain.JobSpec
	jobOrder   []string
	executions map[string][]*domain.ExecutionRecord
	byExecID   map[string]*domain.ExecutionRecord
	mirrors    map[string]*os.File
	total      int

	cfg      Config
	store    storage.Store
	bus      *events.Bus
	log      logger.Interface
	hostname string
	now      func() time.Time
}

// Params holds the registry's dependencies.
type Params struct {
	Store  storage.Store
	Bus    *events.Bus
	Logger logger.Interface
	Config Config
}

// New creates a registry. Call Restore to load persisted state.
func New(p Params) *Registry {
	log := p.Logger
	if log == nil {
		log = logger.NewNoOp()
	}
	p.Config.applyDefaults()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Registry{
		jobs:       make(map[string]*domain.JobSpec),
		executions: make(map[string][]*domain.ExecutionRecord),
		byExecID:   make(map[string]*domain.ExecutionRecord),
		mirrors:    make(map[string]*os.File),
		cfg:        p.Config,
		store:      p.Store,
		bus:        p.Bus,
		log:        log.WithComponent("registry"),
		hostname:   hostname,
		now:        time.Now,
	}
}

// CreateJob registers a new job. A duplicate id is ALREADY_EXISTS.
func (r *Registry) CreateJob(ctx context.Context, spec *domain.JobSpec) (*domain.JobSpec, error) {
	if spec == nil {
		return nil, domain.E(domain.KindInvalidInput, "job spec is required")
	}

	job := spec.Clone()
	if job.Priority == 0 {
		job.Priority = domain.DefaultPriority
	}
	if job.Type == "" {
		job.Type = domain.JobTypeAdhoc
		if job.Schedule.IsRecurring() {
			job.Type = domain.JobTypeScheduled
		}
	}
	if job.Status == "" {
		job.Status = domain.JobStatusCreated
	}
	now := r.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := job.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, ok := r.jobs[job.ID]; ok {
		r.mu.Unlock()
		return nil, domain.AlreadyExists("job", job.ID)
	}
	r.jobs[job.ID] = job
	r.jobOrder = append(r.jobOrder, job.ID)
	r.mu.Unlock()

	if err := r.store.Put(ctx, storage.CollectionJobs, job.ID, job); err != nil {
		r.log.Error("failed to persist job", "job_id", job.ID, "error", err)
		r.mu.Lock()
		delete(r.jobs, job.ID)
		r.removeFromOrder(job.ID)
		r.mu.Unlock()
		return nil, err
	}

	r.log.Info("job created", "job_id", job.ID, "name", job.Name, "type", string(job.Type))
	return job.Clone(), nil
}

// UpdateJob replaces a job's mutable fields. Status changes are checked
// against the transition table.
func (r *Registry) UpdateJob(ctx context.Context, spec *domain.JobSpec) (*domain.JobSpec, error) {
	if spec == nil {
		return nil, domain.E(domain.KindInvalidInput, "job spec is required")
	}

	r.mu.Lock()
	existing, ok := r.jobs[spec.ID]
	if !ok {
		r.mu.Unlock()
		return nil, domain.NotFound("job", spec.ID)
	}

	updated := spec.Clone()
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = r.now().UTC()
	if updated.Status == "" {
		updated.Status = existing.Status
	} else if updated.Status != existing.Status {
		if err := domain.ValidateStatusTransition(existing.Status, updated.Status); err != nil {
			r.mu.Unlock()
			return nil, err
		}
	}
	if err := updated.Validate(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.jobs[spec.ID] = updated
	r.mu.Unlock()

	if err := r.store.Put(ctx, storage.CollectionJobs, updated.ID, updated); err != nil {
		return nil, err
	}
	return updated.Clone(), nil
}

// SetJobStatus transitions a job, persisting the change.
func (r *Registry) SetJobStatus(ctx context.Context, jobID string, status domain.JobStatus) (*domain.JobSpec, error) {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return nil, domain.NotFound("job", jobID)
	}
	if err := domain.ValidateStatusTransition(job.Status, status); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	job.Status = status
	job.UpdatedAt = r.now().UTC()
	now := job.UpdatedAt
	switch status {
	case domain.JobStatusRunning:
		job.StartedAt = &now
	case domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusKilled, domain.JobStatusStopped:
		job.CompletedAt = &now
	}
	snapshot := job.Clone()
	r.mu.Unlock()

	if err := r.store.Put(ctx, storage.CollectionJobs, snapshot.ID, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// SetNextRun records the scheduler's next fire time for display.
func (r *Registry) SetNextRun(jobID string, next *time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.NextRun = next
	}
}

// GetJob returns a copy of the job.
func (r *Registry) GetJob(jobID string) (*domain.JobSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, domain.NotFound("job", jobID)
	}
	return job.Clone(), nil
}

// ListJobs returns jobs in creation order, optionally filtered.
func (r *Registry) ListJobs(filter *domain.JobFilter) []*domain.JobSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.JobSpec, 0, len(r.jobOrder))
	for _, id := range r.jobOrder {
		job, ok := r.jobs[id]
		if !ok {
			continue
		}
		if filter != nil && !filter.Matches(job) {
			continue
		}
		out = append(out, job.Clone())
	}
	return out
}

// RemoveJob deletes the job. Execution history survives until cleanup.
func (r *Registry) RemoveJob(ctx context.Context, jobID string) error {
	r.mu.Lock()
	if _, ok := r.jobs[jobID]; !ok {
		r.mu.Unlock()
		return domain.NotFound("job", jobID)
	}
	delete(r.jobs, jobID)
	r.removeFromOrder(jobID)
	r.mu.Unlock()

	if err := r.store.Delete(ctx, storage.CollectionJobs, jobID); err != nil && !domain.IsKind(err, domain.KindNotFound) {
		return err
	}
	r.log.Info("job removed", "job_id", jobID)
	return nil
}

func (r *Registry) removeFromOrder(jobID string) {
	for i, id := range r.jobOrder {
		if id == jobID {
			r.jobOrder = append(r.jobOrder[:i], r.jobOrder[i+1:]...)
			return
		}
	}
}

// Restore loads persisted jobs and executions. Records left running by
// a previous daemon are sealed as failed.
func (r *Registry) Restore(ctx context.Context) error {
	var jobs []*domain.JobSpec
	if err := r.store.List(ctx, storage.CollectionJobs, &jobs); err != nil {
		return err
	}

	var records []*domain.ExecutionRecord
	if err := r.store.List(ctx, storage.CollectionExecutions, &records); err != nil {
		return err
	}

	r.mu.Lock()
	for _, job := range jobs {
		if _, ok := r.jobs[job.ID]; ok {
			continue
		}
		r.jobs[job.ID] = job
		r.jobOrder = append(r.jobOrder, job.ID)
	}

	interrupted := 0
	for _, rec := range records {
		if !rec.Sealed() {
			rec.Status = domain.ExecutionFailed
			msg := "daemon restarted during execution"
			errType := "daemon_restart"
			rec.ErrorMessage = &msg
			rec.ErrorType = &errType
			end := r.now().UTC()
			rec.EndTime = &end
			dur := end.Sub(rec.StartTime).Milliseconds()
			rec.DurationMs = &dur
			interrupted++
		}
		r.executions[rec.JobID] = append(r.executions[rec.JobID], rec)
		r.byExecID[rec.ExecutionID] = rec
		r.total++
	}
	for jobID := range r.executions {
		recs := r.executions[jobID]
		sort.Slice(recs, func(i, j int) bool { return recs[i].StartTime.Before(recs[j].StartTime) })
	}
	r.mu.Unlock()

	for _, rec := range records {
		if rec.ErrorType != nil && *rec.ErrorType == "daemon_restart" {
			if err := r.store.Put(ctx, storage.CollectionExecutions, rec.ExecutionID, rec); err != nil {
				r.log.Warn("failed to persist interrupted execution", "execution_id", rec.ExecutionID, "error", err)
			}
		}
	}

	r.log.Info("registry restored",
		"jobs", len(jobs),
		"executions", len(records),
		"interrupted", interrupted)
	return nil
}

// Close seals open log mirrors.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, f := range r.mirrors {
		f.Close()
		delete(r.mirrors, id)
	}
	return nil
}
