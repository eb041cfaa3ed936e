package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/events"
	"github.com/gwicho38/lsh/internal/storage"
)

// StartOptions carries per-invocation context into RecordStart.
type StartOptions struct {
	ExecutionID string
	PID         int
	PPID        int
	Scheduled   bool
	RetryCount  int
	ParentJobID *string
}

// Completion seals an execution record.
type Completion struct {
	Status       domain.ExecutionStatus
	ExitCode     *int
	Signal       *string
	ErrorType    *string
	ErrorMessage *string
	StackTrace   *string
	MaxMemoryMB  *float64
	AvgCPUPct    *float64
	DiskIOMB     *float64
}

// newExecutionID allocates an id of the form exec_<epochms>_<rand>.
func newExecutionID(now time.Time) string {
	rand := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("exec_%d_%s", now.UnixMilli(), rand)
}

// RecordStart opens a running execution record for the job. A job can
// have at most one live execution; a duplicate start is ALREADY_EXISTS.
func (r *Registry) RecordStart(ctx context.Context, spec *domain.JobSpec, opts StartOptions) (*domain.ExecutionRecord, error) {
	if spec == nil {
		return nil, domain.E(domain.KindInvalidInput, "job spec is required")
	}

	now := r.now().UTC()
	execID := opts.ExecutionID
	if execID == "" {
		execID = newExecutionID(now)
	}

	rec := &domain.ExecutionRecord{
		ExecutionID:      execID,
		JobID:            spec.ID,
		JobName:          spec.Name,
		Command:          spec.Command,
		StartTime:        now,
		Status:           domain.ExecutionRunning,
		PID:              opts.PID,
		PPID:             opts.PPID,
		WorkingDirectory: spec.Cwd,
		User:             spec.User,
		Hostname:         r.hostname,
		Priority:         spec.Priority,
		Scheduled:        opts.Scheduled,
		RetryCount:       opts.RetryCount,
		ParentJobID:      opts.ParentJobID,
	}
	if len(spec.Env) > 0 {
		rec.Environment = make(map[string]string, len(spec.Env))
		for k, v := range spec.Env {
			rec.Environment[k] = v
		}
	}
	if len(spec.Tags) > 0 {
		rec.Tags = append([]string(nil), spec.Tags...)
	}
	if r.cfg.MirrorLogs && r.cfg.LogsDir != "" {
		rec.LogFile = filepath.Join(r.cfg.LogsDir, execID+".log")
	}

	r.mu.Lock()
	if _, ok := r.byExecID[execID]; ok {
		r.mu.Unlock()
		return nil, domain.AlreadyExists("execution", execID)
	}
	for _, existing := range r.executions[spec.ID] {
		if !existing.Sealed() {
			r.mu.Unlock()
			return nil, domain.E(domain.KindAlreadyExists,
				"job %s already has a running execution %s", spec.ID, existing.ExecutionID)
		}
	}
	r.executions[spec.ID] = append(r.executions[spec.ID], rec)
	r.byExecID[execID] = rec
	r.total++
	evicted := r.evictLocked()
	r.mu.Unlock()

	r.discard(ctx, evicted)
	r.publish(events.Event{
		Type:        events.ExecutionStarted,
		JobID:       spec.ID,
		ExecutionID: execID,
	})

	r.log.Info("execution started",
		"job_id", spec.ID,
		"execution_id", execID,
		"pid", opts.PID)
	return rec.Clone(), nil
}

// RecordOutput appends a chunk of stdout or stderr. The in-memory buffer
// honors the output cap; the log mirror receives everything. Chunks
// arriving after the record is sealed are ignored.
func (r *Registry) RecordOutput(ctx context.Context, executionID, stream string, data []byte) error {
	if stream != "stdout" && stream != "stderr" {
		return domain.E(domain.KindInvalidInput, "unknown stream %q", stream)
	}
	if len(data) == 0 {
		return nil
	}

	r.mu.Lock()
	rec, ok := r.byExecID[executionID]
	if !ok {
		r.mu.Unlock()
		return domain.NotFound("execution", executionID)
	}
	if rec.Sealed() {
		r.mu.Unlock()
		return nil
	}

	rec.OutputSize += int64(len(data))
	buffered := int64(len(rec.Stdout) + len(rec.Stderr))
	if remaining := r.cfg.MaxOutputBytes - buffered; remaining > 0 {
		chunk := data
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
			rec.Truncated = true
		}
		if stream == "stdout" {
			rec.Stdout += string(chunk)
		} else {
			rec.Stderr += string(chunk)
		}
	} else {
		rec.Truncated = true
	}

	var mirror *os.File
	if r.cfg.MirrorLogs && rec.LogFile != "" {
		mirror = r.mirrors[executionID]
		if mirror == nil {
			f, err := r.openMirror(rec.LogFile)
			if err != nil {
				r.log.Warn("failed to open log mirror", "execution_id", executionID, "error", err)
			} else {
				r.mirrors[executionID] = f
				mirror = f
			}
		}
	}
	r.mu.Unlock()

	if mirror != nil {
		if _, err := mirror.Write(data); err != nil {
			r.log.Warn("failed to mirror output", "execution_id", executionID, "error", err)
		}
	}

	r.publish(events.Event{
		Type:        events.OutputRecorded,
		JobID:       rec.JobID,
		ExecutionID: executionID,
		Stream:      stream,
		Data:        data,
	})
	return nil
}

func (r *Registry) openMirror(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

// RecordCompletion seals the record. Sealing twice is a no-op that
// returns the already-sealed record.
func (r *Registry) RecordCompletion(ctx context.Context, executionID string, c Completion) (*domain.ExecutionRecord, error) {
	if !c.Status.Terminal() {
		return nil, domain.E(domain.KindInvalidInput, "completion status %q is not terminal", c.Status)
	}

	r.mu.Lock()
	rec, ok := r.byExecID[executionID]
	if !ok {
		r.mu.Unlock()
		return nil, domain.NotFound("execution", executionID)
	}
	if rec.Sealed() {
		snapshot := rec.Clone()
		r.mu.Unlock()
		return snapshot, nil
	}

	end := r.now().UTC()
	dur := end.Sub(rec.StartTime).Milliseconds()
	if dur < 0 {
		dur = 0
	}
	rec.EndTime = &end
	rec.DurationMs = &dur
	rec.Status = c.Status
	rec.ExitCode = c.ExitCode
	rec.Signal = c.Signal
	rec.ErrorType = c.ErrorType
	rec.ErrorMessage = c.ErrorMessage
	rec.StackTrace = c.StackTrace
	rec.MaxMemoryMB = c.MaxMemoryMB
	rec.AvgCPUPct = c.AvgCPUPct
	rec.DiskIOMB = c.DiskIOMB

	if mirror, ok := r.mirrors[executionID]; ok {
		mirror.Close()
		delete(r.mirrors, executionID)
	}
	snapshot := rec.Clone()
	r.mu.Unlock()

	if err := r.store.Put(ctx, storage.CollectionExecutions, executionID, snapshot); err != nil {
		r.log.Error("failed to persist execution", "execution_id", executionID, "error", err)
	}

	r.publish(events.Event{
		Type:        events.ExecutionCompleted,
		JobID:       snapshot.JobID,
		ExecutionID: executionID,
		Record:      snapshot,
	})

	r.log.Info("execution completed",
		"job_id", snapshot.JobID,
		"execution_id", executionID,
		"status", string(snapshot.Status),
		"duration_ms", dur)
	return snapshot, nil
}

// GetExecution returns a copy of one record.
func (r *Registry) GetExecution(executionID string) (*domain.ExecutionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byExecID[executionID]
	if !ok {
		return nil, domain.NotFound("execution", executionID)
	}
	return rec.Clone(), nil
}

// GetHistory returns the job's records newest first. A zero limit means
// everything retained.
func (r *Registry) GetHistory(jobID string, limit int) []*domain.ExecutionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := r.executions[jobID]
	n := len(recs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.ExecutionRecord, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i].Clone())
	}
	return out
}

// TotalRecords reports the number of retained execution records.
func (r *Registry) TotalRecords() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// evictLocked enforces the per-job and global caps, oldest first.
// Returns evicted records for out-of-lock disposal.
func (r *Registry) evictLocked() []*domain.ExecutionRecord {
	var evicted []*domain.ExecutionRecord

	for jobID, recs := range r.executions {
		for len(recs) > r.cfg.MaxRecordsPerJob {
			evicted = append(evicted, recs[0])
			delete(r.byExecID, recs[0].ExecutionID)
			recs = recs[1:]
			r.total--
		}
		r.executions[jobID] = recs
	}

	for r.total > r.cfg.MaxTotalRecords {
		oldestJob := ""
		var oldest *domain.ExecutionRecord
		for jobID, recs := range r.executions {
			if len(recs) == 0 {
				continue
			}
			if oldest == nil || recs[0].StartTime.Before(oldest.StartTime) {
				oldest = recs[0]
				oldestJob = jobID
			}
		}
		if oldest == nil {
			break
		}
		evicted = append(evicted, oldest)
		delete(r.byExecID, oldest.ExecutionID)
		r.executions[oldestJob] = r.executions[oldestJob][1:]
		r.total--
	}

	return evicted
}

// discard removes evicted records from the store and unlinks their log
// files. Best effort; the memory bound already held.
func (r *Registry) discard(ctx context.Context, evicted []*domain.ExecutionRecord) {
	for _, rec := range evicted {
		if err := r.store.Delete(ctx, storage.CollectionExecutions, rec.ExecutionID); err != nil && !domain.IsKind(err, domain.KindNotFound) {
			r.log.Warn("failed to remove evicted execution", "execution_id", rec.ExecutionID, "error", err)
		}
		if rec.LogFile != "" {
			if err := os.Remove(rec.LogFile); err != nil && !os.IsNotExist(err) {
				r.log.Warn("failed to unlink log file", "path", rec.LogFile, "error", err)
			}
		}
	}
	if len(evicted) > 0 {
		r.log.Debug("evicted execution records", "count", len(evicted))
	}
}

func (r *Registry) publish(ev events.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}
