package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobStatusCreated is the initial state after creation.
	JobStatusCreated JobStatus = "created"
	// JobStatusScheduled means the job sits in the scheduler heap.
	JobStatusScheduled JobStatus = "scheduled"
	// JobStatusRunning means an execution is in flight.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted means the last execution exited zero.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed means the last execution exited non-zero.
	JobStatusFailed JobStatus = "failed"
	// JobStatusKilled means the last execution died from a signal.
	JobStatusKilled JobStatus = "killed"
	// JobStatusStopped means the job was stopped by a client.
	JobStatusStopped JobStatus = "stopped"
	// JobStatusPaused means scheduling is suspended.
	JobStatusPaused JobStatus = "paused"
)

// JobType distinguishes recurring jobs from one-off submissions.
type JobType string

const (
	// JobTypeScheduled marks a job driven by the scheduler.
	JobTypeScheduled JobType = "scheduled"
	// JobTypeAdhoc marks a job run only on demand.
	JobTypeAdhoc JobType = "adhoc"
)

// jobTransitions lists the valid status transitions. Absent entries are
// invalid and rejected with INVALID_INPUT.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusCreated:   {JobStatusScheduled, JobStatusRunning, JobStatusStopped},
	JobStatusScheduled: {JobStatusRunning, JobStatusPaused, JobStatusStopped},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusKilled, JobStatusStopped},
	JobStatusCompleted: {JobStatusScheduled, JobStatusRunning, JobStatusStopped},
	JobStatusFailed:    {JobStatusScheduled, JobStatusRunning, JobStatusStopped},
	JobStatusKilled:    {JobStatusScheduled, JobStatusRunning, JobStatusStopped},
	JobStatusStopped:   {JobStatusScheduled, JobStatusRunning},
	JobStatusPaused:    {JobStatusScheduled, JobStatusRunning, JobStatusStopped},
}

// ValidateStatusTransition checks whether a job may move from one status
// to another.
func ValidateStatusTransition(from, to JobStatus) error {
	if from == to {
		return nil
	}
	for _, allowed := range jobTransitions[from] {
		if to == allowed {
			return nil
		}
	}
	return E(KindInvalidInput, "invalid job status transition from %q to %q", from, to)
}

// ScheduleKind selects the schedule variant of a job.
type ScheduleKind string

const (
	// ScheduleNone marks a one-shot job with no recurrence.
	ScheduleNone ScheduleKind = "none"
	// ScheduleInterval recurs every IntervalMs milliseconds.
	ScheduleInterval ScheduleKind = "interval"
	// ScheduleCron recurs per a classic 5-field cron expression.
	ScheduleCron ScheduleKind = "cron"
)

// Schedule is the tagged schedule variant carried by a JobSpec. Exactly
// one of IntervalMs and Cron is meaningful, selected by Kind.
type Schedule struct {
	Kind       ScheduleKind `db:"schedule_kind" json:"kind"`
	IntervalMs int64        `db:"interval_ms"   json:"intervalMs,omitempty"`
	Cron       string       `db:"cron_expr"     json:"cron,omitempty"`
}

// Validate performs structural checks on the schedule. Full cron grammar
// validation happens where the expression is parsed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleNone, "":
		return nil
	case ScheduleInterval:
		if s.IntervalMs <= 0 {
			return E(KindInvalidInput, "interval must be a positive number of milliseconds, got %d", s.IntervalMs)
		}
		return nil
	case ScheduleCron:
		fields := strings.Fields(s.Cron)
		if len(fields) != cronFieldCount {
			return E(KindInvalidInput, "cron expression must have %d fields (minute hour day-of-month month day-of-week), got %d", cronFieldCount, len(fields))
		}
		return nil
	default:
		return E(KindInvalidInput, "unknown schedule kind %q", s.Kind)
	}
}

// IsRecurring reports whether the schedule fires more than once.
func (s Schedule) IsRecurring() bool {
	return s.Kind == ScheduleInterval || s.Kind == ScheduleCron
}

// Interval returns the interval as a duration. Zero for non-interval kinds.
func (s Schedule) Interval() time.Duration {
	if s.Kind != ScheduleInterval {
		return 0
	}
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// String renders the schedule for logs and tables.
func (s Schedule) String() string {
	switch s.Kind {
	case ScheduleInterval:
		return fmt.Sprintf("every %s", s.Interval())
	case ScheduleCron:
		return "cron " + s.Cron
	default:
		return "none"
	}
}

const cronFieldCount = 5

// DefaultPriority is assigned to jobs that do not specify one. Lower
// numeric priority runs later when several jobs are due together.
const DefaultPriority = 5

// JobSpec is the persistent description of a command plus schedule plus
// environment to be run by the daemon.
type JobSpec struct {
	// Identity
	ID   string `db:"id"   json:"id"`
	Name string `db:"name" json:"name"`

	// What to run
	Command string            `db:"command"     json:"command"`
	Cwd     string            `db:"cwd"         json:"cwd,omitempty"`
	Env     map[string]string `db:"-"           json:"env,omitempty"`
	User    string            `db:"run_as_user" json:"user,omitempty"`

	// Classification
	Tags     []string `db:"-"        json:"tags,omitempty"`
	Priority int      `db:"priority" json:"priority"`
	Type     JobType  `db:"type"     json:"type"`

	// When to run
	Schedule Schedule  `db:"-"      json:"schedule"`
	Status   JobStatus `db:"status" json:"status"`

	// Execution policy
	MaxRetries   int   `db:"max_retries"   json:"maxRetries"`
	TimeoutMs    int64 `db:"timeout_ms"    json:"timeoutMs"`
	DatabaseSync bool  `db:"database_sync" json:"databaseSync"`

	// Timestamps
	CreatedAt   time.Time  `db:"created_at"   json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updatedAt"`
	StartedAt   *time.Time `db:"started_at"   json:"startedAt,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	NextRun     *time.Time `db:"next_run"     json:"nextRun,omitempty"`
}

// Validate checks the spec fields that every backend relies on.
func (j *JobSpec) Validate() error {
	if j.ID == "" {
		return E(KindInvalidInput, "job id is required")
	}
	if strings.TrimSpace(j.Command) == "" {
		return E(KindInvalidInput, "job command must not be empty")
	}
	if j.Cwd != "" && !strings.HasPrefix(j.Cwd, "/") {
		return E(KindInvalidInput, "job cwd must be an absolute path, got %q", j.Cwd)
	}
	return j.Schedule.Validate()
}

// Clone returns a deep copy so callers can mutate without racing the
// registry's copy.
func (j *JobSpec) Clone() *JobSpec {
	cp := *j
	if j.Env != nil {
		cp.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			cp.Env[k] = v
		}
	}
	if j.Tags != nil {
		cp.Tags = append([]string(nil), j.Tags...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.NextRun != nil {
		t := *j.NextRun
		cp.NextRun = &t
	}
	return &cp
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	Status JobStatus `json:"status,omitempty"`
	Type   JobType   `json:"type,omitempty"`
	Tags   []string  `json:"tags,omitempty"`
	Name   string    `json:"name,omitempty"`
}

// Matches reports whether the job satisfies every constraint in the filter.
func (f JobFilter) Matches(j *JobSpec) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.Name != "" && !strings.Contains(strings.ToLower(j.Name), strings.ToLower(f.Name)) {
		return false
	}
	for _, want := range f.Tags {
		if !containsTag(j.Tags, want) {
			return false
		}
	}
	return true
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
