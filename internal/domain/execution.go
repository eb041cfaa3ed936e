package domain

import (
	"time"
)

// ExecutionStatus represents the terminal or in-flight state of one run.
type ExecutionStatus string

const (
	// ExecutionRunning marks an execution with a live process.
	ExecutionRunning ExecutionStatus = "running"
	// ExecutionCompleted marks an exit code of zero.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed marks a non-zero exit code.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionKilled marks termination by a signal.
	ExecutionKilled ExecutionStatus = "killed"
	// ExecutionTimeout marks termination by the job's timeout.
	ExecutionTimeout ExecutionStatus = "timeout"
)

// Terminal reports whether the status seals the record.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning && s != ""
}

// ExecutionRecord is the durable log of one invocation of a job. Created
// at spawn, mutated only by its supervising executor, sealed on
// completion, immutable afterwards.
type ExecutionRecord struct {
	// Identity
	ExecutionID string `db:"execution_id" json:"executionId"`
	JobID       string `db:"job_id"       json:"jobId"`
	JobName     string `db:"job_name"     json:"jobName"`
	Command     string `db:"command"      json:"command"`

	// Timing
	StartTime  time.Time  `db:"start_time"  json:"startTime"`
	EndTime    *time.Time `db:"end_time"    json:"endTime,omitempty"`
	DurationMs *int64     `db:"duration_ms" json:"durationMs,omitempty"`

	// Result
	Status   ExecutionStatus `db:"status"    json:"status"`
	ExitCode *int            `db:"exit_code" json:"exitCode,omitempty"`
	Signal   *string         `db:"signal"    json:"signal,omitempty"`
	PID      int             `db:"pid"       json:"pid,omitempty"`
	PPID     int             `db:"ppid"      json:"ppid,omitempty"`

	// Captured output
	Stdout     string `db:"stdout"      json:"stdout,omitempty"`
	Stderr     string `db:"stderr"      json:"stderr,omitempty"`
	OutputSize int64  `db:"output_size" json:"outputSize"`
	Truncated  bool   `db:"truncated"   json:"truncated,omitempty"`
	LogFile    string `db:"log_file"    json:"logFile,omitempty"`

	// Resource usage (best effort)
	MaxMemoryMB *float64 `db:"max_memory_mb" json:"maxMemoryMB,omitempty"`
	AvgCPUPct   *float64 `db:"avg_cpu_pct"   json:"avgCpuPct,omitempty"`
	DiskIOMB    *float64 `db:"disk_io_mb"    json:"diskIoMB,omitempty"`

	// Context snapshot
	Environment      map[string]string `db:"-"                 json:"environment,omitempty"`
	WorkingDirectory string            `db:"working_directory" json:"workingDirectory,omitempty"`
	User             string            `db:"run_as_user"       json:"user,omitempty"`
	Hostname         string            `db:"hostname"          json:"hostname,omitempty"`
	Tags             []string          `db:"-"                 json:"tags,omitempty"`
	Priority         int               `db:"priority"          json:"priority"`
	Scheduled        bool              `db:"scheduled"         json:"scheduled"`
	RetryCount       int               `db:"retry_count"       json:"retryCount"`
	ParentJobID      *string           `db:"parent_job_id"     json:"parentJobId,omitempty"`

	// Failure detail
	ErrorType    *string `db:"error_type"    json:"errorType,omitempty"`
	ErrorMessage *string `db:"error_message" json:"errorMessage,omitempty"`
	StackTrace   *string `db:"stack_trace"   json:"stackTrace,omitempty"`
}

// Sealed reports whether the record reached a terminal status.
func (r *ExecutionRecord) Sealed() bool {
	return r.Status.Terminal()
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	cp := *r
	if r.EndTime != nil {
		t := *r.EndTime
		cp.EndTime = &t
	}
	if r.DurationMs != nil {
		v := *r.DurationMs
		cp.DurationMs = &v
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		cp.ExitCode = &v
	}
	if r.Signal != nil {
		v := *r.Signal
		cp.Signal = &v
	}
	if r.MaxMemoryMB != nil {
		v := *r.MaxMemoryMB
		cp.MaxMemoryMB = &v
	}
	if r.AvgCPUPct != nil {
		v := *r.AvgCPUPct
		cp.AvgCPUPct = &v
	}
	if r.DiskIOMB != nil {
		v := *r.DiskIOMB
		cp.DiskIOMB = &v
	}
	if r.Environment != nil {
		cp.Environment = make(map[string]string, len(r.Environment))
		for k, v := range r.Environment {
			cp.Environment[k] = v
		}
	}
	if r.Tags != nil {
		cp.Tags = append([]string(nil), r.Tags...)
	}
	if r.ParentJobID != nil {
		v := *r.ParentJobID
		cp.ParentJobID = &v
	}
	if r.ErrorType != nil {
		v := *r.ErrorType
		cp.ErrorType = &v
	}
	if r.ErrorMessage != nil {
		v := *r.ErrorMessage
		cp.ErrorMessage = &v
	}
	if r.StackTrace != nil {
		v := *r.StackTrace
		cp.StackTrace = &v
	}
	return &cp
}

// Trend classifies the recent success rate against the lifetime rate.
type Trend string

const (
	// TrendImproving means recent runs beat the lifetime success rate.
	TrendImproving Trend = "improving"
	// TrendDegrading means recent runs fall below the lifetime rate.
	TrendDegrading Trend = "degrading"
	// TrendStable means no significant movement either way.
	TrendStable Trend = "stable"
)

// FailurePattern aggregates failures sharing a verbatim error message.
type FailurePattern struct {
	Message    string  `json:"message"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// JobStatistics is the derived per-job view cached by the registry and
// recomputed on every completion.
type JobStatistics struct {
	JobID   string `json:"jobId"`
	JobName string `json:"jobName"`

	TotalExecutions int `json:"totalExecutions"`
	Completed       int `json:"completed"`
	Failed          int `json:"failed"`
	Killed          int `json:"killed"`
	Timeout         int `json:"timeout"`
	Running         int `json:"running"`

	// SuccessRate is a percentage, completed/sealed*100.
	SuccessRate float64 `json:"successRate"`

	MinDurationMs   int64   `json:"minDurationMs"`
	AvgDurationMs   float64 `json:"avgDurationMs"`
	MaxDurationMs   int64   `json:"maxDurationMs"`
	TotalDurationMs int64   `json:"totalDurationMs"`

	AvgMemoryMB *float64 `json:"avgMemoryMB,omitempty"`
	AvgCPUPct   *float64 `json:"avgCpuPct,omitempty"`

	LastExecutionAt *time.Time       `json:"lastExecutionAt,omitempty"`
	RecentTrend     Trend            `json:"recentTrend"`
	CommonFailures  []FailurePattern `json:"commonFailures,omitempty"`
}

// AggregateStatistics is the daemon-wide rollup across all jobs.
type AggregateStatistics struct {
	TotalJobs       int     `json:"totalJobs"`
	TotalExecutions int     `json:"totalExecutions"`
	Running         int     `json:"running"`
	SuccessRate     float64 `json:"successRate"`
	AvgDurationMs   float64 `json:"avgDurationMs"`
}

// SearchCriteria selects execution records by composite predicates. Zero
// values match everything; all set fields must match.
type SearchCriteria struct {
	JobID         string            `json:"jobId,omitempty"`
	Statuses      []ExecutionStatus `json:"statuses,omitempty"`
	Since         *time.Time        `json:"since,omitempty"`
	Until         *time.Time        `json:"until,omitempty"`
	MinDurationMs *int64            `json:"minDurationMs,omitempty"`
	MaxDurationMs *int64            `json:"maxDurationMs,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	User          string            `json:"user,omitempty"`
	CommandRegex  string            `json:"commandRegex,omitempty"`
	ExitCodes     []int             `json:"exitCodes,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}
