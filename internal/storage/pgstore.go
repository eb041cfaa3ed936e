package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/logger"
)

// PgConfig holds the PostgreSQL connection settings.
type PgConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

const defaultPingTimeout = 5 * time.Second

// PgStore is the remote relational backend. Jobs and executions live in
// typed snake_case tables; every other collection lives in a generic
// JSONB table. Deletes are soft (deleted_at).
type PgStore struct {
	db  *sqlx.DB
	log logger.Interface
}

// NewPgStore connects and verifies the database.
func NewPgStore(ctx context.Context, cfg PgConfig, log logger.Interface) (*PgStore, error) {
	if log == nil {
		log = logger.NewNoOp()
	}
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, domain.WrapErr(domain.KindStorageFailure, err, "failed to connect to database")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, domain.WrapErr(domain.KindStorageFailure, err, "failed to ping database")
	}

	return &PgStore{db: db, log: log.WithComponent("pgstore")}, nil
}

// NewPgStoreFromDB wraps an existing connection. Used by tests.
func NewPgStoreFromDB(db *sqlx.DB, log logger.Interface) *PgStore {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &PgStore{db: db, log: log.WithComponent("pgstore")}
}

// Schema returns the DDL for all tables.
func Schema() string {
	return pgSchema
}

// Migrate applies the schema. Statements are idempotent.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to apply schema")
	}
	return nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	command        TEXT NOT NULL,
	cwd            TEXT NOT NULL DEFAULT '',
	env            JSONB NOT NULL DEFAULT '{}',
	run_as_user    TEXT NOT NULL DEFAULT '',
	tags           JSONB NOT NULL DEFAULT '[]',
	priority       INTEGER NOT NULL DEFAULT 5,
	type           TEXT NOT NULL DEFAULT 'adhoc',
	schedule_kind  TEXT NOT NULL DEFAULT 'none',
	interval_ms    BIGINT NOT NULL DEFAULT 0,
	cron_expr      TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'created',
	max_retries    INTEGER NOT NULL DEFAULT 0,
	timeout_ms     BIGINT NOT NULL DEFAULT 0,
	database_sync  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	next_run       TIMESTAMPTZ,
	inserted_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS executions (
	execution_id      TEXT PRIMARY KEY,
	job_id            TEXT NOT NULL,
	job_name          TEXT NOT NULL DEFAULT '',
	command           TEXT NOT NULL DEFAULT '',
	start_time        TIMESTAMPTZ NOT NULL,
	end_time          TIMESTAMPTZ,
	duration_ms       BIGINT,
	status            TEXT NOT NULL,
	exit_code         INTEGER,
	signal            TEXT,
	pid               INTEGER NOT NULL DEFAULT 0,
	ppid              INTEGER NOT NULL DEFAULT 0,
	stdout            TEXT NOT NULL DEFAULT '',
	stderr            TEXT NOT NULL DEFAULT '',
	output_size       BIGINT NOT NULL DEFAULT 0,
	truncated         BOOLEAN NOT NULL DEFAULT FALSE,
	log_file          TEXT NOT NULL DEFAULT '',
	max_memory_mb     DOUBLE PRECISION,
	avg_cpu_pct       DOUBLE PRECISION,
	disk_io_mb        DOUBLE PRECISION,
	environment       JSONB NOT NULL DEFAULT '{}',
	working_directory TEXT NOT NULL DEFAULT '',
	run_as_user       TEXT NOT NULL DEFAULT '',
	hostname          TEXT NOT NULL DEFAULT '',
	tags              JSONB NOT NULL DEFAULT '[]',
	priority          INTEGER NOT NULL DEFAULT 5,
	scheduled         BOOLEAN NOT NULL DEFAULT FALSE,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	parent_job_id     TEXT,
	error_type        TEXT,
	error_message     TEXT,
	stack_trace       TEXT,
	inserted_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_executions_job_id ON executions (job_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_executions_start_time ON executions (start_time DESC);

CREATE TABLE IF NOT EXISTS collections (
	collection  TEXT NOT NULL,
	id          TEXT NOT NULL,
	data        JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at  TIMESTAMPTZ,
	PRIMARY KEY (collection, id)
);
`

// jobRow adapts domain.JobSpec to the jobs table.
type jobRow struct {
	ID           string      `db:"id"`
	Name         string      `db:"name"`
	Command      string      `db:"command"`
	Cwd          string      `db:"cwd"`
	Env          JSONMap     `db:"env"`
	RunAsUser    string      `db:"run_as_user"`
	Tags         JSONStrings `db:"tags"`
	Priority     int         `db:"priority"`
	Type         string      `db:"type"`
	ScheduleKind string      `db:"schedule_kind"`
	IntervalMs   int64       `db:"interval_ms"`
	CronExpr     string      `db:"cron_expr"`
	Status       string      `db:"status"`
	MaxRetries   int         `db:"max_retries"`
	TimeoutMs    int64       `db:"timeout_ms"`
	DatabaseSync bool        `db:"database_sync"`
	CreatedAt    time.Time   `db:"created_at"`
	UpdatedAt    time.Time   `db:"updated_at"`
	StartedAt    *time.Time  `db:"started_at"`
	CompletedAt  *time.Time  `db:"completed_at"`
	NextRun      *time.Time  `db:"next_run"`
	InsertedAt   time.Time   `db:"inserted_at"`
	DeletedAt    *time.Time  `db:"deleted_at"`
}

func (r *jobRow) toSpec() *domain.JobSpec {
	kind := domain.ScheduleKind(r.ScheduleKind)
	if kind == "" {
		kind = domain.ScheduleNone
	}
	return &domain.JobSpec{
		ID:       r.ID,
		Name:     r.Name,
		Command:  r.Command,
		Cwd:      r.Cwd,
		Env:      map[string]string(r.Env),
		User:     r.RunAsUser,
		Tags:     []string(r.Tags),
		Priority: r.Priority,
		Type:     domain.JobType(r.Type),
		Schedule: domain.Schedule{
			Kind:       kind,
			IntervalMs: r.IntervalMs,
			Cron:       r.CronExpr,
		},
		Status:       domain.JobStatus(r.Status),
		MaxRetries:   r.MaxRetries,
		TimeoutMs:    r.TimeoutMs,
		DatabaseSync: r.DatabaseSync,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		NextRun:      r.NextRun,
	}
}

// executionRow adapts domain.ExecutionRecord to the executions table.
type executionRow struct {
	ExecutionID      string      `db:"execution_id"`
	JobID            string      `db:"job_id"`
	JobName          string      `db:"job_name"`
	Command          string      `db:"command"`
	StartTime        time.Time   `db:"start_time"`
	EndTime          *time.Time  `db:"end_time"`
	DurationMs       *int64      `db:"duration_ms"`
	Status           string      `db:"status"`
	ExitCode         *int        `db:"exit_code"`
	Signal           *string     `db:"signal"`
	PID              int         `db:"pid"`
	PPID             int         `db:"ppid"`
	Stdout           string      `db:"stdout"`
	Stderr           string      `db:"stderr"`
	OutputSize       int64       `db:"output_size"`
	Truncated        bool        `db:"truncated"`
	LogFile          string      `db:"log_file"`
	MaxMemoryMB      *float64    `db:"max_memory_mb"`
	AvgCPUPct        *float64    `db:"avg_cpu_pct"`
	DiskIOMB         *float64    `db:"disk_io_mb"`
	Environment      JSONMap     `db:"environment"`
	WorkingDirectory string      `db:"working_directory"`
	RunAsUser        string      `db:"run_as_user"`
	Hostname         string      `db:"hostname"`
	Tags             JSONStrings `db:"tags"`
	Priority         int         `db:"priority"`
	Scheduled        bool        `db:"scheduled"`
	RetryCount       int         `db:"retry_count"`
	ParentJobID      *string     `db:"parent_job_id"`
	ErrorType        *string     `db:"error_type"`
	ErrorMessage     *string     `db:"error_message"`
	StackTrace       *string     `db:"stack_trace"`
	InsertedAt       time.Time   `db:"inserted_at"`
	DeletedAt        *time.Time  `db:"deleted_at"`
}

func (r *executionRow) toRecord() *domain.ExecutionRecord {
	return &domain.ExecutionRecord{
		ExecutionID:      r.ExecutionID,
		JobID:            r.JobID,
		JobName:          r.JobName,
		Command:          r.Command,
		StartTime:        r.StartTime,
		EndTime:          r.EndTime,
		DurationMs:       r.DurationMs,
		Status:           domain.ExecutionStatus(r.Status),
		ExitCode:         r.ExitCode,
		Signal:           r.Signal,
		PID:              r.PID,
		PPID:             r.PPID,
		Stdout:           r.Stdout,
		Stderr:           r.Stderr,
		OutputSize:       r.OutputSize,
		Truncated:        r.Truncated,
		LogFile:          r.LogFile,
		MaxMemoryMB:      r.MaxMemoryMB,
		AvgCPUPct:        r.AvgCPUPct,
		DiskIOMB:         r.DiskIOMB,
		Environment:      map[string]string(r.Environment),
		WorkingDirectory: r.WorkingDirectory,
		User:             r.RunAsUser,
		Hostname:         r.Hostname,
		Tags:             []string(r.Tags),
		Priority:         r.Priority,
		Scheduled:        r.Scheduled,
		RetryCount:       r.RetryCount,
		ParentJobID:      r.ParentJobID,
		ErrorType:        r.ErrorType,
		ErrorMessage:     r.ErrorMessage,
		StackTrace:       r.StackTrace,
	}
}

// convert re-encodes an arbitrary value into a typed struct via JSON.
func convert(value, dest any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Put upserts a value. Jobs and executions go to typed tables; other
// collections go to the generic JSONB table.
func (s *PgStore) Put(ctx context.Context, collection, id string, value any) error {
	switch collection {
	case CollectionJobs:
		var spec domain.JobSpec
		if err := convert(value, &spec); err != nil {
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to encode job %s", id)
		}
		spec.ID = id
		return s.putJob(ctx, &spec)
	case CollectionExecutions:
		var rec domain.ExecutionRecord
		if err := convert(value, &rec); err != nil {
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to encode execution %s", id)
		}
		rec.ExecutionID = id
		return s.putExecution(ctx, &rec)
	default:
		return s.putGeneric(ctx, collection, id, value)
	}
}

func (s *PgStore) putJob(ctx context.Context, spec *domain.JobSpec) error {
	query := `
		INSERT INTO jobs (
			id, name, command, cwd, env, run_as_user, tags, priority, type,
			schedule_kind, interval_ms, cron_expr, status, max_retries,
			timeout_ms, database_sync, created_at, updated_at, started_at,
			completed_at, next_run
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			command = EXCLUDED.command,
			cwd = EXCLUDED.cwd,
			env = EXCLUDED.env,
			run_as_user = EXCLUDED.run_as_user,
			tags = EXCLUDED.tags,
			priority = EXCLUDED.priority,
			type = EXCLUDED.type,
			schedule_kind = EXCLUDED.schedule_kind,
			interval_ms = EXCLUDED.interval_ms,
			cron_expr = EXCLUDED.cron_expr,
			status = EXCLUDED.status,
			max_retries = EXCLUDED.max_retries,
			timeout_ms = EXCLUDED.timeout_ms,
			database_sync = EXCLUDED.database_sync,
			updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			next_run = EXCLUDED.next_run,
			deleted_at = NULL
	`

	kind := spec.Schedule.Kind
	if kind == "" {
		kind = domain.ScheduleNone
	}

	_, err := s.db.ExecContext(
		ctx,
		query,
		spec.ID,
		spec.Name,
		spec.Command,
		spec.Cwd,
		JSONMap(spec.Env),
		spec.User,
		JSONStrings(spec.Tags),
		spec.Priority,
		string(spec.Type),
		string(kind),
		spec.Schedule.IntervalMs,
		spec.Schedule.Cron,
		string(spec.Status),
		spec.MaxRetries,
		spec.TimeoutMs,
		spec.DatabaseSync,
		spec.CreatedAt,
		spec.UpdatedAt,
		spec.StartedAt,
		spec.CompletedAt,
		spec.NextRun,
	)
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to upsert job %s", spec.ID)
	}
	return nil
}

func (s *PgStore) putExecution(ctx context.Context, rec *domain.ExecutionRecord) error {
	query := `
		INSERT INTO executions (
			execution_id, job_id, job_name, command, start_time, end_time,
			duration_ms, status, exit_code, signal, pid, ppid, stdout, stderr,
			output_size, truncated, log_file, max_memory_mb, avg_cpu_pct,
			disk_io_mb, environment, working_directory, run_as_user, hostname,
			tags, priority, scheduled, retry_count, parent_job_id, error_type,
			error_message, stack_trace
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26,
		        $27, $28, $29, $30, $31, $32)
		ON CONFLICT (execution_id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			duration_ms = EXCLUDED.duration_ms,
			status = EXCLUDED.status,
			exit_code = EXCLUDED.exit_code,
			signal = EXCLUDED.signal,
			stdout = EXCLUDED.stdout,
			stderr = EXCLUDED.stderr,
			output_size = EXCLUDED.output_size,
			truncated = EXCLUDED.truncated,
			log_file = EXCLUDED.log_file,
			max_memory_mb = EXCLUDED.max_memory_mb,
			avg_cpu_pct = EXCLUDED.avg_cpu_pct,
			disk_io_mb = EXCLUDED.disk_io_mb,
			error_type = EXCLUDED.error_type,
			error_message = EXCLUDED.error_message,
			stack_trace = EXCLUDED.stack_trace
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		rec.ExecutionID,
		rec.JobID,
		rec.JobName,
		rec.Command,
		rec.StartTime,
		rec.EndTime,
		rec.DurationMs,
		string(rec.Status),
		rec.ExitCode,
		rec.Signal,
		rec.PID,
		rec.PPID,
		rec.Stdout,
		rec.Stderr,
		rec.OutputSize,
		rec.Truncated,
		rec.LogFile,
		rec.MaxMemoryMB,
		rec.AvgCPUPct,
		rec.DiskIOMB,
		JSONMap(rec.Environment),
		rec.WorkingDirectory,
		rec.User,
		rec.Hostname,
		JSONStrings(rec.Tags),
		rec.Priority,
		rec.Scheduled,
		rec.RetryCount,
		rec.ParentJobID,
		rec.ErrorType,
		rec.ErrorMessage,
		rec.StackTrace,
	)
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to upsert execution %s", rec.ExecutionID)
	}
	return nil
}

func (s *PgStore) putGeneric(ctx context.Context, collection, id string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to encode %s/%s", collection, id)
	}

	query := `
		INSERT INTO collections (collection, id, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (collection, id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = NOW(),
			deleted_at = NULL
	`
	if _, err := s.db.ExecContext(ctx, query, collection, id, data); err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to upsert %s/%s", collection, id)
	}
	return nil
}

// Get reads (collection, id) into dest.
func (s *PgStore) Get(ctx context.Context, collection, id string, dest any) error {
	switch collection {
	case CollectionJobs:
		var row jobRow
		query := `SELECT * FROM jobs WHERE id = $1 AND deleted_at IS NULL`
		if err := s.db.GetContext(ctx, &row, query, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotFound(collection, id)
			}
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to get job %s", id)
		}
		return convert(row.toSpec(), dest)
	case CollectionExecutions:
		var row executionRow
		query := `SELECT * FROM executions WHERE execution_id = $1 AND deleted_at IS NULL`
		if err := s.db.GetContext(ctx, &row, query, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotFound(collection, id)
			}
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to get execution %s", id)
		}
		return convert(row.toRecord(), dest)
	default:
		var data []byte
		query := `SELECT data FROM collections WHERE collection = $1 AND id = $2 AND deleted_at IS NULL`
		if err := s.db.GetContext(ctx, &data, query, collection, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotFound(collection, id)
			}
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to get %s/%s", collection, id)
		}
		if err := json.Unmarshal(data, dest); err != nil {
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to decode %s/%s", collection, id)
		}
		return nil
	}
}

// Delete soft-deletes (collection, id).
func (s *PgStore) Delete(ctx context.Context, collection, id string) error {
	var query string
	args := []any{id}
	switch collection {
	case CollectionJobs:
		query = `UPDATE jobs SET deleted_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	case CollectionExecutions:
		query = `UPDATE executions SET deleted_at = NOW() WHERE execution_id = $1 AND deleted_at IS NULL`
	default:
		query = `UPDATE collections SET deleted_at = NOW() WHERE collection = $1 AND id = $2 AND deleted_at IS NULL`
		args = []any{collection, id}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to delete %s/%s", collection, id)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return domain.WrapErr(domain.KindStorageFailure, err, "failed to check delete of %s/%s", collection, id)
	}
	if rows == 0 {
		return domain.NotFound(collection, id)
	}
	return nil
}

// List reads every live row, insertion order ascending.
func (s *PgStore) List(ctx context.Context, collection string, dest any) error {
	return s.list(ctx, collection, 0, false, dest)
}

// ListRecent reads the newest rows first.
func (s *PgStore) ListRecent(ctx context.Context, collection string, limit int, dest any) error {
	return s.list(ctx, collection, limit, true, dest)
}

func (s *PgStore) list(ctx context.Context, collection string, limit int, descending bool, dest any) error {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	limitClause := ""
	if limit > 0 {
		limitClause = fmt.Sprintf(" LIMIT %d", limit)
	}

	switch collection {
	case CollectionJobs:
		var rows []jobRow
		query := `SELECT * FROM jobs WHERE deleted_at IS NULL ORDER BY inserted_at ` + order + limitClause
		if err := s.db.SelectContext(ctx, &rows, query); err != nil {
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to list jobs")
		}
		specs := make([]*domain.JobSpec, len(rows))
		for i := range rows {
			specs[i] = rows[i].toSpec()
		}
		return convert(specs, dest)
	case CollectionExecutions:
		var rows []executionRow
		query := `SELECT * FROM executions WHERE deleted_at IS NULL ORDER BY inserted_at ` + order + limitClause
		if err := s.db.SelectContext(ctx, &rows, query); err != nil {
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to list executions")
		}
		recs := make([]*domain.ExecutionRecord, len(rows))
		for i := range rows {
			recs[i] = rows[i].toRecord()
		}
		return convert(recs, dest)
	default:
		var datas [][]byte
		query := `SELECT data FROM collections WHERE collection = $1 AND deleted_at IS NULL ORDER BY inserted_at ` + order + limitClause
		if err := s.db.SelectContext(ctx, &datas, query, collection); err != nil {
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to list %s", collection)
		}
		raws := make([]json.RawMessage, len(datas))
		for i, d := range datas {
			raws[i] = d
		}
		if err := decodeInto(raws, dest); err != nil {
			return domain.WrapErr(domain.KindStorageFailure, err, "failed to decode collection %s", collection)
		}
		return nil
	}
}

// Flush is a no-op; writes are not buffered.
func (s *PgStore) Flush(_ context.Context) error {
	return nil
}

// Close releases the connection pool.
func (s *PgStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PgStore)(nil)
