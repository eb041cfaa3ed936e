package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/events"
	"github.com/gwicho38/lsh/internal/logger"
	"github.com/gwicho38/lsh/internal/registry"
	"github.com/gwicho38/lsh/internal/storage"
)

func newTestRegistry(t *testing.T, cfg registry.Config) (*registry.Registry, storage.Store) {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewFileStore(filepath.Join(dir, "storage.json"), logger.NewNoOp())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if cfg.LogsDir == "" {
		cfg.LogsDir = filepath.Join(dir, "logs")
	}
	bus := events.NewBus(logger.NewNoOp())
	t.Cleanup(bus.Close)

	reg := registry.New(registry.Params{
		Store:  store,
		Bus:    bus,
		Logger: logger.NewNoOp(),
		Config: cfg,
	})
	t.Cleanup(func() { reg.Close() })
	return reg, store
}

func testJob(id string) *domain.JobSpec {
	return &domain.JobSpec{
		ID:      id,
		Name:    "test-" + id,
		Command: "echo hello",
		Type:    domain.JobTypeAdhoc,
	}
}

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func completed() registry.Completion {
	return registry.Completion{Status: domain.ExecutionCompleted, ExitCode: intPtr(0)}
}

func failed(msg string) registry.Completion {
	return registry.Completion{
		Status:       domain.ExecutionFailed,
		ExitCode:     intPtr(1),
		ErrorMessage: strPtr(msg),
	}
}

func TestRegistry_CreateJob(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})
	ctx := context.Background()

	created, err := reg.CreateJob(ctx, testJob("job-1"))
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if created.Status != domain.JobStatusCreated {
		t.Errorf("expected status created, got %q", created.Status)
	}
	if created.Priority != domain.DefaultPriority {
		t.Errorf("expected default priority %d, got %d", domain.DefaultPriority, created.Priority)
	}

	_, err = reg.CreateJob(ctx, testJob("job-1"))
	if !domain.IsKind(err, domain.KindAlreadyExists) {
		t.Errorf("expected ALREADY_EXISTS for duplicate id, got %v", err)
	}
}

func TestRegistry_CreateJob_Invalid(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})

	tests := []struct {
		name string
		spec *domain.JobSpec
	}{
		{name: "nil spec", spec: nil},
		{name: "missing command", spec: &domain.JobSpec{ID: "j", Command: "   "}},
		{name: "relative cwd", spec: &domain.JobSpec{ID: "j", Command: "ls", Cwd: "relative/path"}},
		{
			name: "malformed cron",
			spec: &domain.JobSpec{
				ID: "j", Command: "ls",
				Schedule: domain.Schedule{Kind: domain.ScheduleCron, Cron: "* *"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.CreateJob(context.Background(), tt.spec)
			if !domain.IsKind(err, domain.KindInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestRegistry_ListJobs_FilterAndOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		job := testJob(id)
		if id == "b" {
			job.Tags = []string{"nightly"}
		}
		if _, err := reg.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", id, err)
		}
	}

	all := reg.ListJobs(nil)
	if len(all) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(all))
	}
	for i, want := range []string{"a", "b", "c"} {
		if all[i].ID != want {
			t.Errorf("position %d: expected %q, got %q", i, want, all[i].ID)
		}
	}

	tagged := reg.ListJobs(&domain.JobFilter{Tags: []string{"nightly"}})
	if len(tagged) != 1 || tagged[0].ID != "b" {
		t.Errorf("expected only job b for tag filter, got %v", tagged)
	}
}

func TestRegistry_RemoveJob(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})
	ctx := context.Background()

	if _, err := reg.CreateJob(ctx, testJob("job-1")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := reg.RemoveJob(ctx, "job-1"); err != nil {
		t.Fatalf("RemoveJob() error = %v", err)
	}
	if _, err := reg.GetJob("job-1"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected NOT_FOUND after remove, got %v", err)
	}
	if err := reg.RemoveJob(ctx, "job-1"); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected NOT_FOUND for double remove, got %v", err)
	}
}

func TestRegistry_RecordStart(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})
	ctx := context.Background()

	job := testJob("job-1")
	job.Env = map[string]string{"FOO": "bar"}
	job.Tags = []string{"adhoc"}

	rec, err := reg.RecordStart(ctx, job, registry.StartOptions{PID: 4242})
	if err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}

	idShape := regexp.MustCompile(`^exec_\d+_[0-9a-f]{8}$`)
	if !idShape.MatchString(rec.ExecutionID) {
		t.Errorf("unexpected execution id shape %q", rec.ExecutionID)
	}
	if rec.Status != domain.ExecutionRunning {
		t.Errorf("expected running, got %q", rec.Status)
	}
	if rec.Environment["FOO"] != "bar" {
		t.Error("expected env snapshot on record")
	}
	if rec.PID != 4242 {
		t.Errorf("expected pid 4242, got %d", rec.PID)
	}

	// One live execution per job.
	_, err = reg.RecordStart(ctx, job, registry.StartOptions{})
	if !domain.IsKind(err, domain.KindAlreadyExists) {
		t.Errorf("expected ALREADY_EXISTS for concurrent start, got %v", err)
	}

	// Sealing frees the slot.
	if _, err := reg.RecordCompletion(ctx, rec.ExecutionID, completed()); err != nil {
		t.Fatalf("RecordCompletion() error = %v", err)
	}
	if _, err := reg.RecordStart(ctx, job, registry.StartOptions{}); err != nil {
		t.Errorf("expected start after completion to succeed, got %v", err)
	}
}

func TestRegistry_RecordOutput_CapAndMirror(t *testing.T) {
	logsDir := filepath.Join(t.TempDir(), "logs")
	reg, _ := newTestRegistry(t, registry.Config{
		MaxOutputBytes: 10,
		MirrorLogs:     true,
		LogsDir:        logsDir,
	})
	ctx := context.Background()

	rec, err := reg.RecordStart(ctx, testJob("job-1"), registry.StartOptions{})
	if err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}

	if err := reg.RecordOutput(ctx, rec.ExecutionID, "stdout", []byte("0123456789ABCDEF")); err != nil {
		t.Fatalf("RecordOutput() error = %v", err)
	}
	if err := reg.RecordOutput(ctx, rec.ExecutionID, "stderr", []byte("more")); err != nil {
		t.Fatalf("RecordOutput() error = %v", err)
	}

	got, err := reg.GetExecution(rec.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if got.Stdout != "0123456789" {
		t.Errorf("expected buffer capped at 10 bytes, got %q", got.Stdout)
	}
	if !got.Truncated {
		t.Error("expected truncated flag")
	}
	if got.OutputSize != 20 {
		t.Errorf("expected output size 20, got %d", got.OutputSize)
	}

	// The mirror receives everything regardless of the buffer cap.
	data, err := os.ReadFile(filepath.Join(logsDir, rec.ExecutionID+".log"))
	if err != nil {
		t.Fatalf("expected mirror file: %v", err)
	}
	if string(data) != "0123456789ABCDEFmore" {
		t.Errorf("unexpected mirror content %q", string(data))
	}

	if err := reg.RecordOutput(ctx, rec.ExecutionID, "tty", []byte("x")); !domain.IsKind(err, domain.KindInvalidInput) {
		t.Errorf("expected INVALID_INPUT for unknown stream, got %v", err)
	}
	if err := reg.RecordOutput(ctx, "ghost", "stdout", []byte("x")); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected NOT_FOUND for unknown execution, got %v", err)
	}
}

func TestRegistry_RecordCompletion_Idempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})
	ctx := context.Background()

	rec, err := reg.RecordStart(ctx, testJob("job-1"), registry.StartOptions{})
	if err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}

	first, err := reg.RecordCompletion(ctx, rec.ExecutionID, failed("exit status 1"))
	if err != nil {
		t.Fatalf("RecordCompletion() error = %v", err)
	}
	if first.Status != domain.ExecutionFailed {
		t.Errorf("expected failed, got %q", first.Status)
	}
	if first.DurationMs == nil || first.EndTime == nil {
		t.Fatal("expected sealed record to carry end time and duration")
	}

	second, err := reg.RecordCompletion(ctx, rec.ExecutionID, completed())
	if err != nil {
		t.Fatalf("second RecordCompletion() error = %v", err)
	}
	if second.Status != domain.ExecutionFailed {
		t.Errorf("expected second completion to be a no-op, got status %q", second.Status)
	}

	if _, err := reg.RecordCompletion(ctx, rec.ExecutionID, registry.Completion{Status: domain.ExecutionRunning}); !domain.IsKind(err, domain.KindInvalidInput) {
		t.Errorf("expected INVALID_INPUT for non-terminal status, got %v", err)
	}
}

func TestRegistry_GetHistory_NewestFirst(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})
	ctx := context.Background()
	job := testJob("job-1")

	var ids []string
	for i := 0; i < 3; i++ {
		rec, err := reg.RecordStart(ctx, job, registry.StartOptions{})
		if err != nil {
			t.Fatalf("RecordStart() error = %v", err)
		}
		if _, err := reg.RecordCompletion(ctx, rec.ExecutionID, completed()); err != nil {
			t.Fatalf("RecordCompletion() error = %v", err)
		}
		ids = append(ids, rec.ExecutionID)
	}

	history := reg.GetHistory("job-1", 0)
	if len(history) != 3 {
		t.Fatalf("expected 3 records, got %d", len(history))
	}
	if history[0].ExecutionID != ids[2] {
		t.Errorf("expected newest first, got %q", history[0].ExecutionID)
	}

	limited := reg.GetHistory("job-1", 2)
	if len(limited) != 2 {
		t.Errorf("expected limit of 2, got %d", len(limited))
	}
}

func TestRegistry_PerJobCapEvictsOldest(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{MaxRecordsPerJob: 3})
	ctx := context.Background()
	job := testJob("job-1")

	var first string
	for i := 0; i < 5; i++ {
		rec, err := reg.RecordStart(ctx, job, registry.StartOptions{})
		if err != nil {
			t.Fatalf("RecordStart() error = %v", err)
		}
		if i == 0 {
			first = rec.ExecutionID
		}
		if _, err := reg.RecordCompletion(ctx, rec.ExecutionID, completed()); err != nil {
			t.Fatalf("RecordCompletion() error = %v", err)
		}
	}

	if reg.TotalRecords() != 3 {
		t.Errorf("expected 3 retained records, got %d", reg.TotalRecords())
	}
	if _, err := reg.GetExecution(first); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected oldest record evicted, got %v", err)
	}
}

func TestRegistry_GlobalCapEvictsOldestAcrossJobs(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{MaxTotalRecords: 4})
	ctx := context.Background()

	var oldest string
	for i, jobID := range []string{"a", "b", "a", "b", "a", "b"} {
		rec, err := reg.RecordStart(ctx, testJob(jobID), registry.StartOptions{})
		if err != nil {
			t.Fatalf("RecordStart() error = %v", err)
		}
		if i == 0 {
			oldest = rec.ExecutionID
		}
		if _, err := reg.RecordCompletion(ctx, rec.ExecutionID, completed()); err != nil {
			t.Fatalf("RecordCompletion() error = %v", err)
		}
	}

	if reg.TotalRecords() != 4 {
		t.Errorf("expected 4 retained records, got %d", reg.TotalRecords())
	}
	if _, err := reg.GetExecution(oldest); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected globally oldest record evicted, got %v", err)
	}
}

func TestRegistry_Search(t *testing.T) {
	reg, _ := newTestRegistry(t, registry.Config{})
	ctx := context.Background()

	jobA := testJob("job-a")
	jobA.Tags = []string{"etl", "nightly"}
	jobA.Command = "python etl.py"
	jobB := testJob("job-b")
	jobB.Command = "make build"

	recA, _ := reg.RecordStart(ctx, jobA, registry.StartOptions{})
	reg.RecordCompletion(ctx, recA.ExecutionID, failed("disk full"))
	recB, _ := reg.RecordStart(ctx, jobB, registry.StartOptions{})
	reg.RecordCompletion(ctx, recB.ExecutionID, completed())

	tests := []struct {
		name     string
		criteria domain.SearchCriteria
		want     []string
	}{
		{
			name:     "by status",
			criteria: domain.SearchCriteria{Statuses: []domain.ExecutionStatus{domain.ExecutionFailed}},
			want:     []string{recA.ExecutionID},
		},
		{
			name:     "by job",
			criteria: domain.SearchCriteria{JobID: "job-b"},
			want:     []string{recB.ExecutionID},
		},
		{
			name:     "all tags must match",
			criteria: domain.SearchCriteria{Tags: []string{"etl", "nightly"}},
			want:     []string{recA.ExecutionID},
		},
		{
			name:     "missing tag matches nothing",
			criteria: domain.SearchCriteria{Tags: []string{"etl", "hourly"}},
			want:     nil,
		},
		{
			name:     "command regex",
			criteria: domain.SearchCriteria{CommandRegex: `^make\s`},
			want:     []string{recB.ExecutionID},
		},
		{
			name:     "exit codes",
			criteria: domain.SearchCriteria{ExitCodes: []int{1}},
			want:     []string{recA.ExecutionID},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Search(tt.criteria)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d records, got %d", len(tt.want), len(got))
			}
			for i, id := range tt.want {
				if got[i].ExecutionID != id {
					t.Errorf("position %d: expected %q, got %q", i, id, got[i].ExecutionID)
				}
			}
		})
	}

	if _, err := reg.Search(domain.SearchCriteria{CommandRegex: "("}); !domain.IsKind(err, domain.KindInvalidInput) {
		t.Errorf("expected INVALID_INPUT for bad regex, got %v", err)
	}
}

func TestRegistry_Cleanup_Retention(t *testing.T) {
	logsDir := filepath.Join(t.TempDir(), "logs")
	reg, _ := newTestRegistry(t, registry.Config{RetentionDays: 7, MirrorLogs: true, LogsDir: logsDir})
	ctx := context.Background()

	// An execution from forty days ago.
	past := time.Now().UTC().AddDate(0, 0, -40)
	reg.SetNowForTest(func() time.Time { return past })
	oldRec, err := reg.RecordStart(ctx, testJob("job-1"), registry.StartOptions{})
	if err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}
	if err := reg.RecordOutput(ctx, oldRec.ExecutionID, "stdout", []byte("old run")); err != nil {
		t.Fatalf("RecordOutput() error = %v", err)
	}
	if _, err := reg.RecordCompletion(ctx, oldRec.ExecutionID, completed()); err != nil {
		t.Fatalf("RecordCompletion() error = %v", err)
	}

	reg.SetNowForTest(time.Now)
	freshRec, err := reg.RecordStart(ctx, testJob("job-2"), registry.StartOptions{})
	if err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}

	logPath := filepath.Join(logsDir, oldRec.ExecutionID+".log")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected log file before cleanup: %v", err)
	}

	evicted, err := reg.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if evicted != 1 {
		t.Errorf("expected 1 evicted record, got %d", evicted)
	}
	if _, err := reg.GetExecution(oldRec.ExecutionID); !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected old record evicted, got %v", err)
	}
	if _, err := reg.GetExecution(freshRec.ExecutionID); err != nil {
		t.Errorf("expected running record kept, got %v", err)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Errorf("expected log file unlinked, got %v", err)
	}
}

func TestRegistry_RestoreSealsInterrupted(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "storage.json")

	store, err := storage.NewFileStore(storePath, logger.NewNoOp())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	first := registry.New(registry.Params{Store: store, Logger: logger.NewNoOp()})
	ctx := context.Background()
	if _, err := first.CreateJob(ctx, testJob("job-1")); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	rec, err := first.RecordStart(ctx, testJob("job-1"), registry.StartOptions{})
	if err != nil {
		t.Fatalf("RecordStart() error = %v", err)
	}
	// Persist the running record as a crash would leave it.
	if err := store.Put(ctx, storage.CollectionExecutions, rec.ExecutionID, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	store.Close()

	store2, err := storage.NewFileStore(storePath, logger.NewNoOp())
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store2.Close()

	second := registry.New(registry.Params{Store: store2, Logger: logger.NewNoOp()})
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	restored, err := second.GetExecution(rec.ExecutionID)
	if err != nil {
		t.Fatalf("GetExecution() error = %v", err)
	}
	if restored.Status != domain.ExecutionFailed {
		t.Errorf("expected interrupted record sealed as failed, got %q", restored.Status)
	}
	if restored.ErrorMessage == nil || *restored.ErrorMessage == "" {
		t.Error("expected error message on interrupted record")
	}

	if _, err := second.GetJob("job-1"); err != nil {
		t.Errorf("expected job restored, got %v", err)
	}
}
