package storage_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/logger"
	"github.com/gwicho38/lsh/internal/storage"
)

func newMockPgStore(t *testing.T) (*storage.PgStore, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	return storage.NewPgStoreFromDB(db, logger.NewNoOp()), mock
}

func TestPgStore_PutJob_Upsert(t *testing.T) {
	store, mock := newMockPgStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	job := &domain.JobSpec{
		ID:        "job-42",
		Name:      "log-rotate",
		Command:   "logrotate /etc/logrotate.conf",
		Priority:  domain.DefaultPriority,
		Type:      domain.JobTypeScheduled,
		Schedule:  domain.Schedule{Kind: domain.ScheduleInterval, IntervalMs: 60_000},
		Status:    domain.JobStatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			"job-42",
			"log-rotate",
			"logrotate /etc/logrotate.conf",
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			domain.DefaultPriority,
			"scheduled",
			"interval",
			int64(60_000),
			sqlmock.AnyArg(),
			"scheduled",
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Put(ctx, storage.CollectionJobs, job.ID, job); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPgStore_GetJob(t *testing.T) {
	store, mock := newMockPgStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "name", "command", "status", "priority",
		"created_at", "updated_at", "inserted_at",
	}).AddRow("job-42", "log-rotate", "logrotate /etc/logrotate.conf", "scheduled", 5, now, now, now)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("job-42").
		WillReturnRows(rows)

	var got domain.JobSpec
	if err := store.Get(ctx, storage.CollectionJobs, "job-42", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.ID != "job-42" {
		t.Errorf("expected id job-42, got %q", got.ID)
	}
	if got.Status != domain.JobStatusScheduled {
		t.Errorf("expected status scheduled, got %q", got.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPgStore_GetJob_NotFound(t *testing.T) {
	store, mock := newMockPgStore(t)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	var got domain.JobSpec
	err := store.Get(context.Background(), storage.CollectionJobs, "ghost", &got)
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPgStore_GenericCollectionRoundTrip(t *testing.T) {
	store, mock := newMockPgStore(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO collections").
		WithArgs(storage.CollectionAliases, "gs", []byte(`{"command":"git status"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Put(ctx, storage.CollectionAliases, "gs", map[string]string{"command": "git status"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rows := sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"command":"git status"}`))
	mock.ExpectQuery("SELECT data FROM collections").
		WithArgs(storage.CollectionAliases, "gs").
		WillReturnRows(rows)

	var got map[string]string
	if err := store.Get(ctx, storage.CollectionAliases, "gs", &got); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["command"] != "git status" {
		t.Errorf("expected alias command, got %q", got["command"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPgStore_ListGeneric(t *testing.T) {
	store, mock := newMockPgStore(t)

	rows := sqlmock.NewRows([]string{"data"}).
		AddRow([]byte(`{"command":"git status"}`)).
		AddRow([]byte(`{"command":"git log"}`))
	mock.ExpectQuery("SELECT data FROM collections").
		WithArgs(storage.CollectionAliases).
		WillReturnRows(rows)

	var got []map[string]string
	if err := store.List(context.Background(), storage.CollectionAliases, &got); err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[1]["command"] != "git log" {
		t.Errorf("expected second entry git log, got %q", got[1]["command"])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestPgStore_Delete(t *testing.T) {
	store, mock := newMockPgStore(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE jobs SET deleted_at").
		WithArgs("job-42").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Delete(ctx, storage.CollectionJobs, "job-42"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	mock.ExpectExec("UPDATE jobs SET deleted_at").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Delete(ctx, storage.CollectionJobs, "ghost")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Errorf("expected NOT_FOUND for missing row, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
