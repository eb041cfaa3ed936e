package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwicho38/lsh/internal/audit"
	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/executor"
	"github.com/gwicho38/lsh/internal/ipc"
	"github.com/gwicho38/lsh/internal/metrics"
	"github.com/gwicho38/lsh/internal/storage"
)

const (
	testAPIKey    = "test-api-key"
	testJWTSecret = "test-jwt-secret"
)

// stubBackend satisfies the control surface with canned responses.
type stubBackend struct {
	jobs    map[string]*domain.JobSpec
	stopped bool
}

func newStubBackend() *stubBackend {
	return &stubBackend{jobs: map[string]*domain.JobSpec{}}
}

func (b *stubBackend) Status(ctx context.Context) (*ipc.DaemonStatus, error) {
	return &ipc.DaemonStatus{PID: 42, Version: "test", Jobs: len(b.jobs)}, nil
}

func (b *stubBackend) ListJobs(ctx context.Context, filter *domain.JobFilter) ([]*domain.JobSpec, error) {
	out := make([]*domain.JobSpec, 0, len(b.jobs))
	for _, j := range b.jobs {
		if filter == nil || filter.Matches(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (b *stubBackend) GetJob(ctx context.Context, id string) (*domain.JobSpec, error) {
	job, ok := b.jobs[id]
	if !ok {
		return nil, domain.NotFound("job", id)
	}
	return job, nil
}

func (b *stubBackend) CreateJob(ctx context.Context, spec *domain.JobSpec) (*domain.JobSpec, error) {
	if spec.Command == "" {
		return nil, domain.E(domain.KindInvalidInput, "command is required")
	}
	if spec.ID == "" {
		spec.ID = "job-" + spec.Name
	}
	b.jobs[spec.ID] = spec
	return spec, nil
}

func (b *stubBackend) StartJob(ctx context.Context, id string) (*domain.JobSpec, error) {
	return b.GetJob(ctx, id)
}

func (b *stubBackend) StopJob(ctx context.Context, id, signal string) error {
	_, err := b.GetJob(ctx, id)
	return err
}

func (b *stubBackend) TriggerJob(ctx context.Context, id string) (*executor.TriggerResult, error) {
	if _, err := b.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return &executor.TriggerResult{ExecutionID: "exec-1", Status: "completed", Output: "hello\n"}, nil
}

func (b *stubBackend) RemoveJob(ctx context.Context, id string, force bool) error {
	if _, ok := b.jobs[id]; !ok {
		return domain.NotFound("job", id)
	}
	delete(b.jobs, id)
	return nil
}

func (b *stubBackend) JobHistory(ctx context.Context, jobID string, limit int) ([]*domain.ExecutionRecord, error) {
	return []*domain.ExecutionRecord{}, nil
}

func (b *stubBackend) JobStatistics(ctx context.Context, jobID string) (any, error) {
	return map[string]any{"jobId": jobID, "totalRuns": 0}, nil
}

func (b *stubBackend) SearchExecutions(ctx context.Context, criteria domain.SearchCriteria) ([]*domain.ExecutionRecord, error) {
	return []*domain.ExecutionRecord{}, nil
}

func (b *stubBackend) StopDaemon(ctx context.Context) error {
	b.stopped = true
	return nil
}

func (b *stubBackend) RestartDaemon(ctx context.Context) error { return nil }

func newTestServer(t *testing.T, backend ipc.Backend, auditLog *audit.Logger) *Server {
	t.Helper()
	return NewServer(Config{
		Addr:      "127.0.0.1:0",
		APIKey:    testAPIKey,
		JWTSecret: testJWTSecret,
		Gatherer:  prometheus.NewRegistry(),
	}, backend, auditLog, nil)
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func signToken(t *testing.T, subject, scope string) string {
	t.Helper()
	claims := authClaims{
		Scope: scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)

	rec := doRequest(t, srv, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestMetricsRequiresNoAuth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.IPCRequests.WithLabelValues("getStatus", "ok").Inc()

	srv := NewServer(Config{APIKey: testAPIKey, Gatherer: reg}, newStubBackend(), nil, nil)

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lsh_ipc_requests_total")
}

func TestMissingCredentialRejected(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
}

func TestBadTokenRejected(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status", "not-a-valid-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIKeyGrantsFullAccess(t *testing.T) {
	backend := newStubBackend()
	srv := newTestServer(t, backend, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/jobs", testAPIKey, domain.JobSpec{
		Name:    "backup",
		Command: "echo hi",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)
	assert.Len(t, backend.jobs, 1)
}

func TestReadScopeCannotMutate(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)
	token := signToken(t, "alice", "read")

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/jobs", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/jobs", token, domain.JobSpec{Name: "x", Command: "true"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "FORBIDDEN", env.Error.Code)
}

func TestWriteScopeCanMutate(t *testing.T) {
	backend := newStubBackend()
	srv := newTestServer(t, backend, nil)
	token := signToken(t, "bob", "write")

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/jobs", token, domain.JobSpec{Name: "x", Command: "true"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestExpiredTokenRejected(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)

	claims := authClaims{
		Scope: "write",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/status", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNotFoundMapsTo404(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/jobs/nope", testAPIKey, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestInvalidInputMapsTo400(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/jobs", testAPIKey, domain.JobSpec{Name: "no-command"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMalformedBodyMapsTo400(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTriggerReturnsResult(t *testing.T) {
	backend := newStubBackend()
	backend.jobs["j1"] = &domain.JobSpec{ID: "j1", Name: "greet", Command: "echo hello"}
	srv := newTestServer(t, backend, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/jobs/j1/trigger", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	require.True(t, env.Success)

	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var result executor.TriggerResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "hello\n", result.Output)
}

func TestSearchExecutions(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/executions/search", testAPIKey,
		domain.SearchCriteria{JobID: "j1", Limit: 5})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStopDaemon(t *testing.T) {
	backend := newStubBackend()
	srv := newTestServer(t, backend, nil)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/daemon/stop", testAPIKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, backend.stopped)
}

func TestMutationsAreAudited(t *testing.T) {
	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "store.json"), nil)
	require.NoError(t, err)
	defer store.Close()

	auditLog := audit.New(store, nil)
	defer auditLog.Close()

	backend := newStubBackend()
	srv := newTestServer(t, backend, auditLog)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/jobs", testAPIKey, domain.JobSpec{
		Name:    "nightly",
		Command: "true",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var events []audit.Event
	require.NoError(t, store.List(context.Background(), storage.CollectionAudit, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "job.create", events[0].Action)
	assert.Equal(t, "api-key", events[0].Actor)
	assert.Equal(t, "success", events[0].Outcome)
	assert.NotEmpty(t, events[0].RequestID)
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t, newStubBackend(), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-abc")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-abc", rec.Header().Get(requestIDHeader))
}
