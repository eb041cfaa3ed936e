package ipc

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/executor"
)

// DefaultCallTimeout bounds a single request/response exchange when
// the caller's context has no deadline.
const DefaultCallTimeout = 30 * time.Second

// Client talks to the daemon's control socket. One request is in
// flight at a time per client.
type Client struct {
	socketPath string

	mu   sync.Mutex
	conn net.Conn
}

// NewClient creates a client for the given socket path. The connection
// is established lazily on the first call.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Call performs one request. A nil result discards the response value.
func (c *Client) Call(ctx context.Context, op string, args map[string]any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connect()
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultCallTimeout)
	}
	_ = conn.SetDeadline(deadline)

	req := Request{ID: uuid.NewString(), Op: op, Args: args}
	if err := WriteFrame(conn, req); err != nil {
		c.dropConn()
		return domain.WrapErr(domain.KindDaemonUnavailable, err, "failed to send request to daemon")
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		c.dropConn()
		return domain.WrapErr(domain.KindDaemonUnavailable, err, "failed to read daemon response")
	}

	if !resp.OK {
		if resp.Error == nil {
			return domain.E(domain.KindDaemonUnavailable, "daemon returned a malformed error response")
		}
		return domain.E(domain.ErrorKind(resp.Error.Code), "%s", resp.Error.Message)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Value, result); err != nil {
		return domain.WrapErr(domain.KindDaemonUnavailable, err, "failed to decode daemon response")
	}
	return nil
}

func (c *Client) connect() (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
	if err != nil {
		return nil, domain.WrapErr(domain.KindDaemonUnavailable, err,
			"daemon is not reachable at %s (is it running?)", c.socketPath)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) dropConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConn()
	return nil
}

// Typed wrappers used by the CLI.

// Status fetches daemon status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var status DaemonStatus
	if err := c.Call(ctx, OpGetStatus, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListJobs lists jobs, optionally filtered.
func (c *Client) ListJobs(ctx context.Context, filter *domain.JobFilter) ([]*domain.JobSpec, error) {
	args := map[string]any{}
	if filter != nil {
		args["filter"] = toWire(filter)
	}
	var jobs []*domain.JobSpec
	if err := c.Call(ctx, OpListJobs, args, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*domain.JobSpec, error) {
	var job domain.JobSpec
	if err := c.Call(ctx, OpGetJob, map[string]any{"id": id}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJob submits a new job spec.
func (c *Client) CreateJob(ctx context.Context, spec *domain.JobSpec) (*domain.JobSpec, error) {
	var created domain.JobSpec
	if err := c.Call(ctx, OpCreateJob, map[string]any{"spec": toWire(spec)}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// StartJob schedules a job for execution.
func (c *Client) StartJob(ctx context.Context, id string) (*domain.JobSpec, error) {
	var job domain.JobSpec
	if err := c.Call(ctx, OpStartJob, map[string]any{"id": id}, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// StopJob signals a job's running execution.
func (c *Client) StopJob(ctx context.Context, id, signal string) error {
	args := map[string]any{"id": id}
	if signal != "" {
		args["signal"] = signal
	}
	return c.Call(ctx, OpStopJob, args, nil)
}

// TriggerJob runs a job immediately and waits for the result.
func (c *Client) TriggerJob(ctx context.Context, id string) (*executor.TriggerResult, error) {
	var result executor.TriggerResult
	if err := c.Call(ctx, OpTriggerJob, map[string]any{"id": id}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoveJob deletes a job.
func (c *Client) RemoveJob(ctx context.Context, id string, force bool) error {
	return c.Call(ctx, OpRemoveJob, map[string]any{"id": id, "force": force}, nil)
}

// JobHistory fetches execution records, newest first.
func (c *Client) JobHistory(ctx context.Context, jobID string, limit int) ([]*domain.ExecutionRecord, error) {
	var records []*domain.ExecutionRecord
	args := map[string]any{"limit": limit}
	if jobID != "" {
		args["jobId"] = jobID
	}
	if err := c.Call(ctx, OpGetJobHistory, args, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// JobStatistics fetches per-job or aggregate statistics.
func (c *Client) JobStatistics(ctx context.Context, jobID string, result any) error {
	args := map[string]any{}
	if jobID != "" {
		args["jobId"] = jobID
	}
	return c.Call(ctx, OpGetJobStatistics, args, result)
}

// SearchExecutions queries execution records by composite criteria.
func (c *Client) SearchExecutions(ctx context.Context, criteria domain.SearchCriteria) ([]*domain.ExecutionRecord, error) {
	var records []*domain.ExecutionRecord
	if err := c.Call(ctx, OpSearchExecutions, map[string]any{"criteria": toWire(criteria)}, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// StopDaemon asks the daemon to shut down.
func (c *Client) StopDaemon(ctx context.Context) error {
	return c.Call(ctx, OpStopDaemon, nil, nil)
}

// RestartDaemon asks the daemon to restart in place.
func (c *Client) RestartDaemon(ctx context.Context) error {
	return c.Call(ctx, OpRestartDaemon, nil, nil)
}

// toWire converts a typed value into the loose map shape request args
// carry, so the server's decoder sees the same thing an untyped client
// would send.
func toWire(value any) map[string]any {
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
