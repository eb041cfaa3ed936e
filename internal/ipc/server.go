package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/gwicho38/lsh/internal/domain"
	"github.com/gwicho38/lsh/internal/executor"
	"github.com/gwicho38/lsh/internal/logger"
	"github.com/gwicho38/lsh/internal/metrics"
)

// Backend is the control-plane surface the daemon exposes through the
// socket. Every operation maps to exactly one request op.
type Backend interface {
	Status(ctx context.Context) (*DaemonStatus, error)
	ListJobs(ctx context.Context, filter *domain.JobFilter) ([]*domain.JobSpec, error)
	GetJob(ctx context.Context, id string) (*domain.JobSpec, error)
	CreateJob(ctx context.Context, spec *domain.JobSpec) (*domain.JobSpec, error)
	StartJob(ctx context.Context, id string) (*domain.JobSpec, error)
	StopJob(ctx context.Context, id, signal string) error
	TriggerJob(ctx context.Context, id string) (*executor.TriggerResult, error)
	RemoveJob(ctx context.Context, id string, force bool) error
	JobHistory(ctx context.Context, jobID string, limit int) ([]*domain.ExecutionRecord, error)
	JobStatistics(ctx context.Context, jobID string) (any, error)
	SearchExecutions(ctx context.Context, criteria domain.SearchCriteria) ([]*domain.ExecutionRecord, error)
	StopDaemon(ctx context.Context) error
	RestartDaemon(ctx context.Context) error
}

// DaemonStatus is the getStatus payload.
type DaemonStatus struct {
	PID           int       `json:"pid"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	Jobs          int       `json:"jobs"`
	Scheduled     int       `json:"scheduled"`
	Running       int       `json:"running"`
	Executions    int       `json:"executions"`
	StorageKind   string    `json:"storageKind"`
	SocketPath    string    `json:"socketPath"`
	APIEnabled    bool      `json:"apiEnabled"`
}

// ServerConfig locates the socket and PID file.
type ServerConfig struct {
	SocketPath string
	PIDPath    string
}

// Server accepts IPC connections and routes requests to the backend.
type Server struct {
	cfg     ServerConfig
	backend Backend
	metrics *metrics.Metrics
	log     logger.Interface

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates an IPC server.
func NewServer(cfg ServerConfig, backend Backend, m *metrics.Metrics, log logger.Interface) *Server {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &Server{
		cfg:     cfg,
		backend: backend,
		metrics: m,
		log:     log.WithComponent("ipc"),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start claims the socket and launches the accept loop. A live socket
// owned by a running daemon is refused; a stale one (dead PID) is
// removed.
func (s *Server) Start() error {
	if err := s.claimSocket(); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return domain.WrapErr(domain.KindDaemonUnavailable, err, "failed to listen on %s", s.cfg.SocketPath)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		listener.Close()
		return domain.WrapErr(domain.KindDaemonUnavailable, err, "failed to restrict socket permissions")
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)

	s.log.Info("ipc server listening", "socket", s.cfg.SocketPath)
	return nil
}

// claimSocket decides whether an existing socket file may be removed.
func (s *Server) claimSocket() error {
	if _, err := os.Stat(s.cfg.SocketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapErr(domain.KindDaemonUnavailable, err, "failed to inspect socket %s", s.cfg.SocketPath)
	}

	if pid, ok := readPIDFile(s.cfg.PIDPath); ok && processAlive(pid) {
		return domain.E(domain.KindAlreadyExists,
			"daemon already running with pid %d (socket %s)", pid, s.cfg.SocketPath)
	}

	s.log.Warn("removing stale socket", "socket", s.cfg.SocketPath)
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return domain.WrapErr(domain.KindDaemonUnavailable, err, "failed to remove stale socket")
	}
	return nil
}

func readPIDFile(path string) (int, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closing.Load() {
				return
			}
			s.log.Error("accept failed", "error", err)
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !s.closing.Load() {
				s.log.Debug("connection read failed", "error", err)
			}
			return
		}

		resp := s.dispatch(context.Background(), req)
		if err := WriteFrame(conn, resp); err != nil {
			s.log.Debug("connection write failed", "error", err)
			return
		}
	}
}

// dispatch routes one request. Requests arriving during shutdown are
// answered with SERVICE_SHUTDOWN rather than silently dropped.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	if s.closing.Load() {
		return errorResponse(req.ID, domain.E(domain.KindServiceShutdown, "daemon is shutting down"))
	}

	value, err := s.handle(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.IPCRequests.WithLabelValues(req.Op, outcome).Inc()
	}
	if err != nil {
		return errorResponse(req.ID, err)
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return errorResponse(req.ID, fmt.Errorf("failed to encode response: %w", err))
	}
	return Response{ID: req.ID, OK: true, Value: payload}
}

func (s *Server) handle(ctx context.Context, req Request) (any, error) {
	switch req.Op {
	case OpGetStatus:
		return s.backend.Status(ctx)

	case OpListJobs:
		var args struct {
			Filter *domain.JobFilter `json:"filter"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.backend.ListJobs(ctx, args.Filter)

	case OpGetJob:
		id, err := requireID(req.Args)
		if err != nil {
			return nil, err
		}
		return s.backend.GetJob(ctx, id)

	case OpCreateJob:
		var args struct {
			Spec *domain.JobSpec `json:"spec"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		if args.Spec == nil {
			return nil, domain.E(domain.KindInvalidInput, "job spec is required")
		}
		return s.backend.CreateJob(ctx, args.Spec)

	case OpStartJob:
		id, err := requireID(req.Args)
		if err != nil {
			return nil, err
		}
		return s.backend.StartJob(ctx, id)

	case OpStopJob:
		var args struct {
			ID     string `json:"id"`
			Signal string `json:"signal"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, domain.E(domain.KindInvalidInput, "job id is required")
		}
		return okValue{}, s.backend.StopJob(ctx, args.ID, args.Signal)

	case OpTriggerJob:
		id, err := requireID(req.Args)
		if err != nil {
			return nil, err
		}
		return s.backend.TriggerJob(ctx, id)

	case OpRemoveJob:
		var args struct {
			ID    string `json:"id"`
			Force bool   `json:"force"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, domain.E(domain.KindInvalidInput, "job id is required")
		}
		return okValue{}, s.backend.RemoveJob(ctx, args.ID, args.Force)

	case OpGetJobHistory:
		var args struct {
			JobID string `json:"jobId"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.backend.JobHistory(ctx, args.JobID, args.Limit)

	case OpGetJobStatistics:
		var args struct {
			JobID string `json:"jobId"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.backend.JobStatistics(ctx, args.JobID)

	case OpSearchExecutions:
		var args struct {
			Criteria domain.SearchCriteria `json:"criteria"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		return s.backend.SearchExecutions(ctx, args.Criteria)

	case OpStopDaemon:
		return okValue{}, s.backend.StopDaemon(ctx)

	case OpRestartDaemon:
		return okValue{}, s.backend.RestartDaemon(ctx)

	default:
		return nil, domain.E(domain.KindInvalidInput, "unknown operation %q", req.Op)
	}
}

// okValue is the payload of operations that return no data.
type okValue struct{}

func (okValue) MarshalJSON() ([]byte, error) { return []byte(`{"ok":true}`), nil }

func requireID(args map[string]any) (string, error) {
	var parsed struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &parsed); err != nil {
		return "", err
	}
	if parsed.ID == "" {
		return "", domain.E(domain.KindInvalidInput, "job id is required")
	}
	return parsed.ID, nil
}

// decodeArgs converts a request's loose JSON args into a typed struct.
func decodeArgs(args map[string]any, dest any) error {
	if args == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		Result:  dest,
		TagName: "json",
	})
	if err != nil {
		return domain.WrapErr(domain.KindInvalidInput, err, "failed to build args decoder")
	}
	if err := decoder.Decode(args); err != nil {
		return domain.WrapErr(domain.KindInvalidInput, err, "malformed operation arguments")
	}
	return nil
}

// Close stops accepting, fails in-flight requests, and removes the
// socket file.
func (s *Server) Close() error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	listener := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.wg.Wait()

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove socket file", "socket", s.cfg.SocketPath, "error", err)
	}
	s.log.Info("ipc server stopped")
	return nil
}
