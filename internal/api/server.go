package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gwicho38/lsh/internal/audit"
	"github.com/gwicho38/lsh/internal/ipc"
	"github.com/gwicho38/lsh/internal/logger"
)

const requestIDHeader = "X-Request-ID"

// Config carries the HTTP listener and credential settings.
type Config struct {
	Addr      string
	APIKey    string
	JWTSecret string
	// Gatherer backs the /metrics endpoint. Nil falls back to the
	// default prometheus gatherer.
	Gatherer prometheus.Gatherer
}

// Server projects the daemon's control surface over HTTP. It serves the
// same backend the unix socket does, wrapped in auth and auditing.
type Server struct {
	cfg     Config
	backend ipc.Backend
	audit   *audit.Logger
	log     logger.Interface
	httpSrv *http.Server
}

// NewServer builds the HTTP server and its routes.
func NewServer(cfg Config, backend ipc.Backend, auditLog *audit.Logger, log logger.Interface) *Server {
	if log == nil {
		log = logger.NewNoOp()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:     cfg,
		backend: backend,
		audit:   auditLog,
		log:     log.WithComponent("api"),
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestID, s.accessLog)

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.Use(s.authenticate)
	{
		v1.GET("/status", s.handleStatus)

		v1.GET("/jobs", s.handleListJobs)
		v1.POST("/jobs", requireWrite, s.handleCreateJob)
		v1.GET("/jobs/:id", s.handleGetJob)
		v1.POST("/jobs/:id/start", requireWrite, s.handleStartJob)
		v1.POST("/jobs/:id/stop", requireWrite, s.handleStopJob)
		v1.POST("/jobs/:id/trigger", requireWrite, s.handleTriggerJob)
		v1.DELETE("/jobs/:id", requireWrite, s.handleRemoveJob)
		v1.GET("/jobs/:id/history", s.handleJobHistory)
		v1.GET("/jobs/:id/stats", s.handleJobStatistics)

		v1.POST("/executions/search", s.handleSearchExecutions)

		v1.POST("/daemon/stop", requireWrite, s.handleStopDaemon)
	}
	return router
}

// requestID assigns every request an id that follows it into logs and
// audit events.
func (s *Server) requestID(c *gin.Context) {
	id := c.GetHeader(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Set(requestIDHeader, id)
	c.Header(requestIDHeader, id)
	c.Next()
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.Debug("http request",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"durationMs", time.Since(start).Milliseconds(),
		"requestId", c.GetString(requestIDHeader),
	)
}

// recordAudit emits an audit event for a mutating operation.
func (s *Server) recordAudit(c *gin.Context, action, resource string, err error) {
	if s.audit == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.audit.Record(c.Request.Context(), audit.Event{
		Actor:     actorOf(c),
		Action:    action,
		Resource:  resource,
		RequestID: c.GetString(requestIDHeader),
		Outcome:   outcome,
	})
}

// Start begins serving in the background. The returned error channel
// receives the listener's terminal error, if any.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
