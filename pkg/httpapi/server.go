// Package httpapi exposes an Orchestrator over HTTP with gin.
//
// Routes:
//
//	POST /workflows/:workflow_id                                    run
//	GET  /workflows/:workflow_id/:transaction_id                    fetch a record
//	POST /workflows/:workflow_id/:transaction_id/cancel             cancel
//	POST /workflows/:workflow_id/:transaction_id/:step_id/success   report success
//	POST /workflows/:workflow_id/:transaction_id/:step_id/failure   report failure
//	GET  /workflows/subscribe?workflow_id=                          server-sent events
//	GET  /metrics                                                   Prometheus
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/txflow/pkg/api"
	"github.com/petrijr/txflow/pkg/eventbus"
	"github.com/petrijr/txflow/pkg/worker"
)

// Option configures a Server.
type Option func(*Server)

// WithWorker hands runs, reports and cancellations to w's queue. The
// handlers answer 202 Accepted instead of waiting for the orchestrator.
func WithWorker(w *worker.Worker) Option {
	return func(s *Server) { s.worker = w }
}

// WithEvents sets the source of the subscribe stream. Defaults to the
// orchestrator's own listeners.
func WithEvents(src eventbus.Source) Option {
	return func(s *Server) { s.events = src }
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server holds the HTTP handlers.
type Server struct {
	orch    api.Orchestrator
	worker  *worker.Worker
	events  eventbus.Source
	metrics http.Handler
	logger  *slog.Logger
}

// New creates a Server for orch.
func New(orch api.Orchestrator, opts ...Option) *Server {
	s := &Server{orch: orch, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = eventbus.NewLocal(orch)
	}
	s.logger = s.logger.With("component", "txflow.http")
	return s
}

// Handler returns a gin engine with every route registered.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests)
	s.Register(router)
	return router
}

// Register adds the routes to r.
func (s *Server) Register(r gin.IRouter) {
	wf := r.Group("/workflows")
	{
		wf.GET("/subscribe", s.subscribe)
		wf.POST("/:workflow_id", s.run)
		wf.GET("/:workflow_id/:transaction_id", s.get)
		wf.POST("/:workflow_id/:transaction_id/cancel", s.cancel)
		wf.POST("/:workflow_id/:transaction_id/:step_id/success", s.success)
		wf.POST("/:workflow_id/:transaction_id/:step_id/failure", s.failure)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
}

func (s *Server) logRequests(c *gin.Context) {
	c.Next()
	s.logger.DebugContext(c.Request.Context(), "request",
		slog.String("method", c.Request.Method),
		slog.String("path", c.FullPath()),
		slog.Int("status", c.Writer.Status()),
	)
}
