// Package api is the HTTP surface of credflow: definition publishing,
// enqueue, resume, introspection, the live event stream and the operations
// triggers for the monitor and the lease sweep.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/credflow/internal/engine"
	"github.com/rendis/credflow/internal/logging"
	"github.com/rendis/credflow/internal/monitor"
	"github.com/rendis/credflow/internal/queue"
	"github.com/rendis/credflow/internal/store"
	"github.com/rendis/credflow/internal/streaming"
	"github.com/rendis/credflow/internal/validation"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store      store.Store
	Engine     *engine.Engine
	Dispatcher *queue.Dispatcher
	Publisher  *validation.Publisher
	Monitor    *monitor.Monitor
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// Server serves the JSON API and the SSE stream.
type Server struct {
	deps Deps
	now  func() time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	deps.Logger = logging.OrDefault(deps.Logger)
	return &Server{
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the HTTP handler for every API route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Definitions.
	mux.HandleFunc("POST /api/definitions", s.handlePublish)
	mux.HandleFunc("GET /api/definitions", s.handleListDefinitions)
	mux.HandleFunc("GET /api/definitions/{id}", s.handleGetDefinition)
	mux.HandleFunc("GET /api/definitions/{id}/{version}/diagram", s.handleDiagram)
	mux.HandleFunc("PUT /api/definitions/{id}/{version}/active", s.handleSetActive)

	// Queue and execution.
	mux.HandleFunc("POST /api/enqueue", s.handleEnqueue)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/retry-subject", s.handleRetrySubject)
	mux.HandleFunc("POST /api/executions/{id}/cancel", s.handleCancel)

	// Introspection.
	mux.HandleFunc("GET /api/state/{execution_id}", s.handleState)
	mux.HandleFunc("GET /api/executions", s.handleListExecutions)
	mux.HandleFunc("GET /api/executions/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/executions/{id}/alerts", s.handleAlerts)
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	// Operations triggers.
	mux.HandleFunc("POST /api/monitor/scan", s.handleMonitorScan)
	mux.HandleFunc("POST /api/queue/reclaim", s.handleReclaim)

	return s.logRequests(mux)
}

// logRequests logs every request at debug level and failures at warn.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.deps.Logger.Log(r.Context(), level, "http request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
