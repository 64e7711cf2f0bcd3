// ============================================================================
// Lotto-Search HTTP Surface
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Exposes the queue, the runner, the evaluation contract and the
//          progress stream over HTTP
//
// Routes:
//   GET|PUT  /api/queue            current queue / raw replacement (statuses kept)
//   POST     /api/queue/generate   enumerate a space and replace (statuses reset)
//   POST     /api/queue/reset      every job back to pending
//   GET      /api/queue/manifest   derived summary
//   GET|POST /api/runner           scheduler state / start|stop commands
//   POST     /api/evaluate         batch evaluation contract
//   POST     /api/worker/evaluate  one job through the fallback unit
//   GET      /api/progress         text/event-stream
//   GET      /health, /metrics
//
// Middleware order (outermost first): CorrelationID, Logging, Recovery, CORS
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Kdotropez/loto-news/internal/controller"
	"github.com/Kdotropez/loto-news/internal/evaluator"
	"github.com/Kdotropez/loto-news/internal/jobmanager"
	"github.com/Kdotropez/loto-news/internal/metrics"
	"github.com/Kdotropez/loto-news/internal/progress"
	"github.com/Kdotropez/loto-news/internal/worker"
	"github.com/Kdotropez/loto-news/pkg/middleware"
)

const maxBodyBytes = 32 << 20

// Deps are the components the server routes to. Metrics and Gatherer may be
// nil; /metrics is then not mounted.
type Deps struct {
	Store     *jobmanager.JobManager
	Runner    *controller.Runner
	Evaluator evaluator.Service
	Worker    worker.Executor
	Streamer  *progress.Streamer
	Metrics   *metrics.Collector
	Gatherer  prometheus.Gatherer

	// RunnerDefaults fill the fields a start command leaves out.
	RunnerDefaults controller.Config
	CORS           middleware.CORSConfig
}

// Server serves the HTTP surface.
type Server struct {
	deps    Deps
	httpSrv *http.Server

	// streams is cancelled on Shutdown so open progress streams end
	streams      context.Context
	closeStreams context.CancelFunc
}

// New creates a server. Call Handler to mount it elsewhere or ListenAndServe
// to run it on addr.
func New(addr string, deps Deps) *Server {
	if deps.CORS.AllowedOrigins == "" {
		deps.CORS = middleware.DefaultCORS()
	}
	s := &Server{deps: deps}
	s.streams, s.closeStreams = context.WithCancel(context.Background())
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpSrv.RegisterOnShutdown(s.closeStreams)
	return s
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.health)
	if s.deps.Gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(s.deps.Gatherer))
	}

	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/generate", s.generate)
	mux.HandleFunc("/api/queue/reset", s.reset)
	mux.HandleFunc("/api/queue/manifest", s.manifest)
	mux.HandleFunc("/api/runner", s.handleRunner)
	mux.HandleFunc("/api/evaluate", s.evaluate)
	mux.HandleFunc("/api/worker/evaluate", s.workerEvaluate)
	mux.HandleFunc("/api/progress", s.progress)

	handler := middleware.CORS(s.deps.CORS)(mux)
	handler = middleware.Recovery(handler)
	handler = middleware.Logging(handler)
	handler = middleware.CorrelationID(handler)

	return handler
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed after
// Shutdown is not reported.
func (s *Server) ListenAndServe() error {
	slog.Info("HTTP server listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, ends open progress streams and waits
// for the remaining active requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpSrv.Addr
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": s.deps.Runner != nil && s.deps.Runner.Running(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.getQueue(w, r)
	case http.MethodPut:
		s.putQueue(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleRunner(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.deps.Runner.Status())
	case http.MethodPost:
		s.runnerCommand(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.streams, cancel)
	defer stop()

	s.deps.Streamer.ServeHTTP(w, r.WithContext(ctx))
}
