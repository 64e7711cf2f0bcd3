package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Kdotropez/loto-news/internal/controller"
	"github.com/Kdotropez/loto-news/internal/enumerator"
	"github.com/Kdotropez/loto-news/internal/evaluator"
	"github.com/Kdotropez/loto-news/internal/jobmanager"
	"github.com/Kdotropez/loto-news/internal/worker"
	"github.com/Kdotropez/loto-news/pkg/middleware"
	"github.com/Kdotropez/loto-news/pkg/types"
)

// QueueResponse is the body of GET /api/queue and of successful replacements.
type QueueResponse struct {
	Jobs    []types.Job  `json:"jobs"`
	Counts  types.Counts `json:"counts"`
	Warning string       `json:"warning,omitempty"`
}

// QueueRequest is the body of PUT /api/queue.
type QueueRequest struct {
	Jobs []types.Job `json:"jobs"`
}

// GenerateResponse is the body of POST /api/queue/generate.
type GenerateResponse struct {
	Generated int            `json:"generated"`
	Manifest  types.Manifest `json:"manifest"`
	Warning   string         `json:"warning,omitempty"`
}

// RunnerCommand is the body of POST /api/runner. Omitted fields keep the
// runner's current value, or the configured default when it never ran.
type RunnerCommand struct {
	Action        string  `json:"action"`
	TargetAddress *string `json:"targetAddress,omitempty"`
	IntervalMs    int64   `json:"intervalMs,omitempty"`
	SliceSize     int     `json:"sliceSize,omitempty"`
	BatchPerTick  int     `json:"batchPerTick,omitempty"`
	UseFallback   *bool   `json:"useFallback,omitempty"`
}

// WorkerResponse is the body of POST /api/worker/evaluate.
type WorkerResponse struct {
	Success  bool         `json:"success"`
	JobID    types.JobID  `json:"jobId,omitempty"`
	Data     *types.Stats `json:"data,omitempty"`
	Fallback bool         `json:"fallback,omitempty"`
	Error    string       `json:"error,omitempty"`
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, QueueResponse{
		Jobs:   s.deps.Store.Jobs(),
		Counts: s.deps.Store.Counts(),
	})
}

func (s *Server) putQueue(w http.ResponseWriter, r *http.Request) {
	var req QueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	warning, ok := s.storeResult(w, r, "replace", s.deps.Store.Replace(r.Context(), req.Jobs, false))
	if !ok {
		return
	}
	counts := s.deps.Store.Counts()
	s.deps.Metrics.UpdateQueue(counts)

	slog.Info("Queue replaced", "jobs", counts.Total, "correlation_id", middleware.GetCorrelationID(r.Context()))
	writeJSON(w, http.StatusOK, QueueResponse{
		Jobs:    s.deps.Store.Jobs(),
		Counts:  counts,
		Warning: warning,
	})
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var space types.SpaceConfig
	if err := decodeJSON(w, r, &space); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := enumerator.Enumerate(space)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	warning, ok := s.storeResult(w, r, "generate", s.deps.Store.ReplaceGenerated(r.Context(), space, jobs))
	if !ok {
		return
	}
	s.deps.Metrics.RecordGenerated(len(jobs))
	s.deps.Metrics.UpdateQueue(s.deps.Store.Counts())

	slog.Info("Queue generated",
		"jobs", len(jobs),
		"patterns", len(space.PatternIDs),
		"k_min", space.KMin,
		"k_max", space.KMax,
		"correlation_id", middleware.GetCorrelationID(r.Context()))
	writeJSON(w, http.StatusOK, GenerateResponse{
		Generated: len(jobs),
		Manifest:  s.deps.Store.Manifest(),
		Warning:   warning,
	})
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	warning, ok := s.storeResult(w, r, "reset", s.deps.Store.ResetAll(r.Context()))
	if !ok {
		return
	}
	counts := s.deps.Store.Counts()
	s.deps.Metrics.UpdateQueue(counts)

	slog.Info("Queue reset", "jobs", counts.Total, "correlation_id", middleware.GetCorrelationID(r.Context()))
	writeJSON(w, http.StatusOK, QueueResponse{
		Jobs:    s.deps.Store.Jobs(),
		Counts:  counts,
		Warning: warning,
	})
}

func (s *Server) manifest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Store.Manifest())
}

// storeResult maps a queue mutation error to a response. A persist failure
// keeps the in-memory change and is reported as a warning.
func (s *Server) storeResult(w http.ResponseWriter, r *http.Request, op string, err error) (string, bool) {
	switch {
	case err == nil:
		return "", true
	case errors.Is(err, jobmanager.ErrPersistFailed):
		s.deps.Metrics.RecordPersistFailure()
		slog.Warn("Queue change kept in memory but not persisted",
			"op", op,
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()))
		return err.Error(), true
	case errors.Is(err, jobmanager.ErrInvalidJob), errors.Is(err, jobmanager.ErrDuplicateJob):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("Queue mutation failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
	return "", false
}

func (s *Server) runnerCommand(w http.ResponseWriter, r *http.Request) {
	var cmd RunnerCommand
	if err := decodeJSON(w, r, &cmd); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	switch cmd.Action {
	case "start":
		cfg := s.runnerConfig(cmd)
		if err := s.deps.Runner.Start(r.Context(), cfg); err != nil {
			if errors.Is(err, controller.ErrInvalidRunnerConfig) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			slog.Error("Failed to start runner", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	case "stop":
		if err := s.deps.Runner.Stop(); err != nil {
			if errors.Is(err, controller.ErrAlreadyStopped) {
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	default:
		writeError(w, http.StatusBadRequest, `action must be "start" or "stop"`)
		return
	}

	writeJSON(w, http.StatusOK, s.deps.Runner.Status())
}

// runnerConfig overlays a start command on the runner's current config.
func (s *Server) runnerConfig(cmd RunnerCommand) controller.Config {
	cfg := s.deps.Runner.Config()
	if cfg.Interval == 0 {
		cfg = s.deps.RunnerDefaults
	}
	if cmd.TargetAddress != nil {
		cfg.TargetAddress = *cmd.TargetAddress
	}
	if cmd.IntervalMs != 0 {
		cfg.Interval = time.Duration(cmd.IntervalMs) * time.Millisecond
	}
	if cmd.SliceSize != 0 {
		cfg.SliceSize = cmd.SliceSize
	}
	if cmd.BatchPerTick != 0 {
		cfg.BatchPerTick = cmd.BatchPerTick
	}
	if cmd.UseFallback != nil {
		cfg.UseFallback = *cmd.UseFallback
	}
	return cfg
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req evaluator.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, evaluator.Response{Error: err.Error()})
		return
	}

	stats, err := s.deps.Evaluator.Evaluate(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, evaluator.ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, evaluator.ErrNoHistory):
			status = http.StatusNotFound
		default:
			slog.Error("Evaluation failed", "error", err, "correlation_id", middleware.GetCorrelationID(r.Context()))
		}
		writeJSON(w, status, evaluator.Response{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, evaluator.Response{Success: true, Data: &stats})
}

// workerEvaluate runs one job through the worker executor. A body carrying
// only an id is resolved against the current queue.
func (s *Server) workerEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var job types.Job
	if err := decodeJSON(w, r, &job); err != nil {
		writeJSON(w, http.StatusBadRequest, WorkerResponse{Error: err.Error()})
		return
	}
	if job.TargetSize == 0 && job.ID != "" {
		queued, ok := s.deps.Store.GetJob(job.ID)
		if !ok {
			writeJSON(w, http.StatusNotFound, WorkerResponse{JobID: job.ID, Error: jobmanager.ErrJobNotFound.Error()})
			return
		}
		job = queued
	}

	outcome, err := s.deps.Worker.Execute(r.Context(), job)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, worker.ErrInvalidJob) || errors.Is(err, evaluator.ErrInvalidRequest):
			status = http.StatusBadRequest
		case errors.Is(err, evaluator.ErrNoHistory):
			status = http.StatusNotFound
		default:
			slog.Error("Worker evaluation failed", "job_id", job.ID, "error", err)
		}
		writeJSON(w, status, WorkerResponse{JobID: job.ID, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, WorkerResponse{
		Success:  true,
		JobID:    job.ID,
		Data:     &outcome.Stats,
		Fallback: outcome.Fallback,
	})
}
