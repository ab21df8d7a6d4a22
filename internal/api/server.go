package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/a11ylab/scanrunner/internal/config"
	"github.com/a11ylab/scanrunner/internal/dispatcher"
	"github.com/a11ylab/scanrunner/internal/metrics"
	"github.com/a11ylab/scanrunner/internal/policy/ratelimit"
	"github.com/a11ylab/scanrunner/internal/scan"
)

const (
	enqueueTimeout   = 5 * time.Second
	defaultListLimit = 50
	maxListLimit     = 500
)

// Server wires HTTP handlers to the dispatcher and run store.
type Server struct {
	router     chi.Router
	store      scan.RunStore
	dispatcher *dispatcher.Dispatcher
	idGen      scan.IDGenerator
	clock      scan.Clock
	limiter    *ratelimit.Limiter
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil limiter
// disables submission throttling.
func NewServer(
	store scan.RunStore,
	dispatcher *dispatcher.Dispatcher,
	idGen scan.IDGenerator,
	clock scan.Clock,
	limiter *ratelimit.Limiter,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		store:      store,
		dispatcher: dispatcher,
		idGen:      idGen,
		clock:      clock,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.submitScan)
			r.Get("/", s.listScans)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getScan)
				r.Post("/cancel", s.cancelScan)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	// In-memory dependencies are always ready; revisit if a durable store
	// or broker ever sits on the request path.
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scanRequest struct {
	URL       string         `json:"url"`
	TimeoutMs *int64         `json:"timeout_ms"`
	Options   map[string]any `json:"options"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	scanReq, err := s.toScanRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.limiter != nil && !s.limiter.Allow(scanReq.URL) {
		writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded for host")
		return
	}
	runID, err := s.enqueueRun(r.Context(), scanReq)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.store.Get(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// listScans handles GET /v1/scans?state=&limit=&offset=, newest first.
func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var state *scan.RunState
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		parsed, parseErr := parseRunState(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		state = &parsed
	}
	runs, err := s.store.List(r.Context(), state, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.store.Cancel(r.Context(), runID); err != nil {
		if errors.Is(err, scan.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("cancel run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}
	// Cancellation of a running scan is cooperative; the worker records the
	// terminal state once the poll loop observes it.
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) toScanRequest(req scanRequest) (scan.Request, error) {
	// URL validity is the engine's call; the value is forwarded verbatim.
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return scan.Request{}, errors.New("url is required")
	}
	timeout := s.cfg.DefaultScanTimeout()
	if req.TimeoutMs != nil {
		if *req.TimeoutMs <= 0 {
			return scan.Request{}, errors.New("timeout_ms must be > 0")
		}
		timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	return scan.Request{
		URL:     target,
		Timeout: timeout,
		Options: req.Options,
	}, nil
}

func (s *Server) enqueueRun(ctx context.Context, req scan.Request) (string, error) {
	runID, err := s.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	now := s.clock.Now()
	run := scan.Run{
		ID:        runID,
		Request:   req,
		State:     scan.RunStatePending,
		Submitted: now,
	}
	if err := s.store.Create(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := scan.RunItem{
		RunID:     runID,
		Request:   req,
		Submitted: now.Unix(),
	}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		// The record would otherwise sit pending forever with no queue entry.
		finishErr := s.store.Finish(ctx, runID, scan.Outcome{
			State:     scan.RunStateFailed,
			ErrorKind: scan.KindInternal,
			ErrorText: "run could not be queued",
		})
		if finishErr != nil {
			s.logger.Error("mark unqueued run failed", zap.String("run_id", runID), zap.Error(finishErr))
		}
		return "", fmt.Errorf("enqueue run: %w", err)
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseRunState(input string) (scan.RunState, error) {
	switch scan.RunState(strings.ToLower(input)) {
	case scan.RunStatePending:
		return scan.RunStatePending, nil
	case scan.RunStateRunning:
		return scan.RunStateRunning, nil
	case scan.RunStateComplete:
		return scan.RunStateComplete, nil
	case scan.RunStateFailed:
		return scan.RunStateFailed, nil
	case scan.RunStateCancelled:
		return scan.RunStateCancelled, nil
	default:
		return "", errors.New("invalid state")
	}
}

type runDTO struct {
	RunID        string          `json:"run_id"`
	URL          string          `json:"url"`
	State        string          `json:"state"`
	Submitted    time.Time       `json:"submitted"`
	Started      *time.Time      `json:"started,omitempty"`
	Finished     *time.Time      `json:"finished,omitempty"`
	SnapshotID   string          `json:"snapshot_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	Percent      float64         `json:"percent,omitempty"`
	Message      string          `json:"message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ResultDigest string          `json:"result_digest,omitempty"`
	ErrorKind    string          `json:"error_kind,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func toRunDTOs(runs []scan.Run) []runDTO {
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run scan.Run) runDTO {
	dto := runDTO{
		RunID:        run.ID,
		URL:          run.Request.URL,
		State:        string(run.State),
		Submitted:    run.Submitted,
		Started:      run.Started,
		Finished:     run.Finished,
		Result:       run.Result,
		ResultDigest: run.ResultDigest,
		ErrorKind:    run.ErrorKind,
		Error:        run.ErrorText,
	}
	if run.Latest != nil {
		dto.SnapshotID = run.Latest.SnapshotID
		dto.Status = string(run.Latest.Status)
		dto.Percent = run.Latest.Percent
		dto.Message = run.Latest.Message
	}
	return dto
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
