package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/ductile-worker/internal/journal"
	"github.com/mattjoyce/ductile-worker/internal/orchestrator"
	"github.com/mattjoyce/ductile-worker/internal/process"
	"github.com/mattjoyce/ductile-worker/internal/task"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxAdjustSeconds    = 366 * 24 * 60 * 60
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depths := make(map[string]int, len(task.Domains))
	for d, n := range s.orch.QueueDepths() {
		depths[string(d)] = n
	}
	counts := make(map[string]int)
	for st, n := range s.orch.Counts() {
		counts[string(st)] = n
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepths:   depths,
		Processes:     counts,
	}
	if s.events != nil {
		resp.EventSubscribers = s.events.Subscribers()
		resp.EventsDropped = s.events.Dropped()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmit handles POST /tasks/{domain}/{operation}.
// Sync requests wait for the task up to the configured limit; async
// requests return the queued record immediately.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	domain, err := task.ParseDomain(chi.URLParam(r, "domain"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	op := chi.URLParam(r, "operation")

	var (
		async  bool
		submit func(ctx context.Context) (orchestrator.Submission, error)
	)
	switch domain {
	case task.DomainGit:
		var req task.GitRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		async = req.AsyncRequest
		submit = func(ctx context.Context) (orchestrator.Submission, error) {
			return s.orch.SubmitGit(ctx, op, req)
		}
	case task.DomainFile:
		var req task.FileRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		async = req.AsyncRequest
		submit = func(ctx context.Context) (orchestrator.Submission, error) {
			return s.orch.SubmitFile(ctx, op, req)
		}
	case task.DomainBuild:
		var req task.BuildRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
		async = req.AsyncRequest
		submit = func(ctx context.Context) (orchestrator.Submission, error) {
			return s.orch.SubmitBuild(ctx, op, req)
		}
	}

	ctx := r.Context()
	if !async {
		select {
		case s.syncSemaphore <- struct{}{}:
			defer func() { <-s.syncSemaphore }()
		default:
			s.writeError(w, http.StatusServiceUnavailable, "too many concurrent synchronous requests")
			return
		}

		wait := s.config.MaxSyncTimeout
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				s.writeError(w, http.StatusBadRequest, "invalid timeout")
				return
			}
			wait = min(d, wait)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	sub, err := submit(ctx)
	switch {
	case errors.Is(err, task.ErrUnknownOperation):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, task.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("submit failed", "domain", domain, "operation", op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}

	switch {
	case sub.Done:
		respondJSON(w, http.StatusOK, SubmitResponse{Record: sub.Record})
	case async:
		respondJSON(w, http.StatusAccepted, SubmitResponse{Record: sub.Record})
	default:
		respondJSON(w, http.StatusAccepted, SubmitResponse{Record: sub.Record, TimeoutExceeded: true})
	}
}

// handleGetProcess handles GET /process/{id}?kind=.
func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Status(chi.URLParam(r, "id"), r.URL.Query().Get("kind"))
	if err != nil {
		s.writeProcessError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleCancel handles POST /process/{id}/cancel.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeProcessError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) writeProcessError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, process.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, process.ErrTypeMismatch),
		errors.Is(err, process.ErrAlreadyTerminal),
		errors.Is(err, process.ErrNotCancellable):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("process lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleGetActivity handles GET /activity.
func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.tracker.GetStatus())
}

// handleAdjustActivity handles POST /activity/adjust.
func (s *Server) handleAdjustActivity(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.DeltaSeconds > maxAdjustSeconds || req.DeltaSeconds < -maxAdjustSeconds {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("delta_seconds must be within +-%d", maxAdjustSeconds))
		return
	}
	s.tracker.AdjustTimeout(time.Duration(req.DeltaSeconds) * time.Second)
	s.logger.Info("shutdown deadline adjusted", "delta_seconds", req.DeltaSeconds)
	respondJSON(w, http.StatusOK, s.tracker.GetStatus())
}

// handleHistory handles GET /history?kind=&limit=.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := s.history.Recent(r.Context(), r.URL.Query().Get("kind"), limit)
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if entries == nil {
		entries = []*journal.Entry{}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{Entries: entries})
}

// handleHistoryEntry handles GET /history/{id}.
func (s *Server) handleHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	e, err := s.history.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, journal.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to read journal", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
