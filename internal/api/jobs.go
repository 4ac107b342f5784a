package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fleetd/internal/job"
	"fleetd/internal/queue"
	"fleetd/internal/store"
)

type duplicateResponse struct {
	Duplicate  bool   `json:"duplicate"`
	ExistingID string `json:"existing_id,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req job.SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	j, err := s.deps.Queue.Submit(r.Context(), req)
	if err != nil {
		var dup *queue.DuplicateError
		if errors.As(err, &dup) {
			writeJSON(w, http.StatusConflict, duplicateResponse{Duplicate: true, ExistingID: dup.ExistingID})
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.audit(r, store.AuditEntry{Action: "job.submit", JobID: j.ID, Target: j.WorkflowID})
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status, ok := job.ParseStatus(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown status filter")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	jobs := s.deps.Queue.List(status, limit)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, ok := s.deps.Queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Queue.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}
	ok, reason := s.deps.Dispatch.CancelJob(r.Context(), id, req.Reason)
	if !ok {
		writeError(w, http.StatusConflict, "conflict", reason)
		return
	}
	s.audit(r, store.AuditEntry{Action: "job.cancel", JobID: id, MetaJSON: `{"reason":` + strconv.Quote(req.Reason) + `}`})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
