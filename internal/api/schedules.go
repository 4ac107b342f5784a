package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"fleetd/internal/schedule"
	"fleetd/internal/store"
)

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var sp schedule.Spec
	if !decodeJSON(w, r, &sp) {
		return
	}
	created, err := s.deps.Scheduler.Create(r.Context(), sp)
	if err != nil {
		if errors.Is(err, schedule.ErrExists) {
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.audit(r, store.AuditEntry{Action: "schedule.create", ScheduleID: created.ID, Target: created.Name})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.deps.Scheduler.List()})
}

func (s *Server) handleUpcomingSchedules(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"upcoming": s.deps.Scheduler.Upcoming(limit)})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sp, ok := s.deps.Scheduler.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sp)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var sp schedule.Spec
	if !decodeJSON(w, r, &sp) {
		return
	}
	updated, err := s.deps.Scheduler.Update(r.Context(), id, sp)
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.audit(r, store.AuditEntry{Action: "schedule.update", ScheduleID: id, Target: updated.Name})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Scheduler.Delete(r.Context(), id); err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.audit(r, store.AuditEntry{Action: "schedule.delete", ScheduleID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := chi.URLParam(r, "id")
	var (
		sp  schedule.Spec
		err error
	)
	if enabled {
		sp, err = s.deps.Scheduler.Enable(r.Context(), id)
	} else {
		sp, err = s.deps.Scheduler.Disable(r.Context(), id)
	}
	if err != nil {
		if errors.Is(err, schedule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	action := "schedule.disable"
	if enabled {
		action = "schedule.enable"
	}
	s.audit(r, store.AuditEntry{Action: action, ScheduleID: id, Target: sp.Name})
	writeJSON(w, http.StatusOK, sp)
}

type triggerEventRequest struct {
	Type    string         `json:"type"`
	Source  string         `json:"source,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleTriggerEvent(w http.ResponseWriter, r *http.Request) {
	var req triggerEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "type is required")
		return
	}
	matched := s.deps.Scheduler.TriggerEvent(r.Context(), req.Type, req.Source, req.Payload)
	s.audit(r, store.AuditEntry{Action: "event.trigger", Target: req.Type})
	writeJSON(w, http.StatusAccepted, map[string]int{"matched": matched})
}
