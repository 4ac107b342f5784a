package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fleetd/internal/store"
	"fleetd/internal/transport"
)

type registerRequest struct {
	ID string `json:"id"`
	transport.Hello
}

func (s *Server) handleRegisterRobot(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "id is required")
		return
	}
	hello := req.Hello
	s.deps.Dispatch.HandleUpdate(r.Context(), transport.Update{
		Kind:    transport.UpdateRegister,
		RobotID: id,
		At:      time.Now(),
		Hello:   &hello,
	})
	view, ok := s.deps.Robots.Get(id)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "registration rejected")
		return
	}
	s.audit(r, store.AuditEntry{Action: "robot.register", RobotID: id, Target: view.Pool})
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListRobots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"robots": s.deps.Robots.Robots()})
}

func (s *Server) handleGetRobot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := s.deps.Robots.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "robot not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"robot":   view,
		"breaker": s.deps.Robots.BreakerState(id),
	})
}

func (s *Server) handleUnregisterRobot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Robots.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "robot not found")
		return
	}
	s.deps.Dispatch.HandleUpdate(r.Context(), transport.Update{
		Kind:    transport.UpdateDisconnect,
		RobotID: id,
		At:      time.Now(),
	})
	s.audit(r, store.AuditEntry{Action: "robot.unregister", RobotID: id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Robots.Get(id); !ok {
		// The robot should re-register.
		writeError(w, http.StatusNotFound, "not_found", "robot not registered")
		return
	}
	s.deps.Dispatch.HandleUpdate(r.Context(), transport.Update{
		Kind:    transport.UpdateHeartbeat,
		RobotID: id,
		At:      time.Now(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRobotStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Robots.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "robot not registered")
		return
	}
	var rep transport.StatusReport
	if !decodeJSON(w, r, &rep) {
		return
	}
	s.deps.Dispatch.HandleUpdate(r.Context(), transport.Update{
		Kind:    transport.UpdateStatus,
		RobotID: id,
		At:      time.Now(),
		Status:  &rep,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRobotProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Robots.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "robot not registered")
		return
	}
	var rep transport.ProgressReport
	if !decodeJSON(w, r, &rep) {
		return
	}
	if rep.JobID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}
	s.deps.Dispatch.HandleUpdate(r.Context(), transport.Update{
		Kind:     transport.UpdateProgress,
		RobotID:  id,
		At:       time.Now(),
		Progress: &rep,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleRobotResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.deps.Robots.Get(id); !ok {
		writeError(w, http.StatusNotFound, "not_found", "robot not registered")
		return
	}
	var rep transport.ResultReport
	if !decodeJSON(w, r, &rep) {
		return
	}
	if rep.JobID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "job_id is required")
		return
	}
	s.deps.Dispatch.HandleUpdate(r.Context(), transport.Update{
		Kind:    transport.UpdateResult,
		RobotID: id,
		At:      time.Now(),
		Result:  &rep,
	})
	w.WriteHeader(http.StatusAccepted)
}
