package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"fleetd/internal/robot"
	"fleetd/internal/store"
)

func (s *Server) handleListPools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"pools": s.deps.Robots.Pools()})
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var p robot.Pool
	if !decodeJSON(w, r, &p) {
		return
	}
	if err := s.deps.Robots.CreatePool(p); err != nil {
		if errors.Is(err, robot.ErrPoolExists) {
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.audit(r, store.AuditEntry{Action: "pool.create", Target: p.Name})
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	var p robot.Pool
	if !decodeJSON(w, r, &p) {
		return
	}
	p.Name = chi.URLParam(r, "name")
	if err := s.deps.Robots.UpdatePool(p); err != nil {
		if errors.Is(err, robot.ErrUnknownPool) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.audit(r, store.AuditEntry{Action: "pool.update", Target: p.Name})
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.deps.Robots.RemovePool(name); err != nil {
		if errors.Is(err, robot.ErrUnknownPool) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	s.audit(r, store.AuditEntry{Action: "pool.delete", Target: name})
	w.WriteHeader(http.StatusNoContent)
}
