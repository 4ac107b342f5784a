package api

import "net/http"

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Status != nil {
		writeJSON(w, http.StatusOK, s.deps.Status())
		return
	}
	// Without the injected composer, fall back to what the handlers see.
	doc := map[string]any{
		"queue":  s.deps.Queue.Snapshot(),
		"robots": s.deps.Robots.Snapshot(),
		"api":    s.Snapshot(),
	}
	if s.deps.Dispatch != nil {
		doc["dispatch"] = s.deps.Dispatch.Snapshot()
	}
	if s.deps.Scheduler != nil {
		doc["scheduler"] = s.deps.Scheduler.Snapshot()
	}
	writeJSON(w, http.StatusOK, doc)
}
