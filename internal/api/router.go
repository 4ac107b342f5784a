package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler builds the full route tree. Exposed so tests and embedders can
// serve it without the listener lifecycle.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.recoverPanics)
	r.Use(s.logRequests)
	r.Use(s.limitRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	if s.deps.Metrics != nil {
		r.Mount("/metrics", s.deps.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleSubmitJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})

		r.Route("/robots", func(r chi.Router) {
			r.Post("/", s.handleRegisterRobot)
			r.Get("/", s.handleListRobots)
			r.Get("/{id}", s.handleGetRobot)
			r.Delete("/{id}", s.handleUnregisterRobot)
			r.Post("/{id}/heartbeat", s.handleHeartbeat)
			r.Post("/{id}/status", s.handleRobotStatus)
			r.Post("/{id}/progress", s.handleRobotProgress)
			r.Post("/{id}/result", s.handleRobotResult)
		})

		r.Route("/pools", func(r chi.Router) {
			r.Get("/", s.handleListPools)
			r.Post("/", s.handleCreatePool)
			r.Put("/{name}", s.handleUpdatePool)
			r.Delete("/{name}", s.handleDeletePool)
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Post("/", s.handleCreateSchedule)
			r.Get("/", s.handleListSchedules)
			r.Get("/upcoming", s.handleUpcomingSchedules)
			r.Get("/{id}", s.handleGetSchedule)
			r.Put("/{id}", s.handleUpdateSchedule)
			r.Delete("/{id}", s.handleDeleteSchedule)
			r.Post("/{id}/enable", s.handleEnableSchedule)
			r.Post("/{id}/disable", s.handleDisableSchedule)
		})

		r.Post("/events", s.handleTriggerEvent)
	})

	return r
}
