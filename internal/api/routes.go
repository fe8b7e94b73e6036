package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.HandleStats)
		r.Get("/ports", s.HandleListPorts)

		// OTA
		r.Route("/ota", func(r chi.Router) {
			r.Post("/", s.HandleDispatchOTA)
			r.Get("/history", s.HandleOTAHistory)
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", s.HandleListOTASessions)
				r.Get("/{device_id}", s.HandleGetOTASession)
				r.Delete("/{device_id}", s.HandleClearOTASession)
			})
		})

		// Backend session
		r.Get("/session", s.HandleGetSession)
		r.Post("/session/refresh", s.HandleRefreshSession)

		// Events
		r.Get("/events", s.HandleListEvents)
	})
}
