package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter mounts the read-only API under /api/v1.
//
//	GET /api/v1/health           open
//	GET /api/v1/ws               token via header or ?token=
//	GET /api/v1/readings         bearer token when auth is enabled
//	GET /api/v1/readings/latest
//	GET /api/v1/session
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware, s.accessLogMiddleware, s.corsMiddleware, bodyLimit)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ws", s.handleWebSocket)

		r.With(s.authMiddleware).Group(func(r chi.Router) {
			r.Get("/readings", s.handleListReadings)
			r.Get("/readings/latest", s.handleLatestReading)
			r.Get("/session", s.handleGetSession)
		})
	})
	return r
}
