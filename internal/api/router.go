package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-driverhost/internal/auth"
	"github.com/nerrad567/gray-logic-driverhost/internal/driver"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health and metrics (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/auth/me", s.handleMe)
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/drivers", func(r chi.Router) {
				r.With(s.require(auth.PermFieldRead)).Get("/", s.handleListDrivers)
				r.With(s.require(auth.PermDriverManage)).Post("/", s.handleLoadDriver)

				r.Route("/{moniker}", func(r chi.Router) {
					r.With(s.require(auth.PermFieldRead)).Get("/", s.handleGetDriver)
					r.With(s.require(auth.PermDriverManage)).Delete("/", s.handleUnloadDriver)
					r.With(s.require(auth.PermDriverManage)).Post("/reload", s.handleReloadDriver)
					r.With(s.require(auth.PermDriverManage)).Post("/reconfigure", s.handleReconfigureDriver)
					r.With(s.require(auth.PermDriverManage)).Put("/verbosity", s.handleSetVerbosity)
					r.With(s.require(auth.PermDriverBackdoor)).Post("/backdoor/{op}", s.handleBackdoor)

					r.Route("/fields", func(r chi.Router) {
						r.With(s.require(auth.PermFieldRead)).Get("/", s.handleQueryFields)
						r.With(s.require(auth.PermFieldRead)).Get("/{field}", s.handleReadField)
						r.With(s.require(auth.PermFieldWrite)).Put("/{field}", s.handleWriteField)
					})
				})
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	drivers := s.host.Drivers()
	connected := 0
	for _, d := range drivers {
		if d.State == driver.StateConnected {
			connected++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           s.version,
		"drivers":           len(drivers),
		"drivers_connected": connected,
	})
}
