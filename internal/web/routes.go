package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/face-clusters/internal/web/handlers"
	"github.com/kozaktomas/face-clusters/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	scansHandler := handlers.NewScansHandler(s.engine, s.logger)
	clustersHandler := handlers.NewClustersHandler(s.engine, s.logger)
	historyHandler := handlers.NewHistoryHandler(s.engine, s.logger)
	constraintsHandler := handlers.NewConstraintsHandler(s.engine, s.logger)
	eventsHandler := handlers.NewEventsHandler(s.engine)
	configHandler := handlers.NewConfigHandler(s.config, s.engine)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.Web.APIToken))

		// Event streams stay open, so they are kept out of the timeout group.
		r.Get("/events", eventsHandler.Stream)
		r.Get("/scans/{scanId}/events", scansHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(5 * time.Minute))

			// Config
			r.Get("/config", configHandler.Get)

			// Scans
			r.Post("/scans", scansHandler.Start)
			r.Get("/scans", scansHandler.List)
			r.Get("/scans/{scanId}", scansHandler.Get)
			r.Post("/scans/{scanId}/pause", scansHandler.Pause)
			r.Post("/scans/{scanId}/resume", scansHandler.Resume)
			r.Post("/scans/{scanId}/cancel", scansHandler.Cancel)

			// Clusters
			r.Get("/clusters", clustersHandler.List)
			r.Post("/clusters/merge", clustersHandler.Merge)
			r.Get("/clusters/suggestions", clustersHandler.Suggestions)
			r.Post("/clusters/statistics/refresh", clustersHandler.RefreshStatistics)
			r.Get("/clusters/{clusterId}", clustersHandler.Get)
			r.Put("/clusters/{clusterId}", clustersHandler.Rename)
			r.Delete("/clusters/{clusterId}", clustersHandler.Delete)
			r.Post("/clusters/{clusterId}/split", clustersHandler.Split)
			r.Get("/clusters/{clusterId}/statistics", clustersHandler.Statistics)

			// Faces
			r.Get("/faces/{faceId}", clustersHandler.GetFace)
			r.Post("/faces/{faceId}/move", clustersHandler.MoveFace)

			// History
			r.Get("/history", historyHandler.List)
			r.Post("/history/{historyId}/undo", historyHandler.Undo)

			// Constraints
			r.Get("/constraints", constraintsHandler.List)
			r.Post("/constraints", constraintsHandler.Add)
			r.Delete("/constraints/{constraintId}", constraintsHandler.Remove)
		})
	})
}
