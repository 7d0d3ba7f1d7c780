package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Post("/webhook/vcs", s.handleWebhook)

	r.Post("/cascade/analyze", s.analyzeCascade)

	r.Route("/orchestrator", func(r chi.Router) {
		r.Post("/batch", s.dispatchBatch)
		r.Post("/sync", s.syncSession)
		r.Post("/sync-batch", s.syncBatch)
	})

	r.Route("/goals", func(r chi.Router) {
		r.Get("/", s.listGoals)
		r.Post("/", s.createGoal)

		r.Route("/{goalID}", func(r chi.Router) {
			r.Get("/", s.getGoal)
			r.Patch("/", s.updateGoal)
			r.Delete("/", s.deleteGoal)
			r.Post("/re-audit", s.reAuditGoal)
		})
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Get("/{sessionID}", s.getSession)
		r.Post("/{sessionID}/terminate", s.terminateSession)
	})

	r.Route("/locks", func(r chi.Router) {
		r.Get("/", s.listLocks)
		r.Delete("/", s.purgeLocks)
	})

	r.Get("/healthz", s.healthz)
}
