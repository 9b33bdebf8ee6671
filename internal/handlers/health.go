package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (h *Terminal) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "healthy",
		"active_sessions": h.Manager.Registry().Len(),
		"scoped_backend":  h.Backend,
	})
}

// Mount registers the gateway routes on r.
func (h *Terminal) Mount(r chi.Router) {
	r.Get("/health", h.HealthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/terminal", h.ServeWS)
		r.Group(func(r chi.Router) {
			r.Use(h.RequireRoot)
			r.Get("/sessions", h.ListSessions)
			r.Delete("/sessions/{sessionId}", h.CloseSession)
		})
	})
}
