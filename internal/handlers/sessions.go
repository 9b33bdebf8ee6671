package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gluk-w/claworc/terminal-gateway/internal/auth"
	"github.com/gluk-w/claworc/terminal-gateway/internal/session"
	"github.com/go-chi/chi/v5"
)

// adminCloseTimeout bounds how long DELETE waits for teardown.
const adminCloseTimeout = 15 * time.Second

// RequireRoot admits requests bearing a valid root-mode token in the
// Authorization header.
func (h *Terminal) RequireRoot(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hdr := r.Header.Get("Authorization")
		if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		claims, err := h.Verifier.Verify(strings.TrimSpace(hdr[7:]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		if claims.Mode != auth.ModeRoot {
			writeError(w, http.StatusForbidden, "Root access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Terminal) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.Manager.List(),
	})
}

func (h *Terminal) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionId")

	ctx, cancel := context.WithTimeout(r.Context(), adminCloseTimeout)
	defer cancel()
	err := h.Manager.Close(ctx, id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case err != nil:
		writeError(w, http.StatusGatewayTimeout, "Session is still closing")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
