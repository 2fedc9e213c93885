package handler

import (
	"errors"
	"net/http"

	"github.com/trustgate/trustgate/internal/middleware"
	"github.com/trustgate/trustgate/internal/service"
)

// ListSessions returns the caller's active sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.GetPrincipalID(r.Context())

	sessions, err := h.sessionSvc.ListSessions(r.Context(), principalID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list sessions")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"current":  middleware.GetSessionID(r.Context()),
	})
}

// GetSession returns one of the caller's sessions
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.GetPrincipalID(r.Context())
	sessionID := r.PathValue("id")

	session, err := h.sessionSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "Session not found")
			return
		}
		h.log.Error().Err(err).Msg("failed to get session")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get session")
		return
	}
	if session.PrincipalID != principalID {
		writeError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// RevokeSession revokes one of the caller's sessions, cascading to its
// refresh families
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.GetPrincipalID(r.Context())
	sessionID := r.PathValue("id")

	session, err := h.sessionSvc.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found", "Session not found")
			return
		}
		h.log.Error().Err(err).Msg("failed to get session")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to revoke session")
		return
	}
	if session.PrincipalID != principalID {
		writeError(w, http.StatusNotFound, "session_not_found", "Session not found")
		return
	}

	if err := h.sessionSvc.RevokeSession(r.Context(), sessionID, principalID, "user request"); err != nil {
		h.log.Error().Err(err).Msg("failed to revoke session")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to revoke session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// RevokeOtherSessions revokes every session except the calling one
func (h *Handler) RevokeOtherSessions(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.GetPrincipalID(r.Context())
	sessionID := middleware.GetSessionID(r.Context())

	revoked, err := h.sessionSvc.RevokeAllOtherSessions(r.Context(), principalID, sessionID)
	if err != nil {
		var partial *service.PartialRevocationError
		if errors.As(err, &partial) {
			writeJSON(w, http.StatusMultiStatus, map[string]interface{}{
				"revoked": partial.Revoked,
				"failed":  partial.Failed,
			})
			return
		}
		h.log.Error().Err(err).Msg("failed to revoke sessions")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to revoke sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": revoked})
}
