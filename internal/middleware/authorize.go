package middleware

import (
	"errors"
	"net/http"

	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/service"
)

// RequirePermission gates a route on an RBAC permission in the caller's org
// scope. Must run after Auth.
func (m *Middleware) RequirePermission(rbac *service.RBACService, permission model.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID := GetPrincipalID(r.Context())
			if principalID == "" {
				http.Error(w, `{"error":{"code":"unauthorized","message":"Authentication required"}}`, http.StatusUnauthorized)
				return
			}

			err := rbac.Authorize(r.Context(), principalID, GetOrgID(r.Context()), permission)
			if err != nil {
				if errors.Is(err, service.ErrPermissionDenied) {
					http.Error(w, `{"error":{"code":"forbidden","message":"Insufficient permissions"}}`, http.StatusForbidden)
					return
				}
				m.log.Error().Err(err).Str("permission", string(permission)).Msg("authorization check failed")
				http.Error(w, `{"error":{"code":"internal_error","message":"An unexpected error occurred"}}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
