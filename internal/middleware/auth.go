package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/trustgate/trustgate/internal/service"
)

// Context keys for authenticated principal data
const (
	PrincipalIDKey contextKey = "principal_id"
	OrgIDKey       contextKey = "org_id"
	SessionIDKey   contextKey = "session_id"
	FamilyIDKey    contextKey = "family_id"
)

// Auth validates the access token and checks that its session is still
// live. A signature alone is not enough: revocation must bite within one
// request, not one token lifetime.
func (m *Middleware) Auth(tokens *service.TokenService, sessions *service.SessionService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenString string

			// 1. Try Authorization header first
			authHeader := r.Header.Get("Authorization")
			if authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
					tokenString = parts[1]
				}
			}

			// 2. Fall back to cookie
			if tokenString == "" {
				if cookie, err := r.Cookie("trustgate_access_token"); err == nil && cookie.Value != "" {
					tokenString = cookie.Value
				}
			}

			if tokenString == "" {
				http.Error(w, `{"error":{"code":"unauthorized","message":"Authentication required"}}`, http.StatusUnauthorized)
				return
			}

			claims, err := tokens.ValidateAccessToken(tokenString)
			if err != nil {
				m.log.Debug().Err(err).Msg("token validation failed")
				http.Error(w, `{"error":{"code":"token_expired","message":"The access token is invalid or expired"}}`, http.StatusUnauthorized)
				return
			}

			live, err := sessions.IsSessionLive(r.Context(), claims.SessionID)
			if err != nil {
				m.log.Error().Err(err).Msg("session liveness check failed")
				http.Error(w, `{"error":{"code":"internal_error","message":"An unexpected error occurred"}}`, http.StatusInternalServerError)
				return
			}
			if !live {
				http.Error(w, `{"error":{"code":"session_revoked","message":"The session is no longer active"}}`, http.StatusUnauthorized)
				return
			}

			if err := sessions.Touch(r.Context(), claims.SessionID); err != nil {
				m.log.Debug().Err(err).Msg("failed to touch session")
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, PrincipalIDKey, claims.Subject)
			ctx = context.WithValue(ctx, OrgIDKey, claims.OrgID)
			ctx = context.WithValue(ctx, SessionIDKey, claims.SessionID)
			ctx = context.WithValue(ctx, FamilyIDKey, claims.FamilyID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipalID retrieves the authenticated principal ID from context
func GetPrincipalID(ctx context.Context) string {
	if id, ok := ctx.Value(PrincipalIDKey).(string); ok {
		return id
	}
	return ""
}

// GetOrgID retrieves the authenticated org scope from context
func GetOrgID(ctx context.Context) string {
	if id, ok := ctx.Value(OrgIDKey).(string); ok {
		return id
	}
	return ""
}

// GetSessionID retrieves the calling session ID from context
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}
