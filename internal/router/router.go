package router

import (
	"net/http"
	"time"

	"github.com/trustgate/trustgate/internal/handler"
	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/middleware"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/service"
)

// New creates and configures the HTTP router
func New(h *handler.Handler, mw *middleware.Middleware, log *logger.Logger, tokenSvc *service.TokenService, sessionSvc *service.SessionService, rbacSvc *service.RBACService) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoints (no auth required)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)

	// API v1 routes
	mux.HandleFunc("GET /api/v1/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"TrustGate API v1","version":"0.1.0"}`))
	})

	// Public authentication routes (rate limited)
	signinRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  5,
		Window: 15 * time.Minute,
		KeyFn:  middleware.IPKey,
	})
	signupRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  3,
		Window: 1 * time.Hour,
		KeyFn:  middleware.IPKey,
	})
	refreshRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  10,
		Window: 1 * time.Minute,
		KeyFn:  middleware.IPKey,
	})
	mfaVerifyRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  5,
		Window: 5 * time.Minute,
		KeyFn:  middleware.IPKey,
	})

	mux.Handle("POST /api/v1/auth/signup", signupRateLimit(http.HandlerFunc(h.Signup)))
	mux.Handle("POST /api/v1/auth/signin", signinRateLimit(http.HandlerFunc(h.Signin)))
	mux.Handle("POST /api/v1/auth/refresh", refreshRateLimit(http.HandlerFunc(h.Refresh)))

	// Protected routes (require auth + live session)
	authMw := mw.Auth(tokenSvc, sessionSvc)

	mux.Handle("GET /api/v1/auth/me", authMw(http.HandlerFunc(h.Me)))
	mux.Handle("POST /api/v1/auth/signout", authMw(http.HandlerFunc(h.Signout)))
	mux.Handle("POST /api/v1/auth/password/change", authMw(http.HandlerFunc(h.ChangePassword)))

	// Session management routes (authenticated)
	mux.Handle("GET /api/v1/sessions", authMw(http.HandlerFunc(h.ListSessions)))
	mux.Handle("GET /api/v1/sessions/{id}", authMw(http.HandlerFunc(h.GetSession)))
	mux.Handle("DELETE /api/v1/sessions/{id}", authMw(http.HandlerFunc(h.RevokeSession)))
	mux.Handle("POST /api/v1/sessions/revoke-all", authMw(http.HandlerFunc(h.RevokeOtherSessions)))

	// MFA routes (rate limited; totp/verify authenticates per request shape)
	mfaRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  10,
		Window: 1 * time.Minute,
		KeyFn:  middleware.IPKey,
	})
	mux.Handle("GET /api/v1/mfa", authMw(http.HandlerFunc(h.MFAStatus)))
	mux.Handle("POST /api/v1/mfa/totp/setup", authMw(mfaRateLimit(http.HandlerFunc(h.MFAEnrollBegin))))
	mux.Handle("POST /api/v1/mfa/totp/verify", mfaVerifyRateLimit(h.MFAVerify(authMw)))
	mux.Handle("POST /api/v1/mfa/backup-codes/regenerate", authMw(mfaRateLimit(http.HandlerFunc(h.MFABackupCodesRegenerate))))
	mux.Handle("POST /api/v1/mfa/disable", authMw(mfaRateLimit(http.HandlerFunc(h.MFADisable))))

	// Admin routes (require auth + permission)
	adminRateLimit := mw.RateLimit(middleware.RateLimitConfig{
		Limit:  10,
		Window: 1 * time.Minute,
		KeyFn:  middleware.IPKey,
	})
	principalAdm := mw.RequirePermission(rbacSvc, model.PermPrincipalAdm)
	rbacManage := mw.RequirePermission(rbacSvc, model.PermRBACManage)
	auditRead := mw.RequirePermission(rbacSvc, model.PermAuditRead)

	mux.Handle("POST /api/v1/admin/principals/{id}/unlock", authMw(principalAdm(adminRateLimit(http.HandlerFunc(h.AdminUnlock)))))
	mux.Handle("POST /api/v1/admin/principals/{id}/deactivate", authMw(principalAdm(adminRateLimit(http.HandlerFunc(h.AdminDeactivate)))))

	mux.Handle("GET /api/v1/admin/roles", authMw(rbacManage(http.HandlerFunc(h.ListRoles))))
	mux.Handle("POST /api/v1/admin/roles", authMw(rbacManage(http.HandlerFunc(h.CreateRole))))
	mux.Handle("GET /api/v1/admin/principals/{id}/grants", authMw(rbacManage(http.HandlerFunc(h.ListGrants))))
	mux.Handle("POST /api/v1/admin/principals/{id}/grants", authMw(rbacManage(http.HandlerFunc(h.AssignRole))))
	mux.Handle("DELETE /api/v1/admin/principals/{id}/grants", authMw(rbacManage(http.HandlerFunc(h.RevokeRole))))

	// Audit routes (require auth + permission)
	mux.Handle("GET /api/v1/audit/events", authMw(auditRead(http.HandlerFunc(h.AuditQuery))))
	mux.Handle("GET /api/v1/audit/verify-chain", authMw(auditRead(http.HandlerFunc(h.AuditVerify))))

	// Apply middleware stack
	var hdl http.Handler = mux

	// Security headers
	hdl = mw.SecurityHeaders(hdl)

	// Request logging
	hdl = mw.Logger(hdl)

	// Request ID
	hdl = mw.RequestID(hdl)

	// Panic recovery (outermost)
	hdl = mw.Recover(hdl)

	return hdl
}
