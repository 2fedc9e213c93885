package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/trustgate/trustgate/internal/middleware"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
	"github.com/trustgate/trustgate/internal/service"
)

// JSON helper functions

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return errors.New("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// fingerprintFromRequest builds the session fingerprint from request headers
func fingerprintFromRequest(r *http.Request) model.Fingerprint {
	ua := r.UserAgent()
	deviceType := "desktop"
	lower := strings.ToLower(ua)
	if strings.Contains(lower, "mobile") || strings.Contains(lower, "android") || strings.Contains(lower, "iphone") {
		deviceType = "mobile"
	}
	return model.Fingerprint{
		IPAddress:  getClientIP(r),
		UserAgent:  ua,
		DeviceType: deviceType,
	}
}

// --- Signup ---

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	OrgID    string `json:"orgId,omitempty"`
}

// Signup handles principal registration
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Email and password are required")
		return
	}

	principal, err := h.authSvc.Signup(r.Context(), service.SignupRequest{
		Email:    req.Email,
		Password: req.Password,
		OrgID:    req.OrgID,
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmailAlreadyExists):
			writeError(w, http.StatusConflict, "email_exists", "An account with this email already exists")
		case errors.Is(err, service.ErrPasswordTooWeak):
			writeError(w, http.StatusBadRequest, "password_too_weak", err.Error())
		default:
			h.log.Error().Err(err).Msg("signup failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Signup failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, principal)
}

// --- Signin ---

type signinRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Signin handles password authentication; enrolled MFA returns a challenge
func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req signinRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Email and password are required")
		return
	}

	result, err := h.authSvc.Signin(r.Context(), service.SigninRequest{
		Email:       req.Email,
		Password:    req.Password,
		Fingerprint: fingerprintFromRequest(r),
	})
	if err != nil {
		h.writeSigninError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// --- MFA completion ---

type mfaVerifyRequest struct {
	ChallengeToken string `json:"challengeToken"`
	Code           string `json:"code"`
	BackupCode     bool   `json:"backupCode,omitempty"`
}

// SigninMFA completes a sign-in that required an MFA challenge
func (h *Handler) SigninMFA(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.ChallengeToken == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Challenge token and code are required")
		return
	}

	result, err := h.authSvc.CompleteMFASignin(r.Context(), req.ChallengeToken, req.Code, req.BackupCode)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrChallengeExpired):
			writeError(w, http.StatusUnauthorized, "challenge_expired", "The sign-in challenge has expired; sign in again")
		case errors.Is(err, service.ErrMFAInvalidCode), errors.Is(err, service.ErrMFAReplayedCode):
			writeError(w, http.StatusUnauthorized, "invalid_code", "The verification code was not accepted")
		case errors.Is(err, service.ErrMFANoBackupCodes):
			writeError(w, http.StatusUnauthorized, "no_backup_codes", "No backup codes remain for this account")
		case errors.Is(err, service.ErrAccountNotActive):
			writeError(w, http.StatusForbidden, "account_not_active", "This account is not active")
		default:
			h.log.Error().Err(err).Msg("MFA sign-in failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Sign-in failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// --- Token refresh ---

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh rotates a refresh token and returns a new pair
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Refresh token is required")
		return
	}

	pair, err := h.tokenSvc.RefreshTokenPair(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrTokenReuse):
			writeError(w, http.StatusUnauthorized, "token_reuse_detected", "This refresh token was already used; all related sessions have been revoked")
		case errors.Is(err, service.ErrInvalidToken), errors.Is(err, service.ErrTokenRevoked),
			errors.Is(err, service.ErrTokenExpired), errors.Is(err, service.ErrSessionRevoked):
			writeError(w, http.StatusUnauthorized, "invalid_token", "The refresh token is not valid")
		default:
			h.log.Error().Err(err).Msg("token refresh failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Token refresh failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

// --- Current principal ---

// Me returns the authenticated principal
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.GetPrincipalID(r.Context())

	principal, err := h.authSvc.GetPrincipal(r.Context(), principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Principal not found")
			return
		}
		h.log.Error().Err(err).Msg("failed to load principal")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to load principal")
		return
	}

	writeJSON(w, http.StatusOK, principal)
}

// --- Signout ---

// Signout revokes the calling session
func (h *Handler) Signout(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.GetPrincipalID(r.Context())
	sessionID := middleware.GetSessionID(r.Context())

	if err := h.authSvc.Signout(r.Context(), principalID, sessionID); err != nil {
		switch {
		case errors.Is(err, service.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session_not_found", "Session not found")
		case errors.Is(err, service.ErrNotSessionOwner):
			writeError(w, http.StatusForbidden, "forbidden", "Session belongs to another principal")
		default:
			h.log.Error().Err(err).Msg("signout failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Signout failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}

// --- Password change ---

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// ChangePassword rotates the password and revokes every other session
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Current and new passwords are required")
		return
	}

	principalID := middleware.GetPrincipalID(r.Context())
	sessionID := middleware.GetSessionID(r.Context())

	err := h.authSvc.ChangePassword(r.Context(), principalID, req.CurrentPassword, req.NewPassword, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid_credentials", "Current password is incorrect")
		case errors.Is(err, service.ErrPasswordTooWeak):
			writeError(w, http.StatusBadRequest, "password_too_weak", err.Error())
		case errors.Is(err, service.ErrSamePassword):
			writeError(w, http.StatusBadRequest, "same_password", "New password must differ from the current one")
		default:
			h.log.Error().Err(err).Msg("password change failed")
			writeError(w, http.StatusInternalServerError, "internal_error", "Password change failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "password_changed"})
}

// writeSigninError maps sign-in failures without leaking which field failed
func (h *Handler) writeSigninError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
	case errors.Is(err, service.ErrAccountLocked):
		writeError(w, http.StatusForbidden, "account_locked", "Account is temporarily locked")
	case errors.Is(err, service.ErrAccountNotActive):
		writeError(w, http.StatusForbidden, "account_not_active", "This account is not active")
	default:
		h.log.Error().Err(err).Msg("signin failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Sign-in failed")
	}
}
