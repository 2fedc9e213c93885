package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/trustgate/trustgate/internal/middleware"
	"github.com/trustgate/trustgate/internal/service"
)

// MFAStatus reports the caller's MFA enrollment state
func (h *Handler) MFAStatus(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.GetPrincipalID(r.Context())

	status, err := h.mfaSvc.Status(r.Context(), principalID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to get MFA status")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get MFA status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// MFAEnrollBegin starts TOTP enrollment and returns the provisioning secret
func (h *Handler) MFAEnrollBegin(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.GetPrincipalID(r.Context())

	setup, err := h.mfaSvc.BeginEnrollment(r.Context(), principalID)
	if err != nil {
		if errors.Is(err, service.ErrMFAAlreadyEnrolled) {
			writeError(w, http.StatusConflict, "already_enrolled", "MFA is already enrolled; disable it first")
			return
		}
		h.log.Error().Err(err).Msg("failed to begin MFA enrollment")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to begin enrollment")
		return
	}

	writeJSON(w, http.StatusOK, setup)
}

type mfaConfirmRequest struct {
	Code string `json:"code"`
}

// MFAEnrollConfirm proves possession of the TOTP secret and activates MFA.
// The response carries the backup codes; they are shown exactly once.
func (h *Handler) MFAEnrollConfirm(w http.ResponseWriter, r *http.Request) {
	var req mfaConfirmRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Code is required")
		return
	}

	principalID := middleware.GetPrincipalID(r.Context())

	batch, err := h.mfaSvc.ConfirmEnrollment(r.Context(), principalID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMFANotPending):
			writeError(w, http.StatusConflict, "no_pending_enrollment", "No pending MFA enrollment; begin enrollment first")
		case errors.Is(err, service.ErrMFAInvalidCode):
			writeError(w, http.StatusUnauthorized, "invalid_code", "The verification code was not accepted")
		case errors.Is(err, service.ErrMFATooManyAttempts):
			writeError(w, http.StatusTooManyRequests, "too_many_attempts", "Too many failed attempts; begin enrollment again")
		default:
			h.log.Error().Err(err).Msg("failed to confirm MFA enrollment")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to confirm enrollment")
		}
		return
	}

	writeJSON(w, http.StatusOK, batch)
}

// MFAVerify serves the combined TOTP verification endpoint. A body carrying
// a challenge token is a sign-in completion and needs no bearer token; a body
// without one is an enrollment confirmation and must pass the auth middleware.
func (h *Handler) MFAVerify(authMw func(http.Handler) http.Handler) http.Handler {
	confirm := authMw(http.HandlerFunc(h.MFAEnrollConfirm))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
			return
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		var peek struct {
			ChallengeToken string `json:"challengeToken"`
		}
		// Unknown fields are checked by the real decoder downstream
		_ = json.Unmarshal(body, &peek)
		if peek.ChallengeToken != "" {
			h.SigninMFA(w, r)
			return
		}
		confirm.ServeHTTP(w, r)
	})
}

// MFABackupCodesRegenerate replaces all outstanding backup codes
func (h *Handler) MFABackupCodesRegenerate(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.GetPrincipalID(r.Context())

	batch, err := h.mfaSvc.RegenerateBackupCodes(r.Context(), principalID)
	if err != nil {
		if errors.Is(err, service.ErrMFANotEnrolled) {
			writeError(w, http.StatusConflict, "not_enrolled", "MFA is not enrolled")
			return
		}
		h.log.Error().Err(err).Msg("failed to regenerate backup codes")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to regenerate backup codes")
		return
	}

	writeJSON(w, http.StatusOK, batch)
}

type mfaDisableRequest struct {
	Code          string `json:"code"`
	UseBackupCode bool   `json:"useBackupCode,omitempty"`
}

// MFADisable tears down MFA after one final code check. A backup code is
// accepted in place of a TOTP code so a principal who lost the device can
// still get out.
func (h *Handler) MFADisable(w http.ResponseWriter, r *http.Request) {
	var req mfaDisableRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Code is required")
		return
	}

	principalID := middleware.GetPrincipalID(r.Context())

	// Require a live code so a hijacked session cannot silently strip MFA
	if err := h.mfaSvc.DisableWithCode(r.Context(), principalID, req.Code, req.UseBackupCode); err != nil {
		switch {
		case errors.Is(err, service.ErrMFANotEnrolled):
			writeError(w, http.StatusConflict, "not_enrolled", "MFA is not enrolled")
		case errors.Is(err, service.ErrMFAInvalidCode), errors.Is(err, service.ErrMFAReplayedCode):
			writeError(w, http.StatusUnauthorized, "invalid_code", "The verification code was not accepted")
		default:
			h.log.Error().Err(err).Msg("failed to disable MFA")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to disable MFA")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}
