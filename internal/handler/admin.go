package handler

import (
	"errors"
	"net/http"

	"github.com/trustgate/trustgate/internal/middleware"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
	"github.com/trustgate/trustgate/internal/service"
)

// AdminUnlock clears a principal's sign-in lockout
func (h *Handler) AdminUnlock(w http.ResponseWriter, r *http.Request) {
	principalID := r.PathValue("id")
	actor := middleware.GetPrincipalID(r.Context())

	if err := h.authSvc.AdminUnlock(r.Context(), principalID, actor); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "principal_not_found", "Principal not found")
			return
		}
		h.log.Error().Err(err).Msg("failed to unlock principal")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to unlock principal")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "unlocked"})
}

// AdminDeactivate retires a principal account and kills its sessions
func (h *Handler) AdminDeactivate(w http.ResponseWriter, r *http.Request) {
	principalID := r.PathValue("id")
	actor := middleware.GetPrincipalID(r.Context())

	if err := h.authSvc.Deactivate(r.Context(), principalID, actor); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "principal_not_found", "Principal not found")
			return
		}
		h.log.Error().Err(err).Msg("failed to deactivate principal")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to deactivate principal")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// --- RBAC administration ---

// ListRoles returns all defined roles
func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.rbacSvc.ListRoles(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list roles")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list roles")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roles": roles})
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// CreateRole defines a new role
func (h *Handler) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.Name == "" || len(req.Permissions) == 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "Name and permissions are required")
		return
	}

	perms := make([]model.Permission, len(req.Permissions))
	for i, p := range req.Permissions {
		perms[i] = model.Permission(p)
	}

	role, err := h.rbacSvc.CreateRole(r.Context(), req.Name, perms)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, http.StatusConflict, "role_exists", "A role with this name already exists")
			return
		}
		h.log.Error().Err(err).Msg("failed to create role")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create role")
		return
	}

	writeJSON(w, http.StatusCreated, role)
}

type grantRequest struct {
	RoleID string  `json:"roleId"`
	OrgID  *string `json:"orgId,omitempty"`
}

// AssignRole grants a role to a principal
func (h *Handler) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.RoleID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Role ID is required")
		return
	}

	principalID := r.PathValue("id")
	actor := middleware.GetPrincipalID(r.Context())

	err := h.rbacSvc.AssignRole(r.Context(), principalID, req.RoleID, req.OrgID, actor)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRoleNotFound):
			writeError(w, http.StatusNotFound, "role_not_found", "Role not found")
		case errors.Is(err, service.ErrGrantExists):
			writeError(w, http.StatusConflict, "grant_exists", "This grant already exists")
		default:
			h.log.Error().Err(err).Msg("failed to assign role")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to assign role")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "assigned"})
}

// RevokeRole removes a grant from a principal
func (h *Handler) RevokeRole(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}
	if req.RoleID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "Role ID is required")
		return
	}

	principalID := r.PathValue("id")
	actor := middleware.GetPrincipalID(r.Context())

	err := h.rbacSvc.RevokeRole(r.Context(), principalID, req.RoleID, req.OrgID, actor)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrRoleNotFound):
			writeError(w, http.StatusNotFound, "role_not_found", "Role not found")
		case errors.Is(err, service.ErrGrantNotFound):
			writeError(w, http.StatusNotFound, "grant_not_found", "Grant not found")
		case errors.Is(err, service.ErrLastPrivilegedGrant):
			writeError(w, http.StatusConflict, "last_privileged_grant", "Cannot revoke the last grant holding rbac.manage")
		default:
			h.log.Error().Err(err).Msg("failed to revoke role")
			writeError(w, http.StatusInternalServerError, "internal_error", "Failed to revoke role")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ListGrants returns the grants held by a principal
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	principalID := r.PathValue("id")

	grants, err := h.rbacSvc.ListGrants(r.Context(), principalID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list grants")
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list grants")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"grants": grants})
}
