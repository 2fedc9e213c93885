package model

import "time"

// Permission is an opaque permission string, e.g. "sessions.revoke"
type Permission string

// Well-known permissions enforced by the core
const (
	PermRBACManage   Permission = "rbac.manage"
	PermAuditRead    Permission = "audit.read"
	PermPrincipalAdm Permission = "principals.admin"
)

// Role names a set of permissions. System roles are seeded at bootstrap and
// carry the protection-critical permissions.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	IsSystem    bool         `json:"isSystem"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// HasPermission reports whether the role carries the given permission
func (r *Role) HasPermission(p Permission) bool {
	for _, rp := range r.Permissions {
		if rp == p {
			return true
		}
	}
	return false
}

// RoleGrant binds a principal to a role, optionally scoped to an
// organization. A nil OrgID means the grant applies in every scope.
type RoleGrant struct {
	PrincipalID string    `json:"principalId"`
	RoleID      string    `json:"roleId"`
	OrgID       *string   `json:"orgId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PermissionSet is the resolved effective permissions for a principal in a
// scope
type PermissionSet map[Permission]struct{}

// Has reports whether the set contains the permission
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// List returns the permissions as a slice (unordered)
func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	return out
}
