package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/trustgate/trustgate/internal/database"
	"github.com/trustgate/trustgate/internal/model"
)

// RBACRepository handles role and grant persistence
type RBACRepository struct {
	db *database.Postgres
}

// NewRBACRepository creates a new RBACRepository
func NewRBACRepository(db *database.Postgres) *RBACRepository {
	return &RBACRepository{db: db}
}

// CreateRole inserts a new role
func (r *RBACRepository) CreateRole(ctx context.Context, role *model.Role) error {
	query := `
		INSERT INTO roles (id, name, is_system, permissions, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, role.ID, role.Name, role.IsSystem, permissionsArray(role.Permissions), role.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create role: %w", err)
	}
	return nil
}

// GetRole retrieves a role by ID
func (r *RBACRepository) GetRole(ctx context.Context, id string) (*model.Role, error) {
	query := `SELECT id, name, is_system, permissions, created_at FROM roles WHERE id = $1`
	return r.scanRole(r.db.QueryRowContext(ctx, query, id))
}

// GetRoleByName retrieves a role by name
func (r *RBACRepository) GetRoleByName(ctx context.Context, name string) (*model.Role, error) {
	query := `SELECT id, name, is_system, permissions, created_at FROM roles WHERE name = $1`
	return r.scanRole(r.db.QueryRowContext(ctx, query, name))
}

// ListRoles returns all roles
func (r *RBACRepository) ListRoles(ctx context.Context) ([]*model.Role, error) {
	query := `SELECT id, name, is_system, permissions, created_at FROM roles ORDER BY name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []*model.Role
	for rows.Next() {
		var role model.Role
		var perms pq.StringArray
		if err := rows.Scan(&role.ID, &role.Name, &role.IsSystem, &perms, &role.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		role.Permissions = toPermissions(perms)
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// CreateGrant binds a principal to a role, optionally org-scoped
func (r *RBACRepository) CreateGrant(ctx context.Context, g *model.RoleGrant) error {
	query := `
		INSERT INTO role_grants (principal_id, role_id, org_id, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.ExecContext(ctx, query, g.PrincipalID, g.RoleID, g.OrgID, g.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create grant: %w", err)
	}
	return nil
}

// DeleteGrant removes a grant. Scope must match exactly; a nil orgID only
// removes the global grant.
func (r *RBACRepository) DeleteGrant(ctx context.Context, principalID, roleID string, orgID *string) error {
	var (
		result sql.Result
		err    error
	)
	if orgID == nil {
		query := `DELETE FROM role_grants WHERE principal_id = $1 AND role_id = $2 AND org_id IS NULL`
		result, err = r.db.ExecContext(ctx, query, principalID, roleID)
	} else {
		query := `DELETE FROM role_grants WHERE principal_id = $1 AND role_id = $2 AND org_id = $3`
		result, err = r.db.ExecContext(ctx, query, principalID, roleID, *orgID)
	}
	if err != nil {
		return fmt.Errorf("failed to delete grant: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListGrantsByPrincipal returns all grants held by a principal
func (r *RBACRepository) ListGrantsByPrincipal(ctx context.Context, principalID string) ([]*model.RoleGrant, error) {
	query := `
		SELECT principal_id, role_id, org_id, created_at
		FROM role_grants
		WHERE principal_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list grants: %w", err)
	}
	defer rows.Close()

	var grants []*model.RoleGrant
	for rows.Next() {
		var g model.RoleGrant
		if err := rows.Scan(&g.PrincipalID, &g.RoleID, &g.OrgID, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, &g)
	}
	return grants, rows.Err()
}

// CountOtherGrantsWithPermissionInScope counts principals other than the
// given one that hold a grant carrying the permission effective in the
// scope: global grants always count; org-scoped grants count only in their
// own org, and a nil orgID means the global scope itself. Used to keep the
// last protection-critical grant in a scope from being revoked.
func (r *RBACRepository) CountOtherGrantsWithPermissionInScope(ctx context.Context, permission model.Permission, excludePrincipalID string, orgID *string) (int, error) {
	query := `
		SELECT COUNT(DISTINCT g.principal_id)
		FROM role_grants g
		JOIN roles r ON r.id = g.role_id
		WHERE $1 = ANY(r.permissions) AND g.principal_id <> $2
	`
	args := []interface{}{string(permission), excludePrincipalID}
	if orgID == nil {
		query += " AND g.org_id IS NULL"
	} else {
		query += " AND (g.org_id IS NULL OR g.org_id = $3)"
		args = append(args, *orgID)
	}
	var count int
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count privileged grants: %w", err)
	}
	return count, nil
}

func (r *RBACRepository) scanRole(row *sql.Row) (*model.Role, error) {
	var role model.Role
	var perms pq.StringArray
	err := row.Scan(&role.ID, &role.Name, &role.IsSystem, &perms, &role.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan role: %w", err)
	}
	role.Permissions = toPermissions(perms)
	return &role, nil
}

func permissionsArray(perms []model.Permission) pq.StringArray {
	arr := make(pq.StringArray, len(perms))
	for i, p := range perms {
		arr[i] = string(p)
	}
	return arr
}

func toPermissions(arr pq.StringArray) []model.Permission {
	perms := make([]model.Permission, len(arr))
	for i, s := range arr {
		perms[i] = model.Permission(s)
	}
	return perms
}
