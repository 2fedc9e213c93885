package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
)

// RBAC service errors
var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrRoleNotFound        = errors.New("role not found")
	ErrGrantNotFound       = errors.New("grant not found")
	ErrGrantExists         = errors.New("grant already exists")
	ErrLastPrivilegedGrant = errors.New("cannot revoke the last grant holding rbac.manage")
)

// RBACService resolves effective permissions and manages grants. Resolution
// is deny-by-default: a permission is held only if some grant in scope
// carries it. Grants may be global (nil org) or scoped to one organization;
// the effective set in a scope is the union of both.
type RBACService struct {
	rbacRepo RBACStore
	audit    *AuditService
	cfg      *config.Config
	log      *logger.Logger

	mu    sync.RWMutex
	cache map[string]cachedPermissions
}

type cachedPermissions struct {
	perms   model.PermissionSet
	expires time.Time
}

// NewRBACService creates a new RBACService
func NewRBACService(rbacRepo RBACStore, audit *AuditService, cfg *config.Config, log *logger.Logger) *RBACService {
	return &RBACService{
		rbacRepo: rbacRepo,
		audit:    audit,
		cfg:      cfg,
		log:      log.WithComponent("rbac_service"),
		cache:    make(map[string]cachedPermissions),
	}
}

// EffectivePermissions resolves the principal's permission set in the given
// scope. An empty orgID resolves global grants only. Results are cached for
// the configured TTL; grant mutations through this service invalidate the
// principal's entries immediately.
func (s *RBACService) EffectivePermissions(ctx context.Context, principalID, orgID string) (model.PermissionSet, error) {
	key := principalID + "|" + orgID

	if ttl := s.cfg.RBAC.CacheTTL; ttl > 0 {
		s.mu.RLock()
		entry, ok := s.cache[key]
		s.mu.RUnlock()
		if ok && time.Now().Before(entry.expires) {
			return entry.perms, nil
		}
	}

	grants, err := s.rbacRepo.ListGrantsByPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}

	perms := make(model.PermissionSet)
	for _, grant := range grants {
		if grant.OrgID != nil && (orgID == "" || *grant.OrgID != orgID) {
			continue
		}
		role, err := s.rbacRepo.GetRole(ctx, grant.RoleID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, err
		}
		for _, p := range role.Permissions {
			perms[p] = struct{}{}
		}
	}

	if ttl := s.cfg.RBAC.CacheTTL; ttl > 0 {
		s.mu.Lock()
		s.cache[key] = cachedPermissions{perms: perms, expires: time.Now().Add(ttl)}
		s.mu.Unlock()
	}
	return perms, nil
}

// Authorize checks a single permission in scope; denial is an error so
// callers cannot forget to handle it
func (s *RBACService) Authorize(ctx context.Context, principalID, orgID string, permission model.Permission) error {
	perms, err := s.EffectivePermissions(ctx, principalID, orgID)
	if err != nil {
		return err
	}
	if !perms.Has(permission) {
		return ErrPermissionDenied
	}
	return nil
}

// AssignRole grants a role to a principal, optionally scoped to an org.
// Assigning an identical grant twice is rejected.
func (s *RBACService) AssignRole(ctx context.Context, principalID, roleID string, orgID *string, actor string) error {
	role, err := s.rbacRepo.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRoleNotFound
		}
		return err
	}

	grant := &model.RoleGrant{
		PrincipalID: principalID,
		RoleID:      roleID,
		OrgID:       orgID,
		CreatedAt:   time.Now(),
	}
	if err := s.rbacRepo.CreateGrant(ctx, grant); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return ErrGrantExists
		}
		return err
	}

	s.invalidate(principalID)
	s.audit.Record(ctx, actor, model.AuditActionRoleAssigned, principalID, map[string]interface{}{
		"role":  role.Name,
		"scope": scopeLabel(orgID),
	})
	return nil
}

// RevokeRole removes a grant. Revoking the last grant carrying rbac.manage
// in the grant's own scope is refused; leaving a scope with nobody able to
// administer grants is not a recoverable state. Holders scoped to some
// other org do not count, only global holders and holders in that scope do.
func (s *RBACService) RevokeRole(ctx context.Context, principalID, roleID string, orgID *string, actor string) error {
	role, err := s.rbacRepo.GetRole(ctx, roleID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrRoleNotFound
		}
		return err
	}

	if role.HasPermission(model.PermRBACManage) {
		others, err := s.rbacRepo.CountOtherGrantsWithPermissionInScope(ctx, model.PermRBACManage, principalID, orgID)
		if err != nil {
			return err
		}
		if others == 0 {
			return ErrLastPrivilegedGrant
		}
	}

	if err := s.rbacRepo.DeleteGrant(ctx, principalID, roleID, orgID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrGrantNotFound
		}
		return err
	}

	s.invalidate(principalID)
	s.audit.Record(ctx, actor, model.AuditActionRoleRevoked, principalID, map[string]interface{}{
		"role":  role.Name,
		"scope": scopeLabel(orgID),
	})
	return nil
}

// ListRoles returns all defined roles
func (s *RBACService) ListRoles(ctx context.Context) ([]*model.Role, error) {
	return s.rbacRepo.ListRoles(ctx)
}

// ListGrants returns the grants held by a principal
func (s *RBACService) ListGrants(ctx context.Context, principalID string) ([]*model.RoleGrant, error) {
	return s.rbacRepo.ListGrantsByPrincipal(ctx, principalID)
}

// CreateRole defines a new role
func (s *RBACService) CreateRole(ctx context.Context, name string, permissions []model.Permission) (*model.Role, error) {
	role := &model.Role{
		ID:          generateID("rol"),
		Name:        name,
		Permissions: permissions,
		CreatedAt:   time.Now(),
	}
	if err := s.rbacRepo.CreateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

// EnsureRole seeds a system role at bootstrap if it does not already exist
func (s *RBACService) EnsureRole(ctx context.Context, name string, permissions []model.Permission) (*model.Role, error) {
	existing, err := s.rbacRepo.GetRoleByName(ctx, name)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	role := &model.Role{
		ID:          generateID("rol"),
		Name:        name,
		IsSystem:    true,
		Permissions: permissions,
		CreatedAt:   time.Now(),
	}
	if err := s.rbacRepo.CreateRole(ctx, role); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return s.rbacRepo.GetRoleByName(ctx, name)
		}
		return nil, err
	}
	s.log.Info().Str("role", name).Msg("seeded system role")
	return role, nil
}

// invalidate drops every cached scope for the principal
func (s *RBACService) invalidate(principalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := principalID + "|"
	for key := range s.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.cache, key)
		}
	}
}

func scopeLabel(orgID *string) string {
	if orgID == nil {
		return "global"
	}
	return *orgID
}
