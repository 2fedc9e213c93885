package service

import (
	"context"
	"time"

	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
)

// Storage interfaces consumed by the services. The internal/repository
// types satisfy them; tests substitute in-memory implementations.

// PrincipalStore persists principal accounts
type PrincipalStore interface {
	Create(ctx context.Context, p *model.Principal) error
	GetByID(ctx context.Context, id string) (*model.Principal, error)
	GetByEmail(ctx context.Context, email string) (*model.Principal, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	UpdatePasswordHash(ctx context.Context, id string, hash string) error
	SetMFAEnrolled(ctx context.Context, id string, enrolled bool) error
	IncrementFailedAttempts(ctx context.Context, id string) (int, error)
	ResetFailedAttempts(ctx context.Context, id string) error
	LockUntil(ctx context.Context, id string, until time.Time) error
	Deactivate(ctx context.Context, id string) error
}

// SessionStore persists sessions
type SessionStore interface {
	Create(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	ListActiveByPrincipal(ctx context.Context, principalID string) ([]*model.Session, error)
	Touch(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string, at time.Time) error
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Session, error)
}

// TokenStore persists refresh families and generations
type TokenStore interface {
	CreateFamily(ctx context.Context, f *model.RefreshFamily) error
	GetFamily(ctx context.Context, id string) (*model.RefreshFamily, error)
	RevokeFamily(ctx context.Context, id string, at time.Time) error
	RevokeFamiliesBySession(ctx context.Context, sessionID string, at time.Time) (int, error)
	CreateGeneration(ctx context.Context, g *model.RefreshGeneration) error
	GetGenerationByHash(ctx context.Context, tokenHash string) (*model.RefreshGeneration, error)
	ClaimGeneration(ctx context.Context, id, successorID string, at time.Time) (bool, error)
	DeleteExpiredFamilies(ctx context.Context, before time.Time) (int, error)
}

// MFAStore persists TOTP credentials and backup codes
type MFAStore interface {
	UpsertCredential(ctx context.Context, c *model.MFACredential) error
	GetCredential(ctx context.Context, principalID string) (*model.MFACredential, error)
	ConfirmCredential(ctx context.Context, principalID string, at time.Time) error
	IncrementConfirmAttempts(ctx context.Context, principalID string) (int, error)
	AdvanceLastUsedStep(ctx context.Context, principalID string, step int64) (bool, error)
	DeleteCredential(ctx context.Context, principalID string) error
	CreateBackupCodes(ctx context.Context, codes []*model.BackupCode) error
	ConsumeBackupCode(ctx context.Context, principalID, codeHash string, at time.Time) (bool, error)
	CountUnusedBackupCodes(ctx context.Context, principalID string) (int, error)
	DeleteBackupCodes(ctx context.Context, principalID string) error
}

// RBACStore persists roles and grants
type RBACStore interface {
	CreateRole(ctx context.Context, role *model.Role) error
	GetRole(ctx context.Context, id string) (*model.Role, error)
	GetRoleByName(ctx context.Context, name string) (*model.Role, error)
	ListRoles(ctx context.Context) ([]*model.Role, error)
	CreateGrant(ctx context.Context, g *model.RoleGrant) error
	DeleteGrant(ctx context.Context, principalID, roleID string, orgID *string) error
	ListGrantsByPrincipal(ctx context.Context, principalID string) ([]*model.RoleGrant, error)
	CountOtherGrantsWithPermissionInScope(ctx context.Context, permission model.Permission, excludePrincipalID string, orgID *string) (int, error)
}

// AuditStore persists the audit chain
type AuditStore interface {
	Append(ctx context.Context, fill func(lastSeq uint64, lastHash string) (*model.AuditEvent, error)) (*model.AuditEvent, error)
	Query(ctx context.Context, filter repository.AuditFilter) ([]*model.AuditEvent, error)
	Range(ctx context.Context, fromSeq, toSeq uint64) ([]*model.AuditEvent, error)
	LastSeq(ctx context.Context) (uint64, error)
}

// Publisher fans appended audit events out to subscribers
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// ChallengeStore holds short-lived sign-in challenges. The database.Redis
// wrapper satisfies it; GetDel makes consumption one-shot.
type ChallengeStore interface {
	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetDel(ctx context.Context, key string) (string, error)
}
