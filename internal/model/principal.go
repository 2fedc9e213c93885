package model

import (
	"time"
)

// PrincipalStatus represents the status of a principal account
type PrincipalStatus string

const (
	PrincipalStatusActive    PrincipalStatus = "active"
	PrincipalStatusSuspended PrincipalStatus = "suspended"
	PrincipalStatusInactive  PrincipalStatus = "inactive"
)

// Principal represents an authenticated identity. Principals are never
// physically deleted; deactivation keeps audit history referentially intact.
type Principal struct {
	ID             string          `json:"id"`
	Email          string          `json:"email"`
	EmailVerified  bool            `json:"emailVerified"`
	PasswordHash   string          `json:"-"` // never expose password hash
	OrgID          string          `json:"orgId"`
	Status         PrincipalStatus `json:"status"`
	MFAEnrolled    bool            `json:"mfaEnrolled"`
	FailedAttempts int             `json:"-"`
	LockedUntil    *time.Time      `json:"-"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	DeactivatedAt  *time.Time      `json:"-"`
}

// IsLocked checks if the account is currently locked
func (p *Principal) IsLocked() bool {
	if p.LockedUntil == nil {
		return false
	}
	return time.Now().Before(*p.LockedUntil)
}

// IsActive checks if the account is active
func (p *Principal) IsActive() bool {
	return p.Status == PrincipalStatusActive
}
