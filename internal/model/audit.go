package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// AuditEvent is one link in the tamper-evident audit chain. Hash covers the
// previous event's hash plus this event's canonical content, so any mutation
// of stored history breaks verification at the first altered sequence number.
type AuditEvent struct {
	Seq        uint64                 `json:"seq"`
	EventID    string                 `json:"eventId"`
	OccurredAt time.Time              `json:"occurredAt"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	Target     string                 `json:"target"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	PrevHash   string                 `json:"prevHash"`
	Hash       string                 `json:"hash"`
}

// canonicalContent is the exact byte content covered by the event hash.
// Field order is fixed by the struct; encoding/json emits map keys sorted,
// so metadata serializes deterministically.
type canonicalContent struct {
	Seq        uint64                 `json:"seq"`
	OccurredAt string                 `json:"occurred_at"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	Target     string                 `json:"target"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// canonicalTimeLayout fixes the hashed timestamp at microsecond precision,
// matching what TIMESTAMPTZ stores. Hashing finer precision would break
// verification after the first storage round trip.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Canonicalize returns the deterministic byte serialization of the event's
// hashed content. Timestamps are normalized to UTC at microsecond precision.
func (e *AuditEvent) Canonicalize() ([]byte, error) {
	c := canonicalContent{
		Seq:        e.Seq,
		OccurredAt: e.OccurredAt.UTC().Format(canonicalTimeLayout),
		Actor:      e.Actor,
		Action:     e.Action,
		Target:     e.Target,
		Metadata:   e.Metadata,
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize audit event: %w", err)
	}
	return data, nil
}

// ComputeHash returns hex(SHA-256(prevHash || canonical)). The genesis event
// uses an empty previous hash.
func (e *AuditEvent) ComputeHash() (string, error) {
	canonical, err := e.Canonicalize()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Audit action constants
const (
	AuditActionSignup             = "auth.signup"
	AuditActionSignin             = "auth.signin"
	AuditActionSigninFailed       = "auth.signin_failed"
	AuditActionSignout            = "auth.signout"
	AuditActionPasswordChange     = "auth.password_changed"
	AuditActionTokenRefresh       = "token.refresh"
	AuditActionTokenReuseDetected = "token.reuse_detected"
	AuditActionFamilyRevoked      = "token.family_revoked"
	AuditActionSessionRevoked     = "session.revoked"
	AuditActionSessionRevokedAll  = "session.revoked_all"
	AuditActionMFAEnrollStarted   = "mfa.enroll_started"
	AuditActionMFAEnrolled        = "mfa.enrolled"
	AuditActionMFAChallengeFailed = "mfa.challenge_failed"
	AuditActionMFADisabled        = "mfa.disabled"
	AuditActionMFABackupCodesGen  = "mfa.backup_codes_regenerated"
	AuditActionMFABackupCodeUsed  = "mfa.backup_code_used"
	AuditActionRoleAssigned       = "rbac.role_assigned"
	AuditActionRoleRevoked        = "rbac.role_revoked"
	AuditActionAccountUnlock      = "principal.unlocked"
	AuditActionDeactivated        = "principal.deactivated"
)

// Severity metadata key and levels; reuse detection is appended with
// SeverityHigh so downstream consumers can alert on it.
const (
	MetaSeverity = "severity"
	SeverityHigh = "high"
)
