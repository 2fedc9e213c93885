package model

import "time"

// MFAStatus tracks the TOTP enrollment state machine:
// unenrolled -> pending -> enrolled -> disabled
type MFAStatus string

const (
	MFAStatusPending  MFAStatus = "pending"
	MFAStatusEnrolled MFAStatus = "enrolled"
	MFAStatusDisabled MFAStatus = "disabled"
)

// MFACredential is the TOTP shared secret for a principal. One-to-one with
// the principal; re-enrollment replaces the row.
type MFACredential struct {
	PrincipalID     string     `json:"principalId"`
	Secret          []byte     `json:"-"` // never expose
	Status          MFAStatus  `json:"status"`
	ConfirmAttempts int        `json:"-"`
	LastUsedStep    int64      `json:"-"` // replay guard across the skew window
	CreatedAt       time.Time  `json:"createdAt"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
}

// BackupCode represents a one-time-use recovery code
type BackupCode struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principalId"`
	CodeHash    string     `json:"-"` // hashed code, never expose
	UsedAt      *time.Time `json:"usedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// IsUsed checks if the backup code has already been consumed
func (b *BackupCode) IsUsed() bool {
	return b.UsedAt != nil
}

// MFASetup is returned when beginning TOTP enrollment
type MFASetup struct {
	Secret    string `json:"secret"`
	URI       string `json:"uri"`
	QRCode    string `json:"qrCode"` // base64-encoded PNG
	Issuer    string `json:"issuer"`
	AccountID string `json:"accountId"`
}

// BackupCodeBatch is returned when generating backup codes; the plaintext
// codes are shown exactly once.
type BackupCodeBatch struct {
	Codes []string `json:"codes"`
	Count int      `json:"count"`
}
