package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trustgate/trustgate/internal/database"
	"github.com/trustgate/trustgate/internal/model"
)

// MFARepository handles TOTP credential and backup code persistence
type MFARepository struct {
	db *database.Postgres
}

// NewMFARepository creates a new MFARepository
func NewMFARepository(db *database.Postgres) *MFARepository {
	return &MFARepository{db: db}
}

// UpsertCredential creates or replaces the principal's TOTP credential.
// Re-enrollment starts the state machine over in pending.
func (r *MFARepository) UpsertCredential(ctx context.Context, c *model.MFACredential) error {
	query := `
		INSERT INTO mfa_credentials (principal_id, secret, status, confirm_attempts, last_used_step, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (principal_id) DO UPDATE
		SET secret = $2, status = $3, confirm_attempts = $4, last_used_step = $5, created_at = $6, confirmed_at = NULL
	`
	_, err := r.db.ExecContext(ctx, query, c.PrincipalID, c.Secret, c.Status, c.ConfirmAttempts, c.LastUsedStep, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert mfa credential: %w", err)
	}
	return nil
}

// GetCredential retrieves the principal's TOTP credential
func (r *MFARepository) GetCredential(ctx context.Context, principalID string) (*model.MFACredential, error) {
	query := `
		SELECT principal_id, secret, status, confirm_attempts, last_used_step, created_at, confirmed_at
		FROM mfa_credentials
		WHERE principal_id = $1
	`
	var c model.MFACredential
	err := r.db.QueryRowContext(ctx, query, principalID).Scan(
		&c.PrincipalID, &c.Secret, &c.Status, &c.ConfirmAttempts, &c.LastUsedStep, &c.CreatedAt, &c.ConfirmedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan mfa credential: %w", err)
	}
	return &c, nil
}

// ConfirmCredential flips a pending credential to enrolled
func (r *MFARepository) ConfirmCredential(ctx context.Context, principalID string, at time.Time) error {
	query := `
		UPDATE mfa_credentials
		SET status = $1, confirmed_at = $2
		WHERE principal_id = $3 AND status = $4
	`
	result, err := r.db.ExecContext(ctx, query, model.MFAStatusEnrolled, at, principalID, model.MFAStatusPending)
	if err != nil {
		return fmt.Errorf("failed to confirm mfa credential: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementConfirmAttempts bumps the failed confirmation counter and
// returns the new value
func (r *MFARepository) IncrementConfirmAttempts(ctx context.Context, principalID string) (int, error) {
	query := `
		UPDATE mfa_credentials
		SET confirm_attempts = confirm_attempts + 1
		WHERE principal_id = $1
		RETURNING confirm_attempts
	`
	var attempts int
	err := r.db.QueryRowContext(ctx, query, principalID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment confirm attempts: %w", err)
	}
	return attempts, nil
}

// AdvanceLastUsedStep records the TOTP step just accepted. The conditional
// guarantees the step only moves forward, so a code in the skew window
// cannot be replayed.
func (r *MFARepository) AdvanceLastUsedStep(ctx context.Context, principalID string, step int64) (bool, error) {
	query := `
		UPDATE mfa_credentials
		SET last_used_step = $1
		WHERE principal_id = $2 AND last_used_step < $1
	`
	result, err := r.db.ExecContext(ctx, query, step, principalID)
	if err != nil {
		return false, fmt.Errorf("failed to advance last used step: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read step advance result: %w", err)
	}
	return rowsAffected == 1, nil
}

// DeleteCredential removes the principal's TOTP credential
func (r *MFARepository) DeleteCredential(ctx context.Context, principalID string) error {
	query := `DELETE FROM mfa_credentials WHERE principal_id = $1`
	result, err := r.db.ExecContext(ctx, query, principalID)
	if err != nil {
		return fmt.Errorf("failed to delete mfa credential: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateBackupCodes inserts a batch of backup codes
func (r *MFARepository) CreateBackupCodes(ctx context.Context, codes []*model.BackupCode) error {
	query := `
		INSERT INTO backup_codes (id, principal_id, code_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`
	for _, c := range codes {
		if _, err := r.db.ExecContext(ctx, query, c.ID, c.PrincipalID, c.CodeHash, c.CreatedAt); err != nil {
			return fmt.Errorf("failed to create backup code: %w", err)
		}
	}
	return nil
}

// ConsumeBackupCode atomically marks a backup code used by its hash. Each
// code burns exactly once; concurrent presenters race on the WHERE clause.
func (r *MFARepository) ConsumeBackupCode(ctx context.Context, principalID, codeHash string, at time.Time) (bool, error) {
	query := `
		UPDATE backup_codes
		SET used_at = $1
		WHERE principal_id = $2 AND code_hash = $3 AND used_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, at, principalID, codeHash)
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read consume result: %w", err)
	}
	return rowsAffected == 1, nil
}

// CountUnusedBackupCodes returns how many codes remain for a principal
func (r *MFARepository) CountUnusedBackupCodes(ctx context.Context, principalID string) (int, error) {
	query := `SELECT COUNT(*) FROM backup_codes WHERE principal_id = $1 AND used_at IS NULL`
	var count int
	err := r.db.QueryRowContext(ctx, query, principalID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return count, nil
}

// DeleteBackupCodes removes all backup codes for a principal, used or not.
// Regeneration calls this before inserting the new batch.
func (r *MFARepository) DeleteBackupCodes(ctx context.Context, principalID string) error {
	query := `DELETE FROM backup_codes WHERE principal_id = $1`
	_, err := r.db.ExecContext(ctx, query, principalID)
	if err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}
	return nil
}
