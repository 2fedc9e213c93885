package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/trustgate/trustgate/internal/database"
	"github.com/trustgate/trustgate/internal/model"
)

// PrincipalRepository handles principal data persistence
type PrincipalRepository struct {
	db *database.Postgres
}

// NewPrincipalRepository creates a new PrincipalRepository
func NewPrincipalRepository(db *database.Postgres) *PrincipalRepository {
	return &PrincipalRepository{db: db}
}

// Create inserts a new principal
func (r *PrincipalRepository) Create(ctx context.Context, p *model.Principal) error {
	query := `
		INSERT INTO principals (id, email, email_verified, password_hash, org_id, status, mfa_enrolled, failed_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.Email,
		p.EmailVerified,
		p.PasswordHash,
		p.OrgID,
		p.Status,
		p.MFAEnrolled,
		p.FailedAttempts,
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create principal: %w", err)
	}
	return nil
}

// GetByID retrieves a principal by ID (excludes deactivated)
func (r *PrincipalRepository) GetByID(ctx context.Context, id string) (*model.Principal, error) {
	query := `
		SELECT id, email, email_verified, password_hash, org_id, status,
		       mfa_enrolled, failed_attempts, locked_until, created_at, updated_at
		FROM principals
		WHERE id = $1 AND deactivated_at IS NULL
	`
	return r.scanPrincipal(r.db.QueryRowContext(ctx, query, id))
}

// GetByEmail retrieves a principal by email (excludes deactivated)
func (r *PrincipalRepository) GetByEmail(ctx context.Context, email string) (*model.Principal, error) {
	query := `
		SELECT id, email, email_verified, password_hash, org_id, status,
		       mfa_enrolled, failed_attempts, locked_until, created_at, updated_at
		FROM principals
		WHERE email = $1 AND deactivated_at IS NULL
	`
	return r.scanPrincipal(r.db.QueryRowContext(ctx, query, email))
}

// ExistsByEmail checks if a principal with the given email exists
func (r *PrincipalRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM principals WHERE email = $1 AND deactivated_at IS NULL)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check email existence: %w", err)
	}
	return exists, nil
}

// UpdatePasswordHash updates the principal's password hash
func (r *PrincipalRepository) UpdatePasswordHash(ctx context.Context, id string, hash string) error {
	query := `UPDATE principals SET password_hash = $1, updated_at = $2 WHERE id = $3 AND deactivated_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, hash, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMFAEnrolled updates the principal's MFA enrollment flag
func (r *PrincipalRepository) SetMFAEnrolled(ctx context.Context, id string, enrolled bool) error {
	query := `UPDATE principals SET mfa_enrolled = $1, updated_at = $2 WHERE id = $3 AND deactivated_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, enrolled, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update mfa enrollment: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementFailedAttempts increments the failed signin counter
func (r *PrincipalRepository) IncrementFailedAttempts(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE principals
		SET failed_attempts = failed_attempts + 1
		WHERE id = $1 AND deactivated_at IS NULL
		RETURNING failed_attempts
	`
	var attempts int
	err := r.db.QueryRowContext(ctx, query, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to increment failed attempts: %w", err)
	}
	return attempts, nil
}

// ResetFailedAttempts clears the failed signin counter and any lockout
func (r *PrincipalRepository) ResetFailedAttempts(ctx context.Context, id string) error {
	query := `UPDATE principals SET failed_attempts = 0, locked_until = NULL WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to reset failed attempts: %w", err)
	}
	return nil
}

// LockUntil locks the principal until the specified time
func (r *PrincipalRepository) LockUntil(ctx context.Context, id string, until time.Time) error {
	query := `UPDATE principals SET locked_until = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, until, id)
	if err != nil {
		return fmt.Errorf("failed to lock principal: %w", err)
	}
	return nil
}

// Deactivate soft-deletes the principal
func (r *PrincipalRepository) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE principals SET status = $1, deactivated_at = $2 WHERE id = $3 AND deactivated_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, model.PrincipalStatusInactive, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate principal: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanPrincipal scans a single principal row
func (r *PrincipalRepository) scanPrincipal(row *sql.Row) (*model.Principal, error) {
	var p model.Principal
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.EmailVerified,
		&p.PasswordHash,
		&p.OrgID,
		&p.Status,
		&p.MFAEnrolled,
		&p.FailedAttempts,
		&p.LockedUntil,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan principal: %w", err)
	}
	return &p, nil
}
