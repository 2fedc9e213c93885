package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trustgate/trustgate/internal/database"
	"github.com/trustgate/trustgate/internal/model"
)

// SessionRepository handles session data persistence
type SessionRepository struct {
	db *database.Postgres
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.Postgres) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session
func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	query := `
		INSERT INTO sessions (id, principal_id, ip_address, user_agent, device_type, created_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID,
		s.PrincipalID,
		s.IPAddress,
		s.UserAgent,
		s.DeviceType,
		s.CreatedAt,
		s.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by ID
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT id, principal_id, ip_address, user_agent, device_type, created_at, last_activity, revoked_at
		FROM sessions
		WHERE id = $1
	`
	return r.scanSession(r.db.QueryRowContext(ctx, query, id))
}

// ListActiveByPrincipal retrieves all non-revoked sessions for a principal,
// most recently active first
func (r *SessionRepository) ListActiveByPrincipal(ctx context.Context, principalID string) ([]*model.Session, error) {
	query := `
		SELECT id, principal_id, ip_address, user_agent, device_type, created_at, last_activity, revoked_at
		FROM sessions
		WHERE principal_id = $1 AND revoked_at IS NULL
		ORDER BY last_activity DESC
	`
	rows, err := r.db.QueryContext(ctx, query, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.PrincipalID, &s.IPAddress, &s.UserAgent, &s.DeviceType, &s.CreatedAt, &s.LastActivity, &s.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// Touch bumps the session's last activity timestamp
func (r *SessionRepository) Touch(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET last_activity = $1 WHERE id = $2 AND revoked_at IS NULL`
	_, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// Revoke marks the session revoked. Revoking an already-revoked session
// is a no-op and reports rowsAffected == 0 via ErrNotFound.
func (r *SessionRepository) Revoke(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE sessions SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStale returns sessions idle since before the cutoff
func (r *SessionRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Session, error) {
	query := `
		SELECT id, principal_id, ip_address, user_agent, device_type, created_at, last_activity, revoked_at
		FROM sessions
		WHERE revoked_at IS NULL AND last_activity < $1
		ORDER BY last_activity ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		var s model.Session
		if err := rows.Scan(&s.ID, &s.PrincipalID, &s.IPAddress, &s.UserAgent, &s.DeviceType, &s.CreatedAt, &s.LastActivity, &s.RevokedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// scanSession scans a single session row
func (r *SessionRepository) scanSession(row *sql.Row) (*model.Session, error) {
	var s model.Session
	err := row.Scan(
		&s.ID,
		&s.PrincipalID,
		&s.IPAddress,
		&s.UserAgent,
		&s.DeviceType,
		&s.CreatedAt,
		&s.LastActivity,
		&s.RevokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	return &s, nil
}
