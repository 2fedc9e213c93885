package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trustgate/trustgate/internal/database"
	"github.com/trustgate/trustgate/internal/model"
)

// TokenRepository handles refresh family and generation persistence
type TokenRepository struct {
	db *database.Postgres
}

// NewTokenRepository creates a new TokenRepository
func NewTokenRepository(db *database.Postgres) *TokenRepository {
	return &TokenRepository{db: db}
}

// CreateFamily inserts a new refresh family
func (r *TokenRepository) CreateFamily(ctx context.Context, f *model.RefreshFamily) error {
	query := `
		INSERT INTO refresh_families (id, principal_id, session_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.ExecContext(ctx, query, f.ID, f.PrincipalID, f.SessionID, f.ExpiresAt, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh family: %w", err)
	}
	return nil
}

// GetFamily retrieves a refresh family by ID
func (r *TokenRepository) GetFamily(ctx context.Context, id string) (*model.RefreshFamily, error) {
	query := `
		SELECT id, principal_id, session_id, expires_at, revoked_at, created_at
		FROM refresh_families
		WHERE id = $1
	`
	var f model.RefreshFamily
	err := r.db.QueryRowContext(ctx, query, id).Scan(&f.ID, &f.PrincipalID, &f.SessionID, &f.ExpiresAt, &f.RevokedAt, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan refresh family: %w", err)
	}
	return &f, nil
}

// RevokeFamily marks a family revoked
func (r *TokenRepository) RevokeFamily(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE refresh_families SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`
	_, err := r.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh family: %w", err)
	}
	return nil
}

// RevokeFamiliesBySession revokes every live family attached to a session
// and returns how many were revoked
func (r *TokenRepository) RevokeFamiliesBySession(ctx context.Context, sessionID string, at time.Time) (int, error) {
	query := `UPDATE refresh_families SET revoked_at = $1 WHERE session_id = $2 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, at, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke session families: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

// CreateGeneration inserts a new refresh generation
func (r *TokenRepository) CreateGeneration(ctx context.Context, g *model.RefreshGeneration) error {
	query := `
		INSERT INTO refresh_generations (id, family_id, token_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`
	_, err := r.db.ExecContext(ctx, query, g.ID, g.FamilyID, g.TokenHash, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh generation: %w", err)
	}
	return nil
}

// GetGenerationByHash retrieves a generation by its token hash
func (r *TokenRepository) GetGenerationByHash(ctx context.Context, tokenHash string) (*model.RefreshGeneration, error) {
	query := `
		SELECT id, family_id, token_hash, used_at, successor_id, created_at
		FROM refresh_generations
		WHERE token_hash = $1
	`
	var g model.RefreshGeneration
	err := r.db.QueryRowContext(ctx, query, tokenHash).Scan(&g.ID, &g.FamilyID, &g.TokenHash, &g.UsedAt, &g.SuccessorID, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan refresh generation: %w", err)
	}
	return &g, nil
}

// ClaimGeneration atomically marks a generation used and records its
// successor. The WHERE clause is the compare-and-swap: exactly one
// concurrent caller observes claimed == true, everyone else loses.
func (r *TokenRepository) ClaimGeneration(ctx context.Context, id, successorID string, at time.Time) (bool, error) {
	query := `
		UPDATE refresh_generations
		SET used_at = $1, successor_id = $2
		WHERE id = $3 AND used_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, at, successorID, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim refresh generation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return rowsAffected == 1, nil
}

// DeleteExpiredFamilies removes families past their expiry plus a grace
// period, cascading their generations. Returns the number removed.
func (r *TokenRepository) DeleteExpiredFamilies(ctx context.Context, before time.Time) (int, error) {
	query := `DELETE FROM refresh_families WHERE expires_at < $1`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired families: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}
