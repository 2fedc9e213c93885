package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
)

// Session service errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotSessionOwner = errors.New("session belongs to another principal")
)

// PartialRevocationError reports a bulk revocation that only partly
// succeeded; Revoked sessions are already dead, Failed ones are not.
type PartialRevocationError struct {
	Revoked []string
	Failed  []string
}

func (e *PartialRevocationError) Error() string {
	return fmt.Sprintf("revoked %d sessions, %d failed", len(e.Revoked), len(e.Failed))
}

// SessionService manages the session registry. Revoking a session cascades
// to every refresh family attached to it; the session row flips first so a
// crash mid-cascade fails closed.
type SessionService struct {
	sessionRepo SessionStore
	tokenRepo   TokenStore
	audit       *AuditService
	cfg         *config.Config
	log         *logger.Logger
}

// NewSessionService creates a new SessionService
func NewSessionService(
	sessionRepo SessionStore,
	tokenRepo TokenStore,
	audit *AuditService,
	cfg *config.Config,
	log *logger.Logger,
) *SessionService {
	return &SessionService{
		sessionRepo: sessionRepo,
		tokenRepo:   tokenRepo,
		audit:       audit,
		cfg:         cfg,
		log:         log.WithComponent("session_service"),
	}
}

// CreateSession registers a new session for the principal
func (s *SessionService) CreateSession(ctx context.Context, principalID string, fp model.Fingerprint) (*model.Session, error) {
	now := time.Now()
	session := &model.Session{
		ID:           generateID("ses"),
		PrincipalID:  principalID,
		IPAddress:    fp.IPAddress,
		UserAgent:    fp.UserAgent,
		DeviceType:   fp.DeviceType,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession retrieves a session by ID
func (s *SessionService) GetSession(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return session, nil
}

// ListSessions returns the principal's active sessions, most recently
// active first
func (s *SessionService) ListSessions(ctx context.Context, principalID string) ([]*model.Session, error) {
	return s.sessionRepo.ListActiveByPrincipal(ctx, principalID)
}

// IsSessionLive reports whether the session exists and is not revoked
func (s *SessionService) IsSessionLive(ctx context.Context, id string) (bool, error) {
	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return !session.IsRevoked(), nil
}

// Touch bumps the session's last activity timestamp; revoked sessions are
// left untouched
func (s *SessionService) Touch(ctx context.Context, id string) error {
	return s.sessionRepo.Touch(ctx, id, time.Now())
}

// RevokeSession revokes a session and cascades to its refresh families.
// Revoking an already-revoked session is a no-op. The actor is whoever
// initiated the revocation (the owner, an admin, or the system).
func (s *SessionService) RevokeSession(ctx context.Context, id, actor, reason string) error {
	now := time.Now()

	session, err := s.sessionRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if session.IsRevoked() {
		return nil
	}

	if err := s.sessionRepo.Revoke(ctx, id, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Lost a race with another revoker; the session is dead either way
			return nil
		}
		return err
	}

	families, err := s.tokenRepo.RevokeFamiliesBySession(ctx, id, now)
	if err != nil {
		return fmt.Errorf("failed to cascade family revocation: %w", err)
	}

	s.audit.Record(ctx, actor, model.AuditActionSessionRevoked, id, map[string]interface{}{
		"principal_id":     session.PrincipalID,
		"families_revoked": families,
		"reason":           reason,
	})
	return nil
}

// RevokeAllOtherSessions revokes every active session of the principal
// except the one making the call. Failures do not stop the sweep; a
// PartialRevocationError reports exactly which sessions are still alive.
func (s *SessionService) RevokeAllOtherSessions(ctx context.Context, principalID, keepSessionID string) (int, error) {
	sessions, err := s.sessionRepo.ListActiveByPrincipal(ctx, principalID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var revoked, failed []string
	for _, session := range sessions {
		if session.ID == keepSessionID {
			continue
		}
		if err := s.sessionRepo.Revoke(ctx, session.ID, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to revoke session")
			failed = append(failed, session.ID)
			continue
		}
		if _, err := s.tokenRepo.RevokeFamiliesBySession(ctx, session.ID, now); err != nil {
			s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to cascade family revocation")
			failed = append(failed, session.ID)
			continue
		}
		revoked = append(revoked, session.ID)
	}

	s.audit.Record(ctx, principalID, model.AuditActionSessionRevokedAll, principalID, map[string]interface{}{
		"revoked": len(revoked),
		"failed":  len(failed),
		"kept":    keepSessionID,
	})

	if len(failed) > 0 {
		return len(revoked), &PartialRevocationError{Revoked: revoked, Failed: failed}
	}
	return len(revoked), nil
}

// SweepStale revokes sessions idle longer than the cutoff. Runs from the
// background maintenance loop.
func (s *SessionService) SweepStale(ctx context.Context, idleFor time.Duration, batch int) (int, error) {
	stale, err := s.sessionRepo.ListStale(ctx, time.Now().Add(-idleFor), batch)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, session := range stale {
		if err := s.RevokeSession(ctx, session.ID, "system", "idle timeout"); err != nil {
			s.log.Error().Err(err).Str("session_id", session.ID).Msg("failed to sweep stale session")
			continue
		}
		count++
	}
	return count, nil
}
