package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trustgate/trustgate/internal/auth"
	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
)

// Token service errors
var (
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrTokenRevoked   = errors.New("token has been revoked")
	ErrTokenExpired   = errors.New("token family has expired")
	ErrTokenReuse     = errors.New("refresh token reuse detected")
	ErrSessionRevoked = errors.New("session has been revoked")
)

// TokenService issues access tokens and rotates refresh-token families.
// Each refresh family is a chain of single-use generations; presenting an
// already-used generation is treated as theft and kills the family and its
// session.
type TokenService struct {
	tokenRepo     TokenStore
	sessionRepo   SessionStore
	principalRepo PrincipalStore
	audit         *AuditService
	signer        *auth.TokenSigner
	cfg           *config.Config
	log           *logger.Logger
}

// NewTokenService creates a new TokenService
func NewTokenService(
	tokenRepo TokenStore,
	sessionRepo SessionStore,
	principalRepo PrincipalStore,
	audit *AuditService,
	signer *auth.TokenSigner,
	cfg *config.Config,
	log *logger.Logger,
) *TokenService {
	return &TokenService{
		tokenRepo:     tokenRepo,
		sessionRepo:   sessionRepo,
		principalRepo: principalRepo,
		audit:         audit,
		signer:        signer,
		cfg:           cfg,
		log:           log.WithComponent("token_service"),
	}
}

// IssueTokenPair starts a fresh refresh family bound to the session and
// returns the first token pair
func (s *TokenService) IssueTokenPair(ctx context.Context, principal *model.Principal, sessionID string) (*model.TokenPair, error) {
	now := time.Now()

	family := &model.RefreshFamily{
		ID:          generateID("fam"),
		PrincipalID: principal.ID,
		SessionID:   sessionID,
		ExpiresAt:   now.Add(s.cfg.Security.Tokens.RefreshFamilyTTL),
		CreatedAt:   now,
	}
	if err := s.tokenRepo.CreateFamily(ctx, family); err != nil {
		return nil, fmt.Errorf("failed to create refresh family: %w", err)
	}

	refreshToken, tokenHash, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	generation := &model.RefreshGeneration{
		ID:        generateID("gen"),
		FamilyID:  family.ID,
		TokenHash: tokenHash,
		CreatedAt: now,
	}
	if err := s.tokenRepo.CreateGeneration(ctx, generation); err != nil {
		return nil, fmt.Errorf("failed to create refresh generation: %w", err)
	}

	accessToken, err := s.signer.Sign(principal.ID, principal.OrgID, sessionID, family.ID)
	if err != nil {
		return nil, err
	}

	return &model.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.signer.TTL().Seconds()),
	}, nil
}

// ValidateAccessToken verifies signature and expiry and returns the claims.
// Session liveness is checked separately by the middleware; a valid
// signature alone does not prove the session still exists.
func (s *TokenService) ValidateAccessToken(tokenString string) (*auth.Claims, error) {
	claims, err := s.signer.Verify(tokenString)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RefreshTokenPair rotates a refresh token: the presented generation is
// atomically retired and a successor minted. Exactly one of any set of
// concurrent presenters wins; the rest trip reuse detection, which revokes
// the family and its session.
func (s *TokenService) RefreshTokenPair(ctx context.Context, refreshToken string) (*model.TokenPair, error) {
	now := time.Now()

	generation, err := s.tokenRepo.GetGenerationByHash(ctx, auth.HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	family, err := s.tokenRepo.GetFamily(ctx, generation.FamilyID)
	if err != nil {
		return nil, err
	}
	if family.IsRevoked() {
		return nil, ErrTokenRevoked
	}
	if family.IsExpired() {
		if err := s.tokenRepo.RevokeFamily(ctx, family.ID, now); err != nil {
			s.log.Warn().Err(err).Str("family_id", family.ID).Msg("failed to revoke expired family")
		}
		return nil, ErrTokenExpired
	}

	session, err := s.sessionRepo.GetByID(ctx, family.SessionID)
	if err != nil {
		return nil, err
	}
	if session.IsRevoked() {
		return nil, ErrSessionRevoked
	}

	if generation.IsUsed() {
		return nil, s.handleReuse(ctx, family, generation)
	}

	// Claim-and-advance: the conditional update is the only writer of
	// used_at, so losers of this race observe claimed == false.
	successorID := generateID("gen")
	claimed, err := s.tokenRepo.ClaimGeneration(ctx, generation.ID, successorID, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, s.handleReuse(ctx, family, generation)
	}

	newToken, newHash, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	successor := &model.RefreshGeneration{
		ID:        successorID,
		FamilyID:  family.ID,
		TokenHash: newHash,
		CreatedAt: now,
	}
	if err := s.tokenRepo.CreateGeneration(ctx, successor); err != nil {
		return nil, fmt.Errorf("failed to create successor generation: %w", err)
	}

	principal, err := s.principalRepo.GetByID(ctx, family.PrincipalID)
	if err != nil {
		return nil, err
	}

	accessToken, err := s.signer.Sign(principal.ID, principal.OrgID, family.SessionID, family.ID)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, principal.ID, model.AuditActionTokenRefresh, family.ID, map[string]interface{}{
		"session_id": family.SessionID,
		"generation": successorID,
	})

	return &model.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.signer.TTL().Seconds()),
	}, nil
}

// RevokeFamily terminates a refresh family out of band (admin action or
// cascade step) and records it
func (s *TokenService) RevokeFamily(ctx context.Context, familyID, actor string) error {
	family, err := s.tokenRepo.GetFamily(ctx, familyID)
	if err != nil {
		return err
	}
	if family.IsRevoked() {
		return nil
	}
	if err := s.tokenRepo.RevokeFamily(ctx, familyID, time.Now()); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, model.AuditActionFamilyRevoked, familyID, map[string]interface{}{
		"principal_id": family.PrincipalID,
		"session_id":   family.SessionID,
	})
	return nil
}

// SweepExpiredFamilies removes families whose lifetime plus grace period
// has fully elapsed
func (s *TokenService) SweepExpiredFamilies(ctx context.Context, grace time.Duration) (int, error) {
	removed, err := s.tokenRepo.DeleteExpiredFamilies(ctx, time.Now().Add(-grace))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Msg("swept expired refresh families")
	}
	return removed, nil
}

// handleReuse is the compromise path: revoke the family, revoke its session
// and every other family on that session, and append a high-severity event.
// Ordering is family first so a crash mid-cascade still leaves the
// presented token dead.
func (s *TokenService) handleReuse(ctx context.Context, family *model.RefreshFamily, generation *model.RefreshGeneration) error {
	now := time.Now()

	if err := s.tokenRepo.RevokeFamily(ctx, family.ID, now); err != nil {
		return fmt.Errorf("failed to revoke compromised family: %w", err)
	}
	if err := s.sessionRepo.Revoke(ctx, family.SessionID, now); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("failed to revoke compromised session: %w", err)
	}
	if _, err := s.tokenRepo.RevokeFamiliesBySession(ctx, family.SessionID, now); err != nil {
		return fmt.Errorf("failed to revoke session families: %w", err)
	}

	s.log.Warn().
		Str("family_id", family.ID).
		Str("session_id", family.SessionID).
		Str("principal_id", family.PrincipalID).
		Msg("refresh token reuse detected")

	// The cascade already ran; a failed audit append must not strip the
	// reuse classification from the caller.
	if _, err := s.audit.Append(ctx, family.PrincipalID, model.AuditActionTokenReuseDetected, family.ID, map[string]interface{}{
		model.MetaSeverity: model.SeverityHigh,
		"session_id":       family.SessionID,
		"generation":       generation.ID,
	}); err != nil {
		s.log.Error().Err(err).
			Str("family_id", family.ID).
			Msg("failed to append reuse-detection audit event")
	}

	return ErrTokenReuse
}
