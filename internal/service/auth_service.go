package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trustgate/trustgate/internal/auth"
	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
)

// Auth service errors
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrAccountNotActive   = errors.New("account is not active")
	ErrEmailAlreadyExists = errors.New("email already registered")
	ErrPasswordTooWeak    = errors.New("password does not meet requirements")
	ErrSamePassword       = errors.New("new password must be different from current password")
	ErrMFARequired        = errors.New("MFA verification required")
	ErrChallengeExpired   = errors.New("sign-in challenge has expired")
)

const mfaChallengePrefix = "mfa_challenge:"

// AuthService orchestrates sign-up, sign-in, and credential lifecycle on
// top of the session, token, and MFA services
type AuthService struct {
	principalRepo PrincipalStore
	sessions      *SessionService
	tokens        *TokenService
	mfa           *MFAService
	audit         *AuditService
	challenges    ChallengeStore
	argonParams   *auth.Argon2Params
	cfg           *config.Config
	log           *logger.Logger
}

// NewAuthService creates a new AuthService
func NewAuthService(
	principalRepo PrincipalStore,
	sessions *SessionService,
	tokens *TokenService,
	mfa *MFAService,
	audit *AuditService,
	challenges ChallengeStore,
	cfg *config.Config,
	log *logger.Logger,
) *AuthService {
	return &AuthService{
		principalRepo: principalRepo,
		sessions:      sessions,
		tokens:        tokens,
		mfa:           mfa,
		audit:         audit,
		challenges:    challenges,
		argonParams: auth.NewParams(
			cfg.Security.Password.Argon2Memory,
			cfg.Security.Password.Argon2Iterations,
			cfg.Security.Password.Argon2Parallelism,
		),
		cfg: cfg,
		log: log.WithComponent("auth_service"),
	}
}

// SignupRequest contains the data for registering a new principal
type SignupRequest struct {
	Email    string
	Password string
	OrgID    string
}

// Signup creates a new principal account
func (s *AuthService) Signup(ctx context.Context, req SignupRequest) (*model.Principal, error) {
	if !isValidEmail(req.Email) {
		return nil, fmt.Errorf("invalid email format")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	exists, err := s.principalRepo.ExistsByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if exists {
		return nil, ErrEmailAlreadyExists
	}

	if err := auth.ValidatePassword(req.Password, s.cfg.Security.Password.MinLength); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPasswordTooWeak, err.Error())
	}
	hash, err := auth.HashPassword(req.Password, s.argonParams)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	now := time.Now()
	principal := &model.Principal{
		ID:           generateID("usr"),
		Email:        email,
		PasswordHash: hash,
		OrgID:        req.OrgID,
		Status:       model.PrincipalStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.principalRepo.Create(ctx, principal); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailAlreadyExists
		}
		return nil, err
	}

	s.audit.Record(ctx, principal.ID, model.AuditActionSignup, principal.ID, map[string]interface{}{
		"email": email,
	})
	s.log.Info().Str("principal_id", principal.ID).Msg("principal registered")
	return principal, nil
}

// SigninRequest contains sign-in credentials and client fingerprint
type SigninRequest struct {
	Email       string
	Password    string
	Fingerprint model.Fingerprint
}

// SigninResult is either a completed sign-in or an MFA challenge
type SigninResult struct {
	MFARequired    bool             `json:"mfaRequired"`
	ChallengeToken string           `json:"challengeToken,omitempty"`
	TokenPair      *model.TokenPair `json:"tokens,omitempty"`
	Session        *model.Session   `json:"session,omitempty"`
	Principal      *model.Principal `json:"principal,omitempty"`
}

// Signin authenticates a principal. Enrolled MFA turns the result into a
// one-shot challenge token; the flow completes in CompleteMFASignin.
func (s *AuthService) Signin(ctx context.Context, req SigninRequest) (*SigninResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	principal, err := s.principalRepo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Hash anyway so the timing of unknown emails matches known ones
			_, _ = auth.HashPassword(req.Password, s.argonParams)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if principal.IsLocked() {
		return nil, ErrAccountLocked
	}
	if !principal.IsActive() {
		return nil, ErrAccountNotActive
	}

	valid, err := auth.VerifyPassword(req.Password, principal.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to verify password: %w", err)
	}
	if !valid {
		return nil, s.handleFailedSignin(ctx, principal, req.Fingerprint)
	}

	if err := s.principalRepo.ResetFailedAttempts(ctx, principal.ID); err != nil {
		s.log.Error().Err(err).Str("principal_id", principal.ID).Msg("failed to reset failed attempts")
	}

	if principal.MFAEnrolled {
		token, err := s.issueChallenge(ctx, principal.ID, req.Fingerprint)
		if err != nil {
			return nil, err
		}
		return &SigninResult{MFARequired: true, ChallengeToken: token}, nil
	}

	return s.completeSignin(ctx, principal, req.Fingerprint, false)
}

// CompleteMFASignin finishes a sign-in that required MFA. The challenge
// token is consumed on first presentation whether or not the code checks
// out; a failed code sends the user back to password sign-in.
func (s *AuthService) CompleteMFASignin(ctx context.Context, challengeToken, code string, useBackupCode bool) (*SigninResult, error) {
	payload, err := s.challenges.GetDel(ctx, mfaChallengePrefix+challengeToken)
	if err != nil || payload == "" {
		return nil, ErrChallengeExpired
	}

	var challenge struct {
		PrincipalID string            `json:"principal_id"`
		Fingerprint model.Fingerprint `json:"fingerprint"`
	}
	if err := json.Unmarshal([]byte(payload), &challenge); err != nil {
		return nil, ErrChallengeExpired
	}

	if useBackupCode {
		err = s.mfa.VerifyBackupCode(ctx, challenge.PrincipalID, code)
	} else {
		err = s.mfa.VerifyChallenge(ctx, challenge.PrincipalID, code)
	}
	if err != nil {
		return nil, err
	}

	principal, err := s.principalRepo.GetByID(ctx, challenge.PrincipalID)
	if err != nil {
		return nil, err
	}
	if !principal.IsActive() {
		return nil, ErrAccountNotActive
	}

	return s.completeSignin(ctx, principal, challenge.Fingerprint, true)
}

// GetPrincipal loads a principal by ID
func (s *AuthService) GetPrincipal(ctx context.Context, principalID string) (*model.Principal, error) {
	return s.principalRepo.GetByID(ctx, principalID)
}

// Signout revokes the calling session
func (s *AuthService) Signout(ctx context.Context, principalID, sessionID string) error {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.PrincipalID != principalID {
		return ErrNotSessionOwner
	}
	if err := s.sessions.RevokeSession(ctx, sessionID, principalID, "signout"); err != nil {
		return err
	}
	s.audit.Record(ctx, principalID, model.AuditActionSignout, sessionID, nil)
	return nil
}

// ChangePassword rotates the password and revokes every other session, so
// a stolen password stops working everywhere at once
func (s *AuthService) ChangePassword(ctx context.Context, principalID, currentPassword, newPassword, keepSessionID string) error {
	principal, err := s.principalRepo.GetByID(ctx, principalID)
	if err != nil {
		return err
	}

	valid, err := auth.VerifyPassword(currentPassword, principal.PasswordHash)
	if err != nil {
		return fmt.Errorf("failed to verify password: %w", err)
	}
	if !valid {
		return ErrInvalidCredentials
	}

	if err := auth.ValidatePassword(newPassword, s.cfg.Security.Password.MinLength); err != nil {
		return fmt.Errorf("%w: %s", ErrPasswordTooWeak, err.Error())
	}
	if newPassword == currentPassword {
		return ErrSamePassword
	}

	hash, err := auth.HashPassword(newPassword, s.argonParams)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := s.principalRepo.UpdatePasswordHash(ctx, principalID, hash); err != nil {
		return err
	}

	if _, err := s.sessions.RevokeAllOtherSessions(ctx, principalID, keepSessionID); err != nil {
		var partial *PartialRevocationError
		if !errors.As(err, &partial) {
			return err
		}
		s.log.Error().Strs("failed_sessions", partial.Failed).Msg("password change left sessions alive")
	}

	s.audit.Record(ctx, principalID, model.AuditActionPasswordChange, principalID, nil)
	return nil
}

// AdminUnlock clears a lockout before its timer expires
func (s *AuthService) AdminUnlock(ctx context.Context, principalID, actor string) error {
	if _, err := s.principalRepo.GetByID(ctx, principalID); err != nil {
		return err
	}
	if err := s.principalRepo.ResetFailedAttempts(ctx, principalID); err != nil {
		return err
	}
	s.audit.Record(ctx, actor, model.AuditActionAccountUnlock, principalID, nil)
	return nil
}

// Deactivate retires the account and kills every session. The principal
// row survives so audit history stays resolvable.
func (s *AuthService) Deactivate(ctx context.Context, principalID, actor string) error {
	if err := s.principalRepo.Deactivate(ctx, principalID); err != nil {
		return err
	}
	if _, err := s.sessions.RevokeAllOtherSessions(ctx, principalID, ""); err != nil {
		var partial *PartialRevocationError
		if !errors.As(err, &partial) {
			return err
		}
		s.log.Error().Strs("failed_sessions", partial.Failed).Msg("deactivation left sessions alive")
	}
	s.audit.Record(ctx, actor, model.AuditActionDeactivated, principalID, nil)
	return nil
}

// completeSignin creates the session and first token pair
func (s *AuthService) completeSignin(ctx context.Context, principal *model.Principal, fp model.Fingerprint, viaMFA bool) (*SigninResult, error) {
	session, err := s.sessions.CreateSession(ctx, principal.ID, fp)
	if err != nil {
		return nil, err
	}
	pair, err := s.tokens.IssueTokenPair(ctx, principal, session.ID)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, principal.ID, model.AuditActionSignin, session.ID, map[string]interface{}{
		"ip_address": fp.IPAddress,
		"mfa":        viaMFA,
	})

	return &SigninResult{
		TokenPair: pair,
		Session:   session,
		Principal: principal,
	}, nil
}

// handleFailedSignin bumps the counter and applies the progressive lockout.
// From the threshold on, each further failure doubles the lock duration.
func (s *AuthService) handleFailedSignin(ctx context.Context, principal *model.Principal, fp model.Fingerprint) error {
	attempts, err := s.principalRepo.IncrementFailedAttempts(ctx, principal.ID)
	if err != nil {
		s.log.Error().Err(err).Str("principal_id", principal.ID).Msg("failed to increment failed attempts")
		return ErrInvalidCredentials
	}

	threshold := s.cfg.Security.Lockout.Threshold
	if threshold > 0 && attempts >= threshold {
		duration := s.cfg.Security.Lockout.BaseDuration
		for i := threshold; i < attempts; i++ {
			duration *= 2
			if duration > 24*time.Hour {
				duration = 24 * time.Hour
				break
			}
		}
		until := time.Now().Add(duration)
		if err := s.principalRepo.LockUntil(ctx, principal.ID, until); err != nil {
			s.log.Error().Err(err).Str("principal_id", principal.ID).Msg("failed to lock principal")
		}
		s.log.Warn().
			Str("principal_id", principal.ID).
			Int("attempts", attempts).
			Time("until", until).
			Msg("account locked after failed sign-ins")
	}

	s.audit.Record(ctx, principal.ID, model.AuditActionSigninFailed, principal.ID, map[string]interface{}{
		"attempts":   attempts,
		"ip_address": fp.IPAddress,
	})
	return ErrInvalidCredentials
}

// issueChallenge stores a one-shot MFA challenge in Redis
func (s *AuthService) issueChallenge(ctx context.Context, principalID string, fp model.Fingerprint) (string, error) {
	token, err := generateSecureToken(32)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]interface{}{
		"principal_id": principalID,
		"fingerprint":  fp,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode challenge: %w", err)
	}
	ttl := s.cfg.MFA.PendingTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if err := s.challenges.SetWithTTL(ctx, mfaChallengePrefix+token, payload, ttl); err != nil {
		return "", fmt.Errorf("failed to store challenge: %w", err)
	}
	return token, nil
}

// Helper functions

func generateID(prefix string) string {
	id := uuid.New().String()
	// Remove hyphens and take first 26 chars to fit varchar(32) with prefix
	clean := strings.ReplaceAll(id, "-", "")
	if len(prefix) > 0 {
		return prefix + "_" + clean[:min(26, len(clean))]
	}
	return clean
}

func generateSecureToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 255 {
		return false
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return false
	}
	if len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false
	}
	// Check domain has at least one dot
	if !strings.Contains(parts[1], ".") {
		return false
	}
	return true
}
