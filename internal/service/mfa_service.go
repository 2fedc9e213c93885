package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
)

// MFA service errors
var (
	ErrMFANotEnrolled     = errors.New("MFA is not enrolled")
	ErrMFAAlreadyEnrolled = errors.New("MFA is already enrolled")
	ErrMFANotPending      = errors.New("no pending MFA enrollment")
	ErrMFAInvalidCode     = errors.New("invalid MFA code")
	ErrMFAReplayedCode    = errors.New("MFA code has already been used")
	ErrMFANoBackupCodes   = errors.New("no backup codes remaining")
	ErrMFATooManyAttempts = errors.New("too many failed confirmation attempts")
)

// MFAService handles TOTP enrollment and verification plus backup codes.
// Enrollment walks pending -> enrolled; an accepted TOTP step is recorded
// so the same code cannot pass twice inside the skew window.
type MFAService struct {
	mfaRepo       MFAStore
	principalRepo PrincipalStore
	audit         *AuditService
	cfg           *config.Config
	log           *logger.Logger
}

// NewMFAService creates a new MFAService
func NewMFAService(
	mfaRepo MFAStore,
	principalRepo PrincipalStore,
	audit *AuditService,
	cfg *config.Config,
	log *logger.Logger,
) *MFAService {
	return &MFAService{
		mfaRepo:       mfaRepo,
		principalRepo: principalRepo,
		audit:         audit,
		cfg:           cfg,
		log:           log.WithComponent("mfa_service"),
	}
}

// MFAStatusInfo summarizes a principal's MFA state
type MFAStatusInfo struct {
	Status          model.MFAStatus `json:"status"`
	BackupCodesLeft int             `json:"backupCodesLeft"`
	ConfirmedAt     *time.Time      `json:"confirmedAt,omitempty"`
}

// BeginEnrollment generates a TOTP secret and provisioning QR code. The
// credential sits in pending until confirmed; beginning again while pending
// replaces the secret and restarts the attempt counter.
func (s *MFAService) BeginEnrollment(ctx context.Context, principalID string) (*model.MFASetup, error) {
	principal, err := s.principalRepo.GetByID(ctx, principalID)
	if err != nil {
		return nil, err
	}

	existing, err := s.mfaRepo.GetCredential(ctx, principalID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status == model.MFAStatusEnrolled {
		return nil, ErrMFAAlreadyEnrolled
	}

	issuer := s.cfg.MFA.TOTP.Issuer
	if issuer == "" {
		issuer = "TrustGate"
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: principal.Email,
		Period:      uint(s.cfg.MFA.TOTP.Period),
		Digits:      otp.Digits(s.cfg.MFA.TOTP.Digits),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	qrPNG, err := qrcode.Encode(key.URL(), qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to generate QR code: %w", err)
	}

	credential := &model.MFACredential{
		PrincipalID: principalID,
		Secret:      []byte(key.Secret()),
		Status:      model.MFAStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := s.mfaRepo.UpsertCredential(ctx, credential); err != nil {
		return nil, err
	}

	s.audit.Record(ctx, principalID, model.AuditActionMFAEnrollStarted, principalID, nil)

	return &model.MFASetup{
		Secret:    key.Secret(),
		URI:       key.URL(),
		QRCode:    base64.StdEncoding.EncodeToString(qrPNG),
		Issuer:    issuer,
		AccountID: principal.Email,
	}, nil
}

// ConfirmEnrollment proves possession of the secret and activates MFA.
// Exhausting the attempt budget discards the pending secret; enrollment
// must start over. Returns the initial backup code batch on success; the
// plaintext codes are shown exactly once.
func (s *MFAService) ConfirmEnrollment(ctx context.Context, principalID, code string) (*model.BackupCodeBatch, error) {
	credential, err := s.mfaRepo.GetCredential(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMFANotPending
		}
		return nil, err
	}
	if credential.Status != model.MFAStatusPending {
		return nil, ErrMFANotPending
	}
	if credential.ConfirmAttempts >= s.cfg.MFA.TOTP.ConfirmAttempts {
		return nil, ErrMFATooManyAttempts
	}

	matchedStep, ok := s.matchCode(credential.Secret, code, time.Now())
	if !ok {
		attempts, incErr := s.mfaRepo.IncrementConfirmAttempts(ctx, principalID)
		if incErr != nil {
			return nil, incErr
		}
		if attempts >= s.cfg.MFA.TOTP.ConfirmAttempts {
			if delErr := s.mfaRepo.DeleteCredential(ctx, principalID); delErr != nil {
				s.log.Error().Err(delErr).Str("principal_id", principalID).Msg("failed to discard pending credential")
			}
			return nil, ErrMFATooManyAttempts
		}
		return nil, ErrMFAInvalidCode
	}

	now := time.Now()
	if err := s.mfaRepo.ConfirmCredential(ctx, principalID, now); err != nil {
		return nil, err
	}
	if _, err := s.mfaRepo.AdvanceLastUsedStep(ctx, principalID, matchedStep); err != nil {
		s.log.Error().Err(err).Str("principal_id", principalID).Msg("failed to record confirmation step")
	}
	if err := s.principalRepo.SetMFAEnrolled(ctx, principalID, true); err != nil {
		return nil, err
	}

	batch, err := s.issueBackupCodes(ctx, principalID)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, principalID, model.AuditActionMFAEnrolled, principalID, map[string]interface{}{
		"backup_codes": batch.Count,
	})
	return batch, nil
}

// VerifyChallenge validates a TOTP code for a sign-in challenge. Accepted
// codes advance the last-used step so they cannot be replayed even while
// still inside the skew window.
func (s *MFAService) VerifyChallenge(ctx context.Context, principalID, code string) error {
	credential, err := s.mfaRepo.GetCredential(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMFANotEnrolled
		}
		return err
	}
	if credential.Status != model.MFAStatusEnrolled {
		return ErrMFANotEnrolled
	}

	matchedStep, ok := s.matchCode(credential.Secret, code, time.Now())
	if !ok {
		s.audit.Record(ctx, principalID, model.AuditActionMFAChallengeFailed, principalID, nil)
		return ErrMFAInvalidCode
	}
	if matchedStep <= credential.LastUsedStep {
		s.audit.Record(ctx, principalID, model.AuditActionMFAChallengeFailed, principalID, map[string]interface{}{
			"reason": "replay",
		})
		return ErrMFAReplayedCode
	}

	advanced, err := s.mfaRepo.AdvanceLastUsedStep(ctx, principalID, matchedStep)
	if err != nil {
		return err
	}
	if !advanced {
		// Lost a race with a concurrent verification of the same step
		s.audit.Record(ctx, principalID, model.AuditActionMFAChallengeFailed, principalID, map[string]interface{}{
			"reason": "replay",
		})
		return ErrMFAReplayedCode
	}
	return nil
}

// VerifyBackupCode consumes a single-use recovery code. The conditional
// update in the store guarantees a code burns exactly once no matter how
// many presenters race on it.
func (s *MFAService) VerifyBackupCode(ctx context.Context, principalID, code string) error {
	remaining, err := s.mfaRepo.CountUnusedBackupCodes(ctx, principalID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		return ErrMFANoBackupCodes
	}

	consumed, err := s.mfaRepo.ConsumeBackupCode(ctx, principalID, hashBackupCode(code), time.Now())
	if err != nil {
		return err
	}
	if !consumed {
		s.audit.Record(ctx, principalID, model.AuditActionMFAChallengeFailed, principalID, map[string]interface{}{
			"method": "backup_code",
		})
		return ErrMFAInvalidCode
	}

	s.audit.Record(ctx, principalID, model.AuditActionMFABackupCodeUsed, principalID, map[string]interface{}{
		"remaining": remaining - 1,
	})
	return nil
}

// RegenerateBackupCodes replaces every outstanding code with a fresh batch
func (s *MFAService) RegenerateBackupCodes(ctx context.Context, principalID string) (*model.BackupCodeBatch, error) {
	credential, err := s.mfaRepo.GetCredential(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrMFANotEnrolled
		}
		return nil, err
	}
	if credential.Status != model.MFAStatusEnrolled {
		return nil, ErrMFANotEnrolled
	}

	if err := s.mfaRepo.DeleteBackupCodes(ctx, principalID); err != nil {
		return nil, err
	}
	batch, err := s.issueBackupCodes(ctx, principalID)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, principalID, model.AuditActionMFABackupCodesGen, principalID, map[string]interface{}{
		"count": batch.Count,
	})
	return batch, nil
}

// DisableWithCode verifies one final code and then tears down MFA. A backup
// code is accepted in place of a TOTP code so a principal whose device is
// lost can still disable; a hijacked session holds neither.
func (s *MFAService) DisableWithCode(ctx context.Context, principalID, code string, useBackupCode bool) error {
	verify := s.VerifyChallenge
	if useBackupCode {
		verify = s.VerifyBackupCode
	}
	if err := verify(ctx, principalID, code); err != nil {
		return err
	}
	return s.Disable(ctx, principalID, principalID)
}

// Disable tears down MFA for the principal: credential, backup codes, and
// the enrollment flag
func (s *MFAService) Disable(ctx context.Context, principalID, actor string) error {
	if err := s.mfaRepo.DeleteCredential(ctx, principalID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrMFANotEnrolled
		}
		return err
	}
	if err := s.mfaRepo.DeleteBackupCodes(ctx, principalID); err != nil {
		s.log.Error().Err(err).Str("principal_id", principalID).Msg("failed to delete backup codes")
	}
	if err := s.principalRepo.SetMFAEnrolled(ctx, principalID, false); err != nil {
		return err
	}

	s.audit.Record(ctx, actor, model.AuditActionMFADisabled, principalID, nil)
	return nil
}

// Status reports the principal's MFA state and remaining backup codes
func (s *MFAService) Status(ctx context.Context, principalID string) (*MFAStatusInfo, error) {
	credential, err := s.mfaRepo.GetCredential(ctx, principalID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &MFAStatusInfo{Status: model.MFAStatusDisabled}, nil
		}
		return nil, err
	}

	remaining, err := s.mfaRepo.CountUnusedBackupCodes(ctx, principalID)
	if err != nil {
		return nil, err
	}

	return &MFAStatusInfo{
		Status:          credential.Status,
		BackupCodesLeft: remaining,
		ConfirmedAt:     credential.ConfirmedAt,
	}, nil
}

// matchCode checks the code against each step in the accepted skew window
// and returns the matched step. The step is needed for the replay guard;
// plain validation would not say which window slot matched.
func (s *MFAService) matchCode(secret []byte, code string, at time.Time) (int64, bool) {
	period := s.cfg.MFA.TOTP.Period
	if period <= 0 {
		period = 30
	}
	skew := int(s.cfg.MFA.TOTP.Skew)

	opts := totp.ValidateOpts{
		Period:    uint(period),
		Skew:      0,
		Digits:    otp.Digits(s.cfg.MFA.TOTP.Digits),
		Algorithm: otp.AlgorithmSHA1,
	}

	for offset := -skew; offset <= skew; offset++ {
		stepTime := at.Add(time.Duration(offset*period) * time.Second)
		expected, err := totp.GenerateCodeCustom(string(secret), stepTime, opts)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return stepTime.Unix() / int64(period), true
		}
	}
	return 0, false
}

// issueBackupCodes mints a batch and stores only the hashes
func (s *MFAService) issueBackupCodes(ctx context.Context, principalID string) (*model.BackupCodeBatch, error) {
	count := s.cfg.MFA.BackupCodes.BatchSize
	if count <= 0 {
		count = 10
	}
	length := s.cfg.MFA.BackupCodes.CodeLength
	if length <= 0 {
		length = 8
	}

	now := time.Now()
	plain := make([]string, count)
	codes := make([]*model.BackupCode, count)
	for i := 0; i < count; i++ {
		code := generateBackupCode(length)
		plain[i] = code
		codes[i] = &model.BackupCode{
			ID:          generateID("bkp"),
			PrincipalID: principalID,
			CodeHash:    hashBackupCode(code),
			CreatedAt:   now,
		}
	}
	if err := s.mfaRepo.CreateBackupCodes(ctx, codes); err != nil {
		return nil, fmt.Errorf("failed to store backup codes: %w", err)
	}

	return &model.BackupCodeBatch{Codes: plain, Count: count}, nil
}

func generateBackupCode(length int) string {
	const charset = "0123456789abcdefghjkmnpqrstuvwxyz" // no i, l, o to avoid confusion
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate random bytes for backup code")
	}
	code := make([]byte, length)
	for i := range code {
		code[i] = charset[int(b[i])%len(charset)]
	}
	half := length / 2
	return string(code[:half]) + "-" + string(code[half:])
}

func normalizeBackupCode(code string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}

func hashBackupCode(code string) string {
	hash := sha256.Sum256([]byte(normalizeBackupCode(code)))
	return hex.EncodeToString(hash[:])
}
