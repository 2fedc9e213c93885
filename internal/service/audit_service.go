package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
)

// Audit service errors
var (
	ErrEmptyRange = errors.New("empty verification range")
)

// AuditService maintains the hash-chained audit log. Every append extends
// the chain under the repository's advisory lock; reads never block writes.
type AuditService struct {
	auditRepo AuditStore
	publisher Publisher
	channel   string
	log       *logger.Logger
}

// NewAuditService creates a new AuditService. A nil publisher or empty
// channel disables fan-out.
func NewAuditService(auditRepo AuditStore, publisher Publisher, channel string, log *logger.Logger) *AuditService {
	return &AuditService{
		auditRepo: auditRepo,
		publisher: publisher,
		channel:   channel,
		log:       log.WithComponent("audit_service"),
	}
}

// Append records an event at the tail of the chain and returns it with its
// assigned sequence number and hash.
func (s *AuditService) Append(ctx context.Context, actor, action, target string, metadata map[string]interface{}) (*model.AuditEvent, error) {
	event, err := s.auditRepo.Append(ctx, func(lastSeq uint64, lastHash string) (*model.AuditEvent, error) {
		e := &model.AuditEvent{
			Seq:        lastSeq + 1,
			EventID:    generateID("aud"),
			OccurredAt: time.Now().UTC().Truncate(time.Microsecond),
			Actor:      actor,
			Action:     action,
			Target:     target,
			Metadata:   metadata,
			PrevHash:   lastHash,
		}
		hash, err := e.ComputeHash()
		if err != nil {
			return nil, err
		}
		e.Hash = hash
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to append audit event: %w", err)
	}

	s.publish(ctx, event)
	return event, nil
}

// Record appends an event and only logs on failure. Callers on paths where
// auditing must not fail the user-facing operation use this; security
// decisions (reuse detection, revocations) still append through Append and
// propagate errors.
func (s *AuditService) Record(ctx context.Context, actor, action, target string, metadata map[string]interface{}) {
	if _, err := s.Append(ctx, actor, action, target, metadata); err != nil {
		s.log.Error().Err(err).Str("action", action).Msg("failed to record audit event")
	}
}

// Query returns events matching the filter in chain order
func (s *AuditService) Query(ctx context.Context, filter repository.AuditFilter) ([]*model.AuditEvent, error) {
	return s.auditRepo.Query(ctx, filter)
}

// ChainReport is the outcome of a verification walk
type ChainReport struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt uint64 `json:"brokenAt,omitempty"` // first bad sequence number
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain recomputes hashes over [fromSeq, toSeq] and reports the first
// break, if any. A toSeq of zero means the current tail. Verification of a
// middle segment trusts the PrevHash of its first event.
func (s *AuditService) VerifyChain(ctx context.Context, fromSeq, toSeq uint64) (*ChainReport, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq == 0 {
		last, err := s.auditRepo.LastSeq(ctx)
		if err != nil {
			return nil, err
		}
		toSeq = last
	}
	if toSeq < fromSeq {
		return nil, ErrEmptyRange
	}

	events, err := s.auditRepo.Range(ctx, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{Valid: true}
	expectedSeq := fromSeq
	prevHash := ""
	for i, e := range events {
		if e.Seq != expectedSeq {
			report.Valid = false
			report.BrokenAt = expectedSeq
			report.Reason = fmt.Sprintf("sequence gap: expected %d, found %d", expectedSeq, e.Seq)
			return report, nil
		}
		if i == 0 && e.Seq == 1 && e.PrevHash != "" {
			report.Valid = false
			report.BrokenAt = 1
			report.Reason = "genesis event carries a previous hash"
			return report, nil
		}
		if i > 0 && e.PrevHash != prevHash {
			report.Valid = false
			report.BrokenAt = e.Seq
			report.Reason = "previous-hash link mismatch"
			return report, nil
		}
		computed, err := e.ComputeHash()
		if err != nil {
			return nil, err
		}
		if computed != e.Hash {
			report.Valid = false
			report.BrokenAt = e.Seq
			report.Reason = "stored hash does not match recomputed content"
			return report, nil
		}
		report.Checked++
		prevHash = e.Hash
		expectedSeq++
	}
	if expectedSeq <= toSeq {
		report.Valid = false
		report.BrokenAt = expectedSeq
		report.Reason = fmt.Sprintf("sequence gap: events missing from %d", expectedSeq)
	}
	return report, nil
}

// publish fans the event out over Redis; failures are logged, never fatal
func (s *AuditService) publish(ctx context.Context, event *model.AuditEvent) {
	if s.publisher == nil || s.channel == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode audit event for publish")
		return
	}
	if err := s.publisher.Publish(ctx, s.channel, payload); err != nil {
		s.log.Warn().Err(err).Str("channel", s.channel).Msg("failed to publish audit event")
	}
}
