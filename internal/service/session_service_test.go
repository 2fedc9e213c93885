package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trustgate/trustgate/internal/model"
)

type sessionServiceFixture struct {
	svc      *SessionService
	sessions *fakeSessionStore
	tokens   *fakeTokenStore
	audit    *fakeAuditStore
}

func newSessionServiceFixture(t *testing.T) *sessionServiceFixture {
	t.Helper()
	cfg := newTestConfig()
	log := newTestLogger()

	sessions := newFakeSessionStore()
	tokens := newFakeTokenStore()
	audit := newFakeAuditStore()
	auditSvc := NewAuditService(audit, nil, "", log)

	return &sessionServiceFixture{
		svc:      NewSessionService(sessions, tokens, auditSvc, cfg, log),
		sessions: sessions,
		tokens:   tokens,
		audit:    audit,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	f := newSessionServiceFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "usr_1", model.Fingerprint{
		IPAddress:  "10.0.0.1",
		UserAgent:  "test-agent",
		DeviceType: "desktop",
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected session ID to be assigned")
	}

	got, err := f.svc.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.PrincipalID != "usr_1" || got.IPAddress != "10.0.0.1" {
		t.Errorf("unexpected session: %+v", got)
	}

	if _, err := f.svc.GetSession(ctx, "ses_missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeSessionCascadesToFamilies(t *testing.T) {
	f := newSessionServiceFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "usr_1", model.Fingerprint{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	for _, id := range []string{"fam_1", "fam_2"} {
		fam := &model.RefreshFamily{
			ID:          id,
			PrincipalID: "usr_1",
			SessionID:   session.ID,
			ExpiresAt:   time.Now().Add(time.Hour),
		}
		if err := f.tokens.CreateFamily(ctx, fam); err != nil {
			t.Fatalf("failed to seed family: %v", err)
		}
	}

	if err := f.svc.RevokeSession(ctx, session.ID, "usr_1", "user request"); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}

	live, err := f.svc.IsSessionLive(ctx, session.ID)
	if err != nil {
		t.Fatalf("IsSessionLive failed: %v", err)
	}
	if live {
		t.Error("revoked session reported as live")
	}
	for _, id := range []string{"fam_1", "fam_2"} {
		fam, err := f.tokens.GetFamily(ctx, id)
		if err != nil {
			t.Fatalf("failed to load family: %v", err)
		}
		if !fam.IsRevoked() {
			t.Errorf("family %s should have been revoked with the session", id)
		}
	}

	events, err := f.audit.Query(ctx, auditFilterByAction(model.AuditActionSessionRevoked))
	if err != nil {
		t.Fatalf("audit query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 revocation event, got %d", len(events))
	}
	if got := events[0].Metadata["families_revoked"]; got != 2 {
		t.Errorf("expected 2 families in metadata, got %v", got)
	}
}

func TestRevokeSessionIdempotent(t *testing.T) {
	f := newSessionServiceFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "usr_1", model.Fingerprint{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := f.svc.RevokeSession(ctx, session.ID, "usr_1", "first"); err != nil {
		t.Fatalf("first RevokeSession failed: %v", err)
	}
	if err := f.svc.RevokeSession(ctx, session.ID, "usr_1", "second"); err != nil {
		t.Fatalf("re-revoking should be a no-op, got %v", err)
	}
	if got := f.audit.count(model.AuditActionSessionRevoked); got != 1 {
		t.Errorf("expected 1 revocation event, got %d", got)
	}

	if err := f.svc.RevokeSession(ctx, "ses_missing", "usr_1", "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeAllOtherSessions(t *testing.T) {
	f := newSessionServiceFixture(t)
	ctx := context.Background()

	var keep string
	for i := 0; i < 3; i++ {
		session, err := f.svc.CreateSession(ctx, "usr_1", model.Fingerprint{})
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		if i == 0 {
			keep = session.ID
		}
	}
	other, err := f.svc.CreateSession(ctx, "usr_2", model.Fingerprint{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	revoked, err := f.svc.RevokeAllOtherSessions(ctx, "usr_1", keep)
	if err != nil {
		t.Fatalf("RevokeAllOtherSessions failed: %v", err)
	}
	if revoked != 2 {
		t.Fatalf("expected 2 sessions revoked, got %d", revoked)
	}

	live, err := f.svc.IsSessionLive(ctx, keep)
	if err != nil || !live {
		t.Errorf("kept session should stay live (live=%v err=%v)", live, err)
	}
	live, err = f.svc.IsSessionLive(ctx, other.ID)
	if err != nil || !live {
		t.Errorf("another principal's session must not be touched (live=%v err=%v)", live, err)
	}
}

func TestRevokeAllOtherSessionsPartialFailure(t *testing.T) {
	f := newSessionServiceFixture(t)
	ctx := context.Background()

	good, err := f.svc.CreateSession(ctx, "usr_1", model.Fingerprint{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	bad, err := f.svc.CreateSession(ctx, "usr_1", model.Fingerprint{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	f.sessions.revokeErr[bad.ID] = errors.New("store unavailable")

	revoked, err := f.svc.RevokeAllOtherSessions(ctx, "usr_1", "")
	if revoked != 1 {
		t.Fatalf("expected 1 session revoked, got %d", revoked)
	}
	var partial *PartialRevocationError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialRevocationError, got %v", err)
	}
	if len(partial.Revoked) != 1 || partial.Revoked[0] != good.ID {
		t.Errorf("unexpected revoked list: %v", partial.Revoked)
	}
	if len(partial.Failed) != 1 || partial.Failed[0] != bad.ID {
		t.Errorf("unexpected failed list: %v", partial.Failed)
	}
}

func TestTouchIgnoresRevokedSession(t *testing.T) {
	f := newSessionServiceFixture(t)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "usr_1", model.Fingerprint{})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := f.svc.RevokeSession(ctx, session.ID, "usr_1", "test"); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}

	before, _ := f.sessions.GetByID(ctx, session.ID)
	if err := f.svc.Touch(ctx, session.ID); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	after, _ := f.sessions.GetByID(ctx, session.ID)
	if !after.LastActivity.Equal(before.LastActivity) {
		t.Error("touching a revoked session must not bump activity")
	}
}

func TestSweepStale(t *testing.T) {
	f := newSessionServiceFixture(t)
	ctx := context.Background()

	stale := &model.Session{
		ID:           "ses_stale",
		PrincipalID:  "usr_1",
		CreatedAt:    time.Now().Add(-60 * 24 * time.Hour),
		LastActivity: time.Now().Add(-45 * 24 * time.Hour),
	}
	fresh := &model.Session{
		ID:           "ses_fresh",
		PrincipalID:  "usr_1",
		CreatedAt:    time.Now().Add(-time.Hour),
		LastActivity: time.Now(),
	}
	for _, s := range []*model.Session{stale, fresh} {
		if err := f.sessions.Create(ctx, s); err != nil {
			t.Fatalf("failed to seed session: %v", err)
		}
	}

	swept, err := f.svc.SweepStale(ctx, 30*24*time.Hour, 100)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 session swept, got %d", swept)
	}
	live, _ := f.svc.IsSessionLive(ctx, "ses_stale")
	if live {
		t.Error("stale session should be revoked")
	}
	live, _ = f.svc.IsSessionLive(ctx, "ses_fresh")
	if !live {
		t.Error("fresh session must survive the sweep")
	}
}
