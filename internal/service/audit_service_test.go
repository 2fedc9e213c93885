package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
)

type auditServiceFixture struct {
	svc       *AuditService
	store     *fakeAuditStore
	publisher *fakePublisher
}

func newAuditServiceFixture(t *testing.T) *auditServiceFixture {
	t.Helper()
	store := newFakeAuditStore()
	publisher := &fakePublisher{}
	return &auditServiceFixture{
		svc:       NewAuditService(store, publisher, "audit_events", newTestLogger()),
		store:     store,
		publisher: publisher,
	}
}

func (f *auditServiceFixture) appendN(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.svc.Append(context.Background(), "usr_1", "test.event", fmt.Sprintf("target_%d", i), map[string]interface{}{
			"index": i,
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
}

func TestAppendChainsEvents(t *testing.T) {
	f := newAuditServiceFixture(t)
	ctx := context.Background()

	first, err := f.svc.Append(ctx, "usr_1", "test.event", "t1", nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if first.Seq != 1 {
		t.Errorf("genesis event should have seq 1, got %d", first.Seq)
	}
	if first.PrevHash != "" {
		t.Errorf("genesis event should have empty prev hash, got %q", first.PrevHash)
	}
	if first.Hash == "" || first.EventID == "" {
		t.Error("event should carry hash and ID")
	}

	second, err := f.svc.Append(ctx, "usr_1", "test.event", "t2", nil)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if second.Seq != 2 {
		t.Errorf("expected seq 2, got %d", second.Seq)
	}
	if second.PrevHash != first.Hash {
		t.Error("second event should link to the first event's hash")
	}

	if got := f.publisher.published(); got != 2 {
		t.Errorf("expected 2 published events, got %d", got)
	}
}

func TestVerifyChainValid(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.appendN(t, 5)

	report, err := f.svc.VerifyChain(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !report.Valid {
		t.Fatalf("intact chain reported broken at %d: %s", report.BrokenAt, report.Reason)
	}
	if report.Checked != 5 {
		t.Errorf("expected 5 events checked, got %d", report.Checked)
	}
}

func TestVerifyChainDetectsTamperedContent(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.appendN(t, 5)

	if err := f.store.tamper(3, func(e *model.AuditEvent) {
		e.Actor = "usr_attacker"
	}); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	report, err := f.svc.VerifyChain(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered chain reported valid")
	}
	if report.BrokenAt != 3 {
		t.Errorf("expected break at seq 3, got %d (%s)", report.BrokenAt, report.Reason)
	}
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.appendN(t, 5)

	// Rewrite an event consistently with itself but not with its predecessor
	if err := f.store.tamper(4, func(e *model.AuditEvent) {
		e.PrevHash = "0000000000000000000000000000000000000000000000000000000000000000"
		hash, err := e.ComputeHash()
		if err != nil {
			t.Fatalf("rehash failed: %v", err)
		}
		e.Hash = hash
	}); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	report, err := f.svc.VerifyChain(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if report.Valid {
		t.Fatal("chain with broken link reported valid")
	}
	if report.BrokenAt != 4 {
		t.Errorf("expected break at seq 4, got %d (%s)", report.BrokenAt, report.Reason)
	}
}

func TestVerifyChainDetectsGap(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.appendN(t, 5)

	f.store.mu.Lock()
	f.store.events = append(f.store.events[:2], f.store.events[3:]...)
	f.store.mu.Unlock()

	report, err := f.svc.VerifyChain(context.Background(), 0, 5)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if report.Valid {
		t.Fatal("chain with deleted event reported valid")
	}
	if report.BrokenAt != 3 {
		t.Errorf("expected break at seq 3, got %d (%s)", report.BrokenAt, report.Reason)
	}
}

func TestVerifyChainEmptyRange(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.appendN(t, 2)

	if _, err := f.svc.VerifyChain(context.Background(), 5, 2); !errors.Is(err, ErrEmptyRange) {
		t.Fatalf("expected ErrEmptyRange, got %v", err)
	}
}

func TestVerifyChainSegment(t *testing.T) {
	f := newAuditServiceFixture(t)
	f.appendN(t, 10)

	report, err := f.svc.VerifyChain(context.Background(), 4, 7)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !report.Valid {
		t.Fatalf("intact segment reported broken at %d: %s", report.BrokenAt, report.Reason)
	}
	if report.Checked != 4 {
		t.Errorf("expected 4 events checked, got %d", report.Checked)
	}
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	f := newAuditServiceFixture(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := f.svc.Append(ctx, "usr_1", "test.concurrent", fmt.Sprintf("t%d", n), nil); err != nil {
				t.Errorf("append failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	report, err := f.svc.VerifyChain(ctx, 0, 0)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !report.Valid {
		t.Fatalf("chain broken after concurrent appends at %d: %s", report.BrokenAt, report.Reason)
	}
	if report.Checked != writers {
		t.Errorf("expected %d events, got %d", writers, report.Checked)
	}
}

func TestQueryFilters(t *testing.T) {
	f := newAuditServiceFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Append(ctx, "usr_1", "auth.signin", "ses_1", nil); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := f.svc.Append(ctx, "usr_2", "auth.signin", "ses_2", nil); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := f.svc.Append(ctx, "usr_1", "auth.signout", "ses_1", nil); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, err := f.svc.Query(ctx, repository.AuditFilter{Actor: "usr_1", Action: "auth.signin"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Target != "ses_1" {
		t.Errorf("unexpected event: %+v", events[0])
	}

	// Time-range bounds exclude everything appended just now.
	past := time.Now().Add(-time.Hour)
	events, err = f.svc.Query(ctx, repository.AuditFilter{To: past})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events before %v, got %d", past, len(events))
	}
	events, err = f.svc.Query(ctx, repository.AuditFilter{From: past})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events since %v, got %d", past, len(events))
	}
}
