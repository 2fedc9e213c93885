package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/logger"
	"github.com/trustgate/trustgate/internal/model"
	"github.com/trustgate/trustgate/internal/repository"
)

// In-memory store implementations backing the service tests. All of them
// are safe for concurrent use so the race tests exercise real interleaving.

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Security.Password.MinLength = 12
	cfg.Security.Password.Argon2Memory = 16 * 1024
	cfg.Security.Password.Argon2Iterations = 1
	cfg.Security.Password.Argon2Parallelism = 1
	cfg.Security.Tokens.AccessTokenTTL = 15 * time.Minute
	cfg.Security.Tokens.RefreshFamilyTTL = 720 * time.Hour
	cfg.Security.Tokens.Issuer = "trustgate-test"
	cfg.Security.Lockout.Threshold = 5
	cfg.Security.Lockout.BaseDuration = 5 * time.Minute
	cfg.MFA.TOTP.Issuer = "TrustGate"
	cfg.MFA.TOTP.Digits = 6
	cfg.MFA.TOTP.Period = 30
	cfg.MFA.TOTP.Skew = 1
	cfg.MFA.TOTP.ConfirmAttempts = 5
	cfg.MFA.BackupCodes.BatchSize = 10
	cfg.MFA.BackupCodes.CodeLength = 8
	cfg.MFA.PendingTTL = 5 * time.Minute
	cfg.RBAC.CacheTTL = 30 * time.Second
	return cfg
}

func newTestLogger() *logger.Logger {
	return logger.New("error", "json")
}

// --- fakePrincipalStore ---

type fakePrincipalStore struct {
	mu         sync.Mutex
	principals map[string]*model.Principal
}

func newFakePrincipalStore() *fakePrincipalStore {
	return &fakePrincipalStore{principals: make(map[string]*model.Principal)}
}

func (f *fakePrincipalStore) Create(ctx context.Context, p *model.Principal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.principals {
		if existing.Email == p.Email && existing.DeactivatedAt == nil {
			return repository.ErrDuplicate
		}
	}
	cp := *p
	f.principals[p.ID] = &cp
	return nil
}

func (f *fakePrincipalStore) GetByID(ctx context.Context, id string) (*model.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok || p.DeactivatedAt != nil {
		return nil, repository.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePrincipalStore) GetByEmail(ctx context.Context, email string) (*model.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.principals {
		if p.Email == email && p.DeactivatedAt == nil {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakePrincipalStore) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	_, err := f.GetByEmail(ctx, email)
	if err == repository.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakePrincipalStore) UpdatePasswordHash(ctx context.Context, id string, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok || p.DeactivatedAt != nil {
		return repository.ErrNotFound
	}
	p.PasswordHash = hash
	p.UpdatedAt = time.Now()
	return nil
}

func (f *fakePrincipalStore) SetMFAEnrolled(ctx context.Context, id string, enrolled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok || p.DeactivatedAt != nil {
		return repository.ErrNotFound
	}
	p.MFAEnrolled = enrolled
	return nil
}

func (f *fakePrincipalStore) IncrementFailedAttempts(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok || p.DeactivatedAt != nil {
		return 0, repository.ErrNotFound
	}
	p.FailedAttempts++
	return p.FailedAttempts, nil
}

func (f *fakePrincipalStore) ResetFailedAttempts(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok {
		return repository.ErrNotFound
	}
	p.FailedAttempts = 0
	p.LockedUntil = nil
	return nil
}

func (f *fakePrincipalStore) LockUntil(ctx context.Context, id string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok {
		return repository.ErrNotFound
	}
	u := until
	p.LockedUntil = &u
	return nil
}

func (f *fakePrincipalStore) Deactivate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.principals[id]
	if !ok || p.DeactivatedAt != nil {
		return repository.ErrNotFound
	}
	now := time.Now()
	p.DeactivatedAt = &now
	p.Status = model.PrincipalStatusInactive
	return nil
}

// --- fakeSessionStore ---

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	// revokeErr, when set, fails Revoke for the listed session IDs
	revokeErr map[string]error
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions:  make(map[string]*model.Session),
		revokeErr: make(map[string]error),
	}
}

func (f *fakeSessionStore) Create(ctx context.Context, s *model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeSessionStore) GetByID(ctx context.Context, id string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) ListActiveByPrincipal(ctx context.Context, principalID string) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Session
	for _, s := range f.sessions {
		if s.PrincipalID == principalID && s.RevokedAt == nil {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) Touch(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.RevokedAt == nil {
		s.LastActivity = at
	}
	return nil
}

func (f *fakeSessionStore) Revoke(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.revokeErr[id]; ok {
		return err
	}
	s, ok := f.sessions[id]
	if !ok || s.RevokedAt != nil {
		return repository.ErrNotFound
	}
	t := at
	s.RevokedAt = &t
	return nil
}

func (f *fakeSessionStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Session
	for _, s := range f.sessions {
		if s.RevokedAt == nil && s.LastActivity.Before(cutoff) && len(out) < limit {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- fakeTokenStore ---

type fakeTokenStore struct {
	mu          sync.Mutex
	families    map[string]*model.RefreshFamily
	generations map[string]*model.RefreshGeneration
	byHash      map[string]string // token hash -> generation ID
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{
		families:    make(map[string]*model.RefreshFamily),
		generations: make(map[string]*model.RefreshGeneration),
		byHash:      make(map[string]string),
	}
}

func (f *fakeTokenStore) CreateFamily(ctx context.Context, fam *model.RefreshFamily) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *fam
	f.families[fam.ID] = &cp
	return nil
}

func (f *fakeTokenStore) GetFamily(ctx context.Context, id string) (*model.RefreshFamily, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fam, ok := f.families[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *fam
	return &cp, nil
}

func (f *fakeTokenStore) RevokeFamily(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fam, ok := f.families[id]
	if !ok {
		return repository.ErrNotFound
	}
	if fam.RevokedAt == nil {
		t := at
		fam.RevokedAt = &t
	}
	return nil
}

func (f *fakeTokenStore) RevokeFamiliesBySession(ctx context.Context, sessionID string, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, fam := range f.families {
		if fam.SessionID == sessionID && fam.RevokedAt == nil {
			t := at
			fam.RevokedAt = &t
			count++
		}
	}
	return count, nil
}

func (f *fakeTokenStore) CreateGeneration(ctx context.Context, g *model.RefreshGeneration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *g
	f.generations[g.ID] = &cp
	f.byHash[g.TokenHash] = g.ID
	return nil
}

func (f *fakeTokenStore) GetGenerationByHash(ctx context.Context, tokenHash string) (*model.RefreshGeneration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byHash[tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f.generations[id]
	return &cp, nil
}

func (f *fakeTokenStore) ClaimGeneration(ctx context.Context, id, successorID string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.generations[id]
	if !ok || g.UsedAt != nil {
		return false, nil
	}
	t := at
	g.UsedAt = &t
	s := successorID
	g.SuccessorID = &s
	return true, nil
}

func (f *fakeTokenStore) DeleteExpiredFamilies(ctx context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for id, fam := range f.families {
		if fam.ExpiresAt.Before(before) {
			delete(f.families, id)
			count++
		}
	}
	return count, nil
}

// --- fakeMFAStore ---

type fakeMFAStore struct {
	mu          sync.Mutex
	credentials map[string]*model.MFACredential
	codes       map[string]*model.BackupCode
}

func newFakeMFAStore() *fakeMFAStore {
	return &fakeMFAStore{
		credentials: make(map[string]*model.MFACredential),
		codes:       make(map[string]*model.BackupCode),
	}
}

func (f *fakeMFAStore) UpsertCredential(ctx context.Context, c *model.MFACredential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.credentials[c.PrincipalID] = &cp
	return nil
}

func (f *fakeMFAStore) GetCredential(ctx context.Context, principalID string) (*model.MFACredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.credentials[principalID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeMFAStore) ConfirmCredential(ctx context.Context, principalID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.credentials[principalID]
	if !ok || c.Status != model.MFAStatusPending {
		return repository.ErrNotFound
	}
	c.Status = model.MFAStatusEnrolled
	t := at
	c.ConfirmedAt = &t
	return nil
}

func (f *fakeMFAStore) IncrementConfirmAttempts(ctx context.Context, principalID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.credentials[principalID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	c.ConfirmAttempts++
	return c.ConfirmAttempts, nil
}

func (f *fakeMFAStore) AdvanceLastUsedStep(ctx context.Context, principalID string, step int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.credentials[principalID]
	if !ok || c.LastUsedStep >= step {
		return false, nil
	}
	c.LastUsedStep = step
	return true, nil
}

func (f *fakeMFAStore) DeleteCredential(ctx context.Context, principalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.credentials[principalID]; !ok {
		return repository.ErrNotFound
	}
	delete(f.credentials, principalID)
	return nil
}

func (f *fakeMFAStore) CreateBackupCodes(ctx context.Context, codes []*model.BackupCode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range codes {
		cp := *c
		f.codes[c.ID] = &cp
	}
	return nil
}

func (f *fakeMFAStore) ConsumeBackupCode(ctx context.Context, principalID, codeHash string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.codes {
		if c.PrincipalID == principalID && c.CodeHash == codeHash && c.UsedAt == nil {
			t := at
			c.UsedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeMFAStore) CountUnusedBackupCodes(ctx context.Context, principalID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.codes {
		if c.PrincipalID == principalID && c.UsedAt == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeMFAStore) DeleteBackupCodes(ctx context.Context, principalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, c := range f.codes {
		if c.PrincipalID == principalID {
			delete(f.codes, id)
		}
	}
	return nil
}

// --- fakeRBACStore ---

type fakeRBACStore struct {
	mu     sync.Mutex
	roles  map[string]*model.Role
	grants []*model.RoleGrant
}

func newFakeRBACStore() *fakeRBACStore {
	return &fakeRBACStore{roles: make(map[string]*model.Role)}
}

func (f *fakeRBACStore) CreateRole(ctx context.Context, role *model.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.Name == role.Name {
			return repository.ErrDuplicate
		}
	}
	cp := *role
	f.roles[role.ID] = &cp
	return nil
}

func (f *fakeRBACStore) GetRole(ctx context.Context, id string) (*model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.roles[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRBACStore) GetRoleByName(ctx context.Context, name string) (*model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roles {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeRBACStore) ListRoles(ctx context.Context) ([]*model.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Role
	for _, r := range f.roles {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeRBACStore) CreateGrant(ctx context.Context, g *model.RoleGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.grants {
		if existing.PrincipalID == g.PrincipalID && existing.RoleID == g.RoleID && sameScope(existing.OrgID, g.OrgID) {
			return repository.ErrDuplicate
		}
	}
	cp := *g
	f.grants = append(f.grants, &cp)
	return nil
}

func (f *fakeRBACStore) DeleteGrant(ctx context.Context, principalID, roleID string, orgID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, g := range f.grants {
		if g.PrincipalID == principalID && g.RoleID == roleID && sameScope(g.OrgID, orgID) {
			f.grants = append(f.grants[:i], f.grants[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (f *fakeRBACStore) ListGrantsByPrincipal(ctx context.Context, principalID string) ([]*model.RoleGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.RoleGrant
	for _, g := range f.grants {
		if g.PrincipalID == principalID {
			cp := *g
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRBACStore) CountOtherGrantsWithPermissionInScope(ctx context.Context, permission model.Permission, excludePrincipalID string, orgID *string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	holders := make(map[string]struct{})
	for _, g := range f.grants {
		if g.PrincipalID == excludePrincipalID {
			continue
		}
		if g.OrgID != nil && (orgID == nil || *g.OrgID != *orgID) {
			continue
		}
		role, ok := f.roles[g.RoleID]
		if !ok {
			continue
		}
		if role.HasPermission(permission) {
			holders[g.PrincipalID] = struct{}{}
		}
	}
	return len(holders), nil
}

func sameScope(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return *a == *b
}

// --- fakeAuditStore ---

type fakeAuditStore struct {
	mu        sync.Mutex
	events    []*model.AuditEvent
	appendErr error // when set, Append fails without storing
}

func newFakeAuditStore() *fakeAuditStore {
	return &fakeAuditStore{}
}

func (f *fakeAuditStore) Append(ctx context.Context, fill func(lastSeq uint64, lastHash string) (*model.AuditEvent, error)) (*model.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	var lastSeq uint64
	var lastHash string
	if n := len(f.events); n > 0 {
		lastSeq = f.events[n-1].Seq
		lastHash = f.events[n-1].Hash
	}
	event, err := fill(lastSeq, lastHash)
	if err != nil {
		return nil, err
	}
	cp := *event
	f.events = append(f.events, &cp)
	return event, nil
}

func (f *fakeAuditStore) Query(ctx context.Context, filter repository.AuditFilter) ([]*model.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AuditEvent
	for _, e := range f.events {
		if filter.Actor != "" && e.Actor != filter.Actor {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Target != "" && e.Target != filter.Target {
			continue
		}
		if filter.FromSeq > 0 && e.Seq < filter.FromSeq {
			continue
		}
		if filter.ToSeq > 0 && e.Seq > filter.ToSeq {
			continue
		}
		if !filter.From.IsZero() && e.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.OccurredAt.After(filter.To) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeAuditStore) Range(ctx context.Context, fromSeq, toSeq uint64) ([]*model.AuditEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.AuditEvent
	for _, e := range f.events {
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeAuditStore) LastSeq(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.events); n > 0 {
		return f.events[n-1].Seq, nil
	}
	return 0, nil
}

// tamper overwrites a stored event field, for verification tests
func (f *fakeAuditStore) tamper(seq uint64, mutate func(*model.AuditEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Seq == seq {
			mutate(e)
			return nil
		}
	}
	return fmt.Errorf("no event with seq %d", seq)
}

// count returns how many stored events match the action
func (f *fakeAuditStore) count(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

func auditFilterByAction(action string) repository.AuditFilter {
	return repository.AuditFilter{Action: action}
}

// --- fakePublisher ---

type fakePublisher struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := message.(type) {
	case []byte:
		f.messages = append(f.messages, string(v))
	case string:
		f.messages = append(f.messages, v)
	default:
		f.messages = append(f.messages, fmt.Sprintf("%v", v))
	}
	return nil
}

func (f *fakePublisher) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// --- fakeChallengeStore ---

type fakeChallengeStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeChallengeStore() *fakeChallengeStore {
	return &fakeChallengeStore{values: make(map[string]string)}
}

func (f *fakeChallengeStore) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case string:
		f.values[key] = v
	case []byte:
		f.values[key] = string(v)
	default:
		f.values[key] = fmt.Sprintf("%v", v)
	}
	return nil
}

func (f *fakeChallengeStore) GetDel(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", fmt.Errorf("key not found")
	}
	delete(f.values, key)
	return v, nil
}
