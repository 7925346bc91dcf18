package memory

import (
	"context"
	"maps"
	"sort"
	"time"

	"github.com/opentrusty/opencrm/internal/authz"
	"github.com/opentrusty/opencrm/internal/tenant"
)

// TenantStore implements the tenant, profile, membership, provisioning and
// snapshot interfaces.
type TenantStore struct {
	db *DB
}

func NewTenantStore(db *DB) *TenantStore {
	return &TenantStore{db: db}
}

// PutTenant inserts or replaces a tenant.
func (s *TenantStore) PutTenant(t *tenant.Tenant) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	cp := *t
	s.db.tenants[t.ID] = &cp
}

func (s *TenantStore) GetByID(_ context.Context, id string) (*tenant.Tenant, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TenantStore) GetBySlug(_ context.Context, slug string) (*tenant.Tenant, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, t := range s.db.tenants {
		if t.Slug == slug {
			cp := *t
			return &cp, nil
		}
	}
	return nil, tenant.ErrTenantNotFound
}

func (s *TenantStore) Update(_ context.Context, t *tenant.Tenant) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.tenants[t.ID]; !ok {
		return tenant.ErrTenantNotFound
	}
	for _, other := range s.db.tenants {
		if other.ID != t.ID && other.Slug == t.Slug {
			return tenant.ErrSlugTaken
		}
	}
	cp := *t
	cp.UpdatedAt = time.Now()
	s.db.tenants[t.ID] = &cp
	return nil
}

func (s *TenantStore) GetProfile(_ context.Context, userID string) (*tenant.Profile, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.profiles[userID]
	if !ok {
		return nil, tenant.ErrProfileNotFound
	}
	return copyProfile(p), nil
}

func (s *TenantStore) SetCurrentTenant(_ context.Context, userID, tenantID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := time.Now()
	p, ok := s.db.profiles[userID]
	if !ok {
		p = &tenant.Profile{UserID: userID, CreatedAt: now}
		s.db.profiles[userID] = p
	}
	tid := tenantID
	p.CurrentTenantID = &tid
	p.UpdatedAt = now
	return nil
}

func (s *TenantStore) GetMembership(_ context.Context, tenantID, userID string) (*tenant.Membership, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.memberships[membershipKey(tenantID, userID)]
	if !ok {
		return nil, tenant.ErrMembershipNotFound
	}
	return copyMembership(m), nil
}

func (s *TenantStore) ListForUser(_ context.Context, userID string) ([]*tenant.Membership, error) {
	return s.list(func(m *tenant.Membership) bool { return m.UserID == userID }), nil
}

func (s *TenantStore) ListForTenant(_ context.Context, tenantID string) ([]*tenant.Membership, error) {
	return s.list(func(m *tenant.Membership) bool { return m.TenantID == tenantID }), nil
}

func (s *TenantStore) list(keep func(*tenant.Membership) bool) []*tenant.Membership {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*tenant.Membership
	for _, m := range s.db.memberships {
		if keep(m) {
			out = append(out, copyMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *TenantStore) AddMembership(_ context.Context, m *tenant.Membership) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	key := membershipKey(m.TenantID, m.UserID)
	if _, ok := s.db.memberships[key]; ok {
		return tenant.ErrMembershipExists
	}
	s.db.memberships[key] = copyMembership(m)
	return nil
}

func (s *TenantStore) SetMembershipStatus(_ context.Context, tenantID, userID, status string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.memberships[membershipKey(tenantID, userID)]
	if !ok {
		return tenant.ErrMembershipNotFound
	}
	m.Status = status
	m.UpdatedAt = time.Now()
	return nil
}

func (s *TenantStore) ReactivateMembership(_ context.Context, in *tenant.Membership) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.memberships[membershipKey(in.TenantID, in.UserID)]
	if !ok {
		return tenant.ErrMembershipNotFound
	}
	if m.IsActive() {
		return tenant.ErrMembershipExists
	}
	m.Role = in.Role
	m.Permissions = maps.Clone(in.Permissions)
	m.InvitedBy = in.InvitedBy
	m.Status = tenant.MembershipActive
	m.UpdatedAt = time.Now()
	return nil
}

func (s *TenantStore) CountActiveMembers(_ context.Context, tenantID string) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, m := range s.db.memberships {
		if m.TenantID == tenantID && m.IsActive() {
			n++
		}
	}
	return n, nil
}

// Provision writes the tenant, profile pointer and membership under one
// lock, so a concurrent caller either sees all three or none.
func (s *TenantStore) Provision(_ context.Context, p tenant.Provisioning) (string, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	userID := p.Profile.UserID
	if existing, ok := s.db.profiles[userID]; ok {
		if tid, ok := existing.ActiveTenant(); ok {
			return tid, tenant.ErrAlreadyProvisioned
		}
	}
	for _, t := range s.db.tenants {
		if t.Slug == p.Tenant.Slug {
			return "", tenant.ErrSlugTaken
		}
	}
	key := membershipKey(p.Membership.TenantID, p.Membership.UserID)
	if _, ok := s.db.memberships[key]; ok {
		return "", tenant.ErrMembershipExists
	}

	t := *p.Tenant
	s.db.tenants[t.ID] = &t

	prof, ok := s.db.profiles[userID]
	if !ok {
		prof = copyProfile(p.Profile)
		s.db.profiles[userID] = prof
	}
	tid := t.ID
	prof.CurrentTenantID = &tid
	if prof.Email == "" {
		prof.Email = p.Profile.Email
	}
	prof.UpdatedAt = p.Profile.UpdatedAt

	s.db.memberships[key] = copyMembership(p.Membership)
	return t.ID, nil
}

// LoadSnapshot reads the profile and its active membership together.
func (s *TenantStore) LoadSnapshot(_ context.Context, principalID string) (*authz.Snapshot, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	snap := &authz.Snapshot{PrincipalID: principalID}
	p, ok := s.db.profiles[principalID]
	if !ok {
		return snap, nil
	}
	tid, ok := p.ActiveTenant()
	if !ok {
		return snap, nil
	}
	snap.ActiveTenantID = tid
	if m, ok := s.db.memberships[membershipKey(tid, principalID)]; ok {
		snap.Membership = copyMembership(m)
	}
	return snap, nil
}

func copyProfile(p *tenant.Profile) *tenant.Profile {
	cp := *p
	if p.CurrentTenantID != nil {
		tid := *p.CurrentTenantID
		cp.CurrentTenantID = &tid
	}
	return &cp
}

func copyMembership(m *tenant.Membership) *tenant.Membership {
	cp := *m
	if m.Permissions != nil {
		cp.Permissions = make(map[string]bool, len(m.Permissions))
		for k, v := range m.Permissions {
			cp.Permissions[k] = v
		}
	}
	return &cp
}
