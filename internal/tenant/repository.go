package tenant

import (
	"context"
	"errors"
)

var (
	ErrTenantNotFound     = errors.New("tenant not found")
	ErrProfileNotFound    = errors.New("profile not found")
	ErrMembershipNotFound = errors.New("membership not found")
	ErrMembershipExists   = errors.New("membership already exists")
	ErrSlugTaken          = errors.New("tenant slug already taken")
	ErrAlreadyProvisioned = errors.New("principal already provisioned")
)

// Repository defines the interface for tenant storage
type Repository interface {
	GetByID(ctx context.Context, id string) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, tenant *Tenant) error
}

// ProfileRepository stores the principal to active tenant binding.
type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	// SetCurrentTenant upserts the profile and points it at tenantID.
	SetCurrentTenant(ctx context.Context, userID, tenantID string) error
}

// MembershipRepository stores tenant_users rows.
type MembershipRepository interface {
	GetMembership(ctx context.Context, tenantID, userID string) (*Membership, error)
	ListForUser(ctx context.Context, userID string) ([]*Membership, error)
	ListForTenant(ctx context.Context, tenantID string) ([]*Membership, error)
	AddMembership(ctx context.Context, m *Membership) error
	SetMembershipStatus(ctx context.Context, tenantID, userID, status string) error
	// ReactivateMembership restores a non-active row with m's role,
	// permissions and inviter. It returns ErrMembershipExists when the row
	// is already active.
	ReactivateMembership(ctx context.Context, m *Membership) error
	CountActiveMembers(ctx context.Context, tenantID string) (int, error)
}

// Provisioning is the set of rows written by one bootstrap.
type Provisioning struct {
	Tenant     *Tenant
	Profile    *Profile
	Membership *Membership
}

// Provisioner writes a Provisioning atomically: either the tenant, the
// profile pointer and the owner membership are all committed or none is.
//
// When the profile already points at a tenant (observed under lock) it
// returns that tenant id together with ErrAlreadyProvisioned. A slug
// collision returns ErrSlugTaken and a duplicate (tenant, user) row returns
// ErrMembershipExists; nothing is written in either case.
type Provisioner interface {
	Provision(ctx context.Context, p Provisioning) (string, error)
}
