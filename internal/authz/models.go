package authz

import (
	"context"

	"github.com/opentrusty/opencrm/internal/tenant"
)

// Action is the kind of access being checked.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// IsWrite reports whether the action mutates data.
func (a Action) IsWrite() bool {
	return a != ActionRead
}

// Snapshot is the principal's authorization state read in one query:
// the profile's active tenant and the membership row for that tenant.
type Snapshot struct {
	PrincipalID    string
	ActiveTenantID string
	Membership     *tenant.Membership
}

// Provisioned reports whether the principal has an active tenant.
func (s *Snapshot) Provisioned() bool {
	return s != nil && s.ActiveTenantID != ""
}

// SnapshotLoader loads a Snapshot. Implementations must read the profile
// and the membership together so the pair is consistent.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, principalID string) (*Snapshot, error)
}

// Record is the authorization-relevant part of a tenant-scoped row.
type Record struct {
	TenantID  string
	CreatedBy string
	// Permission is the membership permission required to write this kind
	// of record, e.g. tenant.PermAccountsWrite. Empty skips the check.
	Permission string
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed  bool
	Reason   string
	TenantID string
	Role     string
}
