package tenant

import "time"

// Membership roles
const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
)

// Membership statuses
const (
	MembershipActive    = "active"
	MembershipInvited   = "invited"
	MembershipSuspended = "suspended"
	MembershipRevoked   = "revoked"
)

// Permissions carried in a membership's permission map.
const (
	PermAccountsWrite   = "accounts:write"
	PermContactsWrite   = "contacts:write"
	PermDealsWrite      = "deals:write"
	PermActivitiesWrite = "activities:write"
	PermCampaignsWrite  = "campaigns:write"
	PermMembersManage   = "members:manage"
	PermTenantManage    = "tenant:manage"
)

// CRMWritePermissions lists every CRM write capability.
var CRMWritePermissions = []string{
	PermAccountsWrite,
	PermContactsWrite,
	PermDealsWrite,
	PermActivitiesWrite,
	PermCampaignsWrite,
}

// Membership associates a principal with a tenant (tenant_users).
type Membership struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	UserID      string          `json:"user_id"`
	Role        string          `json:"role"`
	Permissions map[string]bool `json:"permissions"`
	Status      string          `json:"status"`
	InvitedBy   string          `json:"invited_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsActive reports whether the membership currently grants access.
func (m *Membership) IsActive() bool {
	return m != nil && m.Status == MembershipActive
}

// Can reports whether the membership grants perm. A membership stored
// without an explicit permission map falls back to its role defaults.
func (m *Membership) Can(perm string) bool {
	if m == nil {
		return false
	}
	if m.Permissions == nil {
		return DefaultPermissions(m.Role)[perm]
	}
	return m.Permissions[perm]
}

// IsElevated reports whether the role may modify records created by others.
func IsElevated(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleManager:
		return true
	}
	return false
}

// ValidRole reports whether role is a known membership role.
func ValidRole(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleManager, RoleMember:
		return true
	}
	return false
}

// DefaultPermissions returns the permission set granted to a role.
func DefaultPermissions(role string) map[string]bool {
	perms := make(map[string]bool, len(CRMWritePermissions)+2)
	if !ValidRole(role) {
		return perms
	}
	for _, p := range CRMWritePermissions {
		perms[p] = true
	}
	switch role {
	case RoleOwner:
		perms[PermMembersManage] = true
		perms[PermTenantManage] = true
	case RoleAdmin:
		perms[PermMembersManage] = true
	}
	return perms
}
