package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opentrusty/opencrm/internal/authz"
	"github.com/opentrusty/opencrm/internal/tenant"
)

// TenantRepository implements the tenant, profile, membership and
// provisioning stores and authz.SnapshotLoader.
type TenantRepository struct {
	db *DB
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db *DB) *TenantRepository {
	return &TenantRepository{db: db}
}

const tenantColumns = `id, name, slug, plan, max_accounts, max_contacts, max_deals, max_users, status, created_at, updated_at`

func scanTenant(row pgx.Row) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.Plan, &t.MaxAccounts, &t.MaxContacts,
		&t.MaxDeals, &t.MaxUsers, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tenant.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	return &t, nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, err := scanTenant(r.db.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil && isInvalidInput(err) {
		return nil, tenant.ErrTenantNotFound
	}
	return t, err
}

// GetBySlug retrieves a tenant by slug
func (r *TenantRepository) GetBySlug(ctx context.Context, slug string) (*tenant.Tenant, error) {
	return scanTenant(r.db.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
}

// Update updates a tenant's name, slug, plan, quotas and status.
func (r *TenantRepository) Update(ctx context.Context, t *tenant.Tenant) error {
	t.UpdatedAt = time.Now()
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE tenants
		SET name = $2, slug = $3, plan = $4, max_accounts = $5, max_contacts = $6,
			max_deals = $7, max_users = $8, status = $9, updated_at = $10
		WHERE id = $1
	`, t.ID, t.Name, t.Slug, t.Plan, t.MaxAccounts, t.MaxContacts, t.MaxDeals, t.MaxUsers, t.Status, t.UpdatedAt)
	if constraintViolation(err) == "tenants_slug_key" {
		return tenant.ErrSlugTaken
	}
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// GetProfile retrieves the profile of a principal
func (r *TenantRepository) GetProfile(ctx context.Context, userID string) (*tenant.Profile, error) {
	var p tenant.Profile
	err := r.db.pool.QueryRow(ctx, `
		SELECT user_id, email, current_tenant_id::text, created_at, updated_at
		FROM user_profiles WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Email, &p.CurrentTenantID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tenant.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return &p, nil
}

// SetCurrentTenant upserts the profile and points it at tenantID.
func (r *TenantRepository) SetCurrentTenant(ctx context.Context, userID, tenantID string) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO user_profiles (user_id, current_tenant_id, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (user_id) DO UPDATE
		SET current_tenant_id = EXCLUDED.current_tenant_id, updated_at = now()
	`, userID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to set current tenant: %w", err)
	}
	return nil
}

const membershipColumns = `id, tenant_id::text, user_id, role, permissions, status, invited_by, created_at, updated_at`

func scanMembership(row pgx.Row) (*tenant.Membership, error) {
	var m tenant.Membership
	var invitedBy *string
	if err := row.Scan(&m.ID, &m.TenantID, &m.UserID, &m.Role, &m.Permissions,
		&m.Status, &invitedBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if invitedBy != nil {
		m.InvitedBy = *invitedBy
	}
	return &m, nil
}

// GetMembership retrieves the membership of userID in tenantID
func (r *TenantRepository) GetMembership(ctx context.Context, tenantID, userID string) (*tenant.Membership, error) {
	m, err := scanMembership(r.db.pool.QueryRow(ctx, `
		SELECT `+membershipColumns+` FROM tenant_users WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID))
	if errors.Is(err, pgx.ErrNoRows) || isInvalidInput(err) {
		return nil, tenant.ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return m, nil
}

// ListForUser lists every membership of a principal
func (r *TenantRepository) ListForUser(ctx context.Context, userID string) ([]*tenant.Membership, error) {
	return r.listMemberships(ctx, `WHERE user_id = $1`, userID)
}

// ListForTenant lists every membership of a tenant
func (r *TenantRepository) ListForTenant(ctx context.Context, tenantID string) ([]*tenant.Membership, error) {
	return r.listMemberships(ctx, `WHERE tenant_id = $1`, tenantID)
}

func (r *TenantRepository) listMemberships(ctx context.Context, where string, arg string) ([]*tenant.Membership, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT `+membershipColumns+` FROM tenant_users `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var out []*tenant.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMembership inserts a membership row
func (r *TenantRepository) AddMembership(ctx context.Context, m *tenant.Membership) error {
	return addMembership(ctx, r.db.pool, m)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func addMembership(ctx context.Context, q execer, m *tenant.Membership) error {
	var invitedBy *string
	if m.InvitedBy != "" {
		invitedBy = &m.InvitedBy
	}
	_, err := q.Exec(ctx, `
		INSERT INTO tenant_users (id, tenant_id, user_id, role, permissions, status, invited_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.TenantID, m.UserID, m.Role, m.Permissions, m.Status, invitedBy, m.CreatedAt, m.UpdatedAt)
	if constraintViolation(err) == "tenant_users_tenant_user_key" {
		return tenant.ErrMembershipExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert membership: %w", err)
	}
	return nil
}

// SetMembershipStatus changes the status of a membership
func (r *TenantRepository) SetMembershipStatus(ctx context.Context, tenantID, userID, status string) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE tenant_users SET status = $3, updated_at = now()
		WHERE tenant_id = $1 AND user_id = $2
	`, tenantID, userID, status)
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenant.ErrMembershipNotFound
	}
	return nil
}

// ReactivateMembership restores a revoked or suspended membership in place.
func (r *TenantRepository) ReactivateMembership(ctx context.Context, m *tenant.Membership) error {
	var invitedBy *string
	if m.InvitedBy != "" {
		invitedBy = &m.InvitedBy
	}
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE tenant_users
		SET role = $3, permissions = $4, invited_by = $5, status = 'active', updated_at = now()
		WHERE tenant_id = $1 AND user_id = $2 AND status <> 'active'
	`, m.TenantID, m.UserID, m.Role, m.Permissions, invitedBy)
	if err != nil {
		return fmt.Errorf("failed to reactivate membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetMembership(ctx, m.TenantID, m.UserID); err != nil {
			return err
		}
		return tenant.ErrMembershipExists
	}
	return nil
}

// CountActiveMembers counts active memberships of a tenant
func (r *TenantRepository) CountActiveMembers(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.pool.QueryRow(ctx, `
		SELECT count(*) FROM tenant_users WHERE tenant_id = $1 AND status = 'active'
	`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count members: %w", err)
	}
	return n, nil
}

// Provision writes the tenant, the profile pointer and the owner
// membership in one transaction. The profile row is locked first so two
// bootstraps of the same principal serialize; the loser observes the
// winner's tenant and gets ErrAlreadyProvisioned.
func (r *TenantRepository) Provision(ctx context.Context, p tenant.Provisioning) (string, error) {
	var existing string
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO user_profiles (user_id, email, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (user_id) DO NOTHING
		`, p.Profile.UserID, p.Profile.Email, p.Profile.CreatedAt); err != nil {
			return fmt.Errorf("failed to upsert profile: %w", err)
		}

		var current *string
		if err := tx.QueryRow(ctx, `
			SELECT current_tenant_id::text FROM user_profiles WHERE user_id = $1 FOR UPDATE
		`, p.Profile.UserID).Scan(&current); err != nil {
			return fmt.Errorf("failed to lock profile: %w", err)
		}
		if current != nil && *current != "" {
			existing = *current
			return tenant.ErrAlreadyProvisioned
		}

		t := p.Tenant
		_, err := tx.Exec(ctx, `
			INSERT INTO tenants (`+tenantColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, t.ID, t.Name, t.Slug, t.Plan, t.MaxAccounts, t.MaxContacts, t.MaxDeals, t.MaxUsers, t.Status, t.CreatedAt, t.UpdatedAt)
		if constraintViolation(err) == "tenants_slug_key" {
			return tenant.ErrSlugTaken
		}
		if err != nil {
			return fmt.Errorf("failed to insert tenant: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE user_profiles
			SET current_tenant_id = $2, email = CASE WHEN email = '' THEN $3 ELSE email END, updated_at = $4
			WHERE user_id = $1
		`, p.Profile.UserID, t.ID, p.Profile.Email, p.Profile.UpdatedAt); err != nil {
			return fmt.Errorf("failed to point profile at tenant: %w", err)
		}

		return addMembership(ctx, tx, p.Membership)
	})
	if errors.Is(err, tenant.ErrAlreadyProvisioned) {
		return existing, err
	}
	if err != nil {
		return "", err
	}
	return p.Tenant.ID, nil
}

// LoadSnapshot reads the profile and the membership for its active tenant
// in one statement.
func (r *TenantRepository) LoadSnapshot(ctx context.Context, principalID string) (*authz.Snapshot, error) {
	snap := &authz.Snapshot{PrincipalID: principalID}

	var (
		tenantID                       *string
		mID, mRole, mStatus, mTenantID *string
		mInvitedBy                     *string
		mPerms                         map[string]bool
		mCreated, mUpdated             *time.Time
	)
	err := r.db.pool.QueryRow(ctx, `
		SELECT p.current_tenant_id::text,
			tu.id::text, tu.tenant_id::text, tu.role, tu.permissions, tu.status, tu.invited_by,
			tu.created_at, tu.updated_at
		FROM user_profiles p
		LEFT JOIN tenant_users tu
			ON tu.tenant_id = p.current_tenant_id AND tu.user_id = p.user_id
		WHERE p.user_id = $1
	`, principalID).Scan(&tenantID, &mID, &mTenantID, &mRole, &mPerms, &mStatus, &mInvitedBy, &mCreated, &mUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization snapshot: %w", err)
	}
	if tenantID == nil {
		return snap, nil
	}
	snap.ActiveTenantID = *tenantID
	if mID != nil {
		m := &tenant.Membership{
			ID:          *mID,
			TenantID:    *mTenantID,
			UserID:      principalID,
			Role:        *mRole,
			Permissions: mPerms,
			Status:      *mStatus,
			CreatedAt:   *mCreated,
			UpdatedAt:   *mUpdated,
		}
		if mInvitedBy != nil {
			m.InvitedBy = *mInvitedBy
		}
		snap.Membership = m
	}
	return snap, nil
}
