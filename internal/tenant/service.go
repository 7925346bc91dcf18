// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/id"
	"github.com/opentrusty/opencrm/internal/observability/logger"
)

// Service provides tenant management business logic
type Service struct {
	repo        Repository
	profiles    ProfileRepository
	members     MembershipRepository
	auditLogger audit.Logger
}

// NewService creates a new tenant service
func NewService(repo Repository, profiles ProfileRepository, members MembershipRepository, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		profiles:    profiles,
		members:     members,
		auditLogger: auditLogger,
	}
}

// GetTenant retrieves a tenant by ID
func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrTenantNotFound) {
		return nil, apperr.NotFound("tenant not found")
	}
	return t, err
}

// CurrentTenant returns the principal's active tenant.
func (s *Service) CurrentTenant(ctx context.Context, principalID string) (*Tenant, error) {
	tenantID, err := s.activeTenant(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return s.GetTenant(ctx, tenantID)
}

// ListMemberships lists every tenant the principal belongs to.
func (s *Service) ListMemberships(ctx context.Context, principalID string) ([]*Membership, error) {
	if principalID == "" {
		return nil, apperr.Unauthenticated("authentication required")
	}
	return s.members.ListForUser(ctx, principalID)
}

// SwitchTenant makes tenantID the principal's active tenant. The principal
// must hold an active membership there.
func (s *Service) SwitchTenant(ctx context.Context, principalID, tenantID string) error {
	if principalID == "" {
		return apperr.Unauthenticated("authentication required")
	}
	if tenantID == "" {
		return apperr.Validation("tenant_id is required")
	}

	m, err := s.members.GetMembership(ctx, tenantID, principalID)
	if err != nil && !errors.Is(err, ErrMembershipNotFound) {
		return fmt.Errorf("failed to load membership: %w", err)
	}
	if !m.IsActive() {
		return apperr.Denied(apperr.ReasonNotMember, "not a member of the requested tenant")
	}

	if err := s.profiles.SetCurrentTenant(ctx, principalID, tenantID); err != nil {
		return fmt.Errorf("failed to switch tenant: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTenantSwitched,
		TenantID: tenantID,
		ActorID:  principalID,
		Resource: "user_profile",
	})
	return nil
}

// ListMembers lists the members of the principal's active tenant.
func (s *Service) ListMembers(ctx context.Context, principalID string) ([]*Membership, error) {
	tenantID, _, err := s.activeMembership(ctx, principalID)
	if err != nil {
		return nil, err
	}
	return s.members.ListForTenant(ctx, tenantID)
}

// AddMember grants userID a role in the principal's active tenant.
func (s *Service) AddMember(ctx context.Context, principalID, userID, role string) (*Membership, error) {
	if userID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if !ValidRole(role) {
		return nil, apperr.Validationf("invalid role: %s", role)
	}

	tenantID, actor, err := s.activeMembership(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if !actor.Can(PermMembersManage) {
		return nil, apperr.Denied(apperr.ReasonInsufficientRole, "managing members requires an owner or admin role")
	}
	if role == RoleOwner && actor.Role != RoleOwner {
		return nil, apperr.Denied(apperr.ReasonInsufficientRole, "only owners can add owners")
	}

	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if t.MaxUsers > 0 {
		n, err := s.members.CountActiveMembers(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to count members: %w", err)
		}
		if n >= t.MaxUsers {
			return nil, &apperr.Error{Kind: apperr.KindValidation, Reason: apperr.ReasonQuotaExceeded, Message: "member limit reached for plan"}
		}
	}

	now := time.Now()
	m := &Membership{
		ID:          id.NewUUIDv7(),
		TenantID:    tenantID,
		UserID:      userID,
		Role:        role,
		Permissions: DefaultPermissions(role),
		Status:      MembershipActive,
		InvitedBy:   principalID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	reactivated := false
	err = s.members.AddMembership(ctx, m)
	if errors.Is(err, ErrMembershipExists) {
		// A revoked row is kept for attribution, so re-adding the user
		// brings it back instead of inserting a second one.
		m, err = s.reactivate(ctx, m)
		reactivated = err == nil
	}
	if err != nil {
		if errors.Is(err, ErrMembershipExists) {
			return nil, apperr.Conflict("user is already a member", err)
		}
		return nil, fmt.Errorf("failed to add member: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeMemberAdded,
		TenantID: tenantID,
		ActorID:  principalID,
		Resource: "tenant_users",
		Metadata: map[string]any{"user_id": userID, "role": role, "reactivated": reactivated},
	})
	slog.InfoContext(ctx, "member added",
		logger.TenantID(tenantID),
		logger.UserID(userID),
		logger.Role(role),
		slog.Bool("reactivated", reactivated),
	)
	return m, nil
}

func (s *Service) reactivate(ctx context.Context, m *Membership) (*Membership, error) {
	if err := s.members.ReactivateMembership(ctx, m); err != nil {
		return nil, err
	}
	return s.members.GetMembership(ctx, m.TenantID, m.UserID)
}

// RevokeMember marks a membership revoked. Rows are kept for attribution.
func (s *Service) RevokeMember(ctx context.Context, principalID, userID string) error {
	tenantID, actor, err := s.activeMembership(ctx, principalID)
	if err != nil {
		return err
	}
	if userID == principalID {
		return apperr.Validation("cannot revoke your own membership")
	}
	if !actor.Can(PermMembersManage) {
		return apperr.Denied(apperr.ReasonInsufficientRole, "managing members requires an owner or admin role")
	}

	target, err := s.members.GetMembership(ctx, tenantID, userID)
	if errors.Is(err, ErrMembershipNotFound) {
		return apperr.NotFound("membership not found")
	}
	if err != nil {
		return fmt.Errorf("failed to load membership: %w", err)
	}
	if target.Role == RoleOwner && actor.Role != RoleOwner {
		return apperr.Denied(apperr.ReasonInsufficientRole, "only owners can revoke owners")
	}

	if err := s.members.SetMembershipStatus(ctx, tenantID, userID, MembershipRevoked); err != nil {
		return fmt.Errorf("failed to revoke member: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeMemberRemoved,
		TenantID: tenantID,
		ActorID:  principalID,
		Resource: "tenant_users",
		Metadata: map[string]any{"user_id": userID},
	})
	return nil
}

func (s *Service) activeTenant(ctx context.Context, principalID string) (string, error) {
	if principalID == "" {
		return "", apperr.Unauthenticated("authentication required")
	}
	p, err := s.profiles.GetProfile(ctx, principalID)
	if err != nil && !errors.Is(err, ErrProfileNotFound) {
		return "", fmt.Errorf("failed to load profile: %w", err)
	}
	tenantID, ok := p.ActiveTenant()
	if !ok {
		return "", apperr.Denied(apperr.ReasonUnprovisioned, "account is not set up yet")
	}
	return tenantID, nil
}

func (s *Service) activeMembership(ctx context.Context, principalID string) (string, *Membership, error) {
	tenantID, err := s.activeTenant(ctx, principalID)
	if err != nil {
		return "", nil, err
	}
	m, err := s.members.GetMembership(ctx, tenantID, principalID)
	if err != nil && !errors.Is(err, ErrMembershipNotFound) {
		return "", nil, fmt.Errorf("failed to load membership: %w", err)
	}
	if !m.IsActive() {
		return "", nil, apperr.Denied(apperr.ReasonNotMember, "not a member of the active tenant")
	}
	return tenantID, m, nil
}
