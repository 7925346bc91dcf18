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
	"strings"
	"time"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/id"
	"github.com/opentrusty/opencrm/internal/observability/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultSlugAttempts = 5
	maxDisplayNameLen   = 120
)

// BootstrapResult describes the outcome of EnsureTenant.
type BootstrapResult struct {
	TenantID string `json:"tenant_id"`
	Slug     string `json:"slug,omitempty"`
	Created  bool   `json:"created"`
}

// BootstrapService provisions a tenant for principals that have none.
type BootstrapService struct {
	profiles     ProfileRepository
	provisioner  Provisioner
	auditLogger  audit.Logger
	slugAttempts int
	suffix       func() string
}

// NewBootstrapService creates a new bootstrap service
func NewBootstrapService(profiles ProfileRepository, provisioner Provisioner, auditLogger audit.Logger) *BootstrapService {
	return &BootstrapService{
		profiles:     profiles,
		provisioner:  provisioner,
		auditLogger:  auditLogger,
		slugAttempts: defaultSlugAttempts,
		suffix:       randomSuffix,
	}
}

// EnsureTenant returns the principal's active tenant, provisioning one when
// the principal has none. displayName is optional and defaults to the local
// part of email.
//
// Concurrent calls for the same principal converge on a single tenant: the
// provisioner re-checks the profile under lock and a losing caller reads the
// winner's committed tenant.
func (s *BootstrapService) EnsureTenant(ctx context.Context, principalID, email, displayName string) (*BootstrapResult, error) {
	ctx, span := otel.Tracer("opencrm/tenant").Start(ctx, "tenant.EnsureTenant")
	defer span.End()

	if principalID == "" {
		return nil, apperr.Unauthenticated("authentication required")
	}

	if existing, err := s.currentTenant(ctx, principalID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "profile lookup failed")
		return nil, err
	} else if existing != "" {
		span.SetAttributes(attribute.Bool("tenant.created", false))
		return &BootstrapResult{TenantID: existing}, nil
	}

	name := strings.TrimSpace(displayName)
	if name == "" {
		name = DisplayNameFromEmail(email)
	}
	if name == "" {
		name = "My Workspace"
	}
	if len(name) > maxDisplayNameLen {
		return nil, apperr.Validationf("display name must be at most %d characters", maxDisplayNameLen)
	}

	base := Slugify(name)
	for attempt := 0; attempt < s.slugAttempts; attempt++ {
		slug := base
		if attempt > 0 {
			slug = WithSuffix(base, s.suffix())
		}

		p := newProvisioning(principalID, email, name, slug)
		tenantID, err := s.provisioner.Provision(ctx, p)
		switch {
		case err == nil:
			span.SetAttributes(attribute.Bool("tenant.created", true), attribute.String("tenant.slug", slug))
			slog.InfoContext(ctx, "tenant provisioned",
				logger.UserID(principalID),
				logger.TenantID(tenantID),
				logger.String("slug", slug),
			)
			s.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeTenantProvisioned,
				TenantID: tenantID,
				ActorID:  principalID,
				Resource: "tenant",
				Metadata: map[string]any{"slug": slug, "name": name},
			})
			return &BootstrapResult{TenantID: tenantID, Slug: slug, Created: true}, nil

		case errors.Is(err, ErrAlreadyProvisioned):
			return &BootstrapResult{TenantID: tenantID}, nil

		case errors.Is(err, ErrMembershipExists):
			// A concurrent bootstrap won; read its committed state.
			existing, rerr := s.currentTenant(ctx, principalID)
			if rerr != nil {
				return nil, rerr
			}
			if existing != "" {
				return &BootstrapResult{TenantID: existing}, nil
			}
			return nil, apperr.Conflict("concurrent provisioning in progress, retry", err)

		case errors.Is(err, ErrSlugTaken):
			slog.DebugContext(ctx, "tenant slug taken, retrying with suffix", logger.String("slug", slug))
			continue

		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "provision failed")
			return nil, fmt.Errorf("failed to provision tenant: %w", err)
		}
	}

	return nil, apperr.Conflict("could not allocate a unique tenant slug", ErrSlugTaken)
}

func (s *BootstrapService) currentTenant(ctx context.Context, principalID string) (string, error) {
	p, err := s.profiles.GetProfile(ctx, principalID)
	if errors.Is(err, ErrProfileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load profile: %w", err)
	}
	tenantID, _ := p.ActiveTenant()
	return tenantID, nil
}

func newProvisioning(principalID, email, name, slug string) Provisioning {
	now := time.Now()
	tenantID := id.NewUUIDv7()

	t := &Tenant{
		ID:        tenantID,
		Name:      name,
		Slug:      slug,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.ApplyPlan(PlanFree)

	return Provisioning{
		Tenant: t,
		Profile: &Profile{
			UserID:          principalID,
			Email:           email,
			CurrentTenantID: &tenantID,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		Membership: &Membership{
			ID:          id.NewUUIDv7(),
			TenantID:    tenantID,
			UserID:      principalID,
			Role:        RoleOwner,
			Permissions: DefaultPermissions(RoleOwner),
			Status:      MembershipActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
}
