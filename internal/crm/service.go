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

package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/authz"
	"github.com/opentrusty/opencrm/internal/id"
	"github.com/opentrusty/opencrm/internal/observability/logger"
	"github.com/opentrusty/opencrm/internal/tenant"
)

// TenantSource exposes tenant quotas.
type TenantSource interface {
	GetByID(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Service implements tenant-implicit CRUD. The tenant of every operation is
// the caller's active tenant as stored server-side.
type Service struct {
	repo        Repository
	resolver    *authz.Resolver
	tenants     TenantSource
	auditLogger audit.Logger
	now         func() time.Time
}

// NewService creates a new CRM service
func NewService(repo Repository, resolver *authz.Resolver, tenants TenantSource, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		resolver:    resolver,
		tenants:     tenants,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// List returns records of entity in the caller's active tenant.
func (s *Service) List(ctx context.Context, principalID string, entity Entity, opts ListOptions) ([]Record, error) {
	snap, err := s.resolver.RequireMember(ctx, principalID)
	if err != nil {
		return nil, err
	}
	opts, err = normalizeListOptions(entity, opts)
	if err != nil {
		return nil, err
	}
	recs, err := s.repo.List(ctx, entity, snap.ActiveTenantID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}
	return recs, nil
}

// Get returns one record. Records of other tenants are reported as not found.
func (s *Service) Get(ctx context.Context, principalID string, entity Entity, recordID string) (Record, error) {
	snap, err := s.resolver.RequireMember(ctx, principalID)
	if err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, entity, snap.ActiveTenantID, recordID)
	if err != nil {
		return nil, err
	}
	d := s.resolver.Check(ctx, snap, authz.ActionRead, principalID, "", authzRecord(rec))
	if err := d.Err(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Create inserts rec on behalf of principalID. tenant_id and created_by
// values already present on rec are hints: they must match the server-side
// values or the write is denied.
func (s *Service) Create(ctx context.Context, principalID string, rec Record) (Record, error) {
	entity := rec.Entity()
	snap, err := s.resolver.Snapshot(ctx, principalID)
	if err != nil {
		return nil, err
	}

	meta := rec.Meta()
	if meta.TenantID == "" {
		meta.TenantID = snap.ActiveTenantID
	}
	if meta.CreatedBy == "" {
		meta.CreatedBy = principalID
	}

	d := s.resolver.Check(ctx, snap, authz.ActionCreate, principalID, snap.ActiveTenantID, authz.Record{
		TenantID:   meta.TenantID,
		CreatedBy:  meta.CreatedBy,
		Permission: entity.WritePermission(),
	})
	if err := d.Err(); err != nil {
		return nil, err
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, d.TenantID, rec.References()); err != nil {
		return nil, err
	}
	if err := s.checkQuota(ctx, entity, d.TenantID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	meta.ID = id.NewUUIDv7()
	meta.CreatedAt = now
	meta.UpdatedAt = now

	if err := s.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrWriteGuard) {
			return nil, s.explainGuard(ctx, principalID, authz.ActionCreate, authzRecord(rec))
		}
		return nil, fmt.Errorf("failed to create %s: %w", entity, err)
	}
	slog.DebugContext(ctx, "record created",
		logger.TenantID(meta.TenantID),
		logger.Entity(string(entity)),
		logger.RecordID(meta.ID),
	)

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeRecordCreated,
		TenantID: meta.TenantID,
		ActorID:  principalID,
		Resource: string(entity),
		Metadata: map[string]any{"record_id": meta.ID},
	})
	return rec, nil
}

// Update applies a partial update. raw is the decoded JSON body.
func (s *Service) Update(ctx context.Context, principalID string, entity Entity, recordID string, raw map[string]any) (Record, error) {
	snap, err := s.resolver.Snapshot(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if d := s.resolver.Check(ctx, snap, authz.ActionRead, principalID, "", authz.Record{TenantID: snap.ActiveTenantID}); !d.Allowed {
		return nil, d.Err()
	}

	existing, err := s.load(ctx, entity, snap.ActiveTenantID, recordID)
	if err != nil {
		return nil, err
	}

	if hint, ok := raw["tenant_id"]; ok {
		if hint != snap.ActiveTenantID {
			d := s.resolver.Check(ctx, snap, authz.ActionUpdate, principalID, fmt.Sprint(hint), authzRecord(existing))
			if d.Allowed {
				d = authz.Decision{Reason: apperr.ReasonWrongTenant}
			}
			return nil, d.Err()
		}
		delete(raw, "tenant_id")
	}

	d := s.resolver.Check(ctx, snap, authz.ActionUpdate, principalID, "", authzRecord(existing))
	if err := d.Err(); err != nil {
		return nil, err
	}

	patch, err := NormalizePatch(entity, raw)
	if err != nil {
		return nil, err
	}
	updated, err := ApplyPatch(existing, patch)
	if err != nil {
		return nil, err
	}
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkReferences(ctx, d.TenantID, changedReferences(existing, updated)); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	updated.Meta().UpdatedAt = now
	patch["updated_at"] = now

	if err := s.repo.Update(ctx, entity, s.scope(snap, d, principalID), recordID, patch); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("%s record not found", entity))
		}
		return nil, fmt.Errorf("failed to update %s: %w", entity, err)
	}
	slog.DebugContext(ctx, "record updated",
		logger.TenantID(d.TenantID),
		logger.Entity(string(entity)),
		logger.RecordID(recordID),
		slog.Any("fields", patch.Columns()),
	)

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeRecordUpdated,
		TenantID: d.TenantID,
		ActorID:  principalID,
		Resource: string(entity),
		Metadata: map[string]any{"record_id": recordID, "fields": patch.Columns()},
	})
	return updated, nil
}

// Delete removes a record.
func (s *Service) Delete(ctx context.Context, principalID string, entity Entity, recordID string) error {
	snap, err := s.resolver.RequireMember(ctx, principalID)
	if err != nil {
		return err
	}
	existing, err := s.load(ctx, entity, snap.ActiveTenantID, recordID)
	if err != nil {
		return err
	}
	d := s.resolver.Check(ctx, snap, authz.ActionDelete, principalID, "", authzRecord(existing))
	if err := d.Err(); err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, entity, s.scope(snap, d, principalID), recordID); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return apperr.NotFound(fmt.Sprintf("%s record not found", entity))
		}
		return fmt.Errorf("failed to delete %s: %w", entity, err)
	}
	slog.DebugContext(ctx, "record deleted",
		logger.TenantID(d.TenantID),
		logger.Entity(string(entity)),
		logger.RecordID(recordID),
	)

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeRecordDeleted,
		TenantID: d.TenantID,
		ActorID:  principalID,
		Resource: string(entity),
		Metadata: map[string]any{"record_id": recordID},
	})
	return nil
}

// AccountDetail is an account with its expanded children.
type AccountDetail struct {
	*Account
	Contacts []*Contact `json:"contacts,omitempty"`
	Deals    []*Deal    `json:"deals,omitempty"`
}

// GetAccountDetail returns an account and, per expand, its contacts and deals.
func (s *Service) GetAccountDetail(ctx context.Context, principalID, accountID string, expand []string) (*AccountDetail, error) {
	rec, err := s.Get(ctx, principalID, EntityAccount, accountID)
	if err != nil {
		return nil, err
	}
	detail := &AccountDetail{Account: rec.(*Account)}
	byAccount := ListOptions{Limit: MaxPageSize, Filters: map[string]string{"account_id": accountID}}

	for _, e := range expand {
		switch strings.TrimSpace(e) {
		case "":
		case "contacts":
			recs, err := s.List(ctx, principalID, EntityContact, byAccount)
			if err != nil {
				return nil, err
			}
			detail.Contacts = make([]*Contact, 0, len(recs))
			for _, r := range recs {
				detail.Contacts = append(detail.Contacts, r.(*Contact))
			}
		case "deals":
			recs, err := s.List(ctx, principalID, EntityDeal, byAccount)
			if err != nil {
				return nil, err
			}
			detail.Deals = make([]*Deal, 0, len(recs))
			for _, r := range recs {
				detail.Deals = append(detail.Deals, r.(*Deal))
			}
		default:
			return nil, apperr.Validationf("cannot expand %q", e)
		}
	}
	return detail, nil
}

func (s *Service) load(ctx context.Context, entity Entity, tenantID, recordID string) (Record, error) {
	if recordID == "" {
		return nil, apperr.Validation("id is required")
	}
	rec, err := s.repo.Get(ctx, entity, tenantID, recordID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("%s record not found", entity))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", entity, err)
	}
	return rec, nil
}

func (s *Service) scope(snap *authz.Snapshot, d authz.Decision, principalID string) WriteScope {
	scope := WriteScope{TenantID: snap.ActiveTenantID, PrincipalID: principalID}
	if !tenant.IsElevated(d.Role) {
		scope.OwnerID = principalID
	}
	return scope
}

func (s *Service) checkReferences(ctx context.Context, tenantID string, refs []Reference) error {
	for _, ref := range refs {
		_, err := s.repo.Get(ctx, ref.Entity, tenantID, ref.ID)
		if errors.Is(err, ErrRecordNotFound) {
			return apperr.Validationf("referenced %s %s not found", strings.TrimSuffix(string(ref.Entity), "s"), ref.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to check %s reference: %w", ref.Entity, err)
		}
	}
	return nil
}

func (s *Service) checkQuota(ctx context.Context, entity Entity, tenantID string) error {
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load tenant: %w", err)
	}
	if !t.IsActive() {
		return apperr.Denied(apperr.ReasonNotMember, "tenant is suspended")
	}

	limit := 0
	switch entity {
	case EntityAccount:
		limit = t.MaxAccounts
	case EntityContact:
		limit = t.MaxContacts
	case EntityDeal:
		limit = t.MaxDeals
	}
	if limit <= 0 {
		return nil
	}

	n, err := s.repo.Count(ctx, entity, tenantID)
	if err != nil {
		return fmt.Errorf("failed to count %s: %w", entity, err)
	}
	if n >= limit {
		return &apperr.Error{
			Kind:    apperr.KindValidation,
			Reason:  apperr.ReasonQuotaExceeded,
			Message: fmt.Sprintf("%s limit of %d reached for plan %s", entity, limit, t.Plan),
		}
	}
	return nil
}

// explainGuard re-evaluates after the storage guard rejected a write so the
// caller learns which predicate no longer holds.
func (s *Service) explainGuard(ctx context.Context, principalID string, action authz.Action, rec authz.Record) error {
	snap, err := s.resolver.Snapshot(ctx, principalID)
	if err != nil {
		return err
	}
	d := s.resolver.Check(ctx, snap, action, principalID, snap.ActiveTenantID, rec)
	if err := d.Err(); err != nil {
		return err
	}
	return apperr.Conflict("authorization state changed during write, retry", ErrWriteGuard)
}

func authzRecord(rec Record) authz.Record {
	m := rec.Meta()
	return authz.Record{TenantID: m.TenantID, CreatedBy: m.CreatedBy, Permission: rec.Entity().WritePermission()}
}

func changedReferences(before, after Record) []Reference {
	old := map[Reference]bool{}
	for _, r := range before.References() {
		old[r] = true
	}
	var out []Reference
	for _, r := range after.References() {
		if !old[r] {
			out = append(out, r)
		}
	}
	return out
}

func normalizeListOptions(entity Entity, opts ListOptions) (ListOptions, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultPageSize
	}
	if opts.Limit > MaxPageSize {
		opts.Limit = MaxPageSize
	}
	if opts.Offset < 0 {
		return opts, apperr.Validation("offset must not be negative")
	}
	opts.Search = strings.TrimSpace(opts.Search)
	for col := range opts.Filters {
		if !CanFilter(entity, col) {
			return opts, apperr.Validationf("cannot filter %s by %s", entity, col)
		}
	}
	return opts, nil
}
