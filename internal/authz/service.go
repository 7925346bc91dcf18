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

package authz

import (
	"context"
	"fmt"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/tenant"
)

// Resolver decides whether a principal may touch tenant-scoped records.
// The tenant is always taken from the principal's profile; a tenant id
// supplied by a client is only compared against it.
type Resolver struct {
	loader      SnapshotLoader
	auditLogger audit.Logger
}

// NewResolver creates a new authorization resolver
func NewResolver(loader SnapshotLoader, auditLogger audit.Logger) *Resolver {
	return &Resolver{
		loader:      loader,
		auditLogger: auditLogger,
	}
}

// Snapshot loads the principal's current authorization state.
func (r *Resolver) Snapshot(ctx context.Context, principalID string) (*Snapshot, error) {
	if principalID == "" {
		return &Snapshot{}, nil
	}
	s, err := r.loader.LoadSnapshot(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization snapshot: %w", err)
	}
	if s == nil {
		s = &Snapshot{PrincipalID: principalID}
	}
	return s, nil
}

// ResolveActiveTenant returns the principal's active tenant, or "" when the
// principal is unprovisioned.
func (r *Resolver) ResolveActiveTenant(ctx context.Context, principalID string) (string, error) {
	if principalID == "" {
		return "", apperr.Unauthenticated("authentication required")
	}
	s, err := r.Snapshot(ctx, principalID)
	if err != nil {
		return "", err
	}
	return s.ActiveTenantID, nil
}

// RequireMember checks that the principal is an active member of its active
// tenant and returns the snapshot it evaluated.
func (r *Resolver) RequireMember(ctx context.Context, principalID string) (*Snapshot, error) {
	s, err := r.Snapshot(ctx, principalID)
	if err != nil {
		return nil, err
	}
	d := Evaluate(s, ActionRead, principalID, "", Record{TenantID: s.ActiveTenantID})
	if !d.Allowed {
		r.logDenied(ctx, principalID, "tenant", ActionRead, d)
		return nil, d.Err()
	}
	return s, nil
}

// AuthorizeWrite checks an insert of rec into tenantID.
func (r *Resolver) AuthorizeWrite(ctx context.Context, principalID, tenantID string, rec Record) (Decision, error) {
	return r.authorize(ctx, ActionCreate, principalID, tenantID, rec)
}

// AuthorizeRead checks a read of rec. Any active member may read.
func (r *Resolver) AuthorizeRead(ctx context.Context, principalID string, rec Record) (Decision, error) {
	return r.authorize(ctx, ActionRead, principalID, "", rec)
}

// AuthorizeUpdate checks a modification of rec. Records created by someone
// else need an elevated role.
func (r *Resolver) AuthorizeUpdate(ctx context.Context, principalID string, rec Record) (Decision, error) {
	return r.authorize(ctx, ActionUpdate, principalID, "", rec)
}

// AuthorizeDelete has the same rules as AuthorizeUpdate.
func (r *Resolver) AuthorizeDelete(ctx context.Context, principalID string, rec Record) (Decision, error) {
	return r.authorize(ctx, ActionDelete, principalID, "", rec)
}

func (r *Resolver) authorize(ctx context.Context, action Action, principalID, tenantID string, rec Record) (Decision, error) {
	s, err := r.Snapshot(ctx, principalID)
	if err != nil {
		return Decision{}, err
	}
	return r.Check(ctx, s, action, principalID, tenantID, rec), nil
}

// Check evaluates an action against an already loaded snapshot. Callers
// that need several decisions for one request use it to keep them on the
// same snapshot.
func (r *Resolver) Check(ctx context.Context, s *Snapshot, action Action, principalID, tenantID string, rec Record) Decision {
	d := Evaluate(s, action, principalID, tenantID, rec)
	if !d.Allowed {
		r.logDenied(ctx, principalID, rec.Permission, action, d)
	}
	return d
}

func (r *Resolver) logDenied(ctx context.Context, principalID, resource string, action Action, d Decision) {
	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAccessDenied,
		TenantID: d.TenantID,
		ActorID:  principalID,
		Resource: resource,
		Metadata: map[string]any{"action": string(action), "reason": d.Reason},
	})
}

// Evaluate applies every predicate to one snapshot. Predicates are checked
// in a fixed order so the first failing one names the reason:
// authentication, provisioning, self-attribution (create), tenant match,
// active membership, ownership (update/delete), permission (writes).
func Evaluate(s *Snapshot, action Action, principalID, tenantID string, rec Record) Decision {
	if principalID == "" {
		return deny(apperr.ReasonUnauthenticated, "", "")
	}
	if !s.Provisioned() {
		return deny(apperr.ReasonUnprovisioned, "", "")
	}

	active := s.ActiveTenantID
	m := s.Membership
	role := ""
	if m != nil {
		role = m.Role
	}

	if action == ActionCreate && rec.CreatedBy != principalID {
		return deny(apperr.ReasonOwnershipMismatch, active, role)
	}
	if rec.TenantID != active || (tenantID != "" && tenantID != active) {
		return deny(apperr.ReasonWrongTenant, active, role)
	}
	if m == nil || m.TenantID != active || m.UserID != principalID || !m.IsActive() {
		return deny(apperr.ReasonNotMember, active, role)
	}
	if (action == ActionUpdate || action == ActionDelete) && rec.CreatedBy != principalID && !tenant.IsElevated(m.Role) {
		return deny(apperr.ReasonOwnershipMismatch, active, role)
	}
	if action.IsWrite() && rec.Permission != "" && !m.Can(rec.Permission) {
		return deny(apperr.ReasonInsufficientRole, active, role)
	}

	return Decision{Allowed: true, TenantID: active, Role: role}
}

func deny(reason, tenantID, role string) Decision {
	return Decision{Reason: reason, TenantID: tenantID, Role: role}
}

var denyMessages = map[string]string{
	apperr.ReasonUnprovisioned:     "account is not set up yet",
	apperr.ReasonWrongTenant:       "record does not belong to your active tenant",
	apperr.ReasonNotMember:         "not a member of the active tenant",
	apperr.ReasonOwnershipMismatch: "you can only modify records you created",
	apperr.ReasonInsufficientRole:  "your role does not permit this action",
}

// Err converts a denied decision to an error. It returns nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == apperr.ReasonUnauthenticated {
		return apperr.Unauthenticated("authentication required")
	}
	msg, ok := denyMessages[d.Reason]
	if !ok {
		msg = "access denied"
	}
	return apperr.Denied(d.Reason, msg)
}
