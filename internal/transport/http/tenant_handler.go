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

package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opentrusty/opencrm/internal/tenant"
)

// CurrentTenantResponse is the result of the current_tenant procedure.
type CurrentTenantResponse struct {
	TenantID          *string `json:"tenant_id"`
	BootstrapRequired bool    `json:"bootstrap_required"`
}

// CurrentTenantID resolves the caller's active tenant id. An unprovisioned
// caller gets a null tenant_id rather than an error.
func (h *Handler) CurrentTenantID(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.resolver.ResolveActiveTenant(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	if tenantID == "" {
		respondJSON(w, http.StatusOK, CurrentTenantResponse{BootstrapRequired: true})
		return
	}
	respondJSON(w, http.StatusOK, CurrentTenantResponse{TenantID: &tenantID})
}

// EnsureTenantRequest carries the optional display name for a new tenant.
type EnsureTenantRequest struct {
	DisplayName string `json:"display_name" example:"Acme Sales"`
}

// EnsureTenant returns the caller's active tenant, provisioning one first
// if the caller has none. Safe to call repeatedly.
func (h *Handler) EnsureTenant(w http.ResponseWriter, r *http.Request) {
	var req EnsureTenantRequest
	if err := decodeJSON(r, &req, true); err != nil {
		respondAppError(w, r, err)
		return
	}

	p := GetPrincipal(r.Context())
	if p == nil {
		respondError(w, http.StatusUnauthorized, "authentication_missing", "not authenticated")
		return
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = p.Name
	}

	res, err := h.bootstrap.EnsureTenant(r.Context(), p.ID, p.Email, displayName)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, res)
}

// GetCurrentTenant returns the caller's active tenant.
func (h *Handler) GetCurrentTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.tenants.CurrentTenant(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// SwitchTenantRequest names the tenant to make active.
type SwitchTenantRequest struct {
	TenantID string `json:"tenant_id"`
}

// SwitchTenant changes the caller's active tenant to one they belong to.
func (h *Handler) SwitchTenant(w http.ResponseWriter, r *http.Request) {
	var req SwitchTenantRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondAppError(w, r, err)
		return
	}
	if err := h.tenants.SwitchTenant(r.Context(), GetUserID(r.Context()), req.TenantID); err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"tenant_id": req.TenantID})
}

// ListMemberships lists every tenant the caller belongs to.
func (h *Handler) ListMemberships(w http.ResponseWriter, r *http.Request) {
	ms, err := h.tenants.ListMemberships(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": nonNil(ms)})
}

// ListMembers lists the members of the caller's active tenant.
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	ms, err := h.tenants.ListMembers(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": nonNil(ms)})
}

// AddMemberRequest grants a user a role in the active tenant.
type AddMemberRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role" example:"member"`
}

// AddMember adds a member to the caller's active tenant. Requires an owner
// or admin role.
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req AddMemberRequest
	if err := decodeJSON(r, &req, false); err != nil {
		respondAppError(w, r, err)
		return
	}
	if req.Role == "" {
		req.Role = tenant.RoleMember
	}

	m, err := h.tenants.AddMember(r.Context(), GetUserID(r.Context()), req.UserID, req.Role)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

// RevokeMember revokes a member of the caller's active tenant.
func (h *Handler) RevokeMember(w http.ResponseWriter, r *http.Request) {
	if err := h.tenants.RevokeMember(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "userID")); err != nil {
		respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
