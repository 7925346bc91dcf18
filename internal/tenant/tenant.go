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
	"time"
)

// Tenant is an isolated organization. Every CRM record belongs to exactly one.
type Tenant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Plan        string    `json:"plan"`
	MaxAccounts int       `json:"max_accounts"`
	MaxContacts int       `json:"max_contacts"`
	MaxDeals    int       `json:"max_deals"`
	MaxUsers    int       `json:"max_users"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Status constants
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Plans
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Quota caps record counts per tenant. Zero means unlimited.
type Quota struct {
	Accounts int
	Contacts int
	Deals    int
	Users    int
}

var planQuotas = map[string]Quota{
	PlanFree:       {Accounts: 100, Contacts: 500, Deals: 100, Users: 3},
	PlanPro:        {Accounts: 5000, Contacts: 25000, Deals: 5000, Users: 25},
	PlanEnterprise: {},
}

// QuotaForPlan returns the default quota of a plan, falling back to free.
func QuotaForPlan(plan string) Quota {
	if q, ok := planQuotas[plan]; ok {
		return q
	}
	return planQuotas[PlanFree]
}

// ApplyPlan sets the plan and resets quotas to the plan defaults.
func (t *Tenant) ApplyPlan(plan string) {
	if _, ok := planQuotas[plan]; !ok {
		plan = PlanFree
	}
	q := planQuotas[plan]
	t.Plan = plan
	t.MaxAccounts = q.Accounts
	t.MaxContacts = q.Contacts
	t.MaxDeals = q.Deals
	t.MaxUsers = q.Users
}

// IsActive reports whether the tenant accepts writes.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// Profile binds a principal to its active tenant.
// A nil CurrentTenantID means the principal is unprovisioned.
type Profile struct {
	UserID          string    `json:"user_id"`
	Email           string    `json:"email,omitempty"`
	CurrentTenantID *string   `json:"current_tenant_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ActiveTenant returns the active tenant id, if any.
func (p *Profile) ActiveTenant() (string, bool) {
	if p == nil || p.CurrentTenantID == nil || *p.CurrentTenantID == "" {
		return "", false
	}
	return *p.CurrentTenantID, true
}
