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

// Package crm holds the tenant-scoped business records and the service that
// reads and writes them on behalf of an authenticated principal.
package crm

import (
	"strings"
	"time"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/tenant"
)

// Entity names a record type. Values double as table names and URL segments.
type Entity string

const (
	EntityAccount        Entity = "accounts"
	EntityContact        Entity = "contacts"
	EntityDeal           Entity = "deals"
	EntityActivity       Entity = "activities"
	EntityCampaign       Entity = "campaigns"
	EntityCampaignMember Entity = "campaign_members"
)

// Entities lists every record type.
var Entities = []Entity{
	EntityAccount,
	EntityContact,
	EntityDeal,
	EntityActivity,
	EntityCampaign,
	EntityCampaignMember,
}

// ParseEntity validates an entity name.
func ParseEntity(s string) (Entity, bool) {
	for _, e := range Entities {
		if string(e) == s {
			return e, true
		}
	}
	return "", false
}

// WritePermission is the membership permission needed to write e.
func (e Entity) WritePermission() string {
	switch e {
	case EntityAccount:
		return tenant.PermAccountsWrite
	case EntityContact:
		return tenant.PermContactsWrite
	case EntityDeal:
		return tenant.PermDealsWrite
	case EntityActivity:
		return tenant.PermActivitiesWrite
	case EntityCampaign, EntityCampaignMember:
		return tenant.PermCampaignsWrite
	}
	return ""
}

// Base carries the columns shared by every tenant-scoped record.
// TenantID and CreatedBy are immutable after creation.
type Base struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Base) Meta() *Base { return b }

// Reference points from one record to another in the same tenant.
type Reference struct {
	Entity Entity
	ID     string
}

// Record is implemented by every CRM entity.
type Record interface {
	Meta() *Base
	Entity() Entity
	// Validate checks required fields and fills defaults.
	Validate() error
	// SearchText is the text the free-text search matches against.
	SearchText() string
	References() []Reference
}

// New returns an empty record of the given entity.
func New(e Entity) Record {
	switch e {
	case EntityAccount:
		return &Account{}
	case EntityContact:
		return &Contact{}
	case EntityDeal:
		return &Deal{}
	case EntityActivity:
		return &Activity{}
	case EntityCampaign:
		return &Campaign{}
	case EntityCampaignMember:
		return &CampaignMember{}
	}
	return nil
}

// Account is a customer organization.
type Account struct {
	Base
	Name          string  `json:"name"`
	Industry      string  `json:"industry"`
	BusinessType  string  `json:"business_type"`
	Website       string  `json:"website"`
	Phone         string  `json:"phone"`
	Email         string  `json:"email"`
	Address       string  `json:"address"`
	City          string  `json:"city"`
	Country       string  `json:"country"`
	AnnualRevenue float64 `json:"annual_revenue"`
	EmployeeCount int     `json:"employee_count"`
	Description   string  `json:"description"`
}

func (a *Account) Entity() Entity { return EntityAccount }

func (a *Account) Validate() error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return apperr.Validation("name is required")
	}
	if a.AnnualRevenue < 0 {
		return apperr.Validation("annual_revenue must not be negative")
	}
	if a.EmployeeCount < 0 {
		return apperr.Validation("employee_count must not be negative")
	}
	return nil
}

func (a *Account) SearchText() string {
	return joinText(a.Name, a.Industry, a.Website, a.Email, a.City, a.Country)
}

func (a *Account) References() []Reference { return nil }

// Lead statuses
const (
	LeadNew         = "new"
	LeadContacted   = "contacted"
	LeadQualified   = "qualified"
	LeadUnqualified = "unqualified"
	LeadConverted   = "converted"
)

var leadStatuses = []string{LeadNew, LeadContacted, LeadQualified, LeadUnqualified, LeadConverted}

// Contact is a person, optionally linked to an account.
type Contact struct {
	Base
	AccountID  *string `json:"account_id"`
	FirstName  string  `json:"first_name"`
	LastName   string  `json:"last_name"`
	Email      string  `json:"email"`
	Phone      string  `json:"phone"`
	Title      string  `json:"title"`
	LeadStatus string  `json:"lead_status"`
	LeadScore  int     `json:"lead_score"`
	Source     string  `json:"source"`
}

func (c *Contact) Entity() Entity { return EntityContact }

func (c *Contact) Validate() error {
	c.FirstName = strings.TrimSpace(c.FirstName)
	if c.FirstName == "" {
		return apperr.Validation("first_name is required")
	}
	if c.LeadStatus == "" {
		c.LeadStatus = LeadNew
	}
	if !oneOf(c.LeadStatus, leadStatuses) {
		return apperr.Validationf("invalid lead_status: %s", c.LeadStatus)
	}
	if c.LeadScore < 0 || c.LeadScore > 100 {
		return apperr.Validation("lead_score must be between 0 and 100")
	}
	clearEmpty(&c.AccountID)
	return nil
}

func (c *Contact) SearchText() string {
	return joinText(c.FirstName, c.LastName, c.Email, c.Phone, c.Title)
}

func (c *Contact) References() []Reference {
	return refs(Reference{EntityAccount, deref(c.AccountID)})
}

// Deal stages
const (
	StageProspecting   = "Prospecting"
	StageQualification = "Qualification"
	StageProposal      = "Proposal"
	StageNegotiation   = "Negotiation"
	StageClosedWon     = "Closed Won"
	StageClosedLost    = "Closed Lost"
)

var dealStages = []string{StageProspecting, StageQualification, StageProposal, StageNegotiation, StageClosedWon, StageClosedLost}

// IsClosedStage reports whether a deal stage is terminal.
func IsClosedStage(stage string) bool {
	return stage == StageClosedWon || stage == StageClosedLost
}

// Deal is a sales opportunity.
type Deal struct {
	Base
	Name              string     `json:"name"`
	AccountID         *string    `json:"account_id"`
	ContactID         *string    `json:"contact_id"`
	Stage             string     `json:"stage"`
	Value             float64    `json:"value"`
	Probability       int        `json:"probability"`
	ExpectedCloseDate *time.Time `json:"expected_close_date"`
	AssignedTo        *string    `json:"assigned_to"`
	Description       string     `json:"description"`
}

func (d *Deal) Entity() Entity { return EntityDeal }

func (d *Deal) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return apperr.Validation("name is required")
	}
	if d.Stage == "" {
		d.Stage = StageProspecting
	}
	if !oneOf(d.Stage, dealStages) {
		return apperr.Validationf("invalid stage: %s", d.Stage)
	}
	if d.Value < 0 {
		return apperr.Validation("value must not be negative")
	}
	if d.Probability < 0 || d.Probability > 100 {
		return apperr.Validation("probability must be between 0 and 100")
	}
	clearEmpty(&d.AccountID, &d.ContactID, &d.AssignedTo)
	return nil
}

func (d *Deal) SearchText() string {
	return joinText(d.Name, d.Stage, d.Description)
}

func (d *Deal) References() []Reference {
	return refs(
		Reference{EntityAccount, deref(d.AccountID)},
		Reference{EntityContact, deref(d.ContactID)},
	)
}

// WeightedValue is value scaled by win probability.
func (d *Deal) WeightedValue() float64 {
	return d.Value * float64(d.Probability) / 100
}

// Activity types
const (
	ActivityCall    = "call"
	ActivityEmail   = "email"
	ActivityMeeting = "meeting"
	ActivityTask    = "task"
	ActivityNote    = "note"
)

var activityTypes = []string{ActivityCall, ActivityEmail, ActivityMeeting, ActivityTask, ActivityNote}

// Activity is an interaction logged against accounts, contacts or deals.
type Activity struct {
	Base
	Type        string     `json:"type"`
	Subject     string     `json:"subject"`
	Description string     `json:"description"`
	OccurredAt  time.Time  `json:"occurred_at"`
	DueDate     *time.Time `json:"due_date"`
	Completed   bool       `json:"completed"`
	AccountID   *string    `json:"account_id"`
	ContactID   *string    `json:"contact_id"`
	DealID      *string    `json:"deal_id"`
}

func (a *Activity) Entity() Entity { return EntityActivity }

func (a *Activity) Validate() error {
	if !oneOf(a.Type, activityTypes) {
		return apperr.Validationf("invalid activity type: %q", a.Type)
	}
	a.Subject = strings.TrimSpace(a.Subject)
	if a.Subject == "" {
		return apperr.Validation("subject is required")
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = time.Now().UTC()
	}
	clearEmpty(&a.AccountID, &a.ContactID, &a.DealID)
	return nil
}

func (a *Activity) SearchText() string {
	return joinText(a.Subject, a.Description, a.Type)
}

func (a *Activity) References() []Reference {
	return refs(
		Reference{EntityAccount, deref(a.AccountID)},
		Reference{EntityContact, deref(a.ContactID)},
		Reference{EntityDeal, deref(a.DealID)},
	)
}

// Campaign statuses
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
)

var campaignStatuses = []string{CampaignDraft, CampaignActive, CampaignPaused, CampaignCompleted}

// Campaign is a marketing campaign.
type Campaign struct {
	Base
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	StartDate   *time.Time `json:"start_date"`
	EndDate     *time.Time `json:"end_date"`
	Budget      float64    `json:"budget"`
	Description string     `json:"description"`
}

func (c *Campaign) Entity() Entity { return EntityCampaign }

func (c *Campaign) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return apperr.Validation("name is required")
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	if !oneOf(c.Status, campaignStatuses) {
		return apperr.Validationf("invalid campaign status: %s", c.Status)
	}
	if c.Budget < 0 {
		return apperr.Validation("budget must not be negative")
	}
	if c.StartDate != nil && c.EndDate != nil && c.EndDate.Before(*c.StartDate) {
		return apperr.Validation("end_date must not be before start_date")
	}
	return nil
}

func (c *Campaign) SearchText() string {
	return joinText(c.Name, c.Type, c.Description)
}

func (c *Campaign) References() []Reference { return nil }

// Campaign member statuses
const (
	MemberPending   = "pending"
	MemberSent      = "sent"
	MemberOpened    = "opened"
	MemberResponded = "responded"
	MemberOptedOut  = "opted_out"
)

var memberStatuses = []string{MemberPending, MemberSent, MemberOpened, MemberResponded, MemberOptedOut}

// CampaignMember links a contact to a campaign.
type CampaignMember struct {
	Base
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
	Status     string `json:"status"`
}

func (m *CampaignMember) Entity() Entity { return EntityCampaignMember }

func (m *CampaignMember) Validate() error {
	if m.CampaignID == "" || m.ContactID == "" {
		return apperr.Validation("campaign_id and contact_id are required")
	}
	if m.Status == "" {
		m.Status = MemberPending
	}
	if !oneOf(m.Status, memberStatuses) {
		return apperr.Validationf("invalid member status: %s", m.Status)
	}
	return nil
}

func (m *CampaignMember) SearchText() string { return m.Status }

func (m *CampaignMember) References() []Reference {
	return refs(
		Reference{EntityCampaign, m.CampaignID},
		Reference{EntityContact, m.ContactID},
	)
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// clearEmpty turns blank optional references into NULL.
func clearEmpty(ptrs ...**string) {
	for _, p := range ptrs {
		if *p != nil && strings.TrimSpace(**p) == "" {
			*p = nil
		}
	}
}

func refs(in ...Reference) []Reference {
	out := in[:0]
	for _, r := range in {
		if r.ID != "" {
			out = append(out, r)
		}
	}
	return out
}

func joinText(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.ToLower(strings.Join(out, " "))
}
