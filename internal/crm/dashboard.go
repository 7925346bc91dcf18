package crm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	dashboardPageSize = MaxPageSize
	activityWindow    = 7 * 24 * time.Hour
	unspecified       = "Unspecified"
)

// Stats is the dashboard aggregate. It is recomputed on every request.
type Stats struct {
	Accounts    AccountStats  `json:"accounts"`
	Contacts    ContactStats  `json:"contacts"`
	Deals       DealStats     `json:"deals"`
	Activities  ActivityStats `json:"activities"`
	Truncated   bool          `json:"truncated"`
	GeneratedAt time.Time     `json:"generated_at"`
}

type AccountStats struct {
	Total      int            `json:"total"`
	ByIndustry map[string]int `json:"by_industry"`
}

type ContactStats struct {
	Total            int            `json:"total"`
	ByLeadStatus     map[string]int `json:"by_lead_status"`
	AverageLeadScore float64        `json:"average_lead_score"`
}

type DealStats struct {
	Total         int            `json:"total"`
	ByStage       map[string]int `json:"by_stage"`
	TotalValue    float64        `json:"total_value"`
	AverageValue  float64        `json:"average_value"`
	PipelineValue float64        `json:"pipeline_value"`
}

type ActivityStats struct {
	Total    int            `json:"total"`
	ByType   map[string]int `json:"by_type"`
	ThisWeek int            `json:"this_week"`
}

// DashboardStats fetches up to one page of each entity in parallel and
// aggregates them.
func (s *Service) DashboardStats(ctx context.Context, principalID string) (*Stats, error) {
	snap, err := s.resolver.RequireMember(ctx, principalID)
	if err != nil {
		return nil, err
	}
	tenantID := snap.ActiveTenantID
	page := ListOptions{Limit: dashboardPageSize}

	var accounts, contacts, deals, activities []Record
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(entity Entity, dst *[]Record) {
		g.Go(func() error {
			recs, err := s.repo.List(gctx, entity, tenantID, page)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", entity, err)
			}
			*dst = recs
			return nil
		})
	}
	fetch(EntityAccount, &accounts)
	fetch(EntityContact, &contacts)
	fetch(EntityDeal, &deals)
	fetch(EntityActivity, &activities)
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := ComputeStats(
		recordsOf[*Account](accounts),
		recordsOf[*Contact](contacts),
		recordsOf[*Deal](deals),
		recordsOf[*Activity](activities),
		s.now(),
	)
	stats.Truncated = len(accounts) == dashboardPageSize ||
		len(contacts) == dashboardPageSize ||
		len(deals) == dashboardPageSize ||
		len(activities) == dashboardPageSize
	return stats, nil
}

// ComputeStats aggregates records. Deals in a closed stage are left out of
// the pipeline value; the average deal value covers every deal.
func ComputeStats(accounts []*Account, contacts []*Contact, deals []*Deal, activities []*Activity, now time.Time) *Stats {
	st := &Stats{
		Accounts:    AccountStats{ByIndustry: map[string]int{}},
		Contacts:    ContactStats{ByLeadStatus: map[string]int{}},
		Deals:       DealStats{ByStage: map[string]int{}},
		Activities:  ActivityStats{ByType: map[string]int{}},
		GeneratedAt: now.UTC(),
	}

	st.Accounts.Total = len(accounts)
	for _, a := range accounts {
		st.Accounts.ByIndustry[orUnspecified(a.Industry)]++
	}

	st.Contacts.Total = len(contacts)
	scoreSum := 0
	for _, c := range contacts {
		st.Contacts.ByLeadStatus[orUnspecified(c.LeadStatus)]++
		scoreSum += c.LeadScore
	}
	if len(contacts) > 0 {
		st.Contacts.AverageLeadScore = float64(scoreSum) / float64(len(contacts))
	}

	st.Deals.Total = len(deals)
	for _, d := range deals {
		st.Deals.ByStage[orUnspecified(d.Stage)]++
		st.Deals.TotalValue += d.Value
		if !IsClosedStage(d.Stage) {
			st.Deals.PipelineValue += d.WeightedValue()
		}
	}
	if len(deals) > 0 {
		st.Deals.AverageValue = st.Deals.TotalValue / float64(len(deals))
	}

	st.Activities.Total = len(activities)
	weekStart := now.Add(-activityWindow)
	for _, a := range activities {
		st.Activities.ByType[orUnspecified(a.Type)]++
		if a.OccurredAt.After(weekStart) && !a.OccurredAt.After(now) {
			st.Activities.ThisWeek++
		}
	}

	return st
}

func recordsOf[T Record](recs []Record) []T {
	out := make([]T, 0, len(recs))
	for _, r := range recs {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

func orUnspecified(s string) string {
	if s == "" {
		return unspecified
	}
	return s
}
