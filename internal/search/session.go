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

// Package search tracks customer-evaluation search sessions: a user-owned
// request that an external job runner fulfils asynchronously.
package search

import (
	"strings"
	"time"

	"github.com/opentrusty/opencrm/internal/apperr"
)

// Status is a session state.
//
//	initiated -> processing -> [scraping -> analyzing -> scoring -> finalizing]
//	          -> completed | failed | cancelled
//
// The bracketed phases are optional progress reports pushed by the runner.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusProcessing Status = "processing"
	StatusScraping   Status = "scraping"
	StatusAnalyzing  Status = "analyzing"
	StatusScoring    Status = "scoring"
	StatusFinalizing Status = "finalizing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// TotalSteps is the step number of a completed session.
const TotalSteps = 6

var steps = map[Status]int{
	StatusInitiated:  0,
	StatusProcessing: 1,
	StatusScraping:   2,
	StatusAnalyzing:  3,
	StatusScoring:    4,
	StatusFinalizing: 5,
	StatusCompleted:  6,
	StatusFailed:     -1,
	StatusCancelled:  -1,
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	_, ok := steps[st]
	return st, ok
}

// Step maps a status to its progress ordinal. Failed and cancelled map to -1.
func (s Status) Step() int {
	if n, ok := steps[s]; ok {
		return n
	}
	return -1
}

// Terminal reports whether no further transition is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NonTerminal lists the statuses a guarded transition may leave from.
var NonTerminal = []Status{
	StatusInitiated,
	StatusProcessing,
	StatusScraping,
	StatusAnalyzing,
	StatusScoring,
	StatusFinalizing,
}

// CanTransition reports whether from -> to is allowed. Terminal states are
// final, nothing returns to initiated, and progress phases only move forward.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if _, ok := steps[to]; !ok || to == StatusInitiated {
		return false
	}
	if to.Terminal() {
		return true
	}
	return to.Step() >= from.Step()
}

// Criteria is the search request submitted by the user.
type Criteria struct {
	MarketVertical string   `json:"market_vertical"`
	Geography      string   `json:"geography"`
	MinRating      float64  `json:"min_rating"`
	MinReviews     int      `json:"min_reviews"`
	RequireWebsite bool     `json:"require_website"`
	Keywords       []string `json:"keywords,omitempty"`
	BatchSize      int      `json:"batch_size"`
}

var batchSizes = []int{25, 50, 75, 100}

// Validate checks the criteria and fills the default batch size.
func (c *Criteria) Validate() error {
	c.MarketVertical = strings.TrimSpace(c.MarketVertical)
	c.Geography = strings.TrimSpace(c.Geography)
	if c.MarketVertical == "" {
		return apperr.Validation("market_vertical is required")
	}
	if c.Geography == "" {
		return apperr.Validation("geography is required")
	}
	if c.MinRating < 0 || c.MinRating > 5 {
		return apperr.Validation("min_rating must be between 0 and 5")
	}
	if c.MinReviews < 0 {
		return apperr.Validation("min_reviews must not be negative")
	}
	if c.BatchSize == 0 {
		c.BatchSize = batchSizes[0]
	}
	for _, b := range batchSizes {
		if c.BatchSize == b {
			return nil
		}
	}
	return apperr.Validationf("batch_size must be one of 25, 50, 75 or 100, got %d", c.BatchSize)
}

// Estimate is the expected time to completion for a batch size.
type Estimate struct {
	MinMinutes int    `json:"min_minutes"`
	MaxMinutes int    `json:"max_minutes"`
	Label      string `json:"label"`
}

var estimates = map[int]Estimate{
	25:  {MinMinutes: 2, MaxMinutes: 4, Label: "2-4 minutes"},
	50:  {MinMinutes: 4, MaxMinutes: 7, Label: "4-7 minutes"},
	75:  {MinMinutes: 6, MaxMinutes: 10, Label: "6-10 minutes"},
	100: {MinMinutes: 8, MaxMinutes: 15, Label: "8-15 minutes"},
}

// EstimateFor returns the completion estimate bucket for batchSize.
func EstimateFor(batchSize int) Estimate {
	if e, ok := estimates[batchSize]; ok {
		return e
	}
	return estimates[100]
}

// Session is one search request and its lifecycle.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	TenantID       string     `json:"tenant_id"`
	Status         Status     `json:"status"`
	Criteria       Criteria   `json:"criteria"`
	RunID          string     `json:"run_id,omitempty"`
	Message        string     `json:"message,omitempty"`
	ProcessedCount int        `json:"processed_count"`
	TotalCount     int        `json:"total_count"`
	ResultsCount   int        `json:"results_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Result is one normalized business found by a run.
type Result struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"search_session_id"`
	UserID      string    `json:"user_id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Address     string    `json:"address"`
	Phone       string    `json:"phone"`
	Website     string    `json:"website"`
	Rating      float64   `json:"rating"`
	ReviewCount int       `json:"review_count"`
	Score       int       `json:"score"`
	SourceURL   string    `json:"source_url"`
	CreatedAt   time.Time `json:"created_at"`
}

// Update is a transition request. Zero counts leave the stored counts as is.
type Update struct {
	Status         Status
	Message        string
	ProcessedCount int
	TotalCount     int
	RunID          string
}

// Progress is what the progress endpoint returns.
type Progress struct {
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	Step           int       `json:"step"`
	TotalSteps     int       `json:"total_steps"`
	Message        string    `json:"message,omitempty"`
	ProcessedCount int       `json:"processed_count"`
	TotalCount     int       `json:"total_count"`
	ResultsCount   int       `json:"results_count"`
	Estimate       Estimate  `json:"estimate"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ProgressOf renders a session as progress.
func ProgressOf(s *Session) *Progress {
	return &Progress{
		SessionID:      s.ID,
		Status:         s.Status,
		Step:           s.Status.Step(),
		TotalSteps:     TotalSteps,
		Message:        s.Message,
		ProcessedCount: s.ProcessedCount,
		TotalCount:     s.TotalCount,
		ResultsCount:   s.ResultsCount,
		Estimate:       EstimateFor(s.Criteria.BatchSize),
		UpdatedAt:      s.UpdatedAt,
	}
}

// AllowedFrom lists the statuses from which a transition to to is allowed.
func AllowedFrom(to Status) []Status {
	var out []Status
	for _, from := range NonTerminal {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
