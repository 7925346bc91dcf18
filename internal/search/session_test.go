package search

import (
	"testing"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []Status{
	StatusInitiated, StatusProcessing, StatusScraping, StatusAnalyzing,
	StatusScoring, StatusFinalizing, StatusCompleted, StatusFailed, StatusCancelled,
}

// TestPurpose: Validates that terminal session states are final.
// Scope: Unit Test
// Expected: No transition out of completed, failed or cancelled is allowed, to any status.
// Test Case ID: SRCH-01
func TestCanTransition_TerminalIsFinal(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

// TestPurpose: Validates forward-only movement through progress phases.
// Scope: Unit Test
// Expected: Phases advance or repeat, never go back; any non-terminal state may end; nothing returns to initiated.
// Test Case ID: SRCH-02
func TestCanTransition_Forward(t *testing.T) {
	assert.True(t, CanTransition(StatusInitiated, StatusProcessing))
	assert.True(t, CanTransition(StatusProcessing, StatusScoring))
	assert.True(t, CanTransition(StatusScoring, StatusScoring))
	assert.False(t, CanTransition(StatusScoring, StatusScraping))
	assert.False(t, CanTransition(StatusProcessing, StatusInitiated))
	assert.False(t, CanTransition(StatusProcessing, Status("bogus")))

	for _, from := range NonTerminal {
		assert.True(t, CanTransition(from, StatusCompleted))
		assert.True(t, CanTransition(from, StatusFailed))
		assert.True(t, CanTransition(from, StatusCancelled))
	}

	assert.ElementsMatch(t, NonTerminal, AllowedFrom(StatusFailed))
	assert.ElementsMatch(t, []Status{StatusInitiated, StatusProcessing, StatusScraping}, AllowedFrom(StatusScraping))
	assert.Empty(t, AllowedFrom(StatusInitiated))
}

func TestStep(t *testing.T) {
	assert.Equal(t, 0, StatusInitiated.Step())
	assert.Equal(t, 1, StatusProcessing.Step())
	assert.Equal(t, 5, StatusFinalizing.Step())
	assert.Equal(t, TotalSteps, StatusCompleted.Step())
	assert.Equal(t, -1, StatusFailed.Step())
	assert.Equal(t, -1, StatusCancelled.Step())
	assert.Equal(t, -1, Status("unknown").Step())

	st, ok := ParseStatus(" Scoring ")
	assert.True(t, ok)
	assert.Equal(t, StatusScoring, st)
	_, ok = ParseStatus("done")
	assert.False(t, ok)
}

func TestCriteria_Validate(t *testing.T) {
	c := Criteria{MarketVertical: " dentists ", Geography: "Austin, TX"}
	require.NoError(t, c.Validate())
	assert.Equal(t, 25, c.BatchSize)
	assert.Equal(t, "dentists", c.MarketVertical)

	bad := []Criteria{
		{Geography: "Austin"},
		{MarketVertical: "dentists"},
		{MarketVertical: "dentists", Geography: "Austin", MinRating: 6},
		{MarketVertical: "dentists", Geography: "Austin", MinReviews: -1},
		{MarketVertical: "dentists", Geography: "Austin", BatchSize: 30},
	}
	for _, c := range bad {
		err := c.Validate()
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), "%+v", c)
	}
}

func TestEstimateFor(t *testing.T) {
	assert.Equal(t, "2-4 minutes", EstimateFor(25).Label)
	assert.Equal(t, "4-7 minutes", EstimateFor(50).Label)
	assert.Equal(t, "6-10 minutes", EstimateFor(75).Label)
	assert.Equal(t, "8-15 minutes", EstimateFor(100).Label)
	assert.Equal(t, 15, EstimateFor(500).MaxMinutes)
}
