package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/opentrusty/opencrm/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"title":"Bright Smiles","categoryName":"Dentist","address":"1 Main St","phone":"555-0100","website":"https://bright.example","totalScore":4.8,"reviewsCount":999,"url":"https://maps.example/1"}`),
		json.RawMessage(`{"name":"Low Rated","rating":2.1,"reviewsCount":40}`),
		json.RawMessage(`{"title":"No Site","totalScore":4.5,"reviewsCount":80}`),
		json.RawMessage(`{"title":"   "}`),
		json.RawMessage(`{"title":"Bright Smiles","address":"1 Main St","totalScore":4.8,"reviewsCount":999,"website":"https://bright.example"}`),
		json.RawMessage(`[1,2,3]`),
	}
	sess := &search.Session{
		ID: "sess-1", UserID: "user-a", TenantID: "tenant-1",
		Criteria: search.Criteria{MinRating: 4, MinReviews: 10, RequireWebsite: true},
	}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	items := DecodeItems(raw)
	assert.Len(t, items, 5)

	results := Normalize(items, sess, now)
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, "Bright Smiles", r.Name)
	assert.Equal(t, "Dentist", r.Category)
	assert.Equal(t, "sess-1", r.SessionID)
	assert.Equal(t, "user-a", r.UserID)
	assert.Equal(t, "tenant-1", r.TenantID)
	assert.Equal(t, 999, r.ReviewCount)
	assert.Equal(t, now, r.CreatedAt)
	assert.NotEmpty(t, r.ID)
}

func TestScore(t *testing.T) {
	assert.Equal(t, 0, Score(0, 0, false, false))
	assert.Equal(t, 100, Score(5, 999, true, true))
	assert.Equal(t, 50, Score(5, 0, false, false))
	assert.Equal(t, 20, Score(0, 0, true, true))
	assert.Equal(t, 50, Score(9, 0, false, false))
}
