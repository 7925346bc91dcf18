package ingest

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/opentrusty/opencrm/internal/id"
	"github.com/opentrusty/opencrm/internal/search"
)

// Item is one dataset row as produced by the scraping job. Different actor
// versions use different field names for the same value, so both are kept.
type Item struct {
	Title        string   `json:"title"`
	Name         string   `json:"name"`
	CategoryName string   `json:"categoryName"`
	Categories   []string `json:"categories"`
	Address      string   `json:"address"`
	Street       string   `json:"street"`
	City         string   `json:"city"`
	Phone        string   `json:"phone"`
	Website      string   `json:"website"`
	TotalScore   *float64 `json:"totalScore"`
	Rating       *float64 `json:"rating"`
	ReviewsCount *int     `json:"reviewsCount"`
	URL          string   `json:"url"`
}

// DecodeItems decodes raw dataset rows, skipping rows that are not objects.
func DecodeItems(raw []json.RawMessage) []Item {
	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		var it Item
		if err := json.Unmarshal(r, &it); err != nil {
			continue
		}
		items = append(items, it)
	}
	return items
}

// Normalize converts items into results owned by the session's user and
// tenant. Items without a name, or that miss the session's quality filters,
// are dropped, as are repeats of the same name and address.
func Normalize(items []Item, sess *search.Session, now time.Time) []*search.Result {
	c := sess.Criteria
	out := make([]*search.Result, 0, len(items))
	seen := map[string]bool{}

	for _, it := range items {
		name := strings.TrimSpace(firstNonEmpty(it.Title, it.Name))
		if name == "" {
			continue
		}
		rating := 0.0
		if it.TotalScore != nil {
			rating = *it.TotalScore
		} else if it.Rating != nil {
			rating = *it.Rating
		}
		reviews := 0
		if it.ReviewsCount != nil {
			reviews = *it.ReviewsCount
		}
		website := strings.TrimSpace(it.Website)

		if rating < c.MinRating || reviews < c.MinReviews {
			continue
		}
		if c.RequireWebsite && website == "" {
			continue
		}

		address := strings.TrimSpace(it.Address)
		if address == "" {
			address = strings.Trim(strings.TrimSpace(it.Street)+", "+strings.TrimSpace(it.City), ", ")
		}
		key := strings.ToLower(name + "|" + address)
		if seen[key] {
			continue
		}
		seen[key] = true

		category := strings.TrimSpace(it.CategoryName)
		if category == "" && len(it.Categories) > 0 {
			category = it.Categories[0]
		}
		phone := strings.TrimSpace(it.Phone)

		out = append(out, &search.Result{
			ID:          id.NewUUIDv7(),
			SessionID:   sess.ID,
			UserID:      sess.UserID,
			TenantID:    sess.TenantID,
			Name:        name,
			Category:    category,
			Address:     address,
			Phone:       phone,
			Website:     website,
			Rating:      rating,
			ReviewCount: reviews,
			Score:       Score(rating, reviews, website != "", phone != ""),
			SourceURL:   it.URL,
			CreatedAt:   now,
		})
	}
	return out
}

// Score rates a business from 0 to 100: half from its rating, up to 30 from
// review volume on a log scale saturating at 1000 reviews, and 10 each for a
// website and a phone number.
func Score(rating float64, reviews int, hasWebsite, hasPhone bool) int {
	rating = math.Max(0, math.Min(rating, 5))
	s := rating / 5 * 50
	if reviews > 0 {
		s += math.Min(math.Log10(float64(reviews)+1)/3, 1) * 30
	}
	if hasWebsite {
		s += 10
	}
	if hasPhone {
		s += 10
	}
	return int(math.Round(s))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
