package crm

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/opentrusty/opencrm/internal/apperr"
)

type fieldType int

const (
	fieldString fieldType = iota
	fieldRef
	fieldFloat
	fieldInt
	fieldBool
	fieldTime
	fieldOptionalTime
)

// Patch is a validated partial update keyed by column name. Values are
// string, float64, int, bool, time.Time or nil.
type Patch map[string]any

// Columns returns the patched column names in a stable order.
func (p Patch) Columns() []string {
	cols := make([]string, 0, len(p))
	for k := range p {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

var updatable = map[Entity]map[string]fieldType{
	EntityAccount: {
		"name": fieldString, "industry": fieldString, "business_type": fieldString,
		"website": fieldString, "phone": fieldString, "email": fieldString,
		"address": fieldString, "city": fieldString, "country": fieldString,
		"annual_revenue": fieldFloat, "employee_count": fieldInt, "description": fieldString,
	},
	EntityContact: {
		"account_id": fieldRef, "first_name": fieldString, "last_name": fieldString,
		"email": fieldString, "phone": fieldString, "title": fieldString,
		"lead_status": fieldString, "lead_score": fieldInt, "source": fieldString,
	},
	EntityDeal: {
		"name": fieldString, "account_id": fieldRef, "contact_id": fieldRef,
		"stage": fieldString, "value": fieldFloat, "probability": fieldInt,
		"expected_close_date": fieldOptionalTime, "assigned_to": fieldRef, "description": fieldString,
	},
	EntityActivity: {
		"type": fieldString, "subject": fieldString, "description": fieldString,
		"occurred_at": fieldTime, "due_date": fieldOptionalTime, "completed": fieldBool,
		"account_id": fieldRef, "contact_id": fieldRef, "deal_id": fieldRef,
	},
	EntityCampaign: {
		"name": fieldString, "type": fieldString, "status": fieldString,
		"start_date": fieldOptionalTime, "end_date": fieldOptionalTime,
		"budget": fieldFloat, "description": fieldString,
	},
	EntityCampaignMember: {
		"status": fieldString,
	},
}

var filterable = map[Entity][]string{
	EntityAccount:        {"industry", "business_type"},
	EntityContact:        {"lead_status", "account_id"},
	EntityDeal:           {"stage", "account_id", "assigned_to"},
	EntityActivity:       {"type", "account_id", "contact_id", "deal_id"},
	EntityCampaign:       {"status", "type"},
	EntityCampaignMember: {"campaign_id", "contact_id", "status"},
}

// FilterColumns lists the columns e may be filtered on by equality.
func FilterColumns(e Entity) []string {
	return filterable[e]
}

// CanFilter reports whether column is an equality filter for e.
func CanFilter(e Entity, column string) bool {
	return oneOf(column, filterable[e])
}

var immutable = []string{"id", "tenant_id", "created_by", "created_at", "updated_at"}

// NormalizePatch validates a decoded JSON object against the updatable
// columns of e and converts values to their column types.
func NormalizePatch(e Entity, raw map[string]any) (Patch, error) {
	fields, ok := updatable[e]
	if !ok {
		return nil, apperr.Validationf("unknown entity: %s", e)
	}
	if len(raw) == 0 {
		return nil, apperr.Validation("no fields to update")
	}

	patch := make(Patch, len(raw))
	for k, v := range raw {
		if oneOf(k, immutable) {
			return nil, apperr.Validationf("field %s is immutable", k)
		}
		ft, ok := fields[k]
		if !ok {
			return nil, apperr.Validationf("field %s cannot be updated", k)
		}
		cv, err := convert(ft, v)
		if err != nil {
			return nil, apperr.Validationf("field %s: %v", k, err)
		}
		patch[k] = cv
	}
	return patch, nil
}

func convert(ft fieldType, v any) (any, error) {
	switch ft {
	case fieldString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string")
		}
		return s, nil
	case fieldRef:
		if v == nil {
			return nil, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string or null")
		}
		if strings.TrimSpace(s) == "" {
			return nil, nil
		}
		return s, nil
	case fieldFloat:
		f, ok := number(v)
		if !ok {
			return nil, fmt.Errorf("expected number")
		}
		return f, nil
	case fieldInt:
		f, ok := number(v)
		if !ok || f != math.Trunc(f) {
			return nil, fmt.Errorf("expected integer")
		}
		return int(f), nil
	case fieldBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean")
		}
		return b, nil
	case fieldTime, fieldOptionalTime:
		if v == nil {
			if ft == fieldTime {
				return nil, fmt.Errorf("must not be null")
			}
			return nil, nil
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected timestamp string")
		}
		return parseTime(s)
	}
	return nil, fmt.Errorf("unsupported field")
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC 3339 timestamp or YYYY-MM-DD date")
	}
	return t.UTC(), nil
}

// ToMap renders a record as a column to value map.
func ToMap(rec Record) (map[string]any, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ApplyPatch returns a copy of rec with patch applied. rec is not modified.
func ApplyPatch(rec Record, patch Patch) (Record, error) {
	m, err := ToMap(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	for k, v := range patch {
		m[k] = v
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patch: %w", err)
	}
	out := New(rec.Entity())
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("failed to decode patched record: %w", err)
	}
	return out, nil
}
