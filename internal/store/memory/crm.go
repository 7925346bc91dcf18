package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/opentrusty/opencrm/internal/crm"
)

// CRMStore implements crm.Repository.
type CRMStore struct {
	db *DB
}

func NewCRMStore(db *DB) *CRMStore {
	return &CRMStore{db: db}
}

func (s *CRMStore) List(_ context.Context, entity crm.Entity, tenantID string, opts crm.ListOptions) ([]crm.Record, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	needle := strings.ToLower(strings.TrimSpace(opts.Search))
	var matched []crm.Record
	for _, rec := range s.db.records[entity] {
		if rec.Meta().TenantID != tenantID {
			continue
		}
		if needle != "" && !strings.Contains(rec.SearchText(), needle) {
			continue
		}
		if len(opts.Filters) > 0 {
			ok, err := matchFilters(rec, opts.Filters)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i].Meta(), matched[j].Meta()
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(matched) {
		return []crm.Record{}, nil
	}
	matched = matched[opts.Offset:]
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	out := make([]crm.Record, 0, len(matched))
	for _, rec := range matched {
		cp, err := clone(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *CRMStore) Get(_ context.Context, entity crm.Entity, tenantID, id string) (crm.Record, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rec, ok := s.db.records[entity][id]
	if !ok || rec.Meta().TenantID != tenantID {
		return nil, crm.ErrRecordNotFound
	}
	return clone(rec)
}

func (s *CRMStore) Count(_ context.Context, entity crm.Entity, tenantID string) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, rec := range s.db.records[entity] {
		if rec.Meta().TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// Create applies the same guard as the SQL insert: the creator must hold an
// active membership in the record's tenant and have it selected.
func (s *CRMStore) Create(_ context.Context, rec crm.Record) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	meta := rec.Meta()
	p, ok := s.db.profiles[meta.CreatedBy]
	if !ok {
		return crm.ErrWriteGuard
	}
	if tid, ok := p.ActiveTenant(); !ok || tid != meta.TenantID {
		return crm.ErrWriteGuard
	}
	if m, ok := s.db.memberships[membershipKey(meta.TenantID, meta.CreatedBy)]; !ok || !m.IsActive() {
		return crm.ErrWriteGuard
	}
	if _, ok := s.db.records[rec.Entity()][meta.ID]; ok {
		return fmt.Errorf("duplicate %s id %s", rec.Entity(), meta.ID)
	}

	cp, err := clone(rec)
	if err != nil {
		return err
	}
	s.db.records[rec.Entity()][meta.ID] = cp
	return nil
}

func (s *CRMStore) Update(_ context.Context, entity crm.Entity, scope crm.WriteScope, id string, patch crm.Patch) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rec, ok := s.db.records[entity][id]
	if !ok || !inScope(rec, scope) {
		return crm.ErrRecordNotFound
	}
	updated, err := crm.ApplyPatch(rec, patch)
	if err != nil {
		return err
	}
	s.db.records[entity][id] = updated
	return nil
}

func (s *CRMStore) Delete(_ context.Context, entity crm.Entity, scope crm.WriteScope, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	rec, ok := s.db.records[entity][id]
	if !ok || !inScope(rec, scope) {
		return crm.ErrRecordNotFound
	}
	delete(s.db.records[entity], id)
	return nil
}

func inScope(rec crm.Record, scope crm.WriteScope) bool {
	m := rec.Meta()
	if m.TenantID != scope.TenantID {
		return false
	}
	return scope.OwnerID == "" || m.CreatedBy == scope.OwnerID
}

func matchFilters(rec crm.Record, filters map[string]string) (bool, error) {
	cols, err := crm.ToMap(rec)
	if err != nil {
		return false, err
	}
	for col, want := range filters {
		v := cols[col]
		got := ""
		if v != nil {
			got = fmt.Sprint(v)
		}
		if got != want {
			return false, nil
		}
	}
	return true, nil
}

func clone(rec crm.Record) (crm.Record, error) {
	return crm.ApplyPatch(rec, crm.Patch{})
}
