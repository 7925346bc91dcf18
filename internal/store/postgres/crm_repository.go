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

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opentrusty/opencrm/internal/crm"
)

// membershipGuard holds when the principal is an active member of the
// tenant and that tenant is the principal's active one. It is evaluated in
// the same statement as the write.
const membershipGuard = `EXISTS (
	SELECT 1 FROM tenant_users tu
	JOIN user_profiles up ON up.user_id = tu.user_id
	WHERE tu.tenant_id = ? AND tu.user_id = ? AND tu.status = 'active'
		AND up.current_tenant_id = tu.tenant_id
)`

// CRMRepository implements crm.Repository. Rows are read as JSON documents
// and written through jsonb_populate_record, so the entity structs' JSON
// tags are the single column mapping.
type CRMRepository struct {
	db      *DB
	columns map[crm.Entity][]string
}

// NewCRMRepository creates a new CRM repository
func NewCRMRepository(db *DB) *CRMRepository {
	cols := make(map[crm.Entity][]string, len(crm.Entities))
	for _, e := range crm.Entities {
		m, err := crm.ToMap(crm.New(e))
		if err != nil {
			panic(fmt.Sprintf("crm entity %s is not JSON encodable: %v", e, err))
		}
		names := make([]string, 0, len(m))
		for k := range m {
			names = append(names, k)
		}
		sort.Strings(names)
		cols[e] = names
	}
	return &CRMRepository{db: db, columns: cols}
}

func (r *CRMRepository) table(e crm.Entity) (string, error) {
	if _, ok := r.columns[e]; !ok {
		return "", fmt.Errorf("unknown entity %q", e)
	}
	return string(e), nil
}

// List returns one page of records of a tenant, newest first.
func (r *CRMRepository) List(ctx context.Context, entity crm.Entity, tenantID string, opts crm.ListOptions) ([]crm.Record, error) {
	table, err := r.table(entity)
	if err != nil {
		return nil, err
	}

	q := psql.Select("to_jsonb(t) - 'search_vector'").
		From(table + " t").
		Where(sq.Eq{"t.tenant_id": tenantID}).
		OrderBy("t.created_at DESC", "t.id DESC")

	if s := strings.TrimSpace(opts.Search); s != "" {
		q = q.Where(sq.Or{
			sq.Expr("t.search_vector @@ plainto_tsquery('simple', ?)", s),
			sq.Expr("t.search_vector::text ILIKE ?", "%"+escapeLike(strings.ToLower(s))+"%"),
		})
	}
	for _, col := range sortedKeys(opts.Filters) {
		if !crm.CanFilter(entity, col) {
			return nil, fmt.Errorf("column %s is not filterable on %s", col, entity)
		}
		q = q.Where(sq.Expr("t."+col+"::text = ?", opts.Filters[col]))
	}
	if opts.Limit > 0 {
		q = q.Limit(uint64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Offset(uint64(opts.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build list query: %w", err)
	}
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entity, err)
	}
	defer rows.Close()

	out := []crm.Record{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", entity, err)
		}
		rec, err := decode(entity, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get retrieves one record of a tenant
func (r *CRMRepository) Get(ctx context.Context, entity crm.Entity, tenantID, id string) (crm.Record, error) {
	table, err := r.table(entity)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, crm.ErrRecordNotFound
	}

	query, args, err := psql.Select("to_jsonb(t) - 'search_vector'").
		From(table + " t").
		Where(sq.Eq{"t.tenant_id": tenantID, "t.id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build get query: %w", err)
	}

	var doc []byte
	err = r.db.pool.QueryRow(ctx, query, args...).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, crm.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", entity, err)
	}
	return decode(entity, doc)
}

// Count counts the records of a tenant
func (r *CRMRepository) Count(ctx context.Context, entity crm.Entity, tenantID string) (int, error) {
	table, err := r.table(entity)
	if err != nil {
		return 0, err
	}
	query, args, err := psql.Select("count(*)").From(table).Where(sq.Eq{"tenant_id": tenantID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}
	var n int
	if err := r.db.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", entity, err)
	}
	return n, nil
}

// Create inserts rec when the membership guard holds for its creator.
func (r *CRMRepository) Create(ctx context.Context, rec crm.Record) error {
	entity := rec.Entity()
	table, err := r.table(entity)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", entity, err)
	}
	meta := rec.Meta()
	cols := strings.Join(r.columns[entity], ", ")

	// The nested select uses ? placeholders; the outer builder numbers
	// them together with the prefix argument.
	query, args, err := psql.Insert(table).
		Prefix(fmt.Sprintf("WITH doc AS (SELECT * FROM jsonb_populate_record(NULL::%s, ?::jsonb))", table), string(doc)).
		Columns(r.columns[entity]...).
		Select(sq.Select(cols).From("doc").Where(membershipGuard, meta.TenantID, meta.CreatedBy)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	tag, err := r.db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return crm.ErrWriteGuard
	}
	return nil
}

// Update applies patch to a record within scope.
func (r *CRMRepository) Update(ctx context.Context, entity crm.Entity, scope crm.WriteScope, id string, patch crm.Patch) error {
	table, err := r.table(entity)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return crm.ErrRecordNotFound
	}

	set := make(map[string]any, len(patch))
	for _, col := range patch.Columns() {
		set[col] = patch[col]
	}
	query, args, err := psql.Update(table).
		SetMap(set).
		Where(scopeWhere(scope, id)).
		Where(membershipGuard, scope.TenantID, scope.PrincipalID).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}

	tag, err := r.db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return crm.ErrRecordNotFound
	}
	return nil
}

// Delete removes a record within scope.
func (r *CRMRepository) Delete(ctx context.Context, entity crm.Entity, scope crm.WriteScope, id string) error {
	table, err := r.table(entity)
	if err != nil {
		return err
	}
	if _, err := uuid.Parse(id); err != nil {
		return crm.ErrRecordNotFound
	}

	query, args, err := psql.Delete(table).
		Where(scopeWhere(scope, id)).
		Where(membershipGuard, scope.TenantID, scope.PrincipalID).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}

	tag, err := r.db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", entity, err)
	}
	if tag.RowsAffected() == 0 {
		return crm.ErrRecordNotFound
	}
	return nil
}

func scopeWhere(scope crm.WriteScope, id string) sq.Eq {
	eq := sq.Eq{"id": id, "tenant_id": scope.TenantID}
	if scope.OwnerID != "" {
		eq["created_by"] = scope.OwnerID
	}
	return eq
}

func decode(entity crm.Entity, doc []byte) (crm.Record, error) {
	rec := crm.New(entity)
	if err := json.Unmarshal(doc, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", entity, err)
	}
	return rec, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
