package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opentrusty/opencrm/internal/search"
)

// SearchRepository implements search.Repository and the session store used
// by webhook ingestion.
type SearchRepository struct {
	db *DB
}

// NewSearchRepository creates a new search repository
func NewSearchRepository(db *DB) *SearchRepository {
	return &SearchRepository{db: db}
}

const sessionColumns = `id::text, user_id, tenant_id::text, status, criteria, run_id, message,
	processed_count, total_count, results_count, created_at, updated_at, completed_at`

func scanSession(row pgx.Row) (*search.Session, error) {
	var s search.Session
	err := row.Scan(&s.ID, &s.UserID, &s.TenantID, &s.Status, &s.Criteria, &s.RunID, &s.Message,
		&s.ProcessedCount, &s.TotalCount, &s.ResultsCount, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new session
func (r *SearchRepository) Create(ctx context.Context, s *search.Session) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO search_sessions (id, user_id, tenant_id, status, criteria, run_id, message,
			processed_count, total_count, results_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, s.ID, s.UserID, s.TenantID, string(s.Status), s.Criteria, s.RunID, s.Message,
		s.ProcessedCount, s.TotalCount, s.ResultsCount, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert search session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID
func (r *SearchRepository) Get(ctx context.Context, id string) (*search.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, search.ErrSessionNotFound
	}
	s, err := scanSession(r.db.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM search_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, search.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get search session: %w", err)
	}
	return s, nil
}

// Transition moves a session to upd.Status in one conditional UPDATE. The
// WHERE clause only matches the statuses the target may be reached from,
// so a terminal session is never rewritten and concurrent deliveries of
// the same event change the row at most once.
func (r *SearchRepository) Transition(ctx context.Context, id string, upd search.Update) (bool, error) {
	changed, err := transition(ctx, r.db.pool, id, upd)
	if err != nil || changed {
		return changed, err
	}
	if _, err := r.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func transition(ctx context.Context, q queryer, id string, upd search.Update) (bool, error) {
	from := make([]string, 0, 8)
	for _, st := range search.AllowedFrom(upd.Status) {
		from = append(from, string(st))
	}
	if len(from) == 0 {
		return false, nil
	}

	var updated string
	err := q.QueryRow(ctx, `
		UPDATE search_sessions
		SET status          = $2,
			message         = CASE WHEN $3 <> '' THEN $3 ELSE message END,
			processed_count = CASE WHEN $4 > 0 THEN $4 ELSE processed_count END,
			total_count     = CASE WHEN $5 > 0 THEN $5 ELSE total_count END,
			run_id          = CASE WHEN $6 <> '' THEN $6 ELSE run_id END,
			updated_at      = $7,
			completed_at    = CASE WHEN $8 THEN $7 ELSE completed_at END
		WHERE id = $1 AND status = ANY($9)
		RETURNING id::text
	`, id, string(upd.Status), upd.Message, upd.ProcessedCount, upd.TotalCount, upd.RunID,
		time.Now().UTC(), upd.Status.Terminal(), from).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to transition search session: %w", err)
	}
	return true, nil
}

// Complete stores results and marks the session completed in one
// transaction. The session row is locked first; when it is already
// terminal nothing is written and false is returned.
func (r *SearchRepository) Complete(ctx context.Context, id string, results []*search.Result) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, search.ErrSessionNotFound
	}
	changed := false
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM search_sessions WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return search.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock search session: %w", err)
		}
		if !search.CanTransition(search.Status(status), search.StatusCompleted) {
			return nil
		}

		if len(results) > 0 {
			_, err = tx.CopyFrom(ctx,
				pgx.Identifier{"search_results"},
				[]string{"id", "search_session_id", "user_id", "tenant_id", "name", "category", "address",
					"phone", "website", "rating", "review_count", "score", "source_url", "created_at"},
				pgx.CopyFromSlice(len(results), func(i int) ([]any, error) {
					res := results[i]
					// COPY is binary; uuid columns need uuid values.
					rid, err := uuid.Parse(res.ID)
					if err != nil {
						return nil, fmt.Errorf("result id: %w", err)
					}
					tid, err := uuid.Parse(res.TenantID)
					if err != nil {
						return nil, fmt.Errorf("result tenant id: %w", err)
					}
					return []any{rid, uuid.MustParse(id), res.UserID, tid, res.Name, res.Category, res.Address,
						res.Phone, res.Website, res.Rating, res.ReviewCount, res.Score, res.SourceURL, res.CreatedAt}, nil
				}),
			)
			if err != nil {
				return fmt.Errorf("failed to copy search results: %w", err)
			}
		}

		ok, err := transition(ctx, tx, id, search.Update{
			Status:         search.StatusCompleted,
			Message:        fmt.Sprintf("found %d results", len(results)),
			ProcessedCount: len(results),
		})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE search_sessions
			SET results_count = (SELECT count(*) FROM search_results WHERE search_session_id = $1)
			WHERE id = $1
		`, id); err != nil {
			return fmt.Errorf("failed to count search results: %w", err)
		}
		changed = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// ListResults lists the results of a session in insertion order
func (r *SearchRepository) ListResults(ctx context.Context, sessionID string, limit, offset int) ([]*search.Result, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id::text, search_session_id::text, user_id, tenant_id::text, name, category, address,
			phone, website, rating, review_count, score, source_url, created_at
		FROM search_results
		WHERE search_session_id = $1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list search results: %w", err)
	}
	defer rows.Close()

	out := []*search.Result{}
	for rows.Next() {
		var res search.Result
		if err := rows.Scan(&res.ID, &res.SessionID, &res.UserID, &res.TenantID, &res.Name, &res.Category,
			&res.Address, &res.Phone, &res.Website, &res.Rating, &res.ReviewCount, &res.Score,
			&res.SourceURL, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}

// ListStale lists non-terminal sessions last updated before the cutoff,
// oldest first.
func (r *SearchRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*search.Session, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM search_sessions
		WHERE status NOT IN ('completed', 'failed', 'cancelled') AND updated_at < $1
		ORDER BY updated_at
		LIMIT NULLIF($2::int, 0)
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale search sessions: %w", err)
	}
	defer rows.Close()

	var out []*search.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
