package search

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("search session not found")

// Repository stores sessions and their results.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Transition applies upd only when the stored status is one of
	// AllowedFrom(upd.Status). It reports whether a row changed.
	Transition(ctx context.Context, id string, upd Update) (bool, error)
	// Complete marks the session completed and inserts results in one
	// atomic step, guarded the same way as Transition. When it reports
	// false nothing was written.
	Complete(ctx context.Context, id string, results []*Result) (bool, error)
	ListResults(ctx context.Context, sessionID string, limit, offset int) ([]*Result, error)
	// ListStale returns non-terminal sessions last updated before before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*Session, error)
}

// Runner starts the external job for a session and returns its run id.
type Runner interface {
	StartRun(ctx context.Context, s *Session) (string, error)
}
