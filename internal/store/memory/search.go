package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opentrusty/opencrm/internal/search"
)

// SearchStore implements search.Repository.
type SearchStore struct {
	db  *DB
	now func() time.Time
}

func NewSearchStore(db *DB) *SearchStore {
	return &SearchStore{db: db, now: time.Now}
}

func (s *SearchStore) Create(_ context.Context, sess *search.Session) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.sessions[sess.ID]; ok {
		return fmt.Errorf("duplicate search session %s", sess.ID)
	}
	cp := *sess
	s.db.sessions[sess.ID] = &cp
	return nil
}

func (s *SearchStore) Get(_ context.Context, id string) (*search.Session, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return nil, search.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *SearchStore) Transition(_ context.Context, id string, upd search.Update) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return false, search.ErrSessionNotFound
	}
	if !search.CanTransition(sess.Status, upd.Status) {
		return false, nil
	}
	s.apply(sess, upd)
	return true, nil
}

func (s *SearchStore) Complete(_ context.Context, id string, results []*search.Result) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	sess, ok := s.db.sessions[id]
	if !ok {
		return false, search.ErrSessionNotFound
	}
	if !search.CanTransition(sess.Status, search.StatusCompleted) {
		return false, nil
	}
	for _, r := range results {
		cp := *r
		s.db.results[id] = append(s.db.results[id], &cp)
	}
	s.apply(sess, search.Update{
		Status:         search.StatusCompleted,
		Message:        fmt.Sprintf("found %d results", len(results)),
		ProcessedCount: len(results),
	})
	sess.ResultsCount = len(s.db.results[id])
	return true, nil
}

func (s *SearchStore) apply(sess *search.Session, upd search.Update) {
	now := s.now().UTC()
	sess.Status = upd.Status
	if upd.Message != "" {
		sess.Message = upd.Message
	}
	if upd.ProcessedCount > 0 {
		sess.ProcessedCount = upd.ProcessedCount
	}
	if upd.TotalCount > 0 {
		sess.TotalCount = upd.TotalCount
	}
	if upd.RunID != "" {
		sess.RunID = upd.RunID
	}
	sess.UpdatedAt = now
	if upd.Status.Terminal() {
		sess.CompletedAt = &now
	}
}

func (s *SearchStore) ListResults(_ context.Context, sessionID string, limit, offset int) ([]*search.Result, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	all := s.db.results[sessionID]
	if offset >= len(all) {
		return []*search.Result{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*search.Result, 0, len(all))
	for _, r := range all {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *SearchStore) ListStale(_ context.Context, before time.Time, limit int) ([]*search.Session, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*search.Session
	for _, sess := range s.db.sessions {
		if !sess.Status.Terminal() && sess.UpdatedAt.Before(before) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
