package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/authz"
	"github.com/opentrusty/opencrm/internal/id"
	"github.com/opentrusty/opencrm/internal/observability/logger"
)

const (
	DefaultResultsPage = 100
	MaxResultsPage     = 1000
)

// TriggerResult is returned to the caller that started a search.
type TriggerResult struct {
	SessionID string   `json:"session_id"`
	Status    Status   `json:"status"`
	Estimate  Estimate `json:"estimated_completion"`
}

// Service manages the lifecycle of search sessions.
type Service struct {
	repo        Repository
	resolver    *authz.Resolver
	runner      Runner
	auditLogger audit.Logger
	now         func() time.Time
}

// NewService creates a new search service
func NewService(repo Repository, resolver *authz.Resolver, runner Runner, auditLogger audit.Logger) *Service {
	return &Service{
		repo:        repo,
		resolver:    resolver,
		runner:      runner,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// Trigger validates criteria, records a session owned by principalID and
// asks the runner to start. If the runner cannot be reached the session is
// marked failed and an upstream error is returned.
func (s *Service) Trigger(ctx context.Context, principalID string, c Criteria) (*TriggerResult, error) {
	snap, err := s.resolver.RequireMember(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sess := &Session{
		ID:        id.NewUUIDv7(),
		UserID:    principalID,
		TenantID:  snap.ActiveTenantID,
		Status:    StatusInitiated,
		Criteria:  c,
		Message:   "search queued",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create search session: %w", err)
	}

	runID, runErr := s.runner.StartRun(ctx, sess)
	if runErr != nil {
		slog.ErrorContext(ctx, "failed to start search run",
			logger.SearchSessionID(sess.ID),
			logger.Error(runErr),
		)
		if _, err := s.repo.Transition(ctx, sess.ID, Update{
			Status:  StatusFailed,
			Message: "could not start search job",
		}); err != nil {
			slog.ErrorContext(ctx, "failed to mark search session failed",
				logger.SearchSessionID(sess.ID),
				logger.Error(err),
			)
		}
		return nil, apperr.Upstream("search job runner unavailable", runErr)
	}

	if _, err := s.repo.Transition(ctx, sess.ID, Update{
		Status:  StatusProcessing,
		Message: "search job started",
		RunID:   runID,
	}); err != nil {
		return nil, fmt.Errorf("failed to record search run: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeSearchInitiated,
		TenantID: sess.TenantID,
		ActorID:  principalID,
		Resource: "search_session",
		Metadata: map[string]any{
			"session_id":      sess.ID,
			"run_id":          runID,
			"market_vertical": c.MarketVertical,
			"geography":       c.Geography,
			"batch_size":      c.BatchSize,
		},
	})
	slog.InfoContext(ctx, "search session started",
		logger.SearchSessionID(sess.ID),
		logger.RunID(runID),
		logger.UserID(principalID),
	)

	return &TriggerResult{
		SessionID: sess.ID,
		Status:    StatusProcessing,
		Estimate:  EstimateFor(c.BatchSize),
	}, nil
}

// GetProgress returns progress for a session owned by principalID.
func (s *Service) GetProgress(ctx context.Context, principalID, sessionID string) (*Progress, error) {
	sess, err := s.owned(ctx, principalID, sessionID)
	if err != nil {
		return nil, err
	}
	return ProgressOf(sess), nil
}

// Results lists the normalized results of a session owned by principalID.
func (s *Service) Results(ctx context.Context, principalID, sessionID string, limit, offset int) ([]*Result, error) {
	if _, err := s.owned(ctx, principalID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultResultsPage
	}
	if limit > MaxResultsPage {
		limit = MaxResultsPage
	}
	if offset < 0 {
		offset = 0
	}
	results, err := s.repo.ListResults(ctx, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list search results: %w", err)
	}
	return results, nil
}

// PushProgress records an intermediate phase reported by the runner. It
// reports false when the session is already terminal or the phase would
// move backwards; both are no-ops.
func (s *Service) PushProgress(ctx context.Context, sessionID string, upd Update) (bool, error) {
	if sessionID == "" {
		return false, apperr.Validation("session id is required")
	}
	st, ok := ParseStatus(string(upd.Status))
	if !ok {
		return false, apperr.Validationf("unknown status %q", upd.Status)
	}
	if st.Terminal() || st == StatusInitiated {
		return false, apperr.Validationf("status %q cannot be pushed as progress", st)
	}
	upd.Status = st

	if _, err := s.get(ctx, sessionID); err != nil {
		return false, err
	}
	changed, err := s.repo.Transition(ctx, sessionID, upd)
	if err != nil {
		return false, fmt.Errorf("failed to update search progress: %w", err)
	}
	return changed, nil
}

// SweepStale fails sessions that have not moved for olderThan. It returns
// how many sessions it changed.
func (s *Service) SweepStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.repo.ListStale(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale search sessions: %w", err)
	}
	n := 0
	for _, sess := range stale {
		changed, err := s.repo.Transition(ctx, sess.ID, Update{
			Status:  StatusFailed,
			Message: "search timed out",
		})
		if err != nil {
			return n, fmt.Errorf("failed to expire search session %s: %w", sess.ID, err)
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (s *Service) owned(ctx context.Context, principalID, sessionID string) (*Session, error) {
	if principalID == "" {
		return nil, apperr.Unauthenticated("authentication required")
	}
	sess, err := s.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != principalID {
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeAccessDenied,
			TenantID: sess.TenantID,
			ActorID:  principalID,
			Resource: "search_session",
			Metadata: map[string]any{"session_id": sessionID, "reason": apperr.ReasonOwnershipMismatch},
		})
		return nil, apperr.Denied(apperr.ReasonOwnershipMismatch, "search session belongs to another user")
	}
	return sess, nil
}

func (s *Service) get(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, apperr.Validation("session id is required")
	}
	sess, err := s.repo.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, apperr.NotFound("search session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load search session: %w", err)
	}
	return sess, nil
}
