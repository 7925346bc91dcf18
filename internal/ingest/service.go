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

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/observability/logger"
	"github.com/opentrusty/opencrm/internal/search"
)

// Action describes what Handle did with an event.
type Action string

const (
	ActionIgnored   Action = "ignored"
	ActionDuplicate Action = "duplicate"
	ActionCompleted Action = "completed"
	ActionFailed    Action = "failed"
	ActionCancelled Action = "cancelled"
)

// Outcome is the result of handling one webhook.
type Outcome struct {
	Action    Action `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	Inserted  int    `json:"inserted"`
}

// SessionStore is the part of the search repository ingestion needs.
type SessionStore interface {
	Get(ctx context.Context, id string) (*search.Session, error)
	Transition(ctx context.Context, id string, upd search.Update) (bool, error)
	Complete(ctx context.Context, id string, results []*search.Result) (bool, error)
}

// DatasetFetcher downloads the rows a finished run produced.
type DatasetFetcher interface {
	FetchItems(ctx context.Context, datasetID string) ([]json.RawMessage, error)
}

// Service applies job-runner events to search sessions. The owning user
// and tenant always come from the stored session, never from the payload.
type Service struct {
	sessions    SessionStore
	fetcher     DatasetFetcher
	auditLogger audit.Logger
	now         func() time.Time
}

// NewService creates a new ingestion service
func NewService(sessions SessionStore, fetcher DatasetFetcher, auditLogger audit.Logger) *Service {
	return &Service{
		sessions:    sessions,
		fetcher:     fetcher,
		auditLogger: auditLogger,
		now:         time.Now,
	}
}

// Handle applies one event. Unknown event types are ignored. Events for a
// session that is already terminal are reported as duplicates and write
// nothing. An event for a missing session is rejected as a whole.
func (s *Service) Handle(ctx context.Context, env *Envelope) (*Outcome, error) {
	ctx, span := otel.Tracer("opencrm/ingest").Start(ctx, "ingest.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.event_type", env.EventType))

	if !env.Known() {
		slog.InfoContext(ctx, "ignoring webhook event", logger.EventType(env.EventType))
		return &Outcome{Action: ActionIgnored}, nil
	}

	sessionID := env.EventData.SearchSessionID
	if sessionID == "" {
		return nil, s.reject(ctx, env, apperr.Rejected(apperr.ReasonMalformed, "search session id is missing"))
	}
	span.SetAttributes(attribute.String("search.session_id", sessionID))

	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, search.ErrSessionNotFound) {
		return nil, s.reject(ctx, env, apperr.Rejected(apperr.ReasonUnknownSession, "search session not found"))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session lookup failed")
		return nil, fmt.Errorf("failed to load search session: %w", err)
	}

	out := &Outcome{SessionID: sess.ID}
	if sess.Status.Terminal() {
		out.Action = ActionDuplicate
		slog.InfoContext(ctx, "webhook for finished search session",
			logger.SearchSessionID(sess.ID),
			logger.String("status", string(sess.Status)),
		)
		return out, nil
	}

	var changed bool
	switch env.EventType {
	case EventRunSucceeded:
		out.Action = ActionCompleted
		changed, out.Inserted, err = s.complete(ctx, env, sess)
	case EventRunFailed:
		out.Action = ActionFailed
		changed, err = s.sessions.Transition(ctx, sess.ID, search.Update{
			Status:  search.StatusFailed,
			Message: messageOr(env.Resource.StatusMessage, "search job failed"),
		})
	case EventRunTimedOut:
		out.Action = ActionFailed
		changed, err = s.sessions.Transition(ctx, sess.ID, search.Update{
			Status:  search.StatusFailed,
			Message: messageOr(env.Resource.StatusMessage, "search job timed out"),
		})
	case EventRunAborted:
		out.Action = ActionCancelled
		changed, err = s.sessions.Transition(ctx, sess.ID, search.Update{
			Status:  search.StatusCancelled,
			Message: messageOr(env.Resource.StatusMessage, "search job was aborted"),
		})
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingestion failed")
		return nil, err
	}
	if !changed {
		return &Outcome{Action: ActionDuplicate, SessionID: sess.ID}, nil
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeWebhookProcessed,
		TenantID: sess.TenantID,
		ActorID:  sess.UserID,
		Resource: "search_session",
		Metadata: map[string]any{
			"session_id": sess.ID,
			"event_type": env.EventType,
			"run_id":     env.RunID(),
			"inserted":   out.Inserted,
		},
	})
	return out, nil
}

func (s *Service) complete(ctx context.Context, env *Envelope, sess *search.Session) (bool, int, error) {
	datasetID := env.Resource.DefaultDatasetID
	if datasetID == "" {
		return false, 0, s.reject(ctx, env, apperr.Rejected(apperr.ReasonMalformed, "defaultDatasetId is missing"))
	}

	raw, err := s.fetcher.FetchItems(ctx, datasetID)
	if err != nil {
		return false, 0, apperr.Upstream("failed to fetch search results", err)
	}
	results := Normalize(DecodeItems(raw), sess, s.now().UTC())

	changed, err := s.sessions.Complete(ctx, sess.ID, results)
	if err != nil {
		return false, 0, fmt.Errorf("failed to store search results: %w", err)
	}
	if !changed {
		return false, 0, nil
	}
	slog.InfoContext(ctx, "search session completed",
		logger.SearchSessionID(sess.ID),
		logger.RunID(env.RunID()),
		slog.Int("fetched", len(raw)),
		slog.Int("inserted", len(results)),
	)
	return true, len(results), nil
}

func (s *Service) reject(ctx context.Context, env *Envelope, err *apperr.Error) error {
	slog.WarnContext(ctx, "webhook rejected",
		logger.EventType(env.EventType),
		logger.SearchSessionID(env.EventData.SearchSessionID),
		logger.Reason(err.Reason),
	)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeWebhookRejected,
		Resource: "search_session",
		Metadata: map[string]any{
			"session_id": env.EventData.SearchSessionID,
			"event_type": env.EventType,
			"reason":     err.Reason,
		},
	})
	return err
}

// RejectSignature records a body that failed verification. It is called
// by the receiver before the body is parsed.
func (s *Service) RejectSignature(ctx context.Context, err error) {
	slog.WarnContext(ctx, "webhook signature rejected", logger.Error(err))
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeWebhookRejected,
		Resource: "search_session",
		Metadata: map[string]any{"reason": apperr.ReasonBadSignature},
	})
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}
