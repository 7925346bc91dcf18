package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/ingest"
	"github.com/opentrusty/opencrm/internal/search"
	"github.com/opentrusty/opencrm/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchItems(ctx context.Context, datasetID string) ([]json.RawMessage, error) {
	args := m.Called(ctx, datasetID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]json.RawMessage), args.Error(1)
}

var dataset = []json.RawMessage{
	json.RawMessage(`{"title":"Bright Smiles","totalScore":4.8,"reviewsCount":120,"website":"https://bright.example"}`),
	json.RawMessage(`{"title":"Gentle Dental","totalScore":4.2,"reviewsCount":35}`),
}

func setup(t *testing.T) (*ingest.Service, *memory.DB, *memory.SearchStore, *mockFetcher, *audit.Recorder) {
	t.Helper()
	db := memory.New()
	store := memory.NewSearchStore(db)
	now := time.Now().UTC()
	require.NoError(t, store.Create(context.Background(), &search.Session{
		ID: "sess-1", UserID: "user-a", TenantID: "tenant-1",
		Status: search.StatusProcessing, CreatedAt: now, UpdatedAt: now,
	}))
	fetcher := &mockFetcher{}
	rec := audit.NewRecorder()
	return ingest.NewService(store, fetcher, rec), db, store, fetcher, rec
}

func succeeded(sessionID string) *ingest.Envelope {
	return &ingest.Envelope{
		EventType: ingest.EventRunSucceeded,
		EventData: ingest.EventData{ActorRunID: "run-1", SearchSessionID: sessionID},
		Resource:  ingest.Resource{ID: "run-1", Status: "SUCCEEDED", DefaultDatasetID: "ds-1"},
	}
}

// TestPurpose: Validates that a redelivered success webhook is not processed twice.
// Scope: Unit Test
// Expected: The first delivery inserts the results and completes the session; the second is a duplicate that inserts nothing and does not fetch again.
// Test Case ID: ING-02
func TestService_Handle_SucceededIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, db, store, fetcher, rec := setup(t)
	fetcher.On("FetchItems", mock.Anything, "ds-1").Return(dataset, nil).Once()

	out, err := svc.Handle(ctx, succeeded("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, ingest.ActionCompleted, out.Action)
	assert.Equal(t, 2, out.Inserted)

	out, err = svc.Handle(ctx, succeeded("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, ingest.ActionDuplicate, out.Action)
	assert.Equal(t, 0, out.Inserted)

	assert.Equal(t, 2, db.ResultCount("sess-1"))
	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, search.StatusCompleted, sess.Status)
	assert.Equal(t, 2, sess.ResultsCount)
	assert.NotNil(t, sess.CompletedAt)
	assert.Len(t, rec.OfType(audit.TypeWebhookProcessed), 1)
	fetcher.AssertExpectations(t)

	results, err := store.ListResults(ctx, "sess-1", 10, 0)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, "user-a", r.UserID)
		assert.Equal(t, "tenant-1", r.TenantID)
	}
}

// TestPurpose: Validates that a webhook for an unknown session fails closed.
// Scope: Unit Test
// Security: No ownerless rows are written (CWE-284)
// Expected: IngestionRejected with unknown_session, no fetch, no rows, and a webhook_rejected audit event.
// Test Case ID: ING-03
func TestService_Handle_UnknownSession(t *testing.T) {
	svc, db, _, fetcher, rec := setup(t)

	out, err := svc.Handle(context.Background(), succeeded("no-such-session"))
	assert.Nil(t, out)
	assert.True(t, apperr.IsKind(err, apperr.KindIngestionRejected))
	assert.Equal(t, apperr.ReasonUnknownSession, apperr.ReasonOf(err))
	assert.Equal(t, 0, db.ResultCount("no-such-session"))
	assert.Len(t, rec.OfType(audit.TypeWebhookRejected), 1)
	fetcher.AssertNotCalled(t, "FetchItems", mock.Anything, mock.Anything)
}

func TestService_Handle_MissingSessionID(t *testing.T) {
	svc, _, _, _, _ := setup(t)
	_, err := svc.Handle(context.Background(), succeeded(""))
	assert.Equal(t, apperr.ReasonMalformed, apperr.ReasonOf(err))
}

func TestService_Handle_UnknownEventIgnored(t *testing.T) {
	svc, _, store, _, _ := setup(t)
	out, err := svc.Handle(context.Background(), &ingest.Envelope{EventType: "ACTOR_BUILD_SUCCEEDED"})
	require.NoError(t, err)
	assert.Equal(t, ingest.ActionIgnored, out.Action)

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, search.StatusProcessing, sess.Status)
}

// TestPurpose: Validates failed and aborted runs and that they are terminal.
// Scope: Unit Test
// Expected: FAILED moves the session to failed and ABORTED to cancelled; later events are duplicates.
// Test Case ID: ING-04
func TestService_Handle_FailedAndAborted(t *testing.T) {
	ctx := context.Background()
	svc, _, store, fetcher, _ := setup(t)

	out, err := svc.Handle(ctx, &ingest.Envelope{
		EventType: ingest.EventRunFailed,
		EventData: ingest.EventData{SearchSessionID: "sess-1"},
		Resource:  ingest.Resource{StatusMessage: "proxy blocked"},
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.ActionFailed, out.Action)

	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, search.StatusFailed, sess.Status)
	assert.Equal(t, "proxy blocked", sess.Message)

	out, err = svc.Handle(ctx, &ingest.Envelope{
		EventType: ingest.EventRunAborted,
		EventData: ingest.EventData{SearchSessionID: "sess-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.ActionDuplicate, out.Action)

	out, err = svc.Handle(ctx, succeeded("sess-1"))
	require.NoError(t, err)
	assert.Equal(t, ingest.ActionDuplicate, out.Action)
	fetcher.AssertNotCalled(t, "FetchItems", mock.Anything, mock.Anything)

	sess, err = store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, search.StatusFailed, sess.Status)
}

func TestService_Handle_TimedOut(t *testing.T) {
	ctx := context.Background()
	svc, _, store, fetcher, _ := setup(t)

	out, err := svc.Handle(ctx, &ingest.Envelope{
		EventType: ingest.EventRunTimedOut,
		EventData: ingest.EventData{SearchSessionID: "sess-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.ActionFailed, out.Action)
	fetcher.AssertNotCalled(t, "FetchItems", mock.Anything, mock.Anything)

	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, search.StatusFailed, sess.Status)
	assert.Equal(t, "search job timed out", sess.Message)
}

func TestService_Handle_FetchFailureLeavesSessionOpen(t *testing.T) {
	ctx := context.Background()
	svc, db, store, fetcher, _ := setup(t)
	fetcher.On("FetchItems", mock.Anything, "ds-1").Return(nil, errors.New("503 from dataset api"))

	_, err := svc.Handle(ctx, succeeded("sess-1"))
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamUnavailable))
	assert.Equal(t, 0, db.ResultCount("sess-1"))

	sess, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, search.StatusProcessing, sess.Status)
}
