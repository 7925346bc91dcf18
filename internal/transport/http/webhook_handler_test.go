package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/ingest"
	"github.com/opentrusty/opencrm/internal/search"
)

// post sends a raw webhook body. sign selects whether the signature header
// is set from the server's secret.
func (s *testServer) post(t *testing.T, path string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		req.Header.Set(ingest.SignatureHeader, "sha256="+s.webhooks.Sign(body))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) trigger(t *testing.T, userID string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/search", userID, search.Criteria{
		MarketVertical: "dentists",
		Geography:      "Austin, TX",
		BatchSize:      50,
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	res := decodeBody[search.TriggerResult](t, w)
	assert.Equal(t, search.StatusProcessing, res.Status)
	assert.Equal(t, "4-7 minutes", res.Estimate.Label)
	return res.SessionID
}

func envelope(t *testing.T, eventType, sessionID string) []byte {
	t.Helper()
	b, err := json.Marshal(ingest.Envelope{
		EventType: eventType,
		EventData: ingest.EventData{ActorRunID: "run-1", SearchSessionID: sessionID},
		Resource:  ingest.Resource{ID: "run-1", DefaultDatasetID: "ds-1"},
	})
	require.NoError(t, err)
	return b
}

// TestPurpose: Validates the search lifecycle from trigger to completed webhook.
// Scope: Unit Test
// Security: Webhook idempotence and owner derivation
// Expected: A signed success event stores normalized rows owned by the session's user and completes the session; a redelivery is a no-op.
// Test Case ID: WH-01
func TestWebhook_CompletesSessionOnce(t *testing.T) {
	s := newTestServer(t)
	s.fetcher.items = []json.RawMessage{
		json.RawMessage(`{"title":"Smile Dental","address":"1 Main St","totalScore":4.8,"reviewsCount":120,"website":"https://smile.example","phone":"555"}`),
		json.RawMessage(`{"title":"Tooth Co","address":"2 Main St","totalScore":4.1,"reviewsCount":8}`),
		json.RawMessage(`{"address":"no name"}`),
	}
	sessionID := s.trigger(t, "alice")

	body := envelope(t, ingest.EventRunSucceeded, sessionID)
	w := s.post(t, "/webhooks/job-runner", body, true)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeBody[ingest.Outcome](t, w)
	assert.Equal(t, ingest.ActionCompleted, out.Action)
	assert.Equal(t, 2, out.Inserted)
	assert.Equal(t, 2, s.db.ResultCount(sessionID))

	w = s.post(t, "/webhooks/job-runner", body, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ingest.ActionDuplicate, decodeBody[ingest.Outcome](t, w).Action)
	assert.Equal(t, 2, s.db.ResultCount(sessionID))
	assert.Equal(t, 1, s.fetcher.calls)

	w = s.do(t, http.MethodGet, "/api/v1/search/"+sessionID+"/progress", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decodeBody[search.Progress](t, w)
	assert.Equal(t, search.StatusCompleted, p.Status)
	assert.Equal(t, search.TotalSteps, p.Step)
	assert.Equal(t, 2, p.ResultsCount)

	w = s.do(t, http.MethodGet, "/api/v1/search/"+sessionID+"/results?limit=1", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	results := decodeBody[struct {
		Data []search.Result `json:"data"`
	}](t, w)
	require.Len(t, results.Data, 1)
	assert.Equal(t, "alice", results.Data[0].UserID)
	assert.Equal(t, "t1", results.Data[0].TenantID)
}

// TestPurpose: Validates that a session's progress is only visible to its owner.
// Scope: Unit Test
// Security: Ownership check on user-owned resources (CWE-639)
// Expected: Another member of the same tenant gets 403 ownership_mismatch; an unknown id is 404.
// Test Case ID: WH-02
func TestSearch_ProgressOwnership(t *testing.T) {
	s := newTestServer(t)
	sessionID := s.trigger(t, "alice")

	w := s.do(t, http.MethodGet, "/api/v1/search/"+sessionID+"/progress", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.ReasonOwnershipMismatch, decodeBody[ErrorResponse](t, w).Reason)

	w = s.do(t, http.MethodGet, "/api/v1/search/"+sessionID+"/results", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/search/unknown/progress", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearch_Trigger(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/search", "alice", search.Criteria{MarketVertical: "dentists"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/search", "alice", search.Criteria{
		MarketVertical: "dentists", Geography: "Austin", BatchSize: 30,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/search", "carol", search.Criteria{MarketVertical: "dentists", Geography: "Austin"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.True(t, decodeBody[ErrorResponse](t, w).BootstrapRequired)

	s.runner.err = errors.New("dial tcp: connection refused")
	w = s.do(t, http.MethodPost, "/api/v1/search", "alice", search.Criteria{MarketVertical: "dentists", Geography: "Austin"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, string(apperr.KindUpstreamUnavailable), decodeBody[ErrorResponse](t, w).Code)
}

// TestPurpose: Validates webhook signature verification on the raw body.
// Scope: Unit Test
// Security: Message authentication (CWE-345)
// Expected: Unsigned and tampered bodies are rejected with 401 bad_signature, recorded in the audit log, and change nothing.
// Test Case ID: WH-03
func TestWebhook_RejectsBadSignature(t *testing.T) {
	s := newTestServer(t)
	sessionID := s.trigger(t, "alice")
	body := envelope(t, ingest.EventRunFailed, sessionID)

	w := s.post(t, "/webhooks/job-runner", body, false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apperr.ReasonBadSignature, decodeBody[ErrorResponse](t, w).Reason)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/job-runner", bytes.NewReader(body))
	req.Header.Set(ingest.SignatureHeader, s.webhooks.Sign(append([]byte(" "), body...)))
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Len(t, s.audit.OfType(audit.TypeWebhookRejected), 2)

	w = s.do(t, http.MethodGet, "/api/v1/search/"+sessionID+"/progress", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, search.StatusProcessing, decodeBody[search.Progress](t, w).Status)
}

func TestWebhook_EventRouting(t *testing.T) {
	s := newTestServer(t)

	t.Run("unknown event type is acknowledged", func(t *testing.T) {
		w := s.post(t, "/webhooks/job-runner", envelope(t, "ACTOR_BUILD_SUCCEEDED", ""), true)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, ingest.ActionIgnored, decodeBody[ingest.Outcome](t, w).Action)
	})

	t.Run("unknown session is rejected", func(t *testing.T) {
		w := s.post(t, "/webhooks/job-runner", envelope(t, ingest.EventRunSucceeded, "nope"), true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apperr.ReasonUnknownSession, decodeBody[ErrorResponse](t, w).Reason)
		assert.Equal(t, 0, s.fetcher.calls)
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		w := s.post(t, "/webhooks/job-runner", []byte(`{"eventType":`), true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, apperr.ReasonMalformed, decodeBody[ErrorResponse](t, w).Reason)
	})

	t.Run("session id from callback query", func(t *testing.T) {
		sessionID := s.trigger(t, "bob")
		w := s.post(t, "/webhooks/job-runner?session_id="+sessionID, envelope(t, ingest.EventRunAborted, ""), true)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, ingest.ActionCancelled, decodeBody[ingest.Outcome](t, w).Action)

		w = s.do(t, http.MethodGet, "/api/v1/search/"+sessionID+"/progress", "bob", nil)
		require.Equal(t, http.StatusOK, w.Code)
		p := decodeBody[search.Progress](t, w)
		assert.Equal(t, search.StatusCancelled, p.Status)
		assert.Equal(t, -1, p.Step)
	})
}

func TestWebhook_PushProgress(t *testing.T) {
	s := newTestServer(t)
	sessionID := s.trigger(t, "alice")

	push := func(status string) *httptest.ResponseRecorder {
		body, err := json.Marshal(ProgressRequest{SessionID: sessionID, Status: status, ProcessedCount: 10, TotalCount: 50})
		require.NoError(t, err)
		return s.post(t, "/webhooks/job-runner/progress", body, true)
	}

	w := push("analyzing")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decodeBody[map[string]any](t, w)["applied"])

	w = push("scraping")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody[map[string]any](t, w)["applied"])

	w = push("completed")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/search/"+sessionID+"/progress", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decodeBody[search.Progress](t, w)
	assert.Equal(t, search.StatusAnalyzing, p.Status)
	assert.Equal(t, 3, p.Step)
	assert.Equal(t, 10, p.ProcessedCount)

	w = s.post(t, "/webhooks/job-runner/progress", []byte(`{"session_id":"x","status":"scoring"}`), false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
