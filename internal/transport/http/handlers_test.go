package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/authz"
	"github.com/opentrusty/opencrm/internal/crm"
	"github.com/opentrusty/opencrm/internal/ingest"
	"github.com/opentrusty/opencrm/internal/observability/metrics"
	"github.com/opentrusty/opencrm/internal/principal"
	"github.com/opentrusty/opencrm/internal/search"
	"github.com/opentrusty/opencrm/internal/store/memory"
	"github.com/opentrusty/opencrm/internal/tenant"
)

const (
	testJWTSecret     = "test-jwt-secret"
	testWebhookSecret = "test-webhook-secret"
)

type fakeRunner struct {
	err  error
	runs int
}

func (f *fakeRunner) StartRun(_ context.Context, _ *search.Session) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.runs++
	return "run-1", nil
}

type fakeFetcher struct {
	items []json.RawMessage
	calls int
}

func (f *fakeFetcher) FetchItems(_ context.Context, _ string) ([]json.RawMessage, error) {
	f.calls++
	return f.items, nil
}

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }

type testServer struct {
	router   http.Handler
	db       *memory.DB
	tenants  *memory.TenantStore
	audit    *audit.Recorder
	signer   *principal.Signer
	webhooks *ingest.Verifier
	runner   *fakeRunner
	fetcher  *fakeFetcher
}

// newTestServer wires the router over the memory store. Tenant t1 has
// alice (owner) and bob (member); carol has no tenant.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, RouterConfig{}, pingStub{})
}

func newTestServerWith(t *testing.T, cfg RouterConfig, db Pinger) *testServer {
	t.Helper()
	ctx := context.Background()
	mem := memory.New()
	ts := memory.NewTenantStore(mem)

	t1 := &tenant.Tenant{ID: "t1", Name: "Acme", Slug: "acme", Status: tenant.StatusActive}
	t1.ApplyPlan(tenant.PlanPro)
	ts.PutTenant(t1)
	for userID, role := range map[string]string{"alice": tenant.RoleOwner, "bob": tenant.RoleMember} {
		require.NoError(t, ts.AddMembership(ctx, &tenant.Membership{
			ID: "t1-" + userID, TenantID: "t1", UserID: userID, Role: role,
			Permissions: tenant.DefaultPermissions(role), Status: tenant.MembershipActive,
		}))
		require.NoError(t, ts.SetCurrentTenant(ctx, userID, "t1"))
	}

	rec := audit.NewRecorder()
	resolver := authz.NewResolver(ts, rec)
	sessions := memory.NewSearchStore(mem)
	runner := &fakeRunner{}
	fetcher := &fakeFetcher{}
	webhooks := ingest.NewVerifier(testWebhookSecret)
	pcfg := principal.Config{Secret: testJWTSecret}

	h := NewHandler(Dependencies{
		CRM:        crm.NewService(memory.NewCRMStore(mem), resolver, ts, rec),
		Tenants:    tenant.NewService(ts, ts, ts, rec),
		Bootstrap:  tenant.NewBootstrapService(ts, ts, rec),
		Resolver:   resolver,
		Search:     search.NewService(sessions, resolver, runner, rec),
		Ingest:     ingest.NewService(sessions, fetcher, rec),
		Principals: principal.NewVerifier(pcfg),
		Webhooks:   webhooks,
		Metrics:    metrics.NewHTTPMetrics("opencrm"),
		DB:         db,
	})

	return &testServer{
		router:   NewRouter(h, cfg),
		db:       mem,
		tenants:  ts,
		audit:    rec,
		signer:   principal.NewSigner(pcfg),
		webhooks: webhooks,
		runner:   runner,
		fetcher:  fetcher,
	}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.signer.Sign(userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends body as JSON on behalf of userID. An empty userID sends no
// Authorization header.
func (s *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// TestPurpose: Validates that every API route requires a valid bearer token.
// Scope: Unit Test
// Security: Authentication boundary (CWE-306)
// Expected: Missing, malformed and wrongly signed tokens get 401 authentication_missing and are counted on /metrics.
// Test Case ID: HTTP-01
func TestRouter_RequiresBearerToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, string(apperr.KindAuthenticationMissing), decodeBody[ErrorResponse](t, w).Code)

	forged, err := principal.NewSigner(principal.Config{Secret: "other"}).Sign("alice", "", time.Hour)
	require.NoError(t, err)
	for _, header := range []string{"Basic abc", "Bearer " + forged} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}

	w = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "opencrm_auth_failures_total 3")
}

// TestPurpose: Validates CRUD through the router with server-derived tenant scope.
// Scope: Unit Test
// Security: Tenant isolation (CWE-639)
// Expected: Created records carry the caller's tenant and id; a forged tenant_id is rejected with wrong_tenant; list, get, patch and delete round-trip.
// Test Case ID: HTTP-02
func TestRouter_RecordLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/accounts", "alice", map[string]any{"name": "Acme", "industry": "Software"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	acc := decodeBody[crm.Account](t, w)
	assert.Equal(t, "t1", acc.TenantID)
	assert.Equal(t, "alice", acc.CreatedBy)

	w = s.do(t, http.MethodPost, "/api/v1/accounts", "alice", map[string]any{"name": "Evil", "tenant_id": "t2"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.ReasonWrongTenant, decodeBody[ErrorResponse](t, w).Reason)
	assert.False(t, decodeBody[ErrorResponse](t, w).BootstrapRequired)

	w = s.do(t, http.MethodGet, "/api/v1/accounts?industry=Software&limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decodeBody[struct {
		Data  []crm.Account `json:"data"`
		Limit int           `json:"limit"`
	}](t, w)
	require.Len(t, list.Data, 1)
	assert.Equal(t, "Acme", list.Data[0].Name)
	assert.Equal(t, 10, list.Limit)

	w = s.do(t, http.MethodPatch, "/api/v1/accounts/"+acc.ID, "bob", map[string]any{"name": "Hijack"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.ReasonOwnershipMismatch, decodeBody[ErrorResponse](t, w).Reason)

	w = s.do(t, http.MethodPatch, "/api/v1/accounts/"+acc.ID, "alice", map[string]any{"name": "Acme Corp"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Acme Corp", decodeBody[crm.Account](t, w).Name)

	w = s.do(t, http.MethodGet, "/api/v1/accounts/"+acc.ID, "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Acme Corp", decodeBody[crm.Account](t, w).Name)

	w = s.do(t, http.MethodDelete, "/api/v1/accounts/"+acc.ID, "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/accounts/"+acc.ID, "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_AccountExpand(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/accounts", "alice", map[string]any{"name": "Acme"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	acc := decodeBody[crm.Account](t, w)

	w = s.do(t, http.MethodPost, "/api/v1/contacts", "alice", map[string]any{
		"first_name": "Ada", "last_name": "Lovelace", "account_id": acc.ID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/accounts/"+acc.ID+"?expand=contacts,deals", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	detail := decodeBody[crm.AccountDetail](t, w)
	assert.Equal(t, "Acme", detail.Name)
	require.Len(t, detail.Contacts, 1)
	assert.Equal(t, "Ada", detail.Contacts[0].FirstName)

	w = s.do(t, http.MethodGet, "/api/v1/contacts/"+acc.ID+"?expand=deals", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_BadRequests(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/v1/accounts", "alice", map[string]any{"name": "Acme"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	accountPath := "/api/v1/accounts/" + decodeBody[crm.Account](t, w).ID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown entity", http.MethodGet, "/api/v1/widgets", nil, http.StatusNotFound},
		{"non-numeric limit", http.MethodGet, "/api/v1/accounts?limit=ten", nil, http.StatusBadRequest},
		{"unknown filter", http.MethodGet, "/api/v1/accounts?password=x", nil, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/api/v1/accounts", map[string]any{}, http.StatusBadRequest},
		{"negative offset", http.MethodGet, "/api/v1/accounts?offset=-1", nil, http.StatusBadRequest},
		{"empty patch", http.MethodPatch, accountPath, map[string]any{}, http.StatusBadRequest},
		{"immutable field", http.MethodPatch, accountPath, map[string]any{"created_at": "2026-01-01"}, http.StatusBadRequest},
		{"wrong type", http.MethodPatch, accountPath, map[string]any{"employee_count": "many"}, http.StatusBadRequest},
		{"unknown record", http.MethodPatch, "/api/v1/accounts/missing", map[string]any{"name": "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, tt.method, tt.path, "alice", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestRouter_Dashboard(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/v1/deals", "alice", map[string]any{
		"name": "Big", "value": 1000, "probability": 50, "stage": crm.StageProposal,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/dashboard", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stats := decodeBody[crm.Stats](t, w)
	assert.InDelta(t, 500, stats.Deals.PipelineValue, 0.001)
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newTestServerWith(t, RouterConfig{}, pingStub{err: errors.New("connection refused")})
	w = down.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Unauthenticated("x"), http.StatusUnauthorized},
		{apperr.Denied(apperr.ReasonNotMember, "x"), http.StatusForbidden},
		{apperr.Validation("x"), http.StatusBadRequest},
		{apperr.NotFound("x"), http.StatusNotFound},
		{apperr.Conflict("x", nil), http.StatusConflict},
		{apperr.Upstream("x", nil), http.StatusServiceUnavailable},
		{apperr.Rejected(apperr.ReasonBadSignature, "x"), http.StatusUnauthorized},
		{apperr.Rejected(apperr.ReasonUnknownSession, "x"), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRespondAppError_HidesInternalDetail(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	respondAppError(w, req, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, strings.Contains(w.Body.String(), "password"))
	assert.Equal(t, "internal", decodeBody[ErrorResponse](t, w).Code)
}
