package search_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/authz"
	"github.com/opentrusty/opencrm/internal/search"
	"github.com/opentrusty/opencrm/internal/store/memory"
	"github.com/opentrusty/opencrm/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) StartRun(ctx context.Context, s *search.Session) (string, error) {
	args := m.Called(ctx, s)
	return args.String(0), args.Error(1)
}

type fixture struct {
	svc      *search.Service
	sessions *memory.SearchStore
	runner   *mockRunner
	audit    *audit.Recorder
}

func newFixture(t *testing.T, members ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	db := memory.New()
	ts := memory.NewTenantStore(db)
	ts.PutTenant(&tenant.Tenant{ID: "tenant-1", Slug: "acme", Status: tenant.StatusActive})
	for _, u := range members {
		require.NoError(t, ts.SetCurrentTenant(ctx, u, "tenant-1"))
		require.NoError(t, ts.AddMembership(ctx, &tenant.Membership{
			ID: "m-" + u, TenantID: "tenant-1", UserID: u,
			Role: tenant.RoleMember, Status: tenant.MembershipActive,
		}))
	}
	rec := audit.NewRecorder()
	runner := &mockRunner{}
	sessions := memory.NewSearchStore(db)
	svc := search.NewService(sessions, authz.NewResolver(ts, rec), runner, rec)
	return &fixture{svc: svc, sessions: sessions, runner: runner, audit: rec}
}

var criteria = search.Criteria{MarketVertical: "dentists", Geography: "Austin, TX", BatchSize: 50}

// TestPurpose: Validates that triggering a search records a processing session owned by the caller.
// Scope: Unit Test
// Expected: The session is stored with the caller's user and tenant, the run id is kept and the estimate follows the batch size.
// Test Case ID: SRCH-03
func TestService_Trigger(t *testing.T) {
	f := newFixture(t, "user-a")
	f.runner.On("StartRun", mock.Anything, mock.AnythingOfType("*search.Session")).Return("run-1", nil)

	res, err := f.svc.Trigger(context.Background(), "user-a", criteria)
	require.NoError(t, err)
	assert.Equal(t, search.StatusProcessing, res.Status)
	assert.Equal(t, "4-7 minutes", res.Estimate.Label)

	sess, err := f.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "user-a", sess.UserID)
	assert.Equal(t, "tenant-1", sess.TenantID)
	assert.Equal(t, "run-1", sess.RunID)
	assert.Equal(t, search.StatusProcessing, sess.Status)
	assert.Len(t, f.audit.OfType(audit.TypeSearchInitiated), 1)
	f.runner.AssertExpectations(t)
}

// TestPurpose: Validates the behavior when the job runner cannot be reached.
// Scope: Unit Test
// Expected: The caller gets an upstream error and the session is left failed, not stuck in initiated.
// Test Case ID: SRCH-04
func TestService_Trigger_RunnerDown(t *testing.T) {
	f := newFixture(t, "user-a")
	var created *search.Session
	f.runner.On("StartRun", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { created = args.Get(1).(*search.Session) }).
		Return("", errors.New("connection refused"))

	_, err := f.svc.Trigger(context.Background(), "user-a", criteria)
	assert.True(t, apperr.IsKind(err, apperr.KindUpstreamUnavailable))

	require.NotNil(t, created)
	sess, err := f.sessions.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, search.StatusFailed, sess.Status)
}

func TestService_Trigger_RequiresProvisionedMember(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Trigger(context.Background(), "stranger", criteria)
	assert.Equal(t, apperr.ReasonUnprovisioned, apperr.ReasonOf(err))
	f.runner.AssertNotCalled(t, "StartRun", mock.Anything, mock.Anything)
}

// TestPurpose: Validates that progress is only visible to the session owner.
// Scope: Unit Test
// Security: Session ownership (CWE-639)
// Expected: The owner sees status and step; another member of the same tenant is denied with ownership_mismatch.
// Test Case ID: SRCH-05
func TestService_GetProgress_OwnerOnly(t *testing.T) {
	f := newFixture(t, "user-a", "user-b")
	f.runner.On("StartRun", mock.Anything, mock.Anything).Return("run-1", nil)
	res, err := f.svc.Trigger(context.Background(), "user-a", criteria)
	require.NoError(t, err)

	p, err := f.svc.GetProgress(context.Background(), "user-a", res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Step)
	assert.Equal(t, search.TotalSteps, p.TotalSteps)

	_, err = f.svc.GetProgress(context.Background(), "user-b", res.SessionID)
	assert.Equal(t, apperr.ReasonOwnershipMismatch, apperr.ReasonOf(err))

	_, err = f.svc.GetProgress(context.Background(), "user-a", "missing")
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = f.svc.Results(context.Background(), "user-b", res.SessionID, 10, 0)
	assert.Equal(t, apperr.ReasonOwnershipMismatch, apperr.ReasonOf(err))
}

// TestPurpose: Validates runner progress pushes against the state machine.
// Scope: Unit Test
// Expected: Forward phases apply; backward phases and pushes after a terminal state are no-ops; terminal statuses cannot be pushed.
// Test Case ID: SRCH-06
func TestService_PushProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-a")
	f.runner.On("StartRun", mock.Anything, mock.Anything).Return("run-1", nil)
	res, err := f.svc.Trigger(ctx, "user-a", criteria)
	require.NoError(t, err)

	changed, err := f.svc.PushProgress(ctx, res.SessionID, search.Update{Status: "scoring", ProcessedCount: 20, TotalCount: 50})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.PushProgress(ctx, res.SessionID, search.Update{Status: search.StatusScraping})
	require.NoError(t, err)
	assert.False(t, changed)

	p, err := f.svc.GetProgress(ctx, "user-a", res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, search.StatusScoring, p.Status)
	assert.Equal(t, 20, p.ProcessedCount)
	assert.Equal(t, 50, p.TotalCount)

	_, err = f.svc.PushProgress(ctx, res.SessionID, search.Update{Status: search.StatusCompleted})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	_, err = f.svc.PushProgress(ctx, res.SessionID, search.Update{Status: "bogus"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	ok, err := f.sessions.Transition(ctx, res.SessionID, search.Update{Status: search.StatusCancelled})
	require.NoError(t, err)
	require.True(t, ok)

	changed, err = f.svc.PushProgress(ctx, res.SessionID, search.Update{Status: search.StatusFinalizing})
	require.NoError(t, err)
	assert.False(t, changed)

	p, err = f.svc.GetProgress(ctx, "user-a", res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, search.StatusCancelled, p.Status)
	assert.Equal(t, -1, p.Step)
}

func TestService_SweepStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "user-a")
	f.runner.On("StartRun", mock.Anything, mock.Anything).Return("run-1", nil)
	res, err := f.svc.Trigger(ctx, "user-a", criteria)
	require.NoError(t, err)

	n, err := f.svc.SweepStale(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.svc.SweepStale(ctx, -time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sess, err := f.sessions.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, search.StatusFailed, sess.Status)
}
