package guardian

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covenant-labs/warden/pkg/audit"
	"github.com/covenant-labs/warden/pkg/contracts"
	"github.com/covenant-labs/warden/pkg/delegate"
	"github.com/covenant-labs/warden/pkg/handoff"
	"github.com/covenant-labs/warden/pkg/loopdetect"
	"github.com/covenant-labs/warden/pkg/permission"
	"github.com/covenant-labs/warden/pkg/trustcatalog"
	"github.com/covenant-labs/warden/pkg/twofactor"
)

type okLimiter struct{ allow bool }

func (l okLimiter) Allow(context.Context, string, int) (bool, error) { return l.allow, nil }

type harness struct {
	g     *Guardian
	store *audit.MemoryStore
	now   *time.Time
}

type harnessOption func(*Components)

func withArbiter(a *delegate.Arbiter) harnessOption {
	return func(c *Components) { c.Arbiter = a }
}

func withAuthorize(fn AuthorizeFunc) harnessOption {
	return func(c *Components) { c.Authorize = fn }
}

func newHarness(t *testing.T, limiter okLimiter, opts ...harnessOption) *harness {
	t.Helper()

	now := time.Now().UTC()
	clock := func() time.Time { return now }

	store := audit.NewMemoryStore()
	logger, err := audit.NewLogger(context.Background(), store)
	require.NoError(t, err)
	logger.WithClock(clock)

	catalog := trustcatalog.Default()
	perms, err := permission.NewManager(catalog, limiter, permission.WithClock(clock))
	require.NoError(t, err)

	c := Components{
		Catalog:     catalog,
		Permissions: perms,
		Audit:       logger,
		Loops:       loopdetect.New(loopdetect.Config{}).WithClock(clock),
		Handoffs: handoff.NewManager(handoff.Config{
			DefaultDeadline: time.Hour,
			SigningKey:      []byte("guardian-test-key"),
		}).WithClock(clock),
		Challenges: twofactor.NewManager(twofactor.Config{}).WithClock(clock),
	}
	for _, opt := range opts {
		opt(&c)
	}

	g, err := New(c)
	require.NoError(t, err)
	g.WithClock(clock)
	return &harness{g: g, store: store, now: &now}
}

func guardedAction(cat contracts.ActionCategory, risk contracts.RiskLevel) *contracts.Action {
	return &contracts.Action{
		ID:        "act-" + string(cat),
		Type:      "demo." + string(cat),
		Category:  cat,
		Risk:      risk,
		Requester: contracts.Requester{ID: "agent-1", Type: contracts.RequesterAgent},
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "org-1")
	require.NoError(t, err)
	assert.NotEmpty(t, tctx.SessionID)
	assert.Equal(t, contracts.TrustGuided, tctx.Level)

	got, err := h.g.Session(tctx.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)

	require.NoError(t, h.g.EndSession(ctx, tctx.SessionID))
	_, err = h.g.Session(tctx.SessionID)
	assert.ErrorIs(t, err, contracts.ErrSessionNotFound)

	entries, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, audit.KindSession, entries[0].Kind)
	assert.Equal(t, "created", entries[0].Decision)
	assert.Equal(t, "ended", entries[1].Decision)
}

func TestAllowedActionExecutes(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	ran := false
	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategoryRead, contracts.RiskLow),
		func(context.Context, *contracts.Action) error {
			ran = true
			return nil
		})
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.True(t, ran)
	assert.Equal(t, contracts.DecisionAllow, res.Result.Decision)
	assert.Equal(t, 1, res.Context.ActionsThisSession)

	// permission check and execution entries follow the session entry.
	entries, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, audit.KindPermissionCheck, entries[1].Kind)
	assert.Equal(t, audit.KindExecution, entries[2].Kind)
}

func TestGatedActionOpensHandoff(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	events, cancel := h.g.Subscribe()
	defer cancel()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustObserveOnly, "")
	require.NoError(t, err)

	ran := false
	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategoryRead, contracts.RiskNone),
		func(context.Context, *contracts.Action) error {
			ran = true
			return nil
		})
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.False(t, ran, "gated action must not run")
	assert.Equal(t, contracts.DecisionRequireApproval, res.Result.Decision)
	require.NotNil(t, res.Handoff)
	assert.Equal(t, contracts.HandoffPending, res.Handoff.Status)

	ev := <-events
	assert.Equal(t, EventHandoffRequested, ev.Type)
	assert.Equal(t, res.Handoff.ID, ev.Handoff.ID)
}

func TestDeniedCategoryReturnsPolicyDenied(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	catalog, err := trustcatalog.Default().ApplyProfile([]byte(`
name: locked-down
levels:
  GUIDED:
    denied_categories: [SECURITY]
`))
	require.NoError(t, err)

	store := audit.NewMemoryStore()
	logger, err := audit.NewLogger(context.Background(), store)
	require.NoError(t, err)
	logger.WithClock(clock)
	perms, err := permission.NewManager(catalog, okLimiter{allow: true}, permission.WithClock(clock))
	require.NoError(t, err)

	g, err := New(Components{
		Catalog:     catalog,
		Permissions: perms,
		Audit:       logger,
		Loops:       loopdetect.New(loopdetect.Config{}).WithClock(clock),
		Handoffs:    handoff.NewManager(handoff.Config{SigningKey: []byte("k")}).WithClock(clock),
		Challenges:  twofactor.NewManager(twofactor.Config{}).WithClock(clock),
	})
	require.NoError(t, err)
	g.WithClock(clock)

	ctx := context.Background()
	tctx, err := g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	res, err := g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategorySecurity, contracts.RiskLow), nil)
	assert.ErrorIs(t, err, contracts.ErrPolicyDenied)
	require.NotNil(t, res)
	assert.False(t, res.Executed)
	assert.Nil(t, res.Handoff, "a terminal deny opens no handoff")
}

func TestRateLimitedDenyIsRetryable(t *testing.T) {
	h := newHarness(t, okLimiter{allow: false})
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategoryRead, contracts.RiskLow), nil)
	assert.ErrorIs(t, err, contracts.ErrRateLimited)
	require.NotNil(t, res)
	assert.False(t, res.Executed)
}

func TestTwoFactorRoundTrip(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	events, cancel := h.g.Subscribe()
	defer cancel()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustSupervised, "")
	require.NoError(t, err)

	action := guardedAction(contracts.CategoryUpdate, contracts.RiskHigh)
	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, action, nil)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, contracts.DecisionRequire2FA, res.Result.Decision)
	require.NotNil(t, res.TwoFactor)

	ev := <-events
	require.Equal(t, EventChallengeRequested, ev.Type)
	require.NotEmpty(t, ev.ChallengeCode)

	ok, err := h.g.VerifyTwoFactor(ctx, tctx.SessionID, res.TwoFactor.ID, ev.ChallengeCode)
	require.NoError(t, err)
	assert.True(t, ok)

	// The retried action now clears the risk gate.
	res, err = h.g.ExecuteAction(ctx, tctx.SessionID, action, nil)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.True(t, res.Context.TwoFactorVerified)

	// Clearing verification forces a fresh challenge next time.
	require.NoError(t, h.g.ClearTwoFactor(tctx.SessionID))
	other := guardedAction(contracts.CategoryUpdate, contracts.RiskHigh)
	other.ID = "act-other"
	other.ResourceID = "res-2"
	res, err = h.g.ExecuteAction(ctx, tctx.SessionID, other, nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionRequire2FA, res.Result.Decision)
}

func TestManagerDelegateApproves(t *testing.T) {
	arbiter := delegate.NewArbiter(delegate.Func(
		func(context.Context, *contracts.Action, *contracts.TrustContext) (*contracts.ManagerDecision, error) {
			return &contracts.ManagerDecision{
				Decision:   contracts.ManagerApprove,
				Reasoning:  "routine vendor payment",
				Confidence: 0.93,
			}, nil
		}), delegate.Config{EscalationCategories: permission.DefaultEscalationCategories})

	h := newHarness(t, okLimiter{allow: true}, withArbiter(arbiter))
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustEnterprise, "")
	require.NoError(t, err)

	action := guardedAction(contracts.CategoryPayment, contracts.RiskMedium)
	action.MonetaryValueCents = 5_000

	ran := false
	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, action,
		func(context.Context, *contracts.Action) error {
			ran = true
			return nil
		})
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.True(t, ran)
	require.NotNil(t, res.ManagerDecision)
	assert.InDelta(t, 0.93, res.ManagerDecision.Confidence, 0.001)
}

func TestManagerDelegateLowConfidenceFallsBack(t *testing.T) {
	arbiter := delegate.NewArbiter(delegate.Func(
		func(context.Context, *contracts.Action, *contracts.TrustContext) (*contracts.ManagerDecision, error) {
			return &contracts.ManagerDecision{Decision: contracts.ManagerApprove, Confidence: 0.4}, nil
		}), delegate.Config{})

	h := newHarness(t, okLimiter{allow: true}, withArbiter(arbiter))
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustEnterprise, "")
	require.NoError(t, err)

	action := guardedAction(contracts.CategoryPayment, contracts.RiskMedium)
	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, action, nil)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	require.NotNil(t, res.Handoff)
	assert.Equal(t, contracts.HandoffReasonManagerPunt, res.Handoff.Reason)
}

func TestEnterpriseSecurityNeverDelegated(t *testing.T) {
	called := false
	arbiter := delegate.NewArbiter(delegate.Func(
		func(context.Context, *contracts.Action, *contracts.TrustContext) (*contracts.ManagerDecision, error) {
			called = true
			return &contracts.ManagerDecision{Decision: contracts.ManagerApprove, Confidence: 1}, nil
		}), delegate.Config{})

	h := newHarness(t, okLimiter{allow: true}, withArbiter(arbiter))
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustEnterprise, "")
	require.NoError(t, err)

	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategorySecurity, contracts.RiskMedium), nil)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	require.NotNil(t, res.Handoff)
	assert.False(t, called, "security actions go straight to a human")
}

func TestLoopDetectionShortCircuits(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	action := guardedAction(contracts.CategoryRead, contracts.RiskLow)
	action.ResourceID = "record-42"

	for i := 0; i < 2; i++ {
		res, err := h.g.ExecuteAction(ctx, tctx.SessionID, action, nil)
		require.NoError(t, err)
		assert.True(t, res.Executed)
	}

	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, action, nil)
	require.NoError(t, err)
	assert.False(t, res.Executed)
	require.NotNil(t, res.Handoff)
	assert.Equal(t, contracts.HandoffReasonLoopDetected, res.Handoff.Reason)
	assert.Equal(t, contracts.HandoffReasonLoopDetected, res.Result.HandoffReason)
}

func TestResolveHandoffApproveReturnsOriginalAction(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	del := guardedAction(contracts.CategoryDelete, contracts.RiskMedium)
	del.AffectedCount = 10
	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, del, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Handoff)

	require.NoError(t, h.g.AcknowledgeHandoff(tctx.SessionID, res.Handoff.ID, "reviewer@corp"))

	outcome, err := h.g.ResolveHandoff(ctx, tctx.SessionID, res.Handoff.ID, contracts.HandoffResolution{
		ResolvedBy: "reviewer@corp",
		Decision:   contracts.HandoffApprove,
	})
	require.NoError(t, err)
	assert.True(t, outcome.Approved)
	require.NotNil(t, outcome.Action)
	assert.Equal(t, del.ID, outcome.Action.ID)
	assert.NotEmpty(t, outcome.Grant)

	// No fresh permission entry: the human decision is final. The last
	// audit entry is the resolution itself.
	entries, err := h.store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, audit.KindResolution, entries[len(entries)-1].Kind)

	// First resolution wins.
	_, err = h.g.ResolveHandoff(ctx, tctx.SessionID, res.Handoff.ID, contracts.HandoffResolution{
		ResolvedBy: "other@corp",
		Decision:   contracts.HandoffDeny,
	})
	assert.ErrorIs(t, err, contracts.ErrAlreadyResolved)
}

func TestResolveHandoffCountsAsHumanReview(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	// Age the session past its review interval.
	*h.now = h.now.Add(2 * time.Hour)

	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategoryRead, contracts.RiskLow), nil)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionQueueForReview, res.Result.Decision)
	require.NotNil(t, res.Handoff)
	assert.Equal(t, contracts.HandoffReasonReview, res.Handoff.Reason)

	_, err = h.g.ResolveHandoff(ctx, tctx.SessionID, res.Handoff.ID, contracts.HandoffResolution{
		ResolvedBy: "reviewer@corp",
		Decision:   contracts.HandoffApprove,
	})
	require.NoError(t, err)

	// Reviewed: the next action flows normally again.
	res, err = h.g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategoryRead, contracts.RiskLow), nil)
	require.NoError(t, err)
	assert.True(t, res.Executed)
}

func TestAuditFailureBlocksExecution(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }

	store := &refusingStore{MemoryStore: audit.NewMemoryStore()}
	logger, err := audit.NewLogger(context.Background(), store)
	require.NoError(t, err)
	logger.WithClock(clock)

	catalog := trustcatalog.Default()
	perms, err := permission.NewManager(catalog, okLimiter{allow: true}, permission.WithClock(clock))
	require.NoError(t, err)

	g, err := New(Components{
		Catalog:     catalog,
		Permissions: perms,
		Audit:       logger,
		Loops:       loopdetect.New(loopdetect.Config{}).WithClock(clock),
		Handoffs:    handoff.NewManager(handoff.Config{SigningKey: []byte("k")}).WithClock(clock),
		Challenges:  twofactor.NewManager(twofactor.Config{}).WithClock(clock),
	})
	require.NoError(t, err)
	g.WithClock(clock)

	ctx := context.Background()
	tctx, err := g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	store.refuse = true
	ran := false
	_, err = g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategoryRead, contracts.RiskLow),
		func(context.Context, *contracts.Action) error {
			ran = true
			return nil
		})
	assert.ErrorIs(t, err, contracts.ErrAuditWrite)
	assert.False(t, ran, "unlogged decisions must not execute")
}

type refusingStore struct {
	*audit.MemoryStore
	refuse bool
}

func (s *refusingStore) Append(ctx context.Context, entry audit.Entry) error {
	if s.refuse {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.Append(ctx, entry)
}

// newRefusingHarness builds a guardian over a store whose writes can be
// toggled off to simulate an audit backend outage.
func newRefusingHarness(t *testing.T) (*Guardian, *refusingStore) {
	t.Helper()

	now := time.Now().UTC()
	clock := func() time.Time { return now }

	store := &refusingStore{MemoryStore: audit.NewMemoryStore()}
	logger, err := audit.NewLogger(context.Background(), store)
	require.NoError(t, err)
	logger.WithClock(clock)

	catalog := trustcatalog.Default()
	perms, err := permission.NewManager(catalog, okLimiter{allow: true}, permission.WithClock(clock))
	require.NoError(t, err)

	g, err := New(Components{
		Catalog:     catalog,
		Permissions: perms,
		Audit:       logger,
		// Retry-heavy scenarios legitimately repeat one action; keep
		// the loop detector out of the way.
		Loops:      loopdetect.New(loopdetect.Config{MinRepetitions: 5}).WithClock(clock),
		Handoffs:   handoff.NewManager(handoff.Config{SigningKey: []byte("k")}).WithClock(clock),
		Challenges: twofactor.NewManager(twofactor.Config{}).WithClock(clock),
	})
	require.NoError(t, err)
	g.WithClock(clock)
	return g, store
}

func TestResolveHandoffRetriesAfterAuditFailure(t *testing.T) {
	g, store := newRefusingHarness(t)
	ctx := context.Background()

	tctx, err := g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	del := guardedAction(contracts.CategoryDelete, contracts.RiskMedium)
	res, err := g.ExecuteAction(ctx, tctx.SessionID, del, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Handoff)

	resolution := contracts.HandoffResolution{
		ResolvedBy: "reviewer@corp",
		Decision:   contracts.HandoffApprove,
	}

	// An unlogged resolution is not taken; the request reopens.
	store.refuse = true
	outcome, err := g.ResolveHandoff(ctx, tctx.SessionID, res.Handoff.ID, resolution)
	require.ErrorIs(t, err, contracts.ErrAuditWrite)
	assert.Nil(t, outcome)

	got, err := g.Handoff(res.Handoff.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.HandoffPending, got.Status)

	// Once the log recovers the reviewer's decision goes through.
	store.refuse = false
	outcome, err = g.ResolveHandoff(ctx, tctx.SessionID, res.Handoff.ID, resolution)
	require.NoError(t, err)
	assert.True(t, outcome.Approved)
	assert.NotEmpty(t, outcome.Grant)
}

func TestRetriedActionReusesPendingChallenge(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	events, cancel := h.g.Subscribe()
	defer cancel()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustSupervised, "")
	require.NoError(t, err)

	action := guardedAction(contracts.CategoryUpdate, contracts.RiskHigh)
	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, action, nil)
	require.NoError(t, err)
	require.NotNil(t, res.TwoFactor)
	first := res.TwoFactor.ID
	<-events

	// The retry gets the same open challenge back, not a fresh code.
	res, err = h.g.ExecuteAction(ctx, tctx.SessionID, action, nil)
	require.NoError(t, err)
	require.NotNil(t, res.TwoFactor)
	assert.Equal(t, first, res.TwoFactor.ID)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s for a reused challenge", ev.Type)
	default:
	}
}

func TestVerifyTwoFactorAuditFailureLeavesSessionUnverified(t *testing.T) {
	g, store := newRefusingHarness(t)
	ctx := context.Background()

	events, cancel := g.Subscribe()
	defer cancel()

	tctx, err := g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustSupervised, "")
	require.NoError(t, err)

	action := guardedAction(contracts.CategoryUpdate, contracts.RiskHigh)
	res, err := g.ExecuteAction(ctx, tctx.SessionID, action, nil)
	require.NoError(t, err)
	require.NotNil(t, res.TwoFactor)
	ev := <-events
	require.NotEmpty(t, ev.ChallengeCode)

	store.refuse = true
	ok, err := g.VerifyTwoFactor(ctx, tctx.SessionID, res.TwoFactor.ID, ev.ChallengeCode)
	require.ErrorIs(t, err, contracts.ErrAuditWrite)
	assert.False(t, ok)

	got, err := g.Session(tctx.SessionID)
	require.NoError(t, err)
	assert.False(t, got.TwoFactorVerified, "unlogged verification must not stick")

	// The challenge is spent, but recovery is a fresh challenge once
	// the log is back.
	store.refuse = false
	res, err = g.ExecuteAction(ctx, tctx.SessionID, action, nil)
	require.NoError(t, err)
	require.NotNil(t, res.TwoFactor)
	ev = <-events
	require.Equal(t, EventChallengeRequested, ev.Type)

	ok, err = g.VerifyTwoFactor(ctx, tctx.SessionID, res.TwoFactor.ID, ev.ChallengeCode)
	require.NoError(t, err)
	assert.True(t, ok)

	res, err = g.ExecuteAction(ctx, tctx.SessionID, action, nil)
	require.NoError(t, err)
	assert.True(t, res.Executed)
}

func TestExecutionErrorCountsAgainstSession(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategoryRead, contracts.RiskLow),
		func(context.Context, *contracts.Action) error {
			return errors.New("backend unavailable")
		})
	require.Error(t, err)
	assert.False(t, res.Executed)
	assert.Equal(t, 1, res.Context.ErrorsThisSession)
	assert.Equal(t, 0, res.Context.ActionsThisSession)
}

func TestChangeTrustLevel(t *testing.T) {
	authorized := func(_ string, _, _ contracts.TrustLevel, by string) bool {
		return by == "admin@corp"
	}
	h := newHarness(t, okLimiter{allow: true}, withAuthorize(authorized))
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	err = h.g.ChangeTrustLevel(ctx, tctx.SessionID, contracts.TrustSupervised, "pilot graduation", "nobody@corp")
	assert.ErrorIs(t, err, contracts.ErrPolicyDenied)

	require.NoError(t, h.g.ChangeTrustLevel(ctx, tctx.SessionID, contracts.TrustSupervised, "pilot graduation", "admin@corp"))
	got, err := h.g.Session(tctx.SessionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TrustSupervised, got.Level)

	// Demotion needs no authorizer.
	require.NoError(t, h.g.ChangeTrustLevel(ctx, tctx.SessionID, contracts.TrustObserveOnly, "incident response", "nobody@corp"))
}

func TestAddOverride(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustGuided, "")
	require.NoError(t, err)

	err = h.g.AddOverride(ctx, tctx.SessionID, contracts.PermissionOverride{
		Category: contracts.CategoryDelete,
		Decision: contracts.DecisionAllow,
	})
	assert.ErrorIs(t, err, contracts.ErrValidation, "grantor and expiry are required")

	require.NoError(t, h.g.AddOverride(ctx, tctx.SessionID, contracts.PermissionOverride{
		Category:  contracts.CategoryDelete,
		Decision:  contracts.DecisionAllow,
		ExpiresAt: h.now.Add(time.Hour),
		GrantedBy: "admin@corp",
		Reason:    "cleanup sprint",
	}))

	del := guardedAction(contracts.CategoryDelete, contracts.RiskLow)
	del.AffectedCount = 5
	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, del, nil)
	require.NoError(t, err)
	assert.True(t, res.Executed)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, okLimiter{allow: true})
	ctx := context.Background()

	tctx, err := h.g.CreateSession(ctx, "user-1", "agent-1", contracts.TrustObserveOnly, "")
	require.NoError(t, err)

	res, err := h.g.ExecuteAction(ctx, tctx.SessionID, guardedAction(contracts.CategoryRead, contracts.RiskNone), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Handoff)

	*h.now = h.now.Add(3 * time.Hour)
	counts := h.g.SweepExpired(time.Hour)
	assert.Equal(t, 1, counts.HandoffsExpired)
	assert.Equal(t, 1, counts.LoopWindowsDropped)
}
