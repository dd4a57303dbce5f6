// Package guardian orchestrates the engine: it owns sessions, runs
// every proposed action through loop detection and the permission
// manager, opens handoff and challenge workflows when required,
// consults the manager delegate at the top trust level, and records
// everything in the audit trail. An action executes only after its
// decision is durably logged.
package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/covenant-labs/warden/pkg/audit"
	"github.com/covenant-labs/warden/pkg/contracts"
	"github.com/covenant-labs/warden/pkg/delegate"
	"github.com/covenant-labs/warden/pkg/handoff"
	"github.com/covenant-labs/warden/pkg/loopdetect"
	"github.com/covenant-labs/warden/pkg/permission"
	"github.com/covenant-labs/warden/pkg/trustcatalog"
	"github.com/covenant-labs/warden/pkg/twofactor"
)

// ExecuteFunc runs an approved action. It is supplied by the caller
// and invoked only on ALLOW or approved paths.
type ExecuteFunc func(ctx context.Context, action *contracts.Action) error

// AuthorizeFunc decides whether changedBy may move a session between
// trust levels. Elevation with no authorizer configured is refused.
type AuthorizeFunc func(sessionID string, from, to contracts.TrustLevel, changedBy string) bool

// Components are the collaborators a Guardian is built from. All are
// required except Arbiter, Authorize, and Logger.
type Components struct {
	Catalog     *trustcatalog.Catalog
	Permissions *permission.Manager
	Audit       *audit.Logger
	Loops       *loopdetect.Detector
	Handoffs    *handoff.Manager
	Challenges  *twofactor.Manager
	Arbiter     *delegate.Arbiter
	Authorize   AuthorizeFunc
	Logger      *slog.Logger
}

type session struct {
	mu  sync.Mutex
	ctx *contracts.TrustContext
}

// Guardian serializes work per session while allowing full concurrency
// across sessions.
type Guardian struct {
	mu       sync.Mutex
	sessions map[string]*session

	catalog     *trustcatalog.Catalog
	permissions *permission.Manager
	audit       *audit.Logger
	loops       *loopdetect.Detector
	handoffs    *handoff.Manager
	challenges  *twofactor.Manager
	arbiter     *delegate.Arbiter
	authorize   AuthorizeFunc

	bus   *eventBus
	log   *slog.Logger
	clock func() time.Time
}

// New builds a Guardian from explicitly constructed components.
func New(c Components) (*Guardian, error) {
	switch {
	case c.Catalog == nil:
		return nil, fmt.Errorf("guardian: catalog is required")
	case c.Permissions == nil:
		return nil, fmt.Errorf("guardian: permission manager is required")
	case c.Audit == nil:
		return nil, fmt.Errorf("guardian: audit logger is required")
	case c.Loops == nil:
		return nil, fmt.Errorf("guardian: loop detector is required")
	case c.Handoffs == nil:
		return nil, fmt.Errorf("guardian: handoff manager is required")
	case c.Challenges == nil:
		return nil, fmt.Errorf("guardian: two-factor manager is required")
	}
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardian{
		sessions:    make(map[string]*session),
		catalog:     c.Catalog,
		permissions: c.Permissions,
		audit:       c.Audit,
		loops:       c.Loops,
		handoffs:    c.Handoffs,
		challenges:  c.Challenges,
		arbiter:     c.Arbiter,
		authorize:   c.Authorize,
		bus:         newEventBus(),
		log:         logger,
		clock:       time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *Guardian) WithClock(clock func() time.Time) *Guardian {
	g.clock = clock
	return g
}

// Subscribe registers an event listener. The returned cancel func must
// be called to release it.
func (g *Guardian) Subscribe() (<-chan Event, func()) {
	return g.bus.Subscribe()
}

func (g *Guardian) emit(ev Event) {
	ev.Time = g.clock().UTC()
	if dropped := g.bus.publish(ev); dropped > 0 {
		g.log.Warn("event dropped by slow subscribers",
			"type", string(ev.Type), "session_id", ev.SessionID, "subscribers", dropped)
	}
}

// CreateSession opens a session at the given trust level and returns a
// snapshot of its context.
func (g *Guardian) CreateSession(ctx context.Context, userID, agentID string, level contracts.TrustLevel, orgID string) (*contracts.TrustContext, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", contracts.ErrValidation)
	}
	if g.catalog.Get(level) == nil {
		return nil, fmt.Errorf("%w: unknown trust level %d", contracts.ErrValidation, int(level))
	}

	now := g.clock().UTC()
	tctx := &contracts.TrustContext{
		UserID:          userID,
		AgentID:         agentID,
		Level:           level,
		SessionID:       uuid.New().String(),
		StartedAt:       now,
		LastHumanReview: now,
		OrgID:           orgID,
	}

	if _, err := g.audit.Append(ctx, audit.Record{
		Kind:          audit.KindSession,
		ActorID:       userID,
		SessionID:     tctx.SessionID,
		ActionSummary: "session created",
		Decision:      "created",
		Metadata:      map[string]string{"trust_level": level.String()},
	}); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.sessions[tctx.SessionID] = &session{ctx: tctx}
	g.mu.Unlock()

	g.log.Info("session created", "session_id", tctx.SessionID, "user_id", userID, "trust_level", level.String())
	return tctx.Clone(), nil
}

// Session returns a snapshot of the session context.
func (g *Guardian) Session(sessionID string) (*contracts.TrustContext, error) {
	s, err := g.session(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Clone(), nil
}

func (g *Guardian) session(sessionID string) (*session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// EndSession destroys the session and its loop-detection state.
func (g *Guardian) EndSession(ctx context.Context, sessionID string) error {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	if ok {
		delete(g.sessions, sessionID)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrSessionNotFound, sessionID)
	}

	g.loops.Reset(sessionID)

	s.mu.Lock()
	userID := s.ctx.UserID
	actions := s.ctx.ActionsThisSession
	s.mu.Unlock()

	if _, err := g.audit.Append(ctx, audit.Record{
		Kind:          audit.KindSession,
		ActorID:       userID,
		SessionID:     sessionID,
		ActionSummary: "session ended",
		Decision:      "ended",
		Metadata:      map[string]string{"actions": fmt.Sprintf("%d", actions)},
	}); err != nil {
		return err
	}

	g.emit(Event{Type: EventSessionEnded, SessionID: sessionID})
	return nil
}

// ChangeTrustLevel moves a session to a new level. Elevation requires
// the configured authorizer to approve; demotion is always permitted.
// Every change is audited whether or not it succeeds validation.
func (g *Guardian) ChangeTrustLevel(ctx context.Context, sessionID string, newLevel contracts.TrustLevel, reason, changedBy string) error {
	if g.catalog.Get(newLevel) == nil {
		return fmt.Errorf("%w: unknown trust level %d", contracts.ErrValidation, int(newLevel))
	}
	s, err := g.session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.ctx.Level
	if newLevel > from {
		if g.authorize == nil || !g.authorize(sessionID, from, newLevel, changedBy) {
			return fmt.Errorf("%w: %s is not authorized to elevate %s to %s",
				contracts.ErrPolicyDenied, changedBy, sessionID, newLevel)
		}
	}

	if _, err := g.audit.Append(ctx, audit.Record{
		Kind:          audit.KindTrustChange,
		ActorID:       changedBy,
		SessionID:     sessionID,
		ActionSummary: fmt.Sprintf("trust level %s -> %s: %s", from, newLevel, reason),
		Decision:      "changed",
		Metadata: map[string]string{
			"from": from.String(),
			"to":   newLevel.String(),
		},
	}); err != nil {
		return err
	}

	s.ctx.Level = newLevel
	g.emit(Event{Type: EventTrustChanged, SessionID: sessionID, Detail: fmt.Sprintf("%s -> %s", from, newLevel)})
	g.log.Info("trust level changed", "session_id", sessionID, "from", from.String(), "to", newLevel.String(), "by", changedBy)
	return nil
}

// ExecutionResult is what one ExecuteAction call produced.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ExecutionResult struct {
	Executed bool
	Result   *contracts.PermissionResult
	// Context is a post-call snapshot of the session.
	Context *contracts.TrustContext

	Handoff   *contracts.HandoffRequest
	TwoFactor *contracts.TwoFactorRequest

	// ManagerDecision is set when the manager delegate was consulted.
	ManagerDecision *contracts.ManagerDecision
}

// ExecuteAction runs one action through the full pipeline. exec is
// invoked only when the action is cleared; a nil exec marks the action
// executed without side effects. Calls for the same session are
// serialized; different sessions proceed concurrently.
func (g *Guardian) ExecuteAction(ctx context.Context, sessionID string, action *contracts.Action, exec ExecuteFunc) (*ExecutionResult, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}
	s, err := g.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := g.clock().UTC()

	// Loop detection short-circuits everything else: a stuck agent gets
	// a human regardless of what the permission manager would say.
	if g.loops.Observe(sessionID, action) {
		result := &contracts.PermissionResult{
			Decision:      contracts.DecisionRequireApproval,
			Action:        *action,
			Level:         s.ctx.Level,
			Reason:        fmt.Sprintf("action %s repeated in a short interval", action.Signature()),
			HandoffReason: contracts.HandoffReasonLoopDetected,
			DecidedAt:     now,
		}
		if _, err := g.audit.LogPermissionCheck(ctx, action, s.ctx, result); err != nil {
			return nil, err
		}
		req := g.handoffs.Create(action, s.ctx, contracts.HandoffReasonLoopDetected,
			result.Reason, []string{"review the agent's recent actions", "end the session if it is stuck"})
		g.emit(Event{Type: EventLoopDetected, SessionID: sessionID, Handoff: req, Result: result})
		g.emit(Event{Type: EventHandoffRequested, SessionID: sessionID, Handoff: req, Result: result})
		return &ExecutionResult{Result: result, Context: s.ctx.Clone(), Handoff: req}, nil
	}

	result, err := g.permissions.Check(ctx, action, s.ctx)
	if err != nil {
		return nil, err
	}

	// The decision is only taken once it is durably logged; on audit
	// failure nothing executes and no workflow is opened.
	if _, err := g.audit.LogPermissionCheck(ctx, action, s.ctx, result); err != nil {
		return nil, err
	}

	switch result.Decision {
	case contracts.DecisionAllow:
		return g.runApproved(ctx, s, action, result, exec, now)

	case contracts.DecisionRequireApproval, contracts.DecisionQueueForReview:
		reason := result.HandoffReason
		if reason == "" {
			reason = contracts.HandoffReasonPolicy
		}
		req := g.handoffs.Create(action, s.ctx, reason, result.Reason, result.Alternatives)
		g.emit(Event{Type: EventHandoffRequested, SessionID: sessionID, Handoff: req, Result: result})
		return &ExecutionResult{Result: result, Context: s.ctx.Clone(), Handoff: req}, nil

	case contracts.DecisionRequire2FA:
		// A retried action reuses its open challenge; the code already
		// delivered for it stays valid.
		if req := g.challenges.PendingForAction(action.ID); req != nil {
			return &ExecutionResult{Result: result, Context: s.ctx.Clone(), TwoFactor: req}, nil
		}
		req, code, err := g.challenges.RequestChallenge(action, sessionID, contracts.ChallengeTOTP)
		if err != nil {
			return &ExecutionResult{Result: result, Context: s.ctx.Clone()}, err
		}
		g.emit(Event{Type: EventChallengeRequested, SessionID: sessionID, TwoFactor: req, Result: result, ChallengeCode: code})
		return &ExecutionResult{Result: result, Context: s.ctx.Clone(), TwoFactor: req}, nil

	case contracts.DecisionRequireManagerApproval:
		return g.consultManager(ctx, s, action, result, exec, now)

	case contracts.DecisionDeny:
		res := &ExecutionResult{Result: result, Context: s.ctx.Clone()}
		if result.HandoffReason == "" {
			// Rate limiting is the one DENY worth retrying after backoff.
			return res, fmt.Errorf("%w: %s", contracts.ErrRateLimited, result.Reason)
		}
		return res, fmt.Errorf("%w: %s", contracts.ErrPolicyDenied, result.Reason)
	}
	return nil, fmt.Errorf("%w: unknown decision %q", contracts.ErrValidation, string(result.Decision))
}

// runApproved executes a cleared action and updates session counters.
// Caller holds the session lock.
func (g *Guardian) runApproved(ctx context.Context, s *session, action *contracts.Action, result *contracts.PermissionResult, exec ExecuteFunc, now time.Time) (*ExecutionResult, error) {
	if exec != nil {
		if err := exec(ctx, action); err != nil {
			s.ctx.ErrorsThisSession++
			if _, logErr := g.audit.Append(ctx, audit.Record{
				Kind:          audit.KindExecution,
				ActorID:       action.Requester.ID,
				SessionID:     s.ctx.SessionID,
				ActionSummary: action.Summary(),
				Decision:      "failed",
				Metadata:      map[string]string{"error": err.Error()},
			}); logErr != nil {
				g.log.Error("execution failure not recorded", "session_id", s.ctx.SessionID, "error", logErr)
			}
			return &ExecutionResult{Result: result, Context: s.ctx.Clone()},
				fmt.Errorf("guardian: execution failed: %w", err)
		}
	}

	s.ctx.RecordAction(action, now)
	if _, err := g.audit.Append(ctx, audit.Record{
		Kind:          audit.KindExecution,
		ActorID:       action.Requester.ID,
		SessionID:     s.ctx.SessionID,
		ActionSummary: action.Summary(),
		Decision:      "executed",
		Metadata:      map[string]string{"action_id": action.ID},
	}); err != nil {
		// The action already ran; the permission entry stands, this is
		// a gap in the execution trace only.
		g.log.Error("execution not recorded", "session_id", s.ctx.SessionID, "error", err)
	}
	return &ExecutionResult{Executed: true, Result: result, Context: s.ctx.Clone()}, nil
}

// consultManager runs the delegate path for REQUIRE_MANAGER_APPROVAL.
// Caller holds the session lock.
func (g *Guardian) consultManager(ctx context.Context, s *session, action *contracts.Action, result *contracts.PermissionResult, exec ExecuteFunc, now time.Time) (*ExecutionResult, error) {
	arbiter := g.arbiter
	if arbiter == nil {
		arbiter = delegate.NewArbiter(nil, delegate.Config{})
	}
	verdict := arbiter.Decide(ctx, action, s.ctx)

	if verdict.Approved {
		if _, err := g.audit.LogResolution(ctx, action.ID, s.ctx.SessionID, "manager-delegate", "approve", verdict.Decision); err != nil {
			return nil, err
		}
		res, err := g.runApproved(ctx, s, action, result, exec, now)
		if res != nil {
			res.ManagerDecision = verdict.Decision
		}
		return res, err
	}

	req := g.handoffs.Create(action, s.ctx, contracts.HandoffReasonManagerPunt, verdict.Reason, result.Alternatives)
	g.emit(Event{Type: EventHandoffRequested, SessionID: s.ctx.SessionID, Handoff: req, Result: result})
	return &ExecutionResult{
		Result:          result,
		Context:         s.ctx.Clone(),
		Handoff:         req,
		ManagerDecision: verdict.Decision,
	}, nil
}

// AcknowledgeHandoff marks a handoff as being worked by a reviewer.
func (g *Guardian) AcknowledgeHandoff(sessionID, handoffID, by string) error {
	if _, err := g.session(sessionID); err != nil {
		return err
	}
	return g.handoffs.Acknowledge(handoffID, by)
}

// ResolveHandoff settles a handoff. On approve or modify the returned
// outcome carries the action cleared for execution together with a
// signed grant; the permission manager is not consulted again for a
// human-approved action. The resolution counts as a human review of
// the session.
func (g *Guardian) ResolveHandoff(ctx context.Context, sessionID, handoffID string, resolution contracts.HandoffResolution) (*handoff.Outcome, error) {
	s, err := g.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outcome, err := g.handoffs.Resolve(handoffID, resolution)
	if err != nil {
		return nil, err
	}

	// The resolution is only taken once it is durably logged. On a
	// failed append the request reopens so the reviewer can resolve
	// again once the log recovers; the grant issued here is discarded.
	if _, err := g.audit.LogResolution(ctx, handoffID, sessionID, resolution.ResolvedBy,
		string(resolution.Decision), outcome.Request.Resolution); err != nil {
		if rbErr := g.handoffs.Reopen(handoffID); rbErr != nil {
			g.log.Error("handoff reopen failed", "handoff_id", handoffID, "error", rbErr)
		}
		return nil, err
	}

	now := g.clock().UTC()
	s.ctx.LastHumanReview = now
	s.ctx.ActionsThisSession = 0
	g.loops.Reset(sessionID)

	if adj := resolution.TrustAdjustment; adj != nil && g.catalog.Get(adj.NewLevel) != nil {
		from := s.ctx.Level
		s.ctx.Level = adj.NewLevel
		g.emit(Event{Type: EventTrustChanged, SessionID: sessionID, Detail: fmt.Sprintf("%s -> %s", from, adj.NewLevel)})
	}

	g.emit(Event{Type: EventHandoffResolved, SessionID: sessionID, Handoff: outcome.Request})
	return outcome, nil
}

// Handoff returns a snapshot of one handoff request.
func (g *Guardian) Handoff(handoffID string) (*contracts.HandoffRequest, error) {
	return g.handoffs.Get(handoffID)
}

// PendingHandoffs lists the open handoffs for a session.
func (g *Guardian) PendingHandoffs(sessionID string) []*contracts.HandoffRequest {
	return g.handoffs.Pending(sessionID)
}

// VerifyTwoFactor checks a challenge code. Success marks the session
// verified for the remainder of the session or until cleared.
func (g *Guardian) VerifyTwoFactor(ctx context.Context, sessionID, requestID, code string) (bool, error) {
	s, err := g.session(sessionID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := g.challenges.Verify(requestID, code)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	// The session is marked verified only after the verification is
	// durably logged.
	if _, err := g.audit.LogResolution(ctx, requestID, sessionID, s.ctx.UserID, "verified", nil); err != nil {
		return false, err
	}
	s.ctx.TwoFactorVerified = true
	req, _ := g.challenges.Get(requestID)
	g.emit(Event{Type: EventChallengeVerified, SessionID: sessionID, TwoFactor: req})
	return true, nil
}

// AddOverride attaches a time-boxed permission override to a session.
// Overrides must carry a grantor and an expiry; the permission manager
// enforces that they never weaken hard limits.
func (g *Guardian) AddOverride(ctx context.Context, sessionID string, o contracts.PermissionOverride) error {
	if o.GrantedBy == "" {
		return fmt.Errorf("%w: override grantor is required", contracts.ErrValidation)
	}
	if o.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: override expiry is required", contracts.ErrValidation)
	}
	if o.Category == "" && o.ActionType == "" {
		return fmt.Errorf("%w: override must target a category or an action type", contracts.ErrValidation)
	}
	if o.Category != "" && !o.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", contracts.ErrValidation, string(o.Category))
	}
	if !o.Decision.Valid() {
		return fmt.Errorf("%w: unknown decision %q", contracts.ErrValidation, string(o.Decision))
	}

	s, err := g.session(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := g.audit.Append(ctx, audit.Record{
		Kind:          audit.KindTrustChange,
		ActorID:       o.GrantedBy,
		SessionID:     sessionID,
		ActionSummary: fmt.Sprintf("override %s granted: %s", string(o.Decision), o.Reason),
		Decision:      "override",
	}); err != nil {
		return err
	}
	s.ctx.Overrides = append(s.ctx.Overrides, o)
	return nil
}

// ClearTwoFactor drops the session's verified flag, forcing the next
// high-risk action through a fresh challenge.
func (g *Guardian) ClearTwoFactor(sessionID string) error {
	s, err := g.session(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx.TwoFactorVerified = false
	return nil
}

// SweepCounts reports what one maintenance sweep reclaimed.
type SweepCounts struct {
	HandoffsExpired    int
	ChallengesDropped  int
	LoopWindowsDropped int
}

// SweepExpired proactively expires overdue handoffs and challenges and
// drops idle loop-detection windows.
func (g *Guardian) SweepExpired(maxIdle time.Duration) SweepCounts {
	return SweepCounts{
		HandoffsExpired:    g.handoffs.SweepExpired(),
		ChallengesDropped:  g.challenges.SweepExpired(),
		LoopWindowsDropped: g.loops.Sweep(maxIdle),
	}
}
