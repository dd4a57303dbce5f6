// Package permission implements the decision function at the heart of
// the engine: given an action and the session's trust context, produce
// exactly one verdict. The rule chain is ordered and first match wins;
// nothing in it ever defaults to ALLOW on unrecognized input.
package permission

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/covenant-labs/warden/pkg/contracts"
	"github.com/covenant-labs/warden/pkg/ratelimit"
	"github.com/covenant-labs/warden/pkg/trustcatalog"
)

// DefaultEscalationCategories always route to a human, even when
// manager delegation is available. The list is a hard override: no
// configuration or delegate opinion bypasses it.
var DefaultEscalationCategories = []contracts.ActionCategory{
	contracts.CategorySecurity,
	contracts.CategorySystemConfig,
	contracts.CategoryUserManagement,
}

// Manager evaluates permission checks. It is safe for unlimited
// concurrent use; per-call state lives on the stack and the only shared
// pieces (CEL program cache, rate limiter, metrics) are concurrency-safe.
type Manager struct {
	catalog    *trustcatalog.Catalog
	limiter    ratelimit.Store
	conditions *conditionEvaluator
	escalate   map[contracts.ActionCategory]struct{}
	clock      func() time.Time
	decisions  metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithEscalationCategories replaces the human-escalation category set.
func WithEscalationCategories(cats []contracts.ActionCategory) Option {
	return func(m *Manager) {
		m.escalate = make(map[contracts.ActionCategory]struct{}, len(cats))
		for _, c := range cats {
			m.escalate[c] = struct{}{}
		}
	}
}

// NewManager builds a Manager over the given catalog and rate limiter.
func NewManager(catalog *trustcatalog.Catalog, limiter ratelimit.Store, opts ...Option) (*Manager, error) {
	conditions, err := newConditionEvaluator()
	if err != nil {
		return nil, fmt.Errorf("permission: condition evaluator: %w", err)
	}

	meter := otel.Meter("github.com/covenant-labs/warden/pkg/permission")
	decisions, err := meter.Int64Counter("warden.permission.decisions",
		metric.WithDescription("Permission decisions by verdict and trust level"))
	if err != nil {
		return nil, fmt.Errorf("permission: decisions counter: %w", err)
	}

	m := &Manager{
		catalog:    catalog,
		limiter:    limiter,
		conditions: conditions,
		clock:      time.Now,
		decisions:  decisions,
	}
	WithEscalationCategories(DefaultEscalationCategories)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Check evaluates one action against one trust context. The rules run
// in a fixed order and the first matching rule decides. Rate-limit
// token consumption is the only side effect besides metrics.
func (m *Manager) Check(ctx context.Context, action *contracts.Action, tctx *contracts.TrustContext) (*contracts.PermissionResult, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}
	if err := tctx.Validate(); err != nil {
		return nil, err
	}
	cfg := m.catalog.Get(tctx.Level)
	if cfg == nil {
		return nil, fmt.Errorf("%w: no catalog entry for trust level %d", contracts.ErrValidation, int(tctx.Level))
	}

	now := m.clock().UTC()

	// Rule 1: denied categories are terminal.
	if cfg.Denies(action.Category) {
		return m.finish(ctx, tctx, &contracts.PermissionResult{
			Decision:      contracts.DecisionDeny,
			Reason:        fmt.Sprintf("category %s is denied at trust level %s", action.Category, tctx.Level),
			HandoffReason: contracts.HandoffReasonPolicy,
		}, action, now), nil
	}

	// Rule 2: session overrides, first match wins. Overrides can relax
	// or tighten the catalog verdict but never weaken hard limits: an
	// ALLOW override still runs the hard-limit and rate checks below.
	for _, o := range tctx.ActiveOverrides(now) {
		if !o.Matches(action) {
			continue
		}
		if o.Condition != "" {
			holds, err := m.conditions.evaluate(o.Condition, action, now)
			if err != nil || !holds {
				// Fail closed: a broken or false condition means the
				// override does not apply.
				continue
			}
		}
		if o.Decision != contracts.DecisionAllow {
			return m.finish(ctx, tctx, &contracts.PermissionResult{
				Decision:      o.Decision,
				Reason:        fmt.Sprintf("session override granted by %s: %s", o.GrantedBy, o.Reason),
				HandoffReason: contracts.HandoffReasonPolicy,
			}, action, now), nil
		}
		if res, err := m.checkInviolable(ctx, cfg, action, tctx); res != nil || err != nil {
			if err != nil {
				return nil, err
			}
			return m.finish(ctx, tctx, res, action, now), nil
		}
		return m.finish(ctx, tctx, &contracts.PermissionResult{
			Decision: contracts.DecisionAllow,
			Reason:   fmt.Sprintf("session override granted by %s: %s", o.GrantedBy, o.Reason),
		}, action, now), nil
	}

	// Rule 3: categories that always require approval at this level.
	if cfg.RequiresApproval(action.Category) {
		if cfg.AllowManagerApproval && tctx.Level == contracts.TrustEnterprise && !m.mustEscalate(action.Category) {
			return m.finish(ctx, tctx, &contracts.PermissionResult{
				Decision:      contracts.DecisionRequireManagerApproval,
				Reason:        fmt.Sprintf("category %s is delegated to the manager at %s", action.Category, tctx.Level),
				HandoffReason: contracts.HandoffReasonPolicy,
			}, action, now), nil
		}
		return m.finish(ctx, tctx, &contracts.PermissionResult{
			Decision:      contracts.DecisionRequireApproval,
			Reason:        fmt.Sprintf("category %s always requires approval at trust level %s", action.Category, tctx.Level),
			HandoffReason: contracts.HandoffReasonPolicy,
			Alternatives:  []string{"request human approval", "ask for a session override"},
		}, action, now), nil
	}

	// Rule 4: risk ceiling. A verified second factor lets high-risk
	// actions past the gate so a retried action can reach ALLOW. A
	// second factor is never requested for an action a budget or bulk
	// gate would still block afterwards: those go straight to approval,
	// which also keeps a higher trust level from being stricter than a
	// lower one for the same action.
	if action.Risk > cfg.MaxAutoApproveRisk {
		switch {
		case cfg.Require2FAForHighRisk && action.Risk >= contracts.RiskHigh && tctx.TwoFactorVerified:
			// Verified this session; fall through to the remaining rules.
		case cfg.Require2FAForHighRisk && action.Risk >= contracts.RiskHigh:
			if res := m.checkBudgets(cfg, action, tctx); res != nil {
				return m.finish(ctx, tctx, res, action, now), nil
			}
			return m.finish(ctx, tctx, &contracts.PermissionResult{
				Decision:      contracts.DecisionRequire2FA,
				Reason:        fmt.Sprintf("risk %s exceeds the %s ceiling; second factor required", action.Risk, cfg.MaxAutoApproveRisk),
				HandoffReason: contracts.HandoffReasonRisk,
			}, action, now), nil
		default:
			return m.finish(ctx, tctx, &contracts.PermissionResult{
				Decision:      contracts.DecisionRequireApproval,
				Reason:        fmt.Sprintf("risk %s exceeds the %s ceiling at trust level %s", action.Risk, cfg.MaxAutoApproveRisk, tctx.Level),
				HandoffReason: contracts.HandoffReasonRisk,
				Alternatives:  []string{"request human approval", "lower the action's scope"},
			}, action, now), nil
		}
	}

	// Rules 5 and 6: budgets and the inviolable hard limits.
	if res := m.checkBudgets(cfg, action, tctx); res != nil {
		return m.finish(ctx, tctx, res, action, now), nil
	}

	// Rule 7: rate limits deny outright; the caller should back off
	// rather than queue an approval that would also be rate limited.
	if res, err := m.checkRate(ctx, cfg, action, tctx); res != nil || err != nil {
		if err != nil {
			return nil, err
		}
		return m.finish(ctx, tctx, res, action, now), nil
	}

	// Rule 7.5: periodic human review. Long-running or very chatty
	// sessions queue for review before continuing unattended.
	if res := m.checkReviewDue(cfg, tctx, now); res != nil {
		return m.finish(ctx, tctx, res, action, now), nil
	}

	return m.finish(ctx, tctx, &contracts.PermissionResult{
		Decision: contracts.DecisionAllow,
		Reason:   fmt.Sprintf("within autonomy for trust level %s", tctx.Level),
	}, action, now), nil
}

// checkInviolable runs the checks an ALLOW override cannot bypass:
// hard monetary and bulk limits plus rate limiting.
func (m *Manager) checkInviolable(ctx context.Context, cfg *trustcatalog.LevelConfig, action *contracts.Action, tctx *contracts.TrustContext) (*contracts.PermissionResult, error) {
	if action.MonetaryValueCents > cfg.Hard.MaxTransactionCents {
		return &contracts.PermissionResult{
			Decision:      contracts.DecisionRequireApproval,
			Reason:        fmt.Sprintf("override cannot relax the hard transaction limit %d", cfg.Hard.MaxTransactionCents),
			HandoffReason: contracts.HandoffReasonHardLimit,
		}, nil
	}
	if res := m.checkBulkLimits(cfg, action); res != nil {
		return res, nil
	}
	return m.checkRate(ctx, cfg, action, tctx)
}

// checkBudgets runs the monetary gates (hard transaction cap,
// per-action budget, daily budget) and the bulk hard limits.
func (m *Manager) checkBudgets(cfg *trustcatalog.LevelConfig, action *contracts.Action, tctx *contracts.TrustContext) *contracts.PermissionResult {
	if action.MonetaryValueCents > 0 {
		if action.MonetaryValueCents > cfg.Hard.MaxTransactionCents {
			return &contracts.PermissionResult{
				Decision:      contracts.DecisionRequireApproval,
				Reason:        fmt.Sprintf("amount %d exceeds the hard transaction limit %d", action.MonetaryValueCents, cfg.Hard.MaxTransactionCents),
				HandoffReason: contracts.HandoffReasonHardLimit,
			}
		}
		if cfg.MaxBudgetPerActionCents > 0 && action.MonetaryValueCents > cfg.MaxBudgetPerActionCents {
			return &contracts.PermissionResult{
				Decision:      contracts.DecisionRequireApproval,
				Reason:        fmt.Sprintf("amount %d exceeds the per-action budget %d at trust level %s", action.MonetaryValueCents, cfg.MaxBudgetPerActionCents, tctx.Level),
				HandoffReason: contracts.HandoffReasonBudget,
				Alternatives:  []string{"split into smaller transactions", "request human approval"},
			}
		}
		if cfg.MaxDailyBudgetCents > 0 && tctx.SpentTodayCents+action.MonetaryValueCents > cfg.MaxDailyBudgetCents {
			return &contracts.PermissionResult{
				Decision:      contracts.DecisionRequireApproval,
				Reason:        fmt.Sprintf("amount %d would exceed the daily budget %d (spent %d)", action.MonetaryValueCents, cfg.MaxDailyBudgetCents, tctx.SpentTodayCents),
				HandoffReason: contracts.HandoffReasonBudget,
			}
		}
	}
	return m.checkBulkLimits(cfg, action)
}

func (m *Manager) checkBulkLimits(cfg *trustcatalog.LevelConfig, action *contracts.Action) *contracts.PermissionResult {
	if action.Category == contracts.CategoryDelete && action.AffectedCount > cfg.Hard.MaxDeleteCount {
		return &contracts.PermissionResult{
			Decision:      contracts.DecisionRequireApproval,
			Reason:        fmt.Sprintf("deleting %d records exceeds the hard limit %d", action.AffectedCount, cfg.Hard.MaxDeleteCount),
			HandoffReason: contracts.HandoffReasonHardLimit,
		}
	}
	if action.Category == contracts.CategoryDataExport && action.AffectedCount > cfg.Hard.MaxExportRecords {
		return &contracts.PermissionResult{
			Decision:      contracts.DecisionRequireApproval,
			Reason:        fmt.Sprintf("exporting %d records exceeds the hard limit %d", action.AffectedCount, cfg.Hard.MaxExportRecords),
			HandoffReason: contracts.HandoffReasonHardLimit,
		}
	}
	return nil
}

// checkRate consumes one token per applicable limiter. Limiter errors
// propagate so the caller fails closed instead of assuming capacity.
func (m *Manager) checkRate(ctx context.Context, cfg *trustcatalog.LevelConfig, action *contracts.Action, tctx *contracts.TrustContext) (*contracts.PermissionResult, error) {
	ok, err := m.limiter.Allow(ctx, tctx.SessionID, cfg.Hard.MaxActionsPerMinute)
	if err != nil {
		return nil, fmt.Errorf("permission: action rate limiter: %w", err)
	}
	if !ok {
		return &contracts.PermissionResult{
			Decision: contracts.DecisionDeny,
			Reason:   fmt.Sprintf("session exceeded %d actions per minute", cfg.Hard.MaxActionsPerMinute),
		}, nil
	}
	if action.Category == contracts.CategoryExternalAPI {
		ok, err := m.limiter.Allow(ctx, tctx.SessionID+":api", cfg.Hard.MaxAPICallsPerMinute)
		if err != nil {
			return nil, fmt.Errorf("permission: api rate limiter: %w", err)
		}
		if !ok {
			return &contracts.PermissionResult{
				Decision: contracts.DecisionDeny,
				Reason:   fmt.Sprintf("session exceeded %d external API calls per minute", cfg.Hard.MaxAPICallsPerMinute),
			}, nil
		}
	}
	return nil, nil
}

func (m *Manager) checkReviewDue(cfg *trustcatalog.LevelConfig, tctx *contracts.TrustContext, now time.Time) *contracts.PermissionResult {
	anchor := tctx.LastHumanReview
	if anchor.IsZero() {
		anchor = tctx.StartedAt
	}
	if cfg.ReviewInterval > 0 && now.Sub(anchor) >= cfg.ReviewInterval {
		return &contracts.PermissionResult{
			Decision:      contracts.DecisionQueueForReview,
			Reason:        fmt.Sprintf("no human review for %s (interval %s)", now.Sub(anchor).Round(time.Second), cfg.ReviewInterval),
			HandoffReason: contracts.HandoffReasonReview,
		}
	}
	if cfg.MaxConsecutiveActions > 0 && tctx.ActionsThisSession >= cfg.MaxConsecutiveActions {
		return &contracts.PermissionResult{
			Decision:      contracts.DecisionQueueForReview,
			Reason:        fmt.Sprintf("%d consecutive actions without review (limit %d)", tctx.ActionsThisSession, cfg.MaxConsecutiveActions),
			HandoffReason: contracts.HandoffReasonReview,
		}
	}
	return nil
}

func (m *Manager) mustEscalate(cat contracts.ActionCategory) bool {
	_, ok := m.escalate[cat]
	return ok
}

// finish stamps the shared result fields and records the decision metric.
func (m *Manager) finish(ctx context.Context, tctx *contracts.TrustContext, res *contracts.PermissionResult, action *contracts.Action, now time.Time) *contracts.PermissionResult {
	res.Action = *action
	res.Level = tctx.Level
	res.DecidedAt = now
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", string(res.Decision)),
		attribute.String("trust_level", tctx.Level.String()),
	))
	return res
}
