// Package delegate lets a supervising manager AI approve or deny
// actions on a human's behalf at the top trust level. The delegate is
// advisory only: low confidence, an escalation flag, an error, or a
// category on the escalation list all fall back to a human handoff.
package delegate

import (
	"context"
	"fmt"
	"time"

	"github.com/covenant-labs/warden/pkg/contracts"
)

// Delegate is the pluggable decision-maker.
type Delegate interface {
	RequestDecision(ctx context.Context, action *contracts.Action, tctx *contracts.TrustContext) (*contracts.ManagerDecision, error)
}

// Func adapts a plain function to Delegate.
type Func func(ctx context.Context, action *contracts.Action, tctx *contracts.TrustContext) (*contracts.ManagerDecision, error)

// RequestDecision implements Delegate.
func (f Func) RequestDecision(ctx context.Context, action *contracts.Action, tctx *contracts.TrustContext) (*contracts.ManagerDecision, error) {
	return f(ctx, action, tctx)
}

// Config tunes the arbiter.
type Config struct {
	// ConfidenceThreshold is the minimum confidence for a delegate
	// approval to stand without a human.
	ConfidenceThreshold float64
	// EscalationCategories are never delegated.
	EscalationCategories []contracts.ActionCategory
	// Timeout bounds one delegate call; zero means no extra bound.
	Timeout time.Duration
}

// Verdict is the arbiter's interpretation of a delegate decision.
type Verdict struct {
	// Approved means the action may execute immediately.
	Approved bool
	// EscalateToHuman means a handoff must be created instead.
	EscalateToHuman bool
	// Decision is the raw delegate output when one was obtained.
	Decision *contracts.ManagerDecision
	// Reason explains the verdict for the audit trail.
	Reason string
}

// Arbiter wraps a Delegate with the escalation policy.
type Arbiter struct {
	delegate Delegate
	cfg      Config
	escalate map[contracts.ActionCategory]struct{}
}

// NewArbiter builds an arbiter; delegate may be nil, in which case
// every request escalates to a human.
func NewArbiter(delegate Delegate, cfg Config) *Arbiter {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.8
	}
	escalate := make(map[contracts.ActionCategory]struct{}, len(cfg.EscalationCategories))
	for _, c := range cfg.EscalationCategories {
		escalate[c] = struct{}{}
	}
	return &Arbiter{delegate: delegate, cfg: cfg, escalate: escalate}
}

// Decide consults the delegate for the action. Any failure mode
// escalates to a human; nothing here defaults to approval.
func (a *Arbiter) Decide(ctx context.Context, action *contracts.Action, tctx *contracts.TrustContext) Verdict {
	if _, never := a.escalate[action.Category]; never {
		return Verdict{
			EscalateToHuman: true,
			Reason:          fmt.Sprintf("category %s is never delegated", action.Category),
		}
	}
	if a.delegate == nil {
		return Verdict{EscalateToHuman: true, Reason: "no manager delegate configured"}
	}

	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	decision, err := a.delegate.RequestDecision(ctx, action, tctx)
	if err != nil {
		return Verdict{
			EscalateToHuman: true,
			Reason:          fmt.Sprintf("manager delegate failed: %v", err),
		}
	}
	if decision == nil {
		return Verdict{EscalateToHuman: true, Reason: "manager delegate returned no decision"}
	}

	switch {
	case decision.EscalateToHuman:
		return Verdict{
			EscalateToHuman: true,
			Decision:        decision,
			Reason:          "manager delegate escalated to a human",
		}
	case decision.Decision == contracts.ManagerDeny:
		// A manager deny is not terminal; the human gets the last word.
		return Verdict{
			EscalateToHuman: true,
			Decision:        decision,
			Reason:          fmt.Sprintf("manager denied: %s", decision.Reasoning),
		}
	case decision.Decision == contracts.ManagerApprove && decision.Confidence >= a.cfg.ConfidenceThreshold:
		return Verdict{
			Approved: true,
			Decision: decision,
			Reason:   fmt.Sprintf("manager approved with confidence %.2f", decision.Confidence),
		}
	case decision.Decision == contracts.ManagerApprove:
		return Verdict{
			EscalateToHuman: true,
			Decision:        decision,
			Reason:          fmt.Sprintf("manager confidence %.2f below threshold %.2f", decision.Confidence, a.cfg.ConfidenceThreshold),
		}
	}
	return Verdict{
		EscalateToHuman: true,
		Decision:        decision,
		Reason:          fmt.Sprintf("unrecognized manager verdict %q", string(decision.Decision)),
	}
}
