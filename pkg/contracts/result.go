package contracts

import "time"

// PermissionResult is the verdict of one permission check.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type PermissionResult struct {
	Decision Decision   `json:"decision"`
	Action   Action     `json:"action"`
	Level    TrustLevel `json:"trust_level"`

	// Reason is the human-readable explanation for the decision.
	Reason string `json:"reason"`

	// Alternatives suggests what the caller could do instead, if anything.
	Alternatives []string `json:"alternatives,omitempty"`

	// AutoApproveAfter, when set, is the instant after which the action
	// would be auto-approved without further input.
	AutoApproveAfter *time.Time `json:"auto_approve_after,omitempty"`

	// HandoffReason is set when the decision routes to a human.
	HandoffReason HandoffReason `json:"handoff_reason,omitempty"`

	DecidedAt time.Time  `json:"decided_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RequiresFollowUp reports whether the caller must complete a workflow
// (handoff, challenge, or manager decision) before the action can run.
func (r *PermissionResult) RequiresFollowUp() bool {
	switch r.Decision {
	case DecisionRequireApproval, DecisionRequire2FA,
		DecisionRequireManagerApproval, DecisionQueueForReview:
		return true
	}
	return false
}
