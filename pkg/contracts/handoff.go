package contracts

import "time"

// HandoffStatus tracks the lifecycle of a human-review request.
type HandoffStatus string

const (
	HandoffPending      HandoffStatus = "PENDING"
	HandoffAcknowledged HandoffStatus = "ACKNOWLEDGED"
	HandoffResolved     HandoffStatus = "RESOLVED"
	HandoffExpired      HandoffStatus = "EXPIRED"
)

// HandoffReason explains why a decision was escalated to a human.
type HandoffReason string

const (
	HandoffReasonPolicy       HandoffReason = "POLICY"
	HandoffReasonRisk         HandoffReason = "RISK_THRESHOLD"
	HandoffReasonBudget       HandoffReason = "BUDGET_LIMIT"
	HandoffReasonHardLimit    HandoffReason = "HARD_LIMIT"
	HandoffReasonLoopDetected HandoffReason = "LOOP_DETECTED"
	HandoffReasonManagerPunt  HandoffReason = "MANAGER_ESCALATION"
	HandoffReasonReview       HandoffReason = "PERIODIC_REVIEW"
)

// HandoffPriority orders pending handoffs for reviewers.
type HandoffPriority string

const (
	HandoffPriorityLow    HandoffPriority = "LOW"
	HandoffPriorityNormal HandoffPriority = "NORMAL"
	HandoffPriorityHigh   HandoffPriority = "HIGH"
	HandoffPriorityUrgent HandoffPriority = "URGENT"
)

// HandoffDecision is a reviewer's verdict on a handoff.
type HandoffDecision string

const (
	HandoffApprove  HandoffDecision = "approve"
	HandoffDeny     HandoffDecision = "deny"
	HandoffModify   HandoffDecision = "modify"
	HandoffEscalate HandoffDecision = "escalate"
)

// Valid reports whether the decision is a member of the closed set.
func (d HandoffDecision) Valid() bool {
	switch d {
	case HandoffApprove, HandoffDeny, HandoffModify, HandoffEscalate:
		return true
	}
	return false
}

// TrustAdjustment optionally changes the session's trust level as part
// of a resolution.
type TrustAdjustment struct {
	NewLevel TrustLevel `json:"new_level"`
	Reason   string     `json:"reason"`
}

// HandoffResolution records how a reviewer settled a handoff.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type HandoffResolution struct {
	ResolvedBy string          `json:"resolved_by"`
	ResolvedAt time.Time       `json:"resolved_at"`
	Decision   HandoffDecision `json:"decision"`
	Comment    string          `json:"comment,omitempty"`

	// ModifiedAction replaces the original action when Decision is modify.
	ModifiedAction *Action `json:"modified_action,omitempty"`

	// TrustAdjustment optionally accompanies the resolution.
	TrustAdjustment *TrustAdjustment `json:"trust_adjustment,omitempty"`
}

// HandoffRequest escalates one decision to a human reviewer and carries
// everything the reviewer needs to settle it.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type HandoffRequest struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Action      Action        `json:"action"`
	Reason      HandoffReason `json:"reason"`
	Explanation string        `json:"explanation"`

	// Context is a snapshot of the session at creation time.
	Context TrustContext `json:"context"`

	Priority    HandoffPriority `json:"priority"`
	CreatedAt   time.Time       `json:"created_at"`
	Deadline    *time.Time      `json:"deadline,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`

	Status     HandoffStatus      `json:"status"`
	AckedBy    string             `json:"acked_by,omitempty"`
	AckedAt    *time.Time         `json:"acked_at,omitempty"`
	Resolution *HandoffResolution `json:"resolution,omitempty"`
}

// PastDeadline reports whether the handoff should expire at now.
func (h *HandoffRequest) PastDeadline(now time.Time) bool {
	return h.Deadline != nil && now.After(*h.Deadline)
}
