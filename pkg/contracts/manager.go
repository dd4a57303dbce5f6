package contracts

// ManagerVerdict is the verdict of a supervising manager AI.
type ManagerVerdict string

const (
	ManagerApprove ManagerVerdict = "approve"
	ManagerDeny    ManagerVerdict = "deny"
)

// ManagerDecision is the answer of the manager decision delegate, a
// non-human approver standing in for a human at the top trust tier.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ManagerDecision struct {
	Decision  ManagerVerdict `json:"decision"`
	Reasoning string         `json:"reasoning"`

	// Confidence in [0,1]; decisions below the guardian's threshold
	// fall back to a human handoff.
	Confidence float64 `json:"confidence"`

	// EscalateToHuman forces a human handoff regardless of the verdict.
	EscalateToHuman bool `json:"escalate_to_human"`
}
