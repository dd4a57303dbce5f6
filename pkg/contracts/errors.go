package contracts

import "errors"

// Error taxonomy of the trust engine. ApprovalRequired and
// ChallengeRequired are deliberately absent: those are normal
// control-flow outcomes carried in PermissionResult, not errors.
var (
	// ErrValidation marks malformed input. No decision is recorded.
	ErrValidation = errors.New("validation failed")

	// ErrPolicyDenied marks a terminal DENY that has been logged.
	ErrPolicyDenied = errors.New("denied by policy")

	// ErrAlreadyResolved is returned when a handoff or challenge is
	// resolved a second time. First resolution wins.
	ErrAlreadyResolved = errors.New("request already resolved")

	// ErrSessionNotFound is returned for stale or unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRequestNotFound is returned for stale or unknown request ids.
	ErrRequestNotFound = errors.New("request not found")

	// ErrRequestExpired is returned when a handoff or challenge is past
	// its deadline. Expiry is evaluated lazily on access.
	ErrRequestExpired = errors.New("request expired")

	// ErrAuditWrite marks a decision that could not be durably logged.
	// The action must not be treated as executed until the write succeeds.
	ErrAuditWrite = errors.New("audit write failed")

	// ErrChallengeCooldown is returned when a new challenge is requested
	// for an action whose previous challenge burned all attempts.
	ErrChallengeCooldown = errors.New("challenge cooldown active")

	// ErrRateLimited marks a session that exceeded its hard rate limits.
	ErrRateLimited = errors.New("rate limit exceeded")
)
