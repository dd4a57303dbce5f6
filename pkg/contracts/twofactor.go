package contracts

import "time"

// TwoFactorStatus tracks the lifecycle of one challenge-response cycle.
type TwoFactorStatus string

const (
	TwoFactorPending  TwoFactorStatus = "PENDING"
	TwoFactorVerified TwoFactorStatus = "VERIFIED"
	TwoFactorFailed   TwoFactorStatus = "FAILED"
	TwoFactorExpired  TwoFactorStatus = "EXPIRED"
)

// ChallengeType names the delivery channel of a challenge.
type ChallengeType string

const (
	ChallengeTOTP  ChallengeType = "totp"
	ChallengeEmail ChallengeType = "email"
	ChallengeSMS   ChallengeType = "sms"
	ChallengePush  ChallengeType = "push"
)

// TwoFactorRequest is a single challenge gating one high-risk action.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TwoFactorRequest struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Action    Action          `json:"action"`
	Challenge ChallengeType   `json:"challenge_type"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Attempts  int             `json:"attempts"`
	MaxTries  int             `json:"max_attempts"`
	Status    TwoFactorStatus `json:"status"`
}

// Expired reports whether the challenge is past its expiry at now.
func (t *TwoFactorRequest) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
