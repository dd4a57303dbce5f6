package contracts

import (
	"fmt"
	"time"
)

// RecentActionLimit bounds the per-session action-type history kept for
// loop detection.
const RecentActionLimit = 50

// PermissionOverride is a time-boxed custom rule attached to a session.
// It matches either a whole category or one exact action type. Overrides
// can relax or tighten the catalog decision but can never weaken hard
// limits; the permission manager enforces that.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type PermissionOverride struct {
	// Category matches every action in the category when set.
	Category ActionCategory `json:"category,omitempty"`
	// ActionType matches one exact action type when set.
	ActionType string `json:"action_type,omitempty"`

	Decision  Decision  `json:"decision"`
	ExpiresAt time.Time `json:"expires_at"`

	// Condition is an optional CEL expression over the action
	// ("action" map and "now" unix timestamp in scope). The override
	// applies only when the condition evaluates to true; evaluation
	// errors fail closed and the override is ignored.
	Condition string `json:"condition,omitempty"`

	GrantedBy string `json:"granted_by"`
	Reason    string `json:"reason,omitempty"`
}

// Expired reports whether the override is past its expiry at now.
func (o PermissionOverride) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Matches reports whether the override targets the given action.
func (o PermissionOverride) Matches(a *Action) bool {
	if o.ActionType != "" {
		return o.ActionType == a.Type
	}
	return o.Category != "" && o.Category == a.Category
}

// TrustContext is the mutable per-session state. It is owned exclusively
// by the guardian: one instance per active session, serialized writes,
// destroyed when the session ends.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TrustContext struct {
	UserID  string     `json:"user_id"`
	AgentID string     `json:"agent_id,omitempty"`
	Level   TrustLevel `json:"trust_level"`

	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`

	ActionsThisSession int   `json:"actions_this_session"`
	ErrorsThisSession  int   `json:"errors_this_session"`
	ActionsToday       int   `json:"actions_today"`
	SpentTodayCents    int64 `json:"spent_today_cents"`

	LastHumanReview time.Time `json:"last_human_review,omitempty"`
	LastActionAt    time.Time `json:"last_action_at,omitempty"`

	// RecentActionTypes is the bounded history consumed by the loop
	// detector; newest last.
	RecentActionTypes []string `json:"recent_action_types,omitempty"`

	TwoFactorVerified bool `json:"two_factor_verified"`

	Overrides []PermissionOverride `json:"overrides,omitempty"`

	OrgID string `json:"org_id,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Validate enforces structural requirements on the context.
func (c *TrustContext) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrValidation)
	}
	if c.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if !c.Level.Valid() {
		return fmt.Errorf("%w: unknown trust level %d", ErrValidation, int(c.Level))
	}
	return nil
}

// RecordAction updates the session counters after an executed action.
func (c *TrustContext) RecordAction(a *Action, at time.Time) {
	c.ActionsThisSession++
	c.ActionsToday++
	c.SpentTodayCents += a.MonetaryValueCents
	c.LastActionAt = at
	c.RecentActionTypes = append(c.RecentActionTypes, a.Signature())
	if len(c.RecentActionTypes) > RecentActionLimit {
		c.RecentActionTypes = c.RecentActionTypes[len(c.RecentActionTypes)-RecentActionLimit:]
	}
}

// ActiveOverrides returns the overrides that have not expired at now.
func (c *TrustContext) ActiveOverrides(now time.Time) []PermissionOverride {
	if len(c.Overrides) == 0 {
		return nil
	}
	active := make([]PermissionOverride, 0, len(c.Overrides))
	for _, o := range c.Overrides {
		if !o.Expired(now) {
			active = append(active, o)
		}
	}
	return active
}

// Clone returns a deep copy safe to hand to callers while the guardian
// keeps mutating the original.
func (c *TrustContext) Clone() *TrustContext {
	cp := *c
	cp.RecentActionTypes = append([]string(nil), c.RecentActionTypes...)
	cp.Overrides = append([]PermissionOverride(nil), c.Overrides...)
	return &cp
}
