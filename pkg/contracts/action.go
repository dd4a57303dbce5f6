package contracts

import (
	"fmt"
	"strings"
	"time"
)

// Requester identifies the principal that submitted an action.
type Requester struct {
	ID   string        `json:"id"`
	Type RequesterType `json:"type"`
}

// Action is an immutable description of one proposed operation.
// Callers construct it once and never mutate it afterwards; the engine
// only ever copies or echoes it.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Action struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Category    ActionCategory `json:"category"`
	Risk        RiskLevel      `json:"risk_level"`
	Description string         `json:"description,omitempty"`

	// Optional resource target.
	ResourceID   string `json:"resource_id,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`

	// MonetaryValueCents is the financial impact of the action, if any.
	MonetaryValueCents int64 `json:"monetary_value_cents,omitempty"`

	// AffectedCount is the number of records touched (deletes, exports).
	AffectedCount int64 `json:"affected_count,omitempty"`

	Reversible  bool      `json:"reversible"`
	Requester   Requester `json:"requester"`
	RequestedAt time.Time `json:"requested_at"`

	// ParentID links chained actions to their originator.
	ParentID string `json:"parent_id,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate enforces the closed enumerations and structural requirements.
// Unknown input must never reach a permission decision.
func (a *Action) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: action id is required", ErrValidation)
	}
	if a.Type == "" {
		return fmt.Errorf("%w: action type is required", ErrValidation)
	}
	if !a.Category.Valid() {
		return fmt.Errorf("%w: unknown action category %q", ErrValidation, string(a.Category))
	}
	if !a.Risk.Valid() {
		return fmt.Errorf("%w: unknown risk level %d", ErrValidation, int(a.Risk))
	}
	if !a.Requester.Type.Valid() {
		return fmt.Errorf("%w: unknown requester type %q", ErrValidation, string(a.Requester.Type))
	}
	if a.Requester.ID == "" {
		return fmt.Errorf("%w: requester id is required", ErrValidation)
	}
	if a.MonetaryValueCents < 0 {
		return fmt.Errorf("%w: monetary value must not be negative", ErrValidation)
	}
	if a.AffectedCount < 0 {
		return fmt.Errorf("%w: affected count must not be negative", ErrValidation)
	}
	return nil
}

// Signature returns the loop-detection key for the action: type,
// category, and resource target. Two actions with the same signature
// are "the same move" as far as repetition detection is concerned.
func (a *Action) Signature() string {
	return strings.Join([]string{a.Type, string(a.Category), a.ResourceType, a.ResourceID}, "|")
}

// Summary returns a short human-readable description for audit records.
func (a *Action) Summary() string {
	if a.Description != "" {
		return fmt.Sprintf("%s [%s] %s", a.Type, a.Category, a.Description)
	}
	return fmt.Sprintf("%s [%s]", a.Type, a.Category)
}
