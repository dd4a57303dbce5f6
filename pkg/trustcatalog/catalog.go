// Package trustcatalog defines the static trust level catalog: per-level
// risk ceilings, approval policies, budgets, and the hard limits that
// apply at every level. Pure data, no behavior beyond lookups.
package trustcatalog

import (
	"time"

	"github.com/covenant-labs/warden/pkg/contracts"
)

// HardLimits are ceilings that hold at every trust level. They are never
// relaxed by configuration, profiles, or per-session overrides.
type HardLimits struct {
	MaxTransactionCents  int64 `json:"max_transaction_cents" yaml:"max_transaction_cents"`
	MaxDeleteCount       int64 `json:"max_delete_count" yaml:"max_delete_count"`
	MaxExportRecords     int64 `json:"max_export_records" yaml:"max_export_records"`
	MaxActionsPerMinute  int   `json:"max_actions_per_minute" yaml:"max_actions_per_minute"`
	MaxAPICallsPerMinute int   `json:"max_api_calls_per_minute" yaml:"max_api_calls_per_minute"`
	MaxConcurrentOps     int   `json:"max_concurrent_ops" yaml:"max_concurrent_ops"`
}

// LevelConfig is the static policy for one trust level.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type LevelConfig struct {
	Level contracts.TrustLevel `json:"level" yaml:"level"`

	// MaxAutoApproveRisk is the highest risk auto-approved at this level.
	MaxAutoApproveRisk contracts.RiskLevel `json:"max_auto_approve_risk" yaml:"max_auto_approve_risk"`

	// AlwaysRequireApproval lists categories gated regardless of risk.
	AlwaysRequireApproval []contracts.ActionCategory `json:"always_require_approval" yaml:"always_require_approval"`

	// DeniedCategories are rejected outright at this level.
	DeniedCategories []contracts.ActionCategory `json:"denied_categories" yaml:"denied_categories"`

	// ReviewInterval is how long a session may run without a human check
	// before new actions queue for review. Zero disables the check.
	ReviewInterval time.Duration `json:"review_interval" yaml:"review_interval"`

	MaxBudgetPerActionCents int64 `json:"max_budget_per_action_cents" yaml:"max_budget_per_action_cents"`
	MaxDailyBudgetCents     int64 `json:"max_daily_budget_cents" yaml:"max_daily_budget_cents"`

	// Require2FAForHighRisk routes HIGH/CRITICAL risk to a challenge
	// instead of a handoff when the session is not yet verified.
	Require2FAForHighRisk bool `json:"require_2fa_for_high_risk" yaml:"require_2fa_for_high_risk"`

	// AllowManagerApproval enables manager-AI delegation for gated
	// categories. Only meaningful at the top level.
	AllowManagerApproval bool `json:"allow_manager_approval" yaml:"allow_manager_approval"`

	// MaxConsecutiveActions without a human check before queueing for
	// review. Zero disables the check.
	MaxConsecutiveActions int `json:"max_consecutive_actions" yaml:"max_consecutive_actions"`

	Hard HardLimits `json:"hard_limits" yaml:"hard_limits"`
}

// RequiresApproval reports whether the category is always gated here.
func (c *LevelConfig) RequiresApproval(cat contracts.ActionCategory) bool {
	for _, g := range c.AlwaysRequireApproval {
		if g == cat {
			return true
		}
	}
	return false
}

// Denies reports whether the category is denied outright here.
func (c *LevelConfig) Denies(cat contracts.ActionCategory) bool {
	for _, d := range c.DeniedCategories {
		if d == cat {
			return true
		}
	}
	return false
}

// defaultHardLimits hold at every level; the catalog never varies them.
var defaultHardLimits = HardLimits{
	MaxTransactionCents:  1_000_000, // $10,000
	MaxDeleteCount:       1_000,
	MaxExportRecords:     50_000,
	MaxActionsPerMinute:  60,
	MaxAPICallsPerMinute: 120,
	MaxConcurrentOps:     8,
}

// Catalog maps each trust level to its static configuration.
type Catalog struct {
	levels map[contracts.TrustLevel]LevelConfig
}

// Default returns the built-in catalog. The per-level approval lists are
// nonincreasing and budgets nondecreasing as the level rises, so a higher
// level is never strictly more restrictive for the same action.
func Default() *Catalog {
	levels := map[contracts.TrustLevel]LevelConfig{
		contracts.TrustObserveOnly: {
			Level:                 contracts.TrustObserveOnly,
			MaxAutoApproveRisk:    contracts.RiskNone,
			AlwaysRequireApproval: append([]contracts.ActionCategory(nil), contracts.AllCategories...),
			ReviewInterval:        15 * time.Minute,
			MaxConsecutiveActions: 1,
			Hard:                  defaultHardLimits,
		},
		contracts.TrustGuided: {
			Level:              contracts.TrustGuided,
			MaxAutoApproveRisk: contracts.RiskLow,
			AlwaysRequireApproval: []contracts.ActionCategory{
				contracts.CategoryDelete,
				contracts.CategoryPayment,
				contracts.CategoryDataExport,
				contracts.CategorySystemConfig,
				contracts.CategoryUserManagement,
				contracts.CategorySecurity,
			},
			ReviewInterval:          time.Hour,
			MaxBudgetPerActionCents: 1_000,  // $10
			MaxDailyBudgetCents:     10_000, // $100
			MaxConsecutiveActions:   20,
			Hard:                    defaultHardLimits,
		},
		contracts.TrustSupervised: {
			Level:              contracts.TrustSupervised,
			MaxAutoApproveRisk: contracts.RiskMedium,
			AlwaysRequireApproval: []contracts.ActionCategory{
				contracts.CategoryPayment,
				contracts.CategoryDataExport,
				contracts.CategorySystemConfig,
				contracts.CategoryUserManagement,
				contracts.CategorySecurity,
			},
			ReviewInterval:          4 * time.Hour,
			MaxBudgetPerActionCents: 10_000,  // $100
			MaxDailyBudgetCents:     100_000, // $1,000
			Require2FAForHighRisk:   true,
			MaxConsecutiveActions:   50,
			Hard:                    defaultHardLimits,
		},
		contracts.TrustFullAutonomy: {
			Level:              contracts.TrustFullAutonomy,
			MaxAutoApproveRisk: contracts.RiskHigh,
			AlwaysRequireApproval: []contracts.ActionCategory{
				contracts.CategoryPayment,
				contracts.CategorySystemConfig,
				contracts.CategoryUserManagement,
				contracts.CategorySecurity,
			},
			ReviewInterval:          24 * time.Hour,
			MaxBudgetPerActionCents: 50_000,  // $500
			MaxDailyBudgetCents:     500_000, // $5,000
			Require2FAForHighRisk:   true,
			MaxConsecutiveActions:   200,
			Hard:                    defaultHardLimits,
		},
		contracts.TrustEnterprise: {
			Level:              contracts.TrustEnterprise,
			MaxAutoApproveRisk: contracts.RiskHigh,
			AlwaysRequireApproval: []contracts.ActionCategory{
				contracts.CategoryPayment,
				contracts.CategorySystemConfig,
				contracts.CategoryUserManagement,
				contracts.CategorySecurity,
			},
			ReviewInterval:          24 * time.Hour,
			MaxBudgetPerActionCents: 100_000,   // $1,000
			MaxDailyBudgetCents:     1_000_000, // $10,000
			Require2FAForHighRisk:   true,
			AllowManagerApproval:    true,
			MaxConsecutiveActions:   500,
			Hard:                    defaultHardLimits,
		},
	}
	return &Catalog{levels: levels}
}

// Get returns the configuration for a level, or nil if the level is not
// a member of the closed set.
func (c *Catalog) Get(level contracts.TrustLevel) *LevelConfig {
	cfg, ok := c.levels[level]
	if !ok {
		return nil
	}
	return &cfg
}

// Levels returns all configured levels in ascending order.
func (c *Catalog) Levels() []contracts.TrustLevel {
	out := make([]contracts.TrustLevel, 0, len(c.levels))
	for l := contracts.TrustObserveOnly; l <= contracts.TrustEnterprise; l++ {
		if _, ok := c.levels[l]; ok {
			out = append(out, l)
		}
	}
	return out
}
