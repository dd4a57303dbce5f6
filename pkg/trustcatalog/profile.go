package trustcatalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/covenant-labs/warden/pkg/contracts"
)

// Profile is an operator-supplied YAML overlay for the catalog. It may
// tighten or retune level budgets, intervals, and approval lists, but it
// can never touch the hard limits: a profile carrying a hard_limits key
// is rejected outright.
type Profile struct {
	Name   string                  `yaml:"name"`
	Levels map[string]levelProfile `yaml:"levels"`
}

type levelProfile struct {
	MaxAutoApproveRisk      *string  `yaml:"max_auto_approve_risk"`
	AlwaysRequireApproval   []string `yaml:"always_require_approval"`
	DeniedCategories        []string `yaml:"denied_categories"`
	ReviewInterval          *string  `yaml:"review_interval"`
	MaxBudgetPerActionCents *int64   `yaml:"max_budget_per_action_cents"`
	MaxDailyBudgetCents     *int64   `yaml:"max_daily_budget_cents"`
	MaxConsecutiveActions   *int     `yaml:"max_consecutive_actions"`
}

var levelNames = map[string]contracts.TrustLevel{
	"OBSERVE_ONLY":  contracts.TrustObserveOnly,
	"GUIDED":        contracts.TrustGuided,
	"SUPERVISED":    contracts.TrustSupervised,
	"FULL_AUTONOMY": contracts.TrustFullAutonomy,
	"ENTERPRISE":    contracts.TrustEnterprise,
}

var riskNames = map[string]contracts.RiskLevel{
	"NONE":     contracts.RiskNone,
	"LOW":      contracts.RiskLow,
	"MEDIUM":   contracts.RiskMedium,
	"HIGH":     contracts.RiskHigh,
	"CRITICAL": contracts.RiskCritical,
}

// LoadProfile reads a YAML profile from disk and applies it to the
// catalog, returning a new catalog. The receiver is not mutated.
func (c *Catalog) LoadProfile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile read failed: %w", err)
	}
	return c.ApplyProfile(raw)
}

// ApplyProfile applies raw YAML profile bytes to the catalog.
func (c *Catalog) ApplyProfile(raw []byte) (*Catalog, error) {
	// Reject any attempt to configure hard limits before decoding.
	var probe map[string]any
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("profile parse failed: %w", err)
	}
	if containsKey(probe, "hard_limits") {
		return nil, fmt.Errorf("profile rejected: hard limits are not configurable")
	}

	var profile Profile
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("profile parse failed: %w", err)
	}

	next := &Catalog{levels: make(map[contracts.TrustLevel]LevelConfig, len(c.levels))}
	for l, cfg := range c.levels {
		next.levels[l] = cfg
	}

	for name, lp := range profile.Levels {
		level, ok := levelNames[name]
		if !ok {
			return nil, fmt.Errorf("profile rejected: unknown trust level %q", name)
		}
		cfg, ok := next.levels[level]
		if !ok {
			return nil, fmt.Errorf("profile rejected: level %q not in catalog", name)
		}
		if err := applyLevelProfile(&cfg, lp); err != nil {
			return nil, fmt.Errorf("profile level %s: %w", name, err)
		}
		next.levels[level] = cfg
	}
	return next, nil
}

func applyLevelProfile(cfg *LevelConfig, lp levelProfile) error {
	if lp.MaxAutoApproveRisk != nil {
		risk, ok := riskNames[*lp.MaxAutoApproveRisk]
		if !ok {
			return fmt.Errorf("unknown risk level %q", *lp.MaxAutoApproveRisk)
		}
		cfg.MaxAutoApproveRisk = risk
	}
	if lp.AlwaysRequireApproval != nil {
		cats, err := parseCategories(lp.AlwaysRequireApproval)
		if err != nil {
			return err
		}
		cfg.AlwaysRequireApproval = cats
	}
	if lp.DeniedCategories != nil {
		cats, err := parseCategories(lp.DeniedCategories)
		if err != nil {
			return err
		}
		cfg.DeniedCategories = cats
	}
	if lp.ReviewInterval != nil {
		d, err := time.ParseDuration(*lp.ReviewInterval)
		if err != nil {
			return fmt.Errorf("bad review_interval: %w", err)
		}
		cfg.ReviewInterval = d
	}
	if lp.MaxBudgetPerActionCents != nil {
		cfg.MaxBudgetPerActionCents = *lp.MaxBudgetPerActionCents
	}
	if lp.MaxDailyBudgetCents != nil {
		cfg.MaxDailyBudgetCents = *lp.MaxDailyBudgetCents
	}
	if lp.MaxConsecutiveActions != nil {
		cfg.MaxConsecutiveActions = *lp.MaxConsecutiveActions
	}
	return nil
}

func parseCategories(names []string) ([]contracts.ActionCategory, error) {
	out := make([]contracts.ActionCategory, 0, len(names))
	for _, n := range names {
		cat := contracts.ActionCategory(n)
		if !cat.Valid() {
			return nil, fmt.Errorf("unknown category %q", n)
		}
		out = append(out, cat)
	}
	return out, nil
}

func containsKey(node any, key string) bool {
	switch t := node.(type) {
	case map[string]any:
		for k, v := range t {
			if k == key {
				return true
			}
			if containsKey(v, key) {
				return true
			}
		}
	case []any:
		for _, v := range t {
			if containsKey(v, key) {
				return true
			}
		}
	}
	return false
}
