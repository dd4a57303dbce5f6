// Package contracts defines the shared data model of the trust engine:
// actions, trust contexts, permission results, and the workflow requests
// exchanged between the guardian and its collaborators.
//
// All enumerations are closed sets. Values outside them never default to
// a permissive decision; they fail validation at the boundary.
package contracts

import "fmt"

// TrustLevel is the ceiling of autonomy granted to a session.
// Levels are strictly ordered; a higher level is never less capable
// than a lower one for the same action.
type TrustLevel int

const (
	TrustObserveOnly TrustLevel = iota + 1
	TrustGuided
	TrustSupervised
	TrustFullAutonomy
	TrustEnterprise
)

// String implements fmt.Stringer for TrustLevel.
func (l TrustLevel) String() string {
	switch l {
	case TrustObserveOnly:
		return "OBSERVE_ONLY"
	case TrustGuided:
		return "GUIDED"
	case TrustSupervised:
		return "SUPERVISED"
	case TrustFullAutonomy:
		return "FULL_AUTONOMY"
	case TrustEnterprise:
		return "ENTERPRISE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(l))
	}
}

// Valid reports whether the level is a member of the closed set.
func (l TrustLevel) Valid() bool {
	return l >= TrustObserveOnly && l <= TrustEnterprise
}

// RiskLevel is the assessed severity of a single action.
// Comparable via the natural integer order.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

// String implements fmt.Stringer for RiskLevel.
func (r RiskLevel) String() string {
	switch r {
	case RiskNone:
		return "NONE"
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(r))
	}
}

// Valid reports whether the risk level is a member of the closed set.
func (r RiskLevel) Valid() bool {
	return r >= RiskNone && r <= RiskCritical
}

// ActionCategory classifies what kind of operation an action performs.
type ActionCategory string

const (
	CategoryRead           ActionCategory = "READ"
	CategoryCreate         ActionCategory = "CREATE"
	CategoryUpdate         ActionCategory = "UPDATE"
	CategoryDelete         ActionCategory = "DELETE"
	CategoryPayment        ActionCategory = "PAYMENT"
	CategoryExternalAPI    ActionCategory = "EXTERNAL_API"
	CategorySystemConfig   ActionCategory = "SYSTEM_CONFIG"
	CategoryUserManagement ActionCategory = "USER_MANAGEMENT"
	CategoryDataExport     ActionCategory = "DATA_EXPORT"
	CategorySecurity       ActionCategory = "SECURITY"
)

// AllCategories lists every member of the closed category set.
var AllCategories = []ActionCategory{
	CategoryRead,
	CategoryCreate,
	CategoryUpdate,
	CategoryDelete,
	CategoryPayment,
	CategoryExternalAPI,
	CategorySystemConfig,
	CategoryUserManagement,
	CategoryDataExport,
	CategorySecurity,
}

// Valid reports whether the category is a member of the closed set.
func (c ActionCategory) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Decision is the outcome of a permission check.
type Decision string

const (
	DecisionAllow                  Decision = "ALLOW"
	DecisionDeny                   Decision = "DENY"
	DecisionRequireApproval        Decision = "REQUIRE_APPROVAL"
	DecisionRequire2FA             Decision = "REQUIRE_2FA"
	DecisionRequireManagerApproval Decision = "REQUIRE_MANAGER_APPROVAL"
	DecisionQueueForReview         Decision = "QUEUE_FOR_REVIEW"
)

// Valid reports whether the decision is a member of the closed set.
func (d Decision) Valid() bool {
	switch d {
	case DecisionAllow, DecisionDeny, DecisionRequireApproval,
		DecisionRequire2FA, DecisionRequireManagerApproval, DecisionQueueForReview:
		return true
	}
	return false
}

// RequesterType identifies what kind of principal submitted an action.
type RequesterType string

const (
	RequesterUser   RequesterType = "user"
	RequesterAgent  RequesterType = "agent"
	RequesterSystem RequesterType = "system"
)

// Valid reports whether the requester type is a member of the closed set.
func (t RequesterType) Valid() bool {
	switch t {
	case RequesterUser, RequesterAgent, RequesterSystem:
		return true
	}
	return false
}
