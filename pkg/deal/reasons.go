package deal

import "fmt"

// ReasonType enumerates the blocked-decision taxonomy. Authority, material,
// and state outcomes are expected business results carried as values; only
// infrastructure failures travel as Go errors.
type ReasonType string

const (
	// ReasonApprovalThreshold covers both an ineligible role and an eligible
	// role short of quorum.
	ReasonApprovalThreshold ReasonType = "APPROVAL_THRESHOLD"
	// ReasonMissingMaterial means no material of the required type exists.
	ReasonMissingMaterial ReasonType = "MISSING_MATERIAL"
	// ReasonInsufficientTruth means the best material of the type ranks below
	// the required truth class.
	ReasonInsufficientTruth ReasonType = "INSUFFICIENT_TRUTH"
	// ReasonInvalidStateTransition means the deal is not in a legal
	// predecessor state for the action.
	ReasonInvalidStateTransition ReasonType = "INVALID_STATE_TRANSITION"
	// ReasonUnknownAction means no rule or transition is defined for the action.
	ReasonUnknownAction ReasonType = "UNKNOWN_ACTION"
	// ReasonConcurrency means an append conflicted twice with concurrent writers.
	ReasonConcurrency ReasonType = "CONCURRENCY_ERROR"
	// ReasonForbiddenOrg marks cross-tenant access; surfaced to clients as 404.
	ReasonForbiddenOrg ReasonType = "FORBIDDEN_ORG"
)

// Reason is one structured entry in a BLOCKED decision. Reasons are ordered
// and minimal: evaluation stops at the first failing check.
type Reason struct {
	Type         ReasonType `json:"type"`
	MaterialType string     `json:"materialType,omitempty"`
	Detail       string     `json:"detail,omitempty"`
}

// Key returns the reduced identity of the reason used by the diff engine:
// the type alone, or type:materialType for material reasons.
func (r Reason) Key() string {
	if r.MaterialType != "" {
		return fmt.Sprintf("%s:%s", r.Type, r.MaterialType)
	}
	return string(r.Type)
}
