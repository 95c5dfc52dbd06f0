package authority

import (
	"fmt"
	"strings"

	"github.com/keelhq/keel/pkg/canonical"
	"github.com/keelhq/keel/pkg/deal"
)

// Decision is the outcome of one gate evaluation. BLOCKED decisions carry an
// ordered, minimal reason list: evaluation stops at the first failing check,
// so Reasons holds at most one entry here. The explain service may prepend a
// state-machine reason when composing.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Action      deal.Action   `json:"action"`
	Reasons     []deal.Reason `json:"reasons,omitempty"`
	RulesetHash string        `json:"rulesetHash"`
}

// Evaluate runs the authority gate for an action against the projected
// approvals and materials. Pure and deterministic: identical inputs always
// produce an identical decision.
//
// Check order: rule lookup, role quorum over distinct actors, then each
// material requirement in declared order.
func (rs *Ruleset) Evaluate(action deal.Action, approvals []deal.Approval, materials []deal.Material) Decision {
	rule, ok := rs.rules[action]
	if !ok {
		return rs.blocked(action, deal.Reason{
			Type:   deal.ReasonUnknownAction,
			Detail: fmt.Sprintf("no authority rule for action %s", action),
		})
	}

	if reason := checkQuorum(rule, approvals); reason != nil {
		return rs.blocked(action, *reason)
	}

	for _, req := range rs.materials[action] {
		best, found := BestMaterial(materials, req.Type)
		if !found {
			return rs.blocked(action, deal.Reason{
				Type:         deal.ReasonMissingMaterial,
				MaterialType: req.Type,
				Detail:       fmt.Sprintf("no material of type %s", req.Type),
			})
		}
		if !best.TruthClass.Sufficient(req.RequiredTruth) {
			return rs.blocked(action, deal.Reason{
				Type:         deal.ReasonInsufficientTruth,
				MaterialType: req.Type,
				Detail:       fmt.Sprintf("need %s, got %s", req.RequiredTruth, best.TruthClass),
			})
		}
	}

	return Decision{Allowed: true, Action: action, RulesetHash: rs.hash}
}

// EvaluateOverride runs the stricter override rule for an action in place of
// its quorum and material checks. Actions without an override rule fail
// closed with UNKNOWN_ACTION.
func (rs *Ruleset) EvaluateOverride(action deal.Action, approvals []deal.Approval) Decision {
	rule, ok := rs.overrides[action]
	if !ok {
		return rs.blocked(action, deal.Reason{
			Type:   deal.ReasonUnknownAction,
			Detail: fmt.Sprintf("no override rule for action %s", action),
		})
	}
	if reason := checkQuorum(rule, approvals); reason != nil {
		return rs.blocked(action, *reason)
	}
	return Decision{Allowed: true, Action: action, RulesetHash: rs.hash}
}

func (rs *Ruleset) blocked(action deal.Action, reason deal.Reason) Decision {
	return Decision{Allowed: false, Action: action, Reasons: []deal.Reason{reason}, RulesetHash: rs.hash}
}

// checkQuorum counts approvals whose role is allowed, deduplicated by actor
// id, and returns an APPROVAL_THRESHOLD reason when the count falls short.
// An ineligible role and an eligible role below quorum report the same
// reason type.
func checkQuorum(rule Rule, approvals []deal.Approval) *deal.Reason {
	allowed := make(map[deal.Role]bool, len(rule.RolesAllowed))
	for _, role := range rule.RolesAllowed {
		allowed[role] = true
	}

	seen := make(map[string]bool)
	count := 0
	for _, approval := range approvals {
		if !allowed[approval.Role] || seen[approval.ActorID] {
			continue
		}
		seen[approval.ActorID] = true
		count++
	}

	if count < rule.Threshold {
		return &deal.Reason{
			Type:   deal.ReasonApprovalThreshold,
			Detail: fmt.Sprintf("need %d from [%s], got %d", rule.Threshold, formatRoles(rule.RolesAllowed), count),
		}
	}
	return nil
}

// BestMaterial selects the authoritative material of a type: the one with
// the maximum truth rank under the fixed total order, first occurrence
// winning ties. The explicit comparison guards against silently wrong
// results if a truth class is ever added.
func BestMaterial(materials []deal.Material, materialType string) (deal.Material, bool) {
	var best deal.Material
	found := false
	for _, m := range materials {
		if m.Type != materialType {
			continue
		}
		if !found || m.TruthClass.Rank() > best.TruthClass.Rank() {
			best = m
			found = true
		}
	}
	return best, found
}

// ComputeDecisionHash produces a deterministic hash of a decision using the
// canonical JSON form, excluding nothing: the decision itself never embeds
// its own hash.
func ComputeDecisionHash(d Decision) (string, error) {
	hash, err := canonical.Hash(d)
	if err != nil {
		return "", fmt.Errorf("authority: decision hash: %w", err)
	}
	return "sha256:" + hash, nil
}

func formatRoles(roles []deal.Role) string {
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}
	return strings.Join(names, ", ")
}
