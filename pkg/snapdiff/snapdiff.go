// Package snapdiff computes structured deltas between two projections of the
// same deal and between two explain evaluations of the same action. The log
// is append-only, so a forward diff only ever shows things appearing or
// improving: new approvals, gained roles, added or upgraded materials.
package snapdiff

import (
	"fmt"
	"sort"

	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/projection"
)

// FieldChange records one scalar transition between snapshots.
type FieldChange struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// ApprovalChange is the per-action quorum delta between two snapshots.
type ApprovalChange struct {
	Action        deal.Action `json:"action"`
	SatisfiedFrom bool        `json:"satisfiedFrom"`
	SatisfiedTo   bool        `json:"satisfiedTo"`
	RolesGained   []deal.Role `json:"rolesGained,omitempty"`
	RolesLost     []deal.Role `json:"rolesLost,omitempty"`
	ApproversFrom int         `json:"approversFrom"`
	ApproversTo   int         `json:"approversTo"`
}

// Material change kinds.
const (
	MaterialAdded    = "added"
	MaterialUpgraded = "upgraded"
)

// MaterialChange describes one material type whose best truth class moved.
type MaterialChange struct {
	Type      string          `json:"type"`
	Kind      string          `json:"kind"`
	FromTruth deal.TruthClass `json:"fromTruth,omitempty"`
	ToTruth   deal.TruthClass `json:"toTruth"`
}

// MissingChange is the per-action count of unmet material requirements on
// each side. Only actions whose count moved are reported.
type MissingChange struct {
	Action deal.Action `json:"action"`
	From   int         `json:"from"`
	To     int         `json:"to"`
}

// Diff is the structured delta between two snapshots of one deal, ordered
// from the earlier snapshot to the later one.
type Diff struct {
	DealID     string           `json:"dealId"`
	FromSeq    int64            `json:"fromSeq"`
	ToSeq      int64            `json:"toSeq"`
	Changes    []FieldChange    `json:"changes,omitempty"`
	Approvals  []ApprovalChange `json:"approvals,omitempty"`
	Materials  []MaterialChange `json:"materials,omitempty"`
	Missing    []MissingChange  `json:"missing,omitempty"`
	HasChanges bool             `json:"hasChanges"`
}

// Snapshots compares an earlier projection of a deal with a later one.
func Snapshots(from, to projection.DealProjection) Diff {
	d := Diff{
		DealID:  to.DealID,
		FromSeq: from.Seq,
		ToSeq:   to.Seq,
	}

	diffField(&d, "state", string(from.State), string(to.State))
	diffField(&d, "priorState", string(from.PriorState), string(to.PriorState))
	diffField(&d, "stressMode", string(from.StressMode), string(to.StressMode))
	diffField(&d, "readyToClose", fmt.Sprintf("%t", from.ReadyToClose), fmt.Sprintf("%t", to.ReadyToClose))

	d.Approvals = diffApprovals(from, to)
	d.Materials = diffMaterials(from.Materials.List, to.Materials.List)
	d.Missing = diffMissing(from, to)

	d.HasChanges = len(d.Changes) > 0 || len(d.Approvals) > 0 ||
		len(d.Materials) > 0 || len(d.Missing) > 0
	return d
}

func diffField(d *Diff, field, from, to string) {
	if from == to {
		return
	}
	d.Changes = append(d.Changes, FieldChange{Field: field, From: from, To: to})
}

func diffApprovals(from, to projection.DealProjection) []ApprovalChange {
	actions := make(map[deal.Action]bool, len(from.Approvals)+len(to.Approvals))
	for action := range from.Approvals {
		actions[action] = true
	}
	for action := range to.Approvals {
		actions[action] = true
	}

	keys := make([]deal.Action, 0, len(actions))
	for action := range actions {
		keys = append(keys, action)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []ApprovalChange
	for _, action := range keys {
		before := from.Approvals[action]
		after := to.Approvals[action]

		gained := roleSetDiff(after.SatisfiedByRole, before.SatisfiedByRole)
		lost := roleSetDiff(before.SatisfiedByRole, after.SatisfiedByRole)
		if before.Satisfied == after.Satisfied &&
			len(gained) == 0 && len(lost) == 0 &&
			len(before.Approvers) == len(after.Approvers) {
			continue
		}
		out = append(out, ApprovalChange{
			Action:        action,
			SatisfiedFrom: before.Satisfied,
			SatisfiedTo:   after.Satisfied,
			RolesGained:   gained,
			RolesLost:     lost,
			ApproversFrom: len(before.Approvers),
			ApproversTo:   len(after.Approvers),
		})
	}
	return out
}

// roleSetDiff returns the roles in a that are absent from b, sorted.
func roleSetDiff(a, b []deal.Role) []deal.Role {
	in := make(map[deal.Role]bool, len(b))
	for _, role := range b {
		in[role] = true
	}
	var out []deal.Role
	for _, role := range a {
		if !in[role] {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func diffMaterials(from, to []deal.Material) []MaterialChange {
	best := func(list []deal.Material) map[string]deal.TruthClass {
		m := make(map[string]deal.TruthClass, len(list))
		for _, mat := range list {
			if cur, ok := m[mat.Type]; !ok || mat.TruthClass.Rank() > cur.Rank() {
				m[mat.Type] = mat.TruthClass
			}
		}
		return m
	}
	beforeBest := best(from)
	afterBest := best(to)

	types := make([]string, 0, len(afterBest))
	for t := range afterBest {
		types = append(types, t)
	}
	sort.Strings(types)

	var out []MaterialChange
	for _, t := range types {
		after := afterBest[t]
		before, had := beforeBest[t]
		switch {
		case !had:
			out = append(out, MaterialChange{Type: t, Kind: MaterialAdded, ToTruth: after})
		case after.Rank() > before.Rank():
			out = append(out, MaterialChange{Type: t, Kind: MaterialUpgraded, FromTruth: before, ToTruth: after})
		}
	}
	return out
}

func diffMissing(from, to projection.DealProjection) []MissingChange {
	actions := make(map[deal.Action]bool, len(to.Materials.RequiredFor))
	for action := range from.Materials.RequiredFor {
		actions[action] = true
	}
	for action := range to.Materials.RequiredFor {
		actions[action] = true
	}

	keys := make([]deal.Action, 0, len(actions))
	for action := range actions {
		keys = append(keys, action)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []MissingChange
	for _, action := range keys {
		before := from.MissingCount(action)
		after := to.MissingCount(action)
		if before == after {
			continue
		}
		out = append(out, MissingChange{Action: action, From: before, To: after})
	}
	return out
}

// ReasonsDiff reports which blocked reasons cleared and which appeared
// between two evaluations of the same action. Identity is the reason key
// (type, or type:materialType), so a reworded detail is not a change.
type ReasonsDiff struct {
	Cleared []deal.Reason `json:"cleared,omitempty"`
	Added   []deal.Reason `json:"added,omitempty"`
	Same    bool          `json:"same"`
}

// Reasons diffs two ordered reason lists. Cleared entries keep from-order,
// added entries keep to-order, matching how the evaluator reported them.
func Reasons(from, to []deal.Reason) ReasonsDiff {
	fromKeys := make(map[string]bool, len(from))
	for _, r := range from {
		fromKeys[r.Key()] = true
	}
	toKeys := make(map[string]bool, len(to))
	for _, r := range to {
		toKeys[r.Key()] = true
	}

	var d ReasonsDiff
	for _, r := range from {
		if !toKeys[r.Key()] {
			d.Cleared = append(d.Cleared, r)
		}
	}
	for _, r := range to {
		if !fromKeys[r.Key()] {
			d.Added = append(d.Added, r)
		}
	}
	d.Same = len(d.Cleared) == 0 && len(d.Added) == 0
	return d
}
