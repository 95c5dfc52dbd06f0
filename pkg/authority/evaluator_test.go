package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/pkg/deal"
)

func twoGPApprovals() []deal.Approval {
	return []deal.Approval{
		{ActorID: "actor-1", Role: deal.RoleGP},
		{ActorID: "actor-2", Role: deal.RoleGP},
	}
}

func TestEvaluate_ApproveDealProgression(t *testing.T) {
	rs := DefaultRuleset()

	// Two GP approvals but no materials at all.
	d := rs.Evaluate(deal.ActionApproveDeal, twoGPApprovals(), nil)
	require.False(t, d.Allowed)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, deal.ReasonMissingMaterial, d.Reasons[0].Type)
	assert.Equal(t, "UnderwritingSummary", d.Reasons[0].MaterialType)

	// AI-class material is not enough for a HUMAN requirement.
	aiOnly := []deal.Material{{Type: "UnderwritingSummary", TruthClass: deal.TruthAI}}
	d = rs.Evaluate(deal.ActionApproveDeal, twoGPApprovals(), aiOnly)
	require.False(t, d.Allowed)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, deal.ReasonInsufficientTruth, d.Reasons[0].Type)
	assert.Equal(t, "UnderwritingSummary", d.Reasons[0].MaterialType)
	assert.Equal(t, "need HUMAN, got AI", d.Reasons[0].Detail)

	// Upgraded to HUMAN the gate opens.
	upgraded := []deal.Material{
		{Type: "UnderwritingSummary", TruthClass: deal.TruthAI},
		{Type: "UnderwritingSummary", TruthClass: deal.TruthHuman},
	}
	d = rs.Evaluate(deal.ActionApproveDeal, twoGPApprovals(), upgraded)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reasons)
}

func TestEvaluate_LiftFreezeQuorum(t *testing.T) {
	rs := DefaultRuleset()

	// GP is not an eligible role for LIFT_FREEZE.
	d := rs.Evaluate(deal.ActionLiftFreeze, []deal.Approval{{ActorID: "a1", Role: deal.RoleGP}}, nil)
	require.False(t, d.Allowed)
	assert.Equal(t, deal.ReasonApprovalThreshold, d.Reasons[0].Type)
	assert.Equal(t, "need 1 from [Regulator, Counsel], got 0", d.Reasons[0].Detail)

	// A single regulator suffices.
	d = rs.Evaluate(deal.ActionLiftFreeze, []deal.Approval{{ActorID: "a2", Role: deal.RoleRegulator}}, nil)
	assert.True(t, d.Allowed)

	// So does counsel.
	d = rs.Evaluate(deal.ActionLiftFreeze, []deal.Approval{{ActorID: "a3", Role: deal.RoleCounsel}}, nil)
	assert.True(t, d.Allowed)
}

func TestEvaluate_UnknownAction(t *testing.T) {
	rs := DefaultRuleset()
	d := rs.Evaluate(deal.Action("FOO"), twoGPApprovals(), nil)
	require.False(t, d.Allowed)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, deal.ReasonUnknownAction, d.Reasons[0].Type)
}

func TestEvaluate_FinalizeClosingDocRequirements(t *testing.T) {
	rs := DefaultRuleset()
	approvals := []deal.Approval{{ActorID: "gp-1", Role: deal.RoleGP}}

	// Only the wire confirmation: the block must name the formation docs.
	wireOnly := []deal.Material{{Type: "WireConfirmation", TruthClass: deal.TruthDoc}}
	d := rs.Evaluate(deal.ActionFinalizeClosing, approvals, wireOnly)
	require.False(t, d.Allowed)
	require.Len(t, d.Reasons, 1)
	assert.Equal(t, deal.ReasonMissingMaterial, d.Reasons[0].Type)
	assert.Equal(t, "EntityFormationDocs", d.Reasons[0].MaterialType)

	// HUMAN-level formation docs get no partial credit against a DOC gate.
	humanDocs := append(wireOnly, deal.Material{Type: "EntityFormationDocs", TruthClass: deal.TruthHuman})
	d = rs.Evaluate(deal.ActionFinalizeClosing, approvals, humanDocs)
	require.False(t, d.Allowed)
	assert.Equal(t, deal.ReasonInsufficientTruth, d.Reasons[0].Type)
	assert.Equal(t, "EntityFormationDocs", d.Reasons[0].MaterialType)

	// Both as DOC.
	both := append(wireOnly, deal.Material{Type: "EntityFormationDocs", TruthClass: deal.TruthDoc})
	d = rs.Evaluate(deal.ActionFinalizeClosing, approvals, both)
	assert.True(t, d.Allowed)
}

func TestEvaluate_DistinctActorQuorum(t *testing.T) {
	rs := DefaultRuleset()

	// The same actor approving twice counts once.
	sameActor := []deal.Approval{
		{ActorID: "gp-1", Role: deal.RoleGP},
		{ActorID: "gp-1", Role: deal.RoleGP},
	}
	material := []deal.Material{{Type: "UnderwritingSummary", TruthClass: deal.TruthHuman}}
	d := rs.Evaluate(deal.ActionApproveDeal, sameActor, material)
	require.False(t, d.Allowed)
	assert.Equal(t, deal.ReasonApprovalThreshold, d.Reasons[0].Type)
	assert.Equal(t, "need 2 from [GP], got 1", d.Reasons[0].Detail)
}

func TestEvaluate_Deterministic(t *testing.T) {
	rs := DefaultRuleset()
	approvals := twoGPApprovals()
	materials := []deal.Material{{Type: "UnderwritingSummary", TruthClass: deal.TruthAI}}

	first := rs.Evaluate(deal.ActionApproveDeal, approvals, materials)
	second := rs.Evaluate(deal.ActionApproveDeal, approvals, materials)
	assert.Equal(t, first, second)

	h1, err := ComputeDecisionHash(first)
	require.NoError(t, err)
	h2, err := ComputeDecisionHash(second)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestEvaluateOverride_FailsClosedWithoutRule(t *testing.T) {
	rs := DefaultRuleset()

	// LIFT_FREEZE has no override rule; attempting one is rejected outright.
	d := rs.EvaluateOverride(deal.ActionLiftFreeze, []deal.Approval{{ActorID: "r1", Role: deal.RoleRegulator}})
	require.False(t, d.Allowed)
	assert.Equal(t, deal.ReasonUnknownAction, d.Reasons[0].Type)
}

func TestEvaluateOverride_StricterQuorum(t *testing.T) {
	rs := DefaultRuleset()

	// The APPROVE_DEAL override demands three distinct GPs and skips materials.
	two := twoGPApprovals()
	d := rs.EvaluateOverride(deal.ActionApproveDeal, two)
	require.False(t, d.Allowed)
	assert.Equal(t, deal.ReasonApprovalThreshold, d.Reasons[0].Type)

	three := append(two, deal.Approval{ActorID: "actor-3", Role: deal.RoleGP})
	d = rs.EvaluateOverride(deal.ActionApproveDeal, three)
	assert.True(t, d.Allowed)
}

func TestBestMaterial_MaxByRank(t *testing.T) {
	materials := []deal.Material{
		{ID: "m1", Type: "X", TruthClass: deal.TruthAI},
		{ID: "m2", Type: "X", TruthClass: deal.TruthHuman},
		{ID: "m3", Type: "Y", TruthClass: deal.TruthDoc},
	}
	best, found := BestMaterial(materials, "X")
	require.True(t, found)
	assert.Equal(t, "m2", best.ID)

	_, found = BestMaterial(materials, "Z")
	assert.False(t, found)
}
