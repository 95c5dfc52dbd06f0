package snapdiff

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/pkg/authority"
	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/projection"
)

var testBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type eventBuilder struct {
	seq    int64
	events []deal.Event
}

func (b *eventBuilder) add(evType string, actorID string, payload any) *eventBuilder {
	b.seq++
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			panic(err)
		}
		raw = data
	}
	b.events = append(b.events, deal.Event{
		ID:        fmt.Sprintf("ev-%d", b.seq),
		DealID:    "deal-1",
		Sequence:  b.seq,
		Type:      evType,
		ActorID:   actorID,
		Payload:   raw,
		CreatedAt: testBase.Add(time.Duration(b.seq) * time.Minute),
	})
	return b
}

func (b *eventBuilder) approval(actorID string, action deal.Action, role deal.Role) *eventBuilder {
	return b.add(deal.EventApprovalGranted, actorID, deal.ApprovalPayload{Action: action, Role: role})
}

func (b *eventBuilder) material(materialType string, truth deal.TruthClass) *eventBuilder {
	return b.add(deal.EventMaterialAdded, "system", deal.MaterialPayload{MaterialType: materialType, TruthClass: truth})
}

func projectAt(t *testing.T, events []deal.Event, upTo int) projection.DealProjection {
	t.Helper()
	return projection.New(authority.DefaultRuleset()).Project("deal-1", events[:upTo])
}

func TestSnapshots_NoChanges(t *testing.T) {
	b := &eventBuilder{}
	b.add(deal.EventDealCreated, "gp-1", nil).
		add(string(deal.ActionOpenReview), "gp-1", nil)

	from := projectAt(t, b.events, 2)
	to := projectAt(t, b.events, 2)

	d := Snapshots(from, to)
	assert.False(t, d.HasChanges)
	assert.Empty(t, d.Changes)
	assert.Empty(t, d.Approvals)
	assert.Empty(t, d.Materials)
	assert.Empty(t, d.Missing)
	assert.Equal(t, int64(2), d.FromSeq)
	assert.Equal(t, int64(2), d.ToSeq)
}

func TestSnapshots_LifecycleDelta(t *testing.T) {
	b := &eventBuilder{}
	b.add(deal.EventDealCreated, "gp-1", nil).
		add(string(deal.ActionOpenReview), "gp-1", nil).
		approval("gp-1", deal.ActionApproveDeal, deal.RoleGP).
		approval("gp-2", deal.ActionApproveDeal, deal.RoleGP).
		material("UnderwritingSummary", deal.TruthHuman).
		add(string(deal.ActionApproveDeal), "gp-1", nil).
		add(string(deal.ActionAttestReadyToClose), "gp-1", nil)

	from := projectAt(t, b.events, 2)
	to := projectAt(t, b.events, 7)

	d := Snapshots(from, to)
	require.True(t, d.HasChanges)
	assert.Equal(t, "deal-1", d.DealID)
	assert.Equal(t, int64(2), d.FromSeq)
	assert.Equal(t, int64(7), d.ToSeq)

	assert.Contains(t, d.Changes, FieldChange{Field: "state", From: "UnderReview", To: "Approved"})
	assert.Contains(t, d.Changes, FieldChange{Field: "readyToClose", From: "false", To: "true"})

	require.Len(t, d.Approvals, 1)
	ap := d.Approvals[0]
	assert.Equal(t, deal.ActionApproveDeal, ap.Action)
	assert.False(t, ap.SatisfiedFrom)
	assert.True(t, ap.SatisfiedTo)
	assert.Equal(t, []deal.Role{deal.RoleGP}, ap.RolesGained)
	assert.Empty(t, ap.RolesLost)
	assert.Equal(t, 0, ap.ApproversFrom)
	assert.Equal(t, 2, ap.ApproversTo)

	require.Len(t, d.Materials, 1)
	mat := d.Materials[0]
	assert.Equal(t, "UnderwritingSummary", mat.Type)
	assert.Equal(t, MaterialAdded, mat.Kind)
	assert.Empty(t, mat.FromTruth)
	assert.Equal(t, deal.TruthHuman, mat.ToTruth)
}

func TestSnapshots_MaterialUpgrade(t *testing.T) {
	b := &eventBuilder{}
	b.material("WireConfirmation", deal.TruthAI).
		material("WireConfirmation", deal.TruthDoc)

	from := projectAt(t, b.events, 1)
	to := projectAt(t, b.events, 2)

	d := Snapshots(from, to)
	require.Len(t, d.Materials, 1)
	mat := d.Materials[0]
	assert.Equal(t, MaterialUpgraded, mat.Kind)
	assert.Equal(t, deal.TruthAI, mat.FromTruth)
	assert.Equal(t, deal.TruthDoc, mat.ToTruth)
	assert.Empty(t, d.Changes, "materials alone change no scalar field")
	assert.True(t, d.HasChanges)
}

func TestSnapshots_MissingCountDelta(t *testing.T) {
	b := &eventBuilder{}
	b.material("UnderwritingSummary", deal.TruthHuman).
		material("WireConfirmation", deal.TruthDoc)

	from := projectAt(t, b.events, 0)
	to := projectAt(t, b.events, 2)

	d := Snapshots(from, to)
	assert.Contains(t, d.Missing, MissingChange{Action: deal.ActionApproveDeal, From: 1, To: 0})
	assert.Contains(t, d.Missing, MissingChange{Action: deal.ActionFinalizeClosing, From: 2, To: 1})
	for _, mc := range d.Missing {
		assert.NotEqual(t, deal.ActionResolveDistress, mc.Action, "unchanged counts are not reported")
	}
}

func TestSnapshots_FreezeShowsPriorState(t *testing.T) {
	b := &eventBuilder{}
	b.add(string(deal.ActionOpenReview), "gp-1", nil).
		add(string(deal.ActionImposeFreeze), "reg-1", nil)

	from := projectAt(t, b.events, 1)
	to := projectAt(t, b.events, 2)

	d := Snapshots(from, to)
	assert.Contains(t, d.Changes, FieldChange{Field: "state", From: "UnderReview", To: "Frozen"})
	assert.Contains(t, d.Changes, FieldChange{Field: "priorState", From: "", To: "UnderReview"})
}

func TestSnapshots_SortedByActionAndType(t *testing.T) {
	b := &eventBuilder{}
	b.approval("gp-1", deal.ActionTerminateDeal, deal.RoleGP).
		approval("an-1", deal.ActionOpenReview, deal.RoleAnalyst).
		material("WireConfirmation", deal.TruthDoc).
		material("ExitSettlementStatement", deal.TruthDoc)

	from := projectAt(t, b.events, 0)
	to := projectAt(t, b.events, 4)

	d := Snapshots(from, to)
	require.Len(t, d.Approvals, 2)
	assert.Equal(t, deal.ActionOpenReview, d.Approvals[0].Action)
	assert.Equal(t, deal.ActionTerminateDeal, d.Approvals[1].Action)

	require.Len(t, d.Materials, 2)
	assert.Equal(t, "ExitSettlementStatement", d.Materials[0].Type)
	assert.Equal(t, "WireConfirmation", d.Materials[1].Type)
}

func TestReasons_ClearedAndAdded(t *testing.T) {
	from := []deal.Reason{
		{Type: deal.ReasonApprovalThreshold, Detail: "need 2 from [GP], got 1"},
		{Type: deal.ReasonMissingMaterial, MaterialType: "UnderwritingSummary"},
	}
	to := []deal.Reason{
		{Type: deal.ReasonInsufficientTruth, MaterialType: "UnderwritingSummary", Detail: "need HUMAN, got AI"},
	}

	d := Reasons(from, to)
	assert.False(t, d.Same)

	require.Len(t, d.Cleared, 2)
	assert.Equal(t, deal.ReasonApprovalThreshold, d.Cleared[0].Type)
	assert.Equal(t, deal.ReasonMissingMaterial, d.Cleared[1].Type)

	require.Len(t, d.Added, 1)
	assert.Equal(t, deal.ReasonInsufficientTruth, d.Added[0].Type)
}

func TestReasons_AllowedSideCollapsesToCleared(t *testing.T) {
	from := []deal.Reason{
		{Type: deal.ReasonApprovalThreshold, Detail: "need 2 from [GP], got 0"},
		{Type: deal.ReasonMissingMaterial, MaterialType: "UnderwritingSummary"},
	}

	d := Reasons(from, nil)
	assert.False(t, d.Same)
	assert.Equal(t, from, d.Cleared, "an allowed right side clears everything, in reported order")
	assert.Empty(t, d.Added)
}

func TestReasons_DetailRewordIsNotAChange(t *testing.T) {
	from := []deal.Reason{{Type: deal.ReasonApprovalThreshold, Detail: "need 2 from [GP], got 0"}}
	to := []deal.Reason{{Type: deal.ReasonApprovalThreshold, Detail: "need 2 from [GP], got 1"}}

	d := Reasons(from, to)
	assert.True(t, d.Same)
	assert.Empty(t, d.Cleared)
	assert.Empty(t, d.Added)
}
