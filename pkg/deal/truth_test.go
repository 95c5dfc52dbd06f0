package deal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruthClass_RankOrder(t *testing.T) {
	assert.Greater(t, TruthDoc.Rank(), TruthHuman.Rank())
	assert.Greater(t, TruthHuman.Rank(), TruthAI.Rank())
	assert.Greater(t, TruthAI.Rank(), TruthClass("").Rank())
}

func TestTruthClass_Sufficient(t *testing.T) {
	cases := []struct {
		have     TruthClass
		required TruthClass
		want     bool
	}{
		{TruthDoc, TruthDoc, true},
		{TruthHuman, TruthDoc, false},
		{TruthAI, TruthDoc, false},
		{TruthDoc, TruthHuman, true},
		{TruthHuman, TruthHuman, true},
		{TruthAI, TruthHuman, false},
		{TruthDoc, TruthAI, true},
		{TruthHuman, TruthAI, true},
		{TruthAI, TruthAI, true},
		{TruthClass(""), TruthAI, false},
		{TruthClass(""), TruthHuman, false},
		{TruthClass(""), TruthDoc, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.have.Sufficient(tc.required), "sufficient(%q, %q)", tc.have, tc.required)
	}
}

func TestParseApprovalPayload(t *testing.T) {
	p, err := ParseApprovalPayload(json.RawMessage(`{"action":"APPROVE_DEAL","role":"GP"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionApproveDeal, p.Action)
	assert.Equal(t, RoleGP, p.Role)

	_, err = ParseApprovalPayload(json.RawMessage(`{"role":"GP"}`))
	assert.Error(t, err, "missing action must be rejected")

	_, err = ParseApprovalPayload(json.RawMessage(`{"action":"APPROVE_DEAL","role":"Janitor"}`))
	assert.Error(t, err, "unknown role must be rejected")
}

func TestParseMaterialPayload(t *testing.T) {
	p, err := ParseMaterialPayload(json.RawMessage(`{"materialType":"UnderwritingSummary","truthClass":"HUMAN"}`))
	require.NoError(t, err)
	assert.Equal(t, "UnderwritingSummary", p.MaterialType)
	assert.Equal(t, TruthHuman, p.TruthClass)

	_, err = ParseMaterialPayload(json.RawMessage(`{"truthClass":"HUMAN"}`))
	assert.Error(t, err, "missing type must be rejected")

	_, err = ParseMaterialPayload(json.RawMessage(`{"materialType":"X","truthClass":"GOSSIP"}`))
	assert.Error(t, err, "unknown truth class must be rejected")
}

func TestReason_Key(t *testing.T) {
	assert.Equal(t, "APPROVAL_THRESHOLD", Reason{Type: ReasonApprovalThreshold}.Key())
	assert.Equal(t, "MISSING_MATERIAL:WireConfirmation",
		Reason{Type: ReasonMissingMaterial, MaterialType: "WireConfirmation"}.Key())
}
