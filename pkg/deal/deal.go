// Package deal defines the domain vocabulary of the kernel: deals, events,
// approvals, materials, lifecycle states, and the blocked-reason taxonomy.
// Everything here is plain data; evaluation lives in pkg/authority and
// pkg/projection.
package deal

import (
	"encoding/json"
	"fmt"
	"time"
)

// Deal is the aggregate root. Its state and stress mode mirror the projection
// of its event log; they are updated only as a consequence of appended events.
type Deal struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"orgId"`
	Name       string     `json:"name"`
	State      State      `json:"state"`
	StressMode StressMode `json:"stressMode"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Event is a single immutable entry in a deal's log. Sequence is strictly
// increasing per deal with no gaps, starting at 1. PrevHash and Hash chain
// the entries so the log can be verified after the fact.
type Event struct {
	ID               string          `json:"id"`
	DealID           string          `json:"dealId"`
	Sequence         int64           `json:"sequence"`
	Type             string          `json:"type"`
	ActorID          string          `json:"actorId,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	AuthorityContext json.RawMessage `json:"authorityContext,omitempty"`
	EvidenceRefs     []string        `json:"evidenceRefs,omitempty"`
	OverrideUsed     bool            `json:"overrideUsed,omitempty"`
	PrevHash         string          `json:"prevHash"`
	Hash             string          `json:"hash"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Record event types. Action events carry the action name as their type;
// these are the bookkeeping events that feed the projection without being
// gated actions themselves.
const (
	EventDealCreated     = "DEAL_CREATED"
	EventApprovalGranted = "APPROVAL_GRANTED"
	EventMaterialAdded   = "MATERIAL_ADDED"
)

// Approval is the typed form of an APPROVAL_GRANTED record: one actor in one
// role backing one action. Distinct actor ids count once toward a quorum no
// matter how many approval events they submit.
type Approval struct {
	ActorID string `json:"actorId"`
	Role    Role   `json:"role"`
}

// Material is the typed form of a MATERIAL_ADDED record. Several materials may
// share a type; only the one with the highest truth rank is authoritative.
type Material struct {
	ID         string     `json:"id,omitempty"`
	Type       string     `json:"type"`
	TruthClass TruthClass `json:"truthClass"`
	CreatedAt  time.Time  `json:"createdAt,omitempty"`
}

// ApprovalPayload is the wire payload of an APPROVAL_GRANTED event.
type ApprovalPayload struct {
	Action Action `json:"action"`
	Role   Role   `json:"role"`
}

// MaterialPayload is the wire payload of a MATERIAL_ADDED event.
type MaterialPayload struct {
	MaterialID   string     `json:"materialId,omitempty"`
	MaterialType string     `json:"materialType"`
	TruthClass   TruthClass `json:"truthClass"`
}

// ParseApprovalPayload decodes and validates an APPROVAL_GRANTED payload.
// Malformed records are rejected at the boundary rather than defaulted.
func ParseApprovalPayload(raw json.RawMessage) (ApprovalPayload, error) {
	var p ApprovalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ApprovalPayload{}, fmt.Errorf("approval payload: %w", err)
	}
	if p.Action == "" {
		return ApprovalPayload{}, fmt.Errorf("approval payload: action is required")
	}
	if !p.Role.Valid() {
		return ApprovalPayload{}, fmt.Errorf("approval payload: unknown role %q", p.Role)
	}
	return p, nil
}

// ParseMaterialPayload decodes and validates a MATERIAL_ADDED payload.
func ParseMaterialPayload(raw json.RawMessage) (MaterialPayload, error) {
	var p MaterialPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return MaterialPayload{}, fmt.Errorf("material payload: %w", err)
	}
	if p.MaterialType == "" {
		return MaterialPayload{}, fmt.Errorf("material payload: materialType is required")
	}
	if !p.TruthClass.Valid() {
		return MaterialPayload{}, fmt.Errorf("material payload: unknown truth class %q", p.TruthClass)
	}
	return p, nil
}
