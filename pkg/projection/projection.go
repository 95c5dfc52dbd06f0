// Package projection folds an ordered event prefix into a DealProjection.
// The fold is pure: no clock reads, no randomness, no I/O. Identical prefixes
// always yield identical projections, which is what makes historical replay
// and proof packs possible.
package projection

import (
	"sort"
	"time"

	"github.com/keelhq/keel/pkg/authority"
	"github.com/keelhq/keel/pkg/deal"
)

// Requirement statuses in the materials view.
const (
	StatusOK           = "ok"
	StatusMissing      = "missing"
	StatusInsufficient = "insufficient"
)

// ActionApprovals is the per-action approval view: every recorded approver
// (deduplicated by actor id), the set of eligible roles that actually
// approved, and whether the quorum is met.
type ActionApprovals struct {
	Satisfied       bool            `json:"satisfied"`
	SatisfiedByRole []deal.Role     `json:"satisfiedByRole"`
	Approvers       []deal.Approval `json:"approvers,omitempty"`
}

// RequirementStatus reports one material requirement against the best
// material of its type.
type RequirementStatus struct {
	Type   string          `json:"type"`
	Status string          `json:"status"`
	Need   deal.TruthClass `json:"need"`
	Have   deal.TruthClass `json:"have,omitempty"`
}

// MaterialsView is the projected material state: everything recorded plus
// per-action requirement statuses.
type MaterialsView struct {
	List        []deal.Material                     `json:"list,omitempty"`
	RequiredFor map[deal.Action][]RequirementStatus `json:"requiredFor,omitempty"`
}

// Timeline summarizes log activity for display.
type Timeline struct {
	LastEventType string    `json:"lastEventType,omitempty"`
	LastEventAt   time.Time `json:"lastEventAt"`
	EventCount    int       `json:"eventCount"`
}

// DealProjection is the full derived state of a deal at a point in its log.
// It is never stored; it is recomputed from the event prefix on demand.
type DealProjection struct {
	DealID       string                          `json:"dealId"`
	Seq          int64                           `json:"seq"`
	State        deal.State                      `json:"state"`
	PriorState   deal.State                      `json:"priorState,omitempty"`
	StressMode   deal.StressMode                 `json:"stressMode"`
	ReadyToClose bool                            `json:"readyToClose"`
	Approvals    map[deal.Action]ActionApprovals `json:"approvals"`
	Materials    MaterialsView                   `json:"materials"`
	Timeline     Timeline                        `json:"timeline"`
}

// ApprovalsFor returns the recorded approvals for an action, deduplicated by
// actor id in record order. The gate re-filters by eligible role itself.
func (p DealProjection) ApprovalsFor(action deal.Action) []deal.Approval {
	return p.Approvals[action].Approvers
}

// MissingCount returns how many of an action's requirements are unsatisfied.
func (p DealProjection) MissingCount(action deal.Action) int {
	n := 0
	for _, req := range p.Materials.RequiredFor[action] {
		if req.Status != StatusOK {
			n++
		}
	}
	return n
}

// Projector folds events under a fixed ruleset. The ruleset is bound at
// construction, so Project stays a pure function of the prefix.
type Projector struct {
	rules *authority.Ruleset
}

// New returns a projector bound to an authority ruleset.
func New(rules *authority.Ruleset) *Projector {
	return &Projector{rules: rules}
}

// Rules exposes the bound ruleset for callers composing gate evaluations.
func (p *Projector) Rules() *authority.Ruleset {
	return p.rules
}

// Project folds the ordered event slice into a projection. Events must be in
// sequence order; the caller (the event store) guarantees that. Malformed
// record payloads advance the timeline only, the same as unrecognized event
// types from external collaborators.
func (p *Projector) Project(dealID string, events []deal.Event) DealProjection {
	acc := accumulator{
		state:      deal.StateDraft,
		stress:     deal.StressNormal,
		approvals:  make(map[deal.Action][]deal.Approval),
		approvedBy: make(map[deal.Action]map[string]bool),
	}

	for _, ev := range events {
		acc.apply(ev)
	}

	return p.render(dealID, acc)
}

type accumulator struct {
	state      deal.State
	prior      deal.State
	stress     deal.StressMode
	ready      bool
	seq        int64
	approvals  map[deal.Action][]deal.Approval
	approvedBy map[deal.Action]map[string]bool
	materials  []deal.Material
	lastType   string
	lastAt     time.Time
	count      int
}

func (a *accumulator) apply(ev deal.Event) {
	switch ev.Type {
	case deal.EventDealCreated:
		// The genesis record; state is already Draft.

	case deal.EventApprovalGranted:
		payload, err := deal.ParseApprovalPayload(ev.Payload)
		if err == nil {
			a.recordApproval(payload.Action, deal.Approval{ActorID: ev.ActorID, Role: payload.Role})
		}

	case deal.EventMaterialAdded:
		payload, err := deal.ParseMaterialPayload(ev.Payload)
		if err == nil {
			id := payload.MaterialID
			if id == "" {
				id = ev.ID
			}
			a.materials = append(a.materials, deal.Material{
				ID:         id,
				Type:       payload.MaterialType,
				TruthClass: payload.TruthClass,
				CreatedAt:  ev.CreatedAt,
			})
		}

	default:
		if spec, ok := deal.Spec(deal.Action(ev.Type)); ok {
			a.applyTransition(spec)
		}
		// Unknown collaborator records (FUNDED, PAID, ...) advance the
		// timeline only.
	}

	a.seq = ev.Sequence
	a.lastType = ev.Type
	a.lastAt = ev.CreatedAt
	a.count++
}

func (a *accumulator) recordApproval(action deal.Action, approval deal.Approval) {
	if approval.ActorID == "" {
		return
	}
	if a.approvedBy[action] == nil {
		a.approvedBy[action] = make(map[string]bool)
	}
	if a.approvedBy[action][approval.ActorID] {
		return
	}
	a.approvedBy[action][approval.ActorID] = true
	a.approvals[action] = append(a.approvals[action], approval)
}

func (a *accumulator) applyTransition(spec deal.TransitionSpec) {
	if spec.RemembersPrior {
		if a.state != deal.StateFrozen {
			a.prior = a.state
		}
		a.state = spec.To
		return
	}
	if spec.RestoresPrior {
		restored := a.prior
		if restored == "" {
			restored = deal.StateDraft
		}
		a.state = restored
		a.prior = ""
		return
	}
	if spec.SetsReadyToClose {
		a.ready = true
	}
	switch spec.StressDelta {
	case 1:
		a.stress = a.stress.Raise()
	case -1:
		a.stress = a.stress.Lower()
	}
	if spec.To != "" {
		a.state = spec.To
	}
}

// render derives the approval and material views from the accumulated log
// facts against the static rule tables.
func (p *Projector) render(dealID string, acc accumulator) DealProjection {
	actions := p.rules.Actions()
	for action := range acc.approvals {
		if _, ok := p.rules.Rule(action); !ok {
			actions = append(actions, action)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })

	approvalsView := make(map[deal.Action]ActionApprovals, len(actions))
	requiredFor := make(map[deal.Action][]RequirementStatus)

	for _, action := range actions {
		approvers := acc.approvals[action]
		view := ActionApprovals{Approvers: approvers, SatisfiedByRole: []deal.Role{}}

		if rule, ok := p.rules.Rule(action); ok {
			view.Satisfied, view.SatisfiedByRole = quorumView(rule, approvers)
		}
		approvalsView[action] = view

		reqs := p.rules.Requirements(action)
		if len(reqs) == 0 {
			continue
		}
		statuses := make([]RequirementStatus, len(reqs))
		for i, req := range reqs {
			status := RequirementStatus{Type: req.Type, Need: req.RequiredTruth, Status: StatusMissing}
			if best, found := authority.BestMaterial(acc.materials, req.Type); found {
				status.Have = best.TruthClass
				if best.TruthClass.Sufficient(req.RequiredTruth) {
					status.Status = StatusOK
				} else {
					status.Status = StatusInsufficient
				}
			}
			statuses[i] = status
		}
		requiredFor[action] = statuses
	}

	return DealProjection{
		DealID:       dealID,
		Seq:          acc.seq,
		State:        acc.state,
		PriorState:   acc.prior,
		StressMode:   acc.stress,
		ReadyToClose: acc.ready,
		Approvals:    approvalsView,
		Materials:    MaterialsView{List: acc.materials, RequiredFor: requiredFor},
		Timeline:     Timeline{LastEventType: acc.lastType, LastEventAt: acc.lastAt, EventCount: acc.count},
	}
}

// quorumView reports quorum satisfaction and the sorted set of eligible
// roles that contributed a distinct approver.
func quorumView(rule authority.Rule, approvers []deal.Approval) (bool, []deal.Role) {
	allowed := make(map[deal.Role]bool, len(rule.RolesAllowed))
	for _, role := range rule.RolesAllowed {
		allowed[role] = true
	}

	roleSet := make(map[deal.Role]bool)
	count := 0
	for _, approval := range approvers {
		if !allowed[approval.Role] {
			continue
		}
		count++
		roleSet[approval.Role] = true
	}

	roles := make([]deal.Role, 0, len(roleSet))
	for role := range roleSet {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	return count >= rule.Threshold, roles
}
