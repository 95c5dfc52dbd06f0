package deal

import "fmt"

// State is a deal lifecycle state.
type State string

const (
	StateDraft       State = "Draft"
	StateUnderReview State = "UnderReview"
	StateApproved    State = "Approved"
	StateClosing     State = "Closing"
	StateOperations  State = "Operations"
	StateDistress    State = "Distress"
	StateFrozen      State = "Frozen"
	StateExited      State = "Exited"
	StateTerminated  State = "Terminated"
)

// Terminal reports whether no further action can move the deal.
func (s State) Terminal() bool {
	return s == StateExited || s == StateTerminated
}

// StressMode is the escalating severity indicator attached to a deal.
type StressMode string

const (
	StressNormal   StressMode = "NORMAL"
	StressElevated StressMode = "ELEVATED"
	StressCritical StressMode = "CRITICAL"
)

// Rank orders stress modes from NORMAL (1) to CRITICAL (3).
func (m StressMode) Rank() int {
	switch m {
	case StressNormal:
		return 1
	case StressElevated:
		return 2
	case StressCritical:
		return 3
	default:
		return 0
	}
}

// Raise returns the next-higher stress mode, capped at CRITICAL.
func (m StressMode) Raise() StressMode {
	switch m {
	case StressNormal:
		return StressElevated
	case StressElevated:
		return StressCritical
	default:
		return StressCritical
	}
}

// Lower returns the next-lower stress mode, floored at NORMAL.
func (m StressMode) Lower() StressMode {
	switch m {
	case StressCritical:
		return StressElevated
	default:
		return StressNormal
	}
}

// Action is a gated lifecycle operation. The event recording an accepted
// action carries the action name as its event type.
type Action string

const (
	ActionOpenReview         Action = "OPEN_REVIEW"
	ActionApproveDeal        Action = "APPROVE_DEAL"
	ActionAttestReadyToClose Action = "ATTEST_READY_TO_CLOSE"
	ActionFinalizeClosing    Action = "FINALIZE_CLOSING"
	ActionActivateOperations Action = "ACTIVATE_OPERATIONS"
	ActionDeclareDistress    Action = "DECLARE_DISTRESS"
	ActionResolveDistress    Action = "RESOLVE_DISTRESS"
	ActionImposeFreeze       Action = "IMPOSE_FREEZE"
	ActionLiftFreeze         Action = "LIFT_FREEZE"
	ActionFinalizeExit       Action = "FINALIZE_EXIT"
	ActionTerminateDeal      Action = "TERMINATE_DEAL"
)

// TransitionSpec describes one row of the state machine: the legal
// predecessor states of an action and the effect an accepted action has on
// the projection.
type TransitionSpec struct {
	// From lists the legal predecessor states. Empty means any non-terminal
	// state (freeze and terminate).
	From []State
	// To is the resulting state. Ignored when RestoresPrior is set.
	To State
	// RemembersPrior records the pre-freeze state so LIFT_FREEZE can return to it.
	RemembersPrior bool
	// RestoresPrior returns the deal to its remembered pre-freeze state.
	RestoresPrior bool
	// StressDelta raises (+1) or lowers (-1) the stress mode.
	StressDelta int
	// SetsReadyToClose flips the readiness attestation flag without moving state.
	SetsReadyToClose bool
}

// transitions is the full state machine. Rows are static data: adding an
// action is a table change, not a code change.
var transitions = map[Action]TransitionSpec{
	ActionOpenReview:         {From: []State{StateDraft}, To: StateUnderReview},
	ActionApproveDeal:        {From: []State{StateUnderReview}, To: StateApproved},
	ActionAttestReadyToClose: {From: []State{StateApproved}, To: StateApproved, SetsReadyToClose: true},
	ActionFinalizeClosing:    {From: []State{StateApproved}, To: StateClosing},
	ActionActivateOperations: {From: []State{StateClosing}, To: StateOperations},
	ActionDeclareDistress:    {From: []State{StateOperations}, To: StateDistress, StressDelta: 1},
	ActionResolveDistress:    {From: []State{StateDistress}, To: StateOperations, StressDelta: -1},
	ActionImposeFreeze:       {To: StateFrozen, RemembersPrior: true},
	ActionLiftFreeze:         {From: []State{StateFrozen}, RestoresPrior: true},
	ActionFinalizeExit:       {From: []State{StateOperations}, To: StateExited},
	ActionTerminateDeal:      {To: StateTerminated},
}

// Spec returns the transition row for an action.
func Spec(action Action) (TransitionSpec, bool) {
	spec, ok := transitions[action]
	return spec, ok
}

// KnownAction reports whether the state machine defines the action.
func KnownAction(action Action) bool {
	_, ok := transitions[action]
	return ok
}

// Actions lists every defined action in a fixed order.
func Actions() []Action {
	return []Action{
		ActionOpenReview,
		ActionApproveDeal,
		ActionAttestReadyToClose,
		ActionFinalizeClosing,
		ActionActivateOperations,
		ActionDeclareDistress,
		ActionResolveDistress,
		ActionImposeFreeze,
		ActionLiftFreeze,
		ActionFinalizeExit,
		ActionTerminateDeal,
	}
}

// ValidatePredecessor checks whether an action may fire from the current
// state. A nil return means the state check passes; otherwise the returned
// reason is INVALID_STATE_TRANSITION or UNKNOWN_ACTION. The freeze rule is
// applied first: while Frozen, every action except LIFT_FREEZE is rejected
// regardless of its own row.
func ValidatePredecessor(action Action, current State) *Reason {
	spec, ok := transitions[action]
	if !ok {
		return &Reason{
			Type:   ReasonUnknownAction,
			Detail: fmt.Sprintf("no transition defined for action %s", action),
		}
	}

	if current == StateFrozen && action != ActionLiftFreeze {
		return &Reason{
			Type:   ReasonInvalidStateTransition,
			Detail: fmt.Sprintf("deal is frozen; only %s is permitted", ActionLiftFreeze),
		}
	}

	if current.Terminal() {
		return &Reason{
			Type:   ReasonInvalidStateTransition,
			Detail: fmt.Sprintf("deal is in terminal state %s", current),
		}
	}

	if len(spec.From) == 0 {
		// Any non-terminal state qualifies. IMPOSE_FREEZE additionally
		// requires the deal not to be frozen already, which the freeze rule
		// above has covered.
		return nil
	}

	for _, from := range spec.From {
		if current == from {
			return nil
		}
	}
	return &Reason{
		Type:   ReasonInvalidStateTransition,
		Detail: fmt.Sprintf("action %s requires state %v, deal is %s", action, spec.From, current),
	}
}
