package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/keelhq/keel/pkg/canonical"
	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/projection"
)

// Decision statuses reported by the explain and action surfaces.
const (
	StatusAllowed = "ALLOWED"
	StatusBlocked = "BLOCKED"
)

// ExplainQuery asks whether an action would be allowed for a deal at a
// point in time, judged against the recorded approvals and materials.
type ExplainQuery struct {
	OrgID    string
	DealID   string
	Action   deal.Action
	Override bool
	// At replays the log as of this instant. Zero means now.
	At time.Time
}

// EffectsPreview describes what an allowed action would do, computed by
// folding the candidate event over the replayed prefix so the preview
// matches exactly what a commit would produce.
type EffectsPreview struct {
	FromState    deal.State      `json:"fromState"`
	ToState      deal.State      `json:"toState"`
	StressMode   deal.StressMode `json:"stressMode"`
	ReadyToClose bool            `json:"readyToClose"`
	OverrideUsed bool            `json:"overrideUsed,omitempty"`
}

// ExplainResult is the decision report. Two queries with the same deal
// history, action, and instant produce byte-identical canonical encodings,
// decision hash included.
type ExplainResult struct {
	DealID       string          `json:"dealId"`
	Action       deal.Action     `json:"action"`
	At           string          `json:"at"`
	Seq          int64           `json:"seq"`
	Status       string          `json:"status"`
	Reasons      []deal.Reason   `json:"reasons,omitempty"`
	Effects      *EffectsPreview `json:"effects,omitempty"`
	RulesetHash  string          `json:"rulesetHash"`
	DecisionHash string          `json:"decisionHash"`
}

// CanonicalJSON returns the RFC 8785 encoding of the result.
func (r ExplainResult) CanonicalJSON() ([]byte, error) {
	return canonical.Marshal(r)
}

// ExplainAt evaluates an action against the event prefix at q.At and
// reports the decision with its ordered reasons. The log is never written.
func (k *Kernel) ExplainAt(ctx context.Context, q ExplainQuery) (ExplainResult, error) {
	if q.Action == "" {
		return ExplainResult{}, fmt.Errorf("%w: action is required", ErrInvalidEvent)
	}
	if _, err := k.store.GetDeal(ctx, q.OrgID, q.DealID); err != nil {
		return ExplainResult{}, err
	}

	at := q.At
	if at.IsZero() {
		at = k.clock()
	}
	at = at.UTC()

	events, err := k.store.EventsUpTo(ctx, q.DealID, at)
	if err != nil {
		return ExplainResult{}, err
	}
	proj := k.projector.Project(q.DealID, events)

	result := ExplainResult{
		DealID:      q.DealID,
		Action:      q.Action,
		At:          at.Format(time.RFC3339Nano),
		Seq:         proj.Seq,
		RulesetHash: k.rules.Hash(),
	}

	if reasons := k.decide(q.Action, q.Override, proj); len(reasons) > 0 {
		result.Status = StatusBlocked
		result.Reasons = reasons
	} else {
		result.Status = StatusAllowed
		result.Effects = k.preview(q, events, proj)
	}

	// The hash covers the result with its own hash field still empty.
	hash, err := canonical.Hash(result)
	if err != nil {
		return ExplainResult{}, fmt.Errorf("kernel: decision hash: %w", err)
	}
	result.DecisionHash = "sha256:" + hash
	return result, nil
}

func (k *Kernel) preview(q ExplainQuery, events []deal.Event, proj projection.DealProjection) *EffectsPreview {
	candidate := deal.Event{
		DealID:       q.DealID,
		Sequence:     proj.Seq + 1,
		Type:         string(q.Action),
		OverrideUsed: q.Override,
	}
	next := k.projector.Project(q.DealID, append(events[:len(events):len(events)], candidate))
	return &EffectsPreview{
		FromState:    proj.State,
		ToState:      next.State,
		StressMode:   next.StressMode,
		ReadyToClose: next.ReadyToClose,
		OverrideUsed: q.Override,
	}
}
