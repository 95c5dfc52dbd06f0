package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keelhq/keel/pkg/canonical"
	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/eventstore"
	"github.com/keelhq/keel/pkg/projection"
)

// SubmitRequest performs a gated action against a deal log.
type SubmitRequest struct {
	OrgID            string
	DealID           string
	Action           deal.Action
	ActorID          string
	Payload          json.RawMessage
	AuthorityContext json.RawMessage
	EvidenceRefs     []string
	Override         bool
	// ExpectedSeq pins the append to an exact head. Nil lets the kernel
	// sequence at the current head, retrying once on conflict.
	ExpectedSeq *int64
}

// SubmitResult reports the decision and, when allowed, the committed event.
// A blocked decision is a value, not an error: Reasons carries the ordered
// taxonomy entries and Seq, State, StressMode describe the unchanged deal.
type SubmitResult struct {
	Allowed     bool            `json:"allowed"`
	Seq         int64           `json:"seq"`
	State       deal.State      `json:"state"`
	StressMode  deal.StressMode `json:"stressMode"`
	Reasons     []deal.Reason   `json:"reasons,omitempty"`
	Event       *deal.Event     `json:"event,omitempty"`
	RulesetHash string          `json:"rulesetHash"`
}

// Submit gates one action and appends its event when allowed. Evaluation and
// append run under the per-deal lock. Server-assigned sequencing re-evaluates
// against the latest projection and retries once on conflict; a caller-pinned
// sequence is never retried, so a stale pin reports CONCURRENCY_ERROR with
// the log untouched.
func (k *Kernel) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if req.Action == "" {
		return SubmitResult{}, fmt.Errorf("%w: action is required", ErrInvalidEvent)
	}
	if req.ActorID == "" {
		return SubmitResult{}, fmt.Errorf("%w: actor id is required", ErrInvalidEvent)
	}
	if _, err := k.store.GetDeal(ctx, req.OrgID, req.DealID); err != nil {
		return SubmitResult{}, err
	}

	payload, err := canonical.NormalizeRawMessage(req.Payload)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	authCtx, err := canonical.NormalizeRawMessage(req.AuthorityContext)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	unlock := k.locks.lock(req.DealID)
	defer unlock()

	attempts := 2
	if req.ExpectedSeq != nil {
		attempts = 1
	}

	for attempt := 0; ; attempt++ {
		events, err := k.store.Events(ctx, req.DealID)
		if err != nil {
			return SubmitResult{}, err
		}
		head := int64(len(events))
		proj := k.projector.Project(req.DealID, events)

		if req.ExpectedSeq != nil && *req.ExpectedSeq != head {
			return k.conflicted(proj, fmt.Sprintf("expected sequence %d, log head is %d", *req.ExpectedSeq, head)), nil
		}

		if reasons := k.decide(req.Action, req.Override, proj); len(reasons) > 0 {
			return SubmitResult{
				Seq:         head,
				State:       proj.State,
				StressMode:  proj.StressMode,
				Reasons:     reasons,
				RulesetHash: k.rules.Hash(),
			}, nil
		}

		ev := deal.Event{
			ID:               k.newID(),
			DealID:           req.DealID,
			Type:             string(req.Action),
			ActorID:          req.ActorID,
			Payload:          payload,
			AuthorityContext: authCtx,
			EvidenceRefs:     req.EvidenceRefs,
			OverrideUsed:     req.Override,
			CreatedAt:        k.clock().UTC(),
		}

		stored, err := k.store.Append(ctx, head, ev, k.mirrorAfter(req.DealID, events, ev))
		if errors.Is(err, eventstore.ErrConcurrency) {
			if attempt+1 < attempts {
				continue
			}
			return k.conflicted(proj, fmt.Sprintf("append conflicted at sequence %d", head+1)), nil
		}
		if err != nil {
			return SubmitResult{}, err
		}

		post := k.projector.Project(req.DealID, append(events[:head:head], stored))
		k.emit(ctx, req.OrgID, stored)
		k.logger.Info("action committed",
			"dealId", req.DealID,
			"action", req.Action,
			"seq", stored.Sequence,
			"state", post.State,
			"override", req.Override)
		return SubmitResult{
			Allowed:     true,
			Seq:         stored.Sequence,
			State:       post.State,
			StressMode:  post.StressMode,
			Event:       &stored,
			RulesetHash: k.rules.Hash(),
		}, nil
	}
}

func (k *Kernel) conflicted(proj projection.DealProjection, detail string) SubmitResult {
	return SubmitResult{
		Seq:        proj.Seq,
		State:      proj.State,
		StressMode: proj.StressMode,
		Reasons: []deal.Reason{{
			Type:   deal.ReasonConcurrency,
			Detail: detail,
		}},
		RulesetHash: k.rules.Hash(),
	}
}

// RecordRequest appends a record event: an approval, a material, or an
// opaque collaborator record such as FUNDED. Record events bypass the action
// gate and stay appendable while the deal is frozen or terminal; only
// actions are gated.
type RecordRequest struct {
	OrgID            string
	DealID           string
	Type             string
	ActorID          string
	Payload          json.RawMessage
	AuthorityContext json.RawMessage
	EvidenceRefs     []string
	// ExpectedSeq pins the append to an exact head; nil sequences at the
	// current head with one retry on conflict.
	ExpectedSeq *int64
}

// Record validates and appends one record event. Sequence conflicts surface
// as eventstore.ErrConcurrency rather than a decision, since no gate ran.
func (k *Kernel) Record(ctx context.Context, req RecordRequest) (deal.Event, error) {
	if err := validateRecord(req); err != nil {
		return deal.Event{}, err
	}
	if _, err := k.store.GetDeal(ctx, req.OrgID, req.DealID); err != nil {
		return deal.Event{}, err
	}

	payload, err := canonical.NormalizeRawMessage(req.Payload)
	if err != nil {
		return deal.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	authCtx, err := canonical.NormalizeRawMessage(req.AuthorityContext)
	if err != nil {
		return deal.Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	unlock := k.locks.lock(req.DealID)
	defer unlock()

	attempts := 2
	if req.ExpectedSeq != nil {
		attempts = 1
	}

	for attempt := 0; ; attempt++ {
		events, err := k.store.Events(ctx, req.DealID)
		if err != nil {
			return deal.Event{}, err
		}
		head := int64(len(events))

		if req.ExpectedSeq != nil && *req.ExpectedSeq != head {
			return deal.Event{}, fmt.Errorf("%w: expected sequence %d, log head is %d",
				eventstore.ErrConcurrency, *req.ExpectedSeq, head)
		}

		ev := deal.Event{
			ID:               k.newID(),
			DealID:           req.DealID,
			Type:             req.Type,
			ActorID:          req.ActorID,
			Payload:          payload,
			AuthorityContext: authCtx,
			EvidenceRefs:     req.EvidenceRefs,
			CreatedAt:        k.clock().UTC(),
		}

		stored, err := k.store.Append(ctx, head, ev, k.mirrorAfter(req.DealID, events, ev))
		if errors.Is(err, eventstore.ErrConcurrency) && attempt+1 < attempts {
			continue
		}
		if err != nil {
			return deal.Event{}, err
		}
		k.emit(ctx, req.OrgID, stored)
		return stored, nil
	}
}

func validateRecord(req RecordRequest) error {
	switch {
	case req.Type == "":
		return fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	case req.ActorID == "":
		return fmt.Errorf("%w: actor id is required", ErrInvalidEvent)
	case req.Type == deal.EventDealCreated:
		return fmt.Errorf("%w: %s is appended at deal creation only", ErrInvalidEvent, deal.EventDealCreated)
	case deal.KnownAction(deal.Action(req.Type)):
		return fmt.Errorf("%w: %s is an action and must go through the action path", ErrInvalidEvent, req.Type)
	}

	switch req.Type {
	case deal.EventApprovalGranted:
		if _, err := deal.ParseApprovalPayload(req.Payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	case deal.EventMaterialAdded:
		if _, err := deal.ParseMaterialPayload(req.Payload); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	return nil
}
