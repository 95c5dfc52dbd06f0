package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/keelhq/keel/pkg/audit"
	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/eventstore"
	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/observability"
)

// Decision statuses on the wire.
const (
	statusApplied = "APPLIED"
	statusBlocked = "BLOCKED"
)

// appendEventRequest is the wire shape of POST /api/deals/{id}/events. Type
// selects the path: a known action goes through the authority gate, any
// other type appends as an ungated record event.
type appendEventRequest struct {
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	AuthorityContext json.RawMessage `json:"authorityContext,omitempty"`
	EvidenceRefs     []string        `json:"evidenceRefs,omitempty"`
	Override         bool            `json:"override,omitempty"`
	ExpectedSeq      *int64          `json:"expectedSeq,omitempty"`
}

// appendResult is the data member of append responses. Gated submissions
// carry the projected state and the ruleset hash; record appends carry only
// the committed event; blocked decisions carry the ordered reasons.
type appendResult struct {
	Status      string          `json:"status"`
	Seq         int64           `json:"seq,omitempty"`
	State       deal.State      `json:"state,omitempty"`
	StressMode  deal.StressMode `json:"stressMode,omitempty"`
	Reasons     []deal.Reason   `json:"reasons,omitempty"`
	Event       *deal.Event     `json:"event,omitempty"`
	RulesetHash string          `json:"rulesetHash,omitempty"`
}

func (s *Server) handleDealEvents(w http.ResponseWriter, r *http.Request, dealID string) {
	switch r.Method {
	case http.MethodGet:
		s.handleEventsList(w, r, dealID)
	case http.MethodPost:
		s.handleEventAppend(w, r, dealID)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleEventsList(w http.ResponseWriter, r *http.Request, dealID string) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	events, err := s.kernel.Events(r.Context(), p.GetOrgID(), dealID)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}

	total := len(events)
	truncated := total > maxEventsPage
	if truncated {
		events = events[total-maxEventsPage:]
	}
	WriteOK(w, map[string]any{"events": events, "total": total, "truncated": truncated})
}

func (s *Server) handleEventAppend(w http.ResponseWriter, r *http.Request, dealID string) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	s.dispatchAppend(r.Context(), w, p.GetOrgID(), dealID, p.GetID(), req)
}

// dispatchAppend routes one append through the gate or the record path.
// Shared by the authenticated events endpoint and the workflow hook, so a
// callback is subject to exactly the same checks as a direct caller.
func (s *Server) dispatchAppend(ctx context.Context, w http.ResponseWriter, orgID, dealID, actorID string, req appendEventRequest) {
	if req.Type == "" {
		WriteBadRequest(w, "Missing required field: type")
		return
	}
	if err := ValidateRecordPayload(req.Type, req.Payload); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if deal.KnownAction(deal.Action(req.Type)) {
		s.submitAction(ctx, w, orgID, dealID, actorID, req)
		return
	}
	s.appendRecord(ctx, w, orgID, dealID, actorID, req)
}

func (s *Server) submitAction(ctx context.Context, w http.ResponseWriter, orgID, dealID, actorID string, req appendEventRequest) {
	ctx, done := s.track(ctx, "api.submit",
		observability.AttrDealID.String(dealID),
		observability.AttrAction.String(req.Type))

	res, err := s.kernel.Submit(ctx, kernel.SubmitRequest{
		OrgID:            orgID,
		DealID:           dealID,
		Action:           deal.Action(req.Type),
		ActorID:          actorID,
		Payload:          req.Payload,
		AuthorityContext: req.AuthorityContext,
		EvidenceRefs:     req.EvidenceRefs,
		Override:         req.Override,
		ExpectedSeq:      req.ExpectedSeq,
	})
	done(err)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}

	decision := statusApplied
	if !res.Allowed {
		decision = statusBlocked
	}
	observability.AddSpanEvent(ctx, "kernel.decision",
		observability.SubmitOperation(dealID, req.Type, decision, uint64(res.Seq))...)

	if !res.Allowed {
		s.recordAudit(ctx, audit.EventDecision, "submit_action", "deal/"+dealID, map[string]any{
			"action":  req.Type,
			"status":  statusBlocked,
			"reasons": reasonTypes(res.Reasons),
		})
		WriteBlocked(w, appendResult{
			Status:      statusBlocked,
			Seq:         res.Seq,
			State:       res.State,
			StressMode:  res.StressMode,
			Reasons:     res.Reasons,
			RulesetHash: res.RulesetHash,
		})
		return
	}

	s.recordAudit(ctx, audit.EventDecision, "submit_action", "deal/"+dealID, map[string]any{
		"action":   req.Type,
		"status":   statusApplied,
		"seq":      res.Seq,
		"override": req.Override,
	})
	WriteOK(w, appendResult{
		Status:      statusApplied,
		Seq:         res.Seq,
		State:       res.State,
		StressMode:  res.StressMode,
		Event:       res.Event,
		RulesetHash: res.RulesetHash,
	})
}

func (s *Server) appendRecord(ctx context.Context, w http.ResponseWriter, orgID, dealID, actorID string, req appendEventRequest) {
	ev, err := s.kernel.Record(ctx, kernel.RecordRequest{
		OrgID:            orgID,
		DealID:           dealID,
		Type:             req.Type,
		ActorID:          actorID,
		Payload:          req.Payload,
		AuthorityContext: req.AuthorityContext,
		EvidenceRefs:     req.EvidenceRefs,
		ExpectedSeq:      req.ExpectedSeq,
	})
	if errors.Is(err, eventstore.ErrConcurrency) {
		WriteBlocked(w, appendResult{
			Status: statusBlocked,
			Reasons: []deal.Reason{{
				Type:   deal.ReasonConcurrency,
				Detail: err.Error(),
			}},
		})
		return
	}
	if err != nil {
		s.writeKernelError(w, err)
		return
	}

	s.recordAudit(ctx, audit.EventDecision, "append_record", "deal/"+dealID, map[string]any{
		"type": req.Type,
		"seq":  ev.Sequence,
	})
	WriteOK(w, appendResult{Status: statusApplied, Seq: ev.Sequence, Event: &ev})
}

// explainRequest is the wire shape of POST /api/deals/{id}/explain. Fields
// that cannot move the decision, like the prospective payload, are tolerated
// in the body and ignored: evaluation depends only on projected state.
type explainRequest struct {
	Action   string `json:"action"`
	Override bool   `json:"override,omitempty"`
	At       string `json:"at,omitempty"`
}

func (s *Server) handleDealExplain(w http.ResponseWriter, r *http.Request, dealID string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req explainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Action == "" {
		WriteBadRequest(w, "Missing required field: action")
		return
	}

	var at time.Time
	if req.At != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.At)
		if err != nil {
			WriteBadRequest(w, "invalid at timestamp: must be RFC 3339")
			return
		}
		at = parsed
	}

	ctx, done := s.track(r.Context(), "api.explain",
		observability.AttrDealID.String(dealID),
		observability.AttrAction.String(req.Action))

	res, err := s.kernel.ExplainAt(ctx, kernel.ExplainQuery{
		OrgID:    p.GetOrgID(),
		DealID:   dealID,
		Action:   deal.Action(req.Action),
		Override: req.Override,
		At:       at,
	})
	done(err)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	observability.AddSpanEvent(ctx, "kernel.decision",
		observability.SubmitOperation(dealID, req.Action, res.Status, uint64(res.Seq))...)

	s.recordAudit(ctx, audit.EventDecision, "explain_action", "deal/"+dealID, map[string]any{
		"action":       req.Action,
		"status":       res.Status,
		"decisionHash": res.DecisionHash,
	})
	WriteOK(w, res)
}

func (s *Server) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if s.metrics == nil {
		return ctx, func(error) {}
	}
	return s.metrics.TrackOperation(ctx, name, attrs...)
}

func reasonTypes(reasons []deal.Reason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r.Type)
	}
	return out
}
