package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/keelhq/keel/pkg/auth"
)

// defaultHookActor attributes hook-sourced events when the workflow engine
// does not name an actor of its own.
const defaultHookActor = "workflow-hook"

// hookRequest is the wire shape of POST /api/hooks/workflow. The org rides
// in the body because the caller is a workflow engine, not a principal; the
// HMAC signature over the raw body proves it holds that org's hook key.
type hookRequest struct {
	OrgID            string          `json:"orgId"`
	DealID           string          `json:"dealId"`
	Type             string          `json:"type"`
	ActorID          string          `json:"actorId,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	AuthorityContext json.RawMessage `json:"authorityContext,omitempty"`
	EvidenceRefs     []string        `json:"evidenceRefs,omitempty"`
	Override         bool            `json:"override,omitempty"`
	ExpectedSeq      *int64          `json:"expectedSeq,omitempty"`
}

func (s *Server) handleWorkflowHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	if s.hookKeys == nil {
		WriteError(w, http.StatusServiceUnavailable, "webhook ingress not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	var req hookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.OrgID == "" || req.DealID == "" || req.Type == "" {
		WriteBadRequest(w, "Missing required fields: orgId, dealId, type")
		return
	}

	// The signature covers the exact bytes received, keyed per org, so a
	// hook for one org cannot replay under another.
	sig := r.Header.Get(auth.SignatureHeader)
	if !s.hookKeys.Verify(req.OrgID, body, sig) {
		WriteUnauthorized(w, "invalid webhook signature")
		return
	}

	actor := req.ActorID
	if actor == "" {
		actor = defaultHookActor
	}
	ctx := auth.WithPrincipal(r.Context(), &auth.BasePrincipal{ID: actor, OrgID: req.OrgID})

	s.dispatchAppend(ctx, w, req.OrgID, req.DealID, actor, appendEventRequest{
		Type:             req.Type,
		Payload:          req.Payload,
		AuthorityContext: req.AuthorityContext,
		EvidenceRefs:     req.EvidenceRefs,
		Override:         req.Override,
		ExpectedSeq:      req.ExpectedSeq,
	})
}
