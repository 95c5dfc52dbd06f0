package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keelhq/keel/pkg/artifacts"
	"github.com/keelhq/keel/pkg/audit"
	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/observability"
)

// artifactEntry is one evidence reference as cited by the event log. The
// same ref can be cited by several events; the first citation wins.
type artifactEntry struct {
	Ref       string    `json:"ref"`
	EventID   string    `json:"eventId"`
	Seq       int64     `json:"seq"`
	EventType string    `json:"eventType"`
	CitedAt   time.Time `json:"citedAt"`
}

func (s *Server) handleDealArtifacts(w http.ResponseWriter, r *http.Request, dealID string) {
	switch r.Method {
	case http.MethodGet:
		s.handleArtifactList(w, r, dealID)
	case http.MethodPost:
		s.handleArtifactUpload(w, r, dealID)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleArtifactList(w http.ResponseWriter, r *http.Request, dealID string) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	events, err := s.kernel.Events(r.Context(), p.GetOrgID(), dealID)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}

	seen := make(map[string]bool)
	entries := []artifactEntry{}
	for _, ev := range events {
		for _, ref := range ev.EvidenceRefs {
			if seen[ref] {
				continue
			}
			seen[ref] = true
			entries = append(entries, artifactEntry{
				Ref:       ref,
				EventID:   ev.ID,
				Seq:       ev.Sequence,
				EventType: ev.Type,
				CitedAt:   ev.CreatedAt,
			})
		}
	}
	WriteOK(w, map[string]any{"artifacts": entries, "count": len(entries)})
}

// uploadArtifactRequest is the wire shape of POST /api/deals/{id}/artifacts.
// The returned ref is content-addressed; callers cite it in the
// evidenceRefs of a later event.
type uploadArtifactRequest struct {
	MaterialType string          `json:"materialType"`
	TruthClass   string          `json:"truthClass"`
	Producer     string          `json:"producer,omitempty"`
	RecordedAt   string          `json:"recordedAt,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

func (s *Server) handleArtifactUpload(w http.ResponseWriter, r *http.Request, dealID string) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if s.evidence == nil {
		WriteError(w, http.StatusServiceUnavailable, "evidence storage not configured")
		return
	}

	// Tenancy check before touching the blob store.
	if _, err := s.kernel.GetDeal(r.Context(), p.GetOrgID(), dealID); err != nil {
		s.writeKernelError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, artifacts.MaxEvidenceSize+maxBodySize)
	var req uploadArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.MaterialType) == "" {
		WriteBadRequest(w, "Missing required field: materialType")
		return
	}
	tc := deal.TruthClass(req.TruthClass)
	if !tc.Valid() {
		WriteBadRequest(w, fmt.Sprintf("unknown truth class %q", req.TruthClass))
		return
	}
	if len(req.Payload) == 0 {
		WriteBadRequest(w, "Missing required field: payload")
		return
	}
	if len(req.Payload) > artifacts.MaxEvidenceSize {
		WriteBadRequest(w, fmt.Sprintf("payload exceeds limit of %d bytes", artifacts.MaxEvidenceSize))
		return
	}

	recordedAt := time.Now().UTC()
	if req.RecordedAt != "" {
		parsed, err := time.Parse(time.RFC3339Nano, req.RecordedAt)
		if err != nil {
			WriteBadRequest(w, "invalid recordedAt timestamp: must be RFC 3339")
			return
		}
		recordedAt = parsed.UTC()
	}
	producer := req.Producer
	if producer == "" {
		producer = p.GetID()
	}

	ref, err := s.evidence.Put(r.Context(), &artifacts.Envelope{
		DealID:       dealID,
		MaterialType: req.MaterialType,
		TruthClass:   tc,
		Producer:     producer,
		RecordedAt:   recordedAt,
		Payload:      req.Payload,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.recordAudit(r.Context(), audit.EventAccess, "upload_artifact", "deal/"+dealID, map[string]any{
		"ref":          ref,
		"materialType": req.MaterialType,
		"truthClass":   req.TruthClass,
	})
	WriteCreated(w, map[string]any{"ref": ref})
}

func (s *Server) handleDealArtifact(w http.ResponseWriter, r *http.Request, dealID, ref string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if s.evidence == nil {
		WriteError(w, http.StatusServiceUnavailable, "evidence storage not configured")
		return
	}
	if _, err := s.kernel.GetDeal(r.Context(), p.GetOrgID(), dealID); err != nil {
		s.writeKernelError(w, err)
		return
	}

	if !strings.Contains(ref, ":") {
		ref = "sha256:" + ref
	}
	exists, err := s.evidence.Exists(r.Context(), ref)
	if err != nil || !exists {
		WriteNotFound(w, "artifact not found")
		return
	}
	env, err := s.evidence.Get(r.Context(), ref)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	// An envelope stored under another deal is invisible here, same as a
	// missing one.
	if env.DealID != dealID {
		WriteNotFound(w, "artifact not found")
		return
	}

	verified, reasons, err := s.evidence.Verify(r.Context(), ref)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	s.recordAudit(r.Context(), audit.EventAccess, "read_artifact", "deal/"+dealID, map[string]any{"ref": ref})
	WriteOK(w, map[string]any{
		"ref":           ref,
		"envelope":      env,
		"verified":      verified,
		"verifyReasons": reasons,
	})
}

func (s *Server) handleDealProofPack(w http.ResponseWriter, r *http.Request, dealID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if s.exporter == nil {
		WriteError(w, http.StatusServiceUnavailable, "proof pack export not configured")
		return
	}

	at, err := parseTimeParam(r, "at")
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	ctx, done := s.track(r.Context(), "api.export", observability.AttrDealID.String(dealID))
	pack, err := s.exporter.Export(ctx, p.GetOrgID(), dealID, at)
	done(err)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	observability.AddSpanEvent(ctx, "pack.sealed",
		observability.ExportOperation(dealID, pack.Manifest.PackID, uint64(pack.Manifest.Seq))...)

	s.recordAudit(ctx, audit.EventExport, "export_proofpack", "deal/"+dealID, map[string]any{
		"packId": pack.Manifest.PackID,
		"seq":    pack.Manifest.Seq,
	})

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=keel-proofpack-%s-seq%d.tar.gz", dealID, pack.Manifest.Seq))
	w.Header().Set("X-Keel-Pack-Id", pack.Manifest.PackID)
	if err := pack.WriteTar(w); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		s.logger.Error("proof pack stream failed", "dealId", dealID, "error", err)
	}
}
