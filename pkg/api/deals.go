package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/keelhq/keel/pkg/audit"
	"github.com/keelhq/keel/pkg/observability"
	"github.com/keelhq/keel/pkg/snapdiff"
)

// createDealRequest is the wire shape of POST /api/deals.
type createDealRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleDealsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleDealsList(w, r)
	case http.MethodPost:
		s.handleDealCreate(w, r)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handleDealsList(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	deals, err := s.kernel.ListDeals(r.Context(), p.GetOrgID())
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	WriteOK(w, map[string]any{"deals": deals, "count": len(deals)})
}

func (s *Server) handleDealCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req createDealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		WriteBadRequest(w, "Missing required field: name")
		return
	}

	d, ev, err := s.kernel.CreateDeal(r.Context(), p.GetOrgID(), p.GetID(), req.Name)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}

	s.recordAudit(r.Context(), audit.EventDecision, "create_deal", "deal/"+d.ID, map[string]any{
		"name": d.Name,
	})
	WriteCreated(w, map[string]any{"deal": d, "event": ev})
}

func (s *Server) handleDealDetail(w http.ResponseWriter, r *http.Request, dealID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	d, err := s.kernel.GetDeal(r.Context(), p.GetOrgID(), dealID)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	proj, err := s.kernel.Snapshot(r.Context(), p.GetOrgID(), dealID, time.Time{})
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	WriteOK(w, map[string]any{"deal": d, "snapshot": proj})
}

func (s *Server) handleDealSnapshot(w http.ResponseWriter, r *http.Request, dealID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	at, err := parseTimeParam(r, "at")
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	proj, err := s.kernel.Snapshot(r.Context(), p.GetOrgID(), dealID, at)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	observability.AddSpanEvent(r.Context(), "kernel.replay",
		observability.ReplayOperation(dealID, string(proj.State), uint64(proj.Seq))...)
	WriteOK(w, proj)
}

func (s *Server) handleDealDiff(w http.ResponseWriter, r *http.Request, dealID string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if q.Get("from") == "" || q.Get("to") == "" {
		WriteBadRequest(w, "Missing required query parameters: from, to")
		return
	}
	from, err := parseTimeParam(r, "from")
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if to.Before(from) {
		WriteBadRequest(w, "to must not precede from")
		return
	}

	fromProj, err := s.kernel.Snapshot(r.Context(), p.GetOrgID(), dealID, from)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}
	toProj, err := s.kernel.Snapshot(r.Context(), p.GetOrgID(), dealID, to)
	if err != nil {
		s.writeKernelError(w, err)
		return
	}

	WriteOK(w, snapdiff.Snapshots(fromProj, toProj))
}

// parseTimeParam reads an optional RFC 3339 query parameter. Absent means
// the zero time, which the kernel treats as "now".
func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s timestamp: must be RFC 3339", name)
	}
	return t, nil
}
