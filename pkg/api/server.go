package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/keelhq/keel/pkg/artifacts"
	"github.com/keelhq/keel/pkg/audit"
	"github.com/keelhq/keel/pkg/auth"
	"github.com/keelhq/keel/pkg/eventstore"
	"github.com/keelhq/keel/pkg/kernel"
	"github.com/keelhq/keel/pkg/observability"
	"github.com/keelhq/keel/pkg/proofpack"
)

// maxEventsPage caps how many events one log read returns. The response
// reports the true total so clients can tell the window was trimmed.
const maxEventsPage = 200

// maxBodySize bounds request bodies on the JSON endpoints. Artifact uploads
// carry their own, larger bound.
const maxBodySize = 1 << 20 // 1MB limit

// Config wires the server's collaborators. Kernel is required; everything
// else degrades: a nil Audit skips trail records, a nil Metrics skips
// telemetry, nil HookKeys or Evidence disable their endpoints fail-closed.
type Config struct {
	Kernel   *kernel.Kernel
	Exporter *proofpack.Exporter
	Evidence *artifacts.Registry
	HookKeys *auth.WebhookKeys
	Audit    audit.Logger
	Metrics  *observability.Provider
	Logger   *slog.Logger
	// Ready reports backend readiness for the readiness probe.
	Ready func(ctx context.Context) error
}

// Server holds the HTTP handlers for the deal API.
type Server struct {
	kernel   *kernel.Kernel
	exporter *proofpack.Exporter
	evidence *artifacts.Registry
	hookKeys *auth.WebhookKeys
	audit    audit.Logger
	metrics  *observability.Provider
	logger   *slog.Logger
	ready    func(ctx context.Context) error
}

// NewServer builds a Server from its collaborators.
func NewServer(cfg Config) *Server {
	s := &Server{
		kernel:   cfg.Kernel,
		exporter: cfg.Exporter,
		evidence: cfg.Evidence,
		hookKeys: cfg.HookKeys,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		ready:    cfg.Ready,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Routes returns the mux with every API route mounted. Auth and rate-limit
// middleware wrap this mux in the server binary; handlers assume a principal
// is on the context for everything except health probes and the hook.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/deals", s.handleDealsCollection)
	mux.HandleFunc("/api/deals/", s.handleDealRouter)
	mux.HandleFunc("/api/hooks/workflow", s.handleWorkflowHook)

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/readiness", s.handleReadiness)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteOK(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			WriteError(w, http.StatusServiceUnavailable, "backend not ready")
			return
		}
	}
	WriteOK(w, map[string]string{"status": "ready"})
}

// handleDealRouter dispatches /api/deals/{id}/... to the per-deal handlers.
func (s *Server) handleDealRouter(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/deals/")
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		WriteNotFound(w, "deal id is required")
		return
	}

	parts := strings.SplitN(rest, "/", 3)
	dealID := parts[0]

	switch {
	case len(parts) == 1:
		s.handleDealDetail(w, r, dealID)
	case len(parts) == 2 && parts[1] == "events":
		s.handleDealEvents(w, r, dealID)
	case len(parts) == 2 && parts[1] == "snapshot":
		s.handleDealSnapshot(w, r, dealID)
	case len(parts) == 2 && parts[1] == "explain":
		s.handleDealExplain(w, r, dealID)
	case len(parts) == 2 && parts[1] == "diff":
		s.handleDealDiff(w, r, dealID)
	case len(parts) == 2 && parts[1] == "proofpack":
		s.handleDealProofPack(w, r, dealID)
	case len(parts) == 2 && parts[1] == "artifacts":
		s.handleDealArtifacts(w, r, dealID)
	case len(parts) == 3 && parts[1] == "artifacts":
		s.handleDealArtifact(w, r, dealID, parts[2])
	default:
		WriteNotFound(w, "unknown deal endpoint")
	}
}

// principal resolves the authenticated caller, writing a 401 when absent.
func (s *Server) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, err := auth.GetPrincipal(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return nil, false
	}
	return p, true
}

// writeKernelError maps kernel and store failures onto the envelope. A
// missing deal covers cross-tenant access too, so nothing here distinguishes
// "not yours" from "not there".
func (s *Server) writeKernelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, eventstore.ErrNotFound):
		WriteNotFound(w, "deal not found")
	case errors.Is(err, kernel.ErrInvalidEvent):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, eventstore.ErrDuplicate):
		WriteError(w, http.StatusConflict, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) recordAudit(ctx context.Context, eventType audit.EventType, action, resource string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, eventType, action, resource, metadata)
}
