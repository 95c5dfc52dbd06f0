// Package kernel orchestrates the deal log. It gates actions through the
// state machine and the authority ruleset, appends accepted events to the
// store, and serves the deterministic explain, replay, and snapshot queries
// that auditors and clients consume.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelhq/keel/pkg/authority"
	"github.com/keelhq/keel/pkg/deal"
	"github.com/keelhq/keel/pkg/eventstore"
	"github.com/keelhq/keel/pkg/projection"
)

// ErrInvalidEvent rejects a malformed submission before anything touches the
// log. Callers map it to a 400.
var ErrInvalidEvent = errors.New("kernel: invalid event")

// Sink receives committed events for asynchronous delivery. Enqueue runs
// after the append has committed, so failures are logged, never propagated.
type Sink interface {
	Enqueue(ctx context.Context, orgID string, ev deal.Event) error
}

// Kernel wires the event store, the projector, and the authority ruleset
// into the write and explain paths. All methods are safe for concurrent use.
type Kernel struct {
	store     eventstore.Store
	projector *projection.Projector
	rules     *authority.Ruleset
	clock     func() time.Time // Injectable clock
	newID     func() string
	logger    *slog.Logger
	sink      Sink
	locks     *dealLocks
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithClock injects a deterministic clock for tests and replay tooling.
func WithClock(clock func() time.Time) Option {
	return func(k *Kernel) {
		k.clock = clock
	}
}

// WithIDSource injects the id generator used for deals and events.
func WithIDSource(newID func() string) Option {
	return func(k *Kernel) {
		k.newID = newID
	}
}

// WithSink attaches an outbox that receives every committed event.
func WithSink(sink Sink) Option {
	return func(k *Kernel) {
		k.sink = sink
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) {
		k.logger = logger
	}
}

// New builds a kernel over a store and a ruleset.
func New(store eventstore.Store, rules *authority.Ruleset, opts ...Option) *Kernel {
	k := &Kernel{
		store:     store,
		projector: projection.New(rules),
		rules:     rules,
		clock:     time.Now,
		newID:     uuid.NewString,
		logger:    slog.Default(),
		locks:     newDealLocks(),
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Rules exposes the bound ruleset for callers rendering profile metadata.
func (k *Kernel) Rules() *authority.Ruleset {
	return k.rules
}

// CreateDeal registers a deal and appends its DEAL_CREATED genesis event.
func (k *Kernel) CreateDeal(ctx context.Context, orgID, actorID, name string) (deal.Deal, deal.Event, error) {
	if orgID == "" || name == "" {
		return deal.Deal{}, deal.Event{}, fmt.Errorf("%w: org id and deal name are required", ErrInvalidEvent)
	}

	now := k.clock().UTC()
	d := deal.Deal{
		ID:         k.newID(),
		OrgID:      orgID,
		Name:       name,
		State:      deal.StateDraft,
		StressMode: deal.StressNormal,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := k.store.CreateDeal(ctx, d); err != nil {
		return deal.Deal{}, deal.Event{}, err
	}

	payload, err := json.Marshal(struct {
		Name string `json:"name"`
	}{Name: name})
	if err != nil {
		return deal.Deal{}, deal.Event{}, fmt.Errorf("kernel: encode genesis payload: %w", err)
	}

	ev := deal.Event{
		ID:        k.newID(),
		DealID:    d.ID,
		Type:      deal.EventDealCreated,
		ActorID:   actorID,
		Payload:   payload,
		CreatedAt: now,
	}
	stored, err := k.store.Append(ctx, 0, ev, eventstore.StateMirror{State: d.State, StressMode: d.StressMode})
	if err != nil {
		return deal.Deal{}, deal.Event{}, err
	}
	k.emit(ctx, orgID, stored)
	return d, stored, nil
}

// GetDeal returns the registry row for a deal within the caller's org.
func (k *Kernel) GetDeal(ctx context.Context, orgID, dealID string) (deal.Deal, error) {
	return k.store.GetDeal(ctx, orgID, dealID)
}

// ListDeals returns the registry rows for an org.
func (k *Kernel) ListDeals(ctx context.Context, orgID string) ([]deal.Deal, error) {
	return k.store.ListDeals(ctx, orgID)
}

// Events returns the full ordered log of a deal within the caller's org.
func (k *Kernel) Events(ctx context.Context, orgID, dealID string) ([]deal.Event, error) {
	if _, err := k.store.GetDeal(ctx, orgID, dealID); err != nil {
		return nil, err
	}
	return k.store.Events(ctx, dealID)
}

// EventsAt returns the ordered log of a deal up to an instant. A zero at
// means the full log.
func (k *Kernel) EventsAt(ctx context.Context, orgID, dealID string, at time.Time) ([]deal.Event, error) {
	if _, err := k.store.GetDeal(ctx, orgID, dealID); err != nil {
		return nil, err
	}
	if at.IsZero() {
		return k.store.Events(ctx, dealID)
	}
	return k.store.EventsUpTo(ctx, dealID, at)
}

// Snapshot projects the deal at a point in time. A zero at means the full
// log; otherwise only events with createdAt <= at are folded.
func (k *Kernel) Snapshot(ctx context.Context, orgID, dealID string, at time.Time) (projection.DealProjection, error) {
	if _, err := k.store.GetDeal(ctx, orgID, dealID); err != nil {
		return projection.DealProjection{}, err
	}

	var events []deal.Event
	var err error
	if at.IsZero() {
		events, err = k.store.Events(ctx, dealID)
	} else {
		events, err = k.store.EventsUpTo(ctx, dealID, at)
	}
	if err != nil {
		return projection.DealProjection{}, err
	}
	return k.projector.Project(dealID, events), nil
}

// VerifyChain recomputes a deal's hash chain and returns the verified head
// sequence, or the first linkage or content mismatch.
func (k *Kernel) VerifyChain(ctx context.Context, orgID, dealID string) (int64, error) {
	if _, err := k.store.GetDeal(ctx, orgID, dealID); err != nil {
		return 0, err
	}
	if err := eventstore.Verify(ctx, k.store, dealID); err != nil {
		return 0, err
	}
	return k.store.Head(ctx, dealID)
}

// decide composes the state machine check with the authority gate. The
// state-machine reason leads; gate reasons follow, except an UNKNOWN_ACTION
// already reported by the state machine is not repeated by the gate.
func (k *Kernel) decide(action deal.Action, override bool, proj projection.DealProjection) []deal.Reason {
	var reasons []deal.Reason
	if r := deal.ValidatePredecessor(action, proj.State); r != nil {
		reasons = append(reasons, *r)
	}

	var dec authority.Decision
	if override {
		dec = k.rules.EvaluateOverride(action, proj.ApprovalsFor(action))
	} else {
		dec = k.rules.Evaluate(action, proj.ApprovalsFor(action), proj.Materials.List)
	}
	if dec.Allowed {
		return reasons
	}

	seen := make(map[string]bool, len(reasons))
	for _, r := range reasons {
		seen[r.Key()] = true
	}
	for _, r := range dec.Reasons {
		if seen[r.Key()] {
			continue
		}
		reasons = append(reasons, r)
	}
	return reasons
}

// mirrorAfter projects the log with the candidate event applied and returns
// the state mirror the store writes alongside the append.
func (k *Kernel) mirrorAfter(dealID string, events []deal.Event, candidate deal.Event) eventstore.StateMirror {
	candidate.Sequence = int64(len(events)) + 1
	next := k.projector.Project(dealID, append(events[:len(events):len(events)], candidate))
	return eventstore.StateMirror{State: next.State, StressMode: next.StressMode}
}

func (k *Kernel) emit(ctx context.Context, orgID string, ev deal.Event) {
	if k.sink == nil {
		return
	}
	if err := k.sink.Enqueue(ctx, orgID, ev); err != nil {
		k.logger.Error("outbox enqueue failed",
			"dealId", ev.DealID,
			"seq", ev.Sequence,
			"type", ev.Type,
			"error", err)
	}
}

// dealLocks serializes in-process writers per deal so a submit evaluates and
// appends without racing a sibling goroutine. Cross-process races are still
// caught by the store's sequence check.
type dealLocks struct {
	mu    sync.Mutex
	locks map[string]*dealLock
}

type dealLock struct {
	mu   sync.Mutex
	refs int
}

func newDealLocks() *dealLocks {
	return &dealLocks{locks: make(map[string]*dealLock)}
}

// lock acquires the per-deal mutex and returns its release func. Entries are
// dropped once the last holder releases, so the map stays bounded by the
// number of deals with in-flight writes.
func (l *dealLocks) lock(dealID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[dealID]
	if !ok {
		entry = &dealLock{}
		l.locks[dealID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, dealID)
		}
		l.mu.Unlock()
	}
}
