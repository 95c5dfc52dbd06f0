// Package eventstore persists the append-only, per-deal sequenced event log
// and the deal registry rows that mirror it. Three backends share one
// contract: in-memory for tests and single-node use, SQLite for embedded
// deployments, Postgres for production.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keelhq/keel/pkg/canonical"
	"github.com/keelhq/keel/pkg/deal"
)

var (
	// ErrNotFound covers a missing deal, including cross-tenant lookups,
	// which callers surface as 404 without confirming existence.
	ErrNotFound = errors.New("eventstore: deal not found")
	// ErrConcurrency means the caller's expected sequence no longer matches
	// the head of the log.
	ErrConcurrency = errors.New("eventstore: sequence conflict")
	// ErrDuplicate means a deal with the same id already exists.
	ErrDuplicate = errors.New("eventstore: duplicate deal")
)

// GenesisHash seeds the hash chain of every deal log.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// StateMirror carries the projected state written to the deal row in the
// same transaction as an append. The log is the source of truth; the row is
// a read convenience.
type StateMirror struct {
	State      deal.State
	StressMode deal.StressMode
}

// Store is the event log contract. Append assigns the next sequence number
// and the chain hashes; everything else on the event must be set by the
// caller. Events are immutable once appended.
type Store interface {
	CreateDeal(ctx context.Context, d deal.Deal) error
	GetDeal(ctx context.Context, orgID, dealID string) (deal.Deal, error)
	ListDeals(ctx context.Context, orgID string) ([]deal.Deal, error)

	// Append persists ev with sequence head+1 if expectedSeq matches the
	// current head, updating the deal row to mirror atomically. Returns the
	// enriched event or ErrConcurrency.
	Append(ctx context.Context, expectedSeq int64, ev deal.Event, mirror StateMirror) (deal.Event, error)

	// Events returns the full ordered log of a deal.
	Events(ctx context.Context, dealID string) ([]deal.Event, error)

	// EventsUpTo returns the ordered prefix with createdAt <= at.
	EventsUpTo(ctx context.Context, dealID string, at time.Time) ([]deal.Event, error)

	// Head returns the sequence of the latest event, 0 for an empty log.
	Head(ctx context.Context, dealID string) (int64, error)
}

// chainBody is the hashed portion of an event. The hash field itself and
// the assigned id are excluded; everything that affects replay is included.
type chainBody struct {
	PrevHash         string   `json:"prevHash"`
	DealID           string   `json:"dealId"`
	Sequence         int64    `json:"sequence"`
	Type             string   `json:"type"`
	ActorID          string   `json:"actorId,omitempty"`
	Payload          any      `json:"payload,omitempty"`
	AuthorityContext any      `json:"authorityContext,omitempty"`
	EvidenceRefs     []string `json:"evidenceRefs,omitempty"`
	OverrideUsed     bool     `json:"overrideUsed,omitempty"`
	CreatedAt        string   `json:"createdAt"`
}

// ChainHash computes the chained content hash of an event given the hash of
// its predecessor (GenesisHash for the first entry).
func ChainHash(prevHash string, ev deal.Event) (string, error) {
	body := chainBody{
		PrevHash:     prevHash,
		DealID:       ev.DealID,
		Sequence:     ev.Sequence,
		Type:         ev.Type,
		ActorID:      ev.ActorID,
		EvidenceRefs: ev.EvidenceRefs,
		OverrideUsed: ev.OverrideUsed,
		CreatedAt:    ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(ev.Payload) > 0 {
		body.Payload = ev.Payload
	}
	if len(ev.AuthorityContext) > 0 {
		body.AuthorityContext = ev.AuthorityContext
	}
	hash, err := canonical.Hash(body)
	if err != nil {
		return "", fmt.Errorf("eventstore: chain hash: %w", err)
	}
	return hash, nil
}

// Verify walks a deal's log and recomputes the hash chain, returning an
// error at the first entry whose linkage or content hash does not match.
func Verify(ctx context.Context, s Store, dealID string) error {
	events, err := s.Events(ctx, dealID)
	if err != nil {
		return err
	}

	prev := GenesisHash
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			return fmt.Errorf("eventstore: verify %s: gap at position %d, sequence %d", dealID, i, ev.Sequence)
		}
		if ev.PrevHash != prev {
			return fmt.Errorf("eventstore: verify %s: broken linkage at sequence %d", dealID, ev.Sequence)
		}
		expected, err := ChainHash(prev, ev)
		if err != nil {
			return err
		}
		if ev.Hash != expected {
			return fmt.Errorf("eventstore: verify %s: content hash mismatch at sequence %d", dealID, ev.Sequence)
		}
		prev = ev.Hash
	}
	return nil
}
