// Package outbox buffers committed events for downstream consumers. The
// kernel enqueues every accepted event after its append commits; a
// dispatcher drains pending rows, matches them against subscription
// filters, and hands them to a deliverer. Rows survive until delivery
// succeeds or the attempt budget runs out.
package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keelhq/keel/pkg/deal"
)

// Row statuses.
const (
	StatusPending = "PENDING"
	StatusDone    = "DONE"
	StatusFailed  = "FAILED"
)

// DefaultMaxAttempts is how often a row is retried before it is parked
// as FAILED.
const DefaultMaxAttempts = 5

// Row is one undelivered event.
type Row struct {
	EventID    string     `json:"eventId"`
	OrgID      string     `json:"orgId"`
	DealID     string     `json:"dealId"`
	Seq        int64      `json:"seq"`
	EventType  string     `json:"eventType"`
	Event      deal.Event `json:"event"`
	EnqueuedAt time.Time  `json:"enqueuedAt"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError,omitempty"`
}

// Store persists outbox rows. Enqueue is idempotent on the event id, so a
// sink retry never duplicates a row.
type Store interface {
	Enqueue(ctx context.Context, orgID string, ev deal.Event) error
	Pending(ctx context.Context, limit int) ([]Row, error)
	MarkDone(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, reason string) error
}

// MemoryStore is the in-process store used in tests and single-node runs.
type MemoryStore struct {
	mu          sync.Mutex
	rows        map[string]*Row
	maxAttempts int
	clock       func() time.Time // Injectable clock
}

// NewMemoryStore returns an empty store with the default attempt budget.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:        make(map[string]*Row),
		maxAttempts: DefaultMaxAttempts,
		clock:       time.Now,
	}
}

// WithClock replaces the enqueue timestamp source.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// WithMaxAttempts replaces the attempt budget.
func (s *MemoryStore) WithMaxAttempts(n int) *MemoryStore {
	s.maxAttempts = n
	return s
}

func (s *MemoryStore) Enqueue(ctx context.Context, orgID string, ev deal.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[ev.ID]; ok {
		return nil
	}
	s.rows[ev.ID] = &Row{
		EventID:    ev.ID,
		OrgID:      orgID,
		DealID:     ev.DealID,
		Seq:        ev.Sequence,
		EventType:  ev.Type,
		Event:      ev,
		EnqueuedAt: s.clock().UTC(),
		Status:     StatusPending,
	}
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context, limit int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Row, 0)
	for _, row := range s.rows {
		if row.Status == StatusPending {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkDone(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row, ok := s.rows[eventID]; ok {
		row.Status = StatusDone
	}
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, eventID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return nil
	}
	row.Attempts++
	row.LastError = reason
	if row.Attempts >= s.maxAttempts {
		row.Status = StatusFailed
	}
	return nil
}

// Row returns a copy of one row for inspection.
func (s *MemoryStore) Row(eventID string) (Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[eventID]
	if !ok {
		return Row{}, false
	}
	return *row, true
}
