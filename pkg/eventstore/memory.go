package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/keelhq/keel/pkg/deal"
)

// MemoryStore keeps deals and their logs in process memory. It backs tests
// and single-node development; semantics match the SQL stores exactly.
type MemoryStore struct {
	mu    sync.RWMutex
	deals map[string]deal.Deal
	logs  map[string][]deal.Event
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals: make(map[string]deal.Deal),
		logs:  make(map[string][]deal.Event),
	}
}

func (s *MemoryStore) CreateDeal(_ context.Context, d deal.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deals[d.ID]; exists {
		return ErrDuplicate
	}
	s.deals[d.ID] = d
	return nil
}

func (s *MemoryStore) GetDeal(_ context.Context, orgID, dealID string) (deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deals[dealID]
	if !ok || d.OrgID != orgID {
		return deal.Deal{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) ListDeals(_ context.Context, orgID string) ([]deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]deal.Deal, 0)
	for _, d := range s.deals {
		if d.OrgID == orgID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, expectedSeq int64, ev deal.Event, mirror StateMirror) (deal.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deals[ev.DealID]
	if !ok {
		return deal.Event{}, ErrNotFound
	}

	log := s.logs[ev.DealID]
	head := int64(len(log))
	if expectedSeq != head {
		return deal.Event{}, ErrConcurrency
	}

	prev := GenesisHash
	if head > 0 {
		prev = log[head-1].Hash
	}

	ev.Sequence = head + 1
	ev.PrevHash = prev
	hash, err := ChainHash(prev, ev)
	if err != nil {
		return deal.Event{}, err
	}
	ev.Hash = hash

	s.logs[ev.DealID] = append(log, ev)

	d.State = mirror.State
	d.StressMode = mirror.StressMode
	d.UpdatedAt = ev.CreatedAt
	s.deals[ev.DealID] = d

	return ev, nil
}

func (s *MemoryStore) Events(_ context.Context, dealID string) ([]deal.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[dealID]
	out := make([]deal.Event, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryStore) EventsUpTo(_ context.Context, dealID string, at time.Time) ([]deal.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[dealID]
	out := make([]deal.Event, 0, len(log))
	for _, ev := range log {
		if ev.CreatedAt.After(at) {
			break
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *MemoryStore) Head(_ context.Context, dealID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.logs[dealID])), nil
}
