package audit

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps the most recent audit events in a bounded ring, for the
// admin inspection endpoint and tests. It is not the durable trail; the
// JSON-line Logger is.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

const defaultStoreCap = 1000

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cap: defaultStoreCap}
}

func (s *MemoryStore) Append(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	if len(s.events) > s.cap {
		s.events = s.events[len(s.events)-s.cap:]
	}
}

// List returns the newest events for one org, most recent first.
func (s *MemoryStore) List(orgID string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Event, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].OrgID != orgID {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// StoreLogger records into a MemoryStore, failing closed when none is
// configured.
type StoreLogger struct {
	store *MemoryStore
}

func NewStoreLogger(s *MemoryStore) *StoreLogger {
	return &StoreLogger{store: s}
}

func (l *StoreLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	if l.store == nil {
		return fmt.Errorf("fail-closed: audit store not configured")
	}
	l.store.Append(newEvent(ctx, eventType, action, resource, metadata))
	return nil
}

// TeeLogger fans one record out to several loggers, keeping the first error.
type TeeLogger []Logger

func (t TeeLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	var first error
	for _, l := range t {
		if err := l.Record(ctx, eventType, action, resource, metadata); err != nil && first == nil {
			first = err
		}
	}
	return first
}
