package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel/pkg/deal"
)

var testBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: testBase} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(time.Minute)
	return t
}

func testEvent(id, dealID string, seq int64, typ string) deal.Event {
	return deal.Event{
		ID:       id,
		DealID:   dealID,
		Sequence: seq,
		Type:     typ,
		ActorID:  "actor-gp-1",
		Payload:  json.RawMessage(`{"action":"OPEN_REVIEW"}`),
	}
}

func TestMemoryStore_EnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(newTestClock().Now)

	ev := testEvent("ev-1", "deal-1", 1, deal.EventDealCreated)
	require.NoError(t, store.Enqueue(ctx, "org-fulcrum", ev))
	require.NoError(t, store.Enqueue(ctx, "org-fulcrum", ev))

	rows, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "ev-1", rows[0].EventID)
	require.Equal(t, "org-fulcrum", rows[0].OrgID)
	require.Equal(t, StatusPending, rows[0].Status)
}

func TestMemoryStore_PendingOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(newTestClock().Now)

	for i := 1; i <= 3; i++ {
		ev := testEvent(fmt.Sprintf("ev-%d", i), "deal-1", int64(i), "OPEN_REVIEW")
		require.NoError(t, store.Enqueue(ctx, "org-fulcrum", ev))
	}

	rows, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "ev-1", rows[0].EventID)
	require.Equal(t, "ev-2", rows[1].EventID)
	require.Equal(t, "ev-3", rows[2].EventID)

	rows, err = store.Pending(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "ev-1", rows[0].EventID)
}

func TestMemoryStore_MarkDoneLeavesPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(newTestClock().Now)

	require.NoError(t, store.Enqueue(ctx, "org-fulcrum", testEvent("ev-1", "deal-1", 1, deal.EventDealCreated)))
	require.NoError(t, store.Enqueue(ctx, "org-fulcrum", testEvent("ev-2", "deal-1", 2, "OPEN_REVIEW")))
	require.NoError(t, store.MarkDone(ctx, "ev-1"))

	rows, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "ev-2", rows[0].EventID)

	row, ok := store.Row("ev-1")
	require.True(t, ok)
	require.Equal(t, StatusDone, row.Status)
}

func TestMemoryStore_AttemptBudgetParksRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(newTestClock().Now).WithMaxAttempts(2)

	require.NoError(t, store.Enqueue(ctx, "org-fulcrum", testEvent("ev-1", "deal-1", 1, deal.EventDealCreated)))

	require.NoError(t, store.MarkFailed(ctx, "ev-1", "target unreachable"))
	row, ok := store.Row("ev-1")
	require.True(t, ok)
	require.Equal(t, StatusPending, row.Status)
	require.Equal(t, 1, row.Attempts)
	require.Equal(t, "target unreachable", row.LastError)

	rows, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1, "one failure should leave the row retryable")

	require.NoError(t, store.MarkFailed(ctx, "ev-1", "target unreachable"))
	row, ok = store.Row("ev-1")
	require.True(t, ok)
	require.Equal(t, StatusFailed, row.Status)
	require.Equal(t, 2, row.Attempts)

	rows, err = store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, rows, "a parked row must not be retried")
}

type captureDeliverer struct {
	mu        sync.Mutex
	delivered []string
	failIDs   map[string]bool
}

func (d *captureDeliverer) Deliver(ctx context.Context, sub Subscription, row Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failIDs[row.EventID] {
		return fmt.Errorf("webhook returned 503")
	}
	d.delivered = append(d.delivered, sub.Name+"/"+row.EventID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatcher_DeliversMatchingRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(newTestClock().Now)

	require.NoError(t, store.Enqueue(ctx, "org-fulcrum", testEvent("ev-1", "deal-1", 1, deal.EventDealCreated)))
	require.NoError(t, store.Enqueue(ctx, "org-fulcrum", testEvent("ev-2", "deal-1", 2, "OPEN_REVIEW")))
	require.NoError(t, store.Enqueue(ctx, "org-other", testEvent("ev-3", "deal-9", 1, "OPEN_REVIEW")))

	deliverer := &captureDeliverer{}
	subs := []Subscription{
		{Name: "all-fulcrum", OrgID: "org-fulcrum", Target: "https://hooks.example/fulcrum"},
		{Name: "reviews", Filter: `event.type == "OPEN_REVIEW"`, Target: "https://hooks.example/reviews"},
	}
	d, err := NewDispatcher(store, subs, deliverer, testLogger())
	require.NoError(t, err)

	done, err := d.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, done)

	require.Equal(t, []string{
		"all-fulcrum/ev-1",
		"all-fulcrum/ev-2",
		"reviews/ev-2",
		"reviews/ev-3",
	}, deliverer.delivered)

	rows, err := store.Pending(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDispatcher_FailedDeliveryIsRetriedThenParked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore().WithClock(newTestClock().Now).WithMaxAttempts(2)

	require.NoError(t, store.Enqueue(ctx, "org-fulcrum", testEvent("ev-1", "deal-1", 1, deal.EventDealCreated)))

	deliverer := &captureDeliverer{failIDs: map[string]bool{"ev-1": true}}
	subs := []Subscription{{Name: "all", Target: "https://hooks.example/all"}}
	d, err := NewDispatcher(store, subs, deliverer, testLogger())
	require.NoError(t, err)

	done, err := d.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, done)

	row, ok := store.Row("ev-1")
	require.True(t, ok)
	require.Equal(t, StatusPending, row.Status)
	require.Contains(t, row.LastError, `subscription "all"`)
	require.Contains(t, row.LastError, "503")

	done, err = d.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, done)

	row, ok = store.Row("ev-1")
	require.True(t, ok)
	require.Equal(t, StatusFailed, row.Status)
	require.Equal(t, 2, row.Attempts)

	done, err = d.Tick(ctx)
	require.NoError(t, err)
	require.Zero(t, done, "parked rows must not reach the deliverer again")
	require.Empty(t, deliverer.delivered)
}

func TestDispatcher_RejectsBadFilterAtStartup(t *testing.T) {
	store := NewMemoryStore()
	subs := []Subscription{{Name: "timers", Filter: `now() > timestamp("2026-01-01T00:00:00Z")`, Target: "https://hooks.example/t"}}

	_, err := NewDispatcher(store, subs, &captureDeliverer{}, testLogger())
	require.Error(t, err)
	require.Contains(t, err.Error(), `subscription "timers"`)
}
