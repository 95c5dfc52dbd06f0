package limiter

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_BurstThenLimited(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	policy := Policy{RPM: 60, Burst: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := store.Allow(ctx, "org-fulcrum/actor-gp-1", policy, 1)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d should be within burst", i)
		}
	}

	allowed, err := store.Allow(ctx, "org-fulcrum/actor-gp-1", policy, 1)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Error("third request should exceed the burst")
	}
}

func TestMemoryStore_RefillsOverTime(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	policy := Policy{RPM: 60, Burst: 1}
	ctx := context.Background()

	allowed, _ := store.Allow(ctx, "actor", policy, 1)
	if !allowed {
		t.Fatal("first request should pass")
	}
	allowed, _ = store.Allow(ctx, "actor", policy, 1)
	if allowed {
		t.Fatal("bucket should be empty")
	}

	// 60 RPM refills one token per second.
	now = now.Add(1100 * time.Millisecond)
	allowed, _ = store.Allow(ctx, "actor", policy, 1)
	if !allowed {
		t.Error("bucket should have refilled after a second")
	}
}

func TestMemoryStore_KeysAreIsolated(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	policy := Policy{RPM: 1, Burst: 1}
	ctx := context.Background()

	allowed, _ := store.Allow(ctx, "org-a/actor-1", policy, 1)
	if !allowed {
		t.Fatal("first caller should pass")
	}
	allowed, _ = store.Allow(ctx, "org-a/actor-1", policy, 1)
	if allowed {
		t.Fatal("first caller should now be limited")
	}

	allowed, _ = store.Allow(ctx, "org-b/actor-1", policy, 1)
	if !allowed {
		t.Error("a different caller must have its own bucket")
	}
}

func TestPolicy_RateFloor(t *testing.T) {
	if got := (Policy{}).ratePerSec(); got != 1 {
		t.Errorf("unset policy should fall back to 1 token/sec, got %v", got)
	}
	if got := (Policy{RPM: 120}).ratePerSec(); got != 2 {
		t.Errorf("120 RPM should refill 2 tokens/sec, got %v", got)
	}
}
