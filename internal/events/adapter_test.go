package events

import (
	"context"
	"testing"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/ir"
)

func seedPurchases(t *testing.T, store *MemoryStore, distinctID string, base time.Time, amounts ...float64) {
	t.Helper()
	ctx := context.Background()
	for i, amt := range amounts {
		e := New("purchase", distinctID, "sess-1", map[string]dynval.Value{
			"amount": dynval.Number(amt),
		}, base.Add(time.Duration(i)*time.Hour))
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestHistoryAdapterExistsAndCount(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedPurchases(t, store, "user-1", base, 10, 20, 30)

	adapter := NewHistoryAdapter(store, "user-1", time.UTC)
	ctx := context.Background()

	exists, err := adapter.Exists(ctx, ir.EventQuery{Name: "purchase"})
	if err != nil || !exists {
		t.Fatalf("expected purchase to exist, err=%v", err)
	}

	count, err := adapter.Count(ctx, ir.EventQuery{Name: "purchase"})
	if err != nil || count != 3 {
		t.Fatalf("expected count 3, got %d err=%v", count, err)
	}

	missing, err := adapter.Exists(ctx, ir.EventQuery{Name: "refund"})
	if err != nil || missing {
		t.Fatalf("expected refund to not exist")
	}
}

func TestHistoryAdapterAggregateSumAvgMinMax(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedPurchases(t, store, "user-1", base, 10, 20, 30)

	adapter := NewHistoryAdapter(store, "user-1", time.UTC)
	ctx := context.Background()
	q := ir.EventQuery{Name: "purchase"}

	sum, _ := adapter.Aggregate(ctx, q, ir.AggSum, "amount")
	if sum != 60 {
		t.Fatalf("expected sum 60, got %v", sum)
	}
	avg, _ := adapter.Aggregate(ctx, q, ir.AggAvg, "amount")
	if avg != 20 {
		t.Fatalf("expected avg 20, got %v", avg)
	}
	min, _ := adapter.Aggregate(ctx, q, ir.AggMin, "amount")
	if min != 10 {
		t.Fatalf("expected min 10, got %v", min)
	}
	max, _ := adapter.Aggregate(ctx, q, ir.AggMax, "amount")
	if max != 30 {
		t.Fatalf("expected max 30, got %v", max)
	}
}

func TestHistoryAdapterFirstAndLastTime(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedPurchases(t, store, "user-1", base, 10, 20, 30)

	adapter := NewHistoryAdapter(store, "user-1", time.UTC)
	ctx := context.Background()

	first, ok, err := adapter.FirstTime(ctx, ir.EventQuery{Name: "purchase"})
	if err != nil || !ok || !first.Equal(base) {
		t.Fatalf("expected first time to be base, got %v ok=%v err=%v", first, ok, err)
	}

	last, ok, err := adapter.LastTime(ctx, ir.EventQuery{Name: "purchase"})
	if err != nil || !ok || !last.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("expected last time to be base+2h, got %v", last)
	}
}

func TestHistoryAdapterInOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = store.Append(ctx, New("signup", "user-1", "sess", nil, base))
	_ = store.Append(ctx, New("onboarding_done", "user-1", "sess", nil, base.Add(time.Hour)))
	_ = store.Append(ctx, New("purchase", "user-1", "sess", nil, base.Add(2*time.Hour)))

	adapter := NewHistoryAdapter(store, "user-1", time.UTC)

	ok, err := adapter.InOrder(ctx, []string{"signup", "onboarding_done", "purchase"}, nil, nil)
	if err != nil || !ok {
		t.Fatalf("expected in-order sequence to hold, err=%v", err)
	}

	ok, err = adapter.InOrder(ctx, []string{"purchase", "signup"}, nil, nil)
	if err != nil || ok {
		t.Fatalf("expected reversed sequence to fail")
	}
}

func TestHistoryAdapterStoppedAndRestarted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.Append(ctx, New("heartbeat", "user-1", "sess", nil, now.Add(-48*time.Hour)))
	_ = store.Append(ctx, New("heartbeat", "user-1", "sess", nil, now.Add(-2*time.Hour)))

	adapter := NewHistoryAdapter(store, "user-1", time.UTC)

	stopped, err := adapter.Stopped(ctx, "heartbeat", time.Hour)
	if err != nil || !stopped {
		t.Fatalf("expected stopped=true, last event was 2h ago with a 1h inactivity threshold, got %v err=%v", stopped, err)
	}

	restarted, err := adapter.Restarted(ctx, "heartbeat", 24*time.Hour, 3*time.Hour)
	if err != nil || !restarted {
		t.Fatalf("expected restarted=true after 46h gap within last 3h, got %v err=%v", restarted, err)
	}
}

func TestHistoryAdapterActivePeriods(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = store.Append(ctx, New("login", "user-1", "sess", nil, now))
	_ = store.Append(ctx, New("login", "user-1", "sess", nil, now.Add(-24*time.Hour)))
	_ = store.Append(ctx, New("login", "user-1", "sess", nil, now.Add(-96*time.Hour)))

	adapter := NewHistoryAdapter(store, "user-1", time.UTC)

	active, err := adapter.ActivePeriods(ctx, "login", 24*time.Hour, 7, 2)
	if err != nil || !active {
		t.Fatalf("expected at least 2 of 7 daily periods active, got %v err=%v", active, err)
	}
}

func TestHistoryAdapterWithPredicate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = store.Append(ctx, New("purchase", "user-1", "sess", map[string]dynval.Value{
		"tier": dynval.String("gold"),
	}, base))
	_ = store.Append(ctx, New("purchase", "user-1", "sess", map[string]dynval.Value{
		"tier": dynval.String("silver"),
	}, base.Add(time.Hour)))

	adapter := NewHistoryAdapter(store, "user-1", time.UTC)

	count, err := adapter.Count(ctx, ir.EventQuery{
		Name:  "purchase",
		Where: &ir.Predicate{Op: ir.PropEq, Key: "tier", Value: dynval.String("gold")},
	})
	if err != nil || count != 1 {
		t.Fatalf("expected 1 gold-tier purchase, got %d err=%v", count, err)
	}
}
