package events

import (
	"context"
	"testing"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
)

func TestMemoryStoreAppendAndQuery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		e := New("app_opened", "user-1", "sess-1", map[string]dynval.Value{
			"n": dynval.Number(float64(i)),
		}, base.Add(time.Duration(i)*time.Minute))
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.ForDistinctID(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("ForDistinctID: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	// most-recent-first
	if !got[0].Timestamp.After(got[1].Timestamp) {
		t.Fatalf("expected most-recent-first ordering")
	}
}

func TestMemoryStoreQueryFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = store.Append(ctx, New("app_opened", "user-1", "sess-1", nil, base))
	_ = store.Append(ctx, New("purchase", "user-1", "sess-1", nil, base.Add(time.Hour)))
	_ = store.Append(ctx, New("app_opened", "user-2", "sess-2", nil, base))

	rows, err := store.Query(ctx, "user-1", QueryOptions{Name: "purchase"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(rows) != 1 || rows[0].Name != "purchase" {
		t.Fatalf("expected 1 purchase event, got %+v", rows)
	}

	since := base.Add(30 * time.Minute)
	rows, err = store.Query(ctx, "user-1", QueryOptions{Since: &since})
	if err != nil {
		t.Fatalf("Query since: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 event after since cutoff, got %d", len(rows))
	}
}

func TestMemoryStoreReassignIsAtomic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		_ = store.Append(ctx, New("ev", "anon-1", "sess-1", nil, base.Add(time.Duration(i)*time.Second)))
	}

	if err := store.Reassign(ctx, "anon-1", "user-1"); err != nil {
		t.Fatalf("reassign: %v", err)
	}

	anonRows, _ := store.ForDistinctID(ctx, "anon-1", 0)
	if len(anonRows) != 0 {
		t.Fatalf("expected no events left under anon-1, got %d", len(anonRows))
	}
	userRows, _ := store.ForDistinctID(ctx, "user-1", 0)
	if len(userRows) != 5 {
		t.Fatalf("expected 5 events reassigned to user-1, got %d", len(userRows))
	}
}

func TestMemoryStorePrune(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = store.Append(ctx, New("old", "user-1", "sess-1", nil, base))
	_ = store.Append(ctx, New("new", "user-1", "sess-1", nil, base.Add(24*time.Hour)))

	cutoff := base.Add(time.Hour)
	n, err := store.Prune(ctx, cutoff)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned event, got %d", n)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 remaining event, got %d", store.Len())
	}
}

func TestMemoryStoreForSessionIDLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 10; i++ {
		_ = store.Append(ctx, New("ev", "user-1", "sess-1", nil, base.Add(time.Duration(i)*time.Second)))
	}

	rows, err := store.ForSessionID(ctx, "sess-1", 3)
	if err != nil {
		t.Fatalf("ForSessionID: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected limit to cap at 3, got %d", len(rows))
	}
}
