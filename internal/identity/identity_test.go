package identity

import (
	"context"
	"testing"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/events"
)

func TestNewMintsAnonymousID(t *testing.T) {
	id, err := New(context.Background(), NewMemoryPersister(), events.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if id.AnonymousID() == "" {
		t.Fatalf("expected a minted anonymous id")
	}
	if id.IsIdentified() {
		t.Fatalf("expected fresh identity to be anonymous")
	}
	if id.EffectiveDistinctID() != id.AnonymousID() {
		t.Fatalf("expected effective id to equal anonymous id before identify")
	}
}

func TestIdentifyMigratesPropertiesAndEmitsIdentify(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryStore()
	id, err := New(ctx, NewMemoryPersister(), store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	anonID := id.AnonymousID()

	if err := id.SetProperties(ctx, map[string]dynval.Value{"plan": dynval.String("free")}); err != nil {
		t.Fatalf("SetProperties: %v", err)
	}

	e, err := id.Identify(ctx, "user-42", map[string]dynval.Value{"plan": dynval.String("pro")})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if e == nil || e.Name != "$identify" {
		t.Fatalf("expected a $identify event on anonymous->identified transition, got %+v", e)
	}
	anonIDProp, ok := e.Properties["$anon_distinct_id"]
	if !ok || anonIDProp.AsString() != anonID {
		t.Fatalf("expected $anon_distinct_id=%s, got %+v", anonID, e.Properties)
	}

	if id.DistinctID() != "user-42" {
		t.Fatalf("expected distinct id user-42, got %s", id.DistinctID())
	}

	v, ok := id.Property(ctx, "plan")
	if !ok || v.AsString() != "pro" {
		t.Fatalf("expected identify's props to override migrated properties, got %+v ok=%v", v, ok)
	}
}

func TestIdentifyReassignsEventsUnderMigratePolicy(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryStore()
	id, err := New(ctx, NewMemoryPersister(), store, nil, WithEventLinkingPolicy(MigrateOnIdentify))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	anonID := id.AnonymousID()
	_ = store.Append(ctx, events.New("app_opened", anonID, "sess-1", nil, time.Now()))

	if _, err := id.Identify(ctx, "user-1", nil); err != nil {
		t.Fatalf("Identify: %v", err)
	}

	rows, _ := store.Query(ctx, "user-1", events.QueryOptions{Name: "app_opened"})
	if len(rows) != 1 {
		t.Fatalf("expected 1 event reassigned to user-1, got %d", len(rows))
	}
}

func TestIdentifyKeepSeparateSkipsReassignment(t *testing.T) {
	ctx := context.Background()
	store := events.NewMemoryStore()
	id, err := New(ctx, NewMemoryPersister(), store, nil, WithEventLinkingPolicy(KeepSeparate))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	anonID := id.AnonymousID()
	_ = store.Append(ctx, events.New("app_opened", anonID, "sess-1", nil, time.Now()))

	if _, err := id.Identify(ctx, "user-1", nil); err != nil {
		t.Fatalf("Identify: %v", err)
	}

	rows, _ := store.ForDistinctID(ctx, anonID, 0)
	if len(rows) != 1 {
		t.Fatalf("expected event to remain under anonymous id with KeepSeparate, got %d", len(rows))
	}
}

func TestIdentifyOnlyEmitsOnAnonymousToIdentifiedTransition(t *testing.T) {
	ctx := context.Background()
	id, err := New(ctx, NewMemoryPersister(), events.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := id.Identify(ctx, "user-1", nil)
	if err != nil || first == nil {
		t.Fatalf("expected first identify to emit, err=%v", err)
	}

	second, err := id.Identify(ctx, "user-2", nil)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if second != nil {
		t.Fatalf("expected re-identify (already identified) to not emit $identify again")
	}
}

func TestResetClearsDistinctIDAndProperties(t *testing.T) {
	ctx := context.Background()
	id, err := New(ctx, NewMemoryPersister(), events.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	oldAnon := id.AnonymousID()
	_, _ = id.Identify(ctx, "user-1", map[string]dynval.Value{"k": dynval.String("v")})

	if err := id.Reset(ctx, false); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if id.IsIdentified() {
		t.Fatalf("expected reset to clear distinct id")
	}
	if id.AnonymousID() == oldAnon {
		t.Fatalf("expected reset(keepAnonymous=false) to mint a new anonymous id")
	}
	if _, ok := id.Property(ctx, "k"); ok {
		t.Fatalf("expected properties cleared after reset")
	}
}

func TestResetKeepAnonymousPreservesAnonymousID(t *testing.T) {
	ctx := context.Background()
	id, err := New(ctx, NewMemoryPersister(), events.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	oldAnon := id.AnonymousID()

	if err := id.Reset(ctx, true); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if id.AnonymousID() != oldAnon {
		t.Fatalf("expected keepAnonymous=true to preserve the anonymous id")
	}
}

func TestUserChangeHookFiresOnIdentifyAndReset(t *testing.T) {
	ctx := context.Background()
	var transitions [][2]string
	hook := func(ctx context.Context, oldID, newID string) {
		transitions = append(transitions, [2]string{oldID, newID})
	}

	id, err := New(ctx, NewMemoryPersister(), events.NewMemoryStore(), nil, WithUserChangeHook(hook))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	anon := id.AnonymousID()
	_, _ = id.Identify(ctx, "user-1", nil)
	_ = id.Reset(ctx, true)

	if len(transitions) != 2 {
		t.Fatalf("expected 2 hook invocations, got %d: %+v", len(transitions), transitions)
	}
	if transitions[0][0] != anon || transitions[0][1] != "user-1" {
		t.Fatalf("unexpected first transition: %+v", transitions[0])
	}
}
