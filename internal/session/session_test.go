package session

import (
	"testing"
	"time"
)

func TestTouchStartsAndReusesSession(t *testing.T) {
	m := New()
	if m.Current() != "" {
		t.Fatal("expected no session before first touch")
	}
	first := m.Touch()
	if first == "" {
		t.Fatal("expected touch to start a session")
	}
	if got := m.Touch(); got != first {
		t.Fatalf("expected same session on immediate re-touch, got %q vs %q", got, first)
	}
	if m.Current() != first {
		t.Fatalf("Current = %q, want %q", m.Current(), first)
	}
}

func TestTouchRotatesAfterIdleTimeout(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := New(WithIdleTimeout(30*time.Minute), WithClock(clock))

	first := m.Touch()
	now = now.Add(29 * time.Minute)
	if got := m.Touch(); got != first {
		t.Fatal("expected session to survive activity inside the idle window")
	}
	now = now.Add(31 * time.Minute)
	if got := m.Touch(); got == first {
		t.Fatal("expected a new session after the idle gap")
	}
}

func TestStartEndReset(t *testing.T) {
	m := New()
	first := m.Start()
	second := m.Start()
	if first == second {
		t.Fatal("expected Start to mint a fresh id each call")
	}

	m.End()
	if m.Current() != "" {
		t.Fatal("expected End to clear the session")
	}
	if !m.StartedAt().IsZero() {
		t.Fatal("expected End to clear startedAt")
	}

	third := m.Reset()
	if third == "" || third == second {
		t.Fatalf("expected Reset to start a fresh session, got %q", third)
	}
	if m.Current() != third {
		t.Fatalf("Current = %q, want %q", m.Current(), third)
	}
}

func TestSetOverridesAndEmptyEnds(t *testing.T) {
	m := New()
	m.Set("host-session-1")
	if m.Current() != "host-session-1" {
		t.Fatalf("Current = %q, want host-session-1", m.Current())
	}
	if got := m.Touch(); got != "host-session-1" {
		t.Fatalf("Touch = %q, want host-session-1", got)
	}
	m.Set("")
	if m.Current() != "" {
		t.Fatal("expected Set(\"\") to end the session")
	}
}
