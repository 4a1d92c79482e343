// Package session manages the tracking session id stamped onto every
// event. A session is a time-ordered UUID minted on
// first use and rotated after a configurable idle gap, the convention
// mobile analytics SDKs follow so a backgrounded app that returns hours
// later starts a fresh session without the host calling anything.
package session

import (
	"sync"
	"time"

	"github.com/nuxie/growth-core/internal/ids"
)

// DefaultIdleTimeout is the idle gap after which Touch rotates to a new
// session id.
const DefaultIdleTimeout = 30 * time.Minute

// Manager owns the current session id. Safe for concurrent use.
type Manager struct {
	mu          sync.Mutex
	id          string
	startedAt   time.Time
	lastTouched time.Time
	idleTimeout time.Duration
	now         func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdleTimeout overrides DefaultIdleTimeout; zero or negative
// disables idle rotation entirely.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithClock injects the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New constructs a Manager with no session started yet.
func New(opts ...Option) *Manager {
	m := &Manager{idleTimeout: DefaultIdleTimeout, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins a new session unconditionally and returns its id.
func (m *Manager) Start() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked()
}

func (m *Manager) startLocked() string {
	m.id = ids.New()
	m.startedAt = m.now()
	m.lastTouched = m.startedAt
	return m.id
}

// Current returns the current session id, or "" when no session is
// active. It does not start one and does not count as activity.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// StartedAt returns when the current session began; the zero time when
// no session is active.
func (m *Manager) StartedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedAt
}

// Set replaces the current session id with a caller-supplied one, for
// hosts that coordinate session identity with their own analytics.
// Setting "" is equivalent to End.
func (m *Manager) Set(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.endLocked()
		return
	}
	m.id = id
	m.startedAt = m.now()
	m.lastTouched = m.startedAt
}

// End closes the current session; subsequent Touch calls start a new
// one.
func (m *Manager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked()
}

func (m *Manager) endLocked() {
	m.id = ""
	m.startedAt = time.Time{}
	m.lastTouched = time.Time{}
}

// Reset ends the current session and immediately starts a fresh one,
// returning the new id.
func (m *Manager) Reset() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked()
	return m.startLocked()
}

// Touch records activity and returns the session id the activity
// belongs to, starting a session if none is active and rotating to a
// new one when the configured idle gap has elapsed since the last
// activity. This is the call the track path makes per event, so event
// timestamps stay monotonic within a session id.
func (m *Manager) Touch() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.id == "" {
		return m.startLocked()
	}
	if m.idleTimeout > 0 && now.Sub(m.lastTouched) > m.idleTimeout {
		return m.startLocked()
	}
	m.lastTouched = now
	return m.id
}
