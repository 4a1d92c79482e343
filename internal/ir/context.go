package ir

import (
	"context"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
)

// EventRecord is the evaluator's view of a single stored or triggering
// event — a projection of the Event Store's row, kept free of any
// dependency on the events package so ir stays a leaf package.
type EventRecord struct {
	ID         string
	Name       string
	DistinctID string
	Timestamp  time.Time
	SessionID  string
	Properties map[string]dynval.Value
}

// EventQuery describes an Events.* history query: an event name plus the
// optional since/until/within window and where predicate every Events.*
// operator accepts.
type EventQuery struct {
	Name  string
	Since *time.Time
	Until *time.Time
	Where *Predicate
}

// UserAdapter resolves user property reads for User(...) nodes.
type UserAdapter interface {
	Property(ctx context.Context, key string) (dynval.Value, bool)
}

// EventHistoryAdapter resolves the Events.* query family. Each method may
// perform I/O (a local store query); the evaluator awaits it synchronously
// and is otherwise non-blocking.
type EventHistoryAdapter interface {
	Exists(ctx context.Context, q EventQuery) (bool, error)
	Count(ctx context.Context, q EventQuery) (int, error)
	FirstTime(ctx context.Context, q EventQuery) (time.Time, bool, error)
	LastTime(ctx context.Context, q EventQuery) (time.Time, bool, error)
	Aggregate(ctx context.Context, q EventQuery, fn AggregateFn, key string) (float64, error)
	InOrder(ctx context.Context, sequence []string, since, until *time.Time) (bool, error)
	ActivePeriods(ctx context.Context, name string, period time.Duration, totalPeriods, minActive int) (bool, error)
	Stopped(ctx context.Context, name string, inactiveFor time.Duration) (bool, error)
	Restarted(ctx context.Context, name string, inactiveFor, within time.Duration) (bool, error)
}

// SegmentAdapter resolves Segment(...) membership checks.
type SegmentAdapter interface {
	InSegment(ctx context.Context, segmentID string, within *time.Duration) (bool, error)
}

// FeatureAdapter resolves Feature(...) entitlement checks.
type FeatureAdapter interface {
	Check(ctx context.Context, featureID string) (Feature, error)
}

// Clock supplies Time.Now; injected so tests can fix the clock and so the
// evaluator never reads ambient global state (design note: no globals).
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Context bundles every adapter the evaluator may consult: the clock,
// user state, event history, segments, features, and the optional
// triggering event. JourneyID backs the
// Journey.Id node. Location is the evaluator's timezone for calendar-day
// coercions (is_date_exact, TimeWindow).
type Context struct {
	Clock     Clock
	User      UserAdapter
	Events    EventHistoryAdapter
	Segments  SegmentAdapter
	Features  FeatureAdapter
	Event     *EventRecord
	JourneyID string
	Location  *time.Location
}

func (c *Context) now() time.Time {
	if c.Clock != nil {
		return c.Clock.Now()
	}
	return time.Now()
}

func (c *Context) loc() *time.Location {
	if c.Location != nil {
		return c.Location
	}
	return time.UTC
}
