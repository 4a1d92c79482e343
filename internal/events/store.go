package events

import (
	"context"
	"time"
)

// Store is the Event Store contract: append on track; query
// by distinctId or sessionId most-recent-first with a limit; atomic
// reassign on identify; TTL-based pruning at any safe point.
type Store interface {
	Append(ctx context.Context, e *Event) error
	ForDistinctID(ctx context.Context, distinctID string, limit int) ([]*Event, error)
	ForSessionID(ctx context.Context, sessionID string, limit int) ([]*Event, error)
	Query(ctx context.Context, distinctID string, opts QueryOptions) ([]*Event, error)
	Reassign(ctx context.Context, oldDistinctID, newDistinctID string) error
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// QueryOptions narrows a range query, used by the IR evaluator's
// EventHistoryAdapter (see adapter.go).
type QueryOptions struct {
	Name  string
	Since *time.Time
	Until *time.Time
	Limit int
}
