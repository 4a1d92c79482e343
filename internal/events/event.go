// Package events implements the Event Store: an
// append-only per-user local store of tracked events, queryable by
// distinct id or session id, with atomic reassignment on identify and
// TTL-based pruning.
package events

import (
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/ids"
)

// Event is the immutable tracked-event record:
// {id, name, distinctId, timestamp, sessionId, properties, value?, entityId?}.
type Event struct {
	ID         string
	Name       string
	DistinctID string
	Timestamp  time.Time
	SessionID  string
	Properties map[string]dynval.Value
	Value      *float64
	EntityID   *string
}

// New mints a new immutable Event with a time-ordered id.
func New(name, distinctID, sessionID string, props map[string]dynval.Value, ts time.Time) *Event {
	if props == nil {
		props = map[string]dynval.Value{}
	}
	return &Event{
		ID:         ids.New(),
		Name:       name,
		DistinctID: distinctID,
		Timestamp:  ts,
		SessionID:  sessionID,
		Properties: props,
	}
}

// PropertiesCopy returns a shallow copy of the event's property bag, used
// when handing the event to a node that mutates its working context.
func (e *Event) PropertiesCopy() map[string]dynval.Value {
	out := make(map[string]dynval.Value, len(e.Properties))
	for k, v := range e.Properties {
		out[k] = v
	}
	return out
}
