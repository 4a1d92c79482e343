package events

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Event Store, the default for a mobile SDK
// that persists to an on-device database the host embeds; it also backs
// unit tests that don't need the SQL-backed store. Single writer, many
// readers, guarded by one mutex.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event // append order == enqueue order
}

// NewMemoryStore creates an empty in-memory Event Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) ForDistinctID(ctx context.Context, distinctID string, limit int) ([]*Event, error) {
	return s.Query(ctx, distinctID, QueryOptions{Limit: limit})
}

func (s *MemoryStore) ForSessionID(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.SessionID != sessionID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Query(ctx context.Context, distinctID string, opts QueryOptions) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if distinctID != "" && e.DistinctID != distinctID {
			continue
		}
		if opts.Name != "" && e.Name != opts.Name {
			continue
		}
		if opts.Since != nil && e.Timestamp.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && !e.Timestamp.Before(*opts.Until) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Reassign atomically rewrites ownership of every event from
// oldDistinctID to newDistinctID. The mutex
// makes this a single critical section, the closest analogue available
// to a SQL transaction for the in-memory backend.
func (s *MemoryStore) Reassign(ctx context.Context, oldDistinctID, newDistinctID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.DistinctID == oldDistinctID {
			e.DistinctID = newDistinctID
		}
	}
	return nil
}

func (s *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	pruned := 0
	for _, e := range s.events {
		if e.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return pruned, nil
}

// Len reports the number of retained events (test helper).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// sortByTimeDesc orders events most-recent-first by Timestamp. Nothing
// in this package calls it; the SQL-backed store orders rows in its
// queries with ORDER BY.
func sortByTimeDesc(events []*Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.After(events[j].Timestamp) })
}
