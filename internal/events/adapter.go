package events

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
	"github.com/nuxie/growth-core/internal/ir"
)

// HistoryAdapter adapts a Store + distinct id into the ir.EventHistoryAdapter
// contract, implementing the full Events.* query family.
type HistoryAdapter struct {
	store      Store
	distinctID string
	location   *time.Location
}

// NewHistoryAdapter builds the adapter the IR evaluator consults for a
// given distinct id's event history.
func NewHistoryAdapter(store Store, distinctID string, loc *time.Location) *HistoryAdapter {
	if loc == nil {
		loc = time.UTC
	}
	return &HistoryAdapter{store: store, distinctID: distinctID, location: loc}
}

func (a *HistoryAdapter) matching(ctx context.Context, q ir.EventQuery) ([]*Event, error) {
	rows, err := a.store.Query(ctx, a.distinctID, QueryOptions{Name: q.Name, Since: q.Since, Until: q.Until})
	if err != nil {
		return nil, err
	}
	if q.Where == nil {
		return rows, nil
	}
	out := rows[:0]
	for _, e := range rows {
		if ir.EvalPredicate(q.Where, e.Properties, a.location) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (a *HistoryAdapter) Exists(ctx context.Context, q ir.EventQuery) (bool, error) {
	rows, err := a.matching(ctx, q)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (a *HistoryAdapter) Count(ctx context.Context, q ir.EventQuery) (int, error) {
	rows, err := a.matching(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// FirstTime and LastTime rely on Store.Query returning most-recent-first;
// the adapter takes the last/first element accordingly.
func (a *HistoryAdapter) FirstTime(ctx context.Context, q ir.EventQuery) (time.Time, bool, error) {
	rows, err := a.matching(ctx, q)
	if err != nil || len(rows) == 0 {
		return time.Time{}, false, err
	}
	return rows[len(rows)-1].Timestamp, true, nil
}

func (a *HistoryAdapter) LastTime(ctx context.Context, q ir.EventQuery) (time.Time, bool, error) {
	rows, err := a.matching(ctx, q)
	if err != nil || len(rows) == 0 {
		return time.Time{}, false, err
	}
	return rows[0].Timestamp, true, nil
}

func (a *HistoryAdapter) Aggregate(ctx context.Context, q ir.EventQuery, fn ir.AggregateFn, key string) (float64, error) {
	rows, err := a.matching(ctx, q)
	if err != nil {
		return 0, err
	}
	if fn == ir.AggUnique {
		seen := map[string]struct{}{}
		for _, e := range rows {
			v, ok := e.Properties[key]
			if !ok {
				continue
			}
			seen[stringKey(v)] = struct{}{}
		}
		return float64(len(seen)), nil
	}

	var values []float64
	for _, e := range rows {
		v, ok := e.Properties[key]
		if !ok {
			continue
		}
		n, ok := dynval.ToNumber(v)
		if !ok {
			continue
		}
		values = append(values, n)
	}
	if len(values) == 0 {
		return 0, nil
	}

	switch fn {
	case ir.AggSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum, nil
	case ir.AggAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values)), nil
	case ir.AggMin:
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return m, nil
	case ir.AggMax:
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return m, nil
	default:
		return 0, nil
	}
}

// InOrder reports whether the named events in sequence each occur, in
// that relative order, within [since, until).
func (a *HistoryAdapter) InOrder(ctx context.Context, sequence []string, since, until *time.Time) (bool, error) {
	if len(sequence) == 0 {
		return true, nil
	}
	rows, err := a.store.Query(ctx, a.distinctID, QueryOptions{Since: since, Until: until})
	if err != nil {
		return false, err
	}
	// rows is most-recent-first; walk oldest-first to check ordering.
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })

	idx := 0
	for _, e := range rows {
		if idx >= len(sequence) {
			break
		}
		if e.Name == sequence[idx] {
			idx++
		}
	}
	return idx == len(sequence), nil
}

// ActivePeriods buckets matching events into period-sized windows over
// the adapter's full history and reports whether at least minActive of
// the most recent totalPeriods windows contain an occurrence.
func (a *HistoryAdapter) ActivePeriods(ctx context.Context, name string, period time.Duration, totalPeriods, minActive int) (bool, error) {
	if period <= 0 || totalPeriods <= 0 {
		return false, nil
	}
	rows, err := a.store.Query(ctx, a.distinctID, QueryOptions{Name: name})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return minActive <= 0, nil
	}

	now := rows[0].Timestamp // the latest event anchors period 0
	for _, e := range rows[1:] {
		if e.Timestamp.After(now) {
			now = e.Timestamp
		}
	}
	active := make([]bool, totalPeriods)
	for _, e := range rows {
		age := now.Sub(e.Timestamp)
		if age < 0 {
			continue
		}
		bucket := int(age / period)
		if bucket < totalPeriods {
			active[bucket] = true
		}
	}

	count := 0
	for _, ok := range active {
		if ok {
			count++
		}
	}
	return count >= minActive, nil
}

// Stopped reports whether the named event occurred at least once but has
// not occurred again for at least inactiveFor.
func (a *HistoryAdapter) Stopped(ctx context.Context, name string, inactiveFor time.Duration) (bool, error) {
	rows, err := a.store.Query(ctx, a.distinctID, QueryOptions{Name: name, Limit: 1})
	if err != nil || len(rows) == 0 {
		return false, err
	}
	return time.Since(rows[0].Timestamp) >= inactiveFor, nil
}

// Restarted reports whether the named event resumed within `within` of a
// preceding inactivity gap of at least inactiveFor.
func (a *HistoryAdapter) Restarted(ctx context.Context, name string, inactiveFor, within time.Duration) (bool, error) {
	rows, err := a.store.Query(ctx, a.distinctID, QueryOptions{Name: name})
	if err != nil || len(rows) < 2 {
		return false, err
	}
	// rows is most-recent-first.
	latest := rows[0].Timestamp
	if time.Since(latest) > within {
		return false, nil
	}
	gap := latest.Sub(rows[1].Timestamp)
	return gap >= inactiveFor, nil
}

// stringKey renders v as a stable dedup key for Events.Aggregate(unique).
func stringKey(v dynval.Value) string {
	switch v.Kind() {
	case dynval.KindString:
		return v.AsString()
	case dynval.KindNumber:
		return strconv.FormatFloat(v.AsNumber(), 'g', -1, 64)
	case dynval.KindBool:
		return strconv.FormatBool(v.AsBool())
	case dynval.KindTimestamp:
		return v.AsTime().Format(time.RFC3339Nano)
	default:
		return ""
	}
}
