// Package ir implements the typed expression engine: a compiled
// predicate/expression tree evaluated against a
// context of user state, the triggering event, event history, segments,
// features, and the clock. It backs campaign triggers, segment
// membership, branch conditions, and wait-until predicates.
package ir

import (
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
)

// Envelope is the versioned wrapper the backend publishes IR in.
type Envelope struct {
	Version string `json:"version"`
	Expr    Node   `json:"expr"`
}

// NodeKind discriminates the tagged variant of expression node.
type NodeKind string

const (
	KindLiteral    NodeKind = "literal"
	KindAnd        NodeKind = "and"
	KindOr         NodeKind = "or"
	KindNot        NodeKind = "not"
	KindCompare    NodeKind = "compare"
	KindUser       NodeKind = "user"
	KindEvent      NodeKind = "event"
	KindSegment    NodeKind = "segment"
	KindFeature    NodeKind = "feature"
	KindEvents     NodeKind = "events"
	KindTimeNow    NodeKind = "time_now"
	KindTimeAgo    NodeKind = "time_ago"
	KindTimeWindow NodeKind = "time_window"
	KindJourneyID  NodeKind = "journey_id"
	// KindCELExpr is an escape hatch for raw CEL boolean expressions,
	// for backend-published conditions that don't map cleanly onto a
	// named node kind.
	KindCELExpr NodeKind = "cel_expr"
)

// CompareOp enumerates the Compare node's operator set.
type CompareOp string

const (
	OpEq    CompareOp = "=="
	OpNeq   CompareOp = "!="
	OpLt    CompareOp = "<"
	OpLte   CompareOp = "<="
	OpGt    CompareOp = ">"
	OpGte   CompareOp = ">="
	OpIn    CompareOp = "in"
	OpNotIn CompareOp = "not_in"
)

// PropOp enumerates the User/Event property-read node's operator set;
// these reuse the same predicate atom vocabulary as the event-history
// `where` sub-language.
type PropOp string

const (
	PropIsSet       PropOp = "is_set"
	PropIsNotSet    PropOp = "is_not_set"
	PropEq          PropOp = "eq"
	PropNeq         PropOp = "neq"
	PropGt          PropOp = "gt"
	PropGte         PropOp = "gte"
	PropLt          PropOp = "lt"
	PropLte         PropOp = "lte"
	PropIContains   PropOp = "icontains"
	PropContains    PropOp = "contains"
	PropRegex       PropOp = "regex"
	PropIn          PropOp = "in"
	PropNotIn       PropOp = "not_in"
	PropIsDateExact PropOp = "is_date_exact"
	PropIsDateAfter PropOp = "is_date_after"
	PropIsDateBefore PropOp = "is_date_before"
)

// AggregateFn enumerates Events.Aggregate's function set.
type AggregateFn string

const (
	AggSum    AggregateFn = "sum"
	AggAvg    AggregateFn = "avg"
	AggMin    AggregateFn = "min"
	AggMax    AggregateFn = "max"
	AggUnique AggregateFn = "unique"
)

// EventsOp enumerates the Events.* history query family.
type EventsOp string

const (
	EventsExists       EventsOp = "exists"
	EventsCount        EventsOp = "count"
	EventsFirstTime    EventsOp = "first_time"
	EventsLastTime     EventsOp = "last_time"
	EventsLastAge      EventsOp = "last_age"
	EventsAggregate    EventsOp = "aggregate"
	EventsInOrder      EventsOp = "in_order"
	EventsActivePeriods EventsOp = "active_periods"
	EventsStopped      EventsOp = "stopped"
	EventsRestarted    EventsOp = "restarted"
)

// Node is the tagged-variant expression node: one discriminant
// (Kind), one payload per variant, matching the "deep inheritance
// collapses to a tagged variant" design note.
type Node struct {
	Kind NodeKind `json:"kind"`

	// KindLiteral
	Literal dynval.Value `json:"literal,omitempty"`

	// KindAnd / KindOr: Children evaluated short-circuiting, in order.
	Children []Node `json:"children,omitempty"`

	// KindNot
	Operand *Node `json:"operand,omitempty"`

	// KindCompare
	CompareOp CompareOp `json:"compare_op,omitempty"`
	Left      *Node     `json:"left,omitempty"`
	Right     *Node     `json:"right,omitempty"`

	// KindUser / KindEvent: property reads over user state or the
	// current triggering event.
	PropOp  PropOp `json:"prop_op,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   *Node  `json:"value,omitempty"`

	// KindSegment
	SegmentOp CompareOp      `json:"segment_op,omitempty"`
	SegmentID string         `json:"segment_id,omitempty"`
	Within    *time.Duration `json:"within,omitempty"`

	// KindFeature
	FeatureOp CompareOp `json:"feature_op,omitempty"`
	FeatureID string    `json:"feature_id,omitempty"`

	// KindEvents
	EventsOp    EventsOp     `json:"events_op,omitempty"`
	EventName   string       `json:"event_name,omitempty"`
	Since       *time.Time   `json:"since,omitempty"`
	Until       *time.Time   `json:"until,omitempty"`
	EventsWithin *time.Duration `json:"events_within,omitempty"`
	Where       *Predicate   `json:"where,omitempty"`
	Aggregate   AggregateFn  `json:"aggregate,omitempty"`
	AggregateKey string      `json:"aggregate_key,omitempty"`
	Sequence    []string     `json:"sequence,omitempty"`
	Period      *time.Duration `json:"period,omitempty"`
	TotalPeriods int         `json:"total_periods,omitempty"`
	MinActive    int         `json:"min_active,omitempty"`
	InactiveFor  *time.Duration `json:"inactive_for,omitempty"`

	// KindTimeAgo
	TimeAgoDuration time.Duration `json:"time_ago_duration,omitempty"`

	// KindTimeWindow
	TimeWindowValue    *Node `json:"time_window_value,omitempty"`
	TimeWindowInterval string `json:"time_window_interval,omitempty"`

	// KindCELExpr
	CELExpr string `json:"cel_expr,omitempty"`
}

// Predicate is the event-property predicate sub-language: atoms composed
// by PredAnd/PredOr.
type Predicate struct {
	// Leaf atom. Empty when And/Or is set.
	Op    PropOp       `json:"op,omitempty"`
	Key   string       `json:"key,omitempty"`
	Value dynval.Value `json:"value,omitempty"`

	And []Predicate `json:"and,omitempty"`
	Or  []Predicate `json:"or,omitempty"`
}

func (p *Predicate) isComposite() bool {
	return p != nil && (len(p.And) > 0 || len(p.Or) > 0)
}

// Segment is a named predicate over user/event history (glossary).
type Segment struct {
	ID        string
	Condition Envelope
}

// Feature is a boolean or metered entitlement.
type Feature struct {
	ID      string
	Allowed bool
	Balance float64
}
