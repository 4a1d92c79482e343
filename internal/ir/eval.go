package ir

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
)

// Evaluator evaluates compiled IR envelopes against a Context. It is
// reentrant; the compiled-regex cache is package-level and shared across
// Evaluator instances, while each Evaluator holds its own mutex-guarded
// CEL program cache.
type Evaluator struct {
	cel *celEngine
}

// NewEvaluator constructs an Evaluator with its own CEL program cache for
// the escape-hatch CELExpr node kind (see celexpr.go).
func NewEvaluator() *Evaluator {
	return &Evaluator{cel: newCELEngine()}
}

// EvaluatePredicate evaluates an envelope and returns its truthy boolean
// result, the contract campaign triggers, segment membership, branch
// conditions, and wait-until predicates all share. An unknown
// node kind is the one case that surfaces as an evaluation error; every
// other failure mode (bad coercion, invalid regex, missing operator)
// defaults to false and never escapes as an error.
func (e *Evaluator) EvaluatePredicate(ctx context.Context, ectx *Context, env Envelope) (bool, error) {
	v, err := e.eval(ctx, ectx, &env.Expr)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

// Evaluate evaluates an envelope and returns its typed result, for
// callers that need a value rather than a boolean (e.g. Time.Window for
// TimeWindow nodes, or Events.Aggregate for reporting).
func (e *Evaluator) Evaluate(ctx context.Context, ectx *Context, env Envelope) (dynval.Value, error) {
	return e.eval(ctx, ectx, &env.Expr)
}

func (e *Evaluator) eval(ctx context.Context, ectx *Context, node *Node) (dynval.Value, error) {
	switch node.Kind {
	case KindLiteral:
		return node.Literal, nil

	case KindAnd:
		for _, child := range node.Children {
			v, err := e.eval(ctx, ectx, &child)
			if err != nil {
				return dynval.Null(), err
			}
			if !v.Truthy() {
				return dynval.Bool(false), nil
			}
		}
		return dynval.Bool(true), nil

	case KindOr:
		for _, child := range node.Children {
			v, err := e.eval(ctx, ectx, &child)
			if err != nil {
				return dynval.Null(), err
			}
			if v.Truthy() {
				return dynval.Bool(true), nil
			}
		}
		return dynval.Bool(false), nil

	case KindNot:
		if node.Operand == nil {
			return dynval.Bool(false), nil
		}
		v, err := e.eval(ctx, ectx, node.Operand)
		if err != nil {
			return dynval.Null(), err
		}
		return dynval.Bool(!v.Truthy()), nil

	case KindCompare:
		return e.evalCompare(ctx, ectx, node)

	case KindUser:
		return e.evalPropRead(ctx, ectx, node, nil)

	case KindEvent:
		return e.evalPropRead(ctx, ectx, node, eventProps(ectx))

	case KindSegment:
		return e.evalSegment(ctx, ectx, node)

	case KindFeature:
		return e.evalFeature(ctx, ectx, node)

	case KindEvents:
		return e.evalEvents(ctx, ectx, node)

	case KindTimeNow:
		return dynval.Timestamp(ectx.now()), nil

	case KindTimeAgo:
		return dynval.Timestamp(ectx.now().Add(-node.TimeAgoDuration)), nil

	case KindTimeWindow:
		return e.evalTimeWindow(ctx, ectx, node)

	case KindJourneyID:
		return dynval.String(ectx.JourneyID), nil

	case KindCELExpr:
		return e.cel.eval(ctx, ectx, node.CELExpr)

	default:
		return dynval.Null(), fmt.Errorf("ir: unknown node kind %q", node.Kind)
	}
}

func eventProps(ectx *Context) map[string]dynval.Value {
	if ectx.Event == nil {
		return nil
	}
	return ectx.Event.Properties
}

func (e *Evaluator) evalPropRead(ctx context.Context, ectx *Context, node *Node, staticProps map[string]dynval.Value) (dynval.Value, error) {
	var actual dynval.Value
	var present bool

	if node.Kind == KindUser && ectx.User != nil {
		actual, present = ectx.User.Property(ctx, node.Key)
	} else if staticProps != nil {
		actual, present = staticProps[node.Key]
	}
	if !present {
		actual = dynval.Null()
	}

	var cmpValue dynval.Value
	if node.Value != nil {
		v, err := e.eval(ctx, ectx, node.Value)
		if err != nil {
			return dynval.Null(), err
		}
		cmpValue = v
	}

	pred := Predicate{Op: node.PropOp, Key: node.Key, Value: cmpValue}
	props := map[string]dynval.Value{node.Key: actual}
	return dynval.Bool(EvalPredicate(&pred, props, ectx.loc())), nil
}

func (e *Evaluator) evalCompare(ctx context.Context, ectx *Context, node *Node) (dynval.Value, error) {
	if node.Left == nil || node.Right == nil {
		return dynval.Bool(false), nil
	}
	left, err := e.eval(ctx, ectx, node.Left)
	if err != nil {
		return dynval.Null(), err
	}
	right, err := e.eval(ctx, ectx, node.Right)
	if err != nil {
		return dynval.Null(), err
	}

	switch node.CompareOp {
	case OpEq:
		return dynval.Bool(dynval.Equal(left, right)), nil
	case OpNeq:
		return dynval.Bool(!dynval.Equal(left, right)), nil
	case OpLt:
		cmp, ok := dynval.Compare(left, right)
		return dynval.Bool(ok && cmp < 0), nil
	case OpLte:
		cmp, ok := dynval.Compare(left, right)
		return dynval.Bool(ok && cmp <= 0), nil
	case OpGt:
		cmp, ok := dynval.Compare(left, right)
		return dynval.Bool(ok && cmp > 0), nil
	case OpGte:
		cmp, ok := dynval.Compare(left, right)
		return dynval.Bool(ok && cmp >= 0), nil
	case OpIn:
		return dynval.Bool(dynval.In(left, right)), nil
	case OpNotIn:
		return dynval.Bool(!dynval.In(left, right)), nil
	default:
		return dynval.Bool(false), nil
	}
}

func (e *Evaluator) evalSegment(ctx context.Context, ectx *Context, node *Node) (dynval.Value, error) {
	if ectx.Segments == nil {
		return dynval.Bool(false), nil
	}
	in, err := ectx.Segments.InSegment(ctx, node.SegmentID, node.Within)
	if err != nil {
		return dynval.Bool(false), nil
	}
	switch node.SegmentOp {
	case OpNeq:
		return dynval.Bool(!in), nil
	default:
		return dynval.Bool(in), nil
	}
}

func (e *Evaluator) evalFeature(ctx context.Context, ectx *Context, node *Node) (dynval.Value, error) {
	if ectx.Features == nil {
		return dynval.Bool(false), nil
	}
	feat, err := ectx.Features.Check(ctx, node.FeatureID)
	if err != nil {
		return dynval.Bool(false), nil
	}

	if node.Value != nil {
		threshold, terr := e.eval(ctx, ectx, node.Value)
		if terr == nil {
			if want, ok := dynval.ToNumber(threshold); ok {
				switch node.FeatureOp {
				case OpGte:
					return dynval.Bool(feat.Balance >= want), nil
				case OpGt:
					return dynval.Bool(feat.Balance > want), nil
				case OpLte:
					return dynval.Bool(feat.Balance <= want), nil
				case OpLt:
					return dynval.Bool(feat.Balance < want), nil
				case OpEq:
					return dynval.Bool(feat.Balance == want), nil
				case OpNeq:
					return dynval.Bool(feat.Balance != want), nil
				}
			}
		}
	}

	switch node.FeatureOp {
	case OpNeq:
		return dynval.Bool(!feat.Allowed), nil
	default:
		return dynval.Bool(feat.Allowed), nil
	}
}

func (e *Evaluator) evalEvents(ctx context.Context, ectx *Context, node *Node) (dynval.Value, error) {
	if ectx.Events == nil {
		return dynval.Bool(false), nil
	}
	q := EventQuery{Name: node.EventName, Since: node.Since, Until: node.Until, Where: node.Where}

	switch node.EventsOp {
	case EventsExists:
		ok, err := ectx.Events.Exists(ctx, q)
		if err != nil {
			return dynval.Bool(false), nil
		}
		return dynval.Bool(ok), nil

	case EventsCount:
		n, err := ectx.Events.Count(ctx, q)
		if err != nil {
			return dynval.Number(0), nil
		}
		return dynval.Number(float64(n)), nil

	case EventsFirstTime:
		t, ok, err := ectx.Events.FirstTime(ctx, q)
		if err != nil || !ok {
			return dynval.Null(), nil
		}
		return dynval.Timestamp(t), nil

	case EventsLastTime:
		t, ok, err := ectx.Events.LastTime(ctx, q)
		if err != nil || !ok {
			return dynval.Null(), nil
		}
		return dynval.Timestamp(t), nil

	case EventsLastAge:
		t, ok, err := ectx.Events.LastTime(ctx, q)
		if err != nil || !ok {
			return dynval.Null(), nil
		}
		return dynval.Duration(ectx.now().Sub(t)), nil

	case EventsAggregate:
		v, err := ectx.Events.Aggregate(ctx, q, node.Aggregate, node.AggregateKey)
		if err != nil {
			return dynval.Number(0), nil
		}
		if math.IsNaN(v) {
			return dynval.Number(0), nil
		}
		return dynval.Number(v), nil

	case EventsInOrder:
		ok, err := ectx.Events.InOrder(ctx, node.Sequence, node.Since, node.Until)
		if err != nil {
			return dynval.Bool(false), nil
		}
		return dynval.Bool(ok), nil

	case EventsActivePeriods:
		period := time.Duration(0)
		if node.Period != nil {
			period = *node.Period
		}
		ok, err := ectx.Events.ActivePeriods(ctx, node.EventName, period, node.TotalPeriods, node.MinActive)
		if err != nil {
			return dynval.Bool(false), nil
		}
		return dynval.Bool(ok), nil

	case EventsStopped:
		inactiveFor := time.Duration(0)
		if node.InactiveFor != nil {
			inactiveFor = *node.InactiveFor
		}
		ok, err := ectx.Events.Stopped(ctx, node.EventName, inactiveFor)
		if err != nil {
			return dynval.Bool(false), nil
		}
		return dynval.Bool(ok), nil

	case EventsRestarted:
		inactiveFor := time.Duration(0)
		if node.InactiveFor != nil {
			inactiveFor = *node.InactiveFor
		}
		within := time.Duration(0)
		if node.EventsWithin != nil {
			within = *node.EventsWithin
		}
		ok, err := ectx.Events.Restarted(ctx, node.EventName, inactiveFor, within)
		if err != nil {
			return dynval.Bool(false), nil
		}
		return dynval.Bool(ok), nil

	default:
		return dynval.Bool(false), nil
	}
}

func (e *Evaluator) evalTimeWindow(ctx context.Context, ectx *Context, node *Node) (dynval.Value, error) {
	var t = ectx.now()
	if node.TimeWindowValue != nil {
		v, err := e.eval(ctx, ectx, node.TimeWindowValue)
		if err == nil {
			if tt, ok := dynval.ToTime(v); ok {
				t = tt
			}
		}
	}

	loc := ectx.loc()
	lt := t.In(loc)
	switch node.TimeWindowInterval {
	case "hour":
		return dynval.Timestamp(time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, loc)), nil
	case "week":
		weekday := int(lt.Weekday())
		start := lt.AddDate(0, 0, -weekday)
		return dynval.Timestamp(time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)), nil
	case "month":
		return dynval.Timestamp(time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, loc)), nil
	default: // "day"
		return dynval.Timestamp(time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)), nil
	}
}
