package ir

import (
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/nuxie/growth-core/internal/dynval"
)

// predicateRegexCache caches compiled regexes across evaluations,
// including failed compiles so a bad pattern is not retried per event.
var predicateRegexCache = struct {
	sync.RWMutex
	m map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

func compileRegex(pattern string) (*regexp.Regexp, bool) {
	predicateRegexCache.RLock()
	re, ok := predicateRegexCache.m[pattern]
	predicateRegexCache.RUnlock()
	if ok {
		return re, re != nil
	}

	compiled, err := regexp.Compile(pattern)
	predicateRegexCache.Lock()
	if err != nil {
		predicateRegexCache.m[pattern] = nil
	} else {
		predicateRegexCache.m[pattern] = compiled
	}
	predicateRegexCache.Unlock()

	if err != nil {
		return nil, false
	}
	return compiled, true
}

// EvalPredicate evaluates the event-property predicate sub-language
// against a property bag. loc is the evaluator's timezone,
// used to floor is_date_exact to a calendar day. Any atom whose operator
// is unrecognized, or whose coercion fails, defaults to false rather than
// erroring — predicates never escalate to evaluation errors.
func EvalPredicate(pred *Predicate, props map[string]dynval.Value, loc *time.Location) bool {
	if pred == nil {
		return true
	}
	if len(pred.And) > 0 {
		for i := range pred.And {
			if !EvalPredicate(&pred.And[i], props, loc) {
				return false
			}
		}
		return true
	}
	if len(pred.Or) > 0 {
		for i := range pred.Or {
			if EvalPredicate(&pred.Or[i], props, loc) {
				return true
			}
		}
		return false
	}
	return evalAtom(pred, props, loc)
}

func evalAtom(pred *Predicate, props map[string]dynval.Value, loc *time.Location) bool {
	actual, present := props[pred.Key]
	if !present {
		actual = dynval.Null()
	}

	switch pred.Op {
	case PropIsSet:
		return present && !actual.IsNull()
	case PropIsNotSet:
		return !present || actual.IsNull()
	case PropEq:
		return dynval.Equal(actual, pred.Value)
	case PropNeq:
		return !dynval.Equal(actual, pred.Value)
	case PropGt:
		cmp, ok := dynval.Compare(actual, pred.Value)
		return ok && cmp > 0
	case PropGte:
		cmp, ok := dynval.Compare(actual, pred.Value)
		return ok && cmp >= 0
	case PropLt:
		cmp, ok := dynval.Compare(actual, pred.Value)
		return ok && cmp < 0
	case PropLte:
		cmp, ok := dynval.Compare(actual, pred.Value)
		return ok && cmp <= 0
	case PropIContains:
		return dynval.IContains(actual, pred.Value)
	case PropContains:
		return dynval.Contains(actual, pred.Value)
	case PropRegex:
		re, ok := compileRegex(pred.Value.AsString())
		if !ok {
			return false
		}
		return re.MatchString(stringOf(actual))
	case PropIn:
		return dynval.In(actual, pred.Value)
	case PropNotIn:
		return !dynval.In(actual, pred.Value)
	case PropIsDateExact:
		return dynval.IsDateExact(actual, pred.Value, loc)
	case PropIsDateAfter:
		return dynval.IsDateAfter(actual, pred.Value)
	case PropIsDateBefore:
		return dynval.IsDateBefore(actual, pred.Value)
	default:
		return false
	}
}

func stringOf(v dynval.Value) string {
	switch v.Kind() {
	case dynval.KindString:
		return v.AsString()
	case dynval.KindNull:
		return ""
	case dynval.KindBool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	default:
		if n, ok := dynval.ToNumber(v); ok {
			return strconv.FormatFloat(n, 'g', -1, 64)
		}
		return ""
	}
}
