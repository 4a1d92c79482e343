// Package dynval implements the typed dynamic value used in place of
// free-form dynamic property bags: every event
// property, user property, and IR evaluator intermediate result is one of
// Null, Bool, Number, String, Timestamp, Duration, List, or Map. All
// coercion rules live here, localized to this package,
// so the IR evaluator and the journey executor never hand-roll type
// juggling of their own.
package dynval

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies which variant of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindTimestamp
	KindDuration
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindDuration:
		return "duration"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the typed dynamic value used throughout the core.
type Value struct {
	kind   Kind
	b      bool
	num    float64
	str    string
	t      time.Time
	dur    time.Duration
	list   []Value
	object map[string]Value
}

func Null() Value                 { return Value{kind: KindNull} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Number(n float64) Value      { return Value{kind: KindNumber, num: n} }
func String(s string) Value       { return Value{kind: KindString, str: s} }
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, t: t} }
func Duration(d time.Duration) Value { return Value{kind: KindDuration, dur: d} }
func List(vs []Value) Value       { return Value{kind: KindList, list: vs} }
func Map(m map[string]Value) Value { return Value{kind: KindMap, object: m} }

func (v Value) Kind() Kind               { return v.kind }
func (v Value) IsNull() bool             { return v.kind == KindNull }
func (v Value) AsBool() bool             { return v.b }
func (v Value) AsNumber() float64        { return v.num }
func (v Value) AsString() string         { return v.str }
func (v Value) AsTime() time.Time        { return v.t }
func (v Value) AsDuration() time.Duration { return v.dur }
func (v Value) AsList() []Value          { return v.list }
func (v Value) AsMap() map[string]Value  { return v.object }

// Truthy implements the truthy-boolean coercion used in predicate
// position: null and the zero value of each kind
// are falsy, everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.num != 0
	case KindString:
		return v.str != ""
	case KindTimestamp:
		return !v.t.IsZero()
	case KindDuration:
		return v.dur != 0
	case KindList:
		return len(v.list) > 0
	case KindMap:
		return len(v.object) > 0
	default:
		return false
	}
}

// From converts an arbitrary Go value (typically decoded from JSON) into
// a Value. Maps and slices are converted recursively.
func From(raw interface{}) Value {
	switch x := raw.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case bool:
		return Bool(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case string:
		return String(x)
	case time.Time:
		return Timestamp(x)
	case time.Duration:
		return Duration(x)
	case []interface{}:
		out := make([]Value, len(x))
		for i, e := range x {
			out[i] = From(e)
		}
		return List(out)
	case []Value:
		return List(x)
	case map[string]interface{}:
		out := make(map[string]Value, len(x))
		for k, e := range x {
			out[k] = From(e)
		}
		return Map(out)
	case map[string]Value:
		return Map(x)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// wireValue is Value's tagged JSON form. Plain json.Marshal on Value
// would see only unexported fields and emit "{}"; campaigns, segments,
// and profile snapshots all embed Value inside IR nodes and need a
// real wire representation to round-trip through the Profile Cache's
// JSON Patch baseline and any durable store.
type wireValue struct {
	Kind  string  `json:"kind"`
	Bool  bool    `json:"bool,omitempty"`
	Num   float64 `json:"num,omitempty"`
	Str   string  `json:"str,omitempty"`
	Time  *time.Time `json:"time,omitempty"`
	Dur   *time.Duration `json:"dur,omitempty"`
	List  []Value `json:"list,omitempty"`
	Map   map[string]Value `json:"map,omitempty"`
}

// MarshalJSON implements json.Marshaler with a self-describing,
// kind-tagged encoding (see wireValue).
func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{Kind: v.kind.String()}
	switch v.kind {
	case KindBool:
		w.Bool = v.b
	case KindNumber:
		w.Num = v.num
	case KindString:
		w.Str = v.str
	case KindTimestamp:
		t := v.t
		w.Time = &t
	case KindDuration:
		d := v.dur
		w.Dur = &d
	case KindList:
		w.List = v.list
	case KindMap:
		w.Map = v.object
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler for wireValue's encoding.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "bool":
		*v = Bool(w.Bool)
	case "number":
		*v = Number(w.Num)
	case "string":
		*v = String(w.Str)
	case "timestamp":
		if w.Time != nil {
			*v = Timestamp(*w.Time)
		} else {
			*v = Null()
		}
	case "duration":
		if w.Dur != nil {
			*v = Duration(*w.Dur)
		} else {
			*v = Null()
		}
	case "list":
		*v = List(w.List)
	case "map":
		*v = Map(w.Map)
	default:
		*v = Null()
	}
	return nil
}

// ulpTolerance is the one-ULP tolerance number membership tests in
// `in`/`not_in` allow.
func ulpTolerance(a, b float64) bool {
	if a == b {
		return true
	}
	diff := math.Abs(a - b)
	ulp := math.Nextafter(a, math.Inf(1)) - a
	if ulp == 0 {
		ulp = math.SmallestNonzeroFloat64
	}
	return diff <= math.Abs(ulp)
}

// ToNumber attempts to coerce v to a float64: numbers pass through,
// booleans become 0/1, strings are parsed, timestamps become Unix
// seconds, durations become seconds.
func ToNumber(v Value) (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	case KindTimestamp:
		return float64(v.t.UnixNano()) / 1e9, true
	case KindDuration:
		return v.dur.Seconds(), true
	default:
		return 0, false
	}
}

// ToTime coerces v to a time.Time, accepting epoch seconds, ISO-8601
// (with or without fractional seconds), or anything coercible to a
// number (interpreted as epoch seconds).
func ToTime(v Value) (time.Time, bool) {
	if v.kind == KindTimestamp {
		return v.t, true
	}
	if v.kind == KindString {
		formats := []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05.999999",
			"2006-01-02T15:04:05",
			"2006-01-02",
		}
		for _, f := range formats {
			if t, err := time.Parse(f, v.str); err == nil {
				return t, true
			}
		}
	}
	if n, ok := ToNumber(v); ok {
		sec := math.Floor(n)
		nsec := (n - sec) * 1e9
		return time.Unix(int64(sec), int64(nsec)).UTC(), true
	}
	return time.Time{}, false
}

// Compare orders a against b. Numeric comparison is attempted first, then
// lexicographic string comparison, then boolean equality. null compares
// comparable only against null (equal). Returns (cmp, ok) where cmp is
// negative/zero/positive like strings.Compare and ok reports whether an
// ordering was established at all (equality of null counts as ok with
// cmp==0; otherwise ordering of null is not comparable).
func Compare(a, b Value) (int, bool) {
	if a.kind == KindNull || b.kind == KindNull {
		if a.kind == KindNull && b.kind == KindNull {
			return 0, true
		}
		return 0, false
	}

	if an, aok := ToNumber(a); aok {
		if bn, bok := ToNumber(b); bok {
			switch {
			case an < bn:
				return -1, true
			case an > bn:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	as, aok := asString(a)
	bs, bok := asString(b)
	if aok && bok {
		return strings.Compare(as, bs), true
	}

	if a.kind == KindBool && b.kind == KindBool {
		if a.b == b.b {
			return 0, true
		}
		if !a.b && b.b {
			return -1, true
		}
		return 1, true
	}

	return 0, false
}

func asString(v Value) (string, bool) {
	switch v.kind {
	case KindString:
		return v.str, true
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64), true
	case KindBool:
		return strconv.FormatBool(v.b), true
	default:
		return "", false
	}
}

// Equal reports whether a and b are equal under the same coercion rules
// Compare uses, with the additional list/map structural equality cases
// `in`/`not_in` rely on for list-valued comparisons.
func Equal(a, b Value) bool {
	if a.kind == KindNull || b.kind == KindNull {
		return a.kind == KindNull && b.kind == KindNull
	}
	if a.kind == KindList || b.kind == KindList {
		if a.kind != KindList || b.kind != KindList {
			return false
		}
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	}
	if an, aok := ToNumber(a); aok {
		if bn, bok := ToNumber(b); bok {
			return ulpTolerance(an, bn)
		}
	}
	cmp, ok := Compare(a, b)
	return ok && cmp == 0
}

// In reports whether needle matches any element of haystack (which must
// be a KindList), using per-element Equal (numeric membership honors the
// one-ULP tolerance via Equal's numeric path).
func In(needle, haystack Value) bool {
	if haystack.kind != KindList {
		return false
	}
	for _, el := range haystack.list {
		if Equal(needle, el) {
			return true
		}
	}
	return false
}

// IContains implements case-insensitive substring matching; when applied
// to a KindList haystack it reports whether any element contains needle.
func IContains(haystack, needle Value) bool {
	if haystack.kind == KindList {
		for _, el := range haystack.list {
			if IContains(el, needle) {
				return true
			}
		}
		return false
	}
	hs, hok := asString(haystack)
	ns, nok := asString(needle)
	if !hok {
		hs = haystack.str
	}
	if !nok {
		ns = needle.str
	}
	return strings.Contains(strings.ToLower(hs), strings.ToLower(ns))
}

// Contains is the case-sensitive counterpart of IContains for scalar
// haystacks. For a KindList haystack it reports whether needle equals
// one of the elements (see In), not substring containment.
func Contains(haystack, needle Value) bool {
	if haystack.kind == KindList {
		return In(needle, haystack)
	}
	hs, _ := asString(haystack)
	ns, _ := asString(needle)
	return strings.Contains(hs, ns)
}

// IsDateExact floors both sides to a calendar day in loc and compares.
func IsDateExact(a, b Value, loc *time.Location) bool {
	at, aok := ToTime(a)
	bt, bok := ToTime(b)
	if !aok || !bok {
		return false
	}
	return floorDay(at, loc).Equal(floorDay(bt, loc))
}

func IsDateAfter(a, b Value) bool {
	at, aok := ToTime(a)
	bt, bok := ToTime(b)
	return aok && bok && at.After(bt)
}

func IsDateBefore(a, b Value) bool {
	at, aok := ToTime(a)
	bt, bok := ToTime(b)
	return aok && bok && at.Before(bt)
}

func floorDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	y, m, d := lt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// SortedKeys returns a Map's keys in sorted order, useful for
// deterministic iteration (e.g. stable hashing inputs).
func SortedKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
