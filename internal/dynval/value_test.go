package dynval

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Null(), false},
		{Bool(false), false},
		{Bool(true), true},
		{Number(0), false},
		{Number(1), true},
		{String(""), false},
		{String("x"), true},
		{List(nil), false},
		{List([]Value{Bool(true)}), true},
	}
	for _, c := range cases {
		if got := c.v.Truthy(); got != c.want {
			t.Errorf("Truthy(%v) = %v, want %v", c.v.Kind(), got, c.want)
		}
	}
}

func TestJSONRoundTripPrimitives(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []Value{
		Null(), Bool(true), Number(3.5), String("hi"),
		Timestamp(now), Duration(90 * time.Second),
		List([]Value{Number(1), String("a")}),
		Map(map[string]Value{"k": Bool(true)}),
	}
	for _, v := range cases {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %v: %v", v.Kind(), err)
		}
		var got Value
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal %v: %v", v.Kind(), err)
		}
		if got.Kind() != v.Kind() {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind(), v.Kind())
		}
		if !Equal(got, v) && v.Kind() != KindList && v.Kind() != KindMap {
			t.Fatalf("value mismatch for kind %v: got %+v want %+v", v.Kind(), got, v)
		}
	}
}

func TestJSONRoundTripNestedInStruct(t *testing.T) {
	type wrapper struct {
		Props map[string]Value `json:"props"`
	}
	w := wrapper{Props: map[string]Value{
		"count": Number(5),
		"name":  String("bob"),
	}}
	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got wrapper
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Props["count"].AsNumber() != 5 || got.Props["name"].AsString() != "bob" {
		t.Fatalf("unexpected round-trip result: %+v", got.Props)
	}
}

func TestToNumberCoercion(t *testing.T) {
	if n, ok := ToNumber(String("42")); !ok || n != 42 {
		t.Fatalf("expected string '42' to coerce to 42, got %v %v", n, ok)
	}
	if _, ok := ToNumber(String("nope")); ok {
		t.Fatalf("expected non-numeric string to fail coercion")
	}
}

func TestInMembership(t *testing.T) {
	haystack := List([]Value{Number(1), Number(2), Number(3)})
	if !In(Number(2), haystack) {
		t.Fatalf("expected 2 in [1,2,3]")
	}
	if In(Number(4), haystack) {
		t.Fatalf("expected 4 not in [1,2,3]")
	}
}
