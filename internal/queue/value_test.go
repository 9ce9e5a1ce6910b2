package queue

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValue_String(t *testing.T) {
	ts := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		v    Value
		want string
	}{
		{StringValue("temp"), "temp"},
		{IntValue(-42), "-42"},
		{FloatValue(3.5), "3.5"},
		{BoolValue(true), "true"},
		{TimeValue(ts), "2026-02-04T12:00:00Z"},
		{Value{}, ""},
	}
	for _, tc := range cases {
		if got := tc.v.String(); got != tc.want {
			t.Fatalf("%s value: got %q want %q", tc.v.Kind(), got, tc.want)
		}
	}
}

func TestValue_JSONTaggedForm(t *testing.T) {
	b, err := json.Marshal(IntValue(42))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"type":"int","value":42}` {
		t.Fatalf("marshal int: got %s", b)
	}

	var v Value
	if err := json.Unmarshal([]byte(`{"type":"time","value":"2026-02-04T12:00:00Z"}`), &v); err != nil {
		t.Fatalf("unmarshal time: %v", err)
	}
	if ts, ok := v.Time(); !ok || !ts.Equal(time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("time value: got %v ok=%v", ts, ok)
	}
	if err := json.Unmarshal([]byte(`{"type":"uuid","value":"x"}`), &v); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestValue_JSONBareForm(t *testing.T) {
	var props map[string]Value
	if err := json.Unmarshal([]byte(`{"a":"x","b":7,"c":1.25,"d":false}`), &props); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if i, ok := props["b"].Int(); !ok || i != 7 {
		t.Fatalf("b: got %v", props["b"])
	}
	if f, ok := props["c"].Float(); !ok || f != 1.25 {
		t.Fatalf("c: got %v", props["c"])
	}
	if b, ok := props["d"].Bool(); !ok || b {
		t.Fatalf("d: got %v", props["d"])
	}
	if props["a"].Kind() != KindString {
		t.Fatalf("a: got kind %s", props["a"].Kind())
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue("int", "12")
	if err != nil || !v.Equal(IntValue(12)) {
		t.Fatalf("int: got %v err=%v", v, err)
	}
	if _, err := ParseValue("int", "x"); err == nil {
		t.Fatalf("expected int parse error")
	}
	if _, err := ParseValue("blob", "x"); err == nil {
		t.Fatalf("expected unknown type error")
	}
	v, err = ParseValue("", "plain")
	if err != nil || v.String() != "plain" {
		t.Fatalf("default string: got %v err=%v", v, err)
	}
}

func TestParseSubQueue(t *testing.T) {
	for _, raw := range []string{"", "main", "Active"} {
		if sq, err := ParseSubQueue(raw); err != nil || sq != SubQueueMain {
			t.Fatalf("%q: got %v err=%v", raw, sq, err)
		}
	}
	for _, raw := range []string{"dead", "DLQ", "dead-letter", "deadletter"} {
		if sq, err := ParseSubQueue(raw); err != nil || sq != SubQueueDeadLetter {
			t.Fatalf("%q: got %v err=%v", raw, sq, err)
		}
	}
	if _, err := ParseSubQueue("transfer"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEntity_PathsAndValidation(t *testing.T) {
	q := QueueEntity(" orders ")
	if q.Path() != "orders" || q.SendTarget() != "orders" || q.IsSubscription() {
		t.Fatalf("queue entity: %+v", q)
	}
	s := SubscriptionEntity("events", "audit")
	if s.Path() != "events/subscriptions/audit" || s.SendTarget() != "events" {
		t.Fatalf("subscription entity: path=%q target=%q", s.Path(), s.SendTarget())
	}
	if err := (Entity{Topic: "events"}).Validate(); err == nil {
		t.Fatalf("expected missing subscription error")
	}
	if err := (Entity{Queue: "q", Topic: "t"}).Validate(); err == nil {
		t.Fatalf("expected exclusive error")
	}
}
