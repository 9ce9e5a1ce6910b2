package filter

import (
	"testing"
	"time"

	"github.com/nuetzliches/sbinspect/internal/queue"
)

func testMessage() queue.Message {
	return queue.Message{
		ID:             "m-1",
		SequenceNumber: 42,
		DeliveryCount:  3,
		EnqueuedTime:   time.Date(2026, 2, 4, 12, 30, 0, 0, time.UTC),
		Properties: map[string]queue.Value{
			"type":     queue.StringValue("TempOrder"),
			"priority": queue.IntValue(7),
			"ratio":    queue.FloatValue(0.25),
			"urgent":   queue.BoolValue(true),
		},
	}
}

func prop(name, op, value string) Filter {
	o, ok := ParseOperator(op)
	if !ok {
		panic("bad operator " + op)
	}
	return Filter{Field: FieldApplicationProperty, AttributeName: name, AttributeValue: value, Operator: o, Enabled: true}
}

func TestMatches_EmptyAndInactiveSetsMatchEverything(t *testing.T) {
	msg := testMessage()
	if !Matches(msg, nil) {
		t.Fatalf("nil filters must match")
	}
	disabled := prop("type", "equals", "nope")
	disabled.Enabled = false
	blank := prop("  ", "equals", " \t")
	invalid := prop("type", "equals", "nope")
	invalid.Operator = OpUnknown
	unknownField := prop("type", "equals", "nope")
	unknownField.Field = FieldUnknown

	filters := []Filter{disabled, blank, invalid, unknownField}
	if !Matches(msg, filters) {
		t.Fatalf("inactive filters must match")
	}
	if Active(filters) {
		t.Fatalf("Active: expected false")
	}
	if !Compile(filters).Empty() {
		t.Fatalf("compiled set should be empty")
	}
}

func TestMatches_FiltersAreConjunctive(t *testing.T) {
	msg := testMessage()
	a := prop("type", "contains", "temp")
	b := prop("priority", "gt", "5")
	c := prop("priority", "lt", "5")

	if !Matches(msg, []Filter{a, b}) {
		t.Fatalf("a AND b should match")
	}
	if Matches(msg, []Filter{a, b, c}) {
		t.Fatalf("a AND b AND c should not match")
	}
}

func TestMatches_ApplicationProperty(t *testing.T) {
	msg := testMessage()
	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"contains case-insensitive", prop("type", "contains", "tEMp"), true},
		{"not contains", prop("type", "not_contains", "temp"), false},
		{"equals case-insensitive", prop("type", "equals", "temporder"), true},
		{"not equals", prop("type", "ne", "other"), true},
		{"int rendered equals", prop("priority", "equals", "7"), true},
		{"bool rendered", prop("urgent", "equals", "TRUE"), true},
		{"numeric gte", prop("ratio", ">=", "0.25"), true},
		{"numeric lte fails", prop("ratio", "<=", "0.1"), false},
		{"numeric parse failure", prop("type", "gt", "1"), false},
		{"missing property", prop("absent", "not_contains", "x"), false},
		{"existence check", prop("type", "equals", ""), true},
		{"name is case-sensitive", prop("Type", "contains", "temp"), false},
		{"any property contains", prop("", "contains", "order"), true},
		{"any property none match", prop("", "equals", "nothing"), false},
		{"regex", prop("type", "regex", "^Temp[A-Z]"), true},
		{"regex is case-sensitive", prop("type", "regex", "^temp"), false},
		{"invalid regex falls back to contains", prop("type", "regex", "(order"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Matches(msg, []Filter{tc.f}); got != tc.want {
				t.Fatalf("%s: got %v want %v", tc.f, got, tc.want)
			}
		})
	}

	msg.Properties["expr"] = queue.StringValue("a(order")
	if !Matches(msg, []Filter{prop("expr", "regex", "(ORDER")}) {
		t.Fatalf("invalid regex should fall back to case-insensitive contains")
	}
}

func TestMatches_NumericFields(t *testing.T) {
	msg := testMessage()
	seq := func(op, v string) Filter {
		f := prop("", op, v)
		f.Field = FieldSequenceNumber
		return f
	}
	dc := func(op, v string) Filter {
		f := prop("", op, v)
		f.Field = FieldDeliveryCount
		return f
	}
	cases := []struct {
		f    Filter
		want bool
	}{
		{seq("equals", "42"), true},
		{seq("equals", " 42 "), true},
		{seq("ne", "42"), false},
		{seq("gt", "41"), true},
		{seq("lt", "41"), false},
		{seq("gte", "42"), true},
		{seq("lte", "41"), false},
		{seq("contains", "4"), false},
		{seq("regex", "4"), false},
		{seq("equals", "forty"), false},
		{dc("gte", "3"), true},
		{dc("gt", "3"), false},
	}
	for _, tc := range cases {
		if got := Matches(msg, []Filter{tc.f}); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.f, got, tc.want)
		}
	}

	// blank value on a named filter is vacuously true
	blankValue := seq("gt", " ")
	blankValue.AttributeName = "x"
	if !Matches(msg, []Filter{blankValue}) {
		t.Fatalf("blank numeric value should match")
	}
}

func TestMatches_EnqueuedTime(t *testing.T) {
	msg := testMessage()
	at := func(op, v string) Filter {
		f := prop("", op, v)
		f.Field = FieldEnqueuedTime
		return f
	}
	cases := []struct {
		f    Filter
		want bool
	}{
		{at("equals", "2026-02-04"), true},
		{at("equals", "02/04/2026"), true},
		{at("equals", "2026-02-05"), false},
		{at("ne", "2026-02-05"), true},
		{at("gt", "2026-02-04T12:00:00Z"), true},
		{at("lt", "2026-02-04 12:00:00"), false},
		{at("gte", "2026-02-04T12:30:00"), true},
		{at("lte", "2026-02-04T12:29"), false},
		{at("gt", "2026-02-04T13:00:00+02:00"), true},
		{at("contains", "2026"), false},
		{at("equals", "yesterday"), false},
	}
	for _, tc := range cases {
		if got := Matches(msg, []Filter{tc.f}); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.f, got, tc.want)
		}
	}
}

func TestDecodeList_DefaultsAndLegacyKeys(t *testing.T) {
	raw := []byte(`[
		{"field":"ApplicationProperty","attributeName":"type","attributeValue":"temp"},
		{"field":2,"attributeValue":"3","operator":"GreaterThanOrEqual","enabled":false},
		{"field":"application_property","attributeName":"type","attributeValue":"^T","useRegex":true,"isEnabled":true},
		{"field":"Bogus","attributeName":"type","attributeValue":"x","operator":99}
	]`)
	got, err := DecodeList(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("len: got %d", len(got))
	}
	if !got[0].Enabled || got[0].Operator != OpContains || got[0].Field != FieldApplicationProperty {
		t.Fatalf("defaults: got %+v", got[0])
	}
	if got[1].Enabled || got[1].Field != FieldDeliveryCount || got[1].Operator != OpGreaterThanOrEqual {
		t.Fatalf("ordinal field: got %+v", got[1])
	}
	if got[2].Operator != OpRegex || !got[2].Enabled {
		t.Fatalf("legacy regex: got %+v", got[2])
	}
	if got[3].Valid() || got[3].Field != FieldUnknown || got[3].Operator != OpUnknown {
		t.Fatalf("unknown enums: got %+v", got[3])
	}
	if Compile(got).Len() != 2 {
		t.Fatalf("active filters: got %d want 2", Compile(got).Len())
	}
	if _, err := DecodeList([]byte(`{`)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestParse(t *testing.T) {
	f, err := Parse("property:url:contains:https://example.com/a")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.AttributeName != "url" || f.AttributeValue != "https://example.com/a" || f.Operator != OpContains || !f.Enabled {
		t.Fatalf("parsed: %+v", f)
	}
	f, err = Parse("sequence_number::>=:10")
	if err != nil || f.Field != FieldSequenceNumber || f.Operator != OpGreaterThanOrEqual {
		t.Fatalf("parsed seq: %+v err=%v", f, err)
	}
	for _, bad := range []string{"property:type:contains", "nope:type:equals:x", "property:type:like:x"} {
		if _, err := Parse(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}
