// Package filter evaluates message predicates built from property, enqueue
// time, delivery count and sequence number comparisons.
package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Field int

const (
	FieldApplicationProperty Field = iota
	FieldEnqueuedTime
	FieldDeliveryCount
	FieldSequenceNumber

	FieldUnknown Field = -1
)

var fieldNames = []string{"ApplicationProperty", "EnqueuedTime", "DeliveryCount", "SequenceNumber"}

var fieldSnake = []string{"application_property", "enqueued_time", "delivery_count", "sequence_number"}

type Operator int

const (
	OpContains Operator = iota
	OpNotContains
	OpEquals
	OpNotEquals
	OpGreaterThan
	OpLessThan
	OpGreaterThanOrEqual
	OpLessThanOrEqual
	OpRegex

	OpUnknown Operator = -1
)

var operatorNames = []string{
	"Contains", "NotContains", "Equals", "NotEquals",
	"GreaterThan", "LessThan", "GreaterThanOrEqual", "LessThanOrEqual", "Regex",
}

var operatorSnake = []string{
	"contains", "not_contains", "equals", "not_equals",
	"greater_than", "less_than", "greater_than_or_equal", "less_than_or_equal", "regex",
}

var operatorAliases = map[string]Operator{
	"eq": OpEquals, "==": OpEquals, "=": OpEquals,
	"ne": OpNotEquals, "!=": OpNotEquals,
	"gt": OpGreaterThan, ">": OpGreaterThan,
	"lt": OpLessThan, "<": OpLessThan,
	"gte": OpGreaterThanOrEqual, ">=": OpGreaterThanOrEqual,
	"lte": OpLessThanOrEqual, "<=": OpLessThanOrEqual,
	"match": OpRegex, "~": OpRegex,
}

var fieldAliases = map[string]Field{
	"property": FieldApplicationProperty, "prop": FieldApplicationProperty,
	"enqueued": FieldEnqueuedTime,
	"deliveries": FieldDeliveryCount,
	"seq": FieldSequenceNumber, "sequence": FieldSequenceNumber,
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}

// ParseField resolves PascalCase, snake_case and short aliases.
func ParseField(s string) (Field, bool) {
	n := normalizeName(s)
	for i, name := range fieldNames {
		if n == strings.ToLower(name) {
			return Field(i), true
		}
	}
	if f, ok := fieldAliases[n]; ok {
		return f, true
	}
	return FieldUnknown, false
}

// ParseOperator resolves PascalCase, snake_case and symbolic aliases.
func ParseOperator(s string) (Operator, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	if op, ok := operatorAliases[trimmed]; ok {
		return op, true
	}
	n := normalizeName(s)
	for i, name := range operatorNames {
		if n == strings.ToLower(name) {
			return Operator(i), true
		}
	}
	return OpUnknown, false
}

func (f Field) Valid() bool { return f >= 0 && int(f) < len(fieldNames) }

func (o Operator) Valid() bool { return o >= 0 && int(o) < len(operatorNames) }

func (f Field) String() string {
	if !f.Valid() {
		return "Unknown"
	}
	return fieldNames[f]
}

// ConfigName is the snake_case spelling used in the Inspectorfile.
func (f Field) ConfigName() string {
	if !f.Valid() {
		return "unknown"
	}
	return fieldSnake[f]
}

func (o Operator) String() string {
	if !o.Valid() {
		return "Unknown"
	}
	return operatorNames[o]
}

func (o Operator) ConfigName() string {
	if !o.Valid() {
		return "unknown"
	}
	return operatorSnake[o]
}

func (f Field) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (o Operator) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalJSON accepts a name or an ordinal. Anything else decodes to
// FieldUnknown without error.
func (f *Field) UnmarshalJSON(b []byte) error {
	*f = FieldUnknown
	if name, ok := decodeEnum(b); ok {
		if n, err := strconv.Atoi(name); err == nil {
			if Field(n).Valid() {
				*f = Field(n)
			}
			return nil
		}
		if parsed, ok := ParseField(name); ok {
			*f = parsed
		}
	}
	return nil
}

func (o *Operator) UnmarshalJSON(b []byte) error {
	*o = OpUnknown
	if name, ok := decodeEnum(b); ok {
		if n, err := strconv.Atoi(name); err == nil {
			if Operator(n).Valid() {
				*o = Operator(n)
			}
			return nil
		}
		if parsed, ok := ParseOperator(name); ok {
			*o = parsed
		}
	}
	return nil
}

func decodeEnum(b []byte) (string, bool) {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return "", false
	}
	switch v := raw.(type) {
	case string:
		return v, true
	case float64:
		if v != float64(int(v)) {
			return "", false
		}
		return strconv.Itoa(int(v)), true
	}
	return "", false
}

// Filter is one predicate of a filter set. The zero value is a disabled
// ApplicationProperty Contains filter; decoded filters default to enabled.
type Filter struct {
	Field          Field    `json:"field"`
	AttributeName  string   `json:"attributeName"`
	AttributeValue string   `json:"attributeValue"`
	Operator       Operator `json:"operator"`
	Enabled        bool     `json:"enabled"`
}

// Valid reports whether field and operator are known. Invalid filters are
// ignored during evaluation.
func (f Filter) Valid() bool {
	return f.Field.Valid() && f.Operator.Valid()
}

// Blank reports a filter with neither name nor value.
func (f Filter) Blank() bool {
	return strings.TrimSpace(f.AttributeName) == "" && strings.TrimSpace(f.AttributeValue) == ""
}

func (f Filter) active() bool {
	return f.Enabled && f.Valid() && !f.Blank()
}

func (f Filter) String() string {
	target := f.Field.ConfigName()
	if f.Field == FieldApplicationProperty && strings.TrimSpace(f.AttributeName) != "" {
		target += "[" + f.AttributeName + "]"
	}
	out := fmt.Sprintf("%s %s %q", target, f.Operator.ConfigName(), f.AttributeValue)
	if !f.Enabled {
		out += " (disabled)"
	}
	return out
}

func (f *Filter) UnmarshalJSON(b []byte) error {
	type plain Filter
	in := struct {
		plain
		Enabled   *bool `json:"enabled"`
		IsEnabled *bool `json:"isEnabled"`
		UseRegex  *bool `json:"useRegex"`
	}{}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := Filter(in.plain)
	out.Enabled = true
	switch {
	case in.Enabled != nil:
		out.Enabled = *in.Enabled
	case in.IsEnabled != nil:
		out.Enabled = *in.IsEnabled
	}
	if in.UseRegex != nil && *in.UseRegex {
		out.Operator = OpRegex
	}
	*f = out
	return nil
}

// Parse reads the CLI form "field:name:operator:value". The value may
// contain colons; name may be empty.
func Parse(expr string) (Filter, error) {
	parts := strings.SplitN(expr, ":", 4)
	if len(parts) != 4 {
		return Filter{}, fmt.Errorf("filter %q: want field:name:operator:value", expr)
	}
	field, ok := ParseField(parts[0])
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: unknown field %q", expr, parts[0])
	}
	op, ok := ParseOperator(parts[2])
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: unknown operator %q", expr, parts[2])
	}
	return Filter{
		Field:          field,
		AttributeName:  strings.TrimSpace(parts[1]),
		AttributeValue: parts[3],
		Operator:       op,
		Enabled:        true,
	}, nil
}

// DecodeList decodes a JSON array of filters.
func DecodeList(b []byte) ([]Filter, error) {
	var out []Filter
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	return out, nil
}
