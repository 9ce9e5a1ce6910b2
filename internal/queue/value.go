package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type ValueKind uint8

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
)

func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "string"
	}
}

func parseValueKind(raw string) (ValueKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "string", "str":
		return KindString, true
	case "int", "int64", "long":
		return KindInt, true
	case "float", "float64", "double":
		return KindFloat, true
	case "bool", "boolean":
		return KindBool, true
	case "time", "timestamp", "datetime":
		return KindTime, true
	}
	return KindString, false
}

// Value is an application property scalar. The zero value is the empty string.
type Value struct {
	kind ValueKind
	s    string
	i    int64
	f    float64
	b    bool
	t    time.Time
}

func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }
func TimeValue(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTime }

// String is the form filters compare against.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return v.s
	}
}

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindTime {
		return v.t.Equal(o.t)
	}
	return v == o
}

// ParseValue builds a Value of the named kind from its text form.
func ParseValue(kind, raw string) (Value, error) {
	k, ok := parseValueKind(kind)
	if !ok {
		return Value{}, fmt.Errorf("unknown value type %q", kind)
	}
	switch k {
	case KindInt:
		i, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid int %q", raw)
		}
		return IntValue(i), nil
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid float %q", raw)
		}
		return FloatValue(f), nil
	case KindBool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Value{}, fmt.Errorf("invalid bool %q", raw)
		}
		return BoolValue(b), nil
	case KindTime:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
		if err != nil {
			return Value{}, fmt.Errorf("invalid time %q", raw)
		}
		return TimeValue(t), nil
	default:
		return StringValue(raw), nil
	}
}

type valueJSON struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var raw any
	switch v.kind {
	case KindInt:
		raw = v.i
	case KindFloat:
		raw = v.f
	case KindBool:
		raw = v.b
	case KindTime:
		raw = v.t.Format(time.RFC3339Nano)
	default:
		raw = v.s
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{Type: v.kind.String(), Value: b})
}

// UnmarshalJSON accepts the tagged {"type","value"} form and, for
// convenience, a bare JSON string, number or bool.
func (v *Value) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		*v = Value{}
		return nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return v.unmarshalBare(b)
	}
	var in valueJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	kind, ok := parseValueKind(in.Type)
	if !ok {
		return fmt.Errorf("unknown value type %q", in.Type)
	}
	if len(in.Value) == 0 {
		return errors.New("value is required")
	}
	switch kind {
	case KindInt:
		var i int64
		if err := json.Unmarshal(in.Value, &i); err != nil {
			return fmt.Errorf("decode int value: %w", err)
		}
		*v = IntValue(i)
	case KindFloat:
		var f float64
		if err := json.Unmarshal(in.Value, &f); err != nil {
			return fmt.Errorf("decode float value: %w", err)
		}
		*v = FloatValue(f)
	case KindBool:
		var bv bool
		if err := json.Unmarshal(in.Value, &bv); err != nil {
			return fmt.Errorf("decode bool value: %w", err)
		}
		*v = BoolValue(bv)
	case KindTime:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("decode time value: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("decode time value: %w", err)
		}
		*v = TimeValue(t)
	default:
		var s string
		if err := json.Unmarshal(in.Value, &s); err != nil {
			return fmt.Errorf("decode string value: %w", err)
		}
		*v = StringValue(s)
	}
	return nil
}

func (v *Value) unmarshalBare(b []byte) error {
	var raw any
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case string:
		*v = StringValue(x)
	case bool:
		*v = BoolValue(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			*v = IntValue(i)
			return nil
		}
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("decode number value: %w", err)
		}
		*v = FloatValue(f)
	default:
		return fmt.Errorf("unsupported property value %s", string(b))
	}
	return nil
}
