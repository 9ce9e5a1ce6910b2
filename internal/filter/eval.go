package filter

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nuetzliches/sbinspect/internal/queue"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006",
}

// Set is a compiled filter list. Only enabled, valid, non-blank filters are
// kept; an empty Set matches every message.
type Set struct {
	filters []compiled
}

type compiled struct {
	Filter
	re *regexp.Regexp
}

// Compile prepares filters for repeated evaluation.
func Compile(filters []Filter) Set {
	var out Set
	for _, f := range filters {
		if !f.active() {
			continue
		}
		c := compiled{Filter: f}
		if f.Operator == OpRegex {
			// invalid patterns fall back to containment
			c.re, _ = regexp.Compile(f.AttributeValue)
		}
		out.filters = append(out.filters, c)
	}
	return out
}

// Matches evaluates filters against msg without keeping the compiled form.
func Matches(msg queue.Message, filters []Filter) bool {
	return Compile(filters).Match(msg)
}

// Active reports whether filters select anything narrower than all messages.
func Active(filters []Filter) bool {
	for _, f := range filters {
		if f.active() {
			return true
		}
	}
	return false
}

func (s Set) Empty() bool { return len(s.filters) == 0 }

func (s Set) Len() int { return len(s.filters) }

// Match is the conjunction of all compiled filters.
func (s Set) Match(msg queue.Message) bool {
	for i := range s.filters {
		if !s.filters[i].match(msg) {
			return false
		}
	}
	return true
}

func (c *compiled) match(msg queue.Message) bool {
	switch c.Field {
	case FieldEnqueuedTime:
		return c.matchTime(msg.EnqueuedTime)
	case FieldDeliveryCount:
		return c.matchInt(int64(msg.DeliveryCount))
	case FieldSequenceNumber:
		return c.matchInt(msg.SequenceNumber)
	default:
		return c.matchProperty(msg)
	}
}

func (c *compiled) matchProperty(msg queue.Message) bool {
	name := strings.TrimSpace(c.AttributeName)
	if name != "" {
		v, ok := msg.Property(c.AttributeName)
		if !ok {
			return false
		}
		if strings.TrimSpace(c.AttributeValue) == "" {
			return true
		}
		return c.matchString(v.String())
	}
	for _, v := range msg.Properties {
		if c.matchString(v.String()) {
			return true
		}
	}
	return false
}

func (c *compiled) matchString(value string) bool {
	want := c.AttributeValue
	switch c.Operator {
	case OpContains:
		return containsFold(value, want)
	case OpNotContains:
		return !containsFold(value, want)
	case OpEquals:
		return strings.EqualFold(value, want)
	case OpNotEquals:
		return !strings.EqualFold(value, want)
	case OpRegex:
		if c.re == nil {
			return containsFold(value, want)
		}
		return c.re.MatchString(value)
	case OpGreaterThan:
		return compareFloat(value, want, func(a, b float64) bool { return a > b })
	case OpLessThan:
		return compareFloat(value, want, func(a, b float64) bool { return a < b })
	case OpGreaterThanOrEqual:
		return compareFloat(value, want, func(a, b float64) bool { return a >= b })
	case OpLessThanOrEqual:
		return compareFloat(value, want, func(a, b float64) bool { return a <= b })
	}
	return false
}

func (c *compiled) matchTime(v time.Time) bool {
	if strings.TrimSpace(c.AttributeValue) == "" {
		return true
	}
	want, ok := parseTime(c.AttributeValue)
	if !ok {
		return false
	}
	v = v.UTC()
	switch c.Operator {
	case OpEquals:
		return sameDate(v, want)
	case OpNotEquals:
		return !sameDate(v, want)
	case OpGreaterThan:
		return v.After(want)
	case OpLessThan:
		return v.Before(want)
	case OpGreaterThanOrEqual:
		return !v.Before(want)
	case OpLessThanOrEqual:
		return !v.After(want)
	}
	return false
}

func (c *compiled) matchInt(v int64) bool {
	if strings.TrimSpace(c.AttributeValue) == "" {
		return true
	}
	want, err := strconv.ParseInt(strings.TrimSpace(c.AttributeValue), 10, 64)
	if err != nil {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return v == want
	case OpNotEquals:
		return v != want
	case OpGreaterThan:
		return v > want
	case OpLessThan:
		return v < want
	case OpGreaterThanOrEqual:
		return v >= want
	case OpLessThanOrEqual:
		return v <= want
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func compareFloat(a, b string, cmp func(a, b float64) bool) bool {
	x, ok := parseFloat(a)
	if !ok {
		return false
	}
	y, ok := parseFloat(b)
	if !ok {
		return false
	}
	return cmp(x, y)
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// parseTime reads RFC 3339 and common zone-less layouts. Zone-less values
// are taken as UTC.
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
