// Package filter derives, merges and evaluates the structured metadata
// constraints attached to a retrieval query.
package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Well-known filter keys.
const (
	KeyVessel        = "vessel"
	KeySender        = "sender"
	KeySenderRole    = "sender_role"
	KeyEventCategory = "event_category"
	KeyMonth         = "month"
	KeyType          = "type"
	KeyDateRange     = "date_range"
)

// DateField is the record metadata field a date_range filter is compared with.
const DateField = "date"

// notApplicable is the sentinel ingest writes for emails without a vessel.
// A filter asking for it carries no constraint.
const notApplicable = "N/A"

// DateRange is an inclusive range of ISO YYYY-MM-DD dates. An empty bound is
// open.
type DateRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Contains reports whether date falls within the range. Lexicographic order on
// ISO dates is chronological order.
func (r DateRange) Contains(date string) bool {
	if date == "" {
		return false
	}
	if len(date) > 10 {
		date = date[:10]
	}
	if r.Start != "" && date < r.Start {
		return false
	}
	if r.End != "" && date > r.End {
		return false
	}
	return true
}

// Set is a collection of filter predicates. The zero value matches every
// record.
type Set struct {
	Equals    map[string]string
	DateRange *DateRange
}

// Len returns the number of predicates in the set.
func (s Set) Len() int {
	n := len(s.Equals)
	if s.DateRange != nil {
		n++
	}
	return n
}

// IsEmpty reports whether the set has no predicates.
func (s Set) IsEmpty() bool { return s.Len() == 0 }

// Get returns the equality constraint for key.
func (s Set) Get(key string) (string, bool) {
	v, ok := s.Equals[key]
	return v, ok
}

// With returns a copy of s with key constrained to value.
func (s Set) With(key, value string) Set {
	out := s.Clone()
	if out.Equals == nil {
		out.Equals = make(map[string]string)
	}
	out.Equals[key] = value
	return out
}

// Clone returns a deep copy of s.
func (s Set) Clone() Set {
	var out Set
	if len(s.Equals) > 0 {
		out.Equals = make(map[string]string, len(s.Equals))
		for k, v := range s.Equals {
			out.Equals[k] = v
		}
	}
	if s.DateRange != nil {
		dr := *s.DateRange
		out.DateRange = &dr
	}
	return out
}

// Keys returns the predicate keys in sorted order, date_range included.
func (s Set) Keys() []string {
	keys := make([]string, 0, s.Len())
	for k := range s.Equals {
		keys = append(keys, k)
	}
	if s.DateRange != nil {
		keys = append(keys, KeyDateRange)
	}
	sort.Strings(keys)
	return keys
}

// String renders the set as "key: value" pairs in key order.
func (s Set) String() string {
	parts := make([]string, 0, s.Len())
	for _, k := range s.Keys() {
		if k == KeyDateRange {
			parts = append(parts, fmt.Sprintf("%s: %s..%s", k, s.DateRange.Start, s.DateRange.End))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", k, s.Equals[k]))
	}
	return strings.Join(parts, ", ")
}

// Normalize drops predicates that carry no constraint: empty values, the
// "N/A" vessel sentinel and a date range with both bounds open.
func (s Set) Normalize() Set {
	out := s.Clone()
	for k, v := range out.Equals {
		v = strings.TrimSpace(v)
		if v == "" || (k == KeyVessel && v == notApplicable) {
			delete(out.Equals, k)
			continue
		}
		out.Equals[k] = v
	}
	if len(out.Equals) == 0 {
		out.Equals = nil
	}
	if out.DateRange != nil && out.DateRange.Start == "" && out.DateRange.End == "" {
		out.DateRange = nil
	}
	return out
}

// Merge overlays explicit on extracted. On a key collision the explicit value
// wins.
func Merge(extracted, explicit Set) Set {
	out := extracted.Clone()
	for k, v := range explicit.Equals {
		if out.Equals == nil {
			out.Equals = make(map[string]string, len(explicit.Equals))
		}
		out.Equals[k] = v
	}
	if explicit.DateRange != nil {
		dr := *explicit.DateRange
		out.DateRange = &dr
	}
	return out
}

// Matches reports whether metadata satisfies every predicate in s. A missing
// metadata field fails the match.
func Matches(metadata map[string]string, s Set) bool {
	for k, want := range s.Equals {
		got, ok := metadata[k]
		if !ok || got != want {
			return false
		}
	}
	if s.DateRange != nil {
		date, ok := metadata[DateField]
		if !ok || !s.DateRange.Contains(date) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a flat object, e.g.
// {"vessel":"MV Sentinel","date_range":{"start":"2025-06-01"}}.
func (s Set) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, s.Len())
	for k, v := range s.Equals {
		m[k] = v
	}
	if s.DateRange != nil {
		m[KeyDateRange] = s.DateRange
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes the flat object form. Values other than date_range
// must be strings.
func (s *Set) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Set{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("filters must be an object: %w", err)
	}
	var out Set
	for k, v := range raw {
		if k == KeyDateRange {
			var dr DateRange
			if err := json.Unmarshal(v, &dr); err != nil {
				return fmt.Errorf("filter %q: %w", k, err)
			}
			out.DateRange = &dr
			continue
		}
		var str string
		if err := json.Unmarshal(v, &str); err != nil {
			return fmt.Errorf("filter %q must be a string", k)
		}
		if out.Equals == nil {
			out.Equals = make(map[string]string, len(raw))
		}
		out.Equals[k] = str
	}
	*s = out
	return nil
}
