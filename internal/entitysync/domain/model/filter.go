package model

import (
	"sort"
	"strings"
)

// Filter decides whether a record belongs to a query result.
type Filter interface {
	Match(rec *Record) bool
	String() string
}

// FilterSpec is the serializable description of a filter. An empty spec
// matches every record; Equals and Expression combine with AND.
type FilterSpec struct {
	Equals     map[string]interface{} `json:"equals,omitempty"`
	Expression string                 `json:"expression,omitempty"`
}

// IsAll reports whether the spec matches everything.
func (s FilterSpec) IsAll() bool {
	return len(s.Equals) == 0 && strings.TrimSpace(s.Expression) == ""
}

// AllFilter matches every record.
type AllFilter struct{}

func (AllFilter) Match(rec *Record) bool { return rec != nil }
func (AllFilter) String() string         { return "all" }

// IsAllFilter reports whether f is the filter that matches every record.
func IsAllFilter(f Filter) bool {
	_, ok := f.(AllFilter)
	return ok
}

// EqualsFilter matches records whose fields equal every given value.
type EqualsFilter map[string]interface{}

func (f EqualsFilter) Match(rec *Record) bool {
	if rec == nil {
		return false
	}
	for name, want := range f {
		got, ok := rec.Fields[name]
		if !ok || !ValuesEqual(got, want) {
			return false
		}
	}
	return true
}

func (f EqualsFilter) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "equals(" + strings.Join(keys, ",") + ")"
}

// AndFilter matches when every member matches.
type AndFilter []Filter

func (f AndFilter) Match(rec *Record) bool {
	for _, member := range f {
		if !member.Match(rec) {
			return false
		}
	}
	return rec != nil
}

func (f AndFilter) String() string {
	parts := make([]string, len(f))
	for i, member := range f {
		parts[i] = member.String()
	}
	return "and(" + strings.Join(parts, ",") + ")"
}

// LiveOnly wraps a filter so archived records never match.
func LiveOnly(f Filter) Filter {
	return liveOnly{f}
}

type liveOnly struct{ inner Filter }

func (f liveOnly) Match(rec *Record) bool {
	return rec != nil && !rec.Archived && f.inner.Match(rec)
}

func (f liveOnly) String() string { return "live(" + f.inner.String() + ")" }
