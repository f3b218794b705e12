package model

import (
	"reflect"
	"time"
)

// Fields is a field-name to value map. Values are string, float64, bool,
// time.Time or nil once validated.
type Fields map[string]interface{}

// Clone returns a shallow copy; field values are immutable primitives.
func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Merge returns a copy of f with patch applied on top.
func (f Fields) Merge(patch Fields) Fields {
	out := f.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Record is one entity of a collection. The Server Store owns the authoritative
// instance; everything handed out is a copy.
type Record struct {
	ID         string    `json:"id" bson:"_id"`
	Collection string    `json:"collection" bson:"collection"`
	CreatedAt  time.Time `json:"createdAt" bson:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updated_at"`
	Archived   bool      `json:"archived" bson:"archived"`
	Version    int64     `json:"serverVersion" bson:"server_version"`
	Fields     Fields    `json:"fields" bson:"fields"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = r.Fields.Clone()
	return &out
}

// ValuesEqual compares two field values, treating numbers of any Go type and
// dates given as time.Time or RFC3339 strings by value.
func ValuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	ta, aIsTime := a.(time.Time)
	tb, bIsTime := b.(time.Time)
	switch {
	case aIsTime && bIsTime:
		return ta.Equal(tb)
	case aIsTime:
		parsed, err := toTime(b)
		return err == nil && ta.Equal(parsed)
	case bIsTime:
		parsed, err := toTime(a)
		return err == nil && tb.Equal(parsed)
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
