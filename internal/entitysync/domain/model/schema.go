package model

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// FieldType is the primitive type of a schema field.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeDate    FieldType = "date"
)

// Valid reports whether t is one of the supported primitive types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeString, FieldTypeNumber, FieldTypeBoolean, FieldTypeDate:
		return true
	}
	return false
}

// FieldDef declares one field of a collection.
type FieldDef struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Required bool      `json:"required,omitempty" yaml:"required"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Schema is the immutable field layout of one collection.
type Schema struct {
	name   string
	fields []FieldDef
	index  map[string]int
}

// NewSchema checks the declaration and builds a Schema. Field order is kept.
func NewSchema(name string, fields []FieldDef) (*Schema, error) {
	if !identifierPattern.MatchString(name) {
		return nil, fmt.Errorf("invalid collection name %q", name)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("collection %q declares no fields", name)
	}

	s := &Schema{
		name:   name,
		fields: make([]FieldDef, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if !identifierPattern.MatchString(f.Name) {
			return nil, fmt.Errorf("collection %q: invalid field name %q", name, f.Name)
		}
		if !f.Type.Valid() {
			return nil, fmt.Errorf("collection %q: field %q has unsupported type %q", name, f.Name, f.Type)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("collection %q: field %q declared twice", name, f.Name)
		}
		s.fields[i] = f
		s.index[f.Name] = i
	}
	return s, nil
}

// Name returns the collection name.
func (s *Schema) Name() string { return s.name }

// Fields returns a copy of the ordered field declarations.
func (s *Schema) Fields() []FieldDef {
	out := make([]FieldDef, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks up a field declaration by name.
func (s *Schema) Field(name string) (FieldDef, bool) {
	i, ok := s.index[name]
	if !ok {
		return FieldDef{}, false
	}
	return s.fields[i], true
}

// MarshalJSON renders the schema as {"name": ..., "fields": [...]}.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name   string     `json:"name"`
		Fields []FieldDef `json:"fields"`
	}{s.name, s.fields})
}

// Coerce converts v to the canonical Go representation of t:
// string, float64, bool or UTC time.Time.
func (t FieldType) Coerce(v interface{}) (interface{}, error) {
	switch t {
	case FieldTypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		return s, nil
	case FieldTypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil
	case FieldTypeNumber:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("expected finite number")
		}
		return f, nil
	case FieldTypeDate:
		return toTime(v)
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v interface{}) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return d.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(d))
		if err != nil {
			return time.Time{}, fmt.Errorf("expected RFC3339 date: %v", err)
		}
		return parsed.UTC(), nil
	default:
		if ms, ok := toFloat(v); ok {
			return time.UnixMilli(int64(ms)).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("expected date, got %T", v)
}
