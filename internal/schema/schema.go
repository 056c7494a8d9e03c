// Package schema declares the static field layout of synchronized entities.
//
// Entities used to be shaped by whatever their first snapshot contained; here the
// layout is fixed per entity kind and every snapshot, delta and write is checked
// against it.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"tokensync/internal/wire"
)

type FieldType int

const (
	Any FieldType = iota
	Int
	Float
	String
	Bool
)

func (t FieldType) String() string {
	switch t {
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case Bool:
		return "bool"
	default:
		return "any"
	}
}

var ErrTypeMismatch = errors.New("type mismatch")

type Schema struct {
	// Kind prefixes push opcodes ("token" -> "tokenUpdate_7").
	Kind string
	// Tag prefixes entity RPC methods ("Token" -> "Token_7.ChangeHp").
	Tag string

	IdentityField string
	LocationField string
	OwnerField    string

	AttributesField        string
	AttributeIdentityField string

	Fields     map[string]FieldType
	Attributes map[string]FieldType
}

// Default is the token layout served by the game server.
func Default() Schema {
	return Schema{
		Kind:                   "token",
		Tag:                    "Token",
		IdentityField:          "item_id",
		LocationField:          "location_id",
		OwnerField:             "owner_id",
		AttributesField:        "attributes",
		AttributeIdentityField: "attr_id",
		Fields: map[string]FieldType{
			"item_id":      Int,
			"name":         String,
			"location_id":  Int,
			"sub_location": Any,
			"type_id":      Int,
			"owner_id":     Int,
			"quantity":     Int,
			"position":     Any,
			"rotation":     Any,
			"visible":      Int,
			"respath":      String,
			"size":         Any,
			"type_name":    String,
			"tokentype":    String,
		},
		Attributes: map[string]FieldType{
			"GMOnly":         Int,
			"tokenDraggable": Int,
			"tokenHasMenu":   Int,
			"NPCActive":      Int,
		},
	}
}

func (s Schema) Validate() error {
	if s.Kind == "" || s.Tag == "" {
		return fmt.Errorf("schema: kind and tag are required")
	}
	if t, ok := s.Fields[s.IdentityField]; !ok || t != Int {
		return fmt.Errorf("schema %s: identity field %q must be declared int", s.Kind, s.IdentityField)
	}
	for _, f := range []string{s.LocationField, s.OwnerField} {
		if f == "" {
			continue
		}
		if t, ok := s.Fields[f]; !ok || t != Int {
			return fmt.Errorf("schema %s: field %q must be declared int", s.Kind, f)
		}
	}
	for _, reserved := range []string{s.AttributesField, s.AttributeIdentityField} {
		if reserved == "" {
			continue
		}
		if _, ok := s.Fields[reserved]; ok {
			return fmt.Errorf("schema %s: %q is reserved", s.Kind, reserved)
		}
		if _, ok := s.Attributes[reserved]; ok {
			return fmt.Errorf("schema %s: %q is reserved", s.Kind, reserved)
		}
	}
	if err := uniqueMembers(s.Fields); err != nil {
		return fmt.Errorf("schema %s fields: %w", s.Kind, err)
	}
	if err := uniqueMembers(s.Attributes); err != nil {
		return fmt.Errorf("schema %s attributes: %w", s.Kind, err)
	}
	return nil
}

func uniqueMembers(fields map[string]FieldType) error {
	seen := map[string]string{}
	for name := range fields {
		m := wire.Capitalize(name)
		if prev, ok := seen[m]; ok {
			return fmt.Errorf("%q and %q share method name %q", prev, name, m)
		}
		seen[m] = name
	}
	return nil
}

// Build checks a snapshot and splits it into coerced fields and attributes.
// Undeclared keys are returned in ignored (sorted).
func (s Schema) Build(snapshot map[string]any) (fields, attrs map[string]any, ignored []string, err error) {
	if _, ok := snapshot[s.IdentityField]; !ok {
		return nil, nil, nil, fmt.Errorf("snapshot missing identity %q", s.IdentityField)
	}
	fields = make(map[string]any, len(s.Fields))
	for name, t := range s.Fields {
		raw, ok := snapshot[name]
		if !ok {
			return nil, nil, nil, fmt.Errorf("snapshot missing field %q", name)
		}
		v, err := Coerce(t, raw)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = v
	}

	attrs = make(map[string]any, len(s.Attributes))
	if s.AttributesField != "" {
		if raw, ok := snapshot[s.AttributesField]; ok && raw != nil {
			in, ok := raw.(map[string]any)
			if !ok {
				return nil, nil, nil, fmt.Errorf("%q: %w: got %T", s.AttributesField, ErrTypeMismatch, raw)
			}
			for name, v := range in {
				t, declared := s.Attributes[name]
				if !declared {
					ignored = append(ignored, s.AttributesField+"."+name)
					continue
				}
				cv, err := Coerce(t, v)
				if err != nil {
					return nil, nil, nil, fmt.Errorf("attribute %q: %w", name, err)
				}
				attrs[name] = cv
			}
		}
	}

	for k := range snapshot {
		if k == s.AttributesField {
			continue
		}
		if _, ok := s.Fields[k]; !ok {
			ignored = append(ignored, k)
		}
	}
	sort.Strings(ignored)
	return fields, attrs, ignored, nil
}

// FieldByMember resolves a method member such as "ChangeHp" back to its field.
func FieldByMember(fields map[string]FieldType, prefix, member string) (string, bool) {
	rest, ok := strings.CutPrefix(member, prefix)
	if !ok || rest == "" {
		return "", false
	}
	for name := range fields {
		if wire.Capitalize(name) == rest {
			return name, true
		}
	}
	return "", false
}

// Coerce converts a decoded JSON or YAML value into the canonical Go type for t.
func Coerce(t FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Int:
		return toInt(v)
	case Float:
		return toFloat(v)
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: want string, got %T", ErrTypeMismatch, v)
		}
		return s, nil
	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: want bool, got %T", ErrTypeMismatch, v)
		}
		return b, nil
	default:
		return Normalize(v), nil
	}
}

// Normalize rewrites numbers inside v (json.Number, ints, floats) so equal values
// compare equal regardless of which decoder produced them.
func Normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x)
		}
		return float64(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

func toInt(v any) (any, error) {
	switch n := Normalize(v).(type) {
	case int64:
		return n, nil
	case bool:
		// The game server stores flags as 0/1 and some clients send booleans.
		if n {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("%w: want int, got %T", ErrTypeMismatch, v)
	}
}

func toFloat(v any) (any, error) {
	switch n := Normalize(v).(type) {
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return nil, fmt.Errorf("%w: want float, got %T", ErrTypeMismatch, v)
	}
}
