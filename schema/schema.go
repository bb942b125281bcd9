// Package schema declares the typed field schema that constrains a fact
// sheet, and implements the gate that validates and normalizes candidate
// values against it.
//
// A schema is a map from field name to a Type term. Type terms form a small
// tagged-variant tree (primitives, enums, arrays, objects, key-value records,
// unions) with transparent wrapper nodes for optional, default, and nullable.
// The gate walks this tree three ways: validation, enum case-folding, and
// projection to the compact structural descriptor handed to the extractor.
package schema

import (
	"errors"
	"fmt"
)

// Kind tags a Type variant.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindNull
	KindAny
	KindEnum
	KindArray
	KindObject
	KindRecord
	KindUnion
	KindOptional
	KindNullable
	KindDefault
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "boolean"
	case KindNull:
		return "null"
	case KindAny:
		return "any"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindRecord:
		return "record"
	case KindUnion:
		return "union"
	case KindOptional:
		return "optional"
	case KindNullable:
		return "nullable"
	case KindDefault:
		return "default"
	default:
		return "unknown"
	}
}

// Type is one node of a schema term. Construct with the builder functions;
// the zero value is not a valid type.
type Type struct {
	kind     Kind
	elem     *Type            // array element, record value, wrapper inner
	fields   map[string]*Type // object fields
	variants []string         // enum variants, declared spelling
	branches []*Type          // union branches
	def      any              // default value (KindDefault)
}

// Kind returns the variant tag.
func (t *Type) Kind() Kind { return t.kind }

// Elem returns the inner type for arrays, records, and wrapper nodes.
func (t *Type) Elem() *Type { return t.elem }

// Fields returns the declared object fields. Callers must not mutate.
func (t *Type) Fields() map[string]*Type { return t.fields }

// Variants returns the declared enum spellings. Callers must not mutate.
func (t *Type) Variants() []string { return t.variants }

// Branches returns union branches. Callers must not mutate.
func (t *Type) Branches() []*Type { return t.branches }

// String returns a string type.
func String() *Type { return &Type{kind: KindString} }

// Number returns a numeric type (any JSON number).
func Number() *Type { return &Type{kind: KindNumber} }

// Bool returns a boolean type.
func Bool() *Type { return &Type{kind: KindBool} }

// Null returns the type admitting only null.
func Null() *Type { return &Type{kind: KindNull} }

// Any returns the open type admitting every JSON value, including null.
func Any() *Type { return &Type{kind: KindAny} }

// Enum returns a string enumeration over the given variants. Candidate
// strings are matched case-insensitively and normalized to the declared
// spelling before validation.
func Enum(variants ...string) *Type {
	return &Type{kind: KindEnum, variants: variants}
}

// ArrayOf returns an array type with the given element type.
func ArrayOf(elem *Type) *Type { return &Type{kind: KindArray, elem: elem} }

// ObjectOf returns an object type with the given declared fields. Unknown
// keys inside a nested object value are preserved unchanged by the gate.
func ObjectOf(fields map[string]*Type) *Type {
	return &Type{kind: KindObject, fields: fields}
}

// RecordOf returns a key-value record type: arbitrary string keys, all
// values of the given type. Declare the free-form extras field as
// RecordOf(Any()) or Any().
func RecordOf(value *Type) *Type { return &Type{kind: KindRecord, elem: value} }

// UnionOf returns a union over the given branch types. A value is valid when
// any branch accepts it.
func UnionOf(branches ...*Type) *Type {
	return &Type{kind: KindUnion, branches: branches}
}

// Optional wraps a type to mark the field as optional. Transparent to
// validation, nullability, and normalization.
func Optional(inner *Type) *Type { return &Type{kind: KindOptional, elem: inner} }

// Nullable wraps a type to also admit null.
func Nullable(inner *Type) *Type { return &Type{kind: KindNullable, elem: inner} }

// WithDefault wraps a type with a default value. Transparent to the gate;
// the default surfaces only in the descriptor projection.
func WithDefault(inner *Type, def any) *Type {
	return &Type{kind: KindDefault, elem: inner, def: def}
}

// Schema is a validated field-name → type mapping.
type Schema struct {
	fields map[string]*Type
}

// ErrEmptySchema is returned when a schema declares no fields.
var ErrEmptySchema = errors.New("schema: no fields declared")

// New validates and returns a schema. Every declared type term must be
// well-formed (non-nil nodes, enums with at least one variant).
func New(fields map[string]*Type) (*Schema, error) {
	if len(fields) == 0 {
		return nil, ErrEmptySchema
	}
	for name, t := range fields {
		if err := check(t); err != nil {
			return nil, fmt.Errorf("schema: field %q: %w", name, err)
		}
	}
	return &Schema{fields: fields}, nil
}

// MustNew is New for package-level schemas; panics on error.
func MustNew(fields map[string]*Type) *Schema {
	s, err := New(fields)
	if err != nil {
		panic(err)
	}
	return s
}

// Field returns the declared type for a field and whether it exists.
func (s *Schema) Field(name string) (*Type, bool) {
	t, ok := s.fields[name]
	return t, ok
}

// FieldNames returns the declared field names in unspecified order.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	return names
}

func check(t *Type) error {
	if t == nil {
		return errors.New("nil type node")
	}
	switch t.kind {
	case KindString, KindNumber, KindBool, KindNull, KindAny:
		return nil
	case KindEnum:
		if len(t.variants) == 0 {
			return errors.New("enum with no variants")
		}
		return nil
	case KindArray, KindRecord, KindOptional, KindNullable, KindDefault:
		return check(t.elem)
	case KindObject:
		for name, f := range t.fields {
			if err := check(f); err != nil {
				return fmt.Errorf("object field %q: %w", name, err)
			}
		}
		return nil
	case KindUnion:
		if len(t.branches) == 0 {
			return errors.New("union with no branches")
		}
		for _, b := range t.branches {
			if err := check(b); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown kind %d", t.kind)
	}
}
