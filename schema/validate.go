package schema

import (
	"fmt"
	"math"
)

// ValidationError carries structured diagnostic detail for a value that
// failed type or constraint checks.
type ValidationError struct {
	Path   string // dotted path within the field value, "" at the root
	Expect string // human-readable expected shape
	Got    string // what arrived instead
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("schema: expected %s, got %s", e.Expect, e.Got)
	}
	return fmt.Sprintf("schema: %s: expected %s, got %s", e.Path, e.Expect, e.Got)
}

// Validate checks a candidate value for a declared field. The value must
// already be normalized (see Normalize) so enum matching is exact here.
// Null is always accepted by Validate; whether null may be written is the
// merge engine's nullability decision, not a type error.
func (s *Schema) Validate(field string, value any) error {
	t, ok := s.Field(field)
	if !ok {
		return fmt.Errorf("schema: unknown field %q", field)
	}
	if value == nil {
		return nil
	}
	return validate(t, value, "")
}

func validate(t *Type, v any, path string) error {
	switch t.kind {
	case KindOptional, KindDefault:
		return validate(t.elem, v, path)
	case KindNullable:
		if v == nil {
			return nil
		}
		return validate(t.elem, v, path)
	case KindAny:
		return nil
	case KindNull:
		if v == nil {
			return nil
		}
		return &ValidationError{Path: path, Expect: "null", Got: typeName(v)}
	case KindString:
		if _, ok := v.(string); !ok {
			return &ValidationError{Path: path, Expect: "string", Got: typeName(v)}
		}
		return nil
	case KindBool:
		if _, ok := v.(bool); !ok {
			return &ValidationError{Path: path, Expect: "boolean", Got: typeName(v)}
		}
		return nil
	case KindNumber:
		f, ok := asFloat(v)
		if !ok {
			return &ValidationError{Path: path, Expect: "number", Got: typeName(v)}
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &ValidationError{Path: path, Expect: "finite number", Got: fmt.Sprint(f)}
		}
		return nil
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return &ValidationError{Path: path, Expect: "enum string", Got: typeName(v)}
		}
		for _, variant := range t.variants {
			if s == variant {
				return nil
			}
		}
		return &ValidationError{Path: path, Expect: fmt.Sprintf("one of %v", t.variants), Got: fmt.Sprintf("%q", s)}
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			return &ValidationError{Path: path, Expect: "array", Got: typeName(v)}
		}
		for i, el := range arr {
			if err := validate(t.elem, el, childPath(path, fmt.Sprintf("[%d]", i))); err != nil {
				return err
			}
		}
		return nil
	case KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return &ValidationError{Path: path, Expect: "object", Got: typeName(v)}
		}
		for name, ft := range t.fields {
			fv, present := obj[name]
			if !present || fv == nil {
				continue
			}
			if err := validate(ft, fv, childPath(path, name)); err != nil {
				return err
			}
		}
		// Unknown keys pass through unchecked; the gate preserves them.
		return nil
	case KindRecord:
		obj, ok := v.(map[string]any)
		if !ok {
			return &ValidationError{Path: path, Expect: "record", Got: typeName(v)}
		}
		for key, el := range obj {
			if el == nil {
				continue
			}
			if err := validate(t.elem, el, childPath(path, key)); err != nil {
				return err
			}
		}
		return nil
	case KindUnion:
		var first error
		for _, b := range t.branches {
			err := validate(b, v, path)
			if err == nil {
				return nil
			}
			if first == nil {
				first = err
			}
		}
		return first
	default:
		return &ValidationError{Path: path, Expect: "known type", Got: t.kind.String()}
	}
}

func childPath(parent, child string) string {
	if parent == "" {
		return child
	}
	if len(child) > 0 && child[0] == '[' {
		return parent + child
	}
	return parent + "." + child
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64, uint, uint32, uint64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
