package schema

import "strings"

// Normalize case-folds enum strings to their declared spelling, recursing
// through optional/default/nullable wrappers, union branches, array elements,
// and object/record fields. Unknown object keys are preserved unchanged.
// Values that do not match the type shape are returned as-is; Validate
// reports them, not Normalize.
func (s *Schema) Normalize(field string, value any) any {
	t, ok := s.Field(field)
	if !ok {
		return value
	}
	return normalize(t, value)
}

func normalize(t *Type, v any) any {
	if v == nil {
		return nil
	}
	switch t.kind {
	case KindOptional, KindNullable, KindDefault:
		return normalize(t.elem, v)
	case KindEnum:
		s, ok := v.(string)
		if !ok {
			return v
		}
		for _, variant := range t.variants {
			if strings.EqualFold(s, variant) {
				return variant
			}
		}
		return v
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, len(arr))
		for i, el := range arr {
			out[i] = normalize(t.elem, el)
		}
		return out
	case KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(obj))
		for key, el := range obj {
			if ft, declared := t.fields[key]; declared {
				out[key] = normalize(ft, el)
			} else {
				out[key] = el
			}
		}
		return out
	case KindRecord:
		obj, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(obj))
		for key, el := range obj {
			out[key] = normalize(t.elem, el)
		}
		return out
	case KindUnion:
		// Fold through the first branch that validates the folded value.
		for _, b := range t.branches {
			folded := normalize(b, v)
			if validate(b, folded, "") == nil {
				return folded
			}
		}
		return v
	default:
		return v
	}
}

// NullableField reports whether null is an acceptable value for a declared
// field: an explicitly null-admitting variant, an open type, or a union
// containing such a variant. Optional and default wrappers are transparent.
func (s *Schema) NullableField(name string) bool {
	t, ok := s.Field(name)
	if !ok {
		return false
	}
	return nullable(t)
}

func nullable(t *Type) bool {
	switch t.kind {
	case KindNull, KindAny, KindNullable:
		return true
	case KindOptional, KindDefault:
		return nullable(t.elem)
	case KindUnion:
		for _, b := range t.branches {
			if nullable(b) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
