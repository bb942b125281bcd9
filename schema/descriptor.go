package schema

import (
	"encoding/json"
	"sort"
)

// Descriptor projects the schema to the compact structural description
// embedded in the extractor prompt: primitive names, enum variants, array
// shape, nested object shape, key-value record. Wrappers collapse into
// "nullable"/"default" annotations on the inner shape.
//
// The output is deterministic: object keys appear in sorted order when
// marshaled (encoding/json sorts map keys).
func (s *Schema) Descriptor() map[string]any {
	out := make(map[string]any, len(s.fields))
	for name, t := range s.fields {
		out[name] = describe(t)
	}
	return out
}

// DescriptorJSON returns the descriptor as compact JSON.
func (s *Schema) DescriptorJSON() (string, error) {
	b, err := json.Marshal(s.Descriptor())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func describe(t *Type) any {
	switch t.kind {
	case KindString, KindNumber, KindBool, KindNull, KindAny:
		return t.kind.String()
	case KindEnum:
		variants := make([]string, len(t.variants))
		copy(variants, t.variants)
		sort.Strings(variants)
		return map[string]any{"enum": variants}
	case KindArray:
		return map[string]any{"array": describe(t.elem)}
	case KindObject:
		fields := make(map[string]any, len(t.fields))
		for name, f := range t.fields {
			fields[name] = describe(f)
		}
		return map[string]any{"object": fields}
	case KindRecord:
		return map[string]any{"record": describe(t.elem)}
	case KindUnion:
		branches := make([]any, len(t.branches))
		for i, b := range t.branches {
			branches[i] = describe(b)
		}
		return map[string]any{"union": branches}
	case KindOptional:
		return describe(t.elem)
	case KindNullable:
		return map[string]any{"nullable": describe(t.elem)}
	case KindDefault:
		return map[string]any{"default": t.def, "type": describe(t.elem)}
	default:
		return "unknown"
	}
}
