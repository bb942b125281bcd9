package schema

import (
	"encoding/json"
	"fmt"
)

// Parse builds a Schema from the JSON descriptor format produced by
// Descriptor. Primitives are bare strings ("string", "number", "bool",
// "null", "any"); composites are single-key objects ("enum", "array",
// "object", "record", "union", "nullable") plus the two-key
// {"default": ..., "type": ...} form.
func Parse(data []byte) (*Schema, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("schema: parse descriptor: %w", err)
	}

	fields := make(map[string]*Type, len(raw))
	for name, desc := range raw {
		t, err := parseType(desc)
		if err != nil {
			return nil, fmt.Errorf("schema: field %q: %w", name, err)
		}
		fields[name] = t
	}
	return New(fields)
}

func parseType(desc any) (*Type, error) {
	switch d := desc.(type) {
	case string:
		switch d {
		case "string":
			return String(), nil
		case "number":
			return Number(), nil
		case "bool", "boolean":
			// Descriptor emits "boolean"; "bool" is accepted for
			// hand-written schema files.
			return Bool(), nil
		case "null":
			return Null(), nil
		case "any":
			return Any(), nil
		default:
			return nil, fmt.Errorf("unknown type name %q", d)
		}
	case map[string]any:
		if def, ok := d["default"]; ok {
			inner, err := parseType(d["type"])
			if err != nil {
				return nil, err
			}
			return WithDefault(inner, def), nil
		}
		if len(d) != 1 {
			return nil, fmt.Errorf("composite type must have exactly one key, got %d", len(d))
		}
		for key, val := range d {
			switch key {
			case "enum":
				items, ok := val.([]any)
				if !ok {
					return nil, fmt.Errorf("enum variants must be an array")
				}
				variants := make([]string, 0, len(items))
				for _, it := range items {
					s, ok := it.(string)
					if !ok {
						return nil, fmt.Errorf("enum variant %v is not a string", it)
					}
					variants = append(variants, s)
				}
				return Enum(variants...), nil
			case "array":
				elem, err := parseType(val)
				if err != nil {
					return nil, err
				}
				return ArrayOf(elem), nil
			case "object":
				raw, ok := val.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("object fields must be an object")
				}
				fields := make(map[string]*Type, len(raw))
				for name, fd := range raw {
					ft, err := parseType(fd)
					if err != nil {
						return nil, fmt.Errorf("field %q: %w", name, err)
					}
					fields[name] = ft
				}
				return ObjectOf(fields), nil
			case "record":
				elem, err := parseType(val)
				if err != nil {
					return nil, err
				}
				return RecordOf(elem), nil
			case "union":
				items, ok := val.([]any)
				if !ok {
					return nil, fmt.Errorf("union branches must be an array")
				}
				branches := make([]*Type, 0, len(items))
				for _, it := range items {
					bt, err := parseType(it)
					if err != nil {
						return nil, err
					}
					branches = append(branches, bt)
				}
				return UnionOf(branches...), nil
			case "nullable":
				elem, err := parseType(val)
				if err != nil {
					return nil, err
				}
				return Nullable(elem), nil
			default:
				return nil, fmt.Errorf("unknown composite type %q", key)
			}
		}
		return nil, fmt.Errorf("empty composite type")
	default:
		return nil, fmt.Errorf("unsupported descriptor value %T", desc)
	}
}
