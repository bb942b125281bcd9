// Package extras sanitizes the free-form "extras" map field. Unlike
// schema-declared fields, extras values are caller-opaque: the sanitizer
// enforces key and value hygiene instead of a declared type, and a candidate
// that survives with nothing left is rejected wholesale.
package extras

import (
	"math"
	"regexp"
	"sort"

	"github.com/kagami-ai/kagami/internal/model"
)

// DefaultKeyPattern accepts dotted identifier paths like
// "support.ticket.priority".
const DefaultKeyPattern = `^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)*$`

// Policy controls sanitization. The zero value is not usable; start from
// DefaultPolicy.
type Policy struct {
	KeyPattern         *regexp.Regexp
	MaxKeyLength       int
	MaxKeys            int
	MaxStringLength    int
	MaxNestingDepth    int
	MaxArrayLength     int
	AllowArrays        bool
	AllowNestedObjects bool
}

// DefaultPolicy returns the stock extras policy.
func DefaultPolicy() Policy {
	return Policy{
		KeyPattern:         regexp.MustCompile(DefaultKeyPattern),
		MaxKeyLength:       64,
		MaxKeys:            50,
		MaxStringLength:    512,
		MaxNestingDepth:    2,
		MaxArrayLength:     20,
		AllowArrays:        true,
		AllowNestedObjects: true,
	}
}

// Sanitize applies the policy to a candidate extras value.
//
// A nil value passes through as (nil, true): whether null may be written is
// the merge engine's nullability decision. A non-map value, or a map that
// sanitizes down to nothing, returns ok=false and the caller rejects the
// whole field as extras_invalid.
//
// maxFieldLength further caps string values: the effective string limit is
// min(MaxStringLength, maxFieldLength). Iteration order over keys is sorted,
// so which keys survive the MaxKeys cap is deterministic.
func Sanitize(value any, pol Policy, maxFieldLength int) (any, bool) {
	if value == nil {
		return nil, true
	}
	m, isMap := value.(map[string]any)
	if !isMap {
		return nil, false
	}

	strLimit := pol.MaxStringLength
	if maxFieldLength > 0 && maxFieldLength < strLimit {
		strLimit = maxFieldLength
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		if pol.MaxKeys > 0 && len(out) >= pol.MaxKeys {
			break
		}
		if len(k) > pol.MaxKeyLength {
			continue
		}
		if pol.KeyPattern != nil && !pol.KeyPattern.MatchString(k) {
			continue
		}
		v, keep := sanitizeValue(m[k], pol, strLimit, 0)
		if !keep {
			continue
		}
		out[k] = v
	}

	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func sanitizeValue(v any, pol Policy, strLimit, depth int) (any, bool) {
	if depth > pol.MaxNestingDepth {
		return nil, false
	}
	switch val := v.(type) {
	case string:
		return model.TruncateRunes(val, strLimit), true
	case bool:
		return val, true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, false
		}
		return val, true
	case float32:
		return sanitizeValue(float64(val), pol, strLimit, depth)
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case []any:
		if !pol.AllowArrays {
			return nil, false
		}
		limit := len(val)
		if pol.MaxArrayLength > 0 && limit > pol.MaxArrayLength {
			limit = pol.MaxArrayLength
		}
		out := make([]any, 0, limit)
		for _, el := range val[:limit] {
			clean, keep := sanitizeValue(el, pol, strLimit, depth+1)
			if !keep {
				continue
			}
			out = append(out, clean)
		}
		return out, true
	case map[string]any:
		if !pol.AllowNestedObjects {
			return nil, false
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(val))
		for _, k := range keys {
			if len(k) > pol.MaxKeyLength {
				continue
			}
			if pol.KeyPattern != nil && !pol.KeyPattern.MatchString(k) {
				continue
			}
			clean, keep := sanitizeValue(val[k], pol, strLimit, depth+1)
			if !keep {
				continue
			}
			out[k] = clean
		}
		if len(out) == 0 {
			// A nested object whose subtree was entirely rejected is dropped,
			// not kept as an empty husk.
			return nil, false
		}
		return out, true
	case nil:
		return nil, false
	default:
		return nil, false
	}
}
