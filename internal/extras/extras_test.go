package extras

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRejectsNonMap(t *testing.T) {
	pol := DefaultPolicy()

	_, ok := Sanitize("not a map", pol, 512)
	assert.False(t, ok)

	_, ok = Sanitize([]any{"a"}, pol, 512)
	assert.False(t, ok)

	_, ok = Sanitize(42, pol, 512)
	assert.False(t, ok)
}

func TestSanitizeNullPassesThrough(t *testing.T) {
	v, ok := Sanitize(nil, DefaultPolicy(), 512)
	require.True(t, ok)
	assert.Nil(t, v)
}

func TestSanitizeKeyPattern(t *testing.T) {
	pol := DefaultPolicy()

	v, ok := Sanitize(map[string]any{
		"valid_key":              "keep",
		"support.ticket.priority": "keep",
		"invalid-key@x":          "drop",
		"spaced key":             "drop",
	}, pol, 512)
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Equal(t, map[string]any{
		"valid_key":              "keep",
		"support.ticket.priority": "keep",
	}, m)
}

func TestSanitizeAllKeysInvalid(t *testing.T) {
	_, ok := Sanitize(map[string]any{"invalid-key@x": "y"}, DefaultPolicy(), 512)
	assert.False(t, ok)
}

func TestSanitizeOverlongKeysDropped(t *testing.T) {
	long := strings.Repeat("k", 65)
	v, ok := Sanitize(map[string]any{long: "drop", "short": "keep"}, DefaultPolicy(), 512)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"short": "keep"}, v)
}

func TestSanitizeStringTruncation(t *testing.T) {
	v, ok := Sanitize(map[string]any{
		"note": strings.Repeat("p", 600),
	}, DefaultPolicy(), 512)
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Len(t, m["note"], 512)
}

func TestSanitizeStringLimitIsMinOfPolicyAndField(t *testing.T) {
	v, ok := Sanitize(map[string]any{
		"note": strings.Repeat("p", 600),
	}, DefaultPolicy(), 100)
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Len(t, m["note"], 100)
}

func TestSanitizeNonFiniteNumbersDropped(t *testing.T) {
	v, ok := Sanitize(map[string]any{
		"nan":  math.NaN(),
		"inf":  math.Inf(1),
		"fine": 1.5,
		"int":  3,
	}, DefaultPolicy(), 512)
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Equal(t, map[string]any{"fine": 1.5, "int": float64(3)}, m)
}

func TestSanitizeArrays(t *testing.T) {
	pol := DefaultPolicy()

	v, ok := Sanitize(map[string]any{"tags": []any{"a", "b", math.NaN()}}, pol, 512)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"tags": []any{"a", "b"}}, v)

	pol.AllowArrays = false
	_, ok = Sanitize(map[string]any{"tags": []any{"a"}}, pol, 512)
	assert.False(t, ok)
}

func TestSanitizeArrayTruncation(t *testing.T) {
	pol := DefaultPolicy()
	pol.MaxArrayLength = 2

	v, ok := Sanitize(map[string]any{"tags": []any{"a", "b", "c", "d"}}, pol, 512)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"tags": []any{"a", "b"}}, v)
}

func TestSanitizeNestedObjects(t *testing.T) {
	pol := DefaultPolicy()

	v, ok := Sanitize(map[string]any{
		"pref": map[string]any{"theme": "dark", "bad-key!": "x"},
	}, pol, 512)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"pref": map[string]any{"theme": "dark"}}, v)

	pol.AllowNestedObjects = false
	_, ok = Sanitize(map[string]any{"pref": map[string]any{"theme": "dark"}}, pol, 512)
	assert.False(t, ok)
}

func TestSanitizeNestingDepthCap(t *testing.T) {
	pol := DefaultPolicy()
	pol.MaxNestingDepth = 1

	v, ok := Sanitize(map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"c": "too deep",
			},
			"keep": "ok",
		},
	}, pol, 512)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": map[string]any{"keep": "ok"}}, v)
}

func TestSanitizeDeepOnlyObjectDroppedEntirely(t *testing.T) {
	pol := DefaultPolicy()
	pol.MaxNestingDepth = 1

	// Every leaf is beyond the depth cap, so the emptied wrappers cascade
	// away and the whole candidate is rejected.
	_, ok := Sanitize(map[string]any{
		"a": map[string]any{"b": map[string]any{"c": "too deep"}},
	}, pol, 512)
	assert.False(t, ok)
}

func TestSanitizeKeyCountCapDeterministic(t *testing.T) {
	pol := DefaultPolicy()
	pol.MaxKeys = 2

	v, ok := Sanitize(map[string]any{
		"delta": 1, "alpha": 2, "bravo": 3, "zulu": 4,
	}, pol, 512)
	require.True(t, ok)
	// Iteration is over sorted keys, so the survivors are deterministic.
	assert.Equal(t, map[string]any{"alpha": float64(2), "bravo": float64(3)}, v)
}

func TestSanitizeUnsupportedTypesDropped(t *testing.T) {
	_, ok := Sanitize(map[string]any{"ch": make(chan int)}, DefaultPolicy(), 512)
	assert.False(t, ok)
}
