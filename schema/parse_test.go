package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrimitivesAndComposites(t *testing.T) {
	s, err := Parse([]byte(`{
		"name":   "string",
		"age":    "number",
		"active": "bool",
		"role":   {"enum": ["founder", "engineer"]},
		"tags":   {"array": "string"},
		"nick":   {"nullable": "string"},
		"extras": {"record": "any"},
		"addr":   {"object": {"city": "string", "zip": "string"}},
		"id":     {"union": ["string", "number"]},
		"tier":   {"default": "free", "type": "string"}
	}`))
	require.NoError(t, err)

	typ, ok := s.Field("role")
	require.True(t, ok)
	assert.Equal(t, KindEnum, typ.Kind())
	assert.ElementsMatch(t, []string{"founder", "engineer"}, typ.Variants())

	typ, _ = s.Field("tags")
	assert.Equal(t, KindArray, typ.Kind())
	assert.Equal(t, KindString, typ.Elem().Kind())

	// Both spellings of the boolean primitive parse.
	typ, _ = s.Field("active")
	assert.Equal(t, KindBool, typ.Kind())
	s2, err := Parse([]byte(`{"active": "boolean"}`))
	require.NoError(t, err)
	typ, _ = s2.Field("active")
	assert.Equal(t, KindBool, typ.Kind())

	assert.True(t, s.NullableField("nick"))
	assert.False(t, s.NullableField("name"))
}

func TestParseRoundTripsDescriptor(t *testing.T) {
	orig := MustNew(map[string]*Type{
		"name":   String(),
		"role":   Enum("a", "b"),
		"active": Bool(),
		"nick":   Nullable(String()),
		"scores": ArrayOf(Number()),
		"extras": RecordOf(Any()),
	})

	j, err := orig.DescriptorJSON()
	require.NoError(t, err)

	parsed, err := Parse([]byte(j))
	require.NoError(t, err)

	j2, err := parsed.DescriptorJSON()
	require.NoError(t, err)
	assert.JSONEq(t, j, j2)
}

func TestParseRejectsBadDescriptors(t *testing.T) {
	cases := []string{
		`{"f": "mystery"}`,
		`{"f": {"enum": "not-an-array"}}`,
		`{"f": {"weird": "string"}}`,
		`{"f": 42}`,
		`not json`,
	}
	for _, c := range cases {
		_, err := Parse([]byte(c))
		assert.Error(t, err, "descriptor %s should be rejected", c)
	}
}
