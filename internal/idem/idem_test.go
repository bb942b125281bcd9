package idem

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := New(time.Minute, 10)

	_, ok := c.Get(Key("patch", "u1", "req-1"))
	assert.False(t, ok)

	c.Set(Key("patch", "u1", "req-1"), "result-1")
	got, ok := c.Get(Key("patch", "u1", "req-1"))
	require.True(t, ok)
	assert.Equal(t, "result-1", got)

	// Same caller key under another operation or subject is a distinct entry.
	_, ok = c.Get(Key("observe", "u1", "req-1"))
	assert.False(t, ok)
	_, ok = c.Get(Key("patch", "u2", "req-1"))
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(10*time.Millisecond, 10)
	c.Set("k", 1)

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestCapacityEvictsOldest(t *testing.T) {
	c := New(time.Minute, 3)

	c.Set("a", 1)
	time.Sleep(time.Millisecond)
	c.Set("b", 2)
	time.Sleep(time.Millisecond)
	c.Set("c", 3)
	time.Sleep(time.Millisecond)
	c.Set("d", 4)

	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	for _, k := range []string{"b", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "entry %q should survive", k)
	}
	assert.Equal(t, 3, c.Len())
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	c := New(time.Minute, 2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("b", 3)

	got, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 3, got)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestSetPrunesExpired(t *testing.T) {
	c := New(10*time.Millisecond, 100)
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("old-%d", i), i)
	}
	time.Sleep(20 * time.Millisecond)

	c.Set("fresh", 1)
	assert.Equal(t, 1, c.Len())
}
