package lru

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPutGet(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a") // b is now least recently used
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestPutUpdatesExisting(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	c.Put("a", 9)

	v, _ := c.Get("a")
	assert.Equal(t, 9, v)
	assert.Equal(t, 1, c.Len())
}

func TestDelete(t *testing.T) {
	c := New[string, int](2)

	c.Put("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Zero(t, c.Len())

	// Deleted keys free capacity for new entries.
	c.Put("b", 2)
	c.Put("c", 3)
	assert.Equal(t, 2, c.Len())
}

func TestCapacityOne(t *testing.T) {
	c := New[int, string](1)

	c.Put(1, "one")
	c.Put(2, "two")

	_, ok := c.Get(1)
	assert.False(t, ok)
	v, ok := c.Get(2)
	assert.True(t, ok)
	assert.Equal(t, "two", v)
}

func TestNewPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int, int](0) })
}
