package rpcdispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c := NewCache(2, 1000)
	c.Put("a", []byte("1"))

	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), []byte(v))
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(2, 10000)
	c.Put("a", []byte("1"))
	c.Put("b", []byte("2"))
	c.Get("a") // touch a, making b the LRU entry
	c.Put("c", []byte("3"))

	_, ok := c.Get("b")
	require.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
	require.Equal(t, 2, c.Len())
}

func TestCache_ExpiresByTTL(t *testing.T) {
	c := NewCache(8, 10)
	c.Put("a", []byte("1"))

	time.Sleep(25 * time.Millisecond)
	_, ok := c.Get("a")
	require.False(t, ok)
}
