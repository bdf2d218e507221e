package cache

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestCache(ttl time.Duration) (*Cache[string, int], *testClock) {
	clock := &testClock{t: time.Unix(1700000000, 0)}
	c := New[string, int](ttl, 0)
	c.now = clock.now
	return c, clock
}

func TestCache_SetGetExpire(t *testing.T) {
	c, clock := newTestCache(time.Second)

	c.Set("a", 1)
	c.SetWithTTL("b", 2, time.Minute)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.t = clock.t.Add(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entries expire at their deadline")
	v, ok = c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.RemoveExpired())
	assert.Equal(t, 1, c.Len())
}

func TestCache_GetOrSet(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	calls := 0
	load := func() (int, error) {
		calls++
		return 42, nil
	}

	v, err := c.GetOrSet("k", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	v, err = c.GetOrSet("k", load)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)

	boom := errors.New("boom")
	_, err = c.GetOrSet("other", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("other")
	assert.False(t, ok, "errors are not cached")
}

func TestCache_DeleteFunc(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("call-1/a", 1)
	c.Set("call-1/b", 2)
	c.Set("call-2/a", 3)

	n := c.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, "call-1/") })
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())

	c.Delete("call-2/a")
	assert.Zero(t, c.Len())
}

func TestCache_BackgroundCleanup(t *testing.T) {
	c := New[string, int](time.Millisecond, time.Millisecond)
	defer c.Stop()

	c.Set("a", 1)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)

	c.Stop()
	c.Stop()
}
