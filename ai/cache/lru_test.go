package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }

func newTestCache(capacity int, ttl time.Duration) (*LRUCache[string, int], *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	c := NewLRUCache[string, int](capacity, ttl)
	c.now = clock.now
	return c, clock
}

func TestLRUCache_Defaults(t *testing.T) {
	c := NewLRUCache[string, int](0, 0)
	assert.Equal(t, 1000, c.Capacity())
	assert.Equal(t, 5*time.Minute, c.defaultTTL)
	assert.Equal(t, 0, c.Size())
}

func TestLRUCache_SetGet(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)

	c.Set("a", 1, 0)
	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got)

	c.Set("a", 2, 0)
	got, _ = c.Get("a")
	assert.Equal(t, 2, got, "set overwrites")

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLRUCache_Expiry(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)

	c.Set("short", 1, time.Second)
	c.SetWithDefaultTTL("long", 2)

	clock.t = clock.t.Add(2 * time.Second)
	_, ok := c.Get("short")
	assert.False(t, ok, "expired entry is not served")
	_, ok = c.Get("long")
	assert.True(t, ok)

	clock.t = clock.t.Add(time.Hour)
	assert.Equal(t, 1, c.CleanupExpired())
	assert.Equal(t, 0, c.Size())
}

func TestLRUCache_Eviction(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)

	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	_, _ = c.Get("a") // a becomes most recent
	c.Set("c", 3, 0)

	_, ok := c.Get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestLRUCache_RemoveAndClear(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Equal(t, 1, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestLRUCache_Concurrent(t *testing.T) {
	c := NewLRUCache[string, int](50, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (n+j)%80)
				c.Set(key, j, 0)
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 50)
}
