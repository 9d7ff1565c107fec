package urlcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCache_GetReturnsFreshEntry(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{TTL: time.Hour}, clk)

	cache.Put("wikipedia_animals", "Fox", "https://img.example/fox.jpg", nil)

	clk.advance(time.Hour - time.Second)
	got, ok := cache.Get("wikipedia_animals", "Fox")
	require.True(t, ok)
	require.Equal(t, "https://img.example/fox.jpg", got)
}

func TestCache_GetIsCaseInsensitiveOnItemKey(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{TTL: time.Hour}, clk)

	cache.Put("wikipedia_animals", "Red Fox", "https://img.example/fox.jpg", nil)

	got, ok := cache.Get("wikipedia_animals", "RED FOX")
	require.True(t, ok)
	require.Equal(t, "https://img.example/fox.jpg", got)

	_, ok = cache.Get("Wikipedia_Animals", "red fox")
	require.False(t, ok, "namespace must match verbatim")
}

func TestCache_ExpiredEntryAbsentAndRemoved(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{TTL: time.Hour}, clk)

	cache.Put("ns", "fox", "https://img.example/fox.jpg", nil)

	clk.advance(time.Hour + time.Second)
	_, ok := cache.Get("ns", "fox")
	require.False(t, ok)

	// The expired read must have deleted the entry, so a later stats call
	// neither counts nor re-purges it.
	stats := cache.Stats()
	require.Equal(t, 0, stats.ActiveCount)
	require.Equal(t, 0, stats.ExpiredPurged)
}

func TestCache_PutRefreshesAge(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{TTL: time.Hour}, clk)

	cache.Put("ns", "fox", "https://img.example/old.jpg", nil)
	clk.advance(50 * time.Minute)
	cache.Put("ns", "fox", "https://img.example/new.jpg", nil)
	clk.advance(50 * time.Minute)

	got, ok := cache.Get("ns", "fox")
	require.True(t, ok, "upsert should have reset the entry age")
	require.Equal(t, "https://img.example/new.jpg", got)
}

func TestCache_Changed(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{TTL: time.Hour}, clk)

	require.True(t, cache.Changed("ns", "fox", "https://img.example/fox.jpg"),
		"nothing cached counts as changed")

	cache.Put("ns", "fox", "https://img.example/fox.jpg", nil)
	require.False(t, cache.Changed("ns", "fox", "https://img.example/fox.jpg"))
	require.True(t, cache.Changed("ns", "fox", "https://img.example/other.jpg"))

	clk.advance(2 * time.Hour)
	require.True(t, cache.Changed("ns", "fox", "https://img.example/fox.jpg"),
		"expired entry counts as changed")
}

func TestCache_ClearRemovesOnlyNamespace(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{TTL: time.Hour}, clk)

	cache.Put("wikipedia_animals", "fox", "https://a/fox.jpg", nil)
	cache.Put("wikipedia_animals", "owl", "https://a/owl.jpg", nil)
	cache.Put("wikipedia_birds", "owl", "https://b/owl.jpg", nil)

	removed := cache.Clear("wikipedia_animals")
	require.Equal(t, 2, removed)

	_, ok := cache.Get("wikipedia_animals", "fox")
	require.False(t, ok)
	got, ok := cache.Get("wikipedia_birds", "owl")
	require.True(t, ok)
	require.Equal(t, "https://b/owl.jpg", got)
}

func TestCache_ClearAll(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{TTL: time.Hour}, clk)

	cache.Put("a", "one", "https://a/1.jpg", nil)
	cache.Put("b", "two", "https://b/2.jpg", nil)

	require.Equal(t, 2, cache.ClearAll())
	require.Equal(t, 0, cache.ClearAll())
	require.Equal(t, 0, cache.Stats().ActiveCount)
}

func TestCache_StatsPurgesExpired(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{TTL: time.Hour}, clk)

	cache.Put("ns", "stale-one", "https://a/1.jpg", nil)
	cache.Put("ns", "stale-two", "https://a/2.jpg", nil)
	clk.advance(90 * time.Minute)
	cache.Put("ns", "fresh", "https://a/3.jpg", nil)

	stats := cache.Stats()
	require.Equal(t, 1, stats.ActiveCount)
	require.Equal(t, 2, stats.ExpiredPurged)
	require.InDelta(t, 1.0, stats.TTLHours, 0.001)

	// Second call finds nothing left to purge.
	stats = cache.Stats()
	require.Equal(t, 1, stats.ActiveCount)
	require.Equal(t, 0, stats.ExpiredPurged)
}

func TestCache_DefaultTTLApplied(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{}, clk)
	require.InDelta(t, DefaultTTL.Hours(), cache.Stats().TTLHours, 0.001)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1000, 0)}
	cache := New(Config{TTL: time.Hour}, clk)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("animal-%d-%d", n, j)
				cache.Put("ns", key, "https://img.example/"+key, nil)
				_, _ = cache.Get("ns", key)
				_ = cache.Changed("ns", key, "https://img.example/other")
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 800, cache.Stats().ActiveCount)
}

// --- fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
