// Package urlcache provides a TTL-bounded in-memory cache for discovered
// resource locators. Discovery is the expensive step in every workflow run,
// so previously resolved locators are remembered per (namespace, item key)
// pair until they age out.
package urlcache

import (
	"strings"
	"sync"
	"time"

	"github.com/myfishnameisqwerty/menagerie/internal/gallery"
)

// DefaultTTL applies when the configured TTL is missing or non-positive.
const DefaultTTL = 24 * time.Hour

// Config holds cache tuning knobs.
type Config struct {
	TTL time.Duration
}

type entry struct {
	locator  string
	cachedAt time.Time
	metadata map[string]string
}

// Cache is a coarse-grained locking locator cache. Every operation runs
// under one mutex; nothing performs I/O while holding it. Expired entries
// are dropped lazily when a read observes them, and eagerly only inside
// Stats.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	clock   gallery.Clock
}

// New constructs a Cache. A zero or negative TTL falls back to DefaultTTL.
func New(cfg Config, clk gallery.Clock) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		clock:   clk,
	}
}

// cacheKey builds the map key. Item keys are case-folded so lookups are
// case-insensitive; the namespace is used verbatim.
func cacheKey(namespace, itemKey string) string {
	return namespace + ":" + strings.ToLower(itemKey)
}

// Get returns the cached locator for the item, if one is present and fresh.
// An expired entry is deleted as a side effect and reported as absent.
func (c *Cache) Get(namespace, itemKey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(namespace, itemKey)
	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.expired(e, c.clock.Now()) {
		delete(c.entries, key)
		return "", false
	}
	return e.locator, true
}

// Put upserts the locator for the item and refreshes its age. Metadata is
// stored alongside the locator for operator inspection; it carries no
// semantics of its own.
func (c *Cache) Put(namespace, itemKey, locator string, metadata map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(namespace, itemKey)] = entry{
		locator:  locator,
		cachedAt: c.clock.Now(),
		metadata: metadata,
	}
}

// Changed reports whether candidate differs from the cached locator. An
// absent or expired entry counts as changed.
func (c *Cache) Changed(namespace, itemKey, candidate string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(namespace, itemKey)
	e, ok := c.entries[key]
	if !ok {
		return true
	}
	if c.expired(e, c.clock.Now()) {
		delete(c.entries, key)
		return true
	}
	return e.locator != candidate
}

// Clear removes every entry in the namespace and returns the removed count.
func (c *Cache) Clear(namespace string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := namespace + ":"
	removed := 0
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// ClearAll removes every entry and returns the prior size.
func (c *Cache) ClearAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := len(c.entries)
	c.entries = make(map[string]entry)
	return removed
}

// Stats purges every entry found expired right now and reports the active
// count, the configured TTL in hours, and how many entries the purge
// removed. This is the cache's only eager cleanup path.
func (c *Cache) Stats() gallery.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	purged := 0
	for key, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, key)
			purged++
		}
	}
	return gallery.CacheStats{
		ActiveCount:   len(c.entries),
		TTLHours:      c.ttl.Hours(),
		ExpiredPurged: purged,
	}
}

func (c *Cache) expired(e entry, now time.Time) bool {
	return now.Sub(e.cachedAt) > c.ttl
}
