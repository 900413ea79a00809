package catalog

import (
	"context"
	gosync "sync"
	"time"

	"github.com/gruporder/gruporder/pkg/models"
)

// DefaultMenuTTL is how long a fetched menu stays fresh.
const DefaultMenuTTL = 10 * time.Minute

// FetchFunc loads the menu items for one merchant link.
type FetchFunc func(ctx context.Context, link string) ([]models.MenuItem, error)

// MenuCache caches parsed menus per merchant with a TTL. A per-key lock
// serializes concurrent misses so an expired popular menu triggers one
// upstream fetch, not a stampede.
type MenuCache struct {
	ttl   time.Duration
	fetch FetchFunc

	mu      gosync.Mutex
	entries map[string]*menuEntry
	locks   map[string]*gosync.Mutex
}

type menuEntry struct {
	items     []models.MenuItem
	expiresAt time.Time
}

// NewMenuCache builds a cache in front of fetch.
func NewMenuCache(ttl time.Duration, fetch FetchFunc) *MenuCache {
	if ttl <= 0 {
		ttl = DefaultMenuTTL
	}
	return &MenuCache{
		ttl:     ttl,
		fetch:   fetch,
		entries: make(map[string]*menuEntry),
		locks:   make(map[string]*gosync.Mutex),
	}
}

// Get returns the cached menu for key, fetching via link on a miss or
// after expiry. Fetch errors are returned without poisoning the cache;
// the next call retries.
func (c *MenuCache) Get(ctx context.Context, key, link string) ([]models.MenuItem, error) {
	if items, ok := c.lookup(key); ok {
		return items, nil
	}

	// Miss: take the per-key lock and check again, another caller may
	// have filled the entry while we waited.
	lock := c.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if items, ok := c.lookup(key); ok {
		return items, nil
	}

	items, err := c.fetch(ctx, link)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &menuEntry{items: items, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return items, nil
}

// Invalidate drops the entry for key, forcing a refetch on next Get.
func (c *MenuCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *MenuCache) lookup(key string) ([]models.MenuItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.items, true
}

func (c *MenuCache) keyLock(key string) *gosync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &gosync.Mutex{}
		c.locks[key] = lock
	}
	return lock
}
