package sync

import (
	gosync "sync"

	"github.com/gruporder/gruporder/pkg/feed"
)

// Collection is a materialized, ordered view of one partition's
// entities. It absorbs events from the live feed and the polling
// fallback interchangeably; reconciliation is by key, so replayed or
// duplicated events converge to the same view instead of duplicating
// entries.
type Collection[T any] struct {
	key  KeyFunc[T]
	less func(a, b T) bool

	mu    gosync.Mutex
	items []T
}

// NewCollection creates an empty collection ordered by less.
func NewCollection[T any](key KeyFunc[T], less func(a, b T) bool) *Collection[T] {
	return &Collection[T]{key: key, less: less}
}

// Apply folds one committed (or synthetic) event into the view.
func (c *Collection[T]) Apply(ev feed.Event[T]) {
	switch ev.Kind {
	case feed.KindInsert, feed.KindUpdate:
		c.Upsert(ev.Entity)
	case feed.KindDelete:
		c.Remove(c.key(ev.Entity))
	}
}

// Upsert inserts entity in sort order, or replaces the entry with the
// same key in place. Replacing in place is what turns an optimistic
// entry into its confirmed counterpart without the list reordering
// under the reader. Returns true when an existing entry was replaced.
func (c *Collection[T]) Upsert(entity T) bool {
	k := c.key(entity)
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.items {
		if c.key(c.items[i]) == k {
			c.items[i] = entity
			return true
		}
	}

	pos := len(c.items)
	for i := range c.items {
		if c.less(entity, c.items[i]) {
			pos = i
			break
		}
	}
	c.items = append(c.items, entity)
	copy(c.items[pos+1:], c.items[pos:])
	c.items[pos] = entity
	return false
}

// Remove deletes the entry with the given key. Removing an absent key
// is a no-op, so delete events may be replayed safely.
func (c *Collection[T]) Remove(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.key(c.items[i]) == key {
			removed := c.items[i]
			c.items = append(c.items[:i], c.items[i+1:]...)
			return removed, true
		}
	}
	var zero T
	return zero, false
}

// Get returns the entry with the given key.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.key(c.items[i]) == key {
			return c.items[i], true
		}
	}
	var zero T
	return zero, false
}

// Reset replaces the entire view, re-sorting the given entities.
func (c *Collection[T]) Reset(entities []T) {
	c.mu.Lock()
	c.items = c.items[:0]
	c.mu.Unlock()
	for _, entity := range entities {
		c.Upsert(entity)
	}
}

// Snapshot returns a copy of the current view in order.
func (c *Collection[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of entries.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
