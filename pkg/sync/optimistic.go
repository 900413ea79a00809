package sync

import (
	gosync "sync"
	"time"
)

// DefaultOptimisticDeadline is how long an optimistic entry may wait
// for its committed counterpart before it is rolled back.
const DefaultOptimisticDeadline = 15 * time.Second

// Tracker reconciles optimistic mutations with the committed events
// that confirm them. Each pending mutation is registered under its
// idempotency key; when a committed event with the same key arrives the
// entry is confirmed, otherwise the deadline timer rolls it back.
type Tracker[T any] struct {
	deadline time.Duration
	onExpire func(key string, entity T)

	mu      gosync.Mutex
	pending map[string]*pendingEntry[T]
	closed  bool
}

type pendingEntry[T any] struct {
	entity T
	timer  *time.Timer
}

// NewTracker creates a tracker. onExpire is invoked, outside the
// tracker lock, for every entry whose deadline passes unconfirmed.
func NewTracker[T any](deadline time.Duration, onExpire func(key string, entity T)) *Tracker[T] {
	if deadline <= 0 {
		deadline = DefaultOptimisticDeadline
	}
	return &Tracker[T]{
		deadline: deadline,
		onExpire: onExpire,
		pending:  make(map[string]*pendingEntry[T]),
	}
}

// Begin registers an optimistic mutation under its idempotency key and
// arms the delivery deadline. Beginning a key that is already pending
// replaces the entry and restarts its deadline.
func (t *Tracker[T]) Begin(key string, entity T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if prev, ok := t.pending[key]; ok {
		prev.timer.Stop()
	}
	entry := &pendingEntry[T]{entity: entity}
	entry.timer = time.AfterFunc(t.deadline, func() { t.expire(key) })
	t.pending[key] = entry
}

// Confirm resolves a pending entry whose committed event arrived. It
// returns true when the key was pending, false for keys this tracker
// never issued (events from other participants).
func (t *Tracker[T]) Confirm(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.pending, key)
	return true
}

// Fail rolls back a pending entry after a rejected server write. The
// removed entity is returned so the caller can drop it from the view.
func (t *Tracker[T]) Fail(key string) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[key]
	if !ok {
		var zero T
		return zero, false
	}
	entry.timer.Stop()
	delete(t.pending, key)
	return entry.entity, true
}

// Pending reports whether key has an unresolved optimistic entry.
func (t *Tracker[T]) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

// Close cancels all deadlines without invoking onExpire.
func (t *Tracker[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for key, entry := range t.pending {
		entry.timer.Stop()
		delete(t.pending, key)
	}
}

func (t *Tracker[T]) expire(key string) {
	t.mu.Lock()
	entry, ok := t.pending[key]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.pending, key)
	entity := entry.entity
	onExpire := t.onExpire
	t.mu.Unlock()

	if onExpire != nil {
		onExpire(key, entity)
	}
}
