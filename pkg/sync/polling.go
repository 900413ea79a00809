package sync

import (
	"context"
	"reflect"
	gosync "sync"
	"time"

	"github.com/gruporder/gruporder/pkg/feed"
	"github.com/gruporder/gruporder/pkg/logger"
)

// DefaultPollInterval is how often a degraded partition refetches its
// full entity list.
const DefaultPollInterval = 3 * time.Second

// ListFunc fetches the full current entity list for the partition.
type ListFunc[T any] func(ctx context.Context) ([]T, error)

// KeyFunc extracts the stable identity used to diff snapshots.
type KeyFunc[T any] func(T) string

// Poller is the degraded-mode fallback for one partition. While active
// it refetches the full list on an interval, diffs it against the last
// snapshot by key, and emits the differences as synthetic events through
// the same handler the live feed uses. Consumers cannot tell the two
// sources apart.
type Poller[T any] struct {
	interval time.Duration
	list     ListFunc[T]
	key      KeyFunc[T]
	onEvent  feed.EventFunc[T]
	logger   logger.Logger

	mu        gosync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	snapshot  map[string]T
	order     []string
}

// NewPoller creates an inactive poller. onEvent receives the synthetic
// events; pass the same handler the live feed client uses.
func NewPoller[T any](interval time.Duration, list ListFunc[T], key KeyFunc[T], onEvent feed.EventFunc[T], log logger.Logger) *Poller[T] {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Poller[T]{
		interval: interval,
		list:     list,
		key:      key,
		onEvent:  onEvent,
		logger:   log,
	}
}

// Start begins polling. seed is the entity list the consumer already
// holds, so the first poll emits only what changed since the connection
// dropped. Starting a running poller is a no-op.
func (p *Poller[T]) Start(seed []T) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})
	p.snapshot = make(map[string]T, len(seed))
	p.order = make([]string, 0, len(seed))
	for _, entity := range seed {
		k := p.key(entity)
		p.snapshot[k] = entity
		p.order = append(p.order, k)
	}
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.mu.Unlock()

	go p.loop(stopCh, stoppedCh)
}

// Stop halts polling and waits for the in-flight poll, if any, to
// finish delivering. No event is emitted after Stop returns. Stopping an
// idle poller is a no-op.
func (p *Poller[T]) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

// Running reports whether the poller is active.
func (p *Poller[T]) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller[T]) loop(stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	// Poll immediately on activation, then on the interval.
	p.poll(stopCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.poll(stopCh)
		}
	}
}

func (p *Poller[T]) poll(stopCh <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), p.interval)
	defer cancel()

	entities, err := p.list(ctx)
	if err != nil {
		// A failed poll keeps the previous snapshot; the next tick
		// retries with the same baseline so no change is lost.
		p.logger.Warn("poll failed", "error", err)
		return
	}

	select {
	case <-stopCh:
		return
	default:
	}

	p.mu.Lock()
	prev := p.snapshot
	prevOrder := p.order

	next := make(map[string]T, len(entities))
	nextOrder := make([]string, 0, len(entities))
	var events []feed.Event[T]

	for _, entity := range entities {
		k := p.key(entity)
		next[k] = entity
		nextOrder = append(nextOrder, k)

		old, seen := prev[k]
		switch {
		case !seen:
			events = append(events, feed.Event[T]{Kind: feed.KindInsert, Entity: entity})
		case !reflect.DeepEqual(old, entity):
			previous := old
			events = append(events, feed.Event[T]{Kind: feed.KindUpdate, Entity: entity, Previous: &previous})
		}
	}
	for _, k := range prevOrder {
		if _, kept := next[k]; !kept {
			gone := prev[k]
			events = append(events, feed.Event[T]{Kind: feed.KindDelete, Entity: gone, Previous: &gone})
		}
	}

	p.snapshot = next
	p.order = nextOrder
	p.mu.Unlock()

	for _, ev := range events {
		p.onEvent(ev)
	}
}
