package feed

import (
	"fmt"
	"sync"

	"github.com/gruporder/gruporder/internal/codec"
	"github.com/gruporder/gruporder/pkg/logger"
	"github.com/gruporder/gruporder/pkg/realtime"
)

// ChannelFunc opens a fresh broker channel for the partition's topic.
// Called on every (re)subscribe, because channels die with their
// underlying connection.
type ChannelFunc func() (realtime.Channel, error)

// StatusFunc receives broker status transitions for the partition.
type StatusFunc func(realtime.Status)

// Client is the change-feed client for one partition. The registered
// event and status handlers are stable: resubscribing swaps the
// underlying broker channel while consumers keep their callbacks, so
// reconnection is invisible downstream.
//
// At most one broker channel is live at any time; Subscribe always tears
// down the previous one first.
type Client[T any] struct {
	topic       string
	channelFunc ChannelFunc
	unmarshaler codec.Unmarshaler
	logger      logger.Logger

	onEvent  EventFunc[T]
	onStatus StatusFunc
	kinds    map[EventKind]bool

	mu      sync.Mutex
	current realtime.Channel
}

// NewClient constructs an inert client; nothing happens until Subscribe.
// If kinds is empty, all event kinds pass.
func NewClient[T any](topic string, channelFunc ChannelFunc, log logger.Logger, kinds ...EventKind) *Client[T] {
	kindSet := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	return &Client[T]{
		topic:       topic,
		channelFunc: channelFunc,
		unmarshaler: codec.CBOR{},
		logger:      log,
		kinds:       kindSet,
	}
}

// OnEvent registers the stable event handler. Must be called before
// Subscribe.
func (c *Client[T]) OnEvent(fn EventFunc[T]) {
	c.onEvent = fn
}

// OnStatus registers the stable status handler. Must be called before
// Subscribe.
func (c *Client[T]) OnStatus(fn StatusFunc) {
	c.onStatus = fn
}

// Topic returns the partition topic this client is bound to.
func (c *Client[T]) Topic() string {
	return c.topic
}

// Subscribe opens the broker channel and starts delivering normalized
// events. Calling it while already subscribed replaces the old channel;
// it never stacks a second live subscription for the partition.
func (c *Client[T]) Subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		if err := c.current.Unsubscribe(); err != nil {
			c.logger.Debug("feed: old channel teardown failed", "topic", c.topic, "error", err)
		}
		c.current = nil
	}

	ch, err := c.channelFunc()
	if err != nil {
		return fmt.Errorf("feed: failed to open channel for %q: %w", c.topic, err)
	}

	ch.OnChange(c.handleChange)
	if c.onStatus != nil {
		ch.OnStatus(c.onStatus)
	}

	if err := ch.Subscribe(); err != nil {
		return fmt.Errorf("feed: failed to subscribe to %q: %w", c.topic, err)
	}

	c.current = ch
	return nil
}

// Unsubscribe releases the live channel, if any. Idempotent.
func (c *Client[T]) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return nil
	}
	err := c.current.Unsubscribe()
	c.current = nil
	return err
}

// handleChange normalizes a raw broker payload into a typed event.
// Malformed payloads are logged and dropped at this boundary; nothing
// dynamic ever reaches downstream consumers.
func (c *Client[T]) handleChange(payload realtime.ChangePayload) {
	kind := EventKind(payload.Action)
	switch kind {
	case KindInsert, KindUpdate, KindDelete:
	default:
		c.logger.Warn("feed: dropping event with unknown action", "topic", c.topic, "action", payload.Action)
		return
	}
	if len(c.kinds) > 0 && !c.kinds[kind] {
		return
	}

	var event Event[T]
	event.Kind = kind

	// DELETE may carry the row only in Old, depending on the broker.
	entitySrc := payload.New
	if len(entitySrc) == 0 {
		entitySrc = payload.Old
	}
	if err := c.unmarshaler.Unmarshal(entitySrc, &event.Entity); err != nil {
		c.logger.Warn("feed: dropping undecodable event", "topic", c.topic, "kind", string(kind), "error", err)
		return
	}

	if len(payload.Old) > 0 && len(payload.New) > 0 {
		var prev T
		if err := c.unmarshaler.Unmarshal(payload.Old, &prev); err != nil {
			c.logger.Debug("feed: ignoring undecodable previous row", "topic", c.topic, "error", err)
		} else {
			event.Previous = &prev
		}
	}

	if c.onEvent != nil {
		c.onEvent(event)
	}
}
