package realtime

import (
	"fmt"
	"sync"
)

// channel is the Conn-backed Channel implementation. Handler
// registration happens before Subscribe; after that, handlers are only
// invoked from the connection's reader goroutine.
type channel struct {
	conn  *Conn
	topic string

	mu           sync.Mutex
	changeFn     func(ChangePayload)
	statusFn     func(Status)
	broadcastFns map[string]func([]byte)
	subscribed   bool
}

var _ Channel = (*channel)(nil)

func (ch *channel) OnChange(fn func(ChangePayload)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.changeFn = fn
}

func (ch *channel) OnStatus(fn func(Status)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.statusFn = fn
}

func (ch *channel) OnBroadcast(event string, fn func(payload []byte)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broadcastFns[event] = fn
}

// Subscribe registers the channel on the connection and sends the join
// frame. A previous channel on the same topic is torn down first, so a
// second Subscribe never leaves two live subscriptions behind.
func (ch *channel) Subscribe() error {
	replaced, err := ch.conn.register(ch)
	if err != nil {
		return err
	}
	if replaced != nil && replaced != ch {
		replaced.notifyStatus(StatusClosed)
	}

	if err := ch.conn.writeFrame(Frame{Type: FrameJoin, Topic: ch.topic}); err != nil {
		ch.conn.unregister(ch)
		return err
	}

	ch.mu.Lock()
	ch.subscribed = true
	ch.mu.Unlock()
	return nil
}

func (ch *channel) Broadcast(event string, payload any) error {
	ch.mu.Lock()
	subscribed := ch.subscribed
	ch.mu.Unlock()
	if !subscribed {
		return fmt.Errorf("realtime: broadcast on unsubscribed topic %q", ch.topic)
	}

	data, err := ch.conn.marshaler.Marshal(payload)
	if err != nil {
		return fmt.Errorf("realtime: failed to encode broadcast payload: %w", err)
	}
	return ch.conn.writeFrame(Frame{
		Type:    FrameBroadcast,
		Topic:   ch.topic,
		Event:   event,
		Payload: data,
	})
}

func (ch *channel) Unsubscribe() error {
	ch.mu.Lock()
	wasSubscribed := ch.subscribed
	ch.subscribed = false
	ch.mu.Unlock()

	if !wasSubscribed {
		return nil
	}

	ch.conn.unregister(ch)
	// Leave is advisory; the broker drops the registration either way
	// when the connection goes.
	return ch.conn.writeFrame(Frame{Type: FrameLeave, Topic: ch.topic})
}

func (ch *channel) notifyChange(payload ChangePayload) {
	ch.mu.Lock()
	fn := ch.changeFn
	ch.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (ch *channel) notifyStatus(status Status) {
	ch.mu.Lock()
	fn := ch.statusFn
	ch.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (ch *channel) notifyBroadcast(event string, payload []byte) {
	ch.mu.Lock()
	fn := ch.broadcastFns[event]
	ch.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}
