package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gruporder/gruporder/internal/codec"
	"github.com/gruporder/gruporder/pkg/logger"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long the broker may stay silent before the
	// connection is considered timed out.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one websocket connection to the broker, multiplexing topic
// channels. All inbound dispatch happens on a single reader goroutine so
// per-topic frame order is preserved.
type Conn struct {
	ws          *websocket.Conn
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	logger      logger.Logger

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool

	writeMu sync.Mutex
	done    chan struct{}
}

var _ ChannelProvider = (*Conn)(nil)

// Dial connects to the broker and starts the reader and heartbeat
// goroutines. Frames are CBOR on the wire.
func Dial(ctx context.Context, url string, log logger.Logger) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: failed to dial broker: %w", err)
	}

	c := &Conn{
		ws:          ws,
		marshaler:   codec.CBOR{},
		unmarshaler: codec.CBOR{},
		logger:      log,
		channels:    make(map[string]*channel),
		done:        make(chan struct{}),
	}

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Channel returns a new channel for the topic. The channel is inert
// until Subscribe is called.
func (c *Conn) Channel(topic string) Channel {
	return &channel{
		conn:         c,
		topic:        topic,
		broadcastFns: make(map[string]func([]byte)),
	}
}

// IsClosed reports whether the connection is unusable, either closed
// locally or failed on read. A closed connection never recovers; dial a
// new one.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down the connection. All subscribed channels observe
// StatusClosed through the reader goroutine exiting.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)

	// Best effort close handshake; the peer may already be gone.
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *Conn) writeFrame(frame Frame) error {
	data, err := c.marshaler.Marshal(frame)
	if err != nil {
		return fmt.Errorf("realtime: failed to encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("realtime: failed to write frame: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.failAll(classifyReadError(err))
			return
		}

		var frame Frame
		if err := c.unmarshaler.Unmarshal(data, &frame); err != nil {
			// A malformed frame is a broker bug, not a reason to
			// kill the stream.
			c.logger.Warn("realtime: dropping undecodable frame", "error", err)
			continue
		}

		c.dispatch(frame)
	}
}

func (c *Conn) dispatch(frame Frame) {
	c.mu.Lock()
	ch := c.channels[frame.Topic]
	c.mu.Unlock()

	if ch == nil {
		c.logger.Debug("realtime: frame for unsubscribed topic", "topic", frame.Topic)
		return
	}

	switch frame.Type {
	case FrameAck:
		ch.notifyStatus(StatusSubscribed)
	case FrameChange:
		ch.notifyChange(ChangePayload{Action: frame.Event, New: frame.New, Old: frame.Old})
	case FrameBroadcast:
		ch.notifyBroadcast(frame.Event, frame.Payload)
	case FrameError:
		c.logger.Warn("realtime: broker channel error", "topic", frame.Topic, "reason", frame.Reason)
		ch.notifyStatus(StatusChannelError)
	default:
		c.logger.Debug("realtime: ignoring frame", "type", string(frame.Type))
	}
}

// failAll notifies every subscribed channel of a terminal connection
// status. The connection is unusable afterwards.
func (c *Conn) failAll(status Status) {
	c.mu.Lock()
	chs := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chs = append(chs, ch)
	}
	c.channels = make(map[string]*channel)
	c.closed = true
	c.mu.Unlock()

	for _, ch := range chs {
		ch.notifyStatus(status)
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// The read loop will observe the broken pipe and
				// notify subscribers.
				return
			}
		}
	}
}

// register installs ch as the sole channel for its topic, cleanly
// replacing any previous subscription so a topic can never hold two live
// subscriptions on one connection.
func (c *Conn) register(ch *channel) (replaced *channel, err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("realtime: connection is closed")
	}
	replaced = c.channels[ch.topic]
	c.channels[ch.topic] = ch
	c.mu.Unlock()
	return replaced, nil
}

func (c *Conn) unregister(ch *channel) {
	c.mu.Lock()
	if c.channels[ch.topic] == ch {
		delete(c.channels, ch.topic)
	}
	c.mu.Unlock()
}

func classifyReadError(err error) Status {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTimedOut
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return StatusClosed
	}
	return StatusChannelError
}
