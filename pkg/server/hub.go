package server

import (
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gruporder/gruporder/internal/codec"
	"github.com/gruporder/gruporder/pkg/logger"
	"github.com/gruporder/gruporder/pkg/realtime"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = (hubPongWait * 9) / 10

	// sendBuffer is the per-subscriber outbound queue. A subscriber
	// that cannot drain it is dropped rather than allowed to stall the
	// fan-out.
	sendBuffer = 64
)

// Hub is the broker side of the realtime protocol: it tracks which
// websocket subscriber joined which topic, fans committed store changes
// out in commit order, and relays broadcast frames to a topic's other
// subscribers.
type Hub struct {
	logger   logger.Logger
	upgrader websocket.Upgrader
	codec    codec.CBOR

	mu     gosync.Mutex
	topics map[string]map[*subscriber]struct{}
}

func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		logger: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		topics: make(map[string]map[*subscriber]struct{}),
	}
}

// PublishChange fans one committed change out to the topic's
// subscribers. Calls are serialized, so every subscriber observes the
// same order, which is the commit order as long as writers publish
// under the same commit sequence they write in.
func (h *Hub) PublishChange(topic, action string, newEntity, oldEntity any) {
	frame := realtime.Frame{Type: realtime.FrameChange, Topic: topic, Event: action}
	if newEntity != nil {
		data, err := h.codec.Marshal(newEntity)
		if err != nil {
			h.logger.Error("hub: failed to encode change", "topic", topic, "error", err)
			return
		}
		frame.New = data
	}
	if oldEntity != nil {
		data, err := h.codec.Marshal(oldEntity)
		if err != nil {
			h.logger.Error("hub: failed to encode change", "topic", topic, "error", err)
			return
		}
		frame.Old = data
	}

	data, err := h.codec.Marshal(frame)
	if err != nil {
		h.logger.Error("hub: failed to encode frame", "topic", topic, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.topics[topic] {
		sub.enqueue(data)
	}
}

// ServeWS upgrades the request to a websocket subscriber scoped to
// sessionID: the connection may only join that session's topics.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("hub: upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		hub:       h,
		ws:        ws,
		sessionID: sessionID,
		send:      make(chan []byte, sendBuffer),
		joined:    make(map[string]struct{}),
	}
	go sub.writePump()
	go sub.readPump()
}

func (h *Hub) subscribe(sub *subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*subscriber]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
}

func (h *Hub) unsubscribe(sub *subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// relayBroadcast forwards an ephemeral frame to every other subscriber
// of the topic. The sender is excluded; clients never hear their own
// broadcasts.
func (h *Hub) relayBroadcast(from *subscriber, frame realtime.Frame) {
	data, err := h.codec.Marshal(frame)
	if err != nil {
		h.logger.Warn("hub: failed to encode broadcast", "topic", frame.Topic, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.topics[frame.Topic] {
		if sub == from {
			continue
		}
		sub.enqueue(data)
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	for topic, subs := range h.topics {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// subscriber is one websocket peer. readPump consumes control frames
// (join/leave/broadcast), writePump serializes all outbound traffic.
type subscriber struct {
	hub       *Hub
	ws        *websocket.Conn
	sessionID string
	send      chan []byte

	mu     gosync.Mutex
	joined map[string]struct{}
	closed bool
}

// enqueue hands a pre-encoded frame to the writer. A full queue means
// the peer is too slow to keep the feed consistent; it gets dropped and
// will reconnect through its supervisor.
func (s *subscriber) enqueue(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.send <- data:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.hub.logger.Warn("hub: dropping slow subscriber", "session", s.sessionID)
		go s.hub.drop(s)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.send)
}

// allowedTopic restricts a connection to the session it authenticated
// for: every topic is "<partition>:<session-id>".
func (s *subscriber) allowedTopic(topic string) bool {
	return strings.HasSuffix(topic, ":"+s.sessionID)
}

func (s *subscriber) readPump() {
	defer s.hub.drop(s)

	_ = s.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame realtime.Frame
		if err := s.hub.codec.Unmarshal(data, &frame); err != nil {
			s.hub.logger.Warn("hub: dropping undecodable frame", "session", s.sessionID, "error", err)
			continue
		}

		switch frame.Type {
		case realtime.FrameJoin:
			s.handleJoin(frame.Topic)
		case realtime.FrameLeave:
			s.mu.Lock()
			delete(s.joined, frame.Topic)
			s.mu.Unlock()
			s.hub.unsubscribe(s, frame.Topic)
		case realtime.FrameBroadcast:
			s.mu.Lock()
			_, member := s.joined[frame.Topic]
			s.mu.Unlock()
			if member {
				s.hub.relayBroadcast(s, frame)
			}
		default:
			s.hub.logger.Debug("hub: ignoring frame", "type", string(frame.Type))
		}
	}
}

func (s *subscriber) handleJoin(topic string) {
	if !s.allowedTopic(topic) {
		s.reply(realtime.Frame{Type: realtime.FrameError, Topic: topic, Reason: "topic outside session scope"})
		return
	}
	s.mu.Lock()
	s.joined[topic] = struct{}{}
	s.mu.Unlock()
	s.hub.subscribe(s, topic)
	s.reply(realtime.Frame{Type: realtime.FrameAck, Topic: topic})
}

func (s *subscriber) reply(frame realtime.Frame) {
	data, err := s.hub.codec.Marshal(frame)
	if err != nil {
		return
	}
	s.enqueue(data)
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			if !ok {
				_ = s.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(hubWriteWait))
				return
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := s.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
