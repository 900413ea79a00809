// Package realtime is the client for the session-scoped realtime broker.
//
// A single websocket connection multiplexes any number of topics. A topic
// is one partition of one session, e.g. "orders:<session-id>". Two kinds
// of traffic flow over a topic: change frames, which mirror committed
// store changes in commit order, and broadcast frames, which are
// ephemeral, unordered and undelivered-on-loss (typing presence only).
package realtime

// FrameType discriminates wire frames.
type FrameType string

const (
	// FrameJoin subscribes the connection to a topic.
	FrameJoin FrameType = "join"
	// FrameLeave unsubscribes the connection from a topic.
	FrameLeave FrameType = "leave"
	// FrameAck acknowledges a join; the topic is live from this point.
	FrameAck FrameType = "ack"
	// FrameChange carries one committed store change.
	FrameChange FrameType = "change"
	// FrameBroadcast carries an ephemeral fire-and-forget event.
	FrameBroadcast FrameType = "broadcast"
	// FrameError reports a broker-side channel fault for a topic.
	FrameError FrameType = "error"
)

// Frame is the single wire message shape, encoded with the configured
// codec. Entity payloads are pre-encoded byte slices so the frame layer
// stays agnostic of entity types.
type Frame struct {
	Type  FrameType `cbor:"type"`
	Topic string    `cbor:"topic,omitempty"`
	// Event is the change action (INSERT/UPDATE/DELETE) for change
	// frames, or the application event name for broadcast frames.
	Event   string `cbor:"event,omitempty"`
	New     []byte `cbor:"new,omitempty"`
	Old     []byte `cbor:"old,omitempty"`
	Payload []byte `cbor:"payload,omitempty"`
	Reason  string `cbor:"reason,omitempty"`
}

// Change actions carried in Frame.Event for FrameChange frames.
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)
