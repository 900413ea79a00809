package realtime

// Status reports the lifecycle of one subscribed topic. Statuses are
// recoverable signals, not errors: the subscriber (the reconnection
// supervisor) decides what to do with them.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusClosed       Status = "CLOSED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// ChangePayload is a raw committed change as delivered by the broker,
// before normalization into a typed event. New and Old are codec-encoded
// entity snapshots; Old is only present for UPDATE and DELETE.
type ChangePayload struct {
	Action string
	New    []byte
	Old    []byte
}

// Channel is one subscription to one topic.
//
// Handlers must be registered before Subscribe. All handlers for one
// connection are invoked from a single goroutine in arrival order, which
// preserves per-topic commit order end to end.
type Channel interface {
	OnChange(fn func(ChangePayload))
	OnBroadcast(event string, fn func(payload []byte))
	OnStatus(fn func(Status))

	Subscribe() error
	// Broadcast publishes an ephemeral event to the topic's other
	// subscribers. Fire and forget: no delivery guarantee, and the
	// sender never hears its own broadcast.
	Broadcast(event string, payload any) error
	Unsubscribe() error
}

// ChannelProvider hands out channels. Implemented by *Conn and by test
// fakes.
type ChannelProvider interface {
	Channel(topic string) Channel
}
