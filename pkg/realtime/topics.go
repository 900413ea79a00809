package realtime

// Topic names are shared between the client and the broker. Each
// session has three partitions; change feeds flow on orders and
// messages, typing uses broadcast only.

func OrdersTopic(sessionID string) string   { return "orders:" + sessionID }
func MessagesTopic(sessionID string) string { return "messages:" + sessionID }
func TypingTopic(sessionID string) string   { return "typing:" + sessionID }

// Broadcast event names on the typing topic.
const (
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
)
