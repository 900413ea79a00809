// Package feed turns raw broker change payloads into typed, validated
// events and owns the client side of one change-feed partition.
//
// Everything downstream of this package (reconciliation, materialized
// collections, the polling fallback) consumes the same [Event] shape, so
// none of it cares whether an event arrived over the live feed or was
// synthesized by a poll diff.
package feed

// EventKind tags the normalized change event union.
type EventKind string

const (
	KindInsert EventKind = "INSERT"
	KindUpdate EventKind = "UPDATE"
	KindDelete EventKind = "DELETE"
)

// Event is one normalized change. For KindUpdate and KindDelete,
// Previous carries the prior row when the broker supplied it. For
// KindDelete the Entity is the deleted row's last state.
type Event[T any] struct {
	Kind     EventKind
	Entity   T
	Previous *T
}

// EventFunc receives normalized events in per-partition commit order.
type EventFunc[T any] func(Event[T])
