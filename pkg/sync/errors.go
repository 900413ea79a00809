package sync

import "errors"

var (
	// ErrNotDelivered reports that an optimistic mutation was rolled
	// back: the server write failed or no matching committed event
	// arrived before the delivery deadline.
	ErrNotDelivered = errors.New("message not delivered")

	// ErrClosed reports an operation on a torn-down session.
	ErrClosed = errors.New("session sync closed")
)
