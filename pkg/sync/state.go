// Package sync implements the realtime consistency core: per-partition
// reconnection supervision with capped exponential backoff, a polling
// fallback that feeds consumers the same event shape as the live feed,
// optimistic mutation tracking with idempotency-key reconciliation, and
// ephemeral typing presence.
package sync

import "fmt"

// State is the internal lifecycle of one supervised partition
// subscription. Retrying is the internal sub-state of the degraded path;
// the UI-facing projection is [ConnectionState].
type State int

const (
	StateUnknown State = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateFailed
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateUnknown:
		return "Unknown"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateRetrying:
		return "Retrying"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateUnknown:
		if newState == StateConnecting {
			return nil
		}
	case StateConnecting:
		switch newState {
		// Connecting to Connecting happens when a refresh lands while
		// the initial subscribe is still in flight.
		case StateConnecting, StateConnected, StateRetrying, StateClosed:
			return nil
		}
	case StateConnected:
		switch newState {
		// Connected to Connecting happens on a manual refresh.
		case StateConnecting, StateRetrying, StateClosed:
			return nil
		}
	case StateRetrying:
		switch newState {
		case StateConnecting, StateConnected, StateRetrying, StateFailed, StateClosed:
			return nil
		}
	case StateFailed:
		switch newState {
		// Failed is only left by a manual refresh or teardown.
		case StateConnecting, StateClosed:
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

// ConnectionState is the per-partition status surfaced to the UI. It is
// a projection of the internal state: retrying and failed both serve
// data through the polling fallback, the indicator is the only
// difference.
type ConnectionState string

const (
	Connecting      ConnectionState = "CONNECTING"
	Connected       ConnectionState = "CONNECTED"
	DegradedPolling ConnectionState = "DEGRADED_POLLING"
	Failed          ConnectionState = "FAILED"
)

func (s State) ConnectionState() ConnectionState {
	switch s {
	case StateConnected:
		return Connected
	case StateRetrying:
		return DegradedPolling
	case StateFailed:
		return Failed
	default:
		return Connecting
	}
}
