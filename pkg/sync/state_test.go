package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	valid := []struct{ from, to State }{
		{StateUnknown, StateConnecting},
		{StateConnecting, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnecting, StateRetrying},
		{StateConnected, StateRetrying},
		{StateConnected, StateConnecting},
		{StateRetrying, StateRetrying},
		{StateRetrying, StateConnected},
		{StateRetrying, StateFailed},
		{StateFailed, StateConnecting},
		{StateFailed, StateClosed},
		{StateConnected, StateClosed},
	}
	for _, tc := range valid {
		assert.NoError(t, tc.from.validateTransitionTo(tc.to), "%v -> %v", tc.from, tc.to)
	}

	invalid := []struct{ from, to State }{
		{StateUnknown, StateConnected},
		{StateConnecting, StateFailed},
		{StateConnected, StateFailed},
		{StateFailed, StateConnected},
		{StateFailed, StateRetrying},
		{StateClosed, StateConnecting},
		{StateClosed, StateConnected},
	}
	for _, tc := range invalid {
		assert.Error(t, tc.from.validateTransitionTo(tc.to), "%v -> %v", tc.from, tc.to)
	}
}

func TestConnectionStateProjection(t *testing.T) {
	assert.Equal(t, Connecting, StateUnknown.ConnectionState())
	assert.Equal(t, Connecting, StateConnecting.ConnectionState())
	assert.Equal(t, Connected, StateConnected.ConnectionState())
	assert.Equal(t, DegradedPolling, StateRetrying.ConnectionState())
	assert.Equal(t, Failed, StateFailed.ConnectionState())
}
