package sync

import (
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gruporder/gruporder/pkg/realtime"
)

// supervisorHarness fakes the partition subscription underneath a
// Supervisor and records every lifecycle call.
type supervisorHarness struct {
	mu             gosync.Mutex
	subscribeErr   error
	subscribeCalls int
	teardownCalls  int
	fallback       []bool
	states         []ConnectionState
}

func (h *supervisorHarness) subscribe() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeCalls++
	return h.subscribeErr
}

func (h *supervisorHarness) teardown() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardownCalls++
	return nil
}

func (h *supervisorHarness) onFallback(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fallback = append(h.fallback, active)
}

func (h *supervisorHarness) onState(cs ConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, cs)
}

func (h *supervisorHarness) setSubscribeErr(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeErr = err
}

func (h *supervisorHarness) counts() (subscribes, teardowns int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeCalls, h.teardownCalls
}

func (h *supervisorHarness) lastFallback() (bool, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.fallback) == 0 {
		return false, false
	}
	return h.fallback[len(h.fallback)-1], true
}

func newTestSupervisor(h *supervisorHarness, retryer Retryer) *Supervisor {
	return NewSupervisor(SupervisorConfig{
		Name:          "orders:test",
		Subscribe:     h.subscribe,
		Teardown:      h.teardown,
		Retryer:       retryer,
		OnStateChange: h.onState,
		OnFallback:    h.onFallback,
	})
}

func TestSupervisor_ConnectsOnAck(t *testing.T) {
	h := &supervisorHarness{}
	s := newTestSupervisor(h, NewFixedDelayRetryer(time.Millisecond, 3))
	defer s.Close()

	require.NoError(t, s.Start())
	assert.Equal(t, Connecting, s.ConnectionState())

	s.HandleStatus(realtime.StatusSubscribed)
	assert.Equal(t, Connected, s.ConnectionState())

	subscribes, _ := h.counts()
	assert.Equal(t, 1, subscribes)
	_, any := h.lastFallback()
	assert.False(t, any, "fallback should never activate on a clean connect")
}

func TestSupervisor_DegradesAndRecovers(t *testing.T) {
	h := &supervisorHarness{}
	s := newTestSupervisor(h, NewFixedDelayRetryer(time.Millisecond, 10))
	defer s.Close()

	require.NoError(t, s.Start())
	s.HandleStatus(realtime.StatusSubscribed)

	s.HandleStatus(realtime.StatusChannelError)
	assert.Equal(t, DegradedPolling, s.ConnectionState())
	active, ok := h.lastFallback()
	require.True(t, ok)
	assert.True(t, active, "fallback should activate on degradation")

	// The retry fires, resubscribes, and the ack restores Connected.
	require.Eventually(t, func() bool {
		subscribes, _ := h.counts()
		return subscribes >= 2
	}, time.Second, time.Millisecond)

	s.HandleStatus(realtime.StatusSubscribed)
	assert.Equal(t, Connected, s.ConnectionState())
	active, _ = h.lastFallback()
	assert.False(t, active, "fallback should deactivate on recovery")

	_, teardowns := h.counts()
	assert.GreaterOrEqual(t, teardowns, 1, "previous channel must be torn down before resubscribing")
}

func TestSupervisor_FailsAfterExhaustedRetries(t *testing.T) {
	h := &supervisorHarness{subscribeErr: errors.New("broker unreachable")}
	s := newTestSupervisor(h, NewFixedDelayRetryer(time.Millisecond, 3))
	defer s.Close()

	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		return s.ConnectionState() == Failed
	}, time.Second, time.Millisecond)

	// 1 initial + 3 retries, then no further attempts.
	subscribes, _ := h.counts()
	assert.Equal(t, 4, subscribes)

	active, ok := h.lastFallback()
	require.True(t, ok)
	assert.True(t, active, "fallback must stay active in the failed state")

	time.Sleep(20 * time.Millisecond)
	after, _ := h.counts()
	assert.Equal(t, subscribes, after, "failed partitions must not keep retrying")
}

func TestSupervisor_RefreshRecoversFailedPartition(t *testing.T) {
	h := &supervisorHarness{subscribeErr: errors.New("broker unreachable")}
	s := newTestSupervisor(h, NewFixedDelayRetryer(time.Millisecond, 1))
	defer s.Close()

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool {
		return s.ConnectionState() == Failed
	}, time.Second, time.Millisecond)

	h.setSubscribeErr(nil)
	require.NoError(t, s.Refresh())
	s.HandleStatus(realtime.StatusSubscribed)
	assert.Equal(t, Connected, s.ConnectionState())
}

func TestSupervisor_RefreshWhileConnecting(t *testing.T) {
	h := &supervisorHarness{}
	s := newTestSupervisor(h, NewFixedDelayRetryer(time.Millisecond, 3))
	defer s.Close()

	// No ack yet: the partition is still Connecting when the refresh
	// lands (a reconnect button pressed during initial connect).
	require.NoError(t, s.Start())
	require.Equal(t, Connecting, s.ConnectionState())

	require.NoError(t, s.Refresh())
	assert.Equal(t, Connecting, s.ConnectionState())

	subscribes, teardowns := h.counts()
	assert.Equal(t, 2, subscribes)
	assert.Equal(t, 1, teardowns, "refresh replaces the in-flight subscription")

	s.HandleStatus(realtime.StatusSubscribed)
	assert.Equal(t, Connected, s.ConnectionState())
}

func TestSupervisor_CollapsesRepeatedFailureSignals(t *testing.T) {
	h := &supervisorHarness{}
	s := newTestSupervisor(h, NewFixedDelayRetryer(50*time.Millisecond, 5))
	defer s.Close()

	require.NoError(t, s.Start())
	s.HandleStatus(realtime.StatusSubscribed)

	// A dying connection emits several statuses for the same outage.
	s.HandleStatus(realtime.StatusChannelError)
	s.HandleStatus(realtime.StatusClosed)
	s.HandleStatus(realtime.StatusTimedOut)

	time.Sleep(10 * time.Millisecond)
	subscribes, _ := h.counts()
	assert.Equal(t, 1, subscribes, "one outage schedules one retry")
}

func TestSupervisor_CloseStopsRetries(t *testing.T) {
	h := &supervisorHarness{subscribeErr: errors.New("broker unreachable")}
	s := newTestSupervisor(h, NewFixedDelayRetryer(5*time.Millisecond, 0))

	require.NoError(t, s.Start())
	require.NoError(t, s.Close())

	subscribes, _ := h.counts()
	time.Sleep(25 * time.Millisecond)
	after, _ := h.counts()
	assert.Equal(t, subscribes, after)
	assert.Equal(t, StateClosed, s.State())
}
