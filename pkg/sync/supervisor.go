package sync

import (
	gosync "sync"
	"time"

	"github.com/gruporder/gruporder/pkg/logger"
	"github.com/gruporder/gruporder/pkg/realtime"
)

// SupervisorConfig wires a Supervisor to one partition subscription.
type SupervisorConfig struct {
	// Name identifies the partition in logs (e.g. "orders:<session>").
	Name string

	// Subscribe establishes the live subscription. Called on start and
	// on every reconnection attempt, after Teardown.
	Subscribe func() error

	// Teardown releases the current subscription, if any. Must be safe
	// to call when nothing is subscribed.
	Teardown func() error

	// Retryer schedules reconnection attempts. Defaults to
	// NewExponentialBackoffRetryer.
	Retryer Retryer

	// OnStateChange is invoked after every ConnectionState transition,
	// outside the supervisor lock. Optional.
	OnStateChange func(ConnectionState)

	// OnFallback is invoked with true when the polling fallback should
	// start and false when it should stop, outside the supervisor lock.
	// Optional.
	OnFallback func(active bool)

	Logger logger.Logger
}

// Supervisor owns the lifecycle of one partition subscription. It holds
// at most one live subscription at a time: every reconnection attempt
// tears down the previous channel before opening a new one, so handlers
// never receive duplicate events from overlapping subscriptions.
//
// Failure handling is status-driven. The supervisor does not probe the
// transport; it reacts to the statuses the broker delivers through
// HandleStatus and schedules retries on its own timer.
type Supervisor struct {
	name          string
	subscribe     func() error
	teardown      func() error
	retryer       Retryer
	onStateChange func(ConnectionState)
	onFallback    func(active bool)
	logger        logger.Logger

	mu           gosync.Mutex
	state        State
	attempt      int
	retryTimer   *time.Timer
	retryPending bool
	fallbackOn   bool
}

// NewSupervisor creates a supervisor for one partition. Call Start to
// establish the initial subscription.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	retryer := cfg.Retryer
	if retryer == nil {
		retryer = NewExponentialBackoffRetryer()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Supervisor{
		name:          cfg.Name,
		subscribe:     cfg.Subscribe,
		teardown:      cfg.Teardown,
		retryer:       retryer,
		onStateChange: cfg.OnStateChange,
		onFallback:    cfg.OnFallback,
		logger:        log,
		state:         StateUnknown,
	}
}

// State returns the internal lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionState returns the UI-facing projection of the current state.
func (s *Supervisor) ConnectionState() ConnectionState {
	return s.State().ConnectionState()
}

// Start establishes the initial subscription. A failed initial
// subscribe is handled like any disconnection: the supervisor degrades
// and schedules a retry rather than returning the error.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if err := s.transitionTo(StateConnecting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.subscribe(); err != nil {
		s.logger.Warn("initial subscribe failed", "partition", s.name, "error", err)
		s.handleFailure(err)
	}
	return nil
}

// HandleStatus consumes broker status transitions for the supervised
// partition. Wire it as the feed client's status handler.
func (s *Supervisor) HandleStatus(status realtime.Status) {
	switch status {
	case realtime.StatusSubscribed:
		s.handleSubscribed()
	case realtime.StatusChannelError, realtime.StatusTimedOut, realtime.StatusClosed:
		s.handleFailure(nil)
	}
}

func (s *Supervisor) handleSubscribed() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	if err := s.transitionTo(StateConnected); err != nil {
		s.mu.Unlock()
		s.logger.Warn("ignoring subscribed ack", "partition", s.name, "error", err)
		return
	}
	s.attempt = 0
	s.retryer.Reset()
	s.cancelRetryLocked()
	notifyState := s.stateNotifierLocked()
	notifyFallback := s.setFallbackLocked(false)
	s.mu.Unlock()

	s.logger.Info("subscription established", "partition", s.name)
	notifyState()
	notifyFallback()
}

// handleFailure degrades the partition and schedules the next attempt.
// Repeated failure signals from the same dead connection are collapsed:
// while a retry is already pending the signal is ignored.
func (s *Supervisor) handleFailure(cause error) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateFailed || s.retryPending {
		s.mu.Unlock()
		return
	}

	delay, retry := s.retryer.NextDelay(s.attempt, cause)
	target := StateRetrying
	if !retry {
		target = StateFailed
	}
	if err := s.transitionTo(target); err != nil {
		s.mu.Unlock()
		s.logger.Warn("ignoring failure signal", "partition", s.name, "error", err)
		return
	}
	notifyState := s.stateNotifierLocked()
	notifyFallback := s.setFallbackLocked(true)

	if retry {
		attempt := s.attempt
		s.attempt++
		s.retryPending = true
		s.retryTimer = time.AfterFunc(delay, s.attemptReconnect)
		s.mu.Unlock()

		s.logger.Warn("subscription lost, retrying",
			"partition", s.name, "attempt", attempt+1, "delay", delay)
	} else {
		s.mu.Unlock()
		s.logger.Error("subscription failed, retries exhausted", "partition", s.name)
	}

	notifyState()
	notifyFallback()
}

// attemptReconnect runs on the retry timer. The previous subscription is
// torn down before the new subscribe so at most one is ever live.
func (s *Supervisor) attemptReconnect() {
	s.mu.Lock()
	if s.state != StateRetrying {
		s.mu.Unlock()
		return
	}
	s.retryPending = false
	s.mu.Unlock()

	if err := s.teardown(); err != nil {
		s.logger.Debug("teardown before retry", "partition", s.name, "error", err)
	}
	if err := s.subscribe(); err != nil {
		s.logger.Warn("reconnect attempt failed", "partition", s.name, "error", err)
		s.handleFailure(err)
		return
	}
	// Success is confirmed by the SUBSCRIBED ack through HandleStatus;
	// until then the partition stays degraded and keeps polling.
}

// Refresh forces an immediate resubscribe with a fresh attempt budget.
// It recovers a FAILED partition and is also safe to call while
// connected (e.g. when the app returns to the foreground).
func (s *Supervisor) Refresh() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if err := s.transitionTo(StateConnecting); err != nil {
		s.mu.Unlock()
		return err
	}
	s.attempt = 0
	s.retryer.Reset()
	s.cancelRetryLocked()
	notifyState := s.stateNotifierLocked()
	s.mu.Unlock()

	notifyState()

	if err := s.teardown(); err != nil {
		s.logger.Debug("teardown on refresh", "partition", s.name, "error", err)
	}
	if err := s.subscribe(); err != nil {
		s.logger.Warn("refresh subscribe failed", "partition", s.name, "error", err)
		s.handleFailure(err)
	}
	return nil
}

// Close tears down the subscription and stops all retry activity. The
// supervisor cannot be restarted afterwards.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	if err := s.transitionTo(StateClosed); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cancelRetryLocked()
	notifyFallback := s.setFallbackLocked(false)
	s.mu.Unlock()

	notifyFallback()
	return s.teardown()
}

// transitionTo must be called with the lock held.
func (s *Supervisor) transitionTo(newState State) error {
	if err := s.state.validateTransitionTo(newState); err != nil {
		return err
	}
	s.logger.Debug("state transition",
		"partition", s.name, "from", s.state.String(), "to", newState.String())
	s.state = newState
	return nil
}

// cancelRetryLocked must be called with the lock held.
func (s *Supervisor) cancelRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retryPending = false
}

// stateNotifierLocked snapshots the state for the OnStateChange callback
// so it can be invoked after the lock is released.
func (s *Supervisor) stateNotifierLocked() func() {
	if s.onStateChange == nil {
		return func() {}
	}
	fn := s.onStateChange
	cs := s.state.ConnectionState()
	return func() { fn(cs) }
}

// setFallbackLocked records the desired fallback state and returns the
// callback to run after the lock is released. No-op when unchanged.
func (s *Supervisor) setFallbackLocked(active bool) func() {
	if s.fallbackOn == active || s.onFallback == nil {
		s.fallbackOn = active
		return func() {}
	}
	s.fallbackOn = active
	fn := s.onFallback
	return func() { fn(active) }
}
