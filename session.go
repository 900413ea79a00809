package gruporder

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/gruporder/gruporder/internal/codec"
	"github.com/gruporder/gruporder/pkg/feed"
	"github.com/gruporder/gruporder/pkg/logger"
	"github.com/gruporder/gruporder/pkg/models"
	"github.com/gruporder/gruporder/pkg/realtime"
	"github.com/gruporder/gruporder/pkg/store"
	syncx "github.com/gruporder/gruporder/pkg/sync"
)

// SessionSync is the live view of one session for one participant. It
// materializes the session's orders and chat messages, keeps them
// current through the change feed (or the polling fallback when
// degraded), sends mutations, and aggregates typing presence.
//
// All methods are safe for concurrent use. Callbacks registered through
// OnChange and OnConnectionState are invoked from internal goroutines;
// they must not call back into blocking SessionSync methods.
type SessionSync struct {
	session  models.Session
	userName string
	store    store.Store
	channels ChannelOpener
	logger   logger.Logger
	codec    codec.CBOR

	orders   *syncx.Collection[models.Order]
	messages *syncx.Collection[models.ChatMessage]

	ordersFeed   *feed.Client[models.Order]
	messagesFeed *feed.Client[models.ChatMessage]

	ordersSup   *syncx.Supervisor
	messagesSup *syncx.Supervisor
	typingSup   *syncx.Supervisor

	ordersPoll   *syncx.Poller[models.Order]
	messagesPoll *syncx.Poller[models.ChatMessage]

	tracker  *syncx.Tracker[models.ChatMessage]
	presence *syncx.Presence

	mu        gosync.Mutex
	typingCh  realtime.Channel
	onChange  func()
	onState   func(syncx.ConnectionState)
	lastState syncx.ConnectionState
	closed    bool
}

func newSessionSync(ctx context.Context, c *Client, session models.Session, userName string) (*SessionSync, error) {
	s := &SessionSync{
		session:   session,
		userName:  userName,
		store:     c.store,
		channels:  c.channels,
		logger:    c.logger,
		lastState: syncx.Connecting,
	}

	orderKey := func(o models.Order) string { return o.ID.String() }
	orderLess := func(a, b models.Order) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID.String() < b.ID.String()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	msgKey := func(m models.ChatMessage) string { return m.ID.String() }
	msgLess := func(a, b models.ChatMessage) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID.String() < b.ID.String()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}

	s.orders = syncx.NewCollection[models.Order](orderKey, orderLess)
	s.messages = syncx.NewCollection[models.ChatMessage](msgKey, msgLess)

	if err := s.loadInitial(ctx); err != nil {
		return nil, err
	}

	s.presence = syncx.NewPresence(userName, func([]string) { s.notifyChange() })
	s.tracker = syncx.NewTracker[models.ChatMessage](syncx.DefaultOptimisticDeadline, s.rollbackExpired)

	sessionID := session.ID.String()

	s.ordersFeed = feed.NewClient[models.Order](realtime.OrdersTopic(sessionID), s.openChannel(realtime.OrdersTopic(sessionID)), s.logger)
	s.ordersFeed.OnEvent(s.applyOrderEvent)
	s.ordersPoll = syncx.NewPoller[models.Order](syncx.DefaultPollInterval, s.listOrders, orderKey, s.applyOrderEvent, s.logger)
	s.ordersSup = syncx.NewSupervisor(syncx.SupervisorConfig{
		Name:          s.ordersFeed.Topic(),
		Subscribe:     s.ordersFeed.Subscribe,
		Teardown:      s.ordersFeed.Unsubscribe,
		OnStateChange: func(syncx.ConnectionState) { s.recomputeState() },
		OnFallback:    s.toggleOrdersPolling,
		Logger:        s.logger,
	})
	s.ordersFeed.OnStatus(s.ordersSup.HandleStatus)

	s.messagesFeed = feed.NewClient[models.ChatMessage](realtime.MessagesTopic(sessionID), s.openChannel(realtime.MessagesTopic(sessionID)), s.logger)
	s.messagesFeed.OnEvent(s.applyMessageEvent)
	s.messagesPoll = syncx.NewPoller[models.ChatMessage](syncx.DefaultPollInterval, s.listMessages, msgKey, s.applyMessageEvent, s.logger)
	s.messagesSup = syncx.NewSupervisor(syncx.SupervisorConfig{
		Name:          s.messagesFeed.Topic(),
		Subscribe:     s.messagesFeed.Subscribe,
		Teardown:      s.messagesFeed.Unsubscribe,
		OnStateChange: func(syncx.ConnectionState) { s.recomputeState() },
		OnFallback:    s.toggleMessagesPolling,
		Logger:        s.logger,
	})
	s.messagesFeed.OnStatus(s.messagesSup.HandleStatus)

	// Typing is broadcast-only: there is no row set to poll, so the
	// supervisor runs without a fallback. While degraded, presence is
	// simply absent.
	s.typingSup = syncx.NewSupervisor(syncx.SupervisorConfig{
		Name:          realtime.TypingTopic(sessionID),
		Subscribe:     s.subscribeTyping,
		Teardown:      s.teardownTyping,
		OnStateChange: func(syncx.ConnectionState) { s.recomputeState() },
		Logger:        s.logger,
	})

	s.presence.Start()
	if err := s.ordersSup.Start(); err != nil {
		return nil, err
	}
	if err := s.messagesSup.Start(); err != nil {
		return nil, err
	}
	if err := s.typingSup.Start(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SessionSync) loadInitial(ctx context.Context) error {
	orders, err := s.store.ListOrders(ctx, s.session.ID)
	if err != nil {
		return fmt.Errorf("gruporder: failed to load orders: %w", err)
	}
	messages, err := s.store.ListMessages(ctx, s.session.ID)
	if err != nil {
		return fmt.Errorf("gruporder: failed to load messages: %w", err)
	}
	s.orders.Reset(orders)
	s.messages.Reset(messages)
	return nil
}

// openChannel returns the ChannelFunc for a topic. Each call opens a
// channel on the current broker connection, redialing if the previous
// connection died.
func (s *SessionSync) openChannel(topic string) feed.ChannelFunc {
	return func() (realtime.Channel, error) {
		return s.channels.Channel(topic)
	}
}

// Session returns the joined session, including its merchants.
func (s *SessionSync) Session() models.Session {
	return s.session
}

// UserName returns the local participant's name.
func (s *SessionSync) UserName() string {
	return s.userName
}

// Orders returns the materialized orders, creation time ascending.
func (s *SessionSync) Orders() []models.Order {
	return s.orders.Snapshot()
}

// Messages returns the materialized chat, creation time ascending.
// Entries with Optimistic set are awaiting confirmation.
func (s *SessionSync) Messages() []models.ChatMessage {
	return s.messages.Snapshot()
}

// TypingUsers returns the other participants currently typing.
func (s *SessionSync) TypingUsers() []string {
	return s.presence.Typing()
}

// OnChange registers a callback fired after any change to the
// materialized state: orders, messages, or typing presence.
func (s *SessionSync) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// OnConnectionState registers a callback fired when the aggregate
// connection state changes.
func (s *SessionSync) OnConnectionState(fn func(syncx.ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// ConnectionState returns the aggregate state across the session's
// partitions: the worst individual state wins, so the UI shows degraded
// whenever any partition is degraded.
func (s *SessionSync) ConnectionState() syncx.ConnectionState {
	return worstState(
		s.ordersSup.ConnectionState(),
		s.messagesSup.ConnectionState(),
		s.typingSup.ConnectionState(),
	)
}

// CreateOrder places an order for customerName. The write is direct:
// no optimism, errors surface to the caller and the local view stays
// untouched on failure. The total is recomputed from the items.
func (s *SessionSync) CreateOrder(ctx context.Context, customerName, notes string, items []models.OrderItem) (*models.Order, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	order := &models.Order{
		ID:           models.NewOrderID(),
		SessionID:    s.session.ID,
		CustomerName: customerName,
		Notes:        notes,
		Items:        items,
	}
	order.Total = order.ComputeTotal()
	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("gruporder: failed to create order: %w", err)
	}

	// Materialize locally right away; the committed echo replaces this
	// entry by key instead of duplicating it.
	s.orders.Upsert(*order)
	s.notifyChange()
	return order, nil
}

// UpdateOrder replaces an order's fields and full item list. Any
// participant may edit any order.
func (s *SessionSync) UpdateOrder(ctx context.Context, order models.Order) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	order.SessionID = s.session.ID
	order.Total = order.ComputeTotal()
	if err := s.store.UpdateOrder(ctx, &order); err != nil {
		return fmt.Errorf("gruporder: failed to update order: %w", err)
	}
	s.orders.Upsert(order)
	s.notifyChange()
	return nil
}

// DeleteOrder removes an order. Any participant may delete any order.
func (s *SessionSync) DeleteOrder(ctx context.Context, id models.OrderID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.store.DeleteOrder(ctx, id); err != nil {
		return fmt.Errorf("gruporder: failed to delete order: %w", err)
	}
	if _, removed := s.orders.Remove(id.String()); removed {
		s.notifyChange()
	}
	return nil
}

// SendMessage sends a chat message optimistically: it appears in
// Messages immediately, flagged Optimistic, keyed by a client-generated
// idempotency key. The committed echo replaces the provisional entry in
// place. On write failure or deadline expiry the entry is rolled back
// and the error wraps [syncx.ErrNotDelivered].
func (s *SessionSync) SendMessage(ctx context.Context, body string) (*models.ChatMessage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	msg := models.ChatMessage{
		ID:         models.NewMessageID(),
		SessionID:  s.session.ID,
		SenderName: s.userName,
		Body:       body,
		Mentions:   models.ExtractMentions(body),
		CreatedAt:  time.Now(),
		Optimistic: true,
	}
	key := msg.ID.String()

	s.tracker.Begin(key, msg)
	s.messages.Upsert(msg)
	s.notifyChange()

	persisted := msg
	persisted.Optimistic = false
	if err := s.store.CreateMessage(ctx, &persisted); err != nil {
		if _, pending := s.tracker.Fail(key); !pending {
			// The entry was already resolved, either by the committed
			// echo racing ahead of the failed ack or by the deadline.
			// A confirmed row stays; a rolled-back one is already gone.
			if current, ok := s.messages.Get(key); ok {
				return &current, nil
			}
			return nil, fmt.Errorf("%w: %w", syncx.ErrNotDelivered, err)
		}
		s.messages.Remove(key)
		s.notifyChange()
		return nil, fmt.Errorf("%w: %w", syncx.ErrNotDelivered, err)
	}

	// The write is committed; the deadline no longer applies. If the
	// echo is lost the polling fallback re-delivers the row.
	s.tracker.Confirm(key)
	if current, ok := s.messages.Get(key); ok && current.Optimistic {
		current.Optimistic = false
		s.messages.Upsert(current)
		s.notifyChange()
	}
	return &persisted, nil
}

// SendTyping broadcasts a typing signal. Fire and forget: while the
// typing channel is down the signal is dropped.
func (s *SessionSync) SendTyping() error {
	return s.broadcastTyping(realtime.EventTyping)
}

// StopTyping broadcasts an explicit stop signal so peers clear the
// indicator before it would expire.
func (s *SessionSync) StopTyping() error {
	return s.broadcastTyping(realtime.EventStopTyping)
}

func (s *SessionSync) broadcastTyping(event string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	ch := s.typingCh
	s.mu.Unlock()
	if ch == nil {
		s.logger.Debug("typing signal dropped, channel down", "session", s.session.ID.String())
		return nil
	}
	return ch.Broadcast(event, models.TypingSignal{SenderName: s.userName, At: time.Now()})
}

// Refresh refetches both partitions from the store and forces all
// supervisors to resubscribe with a fresh attempt budget. Use it to
// recover a FAILED partition or on returning to the foreground.
func (s *SessionSync) Refresh(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.loadInitial(ctx); err != nil {
		return err
	}
	s.notifyChange()
	return errors.Join(
		s.ordersSup.Refresh(),
		s.messagesSup.Refresh(),
		s.typingSup.Refresh(),
	)
}

// Close tears the session view down synchronously: supervisor retry
// timers, polling tickers, optimistic deadlines and broker
// subscriptions are all stopped before it returns. Only this session's
// resources are touched; other sessions on the same client keep
// running.
func (s *SessionSync) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := errors.Join(
		s.ordersSup.Close(),
		s.messagesSup.Close(),
		s.typingSup.Close(),
	)
	s.ordersPoll.Stop()
	s.messagesPoll.Stop()
	s.tracker.Close()
	s.presence.Stop()
	return err
}

func (s *SessionSync) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return syncx.ErrClosed
	}
	return nil
}

func (s *SessionSync) applyOrderEvent(ev feed.Event[models.Order]) {
	s.orders.Apply(ev)
	s.notifyChange()
}

// applyMessageEvent folds a committed message event into the view. An
// insert whose key matches a pending optimistic entry confirms it; the
// upsert replaces the provisional entry in place, so the key never
// appears twice no matter which of ack and echo arrives first.
func (s *SessionSync) applyMessageEvent(ev feed.Event[models.ChatMessage]) {
	if ev.Kind == feed.KindInsert || ev.Kind == feed.KindUpdate {
		s.tracker.Confirm(ev.Entity.ID.String())
		ev.Entity.Optimistic = false
	}
	s.messages.Apply(ev)
	s.notifyChange()
}

// rollbackExpired removes an optimistic entry whose deadline passed
// without confirmation. The failure surfaces through the entry
// disappearing and the change callback; SendMessage has typically
// already returned an error by then.
func (s *SessionSync) rollbackExpired(key string, msg models.ChatMessage) {
	if _, removed := s.messages.Remove(key); removed {
		s.logger.Warn("message not delivered, rolled back",
			"session", s.session.ID.String(), "message", key)
		s.notifyChange()
	}
}

func (s *SessionSync) toggleOrdersPolling(active bool) {
	if active {
		s.ordersPoll.Start(s.orders.Snapshot())
	} else {
		s.ordersPoll.Stop()
	}
}

func (s *SessionSync) toggleMessagesPolling(active bool) {
	if active {
		s.messagesPoll.Start(s.messages.Snapshot())
	} else {
		s.messagesPoll.Stop()
	}
}

func (s *SessionSync) listOrders(ctx context.Context) ([]models.Order, error) {
	return s.store.ListOrders(ctx, s.session.ID)
}

func (s *SessionSync) listMessages(ctx context.Context) ([]models.ChatMessage, error) {
	return s.store.ListMessages(ctx, s.session.ID)
}

// subscribeTyping opens the typing channel, wires the presence
// handlers, and subscribes. Managed by the typing supervisor.
func (s *SessionSync) subscribeTyping() error {
	topic := realtime.TypingTopic(s.session.ID.String())
	ch, err := s.channels.Channel(topic)
	if err != nil {
		return err
	}
	ch.OnBroadcast(realtime.EventTyping, func(payload []byte) {
		var sig models.TypingSignal
		if err := s.codec.Unmarshal(payload, &sig); err != nil {
			s.logger.Debug("dropping undecodable typing signal", "error", err)
			return
		}
		s.presence.Observe(sig.SenderName)
	})
	ch.OnBroadcast(realtime.EventStopTyping, func(payload []byte) {
		var sig models.TypingSignal
		if err := s.codec.Unmarshal(payload, &sig); err != nil {
			return
		}
		s.presence.Clear(sig.SenderName)
	})
	ch.OnStatus(s.typingSup.HandleStatus)

	if err := ch.Subscribe(); err != nil {
		return err
	}

	s.mu.Lock()
	s.typingCh = ch
	s.mu.Unlock()
	return nil
}

func (s *SessionSync) teardownTyping() error {
	s.mu.Lock()
	ch := s.typingCh
	s.typingCh = nil
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Unsubscribe()
}

func (s *SessionSync) notifyChange() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// recomputeState re-aggregates after any partition transition and fires
// the state callback when the aggregate actually changed.
func (s *SessionSync) recomputeState() {
	aggregate := s.ConnectionState()

	s.mu.Lock()
	if aggregate == s.lastState {
		s.mu.Unlock()
		return
	}
	s.lastState = aggregate
	fn := s.onState
	s.mu.Unlock()

	if fn != nil {
		fn(aggregate)
	}
}

var stateRank = map[syncx.ConnectionState]int{
	syncx.Connected:       0,
	syncx.Connecting:      1,
	syncx.DegradedPolling: 2,
	syncx.Failed:          3,
}

func worstState(states ...syncx.ConnectionState) syncx.ConnectionState {
	worst := syncx.Connected
	for _, st := range states {
		if stateRank[st] > stateRank[worst] {
			worst = st
		}
	}
	return worst
}
