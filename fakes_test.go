package gruporder

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gruporder/gruporder/internal/codec"
	"github.com/gruporder/gruporder/pkg/models"
	"github.com/gruporder/gruporder/pkg/realtime"
	"github.com/gruporder/gruporder/pkg/store"
)

// fakeChannel is an in-memory realtime.Channel. Tests push frames into
// it as if they arrived from the broker.
type fakeChannel struct {
	topic string

	mu           gosync.Mutex
	changeFn     func(realtime.ChangePayload)
	statusFn     func(realtime.Status)
	broadcastFns map[string]func([]byte)
	subscribed   bool
	sent         []sentBroadcast
}

type sentBroadcast struct {
	event   string
	payload []byte
}

func newFakeChannel(topic string) *fakeChannel {
	return &fakeChannel{topic: topic, broadcastFns: make(map[string]func([]byte))}
}

func (ch *fakeChannel) OnChange(fn func(realtime.ChangePayload)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.changeFn = fn
}

func (ch *fakeChannel) OnStatus(fn func(realtime.Status)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.statusFn = fn
}

func (ch *fakeChannel) OnBroadcast(event string, fn func([]byte)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.broadcastFns[event] = fn
}

// Subscribe acks immediately, like a healthy broker.
func (ch *fakeChannel) Subscribe() error {
	ch.mu.Lock()
	ch.subscribed = true
	fn := ch.statusFn
	ch.mu.Unlock()
	if fn != nil {
		fn(realtime.StatusSubscribed)
	}
	return nil
}

func (ch *fakeChannel) Broadcast(event string, payload any) error {
	data, err := codec.CBOR{}.Marshal(payload)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sent = append(ch.sent, sentBroadcast{event: event, payload: data})
	return nil
}

func (ch *fakeChannel) Unsubscribe() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.subscribed = false
	return nil
}

func (ch *fakeChannel) pushChange(t *testing.T, action string, entity any, previous any) {
	t.Helper()
	payload := realtime.ChangePayload{Action: action}
	if entity != nil {
		data, err := codec.CBOR{}.Marshal(entity)
		require.NoError(t, err)
		payload.New = data
	}
	if previous != nil {
		data, err := codec.CBOR{}.Marshal(previous)
		require.NoError(t, err)
		payload.Old = data
	}
	if action == string(realtime.ActionDelete) && entity != nil {
		payload.Old, payload.New = payload.New, nil
	}

	ch.mu.Lock()
	fn := ch.changeFn
	ch.mu.Unlock()
	require.NotNil(t, fn, "no change handler on %s", ch.topic)
	fn(payload)
}

func (ch *fakeChannel) pushStatus(status realtime.Status) {
	ch.mu.Lock()
	fn := ch.statusFn
	ch.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (ch *fakeChannel) pushBroadcast(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := codec.CBOR{}.Marshal(payload)
	require.NoError(t, err)

	ch.mu.Lock()
	fn := ch.broadcastFns[event]
	ch.mu.Unlock()
	require.NotNil(t, fn, "no broadcast handler for %s on %s", event, ch.topic)
	fn(data)
}

// fakeOpener hands out fakeChannels and remembers the latest channel
// per topic so tests can push frames into it.
type fakeOpener struct {
	mu       gosync.Mutex
	latest   map[string]*fakeChannel
	openErr  error
	closed   bool
	channels int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{latest: make(map[string]*fakeChannel)}
}

func (o *fakeOpener) Channel(topic string) (realtime.Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	ch := newFakeChannel(topic)
	o.latest[topic] = ch
	o.channels++
	return ch, nil
}

func (o *fakeOpener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

func (o *fakeOpener) channel(topic string) *fakeChannel {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest[topic]
}

// fakeStore is an in-memory store.Store.
type fakeStore struct {
	mu       gosync.Mutex
	sessions map[string]models.Session
	orders   map[string][]models.Order
	messages map[string][]models.ChatMessage

	createMessageErr error
	createOrderErr   error

	// afterCreateMessage runs after a message commits, outside the
	// store lock. Returning an error simulates a commit whose ack is
	// lost on the way back.
	afterCreateMessage func(models.ChatMessage) error
}

var _ store.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string]models.Session),
		orders:   make(map[string][]models.Order),
		messages: make(map[string][]models.ChatMessage),
	}
}

func (f *fakeStore) Migrate(context.Context) error { return nil }

func (f *fakeStore) CreateSession(_ context.Context, session *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session.ID.IsZero() {
		session.ID = models.NewSessionID()
	}
	f.sessions[session.ID.String()] = *session
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id models.SessionID) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[id.String()]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (f *fakeStore) UpdateMerchant(_ context.Context, merchant *models.Merchant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[merchant.SessionID.String()]
	if !ok {
		return store.ErrSessionNotFound
	}
	for i := range session.Merchants {
		if session.Merchants[i].ID == merchant.ID {
			session.Merchants[i] = *merchant
			f.sessions[merchant.SessionID.String()] = session
			return nil
		}
	}
	return errors.New("merchant not found")
}

func (f *fakeStore) ListOrders(_ context.Context, sessionID models.SessionID) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	orders := append([]models.Order(nil), f.orders[sessionID.String()]...)
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, nil
}

func (f *fakeStore) CreateOrder(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOrderErr != nil {
		return f.createOrderErr
	}
	if _, ok := f.sessions[order.SessionID.String()]; !ok {
		return store.ErrSessionNotFound
	}
	if order.ID.IsZero() {
		order.ID = models.NewOrderID()
	}
	order.Total = order.ComputeTotal()
	f.orders[order.SessionID.String()] = append(f.orders[order.SessionID.String()], *order)
	return nil
}

func (f *fakeStore) UpdateOrder(_ context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	orders := f.orders[order.SessionID.String()]
	for i := range orders {
		if orders[i].ID == order.ID {
			order.Total = order.ComputeTotal()
			orders[i] = *order
			return nil
		}
	}
	return store.ErrOrderNotFound
}

func (f *fakeStore) DeleteOrder(_ context.Context, id models.OrderID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sid, orders := range f.orders {
		for i := range orders {
			if orders[i].ID == id {
				f.orders[sid] = append(orders[:i], orders[i+1:]...)
				return nil
			}
		}
	}
	return store.ErrOrderNotFound
}

func (f *fakeStore) ListMessages(_ context.Context, sessionID models.SessionID) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := append([]models.ChatMessage(nil), f.messages[sessionID.String()]...)
	sort.Slice(messages, func(i, j int) bool { return messages[i].CreatedAt.Before(messages[j].CreatedAt) })
	return messages, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, message *models.ChatMessage) error {
	f.mu.Lock()
	if f.createMessageErr != nil {
		f.mu.Unlock()
		return f.createMessageErr
	}
	if _, ok := f.sessions[message.SessionID.String()]; !ok {
		f.mu.Unlock()
		return store.ErrSessionNotFound
	}
	f.messages[message.SessionID.String()] = append(f.messages[message.SessionID.String()], *message)
	hook := f.afterCreateMessage
	f.mu.Unlock()

	if hook != nil {
		return hook(*message)
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) setCreateMessageErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createMessageErr = err
}
