package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gruporder/gruporder/internal/codec"
	"github.com/gruporder/gruporder/pkg/logger"
)

const waitFor = 5 * time.Second

// testBroker is a minimal scripted peer: it acknowledges every join and
// lets tests push arbitrary frames down the wire.
type testBroker struct {
	srv   *httptest.Server
	conns chan *testPeer
}

type testPeer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	b := &testBroker{conns: make(chan *testPeer, 4)}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		peer := &testPeer{ws: ws}
		b.conns <- peer
		go peer.readLoop()
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBroker) dial(t *testing.T) (*Conn, *testPeer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	url := "ws" + strings.TrimPrefix(b.srv.URL, "http")
	conn, err := Dial(ctx, url, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	select {
	case peer := <-b.conns:
		return conn, peer
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for server side of the connection")
		return nil, nil
	}
}

func (p *testPeer) readLoop() {
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := (codec.CBOR{}).Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == FrameJoin {
			p.send(Frame{Type: FrameAck, Topic: frame.Topic})
		}
	}
}

func (p *testPeer) send(frame Frame) {
	data, err := codec.CBOR{}.Marshal(frame)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (p *testPeer) closeNormally() {
	p.mu.Lock()
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.mu.Unlock()
	_ = p.ws.Close()
}

func collectStatuses() (func(Status), chan Status) {
	ch := make(chan Status, 8)
	return func(s Status) { ch <- s }, ch
}

func waitStatus(t *testing.T, ch chan Status, want Status) {
	t.Helper()
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-time.After(waitFor):
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func TestConn_SubscribeIsAcknowledged(t *testing.T) {
	broker := newTestBroker(t)
	conn, _ := broker.dial(t)

	statusFn, statuses := collectStatuses()
	ch := conn.Channel("orders:s1")
	ch.OnStatus(statusFn)
	require.NoError(t, ch.Subscribe())

	waitStatus(t, statuses, StatusSubscribed)
}

func TestConn_DispatchesByTopic(t *testing.T) {
	broker := newTestBroker(t)
	conn, peer := broker.dial(t)

	ordersCh := make(chan ChangePayload, 4)
	orders := conn.Channel("orders:s1")
	orders.OnChange(func(p ChangePayload) { ordersCh <- p })
	require.NoError(t, orders.Subscribe())

	messagesCh := make(chan ChangePayload, 4)
	messages := conn.Channel("messages:s1")
	messages.OnChange(func(p ChangePayload) { messagesCh <- p })
	require.NoError(t, messages.Subscribe())

	peer.send(Frame{Type: FrameChange, Topic: "messages:s1", Event: ActionInsert, New: []byte{0x01}})
	peer.send(Frame{Type: FrameChange, Topic: "orders:s1", Event: ActionUpdate, New: []byte{0x02}})

	select {
	case p := <-messagesCh:
		assert.Equal(t, ActionInsert, p.Action)
	case <-time.After(waitFor):
		t.Fatal("message channel got nothing")
	}
	select {
	case p := <-ordersCh:
		assert.Equal(t, ActionUpdate, p.Action)
	case <-time.After(waitFor):
		t.Fatal("order channel got nothing")
	}
	assert.Empty(t, messagesCh)
}

func TestConn_BroadcastDelivery(t *testing.T) {
	broker := newTestBroker(t)
	conn, peer := broker.dial(t)

	got := make(chan []byte, 4)
	ch := conn.Channel("typing:s1")
	ch.OnBroadcast("typing", func(payload []byte) { got <- payload })
	require.NoError(t, ch.Subscribe())

	payload, err := codec.CBOR{}.Marshal(map[string]string{"sender_name": "Ana"})
	require.NoError(t, err)
	peer.send(Frame{Type: FrameBroadcast, Topic: "typing:s1", Event: "typing", Payload: payload})

	select {
	case data := <-got:
		var decoded map[string]string
		require.NoError(t, codec.CBOR{}.Unmarshal(data, &decoded))
		assert.Equal(t, "Ana", decoded["sender_name"])
	case <-time.After(waitFor):
		t.Fatal("broadcast not delivered")
	}
}

func TestConn_BroadcastRequiresSubscription(t *testing.T) {
	broker := newTestBroker(t)
	conn, _ := broker.dial(t)

	ch := conn.Channel("typing:s1")
	assert.Error(t, ch.Broadcast("typing", map[string]string{}))
}

func TestConn_ErrorFrameSignalsChannelError(t *testing.T) {
	broker := newTestBroker(t)
	conn, peer := broker.dial(t)

	statusFn, statuses := collectStatuses()
	ch := conn.Channel("orders:s1")
	ch.OnStatus(statusFn)
	require.NoError(t, ch.Subscribe())
	waitStatus(t, statuses, StatusSubscribed)

	peer.send(Frame{Type: FrameError, Topic: "orders:s1", Reason: "shard moved"})
	waitStatus(t, statuses, StatusChannelError)
}

func TestConn_PeerCloseNotifiesAllChannels(t *testing.T) {
	broker := newTestBroker(t)
	conn, peer := broker.dial(t)

	statusFn, statuses := collectStatuses()
	ch := conn.Channel("orders:s1")
	ch.OnStatus(statusFn)
	require.NoError(t, ch.Subscribe())
	waitStatus(t, statuses, StatusSubscribed)

	peer.closeNormally()
	waitStatus(t, statuses, StatusClosed)
	assert.Eventually(t, conn.IsClosed, waitFor, 10*time.Millisecond)
}

func TestConn_SubscribeOnClosedConnFails(t *testing.T) {
	broker := newTestBroker(t)
	conn, _ := broker.dial(t)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())

	ch := conn.Channel("orders:s1")
	assert.Error(t, ch.Subscribe())
}

func TestConn_ResubscribeClosesPreviousChannel(t *testing.T) {
	broker := newTestBroker(t)
	conn, _ := broker.dial(t)

	firstFn, firstStatuses := collectStatuses()
	first := conn.Channel("orders:s1")
	first.OnStatus(firstFn)
	require.NoError(t, first.Subscribe())
	waitStatus(t, firstStatuses, StatusSubscribed)

	secondFn, secondStatuses := collectStatuses()
	second := conn.Channel("orders:s1")
	second.OnStatus(secondFn)
	require.NoError(t, second.Subscribe())

	waitStatus(t, firstStatuses, StatusClosed)
	waitStatus(t, secondStatuses, StatusSubscribed)
}
