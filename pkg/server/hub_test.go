package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gruporder/gruporder/internal/codec"
	"github.com/gruporder/gruporder/pkg/logger"
	"github.com/gruporder/gruporder/pkg/models"
	"github.com/gruporder/gruporder/pkg/realtime"
)

const waitFor = 5 * time.Second

func wsURL(srv *httptest.Server, sessionID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime/" + sessionID
}

func dialSession(t *testing.T, srv *httptest.Server, sessionID string) *realtime.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := realtime.Dial(ctx, wsURL(srv, sessionID), logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// subscribeAcked subscribes to the topic and blocks until the broker
// acknowledges the join. setup registers the test's handlers before the
// join frame goes out, so no early frame can be missed.
func subscribeAcked(t *testing.T, conn *realtime.Conn, topic string, setup func(realtime.Channel)) realtime.Channel {
	t.Helper()
	acked := make(chan struct{}, 1)
	ch := conn.Channel(topic)
	ch.OnStatus(func(status realtime.Status) {
		if status == realtime.StatusSubscribed {
			select {
			case acked <- struct{}{}:
			default:
			}
		}
	})
	if setup != nil {
		setup(ch)
	}
	require.NoError(t, ch.Subscribe())
	select {
	case <-acked:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for join ack")
	}
	return ch
}

func TestRealtime_RejectsUnknownSession(t *testing.T) {
	env := newAPIEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := realtime.Dial(ctx, wsURL(env.srv, models.NewSessionID().String()), logger.Nop())
	assert.Error(t, err)
}

func TestRealtime_ChangeFanOut(t *testing.T) {
	env := newAPIEnv(t)
	session := env.createSession(t)

	conn := dialSession(t, env.srv, session.ID.String())
	topic := realtime.OrdersTopic(session.ID.String())

	changes := make(chan realtime.ChangePayload, 8)
	subscribeAcked(t, conn, topic, func(ch realtime.Channel) {
		ch.OnChange(func(payload realtime.ChangePayload) { changes <- payload })
	})

	resp := env.do(t, http.MethodPost, "/api/sessions/"+session.ID.String()+"/orders", orderRequest{
		CustomerName: "Budi",
		Items: []models.OrderItem{
			{MenuItemID: "item-1", MenuItemName: "Nasi Goreng", MenuItemPrice: 25000, Quantity: 1},
		},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var payload realtime.ChangePayload
	select {
	case payload = <-changes:
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for change")
	}
	require.Equal(t, realtime.ActionInsert, payload.Action)

	var order models.Order
	require.NoError(t, codec.CBOR{}.Unmarshal(payload.New, &order))
	assert.Equal(t, "Budi", order.CustomerName)
	assert.Equal(t, 25000, order.Total)
	assert.Equal(t, session.ID, order.SessionID)
}

func TestRealtime_DeleteCarriesLastState(t *testing.T) {
	env := newAPIEnv(t)
	session := env.createSession(t)
	base := "/api/sessions/" + session.ID.String() + "/orders"

	resp := env.do(t, http.MethodPost, base, orderRequest{
		CustomerName: "Citra",
		Items: []models.OrderItem{
			{MenuItemID: "item-2", MenuItemName: "Sate Ayam", MenuItemPrice: 30000, Quantity: 1},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	order := decodeBody[models.Order](t, resp)

	conn := dialSession(t, env.srv, session.ID.String())
	changes := make(chan realtime.ChangePayload, 8)
	subscribeAcked(t, conn, realtime.OrdersTopic(session.ID.String()), func(ch realtime.Channel) {
		ch.OnChange(func(payload realtime.ChangePayload) { changes <- payload })
	})

	resp = env.do(t, http.MethodDelete, base+"/"+order.ID.String(), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case payload := <-changes:
		require.Equal(t, realtime.ActionDelete, payload.Action)
		assert.Empty(t, payload.New)
		var deleted models.Order
		require.NoError(t, codec.CBOR{}.Unmarshal(payload.Old, &deleted))
		assert.Equal(t, order.ID, deleted.ID)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for delete change")
	}
}

func TestRealtime_BroadcastRelayExcludesSender(t *testing.T) {
	env := newAPIEnv(t)
	session := env.createSession(t)
	topic := realtime.TypingTopic(session.ID.String())

	sender := dialSession(t, env.srv, session.ID.String())
	receiver := dialSession(t, env.srv, session.ID.String())

	senderGot := make(chan []byte, 8)
	senderCh := subscribeAcked(t, sender, topic, func(ch realtime.Channel) {
		ch.OnBroadcast(realtime.EventTyping, func(payload []byte) { senderGot <- payload })
	})

	receiverGot := make(chan []byte, 8)
	subscribeAcked(t, receiver, topic, func(ch realtime.Channel) {
		ch.OnBroadcast(realtime.EventTyping, func(payload []byte) { receiverGot <- payload })
	})

	signal := models.TypingSignal{SenderName: "Ana", At: time.Now().UTC()}
	require.NoError(t, senderCh.Broadcast(realtime.EventTyping, signal))

	select {
	case payload := <-receiverGot:
		var got models.TypingSignal
		require.NoError(t, codec.CBOR{}.Unmarshal(payload, &got))
		assert.Equal(t, "Ana", got.SenderName)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for broadcast")
	}

	select {
	case <-senderGot:
		t.Fatal("sender received its own broadcast")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRealtime_JoinOutsideSessionScopeFails(t *testing.T) {
	env := newAPIEnv(t)
	session := env.createSession(t)
	other := env.createSession(t)

	conn := dialSession(t, env.srv, session.ID.String())

	statuses := make(chan realtime.Status, 8)
	ch := conn.Channel(realtime.OrdersTopic(other.ID.String()))
	ch.OnStatus(func(status realtime.Status) { statuses <- status })
	require.NoError(t, ch.Subscribe())

	select {
	case status := <-statuses:
		assert.Equal(t, realtime.StatusChannelError, status)
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for scope rejection")
	}
}

func TestHub_PublishToTopicWithoutSubscribers(t *testing.T) {
	hub := NewHub(logger.Nop())
	// Must not panic or block.
	hub.PublishChange("orders:nobody", realtime.ActionInsert, &models.Order{}, nil)
}

func TestRealtime_LeaveStopsDelivery(t *testing.T) {
	env := newAPIEnv(t)
	session := env.createSession(t)
	topic := realtime.OrdersTopic(session.ID.String())

	conn := dialSession(t, env.srv, session.ID.String())
	changes := make(chan realtime.ChangePayload, 8)
	ch := subscribeAcked(t, conn, topic, func(ch realtime.Channel) {
		ch.OnChange(func(payload realtime.ChangePayload) { changes <- payload })
	})

	require.NoError(t, ch.Unsubscribe())
	// Give the broker a moment to process the leave.
	time.Sleep(200 * time.Millisecond)

	resp := env.do(t, http.MethodPost, "/api/sessions/"+session.ID.String()+"/orders", orderRequest{
		CustomerName: "Dewi",
		Items: []models.OrderItem{
			{MenuItemID: "item-3", MenuItemName: "Bakso", MenuItemPrice: 20000, Quantity: 1},
		},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case <-changes:
		t.Fatal("received change after leave")
	case <-time.After(300 * time.Millisecond):
	}
}
