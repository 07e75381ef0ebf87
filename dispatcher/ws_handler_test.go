package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/events"
)

type wsFixture struct {
	dispatcher *Dispatcher
	verifier   *TokenVerifier
	server     *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	d := NewDispatcher(nil, nil, zap.NewNop())
	verifier := NewTokenVerifier("ws-test-secret")
	handler := NewWSHandler(d, verifier, WSHandlerConfig{}, zap.NewNop())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &wsFixture{dispatcher: d, verifier: verifier, server: srv}
}

func (f *wsFixture) wsURL(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.verifier.Sign(userID, "", "", time.Minute)
	require.NoError(t, err)
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "?token=" + token
}

func (f *wsFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, f.wsURL(t, userID), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var ev events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &ev))
	return &ev
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg map[string]string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

func TestWSHandler_RejectsWithoutToken(t *testing.T) {
	f := newWSFixture(t)

	resp, err := http.Get(f.server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSHandler_RejectsForgedToken(t *testing.T) {
	f := newWSFixture(t)
	forged, err := NewTokenVerifier("other-secret").Sign("user-1", "", "", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.server.URL, "http")+"?token="+forged, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
}

func TestWSHandler_ConnectionAck(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "user-1")

	ack := readEvent(t, conn)
	assert.Equal(t, events.ConnectionAck, ack.Type)
	assert.Equal(t, events.SystemWorkflowID, ack.WorkflowID)
	assert.Equal(t, "user-1", ack.Data["user_id"])
	assert.NotEmpty(t, ack.Data["connection_id"])
}

func TestWSHandler_SubscribeReceiveUnsubscribe(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "user-1")
	readEvent(t, conn) // connection.ack

	// 订阅
	writeMessage(t, conn, map[string]string{"action": "subscribe", "workflow_id": "wf-1"})
	ack := readEvent(t, conn)
	assert.Equal(t, events.SubscriptionAck, ack.Type)
	assert.Equal(t, "wf-1", ack.WorkflowID)
	assert.Equal(t, true, ack.Data["subscribed"])

	// 广播到达
	ev := events.New(events.StageCompleted, "wf-1", events.WithStage("sql_generation"))
	delivered, err := f.dispatcher.BroadcastToWorkflow(context.Background(), "wf-1", ev)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	got := readEvent(t, conn)
	assert.Equal(t, events.StageCompleted, got.Type)
	assert.Equal(t, "sql_generation", got.Stage)

	// 退订
	writeMessage(t, conn, map[string]string{"action": "unsubscribe", "workflow_id": "wf-1"})
	ack = readEvent(t, conn)
	assert.Equal(t, events.SubscriptionAck, ack.Type)
	assert.Equal(t, false, ack.Data["subscribed"])

	delivered, err = f.dispatcher.BroadcastToWorkflow(context.Background(), "wf-1", ev)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestWSHandler_PingPong(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "user-1")
	readEvent(t, conn) // connection.ack

	writeMessage(t, conn, map[string]string{"action": "ping"})
	pong := readEvent(t, conn)
	assert.Equal(t, events.Pong, pong.Type)
}

func TestWSHandler_UnknownActionIgnored(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "user-1")
	readEvent(t, conn) // connection.ack

	writeMessage(t, conn, map[string]string{"action": "bogus"})
	// 连接仍然可用
	writeMessage(t, conn, map[string]string{"action": "ping"})
	pong := readEvent(t, conn)
	assert.Equal(t, events.Pong, pong.Type)
}

func TestWSHandler_OrderedDelivery(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "user-1")
	readEvent(t, conn) // connection.ack

	writeMessage(t, conn, map[string]string{"action": "subscribe", "workflow_id": "wf-1"})
	readEvent(t, conn) // subscription.ack

	const n = 20
	for i := 0; i < n; i++ {
		progress := float64(i) / n
		_, err := f.dispatcher.BroadcastToWorkflow(context.Background(), "wf-1",
			events.New(events.ProgressUpdate, "wf-1", events.WithProgress(progress)))
		require.NoError(t, err)
	}

	// 单 writer 协程保证按发送顺序到达
	for i := 0; i < n; i++ {
		got := readEvent(t, conn)
		require.Equal(t, events.ProgressUpdate, got.Type)
		require.NotNil(t, got.Progress)
		assert.InDelta(t, float64(i)/n, *got.Progress, 1e-9)
	}
}
