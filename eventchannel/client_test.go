package eventchannel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/events"
)

// channelServer 实现服务端通道协议的最小测试桩：
// connection.ack、subscribe/unsubscribe 回执、ping/pong，
// 并支持掐断连接来模拟断线。
type channelServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conns    []*serverConn
	dials    int
	refusing bool
	refused  int
}

type serverConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
	subs map[string]struct{}
}

func newChannelServer(t *testing.T) *channelServer {
	t.Helper()
	s := &channelServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *channelServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *channelServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.refusing {
		s.refused++
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn, subs: make(map[string]struct{})}
	s.mu.Lock()
	s.dials++
	s.conns = append(s.conns, sc)
	s.mu.Unlock()

	ctx := r.Context()
	_ = wsjson.Write(ctx, conn, events.New(events.ConnectionAck, events.SystemWorkflowID))

	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			sc.mu.Lock()
			sc.subs[msg.WorkflowID] = struct{}{}
			sc.mu.Unlock()
			_ = wsjson.Write(ctx, conn, events.New(events.SubscriptionAck, msg.WorkflowID,
				events.WithData(map[string]any{"subscribed": true})))
		case "unsubscribe":
			sc.mu.Lock()
			delete(sc.subs, msg.WorkflowID)
			sc.mu.Unlock()
			_ = wsjson.Write(ctx, conn, events.New(events.SubscriptionAck, msg.WorkflowID,
				events.WithData(map[string]any{"subscribed": false})))
		case "ping":
			_ = wsjson.Write(ctx, conn, events.New(events.Pong, events.SystemWorkflowID))
		}
	}
}

// broadcast 把事件推给订阅了该工作流的连接，返回投递数。
func (s *channelServer) broadcast(workflowID string, ev *events.Event) int {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()

	delivered := 0
	for _, sc := range conns {
		sc.mu.Lock()
		_, subscribed := sc.subs[workflowID]
		sc.mu.Unlock()
		if !subscribed {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if wsjson.Write(ctx, sc.conn, ev) == nil {
			delivered++
		}
		cancel()
	}
	return delivered
}

// drop 掐断全部活动连接，监听端口保持存活。
func (s *channelServer) drop() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, sc := range conns {
		sc.conn.Close(websocket.StatusGoingAway, "dropped")
	}
}

func (s *channelServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// refuse 开关：开启后新握手一律 503（端口仍然存活）。
func (s *channelServer) refuse(on bool) {
	s.mu.Lock()
	s.refusing = on
	s.mu.Unlock()
}

func (s *channelServer) refusedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refused
}

// subscriptionsOf 返回第 i 个连接当前的订阅集合。
func (s *channelServer) subscriptionsOf(i int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.conns) {
		return nil
	}
	sc := s.conns[i]
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]string, 0, len(sc.subs))
	for id := range sc.subs {
		out = append(out, id)
	}
	return out
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(Config{
		URL:            url,
		DialTimeout:    2 * time.Second,
		PingInterval:   time.Hour, // 测试里不靠保活
		BackoffInitial: 20 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_ConnectAndClose(t *testing.T) {
	srv := newChannelServer(t)
	c := newTestClient(t, srv.url())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	// 二次 Connect 报错
	assert.Error(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Subscribe(context.Background(), "wf-1"), ErrClosed)

	// Close 幂等
	require.NoError(t, c.Close())
}

func TestClient_ConnectFailsWhenServerDown(t *testing.T) {
	srv := newChannelServer(t)
	url := srv.url()
	srv.srv.Close()

	c := newTestClient(t, url)
	assert.Error(t, c.Connect(context.Background()))
	assert.Equal(t, StateDegraded, c.State())
}

func TestClient_DispatchOrdered(t *testing.T) {
	srv := newChannelServer(t)
	c := newTestClient(t, srv.url())

	var mu sync.Mutex
	var got []*events.Event
	c.On("wf-1", func(ev *events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), "wf-1"))
	waitUntil(t, func() bool { return len(srv.subscriptionsOf(0)) == 1 })

	const n = 10
	for i := 0; i < n; i++ {
		progress := float64(i) / n
		require.Equal(t, 1, srv.broadcast("wf-1", events.New(events.ProgressUpdate, "wf-1", events.WithProgress(progress))))
	}
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, ev := range got {
		require.Equal(t, events.ProgressUpdate, ev.Type)
		require.NotNil(t, ev.Progress)
		assert.InDelta(t, float64(i)/n, *ev.Progress, 1e-9)
	}
}

func TestClient_ProtocolEventsNotDispatched(t *testing.T) {
	srv := newChannelServer(t)
	c := newTestClient(t, srv.url())

	var mu sync.Mutex
	var got []*events.Event
	c.On("wf-1", func(ev *events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), "wf-1"))
	waitUntil(t, func() bool { return len(srv.subscriptionsOf(0)) == 1 })

	// subscription.ack 已由服务端发过；再推一个业务事件作为栅栏
	require.Equal(t, 1, srv.broadcast("wf-1", events.New(events.StageStarted, "wf-1")))
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, events.StageStarted, got[0].Type)
}

func TestClient_ReconnectAndResubscribe(t *testing.T) {
	srv := newChannelServer(t)
	c := newTestClient(t, srv.url())

	var stateMu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		stateMu.Lock()
		states = append(states, s)
		stateMu.Unlock()
	})

	var mu sync.Mutex
	var got []*events.Event
	c.On("wf-1", func(ev *events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), "wf-1"))
	waitUntil(t, func() bool { return len(srv.subscriptionsOf(0)) == 1 })

	// 掐断连接：降级后自动重连
	srv.drop()
	waitUntil(t, func() bool { return c.State() == StateConnected && srv.dialCount() == 2 })

	// 重连后自动补发订阅
	waitUntil(t, func() bool { return len(srv.subscriptionsOf(0)) == 1 })

	require.Equal(t, 1, srv.broadcast("wf-1", events.New(events.HumanInputRequired, "wf-1")))
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	// 状态序列里出现过 degraded
	stateMu.Lock()
	defer stateMu.Unlock()
	assert.Contains(t, states, StateDegraded)
	assert.Contains(t, states, StateConnected)
}

func TestClient_ReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	srv := newChannelServer(t)
	c := NewClient(Config{
		URL:            srv.url(),
		DialTimeout:    time.Second,
		PingInterval:   time.Hour,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
		MaxReconnects:  3,
	}, zap.NewNop())
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Connect(context.Background()))

	srv.refuse(true)
	srv.drop()

	// 连续三次重连被拒后放弃
	waitUntil(t, func() bool { return srv.refusedCount() == 3 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, srv.refusedCount(), "no redials beyond the cap")
	assert.Equal(t, StateDegraded, c.State())

	// 放弃后即便服务端恢复也不再自动重连
	srv.refuse(false)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, srv.dialCount())
	assert.Equal(t, StateDegraded, c.State())
}

func TestClient_SubscribeWhileDegraded(t *testing.T) {
	srv := newChannelServer(t)
	c := newTestClient(t, srv.url())
	require.NoError(t, c.Connect(context.Background()))

	srv.drop()
	waitUntil(t, func() bool { return c.State() == StateDegraded || srv.dialCount() >= 2 })

	// 断线期间订阅只记期望集合，不报错
	require.NoError(t, c.Subscribe(context.Background(), "wf-late"))

	waitUntil(t, func() bool { return c.State() == StateConnected })
	waitUntil(t, func() bool {
		subs := srv.subscriptionsOf(0)
		return len(subs) == 1 && subs[0] == "wf-late"
	})
}

func TestClient_OnOff(t *testing.T) {
	srv := newChannelServer(t)
	c := newTestClient(t, srv.url())

	var mu sync.Mutex
	calls := map[string]int{}
	record := func(name string) Handler {
		return func(*events.Event) {
			mu.Lock()
			calls[name]++
			mu.Unlock()
		}
	}
	idA := c.On("wf-1", record("a"))
	c.On("wf-1", record("b"))
	c.Off("wf-1", idA)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), "wf-1"))
	waitUntil(t, func() bool { return len(srv.subscriptionsOf(0)) == 1 })

	require.Equal(t, 1, srv.broadcast("wf-1", events.New(events.ProgressUpdate, "wf-1")))
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls["b"] == 1
	})

	mu.Lock()
	assert.Zero(t, calls["a"])
	mu.Unlock()

	// 不传 ID：移除全部回调
	c.Off("wf-1")
	require.Equal(t, 1, srv.broadcast("wf-1", events.New(events.ProgressUpdate, "wf-1")))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls["b"])
	mu.Unlock()
}

func TestClient_UnsubscribeStopsReplay(t *testing.T) {
	srv := newChannelServer(t)
	c := newTestClient(t, srv.url())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Subscribe(context.Background(), "wf-1"))
	require.NoError(t, c.Subscribe(context.Background(), "wf-2"))
	waitUntil(t, func() bool { return len(srv.subscriptionsOf(0)) == 2 })

	require.NoError(t, c.Unsubscribe(context.Background(), "wf-1"))
	waitUntil(t, func() bool { return len(srv.subscriptionsOf(0)) == 1 })

	// 重连后只补发仍在期望集合里的订阅
	srv.drop()
	waitUntil(t, func() bool { return c.State() == StateConnected && srv.dialCount() == 2 })
	waitUntil(t, func() bool {
		subs := srv.subscriptionsOf(0)
		return len(subs) == 1 && subs[0] == "wf-2"
	})
}
