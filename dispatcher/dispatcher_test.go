package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/events"
)

// fakeSender 记录投递事件的假连接。
type fakeSender struct {
	mu       sync.Mutex
	events   []*events.Event
	full     bool
	closed   bool
}

func (s *fakeSender) Send(ev *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return errors.New("send buffer full")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSender) CloseSlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSender) received() []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.Event(nil), s.events...)
}

func TestDispatcher_SubscribeAndBroadcast(t *testing.T) {
	d := NewDispatcher(nil, nil, zap.NewNop())

	alice := &fakeSender{}
	bob := &fakeSender{}
	aliceConn := d.Register("alice", alice)
	bobConn := d.Register("bob", bob)

	require.True(t, d.Subscribe(aliceConn, "wf-1"))
	require.True(t, d.Subscribe(bobConn, "wf-1"))
	assert.Equal(t, 2, d.SubscriberCount("wf-1"))

	ev := events.New(events.ProgressUpdate, "wf-1", events.WithMessage("halfway"))
	delivered, err := d.BroadcastToWorkflow(context.Background(), "wf-1", ev)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	assert.Len(t, alice.received(), 1)
	assert.Len(t, bob.received(), 1)

	// 未订阅的工作流不投递
	delivered, err = d.BroadcastToWorkflow(context.Background(), "wf-other", ev)
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestDispatcher_LastSubscriberWins(t *testing.T) {
	d := NewDispatcher(nil, nil, zap.NewNop())

	old := &fakeSender{}
	fresh := &fakeSender{}
	oldConn := d.Register("alice", old)
	freshConn := d.Register("alice", fresh)

	require.True(t, d.Subscribe(oldConn, "wf-1"))
	// 同一用户的新连接订阅同一工作流：旧连接被顶掉
	require.True(t, d.Subscribe(freshConn, "wf-1"))
	assert.Equal(t, 1, d.SubscriberCount("wf-1"))

	ev := events.New(events.StageStarted, "wf-1", events.WithStage("sql_generation"))
	delivered, err := d.BroadcastToWorkflow(context.Background(), "wf-1", ev)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Empty(t, old.received())
	assert.Len(t, fresh.received(), 1)
}

func TestDispatcher_DifferentUsersCoexist(t *testing.T) {
	d := NewDispatcher(nil, nil, zap.NewNop())

	alice := &fakeSender{}
	bob := &fakeSender{}
	require.True(t, d.Subscribe(d.Register("alice", alice), "wf-1"))
	require.True(t, d.Subscribe(d.Register("bob", bob), "wf-1"))

	// 不同用户的订阅互不影响
	assert.Equal(t, 2, d.SubscriberCount("wf-1"))
}

func TestDispatcher_UnsubscribeAndUnregister(t *testing.T) {
	d := NewDispatcher(nil, nil, zap.NewNop())

	sender := &fakeSender{}
	connID := d.Register("alice", sender)
	require.True(t, d.Subscribe(connID, "wf-1"))
	require.True(t, d.Subscribe(connID, "wf-2"))

	d.Unsubscribe(connID, "wf-1")
	assert.Equal(t, 0, d.SubscriberCount("wf-1"))
	assert.Equal(t, 1, d.SubscriberCount("wf-2"))

	// 注销清掉剩余订阅
	d.Unregister(connID)
	assert.Equal(t, 0, d.SubscriberCount("wf-2"))

	// 注销后的连接不能再订阅
	assert.False(t, d.Subscribe(connID, "wf-1"))

	// 重复注销是空操作
	d.Unregister(connID)
}

func TestDispatcher_SlowConsumerClosed(t *testing.T) {
	d := NewDispatcher(nil, nil, zap.NewNop())

	slow := &fakeSender{full: true}
	ok := &fakeSender{}
	require.True(t, d.Subscribe(d.Register("slow", slow), "wf-1"))
	require.True(t, d.Subscribe(d.Register("ok", ok), "wf-1"))

	ev := events.New(events.ProgressUpdate, "wf-1")
	delivered, err := d.BroadcastToWorkflow(context.Background(), "wf-1", ev)
	require.NoError(t, err)

	// 慢消费者被跳过并关闭，不拖累其他连接
	assert.Equal(t, 1, delivered)
	assert.True(t, slow.closed)
	assert.Len(t, ok.received(), 1)
}

func TestDispatcher_Available(t *testing.T) {
	t.Run("without relay requires local subscriber", func(t *testing.T) {
		d := NewDispatcher(nil, nil, zap.NewNop())
		assert.False(t, d.Available("wf-1"))

		connID := d.Register("alice", &fakeSender{})
		require.True(t, d.Subscribe(connID, "wf-1"))
		assert.True(t, d.Available("wf-1"))
		assert.False(t, d.Available("wf-2"))
	})

	t.Run("with relay always available", func(t *testing.T) {
		d := NewDispatcher(relayFunc(func(context.Context, string, *events.Event) error { return nil }), nil, zap.NewNop())
		assert.True(t, d.Available("wf-anything"))
	})
}

// relayFunc 让函数满足 Relay 接口。
type relayFunc func(ctx context.Context, workflowID string, event *events.Event) error

func (f relayFunc) Publish(ctx context.Context, workflowID string, event *events.Event) error {
	return f(ctx, workflowID, event)
}

func TestDispatcher_BroadcastPublishesToRelay(t *testing.T) {
	var published []*events.Event
	relay := relayFunc(func(_ context.Context, _ string, ev *events.Event) error {
		published = append(published, ev)
		return nil
	})
	d := NewDispatcher(relay, nil, zap.NewNop())

	ev := events.New(events.WorkflowCompleted, "wf-1")
	_, err := d.BroadcastToWorkflow(context.Background(), "wf-1", ev)
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.Equal(t, events.WorkflowCompleted, published[0].Type)
}

func TestDispatcher_RelayFailureStillDeliversLocal(t *testing.T) {
	relay := relayFunc(func(context.Context, string, *events.Event) error {
		return errors.New("redis down")
	})
	d := NewDispatcher(relay, nil, zap.NewNop())

	sender := &fakeSender{}
	require.True(t, d.Subscribe(d.Register("alice", sender), "wf-1"))

	delivered, err := d.BroadcastToWorkflow(context.Background(), "wf-1", events.New(events.ProgressUpdate, "wf-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Len(t, sender.received(), 1)
}
