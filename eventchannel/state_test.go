package eventchannel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/events"
	"github.com/BaSui01/insightflow/hitl"
	"github.com/BaSui01/insightflow/types"
)

// fakeSubmitter 记录提交并返回预设错误。
type fakeSubmitter struct {
	mu    sync.Mutex
	calls []*hitl.Response
	err   error
}

func (f *fakeSubmitter) Submit(_ context.Context, _ string, resp *hitl.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resp)
	return f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func pendingEvent(t *testing.T, requestID string) *events.Event {
	t.Helper()
	req := &hitl.Request{
		RequestID:  requestID,
		WorkflowID: "wf-1",
		Type:       hitl.TypeSQLReview,
		Status:     hitl.StatusPending,
		TimeoutAt:  time.Now().Add(5 * time.Minute),
	}
	return events.New(events.HumanInputRequired, "wf-1",
		events.WithData(map[string]any{"request": req}))
}

func resolvedEvent(requestID string, typ events.Type) *events.Event {
	return events.New(typ, "wf-1",
		events.WithData(map[string]any{"request": map[string]any{"request_id": requestID}}))
}

func TestStateStore_PendingLifecycle(t *testing.T) {
	s := NewStateStore(&fakeSubmitter{}, zap.NewNop())

	s.HandleEvent(pendingEvent(t, "hitl-1"))
	snap := s.Snapshot()
	require.NotNil(t, snap.Pending)
	assert.Equal(t, "hitl-1", snap.Pending.RequestID)
	assert.Greater(t, snap.RemainingSeconds, 0)

	// 不相干请求的终结事件不清除当前 pending
	s.HandleEvent(resolvedEvent("hitl-other", events.HumanInputReceived))
	assert.NotNil(t, s.Snapshot().Pending)

	// 同一请求重复 required 不抖动
	s.HandleEvent(pendingEvent(t, "hitl-1"))
	assert.NotNil(t, s.Snapshot().Pending)

	s.HandleEvent(resolvedEvent("hitl-1", events.HumanInputReceived))
	assert.Nil(t, s.Snapshot().Pending)
}

func TestStateStore_TimeoutEventClears(t *testing.T) {
	s := NewStateStore(&fakeSubmitter{}, zap.NewNop())
	s.HandleEvent(pendingEvent(t, "hitl-1"))

	s.HandleEvent(resolvedEvent("hitl-1", events.HumanInputTimeout))
	snap := s.Snapshot()
	assert.Nil(t, snap.Pending)
	assert.Zero(t, snap.RemainingSeconds)
}

func TestStateStore_MalformedPayloadIgnored(t *testing.T) {
	s := NewStateStore(&fakeSubmitter{}, zap.NewNop())

	s.HandleEvent(events.New(events.HumanInputRequired, "wf-1"))
	assert.Nil(t, s.Snapshot().Pending)

	s.HandleEvent(events.New(events.HumanInputRequired, "wf-1",
		events.WithData(map[string]any{"request": map[string]any{"workflow_id": "wf-1"}})))
	assert.Nil(t, s.Snapshot().Pending)
}

func TestStateStore_SubmitOptimisticClear(t *testing.T) {
	sub := &fakeSubmitter{}
	s := NewStateStore(sub, zap.NewNop())

	var mu sync.Mutex
	var snaps []Snapshot
	s.OnChange(func(snap Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	})

	s.HandleEvent(pendingEvent(t, "hitl-1"))
	require.NoError(t, s.Submit(context.Background(), hitl.ActionApprove, "", "looks good"))

	assert.Nil(t, s.Snapshot().Pending)
	require.Equal(t, 1, sub.count())
	assert.Equal(t, hitl.ActionApprove, sub.calls[0].Action)
	assert.Equal(t, "looks good", sub.calls[0].Feedback)

	// 提交期间出现过 submitting=true 且 pending 已清除的快照
	mu.Lock()
	defer mu.Unlock()
	sawSubmitting := false
	for _, snap := range snaps {
		if snap.Submitting && snap.Pending == nil {
			sawSubmitting = true
		}
	}
	assert.True(t, sawSubmitting)
}

func TestStateStore_SubmitFailureRestoresPending(t *testing.T) {
	sub := &fakeSubmitter{err: assert.AnError}
	s := NewStateStore(sub, zap.NewNop())

	s.HandleEvent(pendingEvent(t, "hitl-1"))
	err := s.Submit(context.Background(), hitl.ActionApprove, "", "")
	require.Error(t, err)

	// 失败后恢复 pending 供重试
	snap := s.Snapshot()
	require.NotNil(t, snap.Pending)
	assert.Equal(t, "hitl-1", snap.Pending.RequestID)
	assert.False(t, snap.Submitting)
}

func TestStateStore_SubmitTerminalErrorSwallowed(t *testing.T) {
	sub := &fakeSubmitter{err: errTerminal}
	s := NewStateStore(sub, zap.NewNop())

	s.HandleEvent(pendingEvent(t, "hitl-1"))
	// 服务端已终结（超时/他人响应）：清除即正确终态，不报错
	require.NoError(t, s.Submit(context.Background(), hitl.ActionApprove, "", ""))
	assert.Nil(t, s.Snapshot().Pending)
}

func TestStateStore_SubmitWithoutPending(t *testing.T) {
	s := NewStateStore(&fakeSubmitter{}, zap.NewNop())
	assert.Error(t, s.Submit(context.Background(), hitl.ActionApprove, "", ""))
}

func TestRemainingSecondsNeverNegative(t *testing.T) {
	assert.Zero(t, remainingSeconds(time.Now().Add(-time.Minute)))
	assert.Equal(t, 60, remainingSeconds(time.Now().Add(time.Minute)))
}

func TestHTTPSubmitter(t *testing.T) {
	newResponse := func() *hitl.Response {
		return &hitl.Response{RequestID: "hitl-1", Action: hitl.ActionApprove}
	}

	t.Run("success", func(t *testing.T) {
		var gotPath, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		sub := &HTTPSubmitter{BaseURL: srv.URL, Token: "tok"}
		require.NoError(t, sub.Submit(context.Background(), "hitl-1", newResponse()))
		assert.Equal(t, "/api/v1/hitl/requests/hitl-1/respond", gotPath)
		assert.Equal(t, "Bearer tok", gotAuth)
	})

	t.Run("already resolved maps to terminal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   map[string]any{"code": string(types.ErrAlreadyResolved), "message": "already resolved"},
			})
		}))
		defer srv.Close()

		sub := &HTTPSubmitter{BaseURL: srv.URL}
		assert.ErrorIs(t, sub.Submit(context.Background(), "hitl-1", newResponse()), errTerminal)
	})

	t.Run("server error surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		sub := &HTTPSubmitter{BaseURL: srv.URL}
		assert.Error(t, sub.Submit(context.Background(), "hitl-1", newResponse()))
	})
}
