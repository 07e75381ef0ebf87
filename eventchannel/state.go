package eventchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/events"
	"github.com/BaSui01/insightflow/hitl"
	"github.com/BaSui01/insightflow/types"
)

// Submitter 提交干预响应（HTTP API 实现见 HTTPSubmitter）。
type Submitter interface {
	Submit(ctx context.Context, requestID string, resp *hitl.Response) error
}

// Snapshot 状态存储对外的一致性快照。
type Snapshot struct {
	Pending          *hitl.Request // nil 表示当前无干预
	RemainingSeconds int           // 展示用倒计时，>= 0
	Submitting       bool          // 乐观清除窗口内为 true
}

// StateStore 客户端侧的干预状态镜像：
// 跟踪当前（至多一个）pending 请求，维护 1 秒粒度的展示倒计时。
//
// 倒计时纯粹是展示性的，权威超时判定在服务端；归零后请求保持可见，
// 直到收到服务端的 human_input.timeout。
type StateStore struct {
	mu         sync.Mutex
	pending    *hitl.Request
	remaining  int
	submitting bool
	ticker     *time.Ticker
	tickStop   chan struct{}

	submitter Submitter
	onChange  []func(Snapshot)
	logger    *zap.Logger
}

// NewStateStore 创建客户端状态存储。
func NewStateStore(submitter Submitter, logger *zap.Logger) *StateStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateStore{
		submitter: submitter,
		logger:    logger.With(zap.String("component", "hitl_state")),
	}
}

// Bind 将状态存储接到事件通道上，返回可用于 Off 的回调 ID。
func (s *StateStore) Bind(client *Client, workflowID string) string {
	return client.On(workflowID, s.HandleEvent)
}

// OnChange 注册状态变更回调（UI 重绘钩子）。
func (s *StateStore) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Snapshot 返回当前状态快照。
func (s *StateStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// HandleEvent 消费工作流事件，维护 pending 镜像。
// 与 pending 无关的事件被忽略。
func (s *StateStore) HandleEvent(ev *events.Event) {
	switch ev.Type {
	case events.HumanInputRequired:
		req, err := requestFromEvent(ev)
		if err != nil {
			s.logger.Warn("malformed human_input.required payload", zap.Error(err))
			return
		}
		s.setPending(req)
	case events.HumanInputReceived, events.HumanInputTimeout:
		req, err := requestFromEvent(ev)
		if err != nil {
			return
		}
		s.clearIfMatches(req.RequestID)
	}
}

// Submit 提交响应：先乐观清除 pending（UI 立即解除阻塞），
// 提交失败且请求仍未被其他事件终结时恢复 pending。
func (s *StateStore) Submit(ctx context.Context, action hitl.Action, modifiedSQL, feedback string) error {
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return errors.New("no pending intervention")
	}
	req := s.pending
	resp := &hitl.Response{
		RequestID:   req.RequestID,
		Action:      action,
		ModifiedSQL: modifiedSQL,
		Feedback:    feedback,
	}
	// 乐观清除
	s.pending = nil
	s.submitting = true
	s.stopCountdownLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	err := s.submitter.Submit(ctx, req.RequestID, resp)

	s.mu.Lock()
	s.submitting = false
	if err != nil && !errors.Is(err, errTerminal) && s.pending == nil {
		// 提交失败（网络/服务端错误）：恢复 pending，让用户重试
		s.pending = req
		s.startCountdownLocked()
	}
	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	if err != nil && errors.Is(err, errTerminal) {
		// 已被超时或他人响应终结：清除即是正确终态，吞掉错误
		return nil
	}
	return err
}

// ----- 内部 -----

func (s *StateStore) setPending(req *hitl.Request) {
	s.mu.Lock()
	if s.pending != nil && s.pending.RequestID == req.RequestID {
		s.mu.Unlock()
		return
	}
	s.pending = req
	s.startCountdownLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *StateStore) clearIfMatches(requestID string) {
	s.mu.Lock()
	if s.pending == nil || s.pending.RequestID != requestID {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.stopCountdownLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *StateStore) startCountdownLocked() {
	s.stopCountdownLocked()
	s.remaining = remainingSeconds(s.pending.TimeoutAt)
	s.ticker = time.NewTicker(time.Second)
	s.tickStop = make(chan struct{})
	go s.countdown(s.ticker, s.tickStop)
}

func (s *StateStore) stopCountdownLocked() {
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.tickStop)
		s.ticker = nil
		s.tickStop = nil
	}
	s.remaining = 0
}

func (s *StateStore) countdown(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.pending == nil {
				s.mu.Unlock()
				return
			}
			s.remaining = remainingSeconds(s.pending.TimeoutAt)
			snap := s.snapshotLocked()
			s.mu.Unlock()
			s.notify(snap)
		}
	}
}

func (s *StateStore) snapshotLocked() Snapshot {
	snap := Snapshot{
		RemainingSeconds: s.remaining,
		Submitting:       s.submitting,
	}
	if s.pending != nil {
		snap.Pending = s.pending.Clone()
	}
	return snap
}

func (s *StateStore) notify(snap Snapshot) {
	s.mu.Lock()
	fns := append([]func(Snapshot){}, s.onChange...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// remainingSeconds 倒计时永不为负。
func remainingSeconds(timeoutAt time.Time) int {
	left := int(time.Until(timeoutAt).Round(time.Second) / time.Second)
	if left < 0 {
		return 0
	}
	return left
}

func requestFromEvent(ev *events.Event) (*hitl.Request, error) {
	raw, ok := ev.Data["request"]
	if !ok {
		return nil, errors.New("event data missing request")
	}
	// map[string]any -> Request：走一次 JSON 往返
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var req hitl.Request
	if err := json.Unmarshal(buf, &req); err != nil {
		return nil, err
	}
	if req.RequestID == "" {
		return nil, errors.New("event request missing request_id")
	}
	return &req, nil
}

// errTerminal 请求已在服务端终结（超时 / 他人已响应）。
var errTerminal = errors.New("intervention already resolved")

// HTTPSubmitter 通过 REST API 提交干预响应。
type HTTPSubmitter struct {
	BaseURL string // http://host
	Token   string
	Client  *http.Client
}

// Submit 提交响应。ALREADY_RESOLVED 映射为 errTerminal，
// 让状态存储把乐观清除保留为正确终态。
func (s *HTTPSubmitter) Submit(ctx context.Context, requestID string, resp *hitl.Response) error {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/v1/hitl/requests/%s/respond", s.BaseURL, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}
	httpResp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode < 300 {
		return nil
	}

	payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(payload, &envelope)
	if envelope.Error.Code == string(types.ErrAlreadyResolved) {
		return errTerminal
	}
	return fmt.Errorf("submit intervention response: status %d code %s",
		httpResp.StatusCode, envelope.Error.Code)
}
