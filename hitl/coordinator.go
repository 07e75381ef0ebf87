package hitl

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/events"
)

// Broadcaster 是协调器对事件通道的依赖（由 dispatcher 实现）。
// Available 报告某工作流当前是否有可达的订阅者（含跨实例中继）。
type Broadcaster interface {
	events.Broadcaster
	Available(workflowID string) bool
}

// MetricsRecorder 协调器的指标面（由 internal/metrics 实现）。
type MetricsRecorder interface {
	InterventionCreated(t InterventionType)
	InterventionResolved(t InterventionType, status Status, responseTime time.Duration)
	SetPendingCount(n int)
}

// Notifier 在请求创建时向外部渠道（Slack / 邮件）发送提醒。
type Notifier interface {
	NotifyRequired(ctx context.Context, req *Request)
}

type nopMetrics struct{}

func (nopMetrics) InterventionCreated(InterventionType)                        {}
func (nopMetrics) InterventionResolved(InterventionType, Status, time.Duration) {}
func (nopMetrics) SetPendingCount(int)                                          {}

// RequestParams 创建干预请求的参数。
type RequestParams struct {
	WorkflowID     string
	ConversationID string
	Type           InterventionType
	Context        map[string]any
	Choices        []Choice // 为空时客户端使用类型默认选项
	Timeout        time.Duration
	Required       bool
}

// CoordinatorOptions 协调器依赖注入。
type CoordinatorOptions struct {
	Store          RequestStore
	History        HistoryStore
	Broadcaster    Broadcaster
	Fallback       FallbackPolicy
	Metrics        MetricsRecorder
	Notifier       Notifier // 可为 nil
	Logger         *zap.Logger
	DefaultTimeout time.Duration // 未指定时的请求超时，默认 5 分钟
	SweepInterval  time.Duration // 超时兜底扫描间隔，默认 10 秒
	Disabled       bool          // HITL 总开关关闭：所有干预直接自动批准
}

// pendingEntry 是挂起请求的内存态。
type pendingEntry struct {
	req  *Request
	done chan *Resolution // 缓冲 1，非阻塞投递给 Await
}

// Coordinator 人工干预协调器。
//
// 不变量：
//   - 同一 workflowID 至多一个 pending 请求
//   - 每个请求恰好一次到达终态（内存锁 + 存储条件更新双重保证）
//   - 终态事件（human_input.received / human_input.timeout）只广播一次
type Coordinator struct {
	mu         sync.Mutex
	pending    map[string]*pendingEntry // requestID -> entry
	byWorkflow map[string]string        // workflowID -> requestID

	store     RequestStore
	history   HistoryStore
	channel   Broadcaster
	fallback  FallbackPolicy
	metrics   MetricsRecorder
	notifier  Notifier
	scheduler *scheduler
	logger    *zap.Logger

	defaultTimeout time.Duration
	disabled       bool
	now            func() time.Time
}

// NewCoordinator 创建协调器。Start 之前不会接收请求。
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Fallback == nil {
		opts.Fallback = &DefaultFallbackPolicy{}
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	c := &Coordinator{
		pending:        make(map[string]*pendingEntry),
		byWorkflow:     make(map[string]string),
		store:          opts.Store,
		history:        opts.History,
		channel:        opts.Broadcaster,
		fallback:       opts.Fallback,
		metrics:        opts.Metrics,
		notifier:       opts.Notifier,
		logger:         opts.Logger.With(zap.String("component", "hitl_coordinator")),
		defaultTimeout: opts.DefaultTimeout,
		disabled:       opts.Disabled,
		now:            time.Now,
	}
	c.scheduler = newScheduler(c, opts.SweepInterval, opts.Logger)
	return c
}

// Start 启动协调器：恢复存储中的 pending 请求并重建定时器。
// 已过期的请求立即按超时终态化。
func (c *Coordinator) Start(ctx context.Context) error {
	restored, err := c.store.ListPending(ctx)
	if err != nil {
		return err
	}
	now := c.now()
	var expired, rearmed []*Request
	c.mu.Lock()
	for _, req := range restored {
		if !now.Before(req.TimeoutAt) {
			expired = append(expired, req)
			continue
		}
		c.pending[req.RequestID] = &pendingEntry{
			req:  req,
			done: make(chan *Resolution, 1),
		}
		c.byWorkflow[req.WorkflowID] = req.RequestID
		rearmed = append(rearmed, req)
	}
	pendingCount := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPendingCount(pendingCount)
	c.scheduler.start()
	for _, req := range rearmed {
		c.scheduler.arm(req.RequestID, req.TimeoutAt)
	}
	for _, req := range expired {
		// 恢复时已过期：直接走存储条件更新，跳过内存路径
		if _, err := c.resolveDurable(ctx, req, StatusTimeout, nil); err != nil {
			c.logger.Warn("failed to expire stale request on recovery",
				zap.String("request_id", req.RequestID), zap.Error(err))
		}
	}
	c.logger.Info("hitl coordinator started",
		zap.Int("restored", pendingCount),
		zap.Int("expired_on_recovery", len(expired)))
	return nil
}

// Stop 停止协调器。pending 请求保留在存储中，重启后恢复。
func (c *Coordinator) Stop() {
	c.scheduler.stop()
	c.logger.Info("hitl coordinator stopped")
}

// RequestIntervention 创建干预请求：检查 workflow 冲突，持久化后
// 尽力广播 human_input.required 并启动超时定时器。通道不可达
// 不阻止创建，错过的请求由客户端通过 pending 拉取恢复。
func (c *Coordinator) RequestIntervention(ctx context.Context, params RequestParams) (*Request, error) {
	ctx, span := startSpan(ctx, "hitl.request_intervention", params.WorkflowID)
	defer span.End()

	if !params.Type.Valid() {
		return nil, ErrInvalidAction
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	if c.disabled {
		return c.autoApprove(ctx, params, timeout)
	}
	// 推送是尽力而为的：没有可达订阅者也照常创建并持久化，
	// 客户端重连后通过 pending 拉取补课，超时由兜底策略收尾
	if !c.channel.Available(params.WorkflowID) {
		c.logger.Warn("no reachable subscribers for intervention",
			zap.String("workflow_id", params.WorkflowID),
			zap.String("type", string(params.Type)))
	}
	now := c.now()
	req := &Request{
		RequestID:      NewRequestID(),
		WorkflowID:     params.WorkflowID,
		ConversationID: params.ConversationID,
		Type:           params.Type,
		Context:        params.Context,
		Choices:        params.Choices,
		TimeoutSeconds: int(timeout / time.Second),
		Required:       params.Required,
		Status:         StatusPending,
		RequestedAt:    now,
		TimeoutAt:      now.Add(timeout),
	}

	c.mu.Lock()
	if existing, ok := c.byWorkflow[req.WorkflowID]; ok {
		c.mu.Unlock()
		c.logger.Warn("intervention conflict",
			zap.String("workflow_id", req.WorkflowID),
			zap.String("existing_request_id", existing))
		return nil, ErrConflict
	}
	entry := &pendingEntry{req: req, done: make(chan *Resolution, 1)}
	c.pending[req.RequestID] = entry
	c.byWorkflow[req.WorkflowID] = req.RequestID
	pendingCount := len(c.pending)
	c.mu.Unlock()

	if err := c.store.Create(ctx, req); err != nil {
		c.evict(req)
		return nil, err
	}

	c.metrics.InterventionCreated(req.Type)
	c.metrics.SetPendingCount(pendingCount)
	c.scheduler.arm(req.RequestID, req.TimeoutAt)
	c.broadcast(ctx, req.WorkflowID, events.HumanInputRequired, req, nil)
	if c.notifier != nil {
		go c.notifier.NotifyRequired(context.WithoutCancel(ctx), req.Clone())
	}

	c.logger.Info("intervention requested",
		zap.String("request_id", req.RequestID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("type", string(req.Type)),
		zap.Time("timeout_at", req.TimeoutAt))
	return req.Clone(), nil
}

// Submit 提交用户响应。恰好一次：并发提交只有一个赢家，其余得到
// ErrAlreadyResolved。晚于 timeout_at 的提交会先将请求终态化为
// timeout，再返回 ErrAlreadyResolved。
func (c *Coordinator) Submit(ctx context.Context, requestID string, resp *Response) (*Resolution, error) {
	ctx, span := startSpan(ctx, "hitl.submit", "")
	defer span.End()

	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, c.classifyMissing(ctx, requestID)
	}
	if c.now().After(entry.req.TimeoutAt) {
		c.mu.Unlock()
		// 截止后到达的响应：就地超时终态化，提交方视同迟到
		if _, err := c.resolve(ctx, requestID, StatusTimeout, nil); err != nil {
			c.logger.Warn("inline timeout on late submit failed",
				zap.String("request_id", requestID), zap.Error(err))
		}
		return nil, ErrAlreadyResolved
	}
	if err := validateAction(entry.req, resp); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	resp.RequestID = requestID
	return c.resolve(ctx, requestID, StatusForAction(resp.Action), resp)
}

// Expire 将请求终态化为 timeout。严禁早触发：当前时刻早于
// timeout_at 时返回 ErrDeadlineNotReached。
func (c *Coordinator) Expire(ctx context.Context, requestID string) (*Resolution, error) {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, c.classifyMissing(ctx, requestID)
	}
	if c.now().Before(entry.req.TimeoutAt) {
		c.mu.Unlock()
		return nil, ErrDeadlineNotReached
	}
	c.mu.Unlock()
	return c.resolve(ctx, requestID, StatusTimeout, nil)
}

// Cancel 取消请求（工作流被中止或会话结束时）。
func (c *Coordinator) Cancel(ctx context.Context, requestID string) (*Resolution, error) {
	c.mu.Lock()
	_, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return nil, c.classifyMissing(ctx, requestID)
	}
	return c.resolve(ctx, requestID, StatusCancelled, nil)
}

// CancelWorkflow 取消某工作流的 pending 请求（若有）。
func (c *Coordinator) CancelWorkflow(ctx context.Context, workflowID string) error {
	c.mu.Lock()
	requestID, ok := c.byWorkflow[workflowID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := c.resolve(ctx, requestID, StatusCancelled, nil)
	return err
}

// Await 阻塞等待请求到达终态。请求已终态化时从存储重建结论。
func (c *Coordinator) Await(ctx context.Context, requestID string) (*Resolution, error) {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		req, err := c.store.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.Status == StatusPending {
			// 存储 pending 但内存无此请求：属于其他实例，本实例无法等待
			return nil, ErrNotFound
		}
		return c.resolutionFromStored(req), nil
	}
	select {
	case res := <-entry.done:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetPending 返回某工作流当前的 pending 请求，无则返回 nil。
func (c *Coordinator) GetPending(ctx context.Context, workflowID string) (*Request, error) {
	c.mu.Lock()
	requestID, ok := c.byWorkflow[workflowID]
	var req *Request
	if ok {
		req = c.pending[requestID].req.Clone()
	}
	c.mu.Unlock()
	if ok {
		return req, nil
	}
	// 兜底查存储（多实例部署下 pending 可能在别的实例内存中）
	list, err := c.store.ListPendingByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// Get 按 ID 查询请求（任意状态）。
func (c *Coordinator) Get(ctx context.Context, requestID string) (*Request, error) {
	c.mu.Lock()
	if entry, ok := c.pending[requestID]; ok {
		req := entry.req.Clone()
		c.mu.Unlock()
		return req, nil
	}
	c.mu.Unlock()
	return c.store.Get(ctx, requestID)
}

// ----- 内部 -----

// autoApprove 在 HITL 总开关关闭时直接以批准终态落库，
// 不进入 pending、不广播、不提醒、不计时。留档供审计。
func (c *Coordinator) autoApprove(ctx context.Context, params RequestParams, timeout time.Duration) (*Request, error) {
	now := c.now()
	var zero int64
	req := &Request{
		RequestID:      NewRequestID(),
		WorkflowID:     params.WorkflowID,
		ConversationID: params.ConversationID,
		Type:           params.Type,
		Context:        params.Context,
		Choices:        params.Choices,
		TimeoutSeconds: int(timeout / time.Second),
		Required:       params.Required,
		Status:         StatusApproved,
		RequestedAt:    now,
		TimeoutAt:      now.Add(timeout),
		RespondedAt:    &now,
		ResponseTimeMs: &zero,
	}
	if err := c.store.Create(ctx, req); err != nil {
		return nil, err
	}

	fb := Fallback{Action: ActionApprove, Proceed: true}
	res := &Resolution{
		RequestID:  req.RequestID,
		WorkflowID: req.WorkflowID,
		Status:     StatusApproved,
		ResolvedAt: now,
		Fallback:   &fb,
	}
	if c.history != nil {
		if err := c.history.Record(ctx, historyFromResolution(req, res)); err != nil {
			c.logger.Warn("failed to record hitl history",
				zap.String("request_id", req.RequestID), zap.Error(err))
		}
	}

	c.logger.Info("hitl disabled, intervention auto-approved",
		zap.String("request_id", req.RequestID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("type", string(req.Type)))
	return req.Clone(), nil
}

// resolve 是所有终态转换的唯一路径。
// 内存锁下摘除 entry（赢家判定），随后条件更新存储、广播终态事件、
// 记录历史、投递 Await 结论。
func (c *Coordinator) resolve(ctx context.Context, requestID string, status Status, resp *Response) (*Resolution, error) {
	c.mu.Lock()
	entry, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrAlreadyResolved
	}
	delete(c.pending, requestID)
	delete(c.byWorkflow, entry.req.WorkflowID)
	pendingCount := len(c.pending)
	c.mu.Unlock()

	c.scheduler.disarm(requestID)
	c.metrics.SetPendingCount(pendingCount)

	res, err := c.resolveDurable(ctx, entry.req, status, resp)
	if err != nil {
		return nil, err
	}

	// 非阻塞投递：没有 Await 方时结论留在缓冲里
	select {
	case entry.done <- res:
	default:
	}
	return res, nil
}

// resolveDurable 执行存储条件更新并处理终态副作用。
// 存储更新失败（已被其他实例终态化）时返回 ErrAlreadyResolved。
func (c *Coordinator) resolveDurable(ctx context.Context, req *Request, status Status, resp *Response) (*Resolution, error) {
	resolvedAt := c.now()
	responseTime := resolvedAt.Sub(req.RequestedAt)
	won, err := c.store.MarkResolved(ctx, req.RequestID, status, resolvedAt, responseTime.Milliseconds())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrAlreadyResolved
	}

	res := &Resolution{
		RequestID:  req.RequestID,
		WorkflowID: req.WorkflowID,
		Status:     status,
		Response:   resp,
		ResolvedAt: resolvedAt,
	}
	eventType := events.HumanInputReceived
	if status == StatusTimeout {
		eventType = events.HumanInputTimeout
		fb := c.fallback.OnTimeout(req.Type, req.Required)
		res.Fallback = &fb
	}

	c.metrics.InterventionResolved(req.Type, status, responseTime)
	c.broadcast(ctx, req.WorkflowID, eventType, req, res)
	if c.history != nil {
		if err := c.history.Record(ctx, historyFromResolution(req, res)); err != nil {
			c.logger.Warn("failed to record hitl history",
				zap.String("request_id", req.RequestID), zap.Error(err))
		}
	}

	c.logger.Info("intervention resolved",
		zap.String("request_id", req.RequestID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("status", string(status)),
		zap.Duration("response_time", responseTime))
	return res, nil
}

// overdue 返回已越过 timeout_at 的 pending 请求 ID（扫描兜底用）。
func (c *Coordinator) overdue() []string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, entry := range c.pending {
		if !now.Before(entry.req.TimeoutAt) {
			ids = append(ids, id)
		}
	}
	return ids
}

// classifyMissing 区分「从不存在」与「已终态」。
func (c *Coordinator) classifyMissing(ctx context.Context, requestID string) error {
	req, err := c.store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return ErrAlreadyResolved
	}
	return ErrNotFound
}

// evict 回滚内存索引（存储写入失败时）。
func (c *Coordinator) evict(req *Request) {
	c.mu.Lock()
	delete(c.pending, req.RequestID)
	if c.byWorkflow[req.WorkflowID] == req.RequestID {
		delete(c.byWorkflow, req.WorkflowID)
	}
	pendingCount := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPendingCount(pendingCount)
}

func (c *Coordinator) broadcast(ctx context.Context, workflowID string, t events.Type, req *Request, res *Resolution) {
	data := map[string]any{"request": req}
	if res != nil {
		data["status"] = string(res.Status)
		if res.Response != nil {
			data["action"] = string(res.Response.Action)
		}
		if res.Fallback != nil {
			data["fallback"] = res.Fallback
		}
	}
	ev := events.New(t, workflowID,
		events.WithConversation(req.ConversationID),
		events.WithData(data),
	)
	if _, err := c.channel.BroadcastToWorkflow(ctx, workflowID, ev); err != nil {
		c.logger.Warn("hitl event broadcast failed",
			zap.String("workflow_id", workflowID),
			zap.String("event_type", string(t)),
			zap.Error(err))
	}
}

func (c *Coordinator) resolutionFromStored(req *Request) *Resolution {
	res := &Resolution{
		RequestID:  req.RequestID,
		WorkflowID: req.WorkflowID,
		Status:     req.Status,
	}
	if req.RespondedAt != nil {
		res.ResolvedAt = *req.RespondedAt
	}
	if req.Status == StatusTimeout {
		fb := c.fallback.OnTimeout(req.Type, req.Required)
		res.Fallback = &fb
	}
	return res
}

// validateAction 校验响应动作是否落在请求的可选集合内。
func validateAction(req *Request, resp *Response) error {
	if resp == nil || !resp.Action.Valid() {
		return ErrInvalidAction
	}
	choices := req.Choices
	if len(choices) == 0 {
		choices = DefaultChoices(req.Type)
	}
	for _, ch := range choices {
		if ch.Action == resp.Action {
			if resp.Action == ActionModify && resp.ModifiedSQL == "" && resp.Payload == nil {
				return ErrInvalidAction
			}
			return nil
		}
	}
	return ErrInvalidAction
}
