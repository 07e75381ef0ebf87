package events

import "time"

// Type 工作流事件类型
type Type string

const (
	// 生命周期事件
	WorkflowStarted   Type = "workflow.started"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"
	WorkflowPaused    Type = "workflow.paused"
	WorkflowResumed   Type = "workflow.resumed"

	// 阶段事件
	StageStarted   Type = "stage.started"
	StageCompleted Type = "stage.completed"
	StageFailed    Type = "stage.failed"

	// 进度事件
	ProgressUpdate Type = "progress.update"

	// Agent 事件
	AgentStarted   Type = "agent.started"
	AgentCompleted Type = "agent.completed"

	// HITL 事件
	HumanInputRequired Type = "human_input.required"
	HumanInputReceived Type = "human_input.received"
	HumanInputTimeout  Type = "human_input.timeout"

	// 连接事件
	ConnectionAck   Type = "connection.ack"
	SubscriptionAck Type = "subscription.ack"
	Pong            Type = "pong"
)

// SystemWorkflowID 用于与具体工作流无关的事件（如 connection.ack）。
const SystemWorkflowID = "system"

// Event 是推送给客户端的工作流事件消息。
//
// Data 携带事件相关负载（HITL 事件为完整的干预请求快照）；
// 未识别的 Type 必须被客户端静默忽略，保证向前兼容。
type Event struct {
	Type           Type           `json:"event_type"`
	WorkflowID     string         `json:"workflow_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Stage          string         `json:"stage,omitempty"`
	Agent          string         `json:"agent,omitempty"`
	Progress       *float64       `json:"progress,omitempty"`
	Message        string         `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// Option 配置事件的可选字段。
type Option func(*Event)

// WithConversation 设置会话 ID。
func WithConversation(conversationID string) Option {
	return func(e *Event) { e.ConversationID = conversationID }
}

// WithStage 设置阶段名（analysis / deciding / visualizing / finalizing）。
func WithStage(stage string) Option {
	return func(e *Event) { e.Stage = stage }
}

// WithAgent 设置 Agent 名（analysis / visualization）。
func WithAgent(agent string) Option {
	return func(e *Event) { e.Agent = agent }
}

// WithProgress 设置进度（0.0 - 1.0）。
func WithProgress(progress float64) Option {
	return func(e *Event) { e.Progress = &progress }
}

// WithMessage 设置用户可读的消息。
func WithMessage(message string) Option {
	return func(e *Event) { e.Message = message }
}

// WithData 设置事件负载。
func WithData(data map[string]any) Option {
	return func(e *Event) { e.Data = data }
}

// WithError 设置错误信息。
func WithError(err string) Option {
	return func(e *Event) { e.Error = err }
}

// New 创建一个工作流事件。
func New(t Type, workflowID string, opts ...Option) *Event {
	e := &Event{
		Type:       t,
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
