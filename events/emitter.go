package events

import (
	"context"

	"go.uber.org/zap"
)

// Broadcaster 将事件投递给某个工作流的订阅者（由 dispatcher 实现）。
type Broadcaster interface {
	BroadcastToWorkflow(ctx context.Context, workflowID string, event *Event) (int, error)
}

// Emitter 是工作流引擎侧的事件发射器。
// 引擎在各个节点调用它来推送实时进度；投递是尽力而为的，
// 没有订阅者时事件被丢弃（客户端重连后通过 pending 拉取恢复状态）。
type Emitter struct {
	sink   Broadcaster
	logger *zap.Logger
}

// NewEmitter 创建事件发射器。
func NewEmitter(sink Broadcaster, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		sink:   sink,
		logger: logger.With(zap.String("component", "event_emitter")),
	}
}

// EmitWorkflowStarted 发射 workflow.started 事件。
func (e *Emitter) EmitWorkflowStarted(ctx context.Context, workflowID, conversationID, userQuery string) {
	msg := "Processing query"
	if userQuery != "" {
		// 按 rune 截断，避免把多字节字符切成半个
		if r := []rune(userQuery); len(r) > 50 {
			userQuery = string(r[:50])
		}
		msg = "Processing: " + userQuery
	}
	e.emit(ctx, workflowID, New(WorkflowStarted, workflowID,
		WithConversation(conversationID),
		WithMessage(msg),
		WithProgress(0.0),
	))
}

// EmitStageStarted 发射 stage.started 事件。
func (e *Emitter) EmitStageStarted(ctx context.Context, workflowID, stage, message string, progress float64) {
	e.emit(ctx, workflowID, New(StageStarted, workflowID,
		WithStage(stage),
		WithMessage(message),
		WithProgress(progress),
	))
}

// EmitStageCompleted 发射 stage.completed 事件。
func (e *Emitter) EmitStageCompleted(ctx context.Context, workflowID, stage, message string, progress float64) {
	e.emit(ctx, workflowID, New(StageCompleted, workflowID,
		WithStage(stage),
		WithMessage(message),
		WithProgress(progress),
	))
}

// EmitStageFailed 发射 stage.failed 事件。
func (e *Emitter) EmitStageFailed(ctx context.Context, workflowID, stage, errMsg string) {
	e.emit(ctx, workflowID, New(StageFailed, workflowID,
		WithStage(stage),
		WithError(errMsg),
	))
}

// EmitAgentStarted 发射 agent.started 事件。
func (e *Emitter) EmitAgentStarted(ctx context.Context, workflowID, agent string, progress float64) {
	e.emit(ctx, workflowID, New(AgentStarted, workflowID,
		WithAgent(agent),
		WithMessage(agent+" agent processing"),
		WithProgress(progress),
	))
}

// EmitAgentCompleted 发射 agent.completed 事件。
func (e *Emitter) EmitAgentCompleted(ctx context.Context, workflowID, agent string, progress float64) {
	e.emit(ctx, workflowID, New(AgentCompleted, workflowID,
		WithAgent(agent),
		WithMessage(agent+" agent completed"),
		WithProgress(progress),
	))
}

// EmitProgress 发射 progress.update 事件。
func (e *Emitter) EmitProgress(ctx context.Context, workflowID, message string, progress float64) {
	e.emit(ctx, workflowID, New(ProgressUpdate, workflowID,
		WithMessage(message),
		WithProgress(progress),
	))
}

// EmitWorkflowCompleted 发射 workflow.completed 事件。
func (e *Emitter) EmitWorkflowCompleted(ctx context.Context, workflowID, conversationID string) {
	e.emit(ctx, workflowID, New(WorkflowCompleted, workflowID,
		WithConversation(conversationID),
		WithMessage("Workflow completed successfully"),
		WithProgress(1.0),
	))
}

// EmitWorkflowFailed 发射 workflow.failed 事件。
func (e *Emitter) EmitWorkflowFailed(ctx context.Context, workflowID, errMsg string) {
	e.emit(ctx, workflowID, New(WorkflowFailed, workflowID,
		WithError(errMsg),
		WithMessage("Workflow failed: "+errMsg),
		WithProgress(0.0),
	))
}

func (e *Emitter) emit(ctx context.Context, workflowID string, event *Event) {
	delivered, err := e.sink.BroadcastToWorkflow(ctx, workflowID, event)
	if err != nil {
		e.logger.Warn("event broadcast failed",
			zap.String("workflow_id", workflowID),
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
		return
	}
	if delivered == 0 {
		e.logger.Debug("no subscribers, event dropped",
			zap.String("workflow_id", workflowID),
			zap.String("event_type", string(event.Type)),
		)
	}
}
