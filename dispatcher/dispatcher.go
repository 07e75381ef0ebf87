package dispatcher

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/events"
)

// Sender 是向单个客户端连接投递事件的抽象（ws_handler 实现）。
type Sender interface {
	// Send 将事件排入连接的发送队列。队列满（慢消费者）时返回错误。
	Send(event *events.Event) error
	// CloseSlow 关闭跟不上投递速度的连接。
	CloseSlow()
}

// MetricsRecorder 调度器的指标面。
type MetricsRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
	EventDelivered(eventType string)
	EventDropped(eventType string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()     {}
func (nopMetrics) ConnectionClosed()     {}
func (nopMetrics) EventDelivered(string) {}
func (nopMetrics) EventDropped(string)   {}

// Relay 跨实例事件中继（Redis Pub/Sub 实现，见 relay.go）。
type Relay interface {
	Publish(ctx context.Context, workflowID string, event *events.Event) error
}

type connection struct {
	id     string
	userID string
	sender Sender
}

// Dispatcher 维护 workflowID -> 订阅连接 的路由表，
// 将工作流事件按订阅关系推送到 WebSocket 连接。
//
// 同一用户在同一工作流上的订阅是后者覆盖前者（last-subscriber-wins），
// 页面刷新 / 重连后旧连接不再收到该工作流的事件。
type Dispatcher struct {
	mu     sync.RWMutex
	conns  map[string]*connection            // connID -> conn
	byUser map[string]map[string]struct{}    // userID -> connIDs
	subs   map[string]map[string]*connection // workflowID -> connID -> conn

	relay      Relay
	instanceID string
	metrics    MetricsRecorder
	logger     *zap.Logger
}

// NewDispatcher 创建事件调度器。relay 可为 nil（单实例部署）。
func NewDispatcher(relay Relay, metrics MetricsRecorder, logger *zap.Logger) *Dispatcher {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		conns:      make(map[string]*connection),
		byUser:     make(map[string]map[string]struct{}),
		subs:       make(map[string]map[string]*connection),
		relay:      relay,
		instanceID: uuid.NewString(),
		metrics:    metrics,
		logger:     logger.With(zap.String("component", "event_dispatcher")),
	}
}

// InstanceID 本实例标识，中继消息用它跳过自己发布的事件。
func (d *Dispatcher) InstanceID() string {
	return d.instanceID
}

// Register 注册一个已通过认证的连接，返回连接 ID。
func (d *Dispatcher) Register(userID string, sender Sender) string {
	connID := uuid.NewString()
	conn := &connection{id: connID, userID: userID, sender: sender}

	d.mu.Lock()
	d.conns[connID] = conn
	if d.byUser[userID] == nil {
		d.byUser[userID] = make(map[string]struct{})
	}
	d.byUser[userID][connID] = struct{}{}
	d.mu.Unlock()

	d.metrics.ConnectionOpened()
	d.logger.Info("connection registered",
		zap.String("conn_id", connID), zap.String("user_id", userID))
	return connID
}

// Unregister 注销连接并清理其全部订阅。
func (d *Dispatcher) Unregister(connID string) {
	d.mu.Lock()
	conn, ok := d.conns[connID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.conns, connID)
	if set := d.byUser[conn.userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(d.byUser, conn.userID)
		}
	}
	for workflowID, set := range d.subs {
		delete(set, connID)
		if len(set) == 0 {
			delete(d.subs, workflowID)
		}
	}
	d.mu.Unlock()

	d.metrics.ConnectionClosed()
	d.logger.Info("connection unregistered", zap.String("conn_id", connID))
}

// Subscribe 将连接订阅到某工作流。
// 同一用户对同一工作流的旧连接订阅被替换。
func (d *Dispatcher) Subscribe(connID, workflowID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.conns[connID]
	if !ok {
		return false
	}
	set := d.subs[workflowID]
	if set == nil {
		set = make(map[string]*connection)
		d.subs[workflowID] = set
	}
	for id, other := range set {
		if other.userID == conn.userID && id != connID {
			delete(set, id)
		}
	}
	set[connID] = conn
	return true
}

// Unsubscribe 取消连接对某工作流的订阅。
func (d *Dispatcher) Unsubscribe(connID, workflowID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set := d.subs[workflowID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(d.subs, workflowID)
		}
	}
}

// Available 报告某工作流的事件当前是否可达：
// 本实例有订阅者，或配置了跨实例中继。
func (d *Dispatcher) Available(workflowID string) bool {
	if d.relay != nil {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[workflowID]) > 0
}

// SubscriberCount 返回某工作流在本实例上的订阅连接数。
func (d *Dispatcher) SubscriberCount(workflowID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[workflowID])
}

// BroadcastToWorkflow 将事件投递给某工作流的全部订阅者，
// 并通过中继转发给其他实例。返回本实例投递的连接数。
func (d *Dispatcher) BroadcastToWorkflow(ctx context.Context, workflowID string, event *events.Event) (int, error) {
	if d.relay != nil {
		if err := d.relay.Publish(ctx, workflowID, event); err != nil {
			d.logger.Warn("relay publish failed",
				zap.String("workflow_id", workflowID), zap.Error(err))
		}
	}
	return d.deliverLocal(workflowID, event), nil
}

// DeliverLocal 只投递给本实例的订阅者（中继接收路径用，避免回环）。
func (d *Dispatcher) DeliverLocal(workflowID string, event *events.Event) int {
	return d.deliverLocal(workflowID, event)
}

func (d *Dispatcher) deliverLocal(workflowID string, event *events.Event) int {
	// copy-on-iterate：持锁拷贝接收者，投递在锁外进行
	d.mu.RLock()
	targets := make([]*connection, 0, len(d.subs[workflowID]))
	for _, conn := range d.subs[workflowID] {
		targets = append(targets, conn)
	}
	d.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.sender.Send(event); err != nil {
			d.metrics.EventDropped(string(event.Type))
			d.logger.Warn("slow consumer, closing connection",
				zap.String("conn_id", conn.id),
				zap.String("workflow_id", workflowID))
			conn.sender.CloseSlow()
			continue
		}
		d.metrics.EventDelivered(string(event.Type))
		delivered++
	}
	return delivered
}
