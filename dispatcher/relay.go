package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/events"
)

const relayChannel = "insightflow:workflow-events"

// relayEnvelope 中继消息格式。Origin 用于跳过自己发布的事件。
type relayEnvelope struct {
	Origin     string        `json:"origin"`
	WorkflowID string        `json:"workflow_id"`
	Event      *events.Event `json:"event"`
}

// LocalSink 中继的本地投递目标（Dispatcher 实现）。
type LocalSink interface {
	InstanceID() string
	DeliverLocal(workflowID string, event *events.Event) int
}

// RedisRelay 通过 Redis Pub/Sub 把工作流事件转发到其他实例，
// 支撑多副本部署：订阅者连在哪个实例都能收到事件。
type RedisRelay struct {
	client *redis.Client
	sink   LocalSink
	logger *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisRelay 创建 Redis 中继。
func NewRedisRelay(client *redis.Client, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client: client,
		logger: logger.With(zap.String("component", "event_relay")),
	}
}

// Start 绑定本地投递目标并开始消费中继消息。
func (r *RedisRelay) Start(ctx context.Context, sink LocalSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return fmt.Errorf("relay already started")
	}
	r.sink = sink
	r.pubsub = r.client.Subscribe(ctx, relayChannel)
	// 确认订阅建立，避免启动窗口丢消息
	if _, err := r.pubsub.Receive(ctx); err != nil {
		r.pubsub = nil
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.done = make(chan struct{})
	go r.consume(r.pubsub.Channel(), r.done)
	r.logger.Info("event relay started", zap.String("channel", relayChannel))
	return nil
}

// Stop 停止消费并关闭订阅。
func (r *RedisRelay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return
	}
	_ = r.pubsub.Close()
	<-r.done
	r.pubsub = nil
}

// Publish 将事件发布到中继通道。
func (r *RedisRelay) Publish(ctx context.Context, workflowID string, event *events.Event) error {
	origin := ""
	if r.sink != nil {
		origin = r.sink.InstanceID()
	}
	payload, err := json.Marshal(relayEnvelope{
		Origin:     origin,
		WorkflowID: workflowID,
		Event:      event,
	})
	if err != nil {
		return fmt.Errorf("relay marshal: %w", err)
	}
	if err := r.client.Publish(ctx, relayChannel, payload).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

func (r *RedisRelay) consume(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range ch {
		var env relayEnvelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			r.logger.Warn("malformed relay message", zap.Error(err))
			continue
		}
		if env.Origin == r.sink.InstanceID() || env.Event == nil {
			continue
		}
		r.sink.DeliverLocal(env.WorkflowID, env.Event)
	}
}
