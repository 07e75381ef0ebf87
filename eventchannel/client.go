package eventchannel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/events"
)

// State 通道连接状态。
type State string

const (
	StateConnected State = "connected"
	StateDegraded  State = "degraded" // 连接断开，后台重连中
	StateClosed    State = "closed"
)

// Handler 工作流事件回调。由单一读协程串行调用，保证事件顺序。
type Handler func(event *events.Event)

// Config 事件通道客户端配置。
type Config struct {
	URL            string        // ws://host/ws
	Token          string        // JWT，随握手 query 携带
	DialTimeout    time.Duration // 单次拨号超时，默认 10s
	PingInterval   time.Duration // 应用层 ping 间隔，默认 30s
	BackoffInitial time.Duration // 重连退避起点，默认 500ms
	BackoffMax     time.Duration // 重连退避上限，默认 30s
	MaxReconnects  int           // 连续重连失败上限，默认 5；用尽后停在 degraded
}

func (c *Config) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
}

// Client 工作流事件通道的客户端。
//
// 连接断开后自动按指数退避重连（封顶 BackoffMax），重连成功后
// 自动重放全部订阅。断开期间状态为 degraded，期间的订阅/退订
// 会记入期望集合，待重连后生效。连续 MaxReconnects 次重连失败
// 后放弃重试，停留在 degraded。
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string]struct{}           // 期望订阅集合
	handlers map[string]map[string]Handler // workflowID -> handlerID -> Handler
	state    State
	watchers []func(State)
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// ErrClosed 客户端已关闭。
var ErrClosed = errors.New("event channel client closed")

// NewClient 创建事件通道客户端。
func NewClient(cfg Config, logger *zap.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "event_channel")),
		subs:     make(map[string]struct{}),
		handlers: make(map[string]map[string]Handler),
		state:    StateDegraded,
	}
}

// Connect 建立首次连接并启动后台维护协程。
// 首次拨号失败直接返回错误；之后的断线由后台自动重连。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}
	c.adopt(conn)

	c.wg.Add(1)
	go c.run(runCtx, conn)
	return nil
}

// Close 关闭客户端并停止重连。幂等。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.wg.Wait()
	c.setState(StateClosed)
	return nil
}

// State 返回当前连接状态。
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange 注册状态变更回调。
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
}

// Subscribe 订阅某工作流的事件。幂等；断线期间记入期望集合。
func (c *Client) Subscribe(ctx context.Context, workflowID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.subs[workflowID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.subs[workflowID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil // degraded：重连后自动补发
	}
	return c.send(ctx, conn, clientMessage{Action: "subscribe", WorkflowID: workflowID})
}

// Unsubscribe 退订某工作流。幂等。
func (c *Client) Unsubscribe(ctx context.Context, workflowID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.subs[workflowID]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, workflowID)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.send(ctx, conn, clientMessage{Action: "unsubscribe", WorkflowID: workflowID})
}

// On 为某工作流注册事件回调，返回回调 ID 供 Off 使用。
func (c *Client) On(workflowID string, handler Handler) string {
	id := uuid.NewString()
	c.mu.Lock()
	if c.handlers[workflowID] == nil {
		c.handlers[workflowID] = make(map[string]Handler)
	}
	c.handlers[workflowID][id] = handler
	c.mu.Unlock()
	return id
}

// Off 移除回调。不传 ID 时移除该工作流的全部回调。
func (c *Client) Off(workflowID string, ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 {
		delete(c.handlers, workflowID)
		return
	}
	set := c.handlers[workflowID]
	for _, id := range ids {
		delete(set, id)
	}
	if len(set) == 0 {
		delete(c.handlers, workflowID)
	}
}

// ----- 内部 -----

type clientMessage struct {
	Action     string `json:"action"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	url := c.cfg.URL
	if c.cfg.Token != "" {
		url += "?token=" + c.cfg.Token
	}
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("event channel dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (c *Client) adopt(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)
}

// run 维护连接：读循环退出即视为断线，按退避重连并重放订阅。
func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	backoff := c.cfg.BackoffInitial
	for {
		c.resubscribe(ctx, conn)
		c.readAndPing(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		c.setState(StateDegraded)

		// 重连循环：指数退避，连续失败 MaxReconnects 次后放弃，
		// 客户端停留在 degraded（上层通过 pending 拉取恢复状态）
		attempts := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			next, err := c.dial(ctx)
			if err != nil {
				attempts++
				c.logger.Warn("reconnect failed",
					zap.Int("attempt", attempts),
					zap.Int("max_attempts", c.cfg.MaxReconnects),
					zap.Duration("backoff", backoff), zap.Error(err))
				if attempts >= c.cfg.MaxReconnects {
					c.logger.Error("reconnect attempts exhausted, giving up",
						zap.Int("attempts", attempts))
					return
				}
				backoff *= 2
				if backoff > c.cfg.BackoffMax {
					backoff = c.cfg.BackoffMax
				}
				continue
			}
			conn = next
			backoff = c.cfg.BackoffInitial
			c.adopt(conn)
			c.logger.Info("event channel reconnected")
			break
		}
	}
}

// readAndPing 在当前连接上运行读循环与保活 ping，连接断开时返回。
func (c *Client) readAndPing(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				if err := c.send(connCtx, conn, clientMessage{Action: "ping"}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var ev events.Event
		if err := wsjson.Read(connCtx, conn, &ev); err != nil {
			return
		}
		c.dispatch(&ev)
	}
}

// dispatch 串行分发事件给注册的回调。
// connection.ack / subscription.ack / pong 属于通道协议，不外发。
func (c *Client) dispatch(ev *events.Event) {
	switch ev.Type {
	case events.ConnectionAck, events.SubscriptionAck, events.Pong:
		return
	}
	c.mu.Lock()
	set := c.handlers[ev.WorkflowID]
	hs := make([]Handler, 0, len(set))
	for _, h := range set {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// resubscribe 重放期望订阅集合。
func (c *Client) resubscribe(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	subs := make([]string, 0, len(c.subs))
	for id := range c.subs {
		subs = append(subs, id)
	}
	c.mu.Unlock()
	for _, workflowID := range subs {
		if err := c.send(ctx, conn, clientMessage{Action: "subscribe", WorkflowID: workflowID}); err != nil {
			c.logger.Warn("resubscribe failed",
				zap.String("workflow_id", workflowID), zap.Error(err))
			return
		}
	}
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, msg clientMessage) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	watchers := append([]func(State){}, c.watchers...)
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(s)
	}
}
