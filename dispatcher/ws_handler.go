package dispatcher

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/insightflow/events"
)

// WSHandlerConfig WebSocket 入口配置。
type WSHandlerConfig struct {
	PingInterval   time.Duration // 服务端保活 ping 间隔，默认 30s
	WriteTimeout   time.Duration // 单帧写超时，默认 5s
	SendBufferSize int           // 每连接发送队列长度，默认 64
	MessageRate    rate.Limit    // 入站消息速率（条/秒），默认 10
	MessageBurst   int           // 入站消息突发额度，默认 20
	AllowedOrigins []string      // 跨域来源白名单，空表示同源
}

func (c *WSHandlerConfig) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 64
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 10
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 20
	}
}

// clientMessage 客户端入站消息。
type clientMessage struct {
	Action     string `json:"action"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// WSHandler 处理 GET /ws 的 WebSocket 升级与连接生命周期。
//
// 认证在升级之前完成：令牌无效直接返回 401，不 Accept。
// 升级后服务端推送 connection.ack，之后客户端通过
// {"action":"subscribe","workflow_id":"..."} 管理订阅。
type WSHandler struct {
	dispatcher *Dispatcher
	verifier   *TokenVerifier
	cfg        WSHandlerConfig
	logger     *zap.Logger
}

// NewWSHandler 创建 WebSocket 入口。
func NewWSHandler(d *Dispatcher, verifier *TokenVerifier, cfg WSHandlerConfig, logger *zap.Logger) *WSHandler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		dispatcher: d,
		verifier:   verifier,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "ws_handler")),
	}
}

// wsConn 实现 Sender：事件经发送队列由单一 writer 协程串行写出，
// 保证单连接上的投递顺序。
type wsConn struct {
	conn     *websocket.Conn
	outbound chan *events.Event
}

func (c *wsConn) Send(event *events.Event) error {
	select {
	case c.outbound <- event:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *wsConn) CloseSlow() {
	c.conn.Close(websocket.StatusPolicyViolation, "send buffer overflow")
}

var errSendBufferFull = &slowConsumerError{}

type slowConsumerError struct{}

func (*slowConsumerError) Error() string { return "send buffer full" }

// ServeHTTP 升级连接并运行读写循环，直到连接关闭。
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(32 * 1024)

	wc := &wsConn{
		conn:     conn,
		outbound: make(chan *events.Event, h.cfg.SendBufferSize),
	}
	connID := h.dispatcher.Register(claims.Subject, wc)
	defer h.dispatcher.Unregister(connID)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	wc.Send(events.New(events.ConnectionAck, events.SystemWorkflowID,
		events.WithData(map[string]any{
			"connection_id": connID,
			"user_id":       claims.Subject,
		}),
	))

	go h.writeLoop(ctx, wc, cancel)
	h.readLoop(ctx, conn, wc, connID)
}

// writeLoop 串行写出发送队列并维持保活 ping。
func (h *WSHandler) writeLoop(ctx context.Context, wc *wsConn, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-wc.outbound:
			if err := h.write(ctx, wc.conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := wc.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *WSHandler) write(ctx context.Context, conn *websocket.Conn, ev *events.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}

// readLoop 处理客户端消息：subscribe / unsubscribe / ping。
// 未识别的 action 静默忽略。
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, wc *wsConn, connID string) {
	limiter := rate.NewLimiter(h.cfg.MessageRate, h.cfg.MessageBurst)
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		if !limiter.Allow() {
			conn.Close(websocket.StatusPolicyViolation, "message rate exceeded")
			return
		}
		switch msg.Action {
		case "subscribe":
			if msg.WorkflowID == "" {
				continue
			}
			if h.dispatcher.Subscribe(connID, msg.WorkflowID) {
				wc.Send(events.New(events.SubscriptionAck, msg.WorkflowID,
					events.WithData(map[string]any{"subscribed": true}),
				))
			}
		case "unsubscribe":
			if msg.WorkflowID == "" {
				continue
			}
			h.dispatcher.Unsubscribe(connID, msg.WorkflowID)
			wc.Send(events.New(events.SubscriptionAck, msg.WorkflowID,
				events.WithData(map[string]any{"subscribed": false}),
			))
		case "ping":
			wc.Send(events.New(events.Pong, events.SystemWorkflowID))
		}
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
