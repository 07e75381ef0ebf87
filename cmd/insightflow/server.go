package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/insightflow/api/handlers"
	"github.com/BaSui01/insightflow/config"
	"github.com/BaSui01/insightflow/dispatcher"
	"github.com/BaSui01/insightflow/hitl"
	"github.com/BaSui01/insightflow/internal/database"
	"github.com/BaSui01/insightflow/internal/metrics"
	"github.com/BaSui01/insightflow/internal/server"
	"github.com/BaSui01/insightflow/internal/telemetry"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 InsightFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers
	pool   *database.PoolManager

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 事件通道
	redisClient *redis.Client
	relay       *dispatcher.RedisRelay
	dispatcher  *dispatcher.Dispatcher
	wsHandler   *dispatcher.WSHandler

	// 人工干预
	coordinator  *hitl.Coordinator
	historyStore hitl.HistoryStore
	prefStore    hitl.PreferenceStore

	// Handlers
	healthHandler *handlers.HealthHandler
	hitlHandler   *handlers.HITLHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 后台任务生命周期管理
	rateLimiterCancel context.CancelFunc
	purgeCancel       context.CancelFunc

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers, pool *database.PoolManager) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
		pool:   pool,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("insightflow", prometheus.DefaultRegisterer, s.logger)

	// 2. 初始化事件通道（Redis 中继 + 分发器 + WebSocket 入口）
	if err := s.initEventChannel(); err != nil {
		return fmt.Errorf("failed to init event channel: %w", err)
	}

	// 3. 初始化人工干预协调器
	if err := s.initCoordinator(); err != nil {
		return fmt.Errorf("failed to init coordinator: %w", err)
	}

	// 4. 初始化 Handlers
	s.initHandlers()

	// 5. 启动历史清理循环
	s.startHistoryPurge()

	// 6. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 7. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("redis_relay_enabled", s.relay != nil),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initEventChannel 初始化事件分发器与 WebSocket 入口。
// Redis 启用时挂载跨实例中继，单实例部署可以不配 Redis。
func (s *Server) initEventChannel() error {
	var relay dispatcher.Relay
	if s.cfg.Redis.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:         s.cfg.Redis.Addr,
			Password:     s.cfg.Redis.Password,
			DB:           s.cfg.Redis.DB,
			PoolSize:     s.cfg.Redis.PoolSize,
			MinIdleConns: s.cfg.Redis.MinIdleConns,
		})
		s.relay = dispatcher.NewRedisRelay(s.redisClient, s.logger)
		relay = s.relay
	}

	s.dispatcher = dispatcher.NewDispatcher(relay, s.metricsCollector, s.logger)

	if s.relay != nil {
		if err := s.relay.Start(context.Background(), s.dispatcher); err != nil {
			return fmt.Errorf("start redis relay: %w", err)
		}
		s.logger.Info("Redis event relay started", zap.String("addr", s.cfg.Redis.Addr))
	}

	verifier := dispatcher.NewTokenVerifier(s.cfg.Auth.JWTSecret)
	s.wsHandler = dispatcher.NewWSHandler(s.dispatcher, verifier, dispatcher.WSHandlerConfig{
		PingInterval:   s.cfg.Channel.PingInterval,
		WriteTimeout:   s.cfg.Channel.WriteTimeout,
		SendBufferSize: s.cfg.Channel.SendBufferSize,
		MessageRate:    rate.Limit(s.cfg.Channel.MessageRate),
		MessageBurst:   s.cfg.Channel.MessageBurst,
		AllowedOrigins: s.cfg.Channel.AllowedOrigins,
	}, s.logger)

	return nil
}

// initCoordinator 初始化协调器：gorm 存储 + 外部提醒 + 超时兜底。
func (s *Server) initCoordinator() error {
	db := s.pool.DB()
	requestStore := hitl.NewGormRequestStore(db)
	s.historyStore = hitl.NewGormHistoryStore(db)
	s.prefStore = hitl.NewGormPreferenceStore(db)

	var notifier hitl.Notifier
	if s.cfg.Notifications.SlackWebhookURL != "" || s.cfg.Notifications.SMTPHost != "" {
		notifier = hitl.NewChannelNotifier(hitl.NotifierConfig{
			SlackWebhookURL: s.cfg.Notifications.SlackWebhookURL,
			SMTPHost:        s.cfg.Notifications.SMTPHost,
			SMTPPort:        s.cfg.Notifications.SMTPPort,
			SMTPUsername:    s.cfg.Notifications.SMTPUsername,
			SMTPPassword:    s.cfg.Notifications.SMTPPassword,
			EmailFrom:       s.cfg.Notifications.EmailFrom,
			DefaultEmailTo:  s.cfg.Notifications.DefaultEmailTo,
		}, s.prefStore, s.logger)
		s.logger.Info("External notifications enabled",
			zap.Bool("slack", s.cfg.Notifications.SlackWebhookURL != ""),
			zap.Bool("email", s.cfg.Notifications.SMTPHost != ""),
		)
	}

	s.coordinator = hitl.NewCoordinator(hitl.CoordinatorOptions{
		Store:       requestStore,
		History:     s.historyStore,
		Broadcaster: s.dispatcher,
		Fallback: &hitl.DefaultFallbackPolicy{
			ApproveOptionalReviews: s.cfg.HITL.ApproveOptionalReviews,
		},
		Metrics:        s.metricsCollector,
		Notifier:       notifier,
		Logger:         s.logger,
		DefaultTimeout: s.cfg.HITL.DefaultTimeout,
		SweepInterval:  s.cfg.HITL.SweepInterval,
		Disabled:       !s.cfg.HITL.Enabled,
	})
	if !s.cfg.HITL.Enabled {
		s.logger.Warn("HITL disabled, all interventions will be auto-approved")
	}

	// 恢复重启前遗留的 pending 请求并重建定时器
	if err := s.coordinator.Start(context.Background()); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	return nil
}

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	if s.redisClient != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingCheck("redis", func(ctx context.Context) error {
			return s.redisClient.Ping(ctx).Err()
		}))
	}

	s.hitlHandler = handlers.NewHITLHandler(s.coordinator, s.historyStore, s.prefStore, s.logger)

	s.logger.Info("Handlers initialized")
}

// startHistoryPurge 定期清理超出保留期的干预历史。
func (s *Server) startHistoryPurge() {
	if s.cfg.HITL.PurgeInterval <= 0 || s.cfg.HITL.HistoryRetention <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.purgeCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.HITL.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-s.cfg.HITL.HistoryRetention)
				purged, err := s.historyStore.PurgeOlderThan(ctx, cutoff)
				if err != nil {
					s.logger.Warn("history purge failed", zap.Error(err))
					continue
				}
				if purged > 0 {
					s.logger.Info("purged intervention history",
						zap.Int64("rows", purged),
						zap.Time("cutoff", cutoff),
					)
				}
			}
		}
	}()
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// WebSocket 事件通道（升级前自行校验令牌）
	// ========================================
	mux.Handle("GET /ws", s.wsHandler)

	// ========================================
	// 人工干预 API
	// ========================================
	mux.HandleFunc("POST /api/v1/hitl/requests/{id}/respond", s.hitlHandler.HandleRespond)
	mux.HandleFunc("GET /api/v1/hitl/workflows/{id}/pending", s.hitlHandler.HandlePending)
	mux.HandleFunc("GET /api/v1/hitl/history", s.hitlHandler.HandleHistory)
	mux.HandleFunc("GET /api/v1/hitl/preferences", s.hitlHandler.HandleGetPreferences)
	mux.HandleFunc("PUT /api/v1/hitl/preferences", s.hitlHandler.HandlePutPreferences)

	// ========================================
	// 构建中间件链
	// ========================================
	// /ws 在升级握手里自行校验令牌，跳过 JWT 中间件
	skipAuthPaths := []string{"/health", "/ready", "/version", "/ws"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		CORS(s.cfg.Channel.AllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(dispatcher.NewTokenVerifier(s.cfg.Auth.JWTSecret), skipAuthPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止后台 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.purgeCancel != nil {
		s.purgeCancel()
	}

	// 2. 关闭 HTTP 服务器（停止接收新请求）
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 停止协调器（定时器与兜底扫描）
	if s.coordinator != nil {
		s.coordinator.Stop()
	}

	// 4. 停止 Redis 中继
	if s.relay != nil {
		s.relay.Stop()
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Redis client close error", zap.Error(err))
		}
	}

	// 5. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 6. 关闭数据库与遥测
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Error("Database close error", zap.Error(err))
		}
	}
	if s.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 7. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
