// =============================================================================
// 📦 InsightFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:        DefaultServerConfig(),
		Auth:          DefaultAuthConfig(),
		Database:      DefaultDatabaseConfig(),
		Redis:         DefaultRedisConfig(),
		Channel:       DefaultChannelConfig(),
		HITL:          DefaultHITLConfig(),
		Notifications: DefaultNotificationsConfig(),
		Log:           DefaultLogConfig(),
		Telemetry:     DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: "",
		TokenTTL:  24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "insightflow",
		Password:        "",
		Name:            "insightflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultChannelConfig 返回默认事件通道配置
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		PingInterval:   30 * time.Second,
		WriteTimeout:   5 * time.Second,
		SendBufferSize: 64,
		MessageRate:    10,
		MessageBurst:   20,
		AllowedOrigins: nil,
	}
}

// DefaultHITLConfig 返回默认人工干预配置
func DefaultHITLConfig() HITLConfig {
	return HITLConfig{
		Enabled:                true,
		DefaultTimeout:         5 * time.Minute,
		SweepInterval:          10 * time.Second,
		HistoryRetention:       90 * 24 * time.Hour,
		PurgeInterval:          24 * time.Hour,
		ApproveOptionalReviews: false,
	}
}

// DefaultNotificationsConfig 返回默认提醒配置
func DefaultNotificationsConfig() NotificationsConfig {
	return NotificationsConfig{
		SMTPPort:  587,
		EmailFrom: "insightflow@localhost",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "insightflow",
		SampleRate:   0.1,
	}
}
