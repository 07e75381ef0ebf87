// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 InsightFlow 服务端程序入口。

# 概述

cmd/insightflow 是工作流事件与人工干预服务的可执行入口，提供 HTTP API、
WebSocket 事件通道、数据库迁移、健康检查和版本查询等子命令。程序支持
YAML 配置文件加载、结构化日志（zap）、Prometheus 指标采集与 OTLP 遥测。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（建表）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    OTelTracing、MetricsMiddleware、CORS、RateLimiter（基于 IP）、
    JWTAuth（Bearer，与 /ws 握手共用同一 HS256 校验器）
  - 事件通道：/ws 升级入口 + 可选 Redis 跨实例中继
  - 人工干预：协调器随 serve 启动，重启后自动恢复 pending 请求
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 停协调器 → 停中继 → 关闭 Metrics
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
