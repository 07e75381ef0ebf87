// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 InsightFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 InsightFlow 所有 REST 端点的请求处理逻辑，
包括人工干预响应提交、历史查询、提醒偏好以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口，路由注册使用 Go 1.22 的
方法 + 路径模式（如 "POST /api/v1/hitl/requests/{id}/respond"）。

# 核心类型

  - HITLHandler      — 干预响应提交、pending 查询、历史与偏好管理
  - HealthHandler    — 服务健康检查（/health, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（Database、Redis 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（严格模式，拒绝未知字段）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（ALREADY_RESOLVED → 409 等）
  - 并发提交语义：同一请求只有一个赢家，迟到者收到 409
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
