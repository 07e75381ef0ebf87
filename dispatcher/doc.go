// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

// Package dispatcher 实现工作流事件的服务端分发：
// WebSocket 连接管理、JWT 认证、workflowID 路由订阅，
// 以及多实例部署下的 Redis 事件中继。
package dispatcher
