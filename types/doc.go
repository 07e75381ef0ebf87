// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

// Package types 提供跨包共享的基础类型：
//
//   - 统一错误模型：Error / ErrorCode，API 层据此映射 HTTP 状态码
//   - Context 传播：WithTraceID / WithUserID / WithWorkflowID 等
//
// 领域类型（干预请求、工作流事件）分别位于 hitl 与 events 包。
package types
