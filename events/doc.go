// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

// Package events 定义工作流实时事件的类型系统与引擎侧发射器。
//
// 事件按 workflow_id 路由到订阅连接（见 dispatcher 包）；
// 投递为尽力而为，不排队、不重放。
package events
