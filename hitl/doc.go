// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

// Package hitl 实现人工干预（Human-in-the-Loop）协调：
// 干预请求的状态机、超时调度、历史审计与外部提醒。
//
// 核心约束：
//   - 同一工作流至多一个 pending 请求
//   - 每个请求恰好一次到达终态（approved / rejected / modified /
//     timeout / cancelled），并发响应只有一个赢家
//   - 超时永不提前触发
package hitl
