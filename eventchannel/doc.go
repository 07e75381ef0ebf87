// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

// Package eventchannel 提供工作流事件通道的 Go 客户端：
// 自动重连与订阅重放的 WebSocket 连接，以及客户端侧的
// 干预状态镜像（倒计时、乐观提交）。
package eventchannel
