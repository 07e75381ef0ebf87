// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

// Package config 提供 InsightFlow 的配置管理功能。
//
// 统一的配置加载：默认值 → YAML 文件 → 环境变量（INSIGHTFLOW_ 前缀），
// 覆盖服务器、认证、数据库、Redis、事件通道、人工干预、
// 外部提醒、日志与遥测九个配置域。
package config
