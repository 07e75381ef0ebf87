// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、人工干预与事件通道三大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数与请求耗时，按 method/path/status 分组，
    路径中的请求 ID 归一化为 :id 以控制基数。
  - 干预指标：干预创建/终结计数（按类型与终态分组）、
    当前 pending 数量 Gauge、响应耗时 Histogram。
  - 通道指标：WebSocket 连接打开/关闭计数、事件投递与丢弃计数
    （按事件类型分组）。
*/
package metrics
