// Copyright (c) InsightFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库接入与连接池管理，支持健康检查
与事务重试。

# 概述

本包通过 Open 按配置打开 postgres 或 sqlite 数据库，返回 PoolManager
统一管理连接生命周期与连接数限制。后台健康检查定时探活，异常时通过
zap 日志输出诊断信息。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、GetStats()、Close() 等生命周期方法。
  - PoolStats：连接池运行指标。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 驱动选择：postgres（生产）与 sqlite（开发/测试），连接数上限
    与连接生命周期来自 config.DatabaseConfig。
  - 健康检查：后台定时 PingContext 探活，输出连接数与空闲数。
  - 事务管理：WithTransaction 提供单次事务执行，
    WithTransactionRetry 支持指数退避重试（死锁、序列化失败等场景）。
  - 统计采集：GetStats 返回结构化的连接池运行指标。
*/
package database
