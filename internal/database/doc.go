// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接池管理，为事件日志（journal）
提供持久化存储。支持 PostgreSQL 与纯 Go 实现的 SQLite。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、
    Stats()、Close() 与事务执行。
  - PoolConfig：最大空闲/打开连接数、连接生命周期、空闲超时与
    健康检查间隔。

# 主要能力

  - Open：按 config.DatabaseConfig 选择方言并建立连接池。
  - 健康检查：后台定时 PingContext 探活，Close 时停止。
  - 事务重试：WithTransactionRetry 对死锁、序列化失败与连接中断
    使用 agent/retry 的指数退避。
*/
package database
