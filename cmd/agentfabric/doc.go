// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentFabric 的命令行入口。

# 概述

cmd/agentfabric 把 Fabric（协议管理器、消息路由器与协议桥）包装为
可执行程序：serve 启动 HTTP/WebSocket 载体，mcp 通过 stdio 向 MCP
客户端暴露桥接工具，route 在不发送消息的情况下解析路由，health 与
version 用于运维检查。

# 核心类型

  - Server      — 组装 Fabric、事件日志、共享缓存、遥测与双端口 HTTP 服务
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    MetricsMiddleware、RequestLogger、CORS、APIKeyAuth、JWTAuth、RateLimiter
  - JWT 的 sub 声明绑定为信封发送方，限流按主体（无主体时按 IP）计数
  - 映射文件热重载：FileWatcher 监听变更并重新加载桥接映射
  - Metrics 服务器：独立端口暴露 /metrics，端口为 0 时挂在主端口
  - 优雅关闭：排空 HTTP → 停止 Fabric → 关闭事件日志、数据库、缓存与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
