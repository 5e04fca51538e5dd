// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 server 管理 AgentFabric 对外 HTTP 载体的生命周期：
A2A/MCP 接入 API 与 Prometheus 指标端口。

# 核心类型

  - Manager：持有 http.Server 与 net.Listener，提供
    Start/Run/Shutdown 与关闭钩子。
  - Config：监听地址、读写与空闲超时、请求头上限、优雅关闭超时
    以及可选的 TLS 配置。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中提供服务。
  - 阻塞运行：Run 等待上下文结束或服务异常，然后优雅关闭。
  - 关闭钩子：OnShutdown 注册的钩子在连接排空后执行，
    用于关闭协议管理器、路由器与协议桥。
  - TLS：FromServerConfig 通过 tlsutil 加载证书，启用 HTTPS。
*/
package server
