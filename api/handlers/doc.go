// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 agentfabric HTTP 载体的请求处理器实现。

# 概述

handlers 包把 A2A 信封、MCP 工具调用与 Agent 目录操作映射到标准
net/http 接口。每个 Handler 只依赖一个小接口（MessageSender、
MCPBackend、AgentDirectory、EventStore），由 agentfabric.Fabric 或其
组件实现，测试时可替换为真实的 router/a2a 实例或伪实现。

# 核心类型

  - RPCHandler     — /v1/rpc 与 /v1/ws，返回原样的 types.Response
  - MCPHandler     — /v1/mcp，JSON-RPC 错误以 200 返回
  - AgentHandler   — Agent 注册、注销、指标更新、路由查询与 agent.json
  - StatsHandler   — 运行时统计与事件日志查询
  - HealthHandler  — /health、/healthz、/ready、/version
  - Response       — REST 端点统一 JSON 结构（success + data + error）
  - ResponseWriter — 捕获状态码，并可被 websocket 升级接管

# 错误映射

所有错误经 types.AsError 归类，HTTPStatus 把 ErrorKind 映射为状态码：
校验与协议错误 400，认证 401，授权 403，未知能力 404，资源耗尽 429，
路由失败 502，Agent 不可用 503，超时 504，其余 500。

# 身份绑定

认证中间件把 JWT subject 写入请求上下文后，/v1/rpc 与 /v1/ws 要求信封
的 from 与之相同；from 为空时自动填入 subject。
*/
package handlers
