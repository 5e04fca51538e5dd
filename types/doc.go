// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentFabric 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 router、a2a、bridge、
api 等上层模块提供统一的消息与错误契约。

# 核心类型

  - Envelope / Response — JSON-RPC 风格的消息信封与应答
  - Target              — 单目标、多目标或 broadcast
  - AgentCard           — 协作方提供的 Agent 目录记录（能力、服务成本、负载）
  - RetryPolicy         — 重试策略（linear / exponential / fixed + jitter）
  - Error / ErrorKind   — 结构化错误分类，含 JSON-RPC 错误码与 Retryable 标记
  - Event / EventSink   — 类型化事件，供看板、告警与事件日志消费

# 错误工具链

  - NewError / Errorf 构造，With* 链式设置
  - AsError 将任意错误归类（context.DeadlineExceeded → timeout_error）
  - KindOf / IsKind / IsRetryable 供调用方按 kind 分支
*/
package types
