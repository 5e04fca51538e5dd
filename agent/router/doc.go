// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package router 实现 A2A 消息路由器。

# 概述

Router 维护一张由协作方注册的 Agent 路由表以及其上的加权网络图，
并根据消息信封选择投递目标与路径。路由表读多写少，使用读写锁保护：
路由决策可以并发执行，注册、注销与指标更新串行化。

# 路由策略

  - direct           — 指定目标必须存在且不处于 offline
  - load_balanced    — 在负载阈值（默认 0.8）以下选择负载最低者，全部超阈值时仍选全局最低
  - capability_aware — 按所需能力覆盖率 × 语义版本兼容度打分，负载作为次序
  - cost_optimized   — 按方法服务成本筛选 maxCost 并选择最便宜者
  - shortest_path    — 在加权图上运行 Dijkstra，跳数受 maxHops 限制

除 agent_unavailable 以及调用方显式约束（能力要求、成本上限）外，
策略失败时会尝试一次 direct 回退。

# 后台维护

Start 启动周期性过期清理：超过 TTL（默认 5 分钟）未更新且未被观察到的条目
会被注销。清理采用先快照后修改的方式，扫描期间不持有写锁。
*/
package router
