// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖
HTTP、Manager、Router、Bridge、缓存、事件与数据库七个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标。Collector 接受一个
prometheus.Registerer，测试中可传入独立的 Registry 以避免重复注册。
Collector 同时实现 router.Recorder 与 types.EventSink，可直接挂到
Router 和事件总线上。

# 主要能力

  - HTTP 指标：请求总数、请求耗时，按 method/path/status 分组，
    状态码归类为 2xx/3xx/4xx/5xx。
  - Manager 指标：终态消息数、端到端耗时、重试次数、按 kind 的失败数、
    队列深度与并发数 Gauge。
  - Router 指标：按 strategy/status 的路由决策数、决策耗时、跳数分布、
    已注册 Agent 数。
  - Bridge 指标：按 direction/status 的翻译次数与耗时。
  - 缓存指标：命中、未命中与淘汰计数。
  - 事件与数据库：按事件类型计数、事件日志写入耗时。
*/
package metrics
