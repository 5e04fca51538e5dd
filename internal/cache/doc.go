// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的共享缓存，作为协议桥转换缓存的二级存储。

# 核心类型

  - Manager：持有 go-redis 客户端，提供带键前缀的 Get/Set/Delete、
    JSON 便捷方法、Ping 与后台健康检查，Close 会停止健康检查并释放连接。
  - Config：地址、密码、键前缀、默认 TTL、连接池与 TLS 开关。
  - Stats：键数量与服务端报告的命中/未命中次数。

未命中统一返回 ErrCacheMiss，可用 IsCacheMiss 判断。
*/
package cache
