// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 提供集中式 TLS 配置，
// 为 Agent 间 HTTP 调用、对外 API 服务与 Redis 共享缓存连接提供
// 安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
