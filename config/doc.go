// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package config 提供 AgentFabric 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 AGENTFABRIC_）的顺序叠加，
// Validate 会把所有问题合并为一个错误返回。FileWatcher 轮询文件变化，
// 用于在运行时重新加载协议桥的映射声明文件。
package config
