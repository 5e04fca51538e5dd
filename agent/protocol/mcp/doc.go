// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package mcp 定义 Model Context Protocol (MCP) 的 JSON-RPC 消息结构。
//
// 本包提供工具调用请求/响应的解析与构造、mcp__server__tool 工具命名
// 约定，以及一个把 initialize、tools/list、tools/call 委托给 Backend
// 的最小服务端和基于 Content-Length 分帧的 stdio 传输。
package mcp
