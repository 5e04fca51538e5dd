package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MCPVersion MCP 协议版本
const MCPVersion = "2024-11-05"

// 方法名
const (
	MethodInitialize  = "initialize"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
	NotifyInitialized = "notifications/initialized"
)

// ToolNamePrefix 是 MCP 客户端暴露工具时使用的前缀：mcp__<server>__<tool>。
const ToolNamePrefix = "mcp__"

// 标准错误码
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
)

// MCPMessage MCP 消息（JSON-RPC 2.0）
type MCPMessage struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"`
	Method  string         `json:"method,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Result  any            `json:"result,omitempty"`
	Error   *MCPError      `json:"error,omitempty"`
}

// MCPError MCP 错误
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error 实现 error 接口
func (e *MCPError) Error() string {
	return fmt.Sprintf("mcp error %d: %s", e.Code, e.Message)
}

// ToolDefinition MCP 工具定义
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate 验证工具定义
func (t *ToolDefinition) Validate() error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.InputSchema == nil {
		return errors.New("tool input schema is required")
	}
	return nil
}

// Content 是工具结果中的一段内容
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult 是 tools/call 的结果
type ToolResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError,omitempty"`
}

// NewToolResult 构造结果，structured 同时以 JSON 文本形式放入 content。
func NewToolResult(structured any) *ToolResult {
	text, err := json.Marshal(structured)
	if err != nil {
		text = []byte(fmt.Sprint(structured))
	}
	return &ToolResult{
		Content:           []Content{{Type: "text", Text: string(text)}},
		StructuredContent: structured,
	}
}

// ToolCall 是解析后的 tools/call 请求
type ToolCall struct {
	// Name 是调用的工具名，可能带 mcp__ 前缀
	Name      string
	Arguments map[string]any
	// Meta 来自 params._meta，承载优先级、超时、预算等调用方提示
	Meta map[string]any
}

// ParseToolCall 从 tools/call 消息中解析工具调用
func ParseToolCall(msg *MCPMessage) (*ToolCall, error) {
	if msg == nil {
		return nil, errors.New("empty message")
	}
	if msg.Method != MethodToolsCall {
		return nil, fmt.Errorf("unexpected method %q", msg.Method)
	}
	name, _ := msg.Params["name"].(string)
	if name == "" {
		return nil, errors.New("missing required parameter: name")
	}
	args, _ := msg.Params["arguments"].(map[string]any)
	if args == nil {
		args = make(map[string]any)
	}
	meta, _ := msg.Params["_meta"].(map[string]any)
	return &ToolCall{Name: name, Arguments: args, Meta: meta}, nil
}

// Message 把调用编码回 tools/call 请求
func (c *ToolCall) Message(id any) *MCPMessage {
	params := map[string]any{"name": c.Name, "arguments": c.Arguments}
	if len(c.Meta) > 0 {
		params["_meta"] = c.Meta
	}
	return NewMCPRequest(id, MethodToolsCall, params)
}

// SplitToolName 拆分 mcp__<server>__<tool> 形式的工具名
func SplitToolName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, ToolNamePrefix)
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, "__")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// JoinToolName 构造 mcp__<server>__<tool> 工具名
func JoinToolName(server, tool string) string {
	return ToolNamePrefix + server + "__" + tool
}

// DefaultMethod 返回工具名对应的默认 A2A 方法：mcp__server__tool 映射为
// server.tool，其余名字原样返回。
func DefaultMethod(toolName string) string {
	if server, tool, ok := SplitToolName(toolName); ok {
		return server + "." + tool
	}
	return toolName
}

// MarshalJSON 自定义 JSON 序列化，始终输出 jsonrpc 2.0
func (m *MCPMessage) MarshalJSON() ([]byte, error) {
	type Alias MCPMessage
	return json.Marshal(&struct {
		JSONRPC string `json:"jsonrpc"`
		*Alias
	}{
		JSONRPC: "2.0",
		Alias:   (*Alias)(m),
	})
}

// IsNotification 判断消息是否为通知（无 ID 的请求）
func (m *MCPMessage) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// NewMCPRequest 创建 MCP 请求
func NewMCPRequest(id any, method string, params map[string]any) *MCPMessage {
	return &MCPMessage{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewMCPResponse 创建 MCP 响应
func NewMCPResponse(id any, result any) *MCPMessage {
	return &MCPMessage{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

// NewMCPError 创建 MCP 错误响应
func NewMCPError(id any, code int, message string, data any) *MCPMessage {
	return &MCPMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
