package mcp

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Backend 提供工具列表并执行工具调用。agentfabric.Fabric 实现了它。
type Backend interface {
	ListTools(ctx context.Context) []ToolDefinition
	// CallTool 处理完整的 tools/call 消息并返回响应消息
	CallTool(ctx context.Context, msg *MCPMessage) *MCPMessage
}

// ServerInfo 服务器信息
type ServerInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// Server 是面向 MCP 客户端的最小服务端，工具调用全部委托给 Backend。
type Server struct {
	info    ServerInfo
	backend Backend
	logger  *zap.Logger
}

// NewServer 创建 MCP 服务器
func NewServer(name, version string, backend Backend, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		info:    ServerInfo{Name: name, Version: version, ProtocolVersion: MCPVersion},
		backend: backend,
		logger:  logger.With(zap.String("component", "mcp_server")),
	}
}

// Info 返回服务器信息
func (s *Server) Info() ServerInfo {
	return s.info
}

// HandleMessage dispatches one JSON-RPC request. Notifications return a nil
// response.
func (s *Server) HandleMessage(ctx context.Context, msg *MCPMessage) *MCPMessage {
	if msg == nil {
		return NewMCPError(nil, ErrorCodeInvalidRequest, "empty message", nil)
	}
	if msg.IsNotification() {
		s.handleNotification(msg)
		return nil
	}

	s.logger.Debug("handling message", zap.String("method", msg.Method), zap.Any("id", msg.ID))

	switch msg.Method {
	case MethodInitialize:
		return NewMCPResponse(msg.ID, map[string]any{
			"protocolVersion": MCPVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": s.info.Name, "version": s.info.Version},
		})
	case MethodPing:
		return NewMCPResponse(msg.ID, map[string]any{})
	case MethodToolsList:
		return NewMCPResponse(msg.ID, map[string]any{"tools": s.backend.ListTools(ctx)})
	case MethodToolsCall:
		if _, err := ParseToolCall(msg); err != nil {
			return NewMCPError(msg.ID, ErrorCodeInvalidParams, err.Error(), nil)
		}
		return s.backend.CallTool(ctx, msg)
	default:
		return NewMCPError(msg.ID, ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method), nil)
	}
}

func (s *Server) handleNotification(msg *MCPMessage) {
	switch msg.Method {
	case NotifyInitialized:
		s.logger.Info("client initialized notification received")
	default:
		s.logger.Debug("unhandled notification", zap.String("method", msg.Method))
	}
}

// Serve runs the message loop over transport until ctx is cancelled or the
// transport reaches end of input.
func (s *Server) Serve(ctx context.Context, transport Transport) error {
	if transport == nil {
		return errors.New("transport cannot be nil")
	}
	s.logger.Info("MCP server starting", zap.String("name", s.info.Name), zap.String("version", s.info.Version))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrTransportClosed) {
				s.logger.Info("MCP transport closed")
				return nil
			}
			s.logger.Warn("transport receive error", zap.Error(err))
			if sendErr := transport.Send(ctx, NewMCPError(nil, ErrorCodeParseError, "failed to parse message", nil)); sendErr != nil {
				return sendErr
			}
			continue
		}

		if msg.JSONRPC != "" && msg.JSONRPC != "2.0" {
			if err := transport.Send(ctx, NewMCPError(msg.ID, ErrorCodeInvalidRequest, "unsupported JSON-RPC version", nil)); err != nil {
				return err
			}
			continue
		}

		resp := s.HandleMessage(ctx, msg)
		if resp == nil {
			continue
		}
		if err := transport.Send(ctx, resp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("failed to send response", zap.Error(err))
		}
	}
}
