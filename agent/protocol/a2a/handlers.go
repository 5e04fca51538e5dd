package a2a

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/BaSui01/agentfabric/types"
)

// Default handler methods registered by Initialize.
const (
	MethodPing      = "system.ping"
	MethodEcho      = "system.echo"
	MethodAgentInfo = "agent.info"
)

// Handler 处理一个方法的消息。返回 *types.Error 可以精确控制错误类型与
// 是否重试；其他错误按 internal_error 处理（包装 context.DeadlineExceeded
// 的错误按 timeout_error 处理）。
type Handler interface {
	Handle(ctx context.Context, env *types.Envelope) (any, error)
}

// HandlerFunc 把普通函数适配为 Handler。
type HandlerFunc func(ctx context.Context, env *types.Envelope) (any, error)

// Handle 实现 Handler。
func (f HandlerFunc) Handle(ctx context.Context, env *types.Envelope) (any, error) {
	return f(ctx, env)
}

// ErrHandlerExists 表示方法已注册处理器。
var ErrHandlerExists = errors.New("a2a: handler already registered")

// RegisterMessageHandler 为方法注册处理器，每个方法至多一个。
func (m *Manager) RegisterMessageHandler(method string, h Handler) error {
	if method == "" || h == nil {
		return types.NewError(types.KindValidation, "method and handler are required").WithSource("a2a")
	}
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	if _, exists := m.handlers[method]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, method)
	}
	m.handlers[method] = h
	return nil
}

// UnregisterMessageHandler 移除方法的处理器，返回是否存在。
func (m *Manager) UnregisterMessageHandler(method string) bool {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	_, ok := m.handlers[method]
	delete(m.handlers, method)
	return ok
}

// HandlerMethods 返回已注册的方法名（排序后）。
func (m *Manager) HandlerMethods() []string {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	out := make([]string, 0, len(m.handlers))
	for method := range m.handlers {
		out = append(out, method)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) handler(method string) (Handler, bool) {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	h, ok := m.handlers[method]
	return h, ok
}

// registerDefaults installs the built-in handlers, leaving any the caller
// already registered in place.
func (m *Manager) registerDefaults() {
	defaults := map[string]HandlerFunc{
		MethodPing: func(context.Context, *types.Envelope) (any, error) {
			return map[string]any{"pong": true, "timestamp": types.NowMillis()}, nil
		},
		MethodEcho: func(_ context.Context, env *types.Envelope) (any, error) {
			return env.Params, nil
		},
		MethodAgentInfo: func(context.Context, *types.Envelope) (any, error) {
			transports := make([]string, 0, len(m.config.Transports))
			for _, t := range m.config.Transports {
				transports = append(transports, t.Name)
			}
			return map[string]any{
				"agentId":          m.config.AgentID,
				"state":            string(m.State()),
				"methods":          m.HandlerMethods(),
				"transports":       transports,
				"defaultTransport": m.config.DefaultTransport,
			}, nil
		},
	}
	for method, h := range defaults {
		if err := m.RegisterMessageHandler(method, h); err == nil {
			m.defaultMethods = append(m.defaultMethods, method)
		}
	}
}
