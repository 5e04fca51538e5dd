package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// JSONRPCVersion is the only protocol tag accepted on envelopes.
const JSONRPCVersion = "2.0"

// BroadcastTarget is the wire value addressing every live agent.
const BroadcastTarget = "broadcast"

// Priority orders queued envelopes. Lower rank is served first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the queue rank; an empty priority ranks as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// MessageType distinguishes requests, responses and notifications.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeNotification:
		return true
	default:
		return false
	}
}

// RoutingStrategy names one of the router's delivery strategies.
type RoutingStrategy string

const (
	StrategyDirect          RoutingStrategy = "direct"
	StrategyLoadBalanced    RoutingStrategy = "load_balanced"
	StrategyCapabilityAware RoutingStrategy = "capability_aware"
	StrategyCostOptimized   RoutingStrategy = "cost_optimized"
	StrategyShortestPath    RoutingStrategy = "shortest_path"
)

// Valid reports whether s is a known strategy.
func (s RoutingStrategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyLoadBalanced, StrategyCapabilityAware,
		StrategyCostOptimized, StrategyShortestPath:
		return true
	default:
		return false
	}
}

// BackoffStrategy selects the delay function between retries.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFixed       BackoffStrategy = "fixed"
)

// RetryPolicy controls how failed dispatches are retried. MaxAttempts counts
// every handler invocation including the first one.
type RetryPolicy struct {
	MaxAttempts     int             `json:"maxAttempts" yaml:"max_attempts"`
	BackoffStrategy BackoffStrategy `json:"backoffStrategy" yaml:"backoff_strategy"`
	BaseDelay       time.Duration   `json:"baseDelay" yaml:"base_delay"`
	MaxDelay        time.Duration   `json:"maxDelay" yaml:"max_delay"`
	Jitter          bool            `json:"jitter" yaml:"jitter"`
}

// Target addresses one agent, several agents, or the broadcast set.
// On the wire it is a string, an array of strings, or "broadcast".
type Target struct {
	IDs       []string
	Broadcast bool
}

// To builds a target for one or more agent ids.
func To(ids ...string) Target {
	return Target{IDs: ids}
}

// Broadcast builds the broadcast target.
func Broadcast() Target {
	return Target{Broadcast: true}
}

// IsEmpty reports whether no destination is set.
func (t Target) IsEmpty() bool {
	if t.Broadcast {
		return false
	}
	for _, id := range t.IDs {
		if strings.TrimSpace(id) != "" {
			return false
		}
	}
	return true
}

// Single returns the only target id, if exactly one is set.
func (t Target) Single() (string, bool) {
	if t.Broadcast || len(t.IDs) != 1 {
		return "", false
	}
	return t.IDs[0], true
}

// IsMulti reports whether the envelope fans out to more than one agent.
func (t Target) IsMulti() bool {
	return t.Broadcast || len(t.IDs) > 1
}

// String renders the target for logs.
func (t Target) String() string {
	if t.Broadcast {
		return BroadcastTarget
	}
	return strings.Join(t.IDs, ",")
}

// MarshalJSON implements json.Marshaler.
func (t Target) MarshalJSON() ([]byte, error) {
	if t.Broadcast {
		return json.Marshal(BroadcastTarget)
	}
	if len(t.IDs) == 1 {
		return json.Marshal(t.IDs[0])
	}
	if t.IDs == nil {
		return []byte(`""`), nil
	}
	return json.Marshal(t.IDs)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Target) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*t = Target{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '[' {
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("invalid target list: %w", err)
		}
		t.IDs = ids
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if id == BroadcastTarget {
		t.Broadcast = true
		return nil
	}
	if id != "" {
		t.IDs = []string{id}
	}
	return nil
}

// MessageContext carries per-envelope execution limits.
type MessageContext struct {
	// Timeout in milliseconds; zero means the manager default.
	TimeoutMS            int64        `json:"timeout,omitempty"`
	MaxCost              *float64     `json:"maxCost,omitempty"`
	RetryPolicy          *RetryPolicy `json:"retryPolicy,omitempty"`
	RequiredCapabilities []string     `json:"requiredCapabilities,omitempty"`
}

// Timeout returns the context timeout as a duration.
func (c *MessageContext) Timeout() time.Duration {
	if c == nil || c.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RouteHints lets a sender pin a routing strategy or bound the hop count.
type RouteHints struct {
	Strategy RoutingStrategy `json:"strategy,omitempty"`
	MaxHops  int             `json:"maxHops,omitempty"`
}

// Route is the resolved delivery path for an envelope.
// Fan-out routes list every recipient in Targets.
type Route struct {
	Target   string          `json:"target"`
	Targets  []string        `json:"targets,omitempty"`
	Path     []string        `json:"path"`
	Hops     int             `json:"hops"`
	Cost     float64         `json:"cost,omitempty"`
	Strategy RoutingStrategy `json:"strategy"`
	Fallback bool            `json:"fallback,omitempty"`
}

// Envelope is a single routable unit of work between agents.
type Envelope struct {
	JSONRPC     string          `json:"jsonrpc"`
	ID          string          `json:"id,omitempty"`
	Method      string          `json:"method"`
	Params      map[string]any  `json:"params,omitempty"`
	From        string          `json:"from"`
	To          Target          `json:"to"`
	Timestamp   int64           `json:"timestamp"`
	MessageType MessageType     `json:"messageType"`
	Priority    Priority        `json:"priority,omitempty"`
	Context     *MessageContext `json:"context,omitempty"`
	Route       *RouteHints     `json:"route,omitempty"`
	Signature   string          `json:"signature,omitempty"`
}

// NewEnvelope creates a request envelope with a fresh id and send timestamp.
func NewEnvelope(from string, to Target, method string, params map[string]any) *Envelope {
	return &Envelope{
		JSONRPC:     JSONRPCVersion,
		ID:          uuid.NewString(),
		Method:      method,
		Params:      params,
		From:        from,
		To:          to,
		Timestamp:   NowMillis(),
		MessageType: MessageTypeRequest,
		Priority:    PriorityNormal,
	}
}

// NewNotification creates a fire-and-forget envelope.
func NewNotification(from string, to Target, method string, params map[string]any) *Envelope {
	env := NewEnvelope(from, to, method, params)
	env.MessageType = MessageTypeNotification
	return env
}

// EffectivePriority returns the priority, defaulting to normal.
func (e *Envelope) EffectivePriority() Priority {
	if e.Priority.Valid() {
		return e.Priority
	}
	return PriorityNormal
}

// Clone returns a copy that can be mutated without affecting e. Nested
// maps and slices in Params are copied as well.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Params != nil {
		c.Params = cloneParams(e.Params)
	}
	if e.To.IDs != nil {
		c.To.IDs = append([]string(nil), e.To.IDs...)
	}
	if e.Context != nil {
		ctx := *e.Context
		if e.Context.RequiredCapabilities != nil {
			ctx.RequiredCapabilities = append([]string(nil), e.Context.RequiredCapabilities...)
		}
		c.Context = &ctx
	}
	if e.Route != nil {
		r := *e.Route
		c.Route = &r
	}
	return &c
}

// Response correlates to an envelope id and carries exactly one of Result
// or Error.
type Response struct {
	JSONRPC     string      `json:"jsonrpc"`
	ID          string      `json:"id"`
	Result      any         `json:"result,omitempty"`
	Error       *Error      `json:"error,omitempty"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Timestamp   int64       `json:"timestamp"`
	MessageType MessageType `json:"messageType"`
	Attempts    int         `json:"attempts,omitempty"`
	Route       *Route      `json:"route,omitempty"`
}

// NewResultResponse builds a success response for req.
func NewResultResponse(req *Envelope, from string, result any) *Response {
	return &Response{
		JSONRPC:     JSONRPCVersion,
		ID:          req.ID,
		Result:      result,
		From:        from,
		To:          req.From,
		Timestamp:   NowMillis(),
		MessageType: MessageTypeResponse,
	}
}

// NewErrorResponse builds a failure response for req.
func NewErrorResponse(req *Envelope, from string, err *Error) *Response {
	return &Response{
		JSONRPC:     JSONRPCVersion,
		ID:          req.ID,
		Error:       err,
		From:        from,
		To:          req.From,
		Timestamp:   NowMillis(),
		MessageType: MessageTypeResponse,
	}
}

// IsError reports whether the response carries an error.
func (r *Response) IsError() bool {
	return r != nil && r.Error != nil
}

var lastMillis atomic.Int64

// NowMillis returns the current unix time in milliseconds, never going
// backwards across calls within the process.
func NowMillis() int64 {
	for {
		now := time.Now().UnixMilli()
		last := lastMillis.Load()
		if now < last {
			now = last
		}
		if lastMillis.CompareAndSwap(last, now) {
			return now
		}
	}
}

func cloneParams(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneParam(v)
	}
	return out
}

func cloneParam(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneParams(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneParam(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
