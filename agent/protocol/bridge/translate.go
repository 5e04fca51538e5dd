package bridge

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/agent/protocol/mcp"
	"github.com/BaSui01/agentfabric/types"
)

var tracer = otel.Tracer("agentfabric/bridge")

// Keys read from params._meta of a tool call.
const (
	MetaPriority             = "priority"
	MetaExploration          = "exploration"
	MetaMode                 = "mode"
	MetaTimeoutMS            = "timeoutMs"
	MetaMaxCost              = "maxCost"
	MetaRequiredCapabilities = "requiredCapabilities"
)

// TranslateRequest converts a tools/call message into a request envelope.
// Tools without a mapping are accepted only when they follow the
// mcp__<server>__<tool> convention and are sent as <server>.<tool> with
// their arguments unchanged.
func (b *Bridge) TranslateRequest(ctx context.Context, msg *mcp.MCPMessage) (*types.Envelope, error) {
	ctx, span := tracer.Start(ctx, "bridge.translate_request")
	defer span.End()
	start := time.Now()

	env, terr := b.translateRequest(ctx, msg)
	method := ""
	if env != nil {
		method = env.Method
		span.SetAttributes(attribute.String("a2a.method", method))
	}
	b.observe(span, DirectionRequest, method, start, terr)
	if terr != nil {
		return nil, terr
	}
	return env, nil
}

func (b *Bridge) translateRequest(ctx context.Context, msg *mcp.MCPMessage) (*types.Envelope, *types.Error) {
	call, err := mcp.ParseToolCall(msg)
	if err != nil {
		return nil, types.NewError(types.KindValidation, "invalid tool call: "+err.Error()).
			WithCause(err).WithSource(source)
	}

	m := b.bySourceMethod(call.Name)
	var (
		method string
		target string
		params map[string]any
	)
	if m == nil {
		if _, _, ok := mcp.SplitToolName(call.Name); !ok {
			return nil, types.Errorf(types.KindCapabilityNotFound, "no mapping for tool %q", call.Name).
				WithSource(source)
		}
		method = mcp.DefaultMethod(call.Name)
		target = namespaceOf(method)
		params = cloneMap(call.Arguments)
	} else {
		method = m.TargetMethod
		target = m.targetAgent()
		if len(m.ParameterMapping) == 0 {
			params = cloneMap(call.Arguments)
		} else {
			var terr *types.Error
			params, terr = b.mapFields(ctx, m.ParameterMapping, call.Arguments)
			if terr != nil {
				return nil, terr
			}
		}
	}
	if target == "" {
		return nil, types.Errorf(types.KindValidation, "cannot derive target agent for method %q", method).
			WithSource(source)
	}

	env := types.NewEnvelope(b.config.AgentID, types.To(target), method, params)
	env.Priority = b.derivePriority(call.Meta, m)
	env.Context = deriveContext(call.Meta, m)
	return env, nil
}

// TranslateResponse maps an A2A result for toolName into the MCP result
// shape. Results of unmapped tools pass through unchanged. A field whose
// transform fails keeps its original value.
func (b *Bridge) TranslateResponse(ctx context.Context, toolName string, result any) (any, error) {
	ctx, span := tracer.Start(ctx, "bridge.translate_response",
		trace.WithAttributes(attribute.String("mcp.tool", toolName)))
	defer span.End()
	start := time.Now()

	out, terr := b.translateResult(ctx, toolName, result)
	b.observe(span, DirectionResponse, toolName, start, terr)
	if terr != nil {
		return nil, terr
	}
	return out, nil
}

func (b *Bridge) translateResult(ctx context.Context, toolName string, result any) (any, *types.Error) {
	m := b.bySourceMethod(toolName)
	if m == nil || len(m.ResponseMapping) == 0 {
		return cloneValue(result), nil
	}
	fields, ok := result.(map[string]any)
	if !ok {
		b.logger.Warn("response is not an object, mapping skipped",
			zap.String("tool", toolName))
		b.metrics.fallback()
		return result, nil
	}
	return b.mapFields(ctx, m.ResponseMapping, fields)
}

// ReverseRequest converts a request envelope back into a tools/call
// message. Lossy transforms leave their values as they are.
func (b *Bridge) ReverseRequest(ctx context.Context, env *types.Envelope) (*mcp.MCPMessage, error) {
	_, span := tracer.Start(ctx, "bridge.reverse_request")
	defer span.End()
	start := time.Now()

	msg, terr := b.reverseRequest(env)
	method := ""
	if env != nil {
		method = env.Method
	}
	b.observe(span, DirectionReverseRequest, method, start, terr)
	if terr != nil {
		return nil, terr
	}
	return msg, nil
}

func (b *Bridge) reverseRequest(env *types.Envelope) (*mcp.MCPMessage, *types.Error) {
	if env == nil || env.Method == "" {
		return nil, types.NewError(types.KindValidation, "envelope method is required").WithSource(source)
	}
	call := &mcp.ToolCall{}
	m := b.byTargetMethod(env.Method)
	switch {
	case m != nil:
		call.Name = m.SourceMethod
		if len(m.ParameterMapping) == 0 {
			call.Arguments = cloneMap(env.Params)
		} else {
			call.Arguments = b.reverseFields(m.ParameterMapping, env.Params)
		}
	default:
		server, tool, ok := strings.Cut(env.Method, ".")
		if !ok || server == "" || tool == "" {
			return nil, types.Errorf(types.KindCapabilityNotFound, "no mapping for method %q", env.Method).
				WithSource(source)
		}
		call.Name = mcp.JoinToolName(server, tool)
		call.Arguments = cloneMap(env.Params)
	}
	if call.Arguments == nil {
		call.Arguments = make(map[string]any)
	}
	call.Meta = envelopeMeta(env)
	return call.Message(env.ID), nil
}

// ReverseResponse maps an MCP result for toolName back into the A2A result
// shape.
func (b *Bridge) ReverseResponse(ctx context.Context, toolName string, result any) (any, error) {
	_, span := tracer.Start(ctx, "bridge.reverse_response",
		trace.WithAttributes(attribute.String("mcp.tool", toolName)))
	defer span.End()
	start := time.Now()

	var out any
	m := b.bySourceMethod(toolName)
	fields, isMap := result.(map[string]any)
	switch {
	case m == nil || len(m.ResponseMapping) == 0:
		out = cloneValue(result)
	case !isMap:
		b.metrics.fallback()
		out = result
	default:
		out = b.reverseFields(m.ResponseMapping, fields)
	}
	b.observe(span, DirectionReverseResponse, toolName, start, nil)
	return out, nil
}

// ToolResponse renders an A2A response as the MCP reply to request id.
func (b *Bridge) ToolResponse(ctx context.Context, id any, toolName string, resp *types.Response) *mcp.MCPMessage {
	if resp == nil {
		return mcp.NewMCPError(id, mcp.ErrorCodeInternalError, "empty response", nil)
	}
	if resp.IsError() {
		return errorMessage(id, resp.Error)
	}
	result, err := b.TranslateResponse(ctx, toolName, resp.Result)
	if err != nil {
		return errorMessage(id, err)
	}
	return mcp.NewMCPResponse(id, mcp.NewToolResult(result))
}

// TranslateError converts any error into an MCP error object carrying the
// fabric error kind.
func TranslateError(err error) *mcp.MCPError {
	te := types.AsError(err)
	if te == nil {
		return nil
	}
	data := map[string]any{
		"kind":      string(te.Kind),
		"retryable": te.Retryable,
	}
	if te.Source != "" {
		data["source"] = te.Source
	}
	if te.Attempts > 0 {
		data["attempts"] = te.Attempts
	}
	return &mcp.MCPError{Code: te.Code, Message: te.Message, Data: data}
}

func errorMessage(id any, err error) *mcp.MCPMessage {
	e := TranslateError(err)
	return mcp.NewMCPError(id, e.Code, e.Message, e.Data)
}

// mapFields copies every mapped field from src into a new object. Missing
// required fields fail the translation; failed transforms keep the value.
func (b *Bridge) mapFields(ctx context.Context, fields []FieldMapping, src map[string]any) (map[string]any, *types.Error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, ok := getPath(src, f.SourcePath)
		if !ok {
			if f.Required {
				return nil, types.Errorf(types.KindValidation, "missing required field %q", f.SourcePath).
					WithSource(source)
			}
			continue
		}
		v = cloneValue(v)
		if f.Transform != "" {
			v = b.forward(ctx, f, v)
		}
		if err := setPath(out, f.TargetPath, v); err != nil {
			b.logger.Warn("field skipped", zap.String("target_path", f.TargetPath), zap.Error(err))
			b.metrics.fallback()
		}
	}
	return out, nil
}

func (b *Bridge) forward(ctx context.Context, f FieldMapping, v any) any {
	t, ok := b.transforms.Get(f.Transform)
	if !ok {
		b.logger.Warn("unknown transform, value kept", zap.String("transform", f.Transform))
		b.metrics.fallback()
		return v
	}

	compute := func() (any, error) { return t.Forward(v) }
	var (
		res any
		err error
	)
	if key, kerr := cacheKey(t.Name, f.SourcePath, v); kerr == nil {
		res, err = b.cache.apply(ctx, key, compute)
	} else {
		res, err = compute()
	}
	if err != nil {
		b.logger.Warn("transform failed, original value kept",
			zap.String("transform", t.Name),
			zap.String("source_path", f.SourcePath),
			zap.Error(err))
		b.metrics.fallback()
		return v
	}
	// Cached results are shared across translations.
	return cloneValue(res)
}

// reverseFields mirrors fields from the target shape back to the source
// shape. It never fails: missing fields are skipped and lossy or failing
// transforms keep the value.
func (b *Bridge) reverseFields(fields []FieldMapping, src map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		v, ok := getPath(src, f.TargetPath)
		if !ok {
			continue
		}
		v = cloneValue(v)
		if f.Transform != "" {
			v = b.reverse(f, v)
		}
		if err := setPath(out, f.SourcePath, v); err != nil {
			b.logger.Warn("field skipped", zap.String("source_path", f.SourcePath), zap.Error(err))
			b.metrics.fallback()
		}
	}
	return out
}

func (b *Bridge) reverse(f FieldMapping, v any) any {
	t, ok := b.transforms.Get(f.Transform)
	if !ok || t.Lossy() {
		b.logger.Debug("no reverse transform, value kept", zap.String("transform", f.Transform))
		return v
	}
	res, err := t.Reverse(v)
	if err != nil {
		b.logger.Warn("reverse transform failed, value kept",
			zap.String("transform", t.Name), zap.Error(err))
		b.metrics.fallback()
		return v
	}
	return res
}

func (b *Bridge) derivePriority(meta map[string]any, m *MethodMapping) types.Priority {
	if raw, ok := meta[MetaPriority]; ok {
		p, err := priorityForward(raw)
		if err == nil {
			return p.(types.Priority)
		}
		b.logger.Debug("ignoring priority hint", zap.Any("priority", raw), zap.Error(err))
	}
	if isExploration(meta) {
		return types.PriorityLow
	}
	if m != nil && m.Priority != "" {
		return m.Priority
	}
	return types.PriorityNormal
}

func isExploration(meta map[string]any) bool {
	if v, ok := meta[MetaExploration].(bool); ok && v {
		return true
	}
	mode, _ := meta[MetaMode].(string)
	mode = strings.ToLower(mode)
	return mode == "exploration" || mode == "explore"
}

func deriveContext(meta map[string]any, m *MethodMapping) *types.MessageContext {
	mc := &types.MessageContext{}
	if n, ok := toInt(meta[MetaTimeoutMS]); ok && n > 0 {
		mc.TimeoutMS = n
	} else if m != nil && m.TimeoutMS > 0 {
		mc.TimeoutMS = m.TimeoutMS
	}
	if c, ok := toFloat(meta[MetaMaxCost]); ok {
		mc.MaxCost = &c
	}
	switch caps := meta[MetaRequiredCapabilities].(type) {
	case []string:
		mc.RequiredCapabilities = append([]string(nil), caps...)
	case []any:
		for _, c := range caps {
			if s, ok := c.(string); ok && s != "" {
				mc.RequiredCapabilities = append(mc.RequiredCapabilities, s)
			}
		}
	}
	if mc.TimeoutMS == 0 && mc.MaxCost == nil && len(mc.RequiredCapabilities) == 0 {
		return nil
	}
	return mc
}

func envelopeMeta(env *types.Envelope) map[string]any {
	meta := make(map[string]any)
	if s, ok := a2aPriorities[env.Priority]; ok && env.Priority != types.PriorityNormal {
		meta[MetaPriority] = s
	}
	if c := env.Context; c != nil {
		if c.TimeoutMS > 0 {
			meta[MetaTimeoutMS] = c.TimeoutMS
		}
		if c.MaxCost != nil {
			meta[MetaMaxCost] = *c.MaxCost
		}
		if len(c.RequiredCapabilities) > 0 {
			meta[MetaRequiredCapabilities] = append([]string(nil), c.RequiredCapabilities...)
		}
	}
	return meta
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func (b *Bridge) observe(span trace.Span, direction, method string, start time.Time, terr *types.Error) {
	d := time.Since(start)
	b.metrics.record(direction, d, terr)

	status := "success"
	ev := types.Event{
		Type:   types.EventTranslationSucceeded,
		Method: method,
		Data:   map[string]any{"direction": direction},
	}
	if terr != nil {
		status = "error"
		ev.Type = types.EventTranslationFailed
		ev.Kind = terr.Kind
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Message)
		b.logger.Debug("translation failed",
			zap.String("direction", direction),
			zap.String("method", method),
			zap.String("kind", string(terr.Kind)),
			zap.Error(terr))
	}
	if b.recorder != nil {
		b.recorder.RecordTranslation(direction, status, d)
	}
	b.events.Emit(ev)
}
