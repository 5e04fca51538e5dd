package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// TransformFunc converts one field value.
type TransformFunc func(value any) (any, error)

// Transform pairs a forward conversion with its inverse. A nil Reverse
// marks the transform as lossy.
type Transform struct {
	Name    string
	Forward TransformFunc
	Reverse TransformFunc
}

// Lossy reports whether the transform cannot be inverted.
func (t *Transform) Lossy() bool { return t.Reverse == nil }

// Built-in transform names.
const (
	TransformPriorityEnum = "priority_enum"
	TransformStringToInt  = "string_to_int"
	TransformMSToDuration = "ms_to_duration"
	TransformLowercase    = "lowercase"
	TransformJSONString   = "json_string"
)

// TransformRegistry is a concurrency-safe set of named transforms.
type TransformRegistry struct {
	mu         sync.RWMutex
	transforms map[string]*Transform
}

// NewTransformRegistry returns a registry holding the built-in transforms.
func NewTransformRegistry() *TransformRegistry {
	r := &TransformRegistry{transforms: make(map[string]*Transform)}
	for _, t := range builtinTransforms() {
		r.transforms[t.Name] = t
	}
	return r
}

// Register adds or replaces a transform.
func (r *TransformRegistry) Register(t *Transform) error {
	if t == nil || t.Name == "" || t.Forward == nil {
		return errors.New("bridge: transform needs a name and a forward function")
	}
	r.mu.Lock()
	r.transforms[t.Name] = t
	r.mu.Unlock()
	return nil
}

// Get looks up a transform by name.
func (r *TransformRegistry) Get(name string) (*Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transforms[name]
	return t, ok
}

// Names lists registered transforms in sorted order.
func (r *TransformRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.transforms))
	for n := range r.transforms {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func builtinTransforms() []*Transform {
	return []*Transform{
		{Name: TransformPriorityEnum, Forward: priorityForward, Reverse: priorityReverse},
		{Name: TransformStringToInt, Forward: stringToInt, Reverse: intToString},
		{Name: TransformMSToDuration, Forward: msToDuration, Reverse: durationToMS},
		{Name: TransformLowercase, Forward: lowercase},
		{Name: TransformJSONString, Forward: toJSONString, Reverse: fromJSONString},
	}
}

// MCP clients describe urgency as urgent/high/medium/low or 0..3.
var mcpPriorities = map[string]types.Priority{
	"urgent":   types.PriorityCritical,
	"critical": types.PriorityCritical,
	"high":     types.PriorityHigh,
	"medium":   types.PriorityNormal,
	"normal":   types.PriorityNormal,
	"low":      types.PriorityLow,
}

var a2aPriorities = map[types.Priority]string{
	types.PriorityCritical: "urgent",
	types.PriorityHigh:     "high",
	types.PriorityNormal:   "medium",
	types.PriorityLow:      "low",
}

func priorityForward(v any) (any, error) {
	if n, ok := toInt(v); ok {
		switch n {
		case 0:
			return types.PriorityCritical, nil
		case 1:
			return types.PriorityHigh, nil
		case 2:
			return types.PriorityNormal, nil
		case 3:
			return types.PriorityLow, nil
		}
		return nil, fmt.Errorf("priority level %d out of range", n)
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("priority must be a string or level, got %T", v)
	}
	p, ok := mcpPriorities[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return nil, fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

func priorityReverse(v any) (any, error) {
	var p types.Priority
	switch t := v.(type) {
	case types.Priority:
		p = t
	case string:
		p = types.Priority(t)
	default:
		return nil, fmt.Errorf("priority must be a string, got %T", v)
	}
	s, ok := a2aPriorities[p]
	if !ok {
		return nil, fmt.Errorf("unknown priority %q", p)
	}
	return s, nil
}

func stringToInt(v any) (any, error) {
	if n, ok := toInt(v); ok {
		return n, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	return n, nil
}

func intToString(v any) (any, error) {
	n, ok := toInt(v)
	if !ok {
		return nil, fmt.Errorf("expected integer, got %T", v)
	}
	return strconv.FormatInt(n, 10), nil
}

func msToDuration(v any) (any, error) {
	n, ok := toInt(v)
	if !ok {
		return nil, fmt.Errorf("expected milliseconds, got %T", v)
	}
	return (time.Duration(n) * time.Millisecond).String(), nil
}

func durationToMS(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected duration string, got %T", v)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, err
	}
	return d.Milliseconds(), nil
}

func lowercase(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected string, got %T", v)
	}
	return strings.ToLower(s), nil
}

func toJSONString(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func fromJSONString(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("expected JSON string, got %T", v)
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// toInt accepts Go integers and integral floats (JSON numbers).
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
		if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}
