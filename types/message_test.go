package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarget_JSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wire string
		want Target
	}{
		{"single", `"agent-b"`, To("agent-b")},
		{"list", `["a","b"]`, To("a", "b")},
		{"broadcast", `"broadcast"`, Broadcast()},
		{"empty", `""`, Target{}},
		{"null", `null`, Target{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Target
			require.NoError(t, json.Unmarshal([]byte(tt.wire), &got))
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := json.Marshal(Target{})
	require.NoError(t, err)

	var bad Target
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestTarget_Predicates(t *testing.T) {
	t.Parallel()

	assert.True(t, Target{}.IsEmpty())
	assert.True(t, To(" ").IsEmpty())
	assert.False(t, Broadcast().IsEmpty())
	assert.True(t, Broadcast().IsMulti())
	assert.True(t, To("a", "b").IsMulti())

	id, ok := To("a").Single()
	assert.True(t, ok)
	assert.Equal(t, "a", id)
	_, ok = To("a", "b").Single()
	assert.False(t, ok)
}

func TestEnvelope_WireShape(t *testing.T) {
	t.Parallel()

	maxCost := 5.0
	env := NewEnvelope("agent-a", To("agent-b"), "task.run", map[string]any{"x": 1.0})
	env.Priority = PriorityHigh
	env.Context = &MessageContext{TimeoutMS: 2000, MaxCost: &maxCost}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "2.0", raw["jsonrpc"])
	assert.Equal(t, "agent-b", raw["to"])
	assert.Equal(t, "request", raw["messageType"])
	assert.Equal(t, "high", raw["priority"])

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, env.ID, back.ID)
	assert.Equal(t, env.To, back.To)
	assert.Equal(t, int64(2000), back.Context.TimeoutMS)
	assert.Equal(t, 5.0, *back.Context.MaxCost)
}

func TestEnvelope_Clone(t *testing.T) {
	t.Parallel()

	env := NewEnvelope("a", To("b"), "m", map[string]any{"k": "v"})
	env.Context = &MessageContext{RequiredCapabilities: []string{"nlp"}}

	c := env.Clone()
	c.Params["k"] = "changed"
	c.Context.RequiredCapabilities[0] = "vision"
	c.To.IDs[0] = "z"

	assert.Equal(t, "v", env.Params["k"])
	assert.Equal(t, "nlp", env.Context.RequiredCapabilities[0])
	assert.Equal(t, "b", env.To.IDs[0])
}

func TestEnvelope_CloneNestedParams(t *testing.T) {
	t.Parallel()

	env := NewEnvelope("a", To("b"), "m", map[string]any{
		"args": map[string]any{"city": "Oslo"},
		"tags": []any{"x", map[string]any{"k": 1}},
	})

	c := env.Clone()
	c.Params["args"].(map[string]any)["city"] = "Bergen"
	c.Params["tags"].([]any)[0] = "y"
	c.Params["tags"].([]any)[1].(map[string]any)["k"] = 2

	assert.Equal(t, "Oslo", env.Params["args"].(map[string]any)["city"])
	assert.Equal(t, "x", env.Params["tags"].([]any)[0])
	assert.Equal(t, 1, env.Params["tags"].([]any)[1].(map[string]any)["k"])
}

func TestPriority_Rank(t *testing.T) {
	t.Parallel()

	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("").Rank())
	assert.Equal(t, PriorityNormal, (&Envelope{}).EffectivePriority())
}

func TestNowMillis_Monotonic(t *testing.T) {
	t.Parallel()

	prev := NowMillis()
	for i := 0; i < 1000; i++ {
		now := NowMillis()
		require.GreaterOrEqual(t, now, prev)
		prev = now
	}
}

func TestResponse_Constructors(t *testing.T) {
	t.Parallel()

	req := NewEnvelope("a", To("b"), "m", nil)
	ok := NewResultResponse(req, "b", "done")
	assert.Equal(t, req.ID, ok.ID)
	assert.Equal(t, "a", ok.To)
	assert.False(t, ok.IsError())

	fail := NewErrorResponse(req, "b", NewError(KindTimeout, "slow"))
	assert.True(t, fail.IsError())
	assert.Nil(t, fail.Result)
}

func TestAgentCard_Validate(t *testing.T) {
	t.Parallel()

	card := &AgentCard{ID: "a", Metadata: AgentMetadata{Load: 0.5, Status: AgentStatusActive}}
	assert.NoError(t, card.Validate())

	assert.ErrorIs(t, (&AgentCard{}).Validate(), ErrCardMissingID)
	assert.ErrorIs(t, (&AgentCard{ID: "a", Metadata: AgentMetadata{Load: 1.5}}).Validate(), ErrCardInvalidLoad)
	assert.ErrorIs(t, (&AgentCard{ID: "a", Metadata: AgentMetadata{Status: "sleeping"}}).Validate(), ErrCardBadStatus)
}

func TestAgentCard_CloneIsDeep(t *testing.T) {
	t.Parallel()

	card := &AgentCard{
		ID:           "a",
		Capabilities: []Capability{{Name: "nlp", Version: "1.0.0"}},
		Services:     map[string]float64{"task.run": 3},
	}
	c := card.Clone()
	c.Services["task.run"] = 99
	c.Capabilities[0].Version = "2.0.0"

	cost, ok := card.ServiceCost("task.run")
	assert.True(t, ok)
	assert.Equal(t, 3.0, cost)
	capability, ok := card.GetCapability("nlp")
	assert.True(t, ok)
	assert.Equal(t, "1.0.0", capability.Version)
}
