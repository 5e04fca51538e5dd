package a2a

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentfabric/types"
)

func queued(id string, p types.Priority) *queuedMessage {
	env := types.NewEnvelope("a", types.To("b"), "m", nil)
	env.ID = id
	env.Priority = p
	return newQueuedMessage(env, types.RetryPolicy{MaxAttempts: 1}, time.Minute, time.Now())
}

func TestPriorityQueue_OrderAndFIFO(t *testing.T) {
	pq := newPriorityQueue()
	pq.Push(queued("n1", types.PriorityNormal))
	pq.Push(queued("l1", types.PriorityLow))
	pq.Push(queued("c1", types.PriorityCritical))
	pq.Push(queued("n2", types.PriorityNormal))
	pq.Push(queued("h1", types.PriorityHigh))
	pq.Push(queued("c2", types.PriorityCritical))

	var got []string
	for m := pq.Pop(); m != nil; m = pq.Pop() {
		got = append(got, m.env.ID)
	}
	assert.Equal(t, []string{"c1", "c2", "h1", "n1", "n2", "l1"}, got)
}

func TestPriorityQueue_RemoveAndRequeue(t *testing.T) {
	pq := newPriorityQueue()
	a, b, c := queued("a", types.PriorityNormal), queued("b", types.PriorityNormal), queued("c", types.PriorityNormal)
	pq.Push(a)
	pq.Push(b)
	pq.Push(c)

	assert.True(t, pq.Remove(b))
	assert.False(t, pq.Remove(b))
	assert.Equal(t, 2, pq.Len())

	head := pq.Pop()
	require.Equal(t, "a", head.env.ID)
	pq.Requeue(head)
	assert.Equal(t, "a", pq.Pop().env.ID, "requeue keeps the original place")
	assert.Equal(t, "c", pq.Pop().env.ID)
	assert.Nil(t, pq.Pop())
}

func TestPriorityQueue_PushedRetryQueuesBehindNewer(t *testing.T) {
	pq := newPriorityQueue()
	pq.Push(queued("first", types.PriorityNormal))
	pq.Push(queued("second", types.PriorityNormal))

	retry := pq.Pop()
	require.Equal(t, "first", retry.env.ID)
	pq.Push(queued("third", types.PriorityNormal))
	pq.Push(retry)
	pq.Push(queued("urgent", types.PriorityHigh))

	var got []string
	for m := pq.Pop(); m != nil; m = pq.Pop() {
		got = append(got, m.env.ID)
	}
	assert.Equal(t, []string{"urgent", "second", "third", "first"}, got)
}

func TestPriorityQueue_Drain(t *testing.T) {
	pq := newPriorityQueue()
	pq.Push(queued("low", types.PriorityLow))
	pq.Push(queued("crit", types.PriorityCritical))

	out := pq.Drain()
	require.Len(t, out, 2)
	assert.Equal(t, "crit", out[0].env.ID)
	assert.Equal(t, 0, pq.Len())
	assert.Equal(t, -1, out[0].index)
}

func TestPriorityQueue_Property_StableByRank(t *testing.T) {
	priorities := []types.Priority{types.PriorityCritical, types.PriorityHigh, types.PriorityNormal, types.PriorityLow}

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 60).Draw(t, "n")
		pq := newPriorityQueue()
		for i := 0; i < n; i++ {
			p := rapid.SampledFrom(priorities).Draw(t, "priority")
			m := queued("", p)
			m.env.ID = string(rune('A' + i%26))
			pq.Push(m)
		}

		var prev *queuedMessage
		for m := pq.Pop(); m != nil; m = pq.Pop() {
			if prev != nil {
				if m.priority.Rank() < prev.priority.Rank() {
					t.Fatalf("rank went backwards: %s after %s", m.priority, prev.priority)
				}
				if m.priority.Rank() == prev.priority.Rank() && m.seq < prev.seq {
					t.Fatalf("arrival order broken within %s", m.priority)
				}
			}
			prev = m
		}
	})
}

func TestQueuedMessage_SettleOnce(t *testing.T) {
	m := queued("x", types.PriorityNormal)
	assert.True(t, m.settle(outcome{err: types.NewError(types.KindTimeout, "late")}))
	assert.False(t, m.settle(outcome{resp: &types.Response{}}))
	o := <-m.result
	assert.Equal(t, types.KindTimeout, o.err.Kind)
	assert.True(t, m.isSettled())
}
