package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentfabric/types"
)

func TestBus_OrderedDelivery(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	sub := bus.Subscribe(16)
	for i := 0; i < 10; i++ {
		bus.Publish(types.Event{Type: types.EventMessageEnqueued, Attempt: i})
	}

	for i := 0; i < 10; i++ {
		ev := <-sub.C()
		assert.Equal(t, i, ev.Attempt)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBus_Filter(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(4, types.EventRouteFailed)
	bus.Publish(types.Event{Type: types.EventRouteResolved})
	bus.Publish(types.Event{Type: types.EventRouteFailed, AgentID: "b"})

	ev := <-sub.C()
	assert.Equal(t, types.EventRouteFailed, ev.Type)
	assert.Equal(t, "b", ev.AgentID)
	assert.Len(t, sub.C(), 0)
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	sub := bus.Subscribe(2)
	for i := 0; i < 5; i++ {
		bus.Publish(types.Event{Type: types.EventCacheEvicted})
	}

	assert.Equal(t, int64(3), sub.Dropped())
	stats := bus.Stats()
	assert.Equal(t, int64(5), stats.Published)
	assert.Equal(t, int64(3), stats.Dropped)
	assert.Equal(t, 1, stats.Subscribers)
}

func TestBus_SubscribeFuncRecoversPanics(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	defer bus.Close()

	var (
		mu  sync.Mutex
		got []types.EventType
	)
	bus.SubscribeFunc(func(ev types.Event) {
		if ev.Type == types.EventMessageFailed {
			panic("boom")
		}
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})

	bus.Publish(types.Event{Type: types.EventMessageFailed})
	bus.Publish(types.Event{Type: types.EventMessageSucceeded})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.EventMessageSucceeded, got[0])
}

func TestSubscription_Close(t *testing.T) {
	bus := NewBus(nil)
	sub := bus.Subscribe(1)
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Stats().Subscribers)

	bus.Close()
	bus.Publish(types.Event{Type: types.EventCacheEvicted})
	late := bus.Subscribe(1)
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestEmitter(t *testing.T) {
	var got types.Event
	e := Emitter{Source: "router", Sink: types.EventSinkFunc(func(ev types.Event) { got = ev })}
	e.Emit(types.Event{Type: types.EventAgentRegistered})

	assert.Equal(t, "router", got.Source)
	assert.False(t, got.Timestamp.IsZero())

	Emitter{}.Emit(types.Event{Type: types.EventAgentRegistered})
}
