// Package events provides an ordered, typed event bus for fabric lifecycle
// notifications. Each subscriber owns a buffered channel; publishers never
// block, and events that do not fit a full buffer are counted as dropped.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/agentfabric/types"
)

// DefaultBuffer is the per-subscriber buffer used when none is given.
const DefaultBuffer = 256

// Bus fans events out to subscribers in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
	logger *zap.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

var _ types.EventSink = (*Bus)(nil)

// NewBus creates an event bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string]*Subscription),
		logger: logger.With(zap.String("component", "event_bus")),
	}
}

// Subscription is one subscriber's ordered view of the bus.
type Subscription struct {
	id      string
	ch      chan types.Event
	filter  map[types.EventType]struct{}
	bus     *Bus
	once    sync.Once
	dropped atomic.Int64
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// C returns the delivery channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan types.Event { return s.ch }

// Dropped returns how many events did not fit this subscriber's buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		s.closeChan()
	}
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Subscription) wants(t types.EventType) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// Subscribe registers a subscriber. With no event types every event is
// delivered.
func (b *Bus) Subscribe(buffer int, eventTypes ...types.EventType) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		id:  uuid.NewString(),
		ch:  make(chan types.Event, buffer),
		bus: b,
	}
	if len(eventTypes) > 0 {
		sub.filter = make(map[types.EventType]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			sub.filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChan()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// SubscribeFunc runs fn on a dedicated goroutine for every matching event,
// in publish order. A panicking fn is logged and does not stop delivery.
func (b *Bus) SubscribeFunc(fn func(types.Event), eventTypes ...types.EventType) *Subscription {
	sub := b.Subscribe(DefaultBuffer, eventTypes...)
	go func() {
		for ev := range sub.ch {
			b.invoke(fn, ev)
		}
	}()
	return sub
}

func (b *Bus) invoke(fn func(types.Event), ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(ev.Type)),
				zap.Any("recover", r))
		}
	}()
	fn(ev)
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Stats reports totals since the bus was created.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}

// Close detaches all subscribers and closes their channels. Publishing after
// Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.closeChan()
		delete(b.subs, id)
	}
}

// Emitter stamps a source on events before handing them to a sink. A nil
// sink discards events.
type Emitter struct {
	Source string
	Sink   types.EventSink
}

// Emit publishes ev with the emitter's source filled in.
func (e Emitter) Emit(ev types.Event) {
	if e.Sink == nil {
		return
	}
	if ev.Source == "" {
		ev.Source = e.Source
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	e.Sink.Publish(ev)
}
