package types

import "time"

// EventType names a fabric lifecycle event.
type EventType string

const (
	EventMessageEnqueued       EventType = "message.enqueued"
	EventMessageDispatched     EventType = "message.dispatched"
	EventMessageSucceeded      EventType = "message.succeeded"
	EventMessageFailed         EventType = "message.failed"
	EventMessageRetryScheduled EventType = "message.retry_scheduled"
	EventRouteResolved         EventType = "route.resolved"
	EventRouteFailed           EventType = "route.failed"
	EventAgentRegistered       EventType = "agent.registered"
	EventAgentUnregistered     EventType = "agent.unregistered"
	EventAgentStaleRemoved     EventType = "agent.stale_removed"
	EventAgentMetricsUpdated   EventType = "agent.metrics_updated"
	EventMappingRegistered     EventType = "mapping.registered"
	EventMappingUnregistered   EventType = "mapping.unregistered"
	EventMappingsReplaced      EventType = "mapping.replaced"
	EventTranslationSucceeded  EventType = "translation.succeeded"
	EventTranslationFailed     EventType = "translation.failed"
	EventCacheEvicted          EventType = "cache.evicted"
	EventManagerStateChanged   EventType = "manager.state_changed"
)

// Event is a typed notification for dashboards, alerting and journals.
type Event struct {
	Type      EventType       `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
	Method    string          `json:"method,omitempty"`
	AgentID   string          `json:"agentId,omitempty"`
	Strategy  RoutingStrategy `json:"strategy,omitempty"`
	Kind      ErrorKind       `json:"kind,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

// EventSink receives events. Implementations must not block.
type EventSink interface {
	Publish(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event Event)

// Publish implements EventSink.
func (f EventSinkFunc) Publish(event Event) { f(event) }

// NopSink discards every event.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(Event) {}
