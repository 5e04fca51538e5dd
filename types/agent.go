package types

import (
	"errors"
	"strings"
	"time"
)

// AgentStatus is the liveness state reported by the registering collaborator.
type AgentStatus string

const (
	AgentStatusActive     AgentStatus = "active"
	AgentStatusIdle       AgentStatus = "idle"
	AgentStatusBusy       AgentStatus = "busy"
	AgentStatusOverloaded AgentStatus = "overloaded"
	AgentStatusOffline    AgentStatus = "offline"
)

// Valid reports whether s is a known status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusIdle, AgentStatusBusy, AgentStatusOverloaded, AgentStatusOffline:
		return true
	default:
		return false
	}
}

// Capability is a named, versioned feature an agent claims to support.
type Capability struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// AgentMetrics are the live figures a collaborator reports for an agent.
type AgentMetrics struct {
	SuccessRate     float64       `json:"successRate" yaml:"success_rate"`
	AvgResponseTime time.Duration `json:"avgResponseTime" yaml:"avg_response_time"`
	// Uptime is the fraction of the observation window the agent was up (0-1).
	Uptime   float64   `json:"uptime" yaml:"uptime"`
	LastSeen time.Time `json:"lastSeen" yaml:"last_seen"`
}

// AgentMetadata describes an agent's kind and current condition.
type AgentMetadata struct {
	Type    string       `json:"type" yaml:"type"`
	Load    float64      `json:"load" yaml:"load"`
	Status  AgentStatus  `json:"status" yaml:"status"`
	Metrics AgentMetrics `json:"metrics" yaml:"metrics"`
}

// AgentCard is the directory record supplied by collaborators.
type AgentCard struct {
	ID           string             `json:"id" yaml:"id"`
	Name         string             `json:"name,omitempty" yaml:"name"`
	Endpoint     string             `json:"endpoint,omitempty" yaml:"endpoint"`
	Capabilities []Capability       `json:"capabilities" yaml:"capabilities"`
	Services     map[string]float64 `json:"services,omitempty" yaml:"services"`
	Metadata     AgentMetadata      `json:"metadata" yaml:"metadata"`
}

// Agent card validation errors.
var (
	ErrCardMissingID   = errors.New("agent card: missing id")
	ErrCardInvalidLoad = errors.New("agent card: load must be within [0,1]")
	ErrCardBadStatus   = errors.New("agent card: unknown status")
)

// Validate checks required fields and value ranges.
func (c *AgentCard) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrCardMissingID
	}
	if c.Metadata.Load < 0 || c.Metadata.Load > 1 {
		return ErrCardInvalidLoad
	}
	if c.Metadata.Status != "" && !c.Metadata.Status.Valid() {
		return ErrCardBadStatus
	}
	return nil
}

// Clone returns a deep copy of the card.
func (c *AgentCard) Clone() *AgentCard {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Capabilities != nil {
		cp.Capabilities = append([]Capability(nil), c.Capabilities...)
	}
	if c.Services != nil {
		cp.Services = make(map[string]float64, len(c.Services))
		for k, v := range c.Services {
			cp.Services[k] = v
		}
	}
	return &cp
}

// GetCapability returns the named capability, if declared.
func (c *AgentCard) GetCapability(name string) (Capability, bool) {
	for _, capability := range c.Capabilities {
		if capability.Name == name {
			return capability, true
		}
	}
	return Capability{}, false
}

// ServiceCost returns the declared cost of a method.
func (c *AgentCard) ServiceCost(method string) (float64, bool) {
	if c.Services == nil {
		return 0, false
	}
	cost, ok := c.Services[method]
	return cost, ok
}

// AgentMetricsUpdate is a partial update; nil fields are left unchanged.
type AgentMetricsUpdate struct {
	Load         *float64       `json:"load,omitempty"`
	Status       *AgentStatus   `json:"status,omitempty"`
	ResponseTime *time.Duration `json:"responseTime,omitempty"`
	SuccessRate  *float64       `json:"successRate,omitempty"`
	Uptime       *float64       `json:"uptime,omitempty"`
	LastSeen     *time.Time     `json:"lastSeen,omitempty"`
}
