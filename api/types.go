package api

import (
	"time"

	"github.com/BaSui01/agentfabric/types"
)

// =============================================================================
// Agent directory
// =============================================================================

// AgentInfo is one routing table entry as returned by /v1/agents.
type AgentInfo struct {
	Card types.AgentCard `json:"card"`
	// 由路由器根据负载、成功率与运行时间计算
	ConnectionQuality float64   `json:"connectionQuality"`
	RegisteredAt      time.Time `json:"registeredAt"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// MetricsUpdateRequest is the body of PATCH /v1/agents/{id}/metrics.
// Omitted fields are left unchanged; durations are milliseconds.
type MetricsUpdateRequest struct {
	Load           *float64           `json:"load,omitempty"`
	Status         *types.AgentStatus `json:"status,omitempty"`
	ResponseTimeMS *int64             `json:"responseTimeMs,omitempty"`
	SuccessRate    *float64           `json:"successRate,omitempty"`
	Uptime         *float64           `json:"uptime,omitempty"`
}

// Update converts the request into the router's partial update.
func (r MetricsUpdateRequest) Update() types.AgentMetricsUpdate {
	u := types.AgentMetricsUpdate{
		Load:        r.Load,
		Status:      r.Status,
		SuccessRate: r.SuccessRate,
		Uptime:      r.Uptime,
	}
	if r.ResponseTimeMS != nil {
		d := time.Duration(*r.ResponseTimeMS) * time.Millisecond
		u.ResponseTime = &d
	}
	return u
}

// RouteResponse is returned by GET /v1/routes.
type RouteResponse struct {
	Route *types.Route `json:"route"`
}

// =============================================================================
// Events
// =============================================================================

// EventsResponse is returned by GET /v1/events.
type EventsResponse struct {
	Events []types.Event `json:"events"`
	Count  int           `json:"count"`
}
