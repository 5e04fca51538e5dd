// Package api holds the request and response shapes of the AgentFabric HTTP
// carrier.
//
// # API Overview
//
// The carrier exposes the fabric to remote agents and tool-calling clients:
//   - POST /v1/rpc                    one envelope in, one response out
//   - GET  /v1/ws                     the same exchange over a websocket (subprotocol "a2a")
//   - POST /v1/mcp                    one MCP JSON-RPC message in, one out
//   - GET/POST /v1/agents             routing table listing and registration
//   - GET/DELETE /v1/agents/{id}      single agent lookup and removal
//   - PATCH /v1/agents/{id}/metrics   partial metrics update
//   - GET  /v1/routes                 route dry-run between two agents
//   - GET  /v1/stats                  manager, router, bridge and journal figures
//   - GET  /v1/events                 persisted event journal query
//   - GET  /.well-known/agent.json    the local agent card
//   - GET  /health, /healthz, /ready, /version
//
// # Authentication
//
// When API keys are configured every /v1 path requires the X-API-Key
// header. When a JWT secret is configured a Bearer token is required
// instead, and its subject must match the from field of envelopes posted
// to /v1/rpc.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
