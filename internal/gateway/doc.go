// Package gateway orchestrates the coven-hub server components.
//
// # Overview
//
// The Gateway owns the store, the ledger over it, the event broadcaster,
// the WebSocket hub, and the registry, dispatcher and relay that the hub
// routes inbound messages to. New wires them together, marks agents left
// online by a previous process as offline, and optionally starts a NATS
// bridge that republishes fanout events.
//
// # HTTP Routes
//
// WebSockets:
//
//   - GET /ws/agent - agent connections
//   - GET /ws/observer - observer connections
//
// Operator API (JSON):
//
//   - GET /api/state - every agent and the full history
//   - GET /api/agents - agents sorted by ID, with live connection status
//   - GET /api/agents/{id} - one agent
//   - GET /api/agents/{id}/commands - one agent's history (?latest, ?limit)
//   - GET /api/history - the global history (?latest, ?limit)
//   - POST /api/dispatch - {"target": "all"|agent_id, "command": "..."}
//   - POST /api/agents/{id}/screen, /audio - {"enabled": bool}
//   - GET /api/agents/{id}/frames/screen - latest screen frame
//   - GET /api/agents/{id}/frames/audio - audio types with a cached frame
//   - GET /api/agents/{id}/frames/audio/{type} - latest audio frame of a type
//
// Health:
//
//   - GET /health - liveness
//   - GET /health/ready - 200 with the reachable agent count, 503 when none
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	err = gw.Run(ctx) // blocks; shuts down when ctx is canceled
//
// Shutdown stops the HTTP server, closes every WebSocket (agents go
// offline), stops the bridge, and closes the store last.
package gateway
