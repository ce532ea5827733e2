// Package agent tracks the agents known to the hub and the connections
// serving them.
//
// # Overview
//
// The Registry owns two things: the durable agent records (through the
// store ledger) and the in-memory mapping from agent ID to the connection
// ID that currently serves it, with a reverse index for disconnects. The
// mapping is never persisted and only changes after a ledger commit.
//
// # Registry
//
//	reg := agent.NewRegistry(ledger, sender, events, logger)
//
// Key operations:
//
//   - Register(ctx, params): upsert the agent, drain its queued commands
//   - MarkOnline(ctx, agentID): heartbeat; refreshes last_seen
//   - Disconnect(ctx, connID): mark offline and drop the mapping
//   - Release(connID): drop the mapping without a write, after Disconnect
//     keeps failing
//   - Reconcile(ctx): mark agents left online by a previous process offline
//   - IsReachable(agentID): known, online and mapped
//
// # Registration
//
// Registering replaces any previous connection of the same agent. The new
// connection receives a registered acknowledgement carrying the persisted
// screen and audio flags, then every drained command as execute_command in
// FIFO order. Observers receive agents_changed.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Writes serialise on the
// ledger; lookups take a read lock on the mapping.
package agent
