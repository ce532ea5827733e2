// Package hub serves agent and observer WebSocket connections.
//
// Each connection gets a read pump, which decodes and routes inbound
// messages, and a write pump, which is the only writer to the socket and
// sends pings at nine tenths of the read timeout. Outbound messages are
// queued on a bounded per-connection buffer; a full buffer fails the send
// with ErrBufferFull instead of blocking the caller.
//
// Agent messages go to the registry (register, heartbeat), the dispatcher
// (command_result) and the relay (frames). Observers receive a state
// message on connect followed by every fanout event, and may send
// dispatch, toggle and get_state requests.
//
// The hub implements protocol.Sender, so it is created before the services
// that deliver through it and bound to them with Bind.
package hub
