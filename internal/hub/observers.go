// ABOUTME: Handles observer connections: event forwarding and operator requests.
// ABOUTME: Observers get the full state on connect, then every fanout event as it happens.

package hub

import (
	"context"
	"errors"

	"github.com/2389/coven-hub/internal/dispatch"
	"github.com/2389/coven-hub/internal/protocol"
	"github.com/2389/coven-hub/internal/relay"
)

// forwardEvents subscribes the observer to fanout and queues every event
// for its write pump until ctx ends. Events that do not fit in the send
// buffer are dropped; the observer resynchronises with get_state.
func (h *Hub) forwardEvents(ctx context.Context, c *Conn) {
	if h.svc.Events == nil {
		return
	}
	events, _ := h.svc.Events.Subscribe(ctx)

	if h.svc.State != nil {
		h.reply(c, protocol.NewState(h.svc.State.Snapshot()))
	}

	dropped := 0
	for ev := range events {
		data, err := protocol.Encode(protocol.NewEvent(ev))
		if err != nil {
			h.logger.Error("failed to encode event", "kind", ev.Kind(), "error", err)
			continue
		}
		switch err := c.enqueue(data); {
		case errors.Is(err, ErrBufferFull):
			dropped++
			if dropped == 1 || dropped%100 == 0 {
				h.logger.Warn("observer too slow, dropping events", "conn_id", c.ID, "dropped", dropped)
			}
		case err != nil:
			return
		}
	}
}

func (h *Hub) handleObserverMessage(c *Conn, data []byte) {
	msg, err := protocol.DecodeObserver(data)
	if err != nil {
		h.logger.Debug("dropping malformed observer message", "conn_id", c.ID, "error", err)
		h.replyError(c, protocol.ErrorCodeInvalidMessage, err.Error())
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	switch m := msg.(type) {
	case *protocol.DispatchMessage:
		res, err := h.svc.Commands.Dispatch(ctx, m.Target, m.Command)
		if err != nil {
			h.logger.Error("dispatch failed", "target", m.Target, "error", err)
			code := protocol.ErrorCodeInternalError
			if errors.Is(err, dispatch.ErrEmptyCommand) {
				code = protocol.ErrorCodeInvalidMessage
			}
			h.replyError(c, code, "dispatch failed")
			return
		}
		h.reply(c, protocol.NewDispatchResult(res.CommandID, res.Target, res.Resolution.String(), res.Entries))

	case *protocol.ToggleMessage:
		toggle, stream := h.svc.Frames.ToggleScreen, relay.StreamScreen
		if m.MessageType() == protocol.TypeToggleAudio {
			toggle, stream = h.svc.Frames.ToggleAudio, relay.StreamAudio
		}
		res, err := toggle(ctx, m.AgentID, m.Enabled)
		if err != nil {
			h.logger.Error("toggle failed", "agent_id", m.AgentID, "stream", stream, "error", err)
			h.replyError(c, protocol.ErrorCodeInternalError, "toggle failed")
			return
		}
		h.reply(c, protocol.NewToggleResult(m.AgentID, string(stream), m.Enabled, res.Known, res.Delivered))

	case *protocol.GetStateMessage:
		h.reply(c, protocol.NewState(h.svc.State.Snapshot()))
	}
}
