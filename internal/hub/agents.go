// ABOUTME: Handles messages arriving on agent connections.
// ABOUTME: Routes registration, heartbeats, results and frames to the registry, dispatcher and relay.

package hub

import (
	"time"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/dispatch"
	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/protocol"
)

func (h *Hub) handleAgentMessage(c *Conn, data []byte) {
	msg, err := protocol.DecodeAgent(data)
	if err != nil {
		h.logger.Debug("dropping malformed agent message", "conn_id", c.ID, "error", err)
		h.replyError(c, protocol.ErrorCodeInvalidMessage, err.Error())
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()

	switch m := msg.(type) {
	case *protocol.RegisterMessage:
		reg, err := h.svc.Agents.Register(ctx, agent.RegisterParams{
			AgentID:  m.AgentID,
			Hostname: m.Hostname,
			IP:       m.IP,
			OS:       m.OS,
			ConnID:   c.ID,
		})
		if err != nil {
			h.logger.Error("registration failed", "conn_id", c.ID, "agent_id", m.AgentID, "error", err)
			h.replyError(c, protocol.ErrorCodeInternalError, "registration failed")
			return
		}
		if reg.Replaced != "" {
			h.CloseConnection(reg.Replaced)
		}

	case *protocol.CommandResultMessage:
		agentID, ok := h.agentFor(c, m.AgentID)
		if !ok {
			h.replyError(c, protocol.ErrorCodeNotRegistered, "register before reporting results")
			return
		}
		if _, err := h.svc.Commands.ReportResult(ctx, dispatch.ResultParams{
			DispatchID: m.CommandID,
			AgentID:    agentID,
			Success:    m.Success,
			Output:     m.Output,
		}); err != nil {
			h.logger.Error("recording command result failed", "command_id", m.CommandID, "error", err)
			h.replyError(c, protocol.ErrorCodeInternalError, "recording result failed")
		}

	case *protocol.HeartbeatMessage:
		if agentID, ok := h.agentFor(c, m.AgentID); ok {
			if err := h.svc.Agents.MarkOnline(ctx, agentID); err != nil {
				h.logger.Error("recording heartbeat failed", "agent_id", agentID, "error", err)
			}
		}
		h.reply(c, protocol.NewPong(time.Now()))

	case *protocol.ScreenFrameMessage:
		agentID, ok := h.agentFor(c, m.AgentID)
		if !ok {
			h.replyError(c, protocol.ErrorCodeNotRegistered, "register before streaming")
			return
		}
		h.svc.Frames.RelayScreenFrame(fanout.ScreenFrame{
			AgentID:   agentID,
			Image:     m.Image,
			Timestamp: m.Timestamp,
		})

	case *protocol.AudioFrameMessage:
		agentID, ok := h.agentFor(c, m.AgentID)
		if !ok {
			h.replyError(c, protocol.ErrorCodeNotRegistered, "register before streaming")
			return
		}
		h.svc.Frames.RelayAudioFrame(fanout.AudioFrame{
			AgentID:       agentID,
			AudioType:     m.AudioType,
			AudioData:     m.AudioData,
			SampleRate:    m.SampleRate,
			Channels:      m.Channels,
			BitsPerSample: m.BitsPerSample,
			Timestamp:     m.Timestamp,
		})
	}
}

// agentFor resolves the agent behind a connection. The registered mapping
// wins; the ID carried in the message is the fallback for agents that report
// before (or without) registering on this connection.
func (h *Hub) agentFor(c *Conn, claimed string) (string, bool) {
	if id, ok := h.svc.Agents.AgentFor(c.ID); ok {
		return id, true
	}
	return claimed, claimed != ""
}
