// ABOUTME: JSON message types exchanged with agents and observers over WebSocket
// ABOUTME: Each message carries a type discriminator; constructors build hub-originated messages

package protocol

import (
	"encoding/json"
	"time"

	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/store"
)

// Message types from agent to hub
const (
	TypeRegister      = "register"
	TypeCommandResult = "command_result"
	TypeHeartbeat     = "heartbeat"
	TypeScreenFrame   = "screen_frame"
	TypeAudioFrame    = "audio_frame"
)

// Message types from hub to agent
const (
	TypeRegistered     = "registered"
	TypeExecuteCommand = "execute_command"
	TypeToggleScreen   = "toggle_screen"
	TypeToggleAudio    = "toggle_audio"
	TypePong           = "pong"
	TypeError          = "error"
)

// Message types from observer to hub. Toggle requests reuse
// TypeToggleScreen and TypeToggleAudio.
const (
	TypeDispatch = "dispatch"
	TypeGetState = "get_state"
)

// Message types from hub to observer, besides the fanout event kinds.
const (
	TypeState          = "state"
	TypeDispatchResult = "dispatch_result"
	TypeToggleResult   = "toggle_result"
)

// Frame defaults applied when an agent omits audio format fields.
const (
	DefaultSampleRate    = 44100
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
)

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeNotRegistered  = "not_registered"
	ErrorCodeInternalError  = "internal_error"
)

// Outbound is any message the hub writes to a connection.
type Outbound interface {
	MessageType() string
}

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts,omitempty"`
}

// MessageType returns the wire type of the message.
func (b BaseMessage) MessageType() string { return b.Type }

func base(msgType string) BaseMessage {
	return BaseMessage{Type: msgType, Ts: time.Now().UnixMilli()}
}

// RegisterMessage is sent by an agent when it connects.
type RegisterMessage struct {
	BaseMessage
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	OS       string `json:"os"`
}

// CommandResultMessage reports the outcome of an executed command.
type CommandResultMessage struct {
	BaseMessage
	CommandID string `json:"command_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Success   bool   `json:"success"`
	Output    string `json:"output"`
}

// HeartbeatMessage keeps an agent's session alive.
type HeartbeatMessage struct {
	BaseMessage
	AgentID string `json:"agent_id,omitempty"`
}

// ScreenFrameMessage carries one screen capture.
type ScreenFrameMessage struct {
	BaseMessage
	AgentID   string          `json:"agent_id,omitempty"`
	Image     string          `json:"image"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// AudioFrameMessage carries one audio chunk. Omitted format fields take the
// protocol defaults.
type AudioFrameMessage struct {
	BaseMessage
	AgentID       string          `json:"agent_id,omitempty"`
	AudioType     string          `json:"audio_type"`
	AudioData     string          `json:"audio_data"`
	SampleRate    int             `json:"sample_rate,omitempty"`
	Channels      int             `json:"channels,omitempty"`
	BitsPerSample int             `json:"bits_per_sample,omitempty"`
	Timestamp     json.RawMessage `json:"timestamp,omitempty"`
}

// RegisteredMessage acknowledges a registration and carries the persisted
// stream flags so the agent can resynchronise.
type RegisteredMessage struct {
	BaseMessage
	AgentID        string `json:"agent_id"`
	ScreenEnabled  bool   `json:"screen_enabled"`
	AudioEnabled   bool   `json:"audio_enabled"`
	QueuedCommands int    `json:"queued_commands"`
}

// NewRegistered builds the acknowledgement for a registered agent.
func NewRegistered(a store.Agent, queued int) RegisteredMessage {
	return RegisteredMessage{
		BaseMessage:    base(TypeRegistered),
		AgentID:        a.ID,
		ScreenEnabled:  a.ScreenEnabled,
		AudioEnabled:   a.AudioEnabled,
		QueuedCommands: queued,
	}
}

// ExecuteCommandMessage instructs an agent to run a command.
type ExecuteCommandMessage struct {
	BaseMessage
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
}

// NewExecuteCommand builds an execute_command message.
func NewExecuteCommand(commandID, command string) ExecuteCommandMessage {
	return ExecuteCommandMessage{
		BaseMessage: base(TypeExecuteCommand),
		CommandID:   commandID,
		Command:     command,
	}
}

// ToggleMessage switches an agent's screen or audio stream. Observers send
// the same shape with AgentID set.
type ToggleMessage struct {
	BaseMessage
	AgentID string `json:"agent_id,omitempty"`
	Enabled bool   `json:"enabled"`
}

// NewToggleScreen builds a toggle_screen message for an agent.
func NewToggleScreen(enabled bool) ToggleMessage {
	return ToggleMessage{BaseMessage: base(TypeToggleScreen), Enabled: enabled}
}

// NewToggleAudio builds a toggle_audio message for an agent.
func NewToggleAudio(enabled bool) ToggleMessage {
	return ToggleMessage{BaseMessage: base(TypeToggleAudio), Enabled: enabled}
}

// PongMessage answers a heartbeat.
type PongMessage struct {
	BaseMessage
	Timestamp string `json:"timestamp"`
}

// NewPong builds a pong carrying the server time.
func NewPong(now time.Time) PongMessage {
	return PongMessage{
		BaseMessage: base(TypePong),
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
	}
}

// ErrorMessage is sent when an inbound message cannot be handled.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error message.
func NewError(code, message string) ErrorMessage {
	return ErrorMessage{BaseMessage: base(TypeError), Code: code, Message: message}
}

// DispatchMessage is an operator request to run a command on one or all agents.
type DispatchMessage struct {
	BaseMessage
	Target  string `json:"target"`
	Command string `json:"command"`
}

// GetStateMessage requests a full state snapshot.
type GetStateMessage struct {
	BaseMessage
}

// StateMessage answers get_state with every agent and the full history.
type StateMessage struct {
	BaseMessage
	Agents  map[string]*store.Agent `json:"agents"`
	History []store.HistoryEntry    `json:"history"`
}

// NewState builds a state message from a snapshot.
func NewState(snap *store.Snapshot) StateMessage {
	return StateMessage{
		BaseMessage: base(TypeState),
		Agents:      snap.Agents,
		History:     snap.History,
	}
}

// DispatchResultMessage answers a dispatch request.
type DispatchResultMessage struct {
	BaseMessage
	CommandID  string               `json:"command_id"`
	Target     string               `json:"target"`
	Resolution string               `json:"resolution"`
	Entries    []store.HistoryEntry `json:"entries"`
}

// ToggleResultMessage answers an observer toggle request.
type ToggleResultMessage struct {
	BaseMessage
	AgentID   string `json:"agent_id"`
	Stream    string `json:"stream"`
	Enabled   bool   `json:"enabled"`
	Known     bool   `json:"known"`
	Delivered bool   `json:"delivered"`
}

// EventMessage wraps a fanout event for observers.
type EventMessage struct {
	BaseMessage
	Data fanout.Event `json:"data"`
}

// NewEvent wraps a fanout event, using its kind as the message type.
func NewEvent(ev fanout.Event) EventMessage {
	return EventMessage{BaseMessage: base(string(ev.Kind())), Data: ev}
}

// Encode marshals an outbound message.
func Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}

// NewDispatchResult builds the reply to an observer dispatch request.
func NewDispatchResult(commandID, target, resolution string, entries []store.HistoryEntry) DispatchResultMessage {
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	return DispatchResultMessage{
		BaseMessage: base(TypeDispatchResult),
		CommandID:   commandID,
		Target:      target,
		Resolution:  resolution,
		Entries:     entries,
	}
}

// NewToggleResult builds the reply to an observer toggle request.
func NewToggleResult(agentID, stream string, enabled, known, delivered bool) ToggleResultMessage {
	return ToggleResultMessage{
		BaseMessage: base(TypeToggleResult),
		AgentID:     agentID,
		Stream:      stream,
		Enabled:     enabled,
		Known:       known,
		Delivered:   delivered,
	}
}
