// ABOUTME: Decodes inbound agent and observer frames into typed messages
// ABOUTME: Unknown types and missing required fields are rejected with a reportable error

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for inbound messages that cannot be parsed or
// are missing required fields.
var ErrMalformed = errors.New("malformed message")

// Inbound is a decoded message received from an agent or observer.
type Inbound interface {
	MessageType() string
	Validate() error
}

// RawMessage is used for parsing incoming messages before type dispatch.
type RawMessage struct {
	Type string `json:"type"`
}

// DecodeAgent parses and validates a message sent by an agent.
func DecodeAgent(data []byte) (Inbound, error) {
	return decode(data, func(msgType string) Inbound {
		switch msgType {
		case TypeRegister:
			return &RegisterMessage{}
		case TypeCommandResult:
			return &CommandResultMessage{}
		case TypeHeartbeat:
			return &HeartbeatMessage{}
		case TypeScreenFrame:
			return &ScreenFrameMessage{}
		case TypeAudioFrame:
			return &AudioFrameMessage{}
		}
		return nil
	})
}

// DecodeObserver parses and validates a message sent by an observer.
func DecodeObserver(data []byte) (Inbound, error) {
	return decode(data, func(msgType string) Inbound {
		switch msgType {
		case TypeDispatch:
			return &DispatchMessage{}
		case TypeToggleScreen, TypeToggleAudio:
			return &ToggleMessage{}
		case TypeGetState:
			return &GetStateMessage{}
		}
		return nil
	})
}

func decode(data []byte, lookup func(string) Inbound) (Inbound, error) {
	var raw RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	msg := lookup(raw.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, raw.Type)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformed, raw.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

func missing(msgType, field string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMalformed, msgType, field)
}

func (m *RegisterMessage) Validate() error {
	if strings.TrimSpace(m.AgentID) == "" {
		return missing(TypeRegister, "agent_id")
	}
	return nil
}

func (m *CommandResultMessage) Validate() error {
	if m.CommandID == "" {
		return missing(TypeCommandResult, "command_id")
	}
	return nil
}

func (m *HeartbeatMessage) Validate() error { return nil }

func (m *ScreenFrameMessage) Validate() error {
	if m.Image == "" {
		return missing(TypeScreenFrame, "image")
	}
	return nil
}

// Validate checks required fields and fills in format defaults.
func (m *AudioFrameMessage) Validate() error {
	if m.AudioType == "" {
		return missing(TypeAudioFrame, "audio_type")
	}
	if m.SampleRate <= 0 {
		m.SampleRate = DefaultSampleRate
	}
	if m.Channels <= 0 {
		m.Channels = DefaultChannels
	}
	if m.BitsPerSample <= 0 {
		m.BitsPerSample = DefaultBitsPerSample
	}
	return nil
}

func (m *DispatchMessage) Validate() error {
	if m.Target == "" {
		return missing(TypeDispatch, "target")
	}
	if strings.TrimSpace(m.Command) == "" {
		return missing(TypeDispatch, "command")
	}
	return nil
}

func (m *ToggleMessage) Validate() error {
	if m.AgentID == "" {
		return missing(m.Type, "agent_id")
	}
	return nil
}

func (m *GetStateMessage) Validate() error { return nil }
