// ABOUTME: Tests for inbound message decoding and validation
// ABOUTME: Covers per-role type tables, malformed frames and missing fields

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/store"
)

func TestDecodeAgent_Register(t *testing.T) {
	msg, err := DecodeAgent([]byte(`{"type":"register","agent_id":"a1","hostname":"alpha","ip":"10.0.0.1","os":"linux"}`))
	require.NoError(t, err)

	reg, ok := msg.(*RegisterMessage)
	require.True(t, ok)
	assert.Equal(t, "a1", reg.AgentID)
	assert.Equal(t, "alpha", reg.Hostname)
	assert.Equal(t, "linux", reg.OS)
}

func TestDecodeAgent_AudioDefaults(t *testing.T) {
	msg, err := DecodeAgent([]byte(`{"type":"audio_frame","audio_type":"mic","audio_data":"AAAA","timestamp":"2024-01-01T00:00:00Z"}`))
	require.NoError(t, err)

	audio := msg.(*AudioFrameMessage)
	assert.Equal(t, DefaultSampleRate, audio.SampleRate)
	assert.Equal(t, DefaultChannels, audio.Channels)
	assert.Equal(t, DefaultBitsPerSample, audio.BitsPerSample)
	assert.JSONEq(t, `"2024-01-01T00:00:00Z"`, string(audio.Timestamp))
}

func TestDecodeAgent_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"launch_missiles"}`},
		{"missing type", `{"agent_id":"a1"}`},
		{"register without id", `{"type":"register","hostname":"alpha"}`},
		{"register blank id", `{"type":"register","agent_id":"   "}`},
		{"result without command id", `{"type":"command_result","success":true}`},
		{"screen without image", `{"type":"screen_frame"}`},
		{"audio without type", `{"type":"audio_frame","audio_data":"AAAA"}`},
		{"wrong field type", `{"type":"command_result","command_id":"c1","success":"yes"}`},
		{"observer message on agent socket", `{"type":"dispatch","target":"all","command":"ls"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAgent([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeObserver(t *testing.T) {
	msg, err := DecodeObserver([]byte(`{"type":"dispatch","target":"all","command":"uptime"}`))
	require.NoError(t, err)
	d := msg.(*DispatchMessage)
	assert.Equal(t, "all", d.Target)
	assert.Equal(t, "uptime", d.Command)

	msg, err = DecodeObserver([]byte(`{"type":"toggle_audio","agent_id":"a1","enabled":true}`))
	require.NoError(t, err)
	toggle := msg.(*ToggleMessage)
	assert.Equal(t, TypeToggleAudio, toggle.MessageType())
	assert.True(t, toggle.Enabled)

	_, err = DecodeObserver([]byte(`{"type":"get_state"}`))
	require.NoError(t, err)

	_, err = DecodeObserver([]byte(`{"type":"dispatch","target":"all","command":"  "}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeObserver([]byte(`{"type":"toggle_screen","enabled":true}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_EventCarriesKindAsType(t *testing.T) {
	data, err := Encode(NewEvent(fanout.HistoryAppended{Entry: store.HistoryEntry{ID: "c1", AgentID: "a1", Status: store.StatusQueued}}))
	require.NoError(t, err)

	var decoded struct {
		Type string `json:"type"`
		Data struct {
			Entry store.HistoryEntry `json:"entry"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "history_appended", decoded.Type)
	assert.Equal(t, "c1", decoded.Data.Entry.ID)
	assert.Equal(t, store.StatusQueued, decoded.Data.Entry.Status)
}

func TestEncode_ExecuteCommand(t *testing.T) {
	data, err := Encode(NewExecuteCommand("c1", "ls -la"))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "execute_command", decoded["type"])
	assert.Equal(t, "c1", decoded["command_id"])
	assert.Equal(t, "ls -la", decoded["command"])
}
