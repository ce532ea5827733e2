// ABOUTME: Event variants delivered to observers over the single broadcast topic
// ABOUTME: Sealed interface with exactly four kinds: agents, history, screen and audio frames

package fanout

import (
	"encoding/json"

	"github.com/2389/coven-hub/internal/store"
)

// Kind identifies an event variant on the wire.
type Kind string

const (
	KindAgentsChanged   Kind = "agents_changed"
	KindHistoryAppended Kind = "history_appended"
	KindScreenFrame     Kind = "screen_frame"
	KindAudioFrame      Kind = "audio_frame"
)

// Event is implemented only by the four variants in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// AgentsChanged carries the full agent map after a registry change.
type AgentsChanged struct {
	Agents map[string]*store.Agent `json:"agents"`
}

// HistoryAppended carries one newly persisted history entry.
type HistoryAppended struct {
	Entry store.HistoryEntry `json:"entry"`
}

// ScreenFrame is the latest screen capture relayed from an agent.
type ScreenFrame struct {
	AgentID   string          `json:"agent_id"`
	Image     string          `json:"image"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"` // as sent by the agent
}

// AudioFrame is the latest audio chunk of one type relayed from an agent.
type AudioFrame struct {
	AgentID       string          `json:"agent_id"`
	AudioType     string          `json:"audio_type"`
	AudioData     string          `json:"audio_data"`
	SampleRate    int             `json:"sample_rate"`
	Channels      int             `json:"channels"`
	BitsPerSample int             `json:"bits_per_sample"`
	Timestamp     json.RawMessage `json:"timestamp,omitempty"`
}

func (AgentsChanged) Kind() Kind   { return KindAgentsChanged }
func (HistoryAppended) Kind() Kind { return KindHistoryAppended }
func (ScreenFrame) Kind() Kind     { return KindScreenFrame }
func (AudioFrame) Kind() Kind      { return KindAudioFrame }

func (AgentsChanged) sealed()   {}
func (HistoryAppended) sealed() {}
func (ScreenFrame) sealed()     {}
func (AudioFrame) sealed()      {}

// NewAgentsChanged builds an AgentsChanged event from a committed snapshot.
// The agent map is copied so later commits cannot alter the payload.
func NewAgentsChanged(snap *store.Snapshot) AgentsChanged {
	return AgentsChanged{Agents: snap.CloneAgents()}
}

// Publisher is anything that accepts a batch of events for fan-out.
type Publisher interface {
	Publish(events ...Event)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(...Event) {}
