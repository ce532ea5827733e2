// ABOUTME: Store interface and data types for coven-hub persistence
// ABOUTME: Defines Agent, QueuedCommand, HistoryEntry and the whole-document Snapshot

package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// CommandStatus is the lifecycle state recorded on a history entry.
type CommandStatus string

const (
	StatusPending CommandStatus = "pending" // delivered to a connected agent
	StatusQueued  CommandStatus = "queued"  // stored for the agent's next registration
	StatusSuccess CommandStatus = "success"
	StatusFailed  CommandStatus = "failed"
)

// Resolved reports whether the status is a terminal result reported by an agent.
func (s CommandStatus) Resolved() bool {
	return s == StatusSuccess || s == StatusFailed
}

// QueuedCommandOutput is the output recorded on history entries for offline agents.
const QueuedCommandOutput = "Agent offline - command queued"

// QueuedCommand is a dispatch waiting for its agent to register again.
type QueuedCommand struct {
	ID       string    `json:"id"`
	Command  string    `json:"command"`
	QueuedAt time.Time `json:"queued_at"`
}

// Agent is the durable record of a remote agent.
type Agent struct {
	ID             string          `json:"id"`
	Hostname       string          `json:"hostname"`
	IP             string          `json:"ip"`
	OS             string          `json:"os"`
	Online         bool            `json:"online"`
	LastSeen       time.Time       `json:"last_seen"`
	RegisteredAt   time.Time       `json:"registered_at"`
	ScreenEnabled  bool            `json:"screen_enabled"`
	AudioEnabled   bool            `json:"audio_enabled"`
	QueuedCommands []QueuedCommand `json:"queued_commands"`
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	c := *a
	c.QueuedCommands = make([]QueuedCommand, len(a.QueuedCommands))
	copy(c.QueuedCommands, a.QueuedCommands)
	return &c
}

// HistoryEntry records one step in a dispatch's lifecycle. Result entries are
// appended rather than merged, so a dispatch ID can appear more than once.
type HistoryEntry struct {
	ID        string        `json:"id"`
	AgentID   string        `json:"agent_id"`
	Command   string        `json:"command,omitempty"` // empty on result entries
	Timestamp time.Time     `json:"timestamp"`
	Status    CommandStatus `json:"status"`
	Output    string        `json:"output"`
	Success   *bool         `json:"success,omitempty"` // set on result entries
}

// Snapshot is the whole persisted document: every agent and the full
// command history in append order.
type Snapshot struct {
	Agents  map[string]*Agent `json:"agents"`
	History []HistoryEntry    `json:"history"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Agents:  make(map[string]*Agent),
		History: []HistoryEntry{},
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Agents:  s.CloneAgents(),
		History: make([]HistoryEntry, len(s.History)),
	}
	copy(c.History, s.History)
	return c
}

// CloneAgents returns a deep copy of the agent map.
func (s *Snapshot) CloneAgents() map[string]*Agent {
	agents := make(map[string]*Agent, len(s.Agents))
	for id, a := range s.Agents {
		agents[id] = a.Clone()
	}
	return agents
}

// AgentIDs returns all known agent IDs in sorted order.
func (s *Snapshot) AgentIDs() []string {
	ids := make([]string, 0, len(s.Agents))
	for id := range s.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentHistory returns the history entries recorded for one agent.
func (s *Snapshot) AgentHistory(agentID string) []HistoryEntry {
	entries := []HistoryEntry{}
	for _, e := range s.History {
		if e.AgentID == agentID {
			entries = append(entries, e)
		}
	}
	return entries
}

// ReduceLatest collapses history to the most recent entry per dispatch ID,
// ordered by each ID's first appearance.
func ReduceLatest(history []HistoryEntry) []HistoryEntry {
	index := make(map[string]int)
	reduced := make([]HistoryEntry, 0, len(history))
	for _, e := range history {
		if i, ok := index[e.ID]; ok {
			reduced[i] = e
			continue
		}
		index[e.ID] = len(reduced)
		reduced = append(reduced, e)
	}
	return reduced
}

// Store defines the whole-document persistence contract used by the hub.
type Store interface {
	// LoadAll returns every agent and the full history.
	LoadAll(ctx context.Context) (*Snapshot, error)

	// SaveAll durably replaces the stored document with snap.
	// History is append-only: implementations may persist only the
	// entries beyond what they already hold.
	SaveAll(ctx context.Context, snap *Snapshot) error

	// Close releases any resources held by the store
	Close() error
}
