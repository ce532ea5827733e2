// ABOUTME: Tests for snapshot helpers and the in-memory store
// ABOUTME: Covers ReduceLatest, deep cloning, and MemoryStore failure injection

package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceLatest(t *testing.T) {
	yes, no := true, false
	history := []HistoryEntry{
		{ID: "c1", AgentID: "a1", Command: "ls", Status: StatusPending},
		{ID: "c2", AgentID: "a2", Command: "ls", Status: StatusQueued},
		{ID: "c1", AgentID: "a1", Status: StatusFailed, Success: &no},
		{ID: "c1", AgentID: "a1", Status: StatusSuccess, Success: &yes},
	}

	reduced := ReduceLatest(history)

	require.Len(t, reduced, 2)
	assert.Equal(t, "c1", reduced[0].ID)
	assert.Equal(t, StatusSuccess, reduced[0].Status)
	assert.Equal(t, "c2", reduced[1].ID)
	assert.Equal(t, StatusQueued, reduced[1].Status)
}

func TestReduceLatest_Empty(t *testing.T) {
	assert.Empty(t, ReduceLatest(nil))
}

func TestCommandStatus_Resolved(t *testing.T) {
	assert.True(t, StatusSuccess.Resolved())
	assert.True(t, StatusFailed.Resolved())
	assert.False(t, StatusPending.Resolved())
	assert.False(t, StatusQueued.Resolved())
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	snap := sampleSnapshot(time.Now().UTC())

	c := snap.Clone()
	c.Agents["a1"].Hostname = "changed"
	c.Agents["a1"].QueuedCommands[0].Command = "changed"
	c.History[0].Output = "changed"
	delete(c.Agents, "a2")

	assert.Equal(t, "alpha", snap.Agents["a1"].Hostname)
	assert.Equal(t, "uptime", snap.Agents["a1"].QueuedCommands[0].Command)
	assert.Empty(t, snap.History[0].Output)
	assert.Contains(t, snap.Agents, "a2")
}

func TestSnapshot_AgentIDsSorted(t *testing.T) {
	snap := NewSnapshot()
	for _, id := range []string{"zeta", "alpha", "mu"} {
		snap.Agents[id] = &Agent{ID: id}
	}
	assert.Equal(t, []string{"alpha", "mu", "zeta"}, snap.AgentIDs())
}

func TestSnapshot_AgentHistory(t *testing.T) {
	snap := sampleSnapshot(time.Now().UTC())
	snap.History = append(snap.History, HistoryEntry{ID: "c9", AgentID: "a2", Status: StatusQueued})

	assert.Len(t, snap.AgentHistory("a1"), 2)
	assert.Len(t, snap.AgentHistory("a2"), 1)
	assert.Empty(t, snap.AgentHistory("nope"))
}

func TestMemoryStore_SaveAndLoadCopies(t *testing.T) {
	m := NewMemoryStore()
	ctx := t.Context()

	snap := sampleSnapshot(time.Now().UTC())
	require.NoError(t, m.SaveAll(ctx, snap))
	snap.Agents["a1"].Hostname = "mutated"

	got, err := m.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Agents["a1"].Hostname)
	assert.Equal(t, 1, m.Saves())
}

func TestMemoryStore_FailSaves(t *testing.T) {
	m := NewMemoryStore()
	ctx := t.Context()
	boom := errors.New("disk full")

	m.FailSaves(boom)
	err := m.SaveAll(ctx, sampleSnapshot(time.Now()))
	assert.ErrorIs(t, err, boom)

	got, err := m.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Agents)

	m.FailSaves(nil)
	assert.NoError(t, m.SaveAll(ctx, sampleSnapshot(time.Now())))
	assert.Equal(t, 1, m.Saves())
}
