// ABOUTME: Tests for the Ledger read-modify-write discipline
// ABOUTME: Covers commit visibility, hook ordering, failure rollback and concurrent writers

package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	m := NewMemoryStore()
	l, err := NewLedger(t.Context(), m, nil)
	require.NoError(t, err)
	return l, m
}

func TestNewLedger_LoadsExistingState(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.SaveAll(t.Context(), sampleSnapshot(time.Now().UTC())))

	l, err := NewLedger(t.Context(), m, nil)
	require.NoError(t, err)

	assert.Len(t, l.Current().Agents, 2)
	assert.Len(t, l.Current().History, 2)
}

func TestLedger_UpdateCommitsAndRunsHooks(t *testing.T) {
	l, m := newTestLedger(t)

	var seen *Snapshot
	err := l.Update(t.Context(), func(tx *Tx) error {
		tx.PutAgent(&Agent{ID: "a1", Hostname: "alpha"})
		tx.AppendHistory(HistoryEntry{ID: "c1", AgentID: "a1", Status: StatusPending})
		tx.AfterCommit(func(committed *Snapshot) { seen = committed })
		return nil
	})
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Same(t, l.Current(), seen)
	assert.Contains(t, l.Current().Agents, "a1")
	assert.Len(t, l.Current().History, 1)
	assert.Equal(t, 1, m.Saves())
}

func TestLedger_ReadOnlyUpdateSkipsSave(t *testing.T) {
	l, m := newTestLedger(t)

	hookRan := false
	err := l.Update(t.Context(), func(tx *Tx) error {
		_, ok := tx.Lookup("missing")
		assert.False(t, ok)
		_, ok = tx.Agent("missing")
		assert.False(t, ok)
		tx.AfterCommit(func(*Snapshot) { hookRan = true })
		return nil
	})
	require.NoError(t, err)

	assert.True(t, hookRan)
	assert.Equal(t, 0, m.Saves())
}

func TestLedger_SaveFailureLeavesStateUntouched(t *testing.T) {
	l, m := newTestLedger(t)
	require.NoError(t, l.Update(t.Context(), func(tx *Tx) error {
		tx.PutAgent(&Agent{ID: "a1", Hostname: "alpha"})
		return nil
	}))
	before := l.Current()

	boom := errors.New("disk full")
	m.FailSaves(boom)

	hookRan := false
	err := l.Update(t.Context(), func(tx *Tx) error {
		a, ok := tx.Agent("a1")
		require.True(t, ok)
		a.Hostname = "changed"
		tx.AppendHistory(HistoryEntry{ID: "c1", AgentID: "a1"})
		tx.AfterCommit(func(*Snapshot) { hookRan = true })
		return nil
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, hookRan)
	assert.Same(t, before, l.Current())
	assert.Equal(t, "alpha", l.Current().Agents["a1"].Hostname)
	assert.Empty(t, l.Current().History)
}

func TestLedger_CallbackErrorAborts(t *testing.T) {
	l, m := newTestLedger(t)
	boom := errors.New("nope")

	err := l.Update(t.Context(), func(tx *Tx) error {
		tx.PutAgent(&Agent{ID: "a1"})
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, l.Current().Agents)
	assert.Equal(t, 0, m.Saves())
}

func TestLedger_MutationsDoNotLeakIntoCommittedSnapshot(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Update(t.Context(), func(tx *Tx) error {
		tx.PutAgent(&Agent{ID: "a1", Hostname: "alpha"})
		return nil
	}))
	first := l.Current()

	require.NoError(t, l.Update(t.Context(), func(tx *Tx) error {
		a, _ := tx.Agent("a1")
		a.Hostname = "beta"
		return nil
	}))

	assert.Equal(t, "alpha", first.Agents["a1"].Hostname)
	assert.Equal(t, "beta", l.Current().Agents["a1"].Hostname)
}

func TestLedger_ConcurrentAppendsAreSerialised(t *testing.T) {
	l, m := newTestLedger(t)

	const writers = 20
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Update(t.Context(), func(tx *Tx) error {
				tx.AppendHistory(HistoryEntry{ID: fmt.Sprintf("c%d", i), Status: StatusQueued})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, l.Current().History, writers)
	assert.Equal(t, writers, m.Saves())

	stored, err := m.LoadAll(t.Context())
	require.NoError(t, err)
	assert.Len(t, stored.History, writers)
}

func TestLedger_SnapshotIsACopy(t *testing.T) {
	l, _ := newTestLedger(t)
	require.NoError(t, l.Update(t.Context(), func(tx *Tx) error {
		tx.PutAgent(&Agent{ID: "a1", Hostname: "alpha"})
		return nil
	}))

	snap := l.Snapshot()
	snap.Agents["a1"].Hostname = "changed"

	assert.Equal(t, "alpha", l.Current().Agents["a1"].Hostname)
}
