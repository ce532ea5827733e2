// ABOUTME: Ledger serialises read-modify-write cycles against a Store
// ABOUTME: Mutations apply to a copy, are saved, and only then become visible and run hooks

package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// Ledger owns the in-memory copy of the persisted document. All writers go
// through Update; readers use Current without locking.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	current atomic.Pointer[Snapshot]
	logger  *slog.Logger
}

// NewLedger loads the initial snapshot from s.
func NewLedger(ctx context.Context, s Store, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	snap, err := s.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if snap == nil {
		snap = NewSnapshot()
	}
	if snap.Agents == nil {
		snap.Agents = make(map[string]*Agent)
	}
	if snap.History == nil {
		snap.History = []HistoryEntry{}
	}

	l := &Ledger{
		store:  s,
		logger: logger.With("component", "ledger"),
	}
	l.current.Store(snap)

	l.logger.Info("ledger loaded", "agents", len(snap.Agents), "history", len(snap.History))
	return l, nil
}

// Current returns the last committed snapshot. It is shared and must not be modified.
func (l *Ledger) Current() *Snapshot {
	return l.current.Load()
}

// Snapshot returns a deep copy of the last committed snapshot.
func (l *Ledger) Snapshot() *Snapshot {
	return l.current.Load().Clone()
}

// Update runs fn against a working copy of the current snapshot. If fn
// changed anything the copy is saved; on success it replaces the current
// snapshot and the hooks registered with Tx.AfterCommit run in order while
// the ledger is still held. When fn or the save fails, nothing changes and
// no hook runs.
//
// Hooks must not call Update.
func (l *Ledger) Update(ctx context.Context, fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.current.Load()
	tx := newTx(base)
	if err := fn(tx); err != nil {
		return err
	}

	next := base
	if tx.dirty {
		next = &Snapshot{
			Agents: tx.agents,
			// Committed prefixes are never rewritten, so appending in place
			// does not disturb readers of base.
			History: append(base.History, tx.appended...),
		}
		if err := l.store.SaveAll(ctx, next); err != nil {
			l.logger.Error("saving snapshot failed", "error", err)
			return fmt.Errorf("saving snapshot: %w", err)
		}
		l.current.Store(next)
	}

	for _, hook := range tx.hooks {
		hook(next)
	}
	return nil
}

// Tx is the working copy handed to an Update callback.
type Tx struct {
	base     *Snapshot
	agents   map[string]*Agent
	owned    map[string]bool
	appended []HistoryEntry
	dirty    bool
	hooks    []func(*Snapshot)
}

func newTx(base *Snapshot) *Tx {
	agents := make(map[string]*Agent, len(base.Agents))
	for id, a := range base.Agents {
		agents[id] = a
	}
	return &Tx{
		base:   base,
		agents: agents,
		owned:  make(map[string]bool),
	}
}

// AgentIDs returns every agent ID in the working copy, sorted.
func (tx *Tx) AgentIDs() []string {
	ids := make([]string, 0, len(tx.agents))
	for id := range tx.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lookup returns a copy of an agent without marking the transaction dirty.
func (tx *Tx) Lookup(id string) (Agent, bool) {
	a, ok := tx.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a.Clone(), true
}

// Agent returns a mutable agent record. Any successful lookup marks the
// transaction for saving.
func (tx *Tx) Agent(id string) (*Agent, bool) {
	a, ok := tx.agents[id]
	if !ok {
		return nil, false
	}
	if !tx.owned[id] {
		a = a.Clone()
		tx.agents[id] = a
		tx.owned[id] = true
	}
	tx.dirty = true
	return a, true
}

// PutAgent inserts or replaces an agent record.
func (tx *Tx) PutAgent(a *Agent) {
	tx.agents[a.ID] = a
	tx.owned[a.ID] = true
	tx.dirty = true
}

// History returns the committed history. It must not be modified.
func (tx *Tx) History() []HistoryEntry {
	return tx.base.History
}

// AppendHistory appends entries to the history in order.
func (tx *Tx) AppendHistory(entries ...HistoryEntry) {
	if len(entries) == 0 {
		return
	}
	tx.appended = append(tx.appended, entries...)
	tx.dirty = true
}

// AfterCommit registers fn to run with the committed snapshot once the
// update has been saved.
func (tx *Tx) AfterCommit(fn func(committed *Snapshot)) {
	tx.hooks = append(tx.hooks, fn)
}
