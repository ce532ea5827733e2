// ABOUTME: In-memory Store implementation for tests and ephemeral hubs
// ABOUTME: Keeps a deep copy of the last saved snapshot and supports save-failure injection

package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	snap    *Snapshot
	saveErr error
	saves   int
}

// NewMemoryStore creates a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: NewSnapshot()}
}

// LoadAll returns a copy of the stored snapshot.
func (m *MemoryStore) LoadAll(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.Clone(), nil
}

// SaveAll replaces the stored snapshot with a copy of snap, or returns the
// injected error without changing anything.
func (m *MemoryStore) SaveAll(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveErr != nil {
		return m.saveErr
	}
	m.snap = snap.Clone()
	m.saves++
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// FailSaves makes every subsequent SaveAll return err. Pass nil to recover.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// Saves returns the number of successful SaveAll calls.
func (m *MemoryStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}
