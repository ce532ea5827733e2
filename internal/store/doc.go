// Package store provides persistence for the hub's agents and command history.
//
// # Architecture
//
// The whole persisted state is one document, a Snapshot holding every Agent
// and the full command history. Store implementations load and save that
// document as a unit:
//
//   - SQLiteStore: default durable store (modernc.org/sqlite, WAL mode)
//   - RedisStore: the document as a JSON value under one key
//   - MemoryStore: in-memory store for tests and ephemeral hubs
//
// # Ledger
//
// Ledger is the only writer. Update serialises callers, applies the mutation
// to a working copy, saves it, and only then publishes the new snapshot and
// runs the after-commit hooks registered on the Tx:
//
//	err := ledger.Update(ctx, func(tx *store.Tx) error {
//		a, ok := tx.Agent(id)
//		if !ok {
//			return nil
//		}
//		a.Online = false
//		tx.AfterCommit(func(s *store.Snapshot) { publish(s) })
//		return nil
//	})
//
// A failed save leaves the current snapshot untouched and runs no hooks.
// Committed snapshots are shared and read without locking via Current.
//
// # Data Models
//
//   - Agent: durable agent record with its FIFO of QueuedCommand
//   - HistoryEntry: one step of a dispatch; result entries are appended, never merged
//
// ReduceLatest collapses history to the latest entry per dispatch ID.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//
// # Testing
//
// Use NewMemoryStore() for component tests; FailSaves injects store failures.
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for SQLite tests.
package store
