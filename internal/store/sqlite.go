// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists agents and the append-only command history with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases coherent and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			hostname        TEXT NOT NULL DEFAULT '',
			ip              TEXT NOT NULL DEFAULT '',
			os              TEXT NOT NULL DEFAULT '',
			online          INTEGER NOT NULL DEFAULT 0,
			last_seen       TEXT NOT NULL,
			registered_at   TEXT NOT NULL,
			screen_enabled  INTEGER NOT NULL DEFAULT 0,
			audio_enabled   INTEGER NOT NULL DEFAULT 0,
			queued_commands TEXT NOT NULL DEFAULT '[]'
		);

		CREATE TABLE IF NOT EXISTS command_history (
			seq       INTEGER PRIMARY KEY,
			id        TEXT NOT NULL,
			agent_id  TEXT NOT NULL,
			command   TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL,
			status    TEXT NOT NULL,
			output    TEXT NOT NULL DEFAULT '',
			success   INTEGER,

			CHECK (status IN ('pending', 'queued', 'success', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_command_history_agent ON command_history(agent_id, seq);
		CREATE INDEX IF NOT EXISTS idx_command_history_id ON command_history(id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// LoadAll reads every agent and the full command history.
func (s *SQLiteStore) LoadAll(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, ip, os, online, last_seen, registered_at,
		       screen_enabled, audio_enabled, queued_commands
		FROM agents
	`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                      Agent
			lastSeen, registeredAt string
			queued                 string
		)
		if err := rows.Scan(&a.ID, &a.Hostname, &a.IP, &a.OS, &a.Online, &lastSeen, &registeredAt,
			&a.ScreenEnabled, &a.AudioEnabled, &queued); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		if a.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last_seen for agent %s: %w", a.ID, err)
		}
		if a.RegisteredAt, err = parseTime(registeredAt); err != nil {
			return nil, fmt.Errorf("parsing registered_at for agent %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(queued), &a.QueuedCommands); err != nil {
			return nil, fmt.Errorf("decoding queued commands for agent %s: %w", a.ID, err)
		}
		if a.QueuedCommands == nil {
			a.QueuedCommands = []QueuedCommand{}
		}
		snap.Agents[a.ID] = &a
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}

	history, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, command, timestamp, status, output, success
		FROM command_history
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("querying command history: %w", err)
	}
	defer history.Close()

	for history.Next() {
		var (
			e       HistoryEntry
			ts      string
			success sql.NullBool
		)
		if err := history.Scan(&e.ID, &e.AgentID, &e.Command, &ts, &e.Status, &e.Output, &success); err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp for history entry %s: %w", e.ID, err)
		}
		if success.Valid {
			v := success.Bool
			e.Success = &v
		}
		snap.History = append(snap.History, e)
	}
	if err := history.Err(); err != nil {
		return nil, fmt.Errorf("iterating command history: %w", err)
	}

	return snap, nil
}

// SaveAll writes snap in a single transaction. Agents are upserted and
// removed when absent from snap; history rows beyond those already stored
// are appended.
func (s *SQLiteStore) SaveAll(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO agents (id, hostname, ip, os, online, last_seen, registered_at,
		                    screen_enabled, audio_enabled, queued_commands)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			ip = excluded.ip,
			os = excluded.os,
			online = excluded.online,
			last_seen = excluded.last_seen,
			registered_at = excluded.registered_at,
			screen_enabled = excluded.screen_enabled,
			audio_enabled = excluded.audio_enabled,
			queued_commands = excluded.queued_commands
	`)
	if err != nil {
		return fmt.Errorf("preparing agent upsert: %w", err)
	}
	defer upsert.Close()

	for _, id := range snap.AgentIDs() {
		a := snap.Agents[id]
		queued := a.QueuedCommands
		if queued == nil {
			queued = []QueuedCommand{}
		}
		queuedJSON, err := json.Marshal(queued)
		if err != nil {
			return fmt.Errorf("encoding queued commands for agent %s: %w", id, err)
		}
		if _, err := upsert.ExecContext(ctx, a.ID, a.Hostname, a.IP, a.OS, a.Online,
			formatTime(a.LastSeen), formatTime(a.RegisteredAt),
			a.ScreenEnabled, a.AudioEnabled, string(queuedJSON)); err != nil {
			return fmt.Errorf("upserting agent %s: %w", id, err)
		}
	}

	if err := s.deleteMissingAgents(ctx, tx, snap); err != nil {
		return err
	}

	var stored int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM command_history`).Scan(&stored); err != nil {
		return fmt.Errorf("counting command history: %w", err)
	}
	if stored > len(snap.History) {
		// History only grows through the ledger; a shorter snapshot replaces it wholesale.
		if _, err := tx.ExecContext(ctx, `DELETE FROM command_history`); err != nil {
			return fmt.Errorf("truncating command history: %w", err)
		}
		stored = 0
	}

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO command_history (seq, id, agent_id, command, timestamp, status, output, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing history insert: %w", err)
	}
	defer insert.Close()

	for seq := stored; seq < len(snap.History); seq++ {
		e := snap.History[seq]
		var success sql.NullBool
		if e.Success != nil {
			success = sql.NullBool{Bool: *e.Success, Valid: true}
		}
		if _, err := insert.ExecContext(ctx, seq, e.ID, e.AgentID, e.Command,
			formatTime(e.Timestamp), string(e.Status), e.Output, success); err != nil {
			return fmt.Errorf("inserting history entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) deleteMissingAgents(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM agents`)
	if err != nil {
		return fmt.Errorf("listing stored agents: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scanning agent id: %w", err)
		}
		if _, ok := snap.Agents[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating agent ids: %w", err)
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting agent %s: %w", id, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
