// ABOUTME: Tracks which agents are connected and which connection serves each agent.
// ABOUTME: Registration drains queued commands; disconnect and heartbeat keep online status honest.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/protocol"
	"github.com/2389/coven-hub/internal/store"
)

// ErrInvalidRegistration indicates a registration without an agent or connection ID.
var ErrInvalidRegistration = errors.New("invalid registration")

// RegisterParams describes an agent announcing itself on a connection.
type RegisterParams struct {
	AgentID  string
	Hostname string
	IP       string
	OS       string
	ConnID   string
}

// Registration is the outcome of a successful Register.
type Registration struct {
	Agent  store.Agent
	Queued []store.QueuedCommand
	// Replaced is the agent's previous connection ID, if this registration took over from one.
	Replaced string
}

// Registry owns the agent ID to connection ID mapping and the online status
// of every agent. The mapping only changes inside ledger commits, so it is
// always consistent with the persisted online flags.
type Registry struct {
	ledger *store.Ledger
	sender protocol.Sender
	events fanout.Publisher
	now    func() time.Time

	mu     sync.RWMutex
	conns  map[string]string // agent ID -> connection ID
	owners map[string]string // connection ID -> agent ID

	logger *slog.Logger
}

// NewRegistry creates a Registry. A nil sender or publisher discards output.
func NewRegistry(ledger *store.Ledger, sender protocol.Sender, events fanout.Publisher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = fanout.Discard
	}
	return &Registry{
		ledger: ledger,
		sender: sender,
		events: events,
		now:    func() time.Time { return time.Now().UTC() },
		conns:  make(map[string]string),
		owners: make(map[string]string),
		logger: logger.With("component", "registry"),
	}
}

// Register upserts the agent, marks it online, and drains its queued commands
// in the same write. Once saved, the connection becomes the agent's delivery
// target, the agent receives a registered acknowledgement followed by every
// drained command in FIFO order, and observers get agents_changed.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*Registration, error) {
	if p.AgentID == "" || p.ConnID == "" {
		return nil, ErrInvalidRegistration
	}

	var (
		reg         Registration
		undelivered []store.QueuedCommand
	)
	err := r.ledger.Update(ctx, func(tx *store.Tx) error {
		now := r.now()

		// A connection that re-registers under a new ID gives up the old one.
		r.mu.RLock()
		prevAgent, owned := r.owners[p.ConnID]
		r.mu.RUnlock()
		if owned && prevAgent != p.AgentID {
			if prev, ok := tx.Agent(prevAgent); ok {
				prev.Online = false
				prev.LastSeen = now
			}
		}

		a, ok := tx.Agent(p.AgentID)
		if !ok {
			a = &store.Agent{
				ID:             p.AgentID,
				RegisteredAt:   now,
				QueuedCommands: []store.QueuedCommand{},
			}
			tx.PutAgent(a)
		}
		a.Hostname = p.Hostname
		a.IP = p.IP
		a.OS = p.OS
		a.Online = true
		a.LastSeen = now

		reg.Queued = a.QueuedCommands
		if reg.Queued == nil {
			reg.Queued = []store.QueuedCommand{}
		}
		a.QueuedCommands = []store.QueuedCommand{}
		reg.Agent = *a.Clone()

		tx.AfterCommit(func(committed *store.Snapshot) {
			reg.Replaced = r.bind(p.AgentID, p.ConnID)
			undelivered = r.deliverRegistration(p.ConnID, reg)
			r.events.Publish(fanout.NewAgentsChanged(committed))
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registering agent %s: %w", p.AgentID, err)
	}

	r.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", p.AgentID,
		"hostname", p.Hostname,
		"conn_id", p.ConnID,
		"queued_commands", len(reg.Queued),
		"replaced_conn", reg.Replaced,
	)

	if len(undelivered) > 0 {
		if err := r.restoreQueue(ctx, p.AgentID, undelivered); err != nil {
			r.logger.Error("failed to requeue undelivered commands",
				"agent_id", p.AgentID,
				"commands", len(undelivered),
				"error", err,
			)
		}
	}
	return &reg, nil
}

// restoreQueue puts drained commands that could not be sent back at the
// head of the agent's queue, ahead of anything queued since.
func (r *Registry) restoreQueue(ctx context.Context, agentID string, cmds []store.QueuedCommand) error {
	return r.ledger.Update(ctx, func(tx *store.Tx) error {
		a, ok := tx.Agent(agentID)
		if !ok {
			return nil
		}
		queue := make([]store.QueuedCommand, 0, len(cmds)+len(a.QueuedCommands))
		queue = append(queue, cmds...)
		a.QueuedCommands = append(queue, a.QueuedCommands...)
		return nil
	})
}

// MarkOnline records a heartbeat. Unknown agents are ignored. For known
// agents last_seen is refreshed and online is reconciled with the mapping.
func (r *Registry) MarkOnline(ctx context.Context, agentID string) error {
	err := r.ledger.Update(ctx, func(tx *store.Tx) error {
		if _, ok := tx.Lookup(agentID); !ok {
			return nil
		}
		a, _ := tx.Agent(agentID)
		_, mapped := r.ConnectionFor(agentID)

		changed := a.Online != mapped
		a.Online = mapped
		a.LastSeen = r.now()

		if changed {
			tx.AfterCommit(func(committed *store.Snapshot) {
				r.events.Publish(fanout.NewAgentsChanged(committed))
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording heartbeat for agent %s: %w", agentID, err)
	}
	return nil
}

// Disconnect marks the agent served by connID offline and removes its
// mapping. Unknown or already-disconnected connections are ignored.
func (r *Registry) Disconnect(ctx context.Context, connID string) error {
	var agentID string
	err := r.ledger.Update(ctx, func(tx *store.Tx) error {
		r.mu.RLock()
		id, ok := r.owners[connID]
		r.mu.RUnlock()
		if !ok {
			return nil
		}
		agentID = id

		if a, found := tx.Agent(id); found {
			a.Online = false
			a.LastSeen = r.now()
		}

		tx.AfterCommit(func(committed *store.Snapshot) {
			r.unbind(connID)
			r.events.Publish(fanout.NewAgentsChanged(committed))
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("disconnecting %s: %w", connID, err)
	}

	if agentID != "" {
		r.logger.Info("=== AGENT DISCONNECTED ===",
			"agent_id", agentID,
			"conn_id", connID,
			"connected_agents", r.ConnectedCount(),
		)
	}
	return nil
}

// Reconcile marks every agent without a live mapping offline. Called at
// startup, when online flags persisted by a previous process are stale.
func (r *Registry) Reconcile(ctx context.Context) error {
	var stale []string
	err := r.ledger.Update(ctx, func(tx *store.Tx) error {
		for _, id := range tx.AgentIDs() {
			a, _ := tx.Lookup(id)
			if !a.Online {
				continue
			}
			if _, mapped := r.ConnectionFor(id); mapped {
				continue
			}
			m, _ := tx.Agent(id)
			m.Online = false
			stale = append(stale, id)
		}
		if len(stale) > 0 {
			tx.AfterCommit(func(committed *store.Snapshot) {
				r.events.Publish(fanout.NewAgentsChanged(committed))
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconciling agent status: %w", err)
	}
	if len(stale) > 0 {
		r.logger.Info("marked stale agents offline", "agents", stale)
	}
	return nil
}

// Release drops the mapping for connID without writing to the store. The
// hub calls it when the offline write keeps failing, so the agent stops
// being reachable through a dead connection; the persisted online flag is
// left for Reconcile or the agent's next registration to correct.
func (r *Registry) Release(connID string) (string, bool) {
	agentID, ok := r.AgentFor(connID)
	if !ok {
		return "", false
	}
	r.unbind(connID)
	r.logger.Warn("released connection without recording disconnect",
		"agent_id", agentID,
		"conn_id", connID,
	)
	return agentID, true
}

// IsReachable reports whether the agent is known, online and mapped to a
// live connection.
func (r *Registry) IsReachable(agentID string) bool {
	a, ok := r.ledger.Current().Agents[agentID]
	if !ok || !a.Online {
		return false
	}
	_, mapped := r.ConnectionFor(agentID)
	return mapped
}

// ConnectionFor returns the connection currently serving the agent.
func (r *Registry) ConnectionFor(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.conns[agentID]
	return connID, ok
}

// AgentFor returns the agent served by a connection.
func (r *Registry) AgentFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.owners[connID]
	return agentID, ok
}

// ConnectedCount returns the number of agents with a live mapping.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// bind maps agentID to connID and returns the connection it replaced.
func (r *Registry) bind(agentID, connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevAgent, ok := r.owners[connID]; ok && prevAgent != agentID {
		delete(r.conns, prevAgent)
	}

	replaced := ""
	if old, ok := r.conns[agentID]; ok && old != connID {
		delete(r.owners, old)
		replaced = old
	}
	r.conns[agentID] = connID
	r.owners[connID] = agentID
	return replaced
}

func (r *Registry) unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agentID, ok := r.owners[connID]
	if !ok {
		return
	}
	delete(r.owners, connID)
	if r.conns[agentID] == connID {
		delete(r.conns, agentID)
	}
}

// deliverRegistration sends the acknowledgement and drained commands and
// returns the commands that could not be sent.
func (r *Registry) deliverRegistration(connID string, reg Registration) []store.QueuedCommand {
	if r.sender == nil {
		return nil
	}
	if err := r.sender.Send(connID, protocol.NewRegistered(reg.Agent, len(reg.Queued))); err != nil {
		r.logger.Warn("failed to acknowledge registration", "agent_id", reg.Agent.ID, "error", err)
	}
	var undelivered []store.QueuedCommand
	for _, cmd := range reg.Queued {
		if err := r.sender.Send(connID, protocol.NewExecuteCommand(cmd.ID, cmd.Command)); err != nil {
			r.logger.Warn("failed to deliver queued command",
				"agent_id", reg.Agent.ID,
				"command_id", cmd.ID,
				"error", err,
			)
			undelivered = append(undelivered, cmd)
		}
	}
	return undelivered
}
