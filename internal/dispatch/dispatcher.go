// ABOUTME: Command dispatcher: resolves targets, delivers or queues commands, records results
// ABOUTME: Every call is one ledger write; deliveries and events follow only a successful save

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/protocol"
	"github.com/2389/coven-hub/internal/store"
)

// TargetAll addresses every known agent.
const TargetAll = "all"

var (
	// ErrEmptyCommand indicates a dispatch with no command text.
	ErrEmptyCommand = errors.New("command is required")

	// ErrMissingDispatchID indicates a result report without a dispatch ID.
	ErrMissingDispatchID = errors.New("dispatch id is required")
)

// TargetResolution describes how a dispatch target was resolved.
type TargetResolution int

const (
	// TargetResolved means at least one agent was addressed.
	TargetResolved TargetResolution = iota
	// TargetUnknown means the named agent does not exist; nothing was recorded.
	TargetUnknown
	// TargetResolvedEmpty means "all" was requested while no agents are known.
	TargetResolvedEmpty
)

func (r TargetResolution) String() string {
	switch r {
	case TargetResolved:
		return "resolved"
	case TargetUnknown:
		return "unknown"
	case TargetResolvedEmpty:
		return "resolved_empty"
	}
	return fmt.Sprintf("TargetResolution(%d)", int(r))
}

// DispatchResult is the outcome of a Dispatch call.
type DispatchResult struct {
	// CommandID identifies the operator command; each entry carries its own dispatch ID.
	CommandID  string
	Target     string
	Resolution TargetResolution
	Entries    []store.HistoryEntry
}

// ResultParams is an agent's report on a dispatched command.
type ResultParams struct {
	DispatchID string
	AgentID    string
	Success    bool
	Output     string
}

// Reachability answers whether an agent can take a command right now.
type Reachability interface {
	IsReachable(agentID string) bool
	ConnectionFor(agentID string) (string, bool)
}

// Dispatcher turns operator commands into deliveries or queued commands and
// records every step in the command history.
type Dispatcher struct {
	ledger   *store.Ledger
	registry Reachability
	sender   protocol.Sender
	events   fanout.Publisher
	newID    func() string
	now      func() time.Time
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher. A nil publisher discards events.
func NewDispatcher(ledger *store.Ledger, registry Reachability, sender protocol.Sender, events fanout.Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = fanout.Discard
	}
	return &Dispatcher{
		ledger:   ledger,
		registry: registry,
		sender:   sender,
		events:   events,
		newID:    func() string { return uuid.New().String() },
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "dispatcher"),
	}
}

type delivery struct {
	agentID string
	connID  string
	msg     protocol.ExecuteCommandMessage
}

// Dispatch sends text to target, an agent ID or TargetAll. Reachable agents
// get execute_command and a pending entry; the rest get the command queued
// and a queued entry. Targets are resolved against the state at call time.
// A delivery that fails because the connection died after the write is
// moved to the agent's queue and recorded again as queued.
func (d *Dispatcher) Dispatch(ctx context.Context, target, text string) (*DispatchResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyCommand
	}

	result := &DispatchResult{
		CommandID: d.newID(),
		Target:    target,
	}
	var undelivered []delivery

	err := d.ledger.Update(ctx, func(tx *store.Tx) error {
		var targets []string
		switch {
		case target == TargetAll:
			targets = tx.AgentIDs()
			if len(targets) == 0 {
				result.Resolution = TargetResolvedEmpty
				return nil
			}
		default:
			if _, ok := tx.Lookup(target); !ok {
				result.Resolution = TargetUnknown
				return nil
			}
			targets = []string{target}
		}
		result.Resolution = TargetResolved

		var deliveries []delivery
		entries := make([]store.HistoryEntry, 0, len(targets))
		for _, agentID := range targets {
			dispatchID := d.newID()
			now := d.now()
			entry := store.HistoryEntry{
				ID:        dispatchID,
				AgentID:   agentID,
				Command:   text,
				Timestamp: now,
			}

			connID, mapped := d.registry.ConnectionFor(agentID)
			if mapped && d.registry.IsReachable(agentID) {
				entry.Status = store.StatusPending
				deliveries = append(deliveries, delivery{
					agentID: agentID,
					connID:  connID,
					msg:     protocol.NewExecuteCommand(dispatchID, text),
				})
			} else {
				a, _ := tx.Agent(agentID)
				a.QueuedCommands = append(a.QueuedCommands, store.QueuedCommand{
					ID:       dispatchID,
					Command:  text,
					QueuedAt: now,
				})
				entry.Status = store.StatusQueued
				entry.Output = store.QueuedCommandOutput
			}
			entries = append(entries, entry)
		}

		tx.AppendHistory(entries...)
		result.Entries = entries

		tx.AfterCommit(func(*store.Snapshot) {
			undelivered = d.deliver(deliveries)
			events := make([]fanout.Event, len(entries))
			for i, e := range entries {
				events[i] = fanout.HistoryAppended{Entry: e}
			}
			d.events.Publish(events...)
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dispatching command to %s: %w", target, err)
	}

	if len(undelivered) > 0 {
		requeued, err := d.requeue(ctx, undelivered)
		if err != nil {
			d.logger.Error("failed to queue undelivered commands",
				"command_id", result.CommandID,
				"commands", len(undelivered),
				"error", err,
			)
		}
		for _, q := range requeued {
			for i := range result.Entries {
				if result.Entries[i].ID == q.ID {
					result.Entries[i] = q
				}
			}
		}
	}

	d.logger.Info("command dispatched",
		"command_id", result.CommandID,
		"target", target,
		"resolution", result.Resolution.String(),
		"dispatches", len(result.Entries),
	)
	return result, nil
}

// ReportResult appends the agent's reported outcome as a new history entry.
// Unknown or already-resolved dispatch IDs are accepted.
func (d *Dispatcher) ReportResult(ctx context.Context, p ResultParams) (*store.HistoryEntry, error) {
	if p.DispatchID == "" {
		return nil, ErrMissingDispatchID
	}

	success := p.Success
	entry := store.HistoryEntry{
		ID:        p.DispatchID,
		AgentID:   p.AgentID,
		Timestamp: d.now(),
		Status:    store.StatusFailed,
		Output:    p.Output,
		Success:   &success,
	}
	if success {
		entry.Status = store.StatusSuccess
	}

	err := d.ledger.Update(ctx, func(tx *store.Tx) error {
		tx.AppendHistory(entry)
		tx.AfterCommit(func(*store.Snapshot) {
			d.events.Publish(fanout.HistoryAppended{Entry: entry})
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording result for %s: %w", p.DispatchID, err)
	}

	d.logger.Info("command result recorded",
		"command_id", p.DispatchID,
		"agent_id", p.AgentID,
		"success", success,
	)
	return &entry, nil
}

// deliver sends each command and returns the ones the sender refused.
func (d *Dispatcher) deliver(deliveries []delivery) []delivery {
	if d.sender == nil {
		return nil
	}
	var failed []delivery
	for _, dl := range deliveries {
		if err := d.sender.Send(dl.connID, dl.msg); err != nil {
			d.logger.Warn("failed to deliver command",
				"command_id", dl.msg.CommandID,
				"conn_id", dl.connID,
				"error", err,
			)
			failed = append(failed, dl)
		}
	}
	return failed
}

// requeue handles commands whose connection died between the dispatch write
// and the send. If the agent has since registered on another connection the
// command goes there; otherwise it joins the agent's queue under the same
// dispatch ID and a queued entry is appended. It returns the queued entries.
func (d *Dispatcher) requeue(ctx context.Context, failed []delivery) ([]store.HistoryEntry, error) {
	var entries []store.HistoryEntry
	err := d.ledger.Update(ctx, func(tx *store.Tx) error {
		var redirected []delivery
		now := d.now()
		for _, dl := range failed {
			if _, ok := tx.Lookup(dl.agentID); !ok {
				continue
			}
			if connID, mapped := d.registry.ConnectionFor(dl.agentID); mapped && connID != dl.connID && d.registry.IsReachable(dl.agentID) {
				redirected = append(redirected, delivery{agentID: dl.agentID, connID: connID, msg: dl.msg})
				continue
			}
			a, _ := tx.Agent(dl.agentID)
			a.QueuedCommands = append(a.QueuedCommands, store.QueuedCommand{
				ID:       dl.msg.CommandID,
				Command:  dl.msg.Command,
				QueuedAt: now,
			})
			entries = append(entries, store.HistoryEntry{
				ID:        dl.msg.CommandID,
				AgentID:   dl.agentID,
				Command:   dl.msg.Command,
				Timestamp: now,
				Status:    store.StatusQueued,
				Output:    store.QueuedCommandOutput,
			})
		}
		tx.AppendHistory(entries...)

		tx.AfterCommit(func(*store.Snapshot) {
			d.deliver(redirected)
			if len(entries) == 0 {
				return
			}
			events := make([]fanout.Event, len(entries))
			for i, e := range entries {
				events[i] = fanout.HistoryAppended{Entry: e}
			}
			d.events.Publish(events...)
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queueing undelivered commands: %w", err)
	}
	return entries, nil
}
