// ABOUTME: Relays screen and audio frames from agents to observers and handles stream toggles.
// ABOUTME: Keeps the latest frame per agent and modality in memory; nothing here is persisted.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/protocol"
	"github.com/2389/coven-hub/internal/store"
)

// Stream names a toggleable agent stream.
type Stream string

const (
	StreamScreen Stream = "screen"
	StreamAudio  Stream = "audio"
)

// ToggleResult reports what a toggle did. Known is false when the agent does
// not exist. Delivered is false when the agent was offline: the flag is
// stored but the agent only learns it on its next registration.
type ToggleResult struct {
	Known     bool
	Delivered bool
}

// Reachability answers whether an agent has a live connection.
type Reachability interface {
	IsReachable(agentID string) bool
	ConnectionFor(agentID string) (string, bool)
}

type audioKey struct {
	agentID   string
	audioType string
}

// Relay forwards telemetry frames and stream toggles.
type Relay struct {
	ledger   *store.Ledger
	registry Reachability
	sender   protocol.Sender
	events   fanout.Publisher
	logLimit *throttle

	mu      sync.RWMutex
	screens map[string]fanout.ScreenFrame
	audio   map[audioKey]fanout.AudioFrame

	logger *slog.Logger
}

// NewRelay creates a Relay. Frame debug logs are emitted at most once per
// logInterval for each agent and stream.
func NewRelay(ledger *store.Ledger, registry Reachability, sender protocol.Sender, events fanout.Publisher, logInterval time.Duration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if events == nil {
		events = fanout.Discard
	}
	return &Relay{
		ledger:   ledger,
		registry: registry,
		sender:   sender,
		events:   events,
		logLimit: newThrottle(logInterval),
		screens:  make(map[string]fanout.ScreenFrame),
		audio:    make(map[audioKey]fanout.AudioFrame),
		logger:   logger.With("component", "relay"),
	}
}

// RelayScreenFrame retains the frame as the agent's latest and publishes it.
// Stream enablement is not checked.
func (r *Relay) RelayScreenFrame(frame fanout.ScreenFrame) {
	r.mu.Lock()
	r.screens[frame.AgentID] = frame
	r.mu.Unlock()

	r.events.Publish(frame)

	if r.logLimit.Allow("screen:" + frame.AgentID) {
		r.logger.Debug("relaying screen frames", "agent_id", frame.AgentID, "bytes", len(frame.Image))
	}
}

// RelayAudioFrame retains the frame as the latest of its audio type and
// publishes it. Stream enablement is not checked.
func (r *Relay) RelayAudioFrame(frame fanout.AudioFrame) {
	r.mu.Lock()
	r.audio[audioKey{frame.AgentID, frame.AudioType}] = frame
	r.mu.Unlock()

	r.events.Publish(frame)

	if r.logLimit.Allow("audio:" + frame.AgentID + ":" + frame.AudioType) {
		r.logger.Debug("relaying audio frames",
			"agent_id", frame.AgentID,
			"audio_type", frame.AudioType,
			"bytes", len(frame.AudioData),
			"format", fmt.Sprintf("%dHz %dch %dbit", frame.SampleRate, frame.Channels, frame.BitsPerSample),
		)
	}
}

// LatestScreen returns the most recent screen frame for an agent.
func (r *Relay) LatestScreen(agentID string) (fanout.ScreenFrame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.screens[agentID]
	return f, ok
}

// LatestAudio returns the most recent audio frame of one type for an agent.
func (r *Relay) LatestAudio(agentID, audioType string) (fanout.AudioFrame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.audio[audioKey{agentID, audioType}]
	return f, ok
}

// AudioTypes lists the audio types with a retained frame for an agent.
func (r *Relay) AudioTypes(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := []string{}
	for k := range r.audio {
		if k.agentID == agentID {
			types = append(types, k.audioType)
		}
	}
	sort.Strings(types)
	return types
}

// ToggleScreen enables or disables an agent's screen stream.
func (r *Relay) ToggleScreen(ctx context.Context, agentID string, enabled bool) (ToggleResult, error) {
	return r.toggle(ctx, agentID, StreamScreen, enabled)
}

// ToggleAudio enables or disables an agent's audio stream.
func (r *Relay) ToggleAudio(ctx context.Context, agentID string, enabled bool) (ToggleResult, error) {
	return r.toggle(ctx, agentID, StreamAudio, enabled)
}

func (r *Relay) toggle(ctx context.Context, agentID string, stream Stream, enabled bool) (ToggleResult, error) {
	var result ToggleResult
	err := r.ledger.Update(ctx, func(tx *store.Tx) error {
		a, ok := tx.Agent(agentID)
		if !ok {
			return nil
		}
		result.Known = true

		switch stream {
		case StreamScreen:
			a.ScreenEnabled = enabled
		case StreamAudio:
			a.AudioEnabled = enabled
		}

		connID, mapped := r.registry.ConnectionFor(agentID)
		reachable := mapped && r.registry.IsReachable(agentID)

		tx.AfterCommit(func(committed *store.Snapshot) {
			if reachable && r.sender != nil {
				msg := protocol.NewToggleScreen(enabled)
				if stream == StreamAudio {
					msg = protocol.NewToggleAudio(enabled)
				}
				if err := r.sender.Send(connID, msg); err != nil {
					r.logger.Warn("failed to deliver toggle", "agent_id", agentID, "stream", stream, "error", err)
				} else {
					result.Delivered = true
				}
			}
			r.events.Publish(fanout.NewAgentsChanged(committed))
		})
		return nil
	})
	if err != nil {
		return ToggleResult{}, fmt.Errorf("toggling %s stream for %s: %w", stream, agentID, err)
	}

	switch {
	case !result.Known:
		r.logger.Debug("toggle for unknown agent ignored", "agent_id", agentID, "stream", stream)
	case !result.Delivered:
		r.logger.Warn("agent not connected, toggle stored but not delivered",
			"agent_id", agentID,
			"stream", stream,
			"enabled", enabled,
		)
	default:
		r.logger.Info("stream toggled", "agent_id", agentID, "stream", stream, "enabled", enabled)
	}
	return result, nil
}
