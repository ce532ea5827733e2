// ABOUTME: HTTP operator API over the hub state: agents, history, frames, dispatch and toggles.
// ABOUTME: Every response is JSON; errors use an {"error": "..."} body with a matching status code.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/coven-hub/internal/dispatch"
	"github.com/2389/coven-hub/internal/relay"
	"github.com/2389/coven-hub/internal/store"
)

// maxRequestBody bounds JSON request bodies on the operator API.
const maxRequestBody = 1 << 20

// DispatchRequest is the JSON request body for POST /api/dispatch.
type DispatchRequest struct {
	Target  string `json:"target"`
	Command string `json:"command"`
}

// DispatchResponse is the JSON response for POST /api/dispatch.
type DispatchResponse struct {
	CommandID  string               `json:"command_id"`
	Target     string               `json:"target"`
	Resolution string               `json:"resolution"`
	Entries    []store.HistoryEntry `json:"entries"`
}

// ToggleRequest is the JSON request body for the screen and audio toggles.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// ToggleResponse is the JSON response for the screen and audio toggles.
// Delivered is false when the agent was offline; the flag is persisted and
// sent to the agent in its next registration acknowledgement.
type ToggleResponse struct {
	AgentID   string `json:"agent_id"`
	Stream    string `json:"stream"`
	Enabled   bool   `json:"enabled"`
	Delivered bool   `json:"delivered"`
}

// AgentResponse is one agent as reported by the API.
type AgentResponse struct {
	*store.Agent
	Connected bool `json:"connected"`
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) agentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{Agent: a, Connected: g.registry.IsReachable(a.ID)}
}

// handleState handles GET /api/state: every agent and the full history.
func (g *Gateway) handleState(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.ledger.Current())
}

// handleListAgents handles GET /api/agents, sorted by agent ID.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	snap := g.ledger.Current()
	response := make([]AgentResponse, 0, len(snap.Agents))
	for _, id := range snap.AgentIDs() {
		response = append(response, g.agentResponse(snap.Agents[id]))
	}
	g.writeJSON(w, http.StatusOK, response)
}

// handleGetAgent handles GET /api/agents/{id}.
func (g *Gateway) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := g.ledger.Current().Agents[r.PathValue("id")]
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	g.writeJSON(w, http.StatusOK, g.agentResponse(a))
}

// handleAgentCommands handles GET /api/agents/{id}/commands.
func (g *Gateway) handleAgentCommands(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	snap := g.ledger.Current()
	if _, ok := snap.Agents[agentID]; !ok {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}
	g.writeHistory(w, r, snap.AgentHistory(agentID))
}

// handleHistory handles GET /api/history.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	g.writeHistory(w, r, g.ledger.Current().History)
}

// writeHistory applies the optional ?latest=true and ?limit=N query
// parameters. latest collapses each command to its newest entry; limit
// keeps the most recent N entries.
func (g *Gateway) writeHistory(w http.ResponseWriter, r *http.Request, entries []store.HistoryEntry) {
	q := r.URL.Query()

	if latest := q.Get("latest"); latest != "" {
		on, err := strconv.ParseBool(latest)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "latest must be a boolean")
			return
		}
		if on {
			entries = store.ReduceLatest(entries)
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	}

	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	g.writeJSON(w, http.StatusOK, entries)
}

// handleDispatch handles POST /api/dispatch. An unknown target is not an
// error: the response carries resolution "unknown" and no entries.
func (g *Gateway) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Target == "" {
		g.sendJSONError(w, http.StatusBadRequest, "target is required")
		return
	}

	res, err := g.dispatcher.Dispatch(r.Context(), req.Target, req.Command)
	if errors.Is(err, dispatch.ErrEmptyCommand) {
		g.sendJSONError(w, http.StatusBadRequest, "command is required")
		return
	}
	if err != nil {
		g.logger.Error("dispatch failed", "target", req.Target, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	entries := res.Entries
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	g.writeJSON(w, http.StatusOK, DispatchResponse{
		CommandID:  res.CommandID,
		Target:     res.Target,
		Resolution: res.Resolution.String(),
		Entries:    entries,
	})
}

// handleToggle returns the handler for POST /api/agents/{id}/screen and
// POST /api/agents/{id}/audio.
func (g *Gateway) handleToggle(stream relay.Stream) http.HandlerFunc {
	toggle := g.relay.ToggleScreen
	if stream == relay.StreamAudio {
		toggle = g.relay.ToggleAudio
	}

	return func(w http.ResponseWriter, r *http.Request) {
		agentID := r.PathValue("id")

		var req ToggleRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		res, err := toggle(r.Context(), agentID, req.Enabled)
		if err != nil {
			g.logger.Error("toggle failed", "agent_id", agentID, "stream", stream, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !res.Known {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}

		g.writeJSON(w, http.StatusOK, ToggleResponse{
			AgentID:   agentID,
			Stream:    string(stream),
			Enabled:   req.Enabled,
			Delivered: res.Delivered,
		})
	}
}

// handleScreenFrame handles GET /api/agents/{id}/frames/screen.
func (g *Gateway) handleScreenFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := g.relay.LatestScreen(r.PathValue("id"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "no screen frame")
		return
	}
	g.writeJSON(w, http.StatusOK, frame)
}

// handleAudioTypes handles GET /api/agents/{id}/frames/audio: the audio
// types with a cached frame.
func (g *Gateway) handleAudioTypes(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, g.relay.AudioTypes(r.PathValue("id")))
}

// handleAudioFrame handles GET /api/agents/{id}/frames/audio/{type}.
func (g *Gateway) handleAudioFrame(w http.ResponseWriter, r *http.Request) {
	frame, ok := g.relay.LatestAudio(r.PathValue("id"), r.PathValue("type"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "no audio frame")
		return
	}
	g.writeJSON(w, http.StatusOK, frame)
}
