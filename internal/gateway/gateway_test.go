// ABOUTME: Tests for gateway wiring, lifecycle and health endpoints
// ABOUTME: Builds real gateways over memory and SQLite stores and drives them over HTTP

package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/config"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml), false)
	require.NoError(t, err)
	return cfg
}

// newTestGateway creates a gateway over an in-memory store and serves it
// with httptest. Both are torn down when the test ends.
func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(testConfig(t, "database:\n  driver: memory\n"), nil)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, gw.Shutdown(ctx))
	})
	return gw, srv
}

// registerFake registers an agent on a connection ID that has no socket
// behind it. The registry treats it as reachable; sends to it fail and are
// logged.
func registerFake(t *testing.T, gw *Gateway, agentID, connID string) {
	t.Helper()
	_, err := gw.registry.Register(t.Context(), agent.RegisterParams{AgentID: agentID, Hostname: "host-" + agentID, ConnID: connID})
	require.NoError(t, err)
}

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	_, srv := newTestGateway(t)

	status, body := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)
}

func TestReady_ReportsReachableAgents(t *testing.T) {
	gw, srv := newTestGateway(t)

	status, body := get(t, srv, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "no agents connected", body)

	registerFake(t, gw, "a1", "conn-1")

	status, body = get(t, srv, "/health/ready")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready (1 agents)", body)
}

func TestAgentWebSocket_ThroughGateway(t *testing.T) {
	gw, srv := newTestGateway(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agent"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "register", "agent_id": "ws-agent", "hostname": "box"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ack struct {
		Type    string `json:"type"`
		AgentID string `json:"agent_id"`
	}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "registered", ack.Type)
	assert.Equal(t, "ws-agent", ack.AgentID)
	assert.True(t, gw.registry.IsReachable("ws-agent"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t, "server:\n  http_addr: \"127.0.0.1:0\"\ndatabase:\n  driver: memory\n")
	gw, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ListenError(t *testing.T) {
	cfg := testConfig(t, "server:\n  http_addr: \"256.0.0.1:bad\"\ndatabase:\n  driver: memory\n")
	gw, err := New(cfg, nil)
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	err = gw.Run(t.Context())
	assert.ErrorContains(t, err, "listening on HTTP address")
}

func TestNew_SQLiteStateSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hub.db")
	cfg := testConfig(t, "database:\n  driver: sqlite\n  path: \""+dbPath+"\"\n")

	gw, err := New(cfg, nil)
	require.NoError(t, err)
	registerFake(t, gw, "a1", "conn-1")
	_, err = gw.dispatcher.Dispatch(t.Context(), "a1", "uptime")
	require.NoError(t, err)
	require.NoError(t, gw.Shutdown(t.Context()))

	gw, err = New(cfg, nil)
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	snap := gw.ledger.Current()
	require.Contains(t, snap.Agents, "a1")
	assert.False(t, snap.Agents["a1"].Online, "agents are offline until they reconnect")
	require.Len(t, snap.History, 1)
	assert.Equal(t, "uptime", snap.History[0].Command)
}

func TestNew_DBPathFromEnvironment(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("COVEN_HUB_DB_PATH", dbPath)
	cfg := testConfig(t, "database:\n  driver: sqlite\n  path: \"/nonexistent/dir/ignored.db\"\n")

	gw, err := New(cfg, nil)
	require.NoError(t, err)
	assert.NoError(t, gw.Shutdown(t.Context()))
	assert.FileExists(t, dbPath)
}

func TestNew_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t, "database:\n  driver: redis\n  redis:\n    addr: \"127.0.0.1:1\"\n")

	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "initializing redis store")
}

func TestNew_NATSUnreachable(t *testing.T) {
	cfg := testConfig(t, "database:\n  driver: memory\nnats:\n  enabled: true\n  url: \"nats://127.0.0.1:1\"\n")

	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "connecting to nats")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/coven")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/coven", dir)

	t.Setenv("HOME", "/home/tester")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/tester", ".local", "share", "coven-hub", "tailscale"), dir)
}
