// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, "hub.yaml", `
server:
  http_addr: "0.0.0.0:9000"

database:
  driver: "sqlite"
  path: "./hub.db"

agents:
  heartbeat_timeout: "45s"
  write_timeout: "5s"
  max_message_size: 1048576
  send_buffer: 64

frames:
  log_interval: "1m"

nats:
  enabled: true
  url: "nats://localhost:4222"
  subject_prefix: "lab.hub"
  include_frames: true

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9000" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9000")
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path != "./hub.db" {
		t.Errorf("Database = %+v, want sqlite at ./hub.db", cfg.Database)
	}
	if cfg.Agents.HeartbeatTimeout != 45*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 45s", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Agents.WriteTimeout != 5*time.Second {
		t.Errorf("Agents.WriteTimeout = %v, want 5s", cfg.Agents.WriteTimeout)
	}
	if cfg.Agents.MaxMessageSize != 1<<20 {
		t.Errorf("Agents.MaxMessageSize = %d, want %d", cfg.Agents.MaxMessageSize, 1<<20)
	}
	if cfg.Agents.SendBuffer != 64 {
		t.Errorf("Agents.SendBuffer = %d, want 64", cfg.Agents.SendBuffer)
	}
	if cfg.Frames.LogInterval != time.Minute {
		t.Errorf("Frames.LogInterval = %v, want 1m", cfg.Frames.LogInterval)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://localhost:4222" || cfg.NATS.SubjectPrefix != "lab.hub" || !cfg.NATS.IncludeFrames {
		t.Errorf("NATS = %+v, unexpected", cfg.NATS)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "hub.yaml", `
database:
  path: "/tmp/hub.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Agents.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("Agents.HeartbeatTimeout = %v, want %v", cfg.Agents.HeartbeatTimeout, DefaultHeartbeatTimeout)
	}
	if cfg.Agents.SendBuffer != DefaultSendBuffer {
		t.Errorf("Agents.SendBuffer = %d, want %d", cfg.Agents.SendBuffer, DefaultSendBuffer)
	}
	if cfg.Frames.LogInterval != DefaultFrameLogInterval {
		t.Errorf("Frames.LogInterval = %v, want %v", cfg.Frames.LogInterval, DefaultFrameLogInterval)
	}
	if cfg.NATS.SubjectPrefix != DefaultNATSSubjectPrefix {
		t.Errorf("NATS.SubjectPrefix = %q, want %q", cfg.NATS.SubjectPrefix, DefaultNATSSubjectPrefix)
	}
	if cfg.Database.Redis.Key != DefaultRedisKey {
		t.Errorf("Database.Redis.Key = %q, want %q", cfg.Database.Redis.Key, DefaultRedisKey)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "hub.toml", `
[server]
http_addr = "127.0.0.1:8181"

[database]
driver = "redis"

[database.redis]
addr = "localhost:6379"
db = 2

[agents]
heartbeat_timeout = "2m"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8181" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8181")
	}
	if cfg.Database.Driver != DriverRedis || cfg.Database.Redis.Addr != "localhost:6379" || cfg.Database.Redis.DB != 2 {
		t.Errorf("Database = %+v, want redis at localhost:6379 db 2", cfg.Database)
	}
	if cfg.Agents.HeartbeatTimeout != 2*time.Minute {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 2m", cfg.Agents.HeartbeatTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_HUB_DB_PATH", "/data/hub.db")
	t.Setenv("TEST_HUB_REDIS_PASSWORD", "s3cret")

	path := writeConfig(t, "hub.yaml", `
database:
  path: "${TEST_HUB_DB_PATH}"
  redis:
    password: "${TEST_HUB_REDIS_PASSWORD}"
logging:
  level: "${TEST_HUB_UNSET_LEVEL}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/data/hub.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/data/hub.db")
	}
	if cfg.Database.Redis.Password != "s3cret" {
		t.Errorf("Database.Redis.Password = %q, want %q", cfg.Database.Redis.Password, "s3cret")
	}
	if cfg.Logging.Level != "" {
		t.Errorf("Logging.Level = %q, want empty for unset var", cfg.Logging.Level)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid yaml",
			content: "server: [unclosed",
			wantErr: "parsing config file",
		},
		{
			name: "invalid duration",
			content: `
database:
  path: "hub.db"
agents:
  heartbeat_timeout: "soon"
`,
			wantErr: "heartbeat_timeout",
		},
		{
			name:    "sqlite without path",
			content: "database:\n  driver: sqlite\n",
			wantErr: "database.path is required",
		},
		{
			name:    "redis without addr",
			content: "database:\n  driver: redis\n",
			wantErr: "database.redis.addr is required",
		},
		{
			name:    "unknown driver",
			content: "database:\n  driver: postgres\n",
			wantErr: "database.driver",
		},
		{
			name: "tailscale without hostname",
			content: `
tailscale:
  enabled: true
database:
  driver: memory
`,
			wantErr: "tailscale.hostname is required",
		},
		{
			name: "nats without url",
			content: `
database:
  driver: memory
nats:
  enabled: true
`,
			wantErr: "nats.url is required",
		},
		{
			name: "negative timeout",
			content: `
database:
  driver: memory
agents:
  write_timeout: "-1s"
`,
			wantErr: "timeouts must be positive",
		},
		{
			name: "bad log level",
			content: `
database:
  driver: memory
logging:
  level: verbose
`,
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "hub.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v, want reading config file error", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("COVEN_HUB_CONFIG", "/etc/coven/hub.toml")
		if got := DefaultPath(); got != "/etc/coven/hub.toml" {
			t.Errorf("DefaultPath() = %q, want /etc/coven/hub.toml", got)
		}
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("COVEN_HUB_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		if got := DefaultPath(); got != filepath.Join("/xdg", "coven", "hub.yaml") {
			t.Errorf("DefaultPath() = %q, want /xdg/coven/hub.yaml", got)
		}
	})
}
