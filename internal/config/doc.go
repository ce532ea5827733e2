// Package config handles configuration loading for coven-hub.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_HUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/hub.yaml
//  3. ~/.config/coven/hub.yaml
//
// Files ending in .toml are decoded as TOML; anything else is YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  redis:
//	    password: "${COVEN_REDIS_PASSWORD}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSockets, API and health
//
//	database:
//	  driver: "sqlite"            # sqlite, redis, memory
//	  path: "/var/lib/coven/hub.db"
//	  redis:
//	    addr: "localhost:6379"
//	    db: 0
//	    key: "coven-hub:state"
//
//	agents:
//	  heartbeat_timeout: "90s"    # silence before a connection is dropped
//	  write_timeout: "10s"
//	  max_message_size: 16777216
//	  send_buffer: 256
//
//	frames:
//	  log_interval: "5s"          # per-agent frame log throttle
//
//	nats:
//	  enabled: false
//	  url: "nats://localhost:4222"
//	  subject_prefix: "coven.hub"
//	  include_frames: false
//
//	tailscale:
//	  enabled: false
//	  hostname: "coven-hub"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//
//	logging:
//	  level: "info"               # debug, info, warn, error
//	  format: "text"              # text, json
//
// Durations use time.ParseDuration syntax. Empty fields take the defaults
// declared in this package.
package config
