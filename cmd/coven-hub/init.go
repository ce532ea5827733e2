// ABOUTME: Interactive config file generator for coven-hub
// ABOUTME: Prompts for server, store, NATS, Tailscale and logging settings and writes YAML

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-hub/internal/config"
)

// getDataPath returns the default data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	HTTPAddr string

	Driver     string
	DBPath     string
	RedisAddr  string
	RedisPass  string
	RedisDB    string
	NATSURL    string
	NATSFrames bool

	Tailscale   bool
	TSHostname  string
	TSAuthKey   string
	TSEphemeral bool
	TSFunnel    bool

	LogLevel  string
	LogFormat string
}

func runInit(args []string) error {
	var configPath string
	fs := newFlagSet("init", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-hub configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", configPath)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	a := askInit(reader, getDataPath())

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	if a.Driver == config.DriverSQLite {
		dataDir := filepath.Dir(a.DBPath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Printf("Data directory: %s\n", dataDir)
	}
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coven-hub serve --config %s\n", outputFile)

	return nil
}

func askInit(reader *bufio.Reader, dataPath string) initAnswers {
	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Store Configuration ---")
	a.Driver = prompt(reader, "Store driver (sqlite/redis/memory)", config.DriverSQLite)
	switch a.Driver {
	case config.DriverRedis:
		a.RedisAddr = prompt(reader, "Redis address", "localhost:6379")
		a.RedisPass = prompt(reader, "Redis password (leave empty for none)", "")
		a.RedisDB = prompt(reader, "Redis database", "0")
	case config.DriverMemory:
	default:
		a.Driver = config.DriverSQLite
		a.DBPath = prompt(reader, "SQLite database path", filepath.Join(dataPath, "hub.db"))
	}

	fmt.Println("\n--- NATS Event Bridge ---")
	if yes(prompt(reader, "Publish hub events to NATS?", "no")) {
		a.NATSURL = prompt(reader, "NATS URL", "nats://localhost:4222")
		a.NATSFrames = yes(prompt(reader, "Include screen/audio frames?", "no"))
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, "Tailscale hostname", "coven-hub")
		a.TSAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		a.TSEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		a.TSFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	return a
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-hub configuration\n")
	cfg.WriteString("# Generated by coven-hub init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.HTTPAddr)
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  driver: %q\n", a.Driver)
	switch a.Driver {
	case config.DriverSQLite:
		fmt.Fprintf(&cfg, "  path: %q\n", a.DBPath)
	case config.DriverRedis:
		cfg.WriteString("  redis:\n")
		fmt.Fprintf(&cfg, "    addr: %q\n", a.RedisAddr)
		if a.RedisPass != "" {
			fmt.Fprintf(&cfg, "    password: %q\n", a.RedisPass)
		}
		fmt.Fprintf(&cfg, "    db: %s\n", a.RedisDB)
	}
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	fmt.Fprintf(&cfg, "  heartbeat_timeout: %q\n", config.DefaultHeartbeatTimeout.String())
	fmt.Fprintf(&cfg, "  write_timeout: %q\n", config.DefaultWriteTimeout.String())
	cfg.WriteString("\n")

	cfg.WriteString("frames:\n")
	fmt.Fprintf(&cfg, "  log_interval: %q\n", config.DefaultFrameLogInterval.String())
	cfg.WriteString("\n")

	cfg.WriteString("nats:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.NATSURL != "")
	if a.NATSURL != "" {
		fmt.Fprintf(&cfg, "  url: %q\n", a.NATSURL)
		fmt.Fprintf(&cfg, "  subject_prefix: %q\n", config.DefaultNATSSubjectPrefix)
		fmt.Fprintf(&cfg, "  include_frames: %t\n", a.NATSFrames)
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.TSEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.TSFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)

	return cfg.String()
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
