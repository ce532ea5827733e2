// ABOUTME: Entry point for the coven-hub server and its operator commands
// ABOUTME: Subcommands: serve, init, health, agents, history, send

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-hub/internal/config"
	"github.com/2389/coven-hub/internal/gateway"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
  ___ _____   _____ _ __        | |__  _   _| |__
 / __/ _ \ \ / / _ \ '_ \ _____ | '_ \| | | | '_ \
| (_| (_) \ V /  __/ | | |_____|| | | | |_| | |_) |
 \___\___/ \_/ \___|_| |_|      |_| |_|\__,_|_.__/
`

func usage() {
	fmt.Println("Usage: coven-hub <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the hub server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  health                             Check hub health")
	fmt.Println("  agents                             List known agents")
	fmt.Println("  history [--agent ID] [--latest]    Show command history")
	fmt.Println("  send --target ID|all --command CMD Dispatch a command")
	fmt.Println()
	fmt.Println("Run 'coven-hub <command> --help' for command flags.")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet creates a flag set for a subcommand with the shared --config flag.
func newFlagSet(name string, configPath *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("coven-hub "+name, pflag.ContinueOnError)
	fs.StringVarP(configPath, "config", "c", config.DefaultPath(), "path to config file (.yaml or .toml)")
	return fs
}

func runServe(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("serve", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Store:     %s", cfg.Database.Driver)
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		gray.Printf(" (%s)", cfg.Database.Path)
	case config.DriverRedis:
		gray.Printf(" (%s db %d)", cfg.Database.Redis.Addr, cfg.Database.Redis.DB)
	case config.DriverMemory:
		yellow.Print(" [not persisted]")
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}

	if cfg.NATS.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("NATS:      %s ", cfg.NATS.URL)
		gray.Printf("(%s.*)\n", cfg.NATS.SubjectPrefix)
	}

	fmt.Println()

	logger.Info("starting coven-hub",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
