// ABOUTME: Gateway orchestrator that wires the store, registry, dispatcher, relay and transport
// ABOUTME: Owns the HTTP server lifecycle, the optional tailnet listener and the NATS bridge

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/bridge"
	"github.com/2389/coven-hub/internal/config"
	"github.com/2389/coven-hub/internal/dispatch"
	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/hub"
	"github.com/2389/coven-hub/internal/relay"
	"github.com/2389/coven-hub/internal/store"
)

// startupTimeout bounds store connection and the initial state load.
const startupTimeout = 30 * time.Second

// Gateway orchestrates the coven-hub server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	ledger      *store.Ledger
	events      *fanout.Broadcaster
	hub         *hub.Hub
	registry    *agent.Registry
	dispatcher  *dispatch.Dispatcher
	relay       *relay.Relay
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// bridge republishes fanout events to NATS when enabled
	bridge       *bridge.Bridge
	bridgeCancel context.CancelFunc
	bridgeDone   chan struct{}

	startedAt time.Time
}

// initStore creates the store selected by config and environment.
func initStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return store.NewMemoryStore(), nil

	case config.DriverRedis:
		s, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     cfg.Database.Redis.Addr,
			Password: cfg.Database.Redis.Password,
			DB:       cfg.Database.Redis.DB,
			Key:      cfg.Database.Redis.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing redis store: %w", err)
		}
		return s, nil

	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("COVEN_HUB_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// New creates a new Gateway instance with the given configuration.
// Agents recorded as online by a previous process are marked offline
// before any connection is accepted.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	s, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ledger, err := store.NewLedger(ctx, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("loading state: %w", err)
	}

	events := fanout.NewBroadcaster(logger)
	h := hub.New(hub.Options{
		ReadTimeout:    cfg.Agents.HeartbeatTimeout,
		WriteTimeout:   cfg.Agents.WriteTimeout,
		MaxMessageSize: cfg.Agents.MaxMessageSize,
		SendBuffer:     cfg.Agents.SendBuffer,
	}, logger)

	registry := agent.NewRegistry(ledger, h, events, logger)
	if err := registry.Reconcile(ctx); err != nil {
		events.Close()
		_ = s.Close()
		return nil, fmt.Errorf("reconciling agent state: %w", err)
	}

	gw := &Gateway{
		config:     cfg,
		store:      s,
		ledger:     ledger,
		events:     events,
		hub:        h,
		registry:   registry,
		dispatcher: dispatch.NewDispatcher(ledger, registry, h, events, logger),
		relay:      relay.NewRelay(ledger, registry, h, events, cfg.Frames.LogInterval, logger),
		logger:     logger.With("component", "gateway"),
		startedAt:  time.Now(),
	}

	h.Bind(hub.Services{
		Agents:   registry,
		Commands: gw.dispatcher,
		Frames:   gw.relay,
		State:    ledger,
		Events:   events,
	})

	if cfg.NATS.Enabled {
		br, err := bridge.Connect(bridge.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			Token:         cfg.NATS.Token,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			IncludeFrames: cfg.NATS.IncludeFrames,
		}, logger)
		if err != nil {
			events.Close()
			_ = s.Close()
			return nil, err
		}
		gw.startBridge(br)
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway initialized",
		"driver", cfg.Database.Driver,
		"agents", len(ledger.Current().Agents),
		"history", len(ledger.Current().History),
		"nats", cfg.NATS.Enabled,
	)
	return gw, nil
}

// startBridge subscribes the bridge to fanout and runs it until shutdown.
func (g *Gateway) startBridge(br *bridge.Bridge) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := g.events.Subscribe(ctx)

	g.bridge = br
	g.bridgeCancel = cancel
	g.bridgeDone = make(chan struct{})
	go func() {
		defer close(g.bridgeDone)
		br.Run(ctx, ch)
	}()
}

// registerRoutes registers the WebSocket, API and health routes.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/agent", g.hub.ServeAgent)
	mux.HandleFunc("GET /ws/observer", g.hub.ServeObserver)

	mux.HandleFunc("GET /api/state", g.handleState)
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", g.handleGetAgent)
	mux.HandleFunc("GET /api/agents/{id}/commands", g.handleAgentCommands)
	mux.HandleFunc("POST /api/agents/{id}/screen", g.handleToggle(relay.StreamScreen))
	mux.HandleFunc("POST /api/agents/{id}/audio", g.handleToggle(relay.StreamAudio))
	mux.HandleFunc("GET /api/agents/{id}/frames/screen", g.handleScreenFrame)
	mux.HandleFunc("GET /api/agents/{id}/frames/audio", g.handleAudioTypes)
	mux.HandleFunc("GET /api/agents/{id}/frames/audio/{type}", g.handleAudioFrame)
	mux.HandleFunc("GET /api/history", g.handleHistory)
	mux.HandleFunc("POST /api/dispatch", g.handleDispatch)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
}

// Handler returns the HTTP handler serving every gateway route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The original context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-hub", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns the HTTP listener on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, closes every connection (marking
// agents offline), stops the bridge and closes the store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "uptime", time.Since(g.startedAt).Round(time.Second))

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// WebSocket connections are hijacked, so the HTTP server does not close them.
	g.hub.Close()

	if g.bridge != nil {
		g.bridgeCancel()
		<-g.bridgeDone
		errs = appendCloseError(errs, "nats bridge close", g.bridge.Close())
	}
	g.events.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	reachable := g.registry.ConnectedCount()
	if reachable == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", reachable)
}
