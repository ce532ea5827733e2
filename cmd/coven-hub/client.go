// ABOUTME: Operator subcommands that talk to a running hub over its HTTP API
// ABOUTME: health, agents, history and send

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/coven-hub/internal/config"
	"github.com/2389/coven-hub/internal/dispatch"
	"github.com/2389/coven-hub/internal/gateway"
	"github.com/2389/coven-hub/internal/store"
)

// hubClient is a thin JSON client for the hub's operator API.
type hubClient struct {
	baseURL string
	http    *http.Client
}

func newHubClient(addr string) *hubClient {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &hubClient{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// apiError is returned for non-2xx responses.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("status %d", e.Status)
	}
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

func (c *hubClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if s, ok := out.(*string); ok {
		*s = strings.TrimSpace(string(data))
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *hubClient) Health(ctx context.Context) (string, error) {
	var body string
	err := c.do(ctx, http.MethodGet, "/health", nil, &body)
	return body, err
}

func (c *hubClient) Ready(ctx context.Context) (string, error) {
	var body string
	err := c.do(ctx, http.MethodGet, "/health/ready", nil, &body)
	return body, err
}

func (c *hubClient) Agents(ctx context.Context) ([]gateway.AgentResponse, error) {
	var agents []gateway.AgentResponse
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &agents)
	return agents, err
}

func (c *hubClient) History(ctx context.Context, agentID string, latest bool, limit int) ([]store.HistoryEntry, error) {
	path := "/api/history"
	if agentID != "" {
		path = "/api/agents/" + url.PathEscape(agentID) + "/commands"
	}
	q := url.Values{}
	if latest {
		q.Set("latest", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var entries []store.HistoryEntry
	err := c.do(ctx, http.MethodGet, path, nil, &entries)
	return entries, err
}

func (c *hubClient) Dispatch(ctx context.Context, target, command string) (*gateway.DispatchResponse, error) {
	var resp gateway.DispatchResponse
	if err := c.do(ctx, http.MethodPost, "/api/dispatch", gateway.DispatchRequest{Target: target, Command: command}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// clientFlags registers the flags shared by every client subcommand.
type clientFlags struct {
	configPath string
	addr       string
}

func newClientFlagSet(name string, cf *clientFlags) *pflag.FlagSet {
	fs := newFlagSet(name, &cf.configPath)
	fs.StringVarP(&cf.addr, "addr", "a", "", "hub HTTP address (overrides server.http_addr from config)")
	return fs
}

// client resolves the hub address: --addr, then the config file, then the default.
func (cf *clientFlags) client() (*hubClient, error) {
	if cf.addr != "" {
		return newHubClient(cf.addr), nil
	}
	cfg, err := config.Load(cf.configPath)
	if errors.Is(err, os.ErrNotExist) {
		return newHubClient(config.DefaultHTTPAddr), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return newHubClient(cfg.Server.HTTPAddr), nil
}

func runHealth(ctx context.Context, args []string) error {
	var cf clientFlags
	fs := newClientFlagSet("health", &cf)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := cf.client()
	if err != nil {
		return err
	}

	if _, err := c.Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	color.Green("healthy")

	ready, err := c.Ready(ctx)
	var apiErr *apiError
	switch {
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable:
		color.Yellow(apiErr.Message)
	case err != nil:
		return fmt.Errorf("readiness check failed: %w", err)
	default:
		fmt.Println(ready)
	}
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	var cf clientFlags
	fs := newClientFlagSet("agents", &cf)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := cf.client()
	if err != nil {
		return err
	}

	agents, err := c.Agents(ctx)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	printAgents(os.Stdout, agents)
	return nil
}

func printAgents(w io.Writer, agents []gateway.AgentResponse) {
	if len(agents) == 0 {
		fmt.Fprintln(w, "no agents registered")
		return
	}

	gray := color.New(color.FgHiBlack)
	fmt.Fprintf(w, "%-20s %-8s %-20s %-15s %-8s %-7s %-6s %s\n",
		"ID", "STATUS", "HOSTNAME", "IP", "OS", "SCREEN", "AUDIO", "QUEUED")
	for _, a := range agents {
		status := color.RedString("%-8s", "offline")
		if a.Connected {
			status = color.GreenString("%-8s", "online")
		}
		fmt.Fprintf(w, "%-20s %s %-20s %-15s %-8s %-7s %-6s %d\n",
			a.ID, status, a.Hostname, a.IP, a.OS,
			onOff(a.ScreenEnabled), onOff(a.AudioEnabled), len(a.QueuedCommands))
		if !a.Connected && !a.LastSeen.IsZero() {
			gray.Fprintf(w, "  last seen %s\n", a.LastSeen.Local().Format(time.DateTime))
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func runHistory(ctx context.Context, args []string) error {
	var cf clientFlags
	var agentID string
	var latest bool
	var limit int
	fs := newClientFlagSet("history", &cf)
	fs.StringVar(&agentID, "agent", "", "only show entries for this agent")
	fs.BoolVar(&latest, "latest", false, "show only the latest entry per dispatch")
	fs.IntVarP(&limit, "limit", "n", 0, "show at most the last N entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := cf.client()
	if err != nil {
		return err
	}

	entries, err := c.History(ctx, agentID, latest, limit)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	printHistory(os.Stdout, entries)
	return nil
}

func printHistory(w io.Writer, entries []store.HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no history")
		return
	}
	gray := color.New(color.FgHiBlack)
	for _, e := range entries {
		gray.Fprintf(w, "%s ", e.Timestamp.Local().Format(time.DateTime))
		fmt.Fprintf(w, "%-20s %s %s", e.AgentID, statusColor(e.Status), e.ID)
		if e.Command != "" {
			fmt.Fprintf(w, " $ %s", e.Command)
		}
		fmt.Fprintln(w)
		if e.Output != "" {
			for _, line := range strings.Split(strings.TrimRight(e.Output, "\n"), "\n") {
				fmt.Fprintf(w, "    %s\n", line)
			}
		}
	}
}

func statusColor(s store.CommandStatus) string {
	label := fmt.Sprintf("%-8s", s)
	switch s {
	case store.StatusSuccess:
		return color.GreenString(label)
	case store.StatusFailed:
		return color.RedString(label)
	case store.StatusQueued:
		return color.YellowString(label)
	default:
		return color.CyanString(label)
	}
}

func runSend(ctx context.Context, args []string) error {
	var cf clientFlags
	var target, command string
	fs := newClientFlagSet("send", &cf)
	fs.StringVarP(&target, "target", "t", "", `agent ID, or "all" for every agent`)
	fs.StringVar(&command, "command", "", "command text to run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if command == "" && fs.NArg() > 0 {
		command = strings.Join(fs.Args(), " ")
	}
	if target == "" {
		return errors.New("--target is required")
	}
	if strings.TrimSpace(command) == "" {
		return errors.New("--command is required")
	}

	c, err := cf.client()
	if err != nil {
		return err
	}

	resp, err := c.Dispatch(ctx, target, command)
	if err != nil {
		return fmt.Errorf("dispatching: %w", err)
	}
	printDispatch(os.Stdout, resp)
	return nil
}

func printDispatch(w io.Writer, resp *gateway.DispatchResponse) {
	switch resp.Resolution {
	case dispatch.TargetUnknown.String():
		color.New(color.FgYellow).Fprintf(w, "no agent matches target %q\n", resp.Target)
		return
	case dispatch.TargetResolvedEmpty.String():
		color.New(color.FgYellow).Fprintln(w, "no agents registered")
		return
	}
	fmt.Fprintf(w, "dispatch %s -> %s (%s)\n", resp.CommandID, resp.Target, resp.Resolution)
	for _, e := range resp.Entries {
		fmt.Fprintf(w, "  %-20s %s %s\n", e.AgentID, statusColor(e.Status), e.ID)
	}
}
