// ABOUTME: WebSocket connection hub for agents and observers.
// ABOUTME: Owns live connections, their read/write pumps, and non-blocking outbound delivery.

package hub

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-hub/internal/agent"
	"github.com/2389/coven-hub/internal/dispatch"
	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/protocol"
	"github.com/2389/coven-hub/internal/relay"
	"github.com/2389/coven-hub/internal/store"
)

var (
	// ErrBufferFull is returned when a connection's send buffer is full.
	ErrBufferFull = errors.New("send buffer full")

	// ErrConnectionClosed is returned when sending to a connection that is shutting down.
	ErrConnectionClosed = errors.New("connection closed")
)

// operationTimeout bounds the store work triggered by one inbound message.
const operationTimeout = 10 * time.Second

// Offline writes for a closed agent connection are retried with doubling
// delays before the mapping is released without one.
const (
	disconnectAttempts = 4
	disconnectBackoff  = 50 * time.Millisecond
)

// Role distinguishes agent connections from observer connections.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleObserver Role = "observer"
)

// Options configures connection limits and timeouts.
type Options struct {
	// ReadTimeout is how long a connection may stay silent before it is
	// dropped. Any message or pong extends it.
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:    90 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 16 << 20,
		SendBuffer:     256,
	}
}

func (o Options) pingInterval() time.Duration {
	return o.ReadTimeout * 9 / 10
}

// AgentService is the registry surface the hub drives.
type AgentService interface {
	Register(ctx context.Context, p agent.RegisterParams) (*agent.Registration, error)
	MarkOnline(ctx context.Context, agentID string) error
	Disconnect(ctx context.Context, connID string) error
	Release(connID string) (string, bool)
	Reconcile(ctx context.Context) error
	AgentFor(connID string) (string, bool)
}

// CommandService is the dispatcher surface the hub drives.
type CommandService interface {
	Dispatch(ctx context.Context, target, text string) (*dispatch.DispatchResult, error)
	ReportResult(ctx context.Context, p dispatch.ResultParams) (*store.HistoryEntry, error)
}

// FrameService is the relay surface the hub drives.
type FrameService interface {
	RelayScreenFrame(frame fanout.ScreenFrame)
	RelayAudioFrame(frame fanout.AudioFrame)
	ToggleScreen(ctx context.Context, agentID string, enabled bool) (relay.ToggleResult, error)
	ToggleAudio(ctx context.Context, agentID string, enabled bool) (relay.ToggleResult, error)
}

// StateSource returns a copy of the full hub state.
type StateSource interface {
	Snapshot() *store.Snapshot
}

// EventSource lets observers subscribe to fanout events.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan fanout.Event, string)
}

// Services are the components inbound messages are routed to.
type Services struct {
	Agents   AgentService
	Commands CommandService
	Frames   FrameService
	State    StateSource
	Events   EventSource
}

// Conn is one live WebSocket connection.
type Conn struct {
	ID   string
	Role Role

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// enqueue queues data for the write pump without blocking.
func (c *Conn) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// close stops the write pump and closes the socket. Safe to call repeatedly.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Hub tracks live connections and routes their messages to Services.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	svc      Services

	mu    sync.RWMutex
	conns map[string]*Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Hub. Services must be bound with Bind before serving.
func New(opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = def.MaxMessageSize
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Authentication is handled outside the hub.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(map[string]*Conn),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "hub"),
	}
}

// Bind sets the services inbound messages are routed to. The registry,
// dispatcher and relay need the hub as their Sender, so they are created
// after it and bound here.
func (h *Hub) Bind(svc Services) {
	h.svc = svc
}

// Send encodes msg and queues it for the connection without blocking.
func (h *Hub) Send(connID string, msg protocol.Outbound) error {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return protocol.ErrNoConnection
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

// CloseConnection closes a connection; its read pump then cleans up.
func (h *Hub) CloseConnection(connID string) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		c.close()
	}
}

// ConnectionCount returns the number of live connections per role.
func (h *Hub) ConnectionCount() (agents, observers int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		switch c.Role {
		case RoleAgent:
			agents++
		case RoleObserver:
			observers++
		}
	}
	return agents, observers
}

// Close closes every connection and waits for their pumps to finish.
// Agents are marked offline as their connections go away.
func (h *Hub) Close() {
	h.cancel()

	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
	h.wg.Wait()
	h.logger.Info("hub closed", "connections", len(conns))
}

// ServeAgent upgrades the request to an agent WebSocket connection.
func (h *Hub) ServeAgent(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, RoleAgent)
}

// ServeObserver upgrades the request to an observer WebSocket connection.
func (h *Hub) ServeObserver(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, RoleObserver)
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, role Role) {
	if h.ctx.Err() != nil {
		http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "role", role, "error", err)
		return
	}

	c := &Conn{
		ID:   uuid.New().String(),
		Role: role,
		ws:   ws,
		send: make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	h.logger.Info("connection opened", "conn_id", c.ID, "role", role, "remote", r.RemoteAddr)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()

	h.wg.Add(1)
	defer h.wg.Done()

	switch role {
	case RoleAgent:
		h.readPump(c, h.handleAgentMessage)
	case RoleObserver:
		ctx, cancel := context.WithCancel(h.ctx)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.forwardEvents(ctx, c)
		}()
		h.readPump(c, h.handleObserverMessage)
		cancel()
	}

	h.cleanup(c)
}

// cleanup stops the connection's writer, records the agent offline and only
// then forgets the connection. Sends in between fail with
// ErrConnectionClosed, which the dispatcher turns into a queued command.
func (h *Hub) cleanup(c *Conn) {
	c.close()

	if c.Role == RoleAgent && h.svc.Agents != nil {
		h.disconnectAgent(c.ID)
	}

	h.mu.Lock()
	delete(h.conns, c.ID)
	h.mu.Unlock()

	h.logger.Info("connection closed", "conn_id", c.ID, "role", c.Role)
}

// disconnectAgent records the agent behind connID offline. Store failures are
// retried; if every attempt fails the mapping is released anyway so the agent
// stops looking reachable, and the online flag is reconciled best effort.
func (h *Hub) disconnectAgent(connID string) {
	// The hub context may already be cancelled during shutdown; the
	// offline write must still happen.
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	delay := disconnectBackoff
	var err error
retry:
	for attempt := 1; ; attempt++ {
		if err = h.svc.Agents.Disconnect(ctx, connID); err == nil {
			return
		}
		h.logger.Warn("failed to record disconnect", "conn_id", connID, "attempt", attempt, "error", err)
		if attempt == disconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(delay):
			delay *= 2
		}
	}

	agentID, released := h.svc.Agents.Release(connID)
	if !released {
		return
	}
	h.logger.Error("agent released without recording disconnect",
		"agent_id", agentID,
		"conn_id", connID,
		"error", err,
	)
	if err := h.svc.Agents.Reconcile(ctx); err != nil {
		h.logger.Warn("failed to reconcile agent status", "agent_id", agentID, "error", err)
	}
}

// readPump reads messages until the connection fails or goes quiet.
func (h *Hub) readPump(c *Conn, handle func(*Conn, []byte)) {
	c.ws.SetReadLimit(h.opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		handle(c, data)
	}
}

// writePump is the only writer to the socket.
func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.opts.pingInterval())
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write failed", "conn_id", c.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// reply sends a message back to the originating connection, logging failures.
func (h *Hub) reply(c *Conn, msg protocol.Outbound) {
	data, err := protocol.Encode(msg)
	if err != nil {
		h.logger.Error("failed to encode message", "type", msg.MessageType(), "error", err)
		return
	}
	if err := c.enqueue(data); err != nil {
		h.logger.Warn("failed to queue reply", "conn_id", c.ID, "type", msg.MessageType(), "error", err)
	}
}

func (h *Hub) replyError(c *Conn, code, message string) {
	h.reply(c, protocol.NewError(code, message))
}

func (h *Hub) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.ctx, operationTimeout)
}
