// ABOUTME: Minimal fake agent for E2E testing: connects over WebSocket and echoes commands.
// ABOUTME: Usage: fake-agent [--url ws://localhost:8080/ws/agent] [--id e2e-echo-agent]
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/2389/coven-hub/internal/protocol"
)

type options struct {
	URL       string
	AgentID   string
	Hostname  string
	IP        string
	Heartbeat time.Duration
	FrameRate time.Duration
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("fake-agent", pflag.ContinueOnError)
	fs.StringVar(&opts.URL, "url", "ws://localhost:8080/ws/agent", "hub agent WebSocket URL")
	fs.StringVar(&opts.AgentID, "id", "e2e-echo-agent", "agent ID")
	fs.StringVar(&opts.Hostname, "hostname", "e2e-test", "reported hostname")
	fs.StringVar(&opts.IP, "ip", "127.0.0.1", "reported IP address")
	fs.DurationVar(&opts.Heartbeat, "heartbeat", 30*time.Second, "heartbeat interval")
	fs.DurationVar(&opts.FrameRate, "frame-interval", time.Second, "screen/audio frame interval while enabled")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

// fakeAgent owns one connection. Writes are serialised by mu.
type fakeAgent struct {
	opts options
	conn *websocket.Conn
	mu   sync.Mutex

	screen bool
	audio  bool
}

func run(ctx context.Context, opts options) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	a := &fakeAgent{opts: opts, conn: conn}

	if err := a.send(protocol.RegisterMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeRegister},
		AgentID:     opts.AgentID,
		Hostname:    opts.Hostname,
		IP:          opts.IP,
		OS:          runtime.GOOS,
	}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}

	// Unblock the read loop on shutdown.
	go func() {
		<-ctx.Done()
		a.mu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		a.mu.Unlock()
		conn.Close()
	}()

	go a.heartbeatLoop(ctx)
	go a.frameLoop(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("recv error: %w", err)
		}
		if err := a.handle(data); err != nil {
			log.Printf("handle error: %v", err)
		}
	}
}

func (a *fakeAgent) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *fakeAgent) handle(data []byte) error {
	var env protocol.BaseMessage
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}

	switch env.Type {
	case protocol.TypeRegistered:
		var m protocol.RegisteredMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		a.setStreams(m.ScreenEnabled, m.AudioEnabled)
		fmt.Fprintf(os.Stderr, "registered as %s (screen=%t audio=%t queued=%d)\n",
			m.AgentID, m.ScreenEnabled, m.AudioEnabled, m.QueuedCommands)

	case protocol.TypeExecuteCommand:
		var m protocol.ExecuteCommandMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		log.Printf("received command [%s]: %s", m.CommandID, m.Command)
		success, output := execute(m.Command)
		return a.send(protocol.CommandResultMessage{
			BaseMessage: protocol.BaseMessage{Type: protocol.TypeCommandResult},
			CommandID:   m.CommandID,
			AgentID:     a.opts.AgentID,
			Success:     success,
			Output:      output,
		})

	case protocol.TypeToggleScreen, protocol.TypeToggleAudio:
		var m protocol.ToggleMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		a.mu.Lock()
		if env.Type == protocol.TypeToggleScreen {
			a.screen = m.Enabled
		} else {
			a.audio = m.Enabled
		}
		a.mu.Unlock()
		log.Printf("%s: %t", env.Type, m.Enabled)

	case protocol.TypeError:
		var m protocol.ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		log.Printf("hub error %s: %s", m.Code, m.Message)
	}
	return nil
}

func (a *fakeAgent) setStreams(screen, audio bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.screen, a.audio = screen, audio
}

func (a *fakeAgent) streams() (screen, audio bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.screen, a.audio
}

func (a *fakeAgent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.send(protocol.HeartbeatMessage{
				BaseMessage: protocol.BaseMessage{Type: protocol.TypeHeartbeat},
				AgentID:     a.opts.AgentID,
			}); err != nil {
				return
			}
		}
	}
}

// frameLoop emits placeholder frames for each enabled stream.
func (a *fakeAgent) frameLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.FrameRate)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			screen, audio := a.streams()
			ts, _ := json.Marshal(now.UnixMilli())
			if screen {
				_ = a.send(protocol.ScreenFrameMessage{
					BaseMessage: protocol.BaseMessage{Type: protocol.TypeScreenFrame},
					AgentID:     a.opts.AgentID,
					Image:       base64.StdEncoding.EncodeToString([]byte("fake-screen")),
					Timestamp:   ts,
				})
			}
			if audio {
				_ = a.send(protocol.AudioFrameMessage{
					BaseMessage: protocol.BaseMessage{Type: protocol.TypeAudioFrame},
					AgentID:     a.opts.AgentID,
					AudioType:   "microphone",
					AudioData:   base64.StdEncoding.EncodeToString(make([]byte, 320)),
					Timestamp:   ts,
				})
			}
		}
	}
}

// execute fakes running a command. Commands starting with "fail" report failure.
func execute(command string) (bool, string) {
	if strings.HasPrefix(strings.TrimSpace(command), "fail") {
		return false, fmt.Sprintf("failed: %s", command)
	}
	return true, fmt.Sprintf("ran: %s", command)
}
