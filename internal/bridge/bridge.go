// ABOUTME: Republishes hub fanout events to NATS for consumers in other processes
// ABOUTME: One subject per event kind under a configurable prefix; frames are opt-in

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/protocol"
)

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures the bridge.
type Config struct {
	URL           string
	Name          string
	Token         string
	SubjectPrefix string

	// IncludeFrames republishes screen and audio frames as well as state
	// changes. Frames are high-volume, so they are off by default.
	IncludeFrames bool
}

// Bridge forwards fanout events to a Publisher.
type Bridge struct {
	pub           Publisher
	conn          *nats.Conn
	prefix        string
	includeFrames bool
	logger        *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a bridge over an existing publisher.
func New(pub Publisher, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		pub:           pub,
		prefix:        cfg.SubjectPrefix,
		includeFrames: cfg.IncludeFrames,
		logger:        logger.With("component", "nats-bridge"),
	}
}

// Connect dials NATS and returns a bridge publishing over that connection.
func Connect(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "nats-bridge")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	log.Info("nats bridge connected", "url", nc.ConnectedUrl(), "prefix", cfg.SubjectPrefix)

	b := New(nc, cfg, logger)
	b.conn = nc
	return b, nil
}

// Subject returns the subject an event kind is published on.
func (b *Bridge) Subject(kind fanout.Kind) string {
	if b.prefix == "" {
		return string(kind)
	}
	return b.prefix + "." + string(kind)
}

// Forward publishes one event. Frames are skipped unless IncludeFrames is set.
func (b *Bridge) Forward(ev fanout.Event) error {
	switch ev.Kind() {
	case fanout.KindScreenFrame, fanout.KindAudioFrame:
		if !b.includeFrames {
			return nil
		}
	}

	data, err := protocol.Encode(protocol.NewEvent(ev))
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Kind(), err)
	}
	if err := b.pub.Publish(b.Subject(ev.Kind()), data); err != nil {
		b.failed.Add(1)
		return fmt.Errorf("publishing %s event: %w", ev.Kind(), err)
	}
	b.published.Add(1)
	return nil
}

// Run forwards events until the channel closes or ctx ends. Publish
// failures are logged and do not stop the bridge.
func (b *Bridge) Run(ctx context.Context, events <-chan fanout.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := b.Forward(ev); err != nil {
				b.logger.Warn("failed to republish event", "kind", ev.Kind(), "error", err)
			}
		}
	}
}

// Stats returns the number of published and failed events.
func (b *Bridge) Stats() (published, failed int64) {
	return b.published.Load(), b.failed.Load()
}

// Close flushes pending messages and closes the NATS connection, if the
// bridge owns one.
func (b *Bridge) Close() error {
	if b.conn == nil || b.conn.IsClosed() || b.conn.IsDraining() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}
