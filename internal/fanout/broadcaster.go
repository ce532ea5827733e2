// ABOUTME: In-memory fan-out broadcaster for observer events
// ABOUTME: Delivers each published batch to every subscriber in order, dropping for slow subscribers

package fanout

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	// Sized for bursts of frame events between observer writes.
	subscriberBufferSize = 256
)

// Broadcaster provides in-memory pub/sub on a single topic. Every subscriber
// receives every event published after it subscribed, at most once; there is
// no replay.
type Broadcaster struct {
	pubMu       sync.Mutex // keeps batches contiguous per subscriber
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "fanout"),
	}
}

// Subscribe registers a subscriber. Returns a channel that receives events and
// a subscription ID for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends events to all subscribers in the given order. Concurrent
// calls do not interleave. Non-blocking: events are dropped for subscribers
// whose channels are full.
func (b *Broadcaster) Publish(events ...Event) {
	if len(events) == 0 {
		return
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	// Held for reading across the sends so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber",
					"sub_id", subID,
					"kind", ev.Kind())
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
