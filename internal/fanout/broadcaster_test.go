// ABOUTME: Tests for the single-topic event broadcaster
// ABOUTME: Covers delivery, batch ordering, slow-subscriber drops, unsubscribe and close

package fanout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/store"
)

func historyEvent(id string) HistoryAppended {
	return HistoryAppended{Entry: store.HistoryEntry{ID: id, AgentID: "a1", Status: store.StatusPending}}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcaster_AllSubscribersReceiveEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context())
	ch2, _ := b.Subscribe(t.Context())

	b.Publish(historyEvent("c1"))

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := receive(t, ch)
		require.Equal(t, KindHistoryAppended, ev.Kind())
		assert.Equal(t, "c1", ev.(HistoryAppended).Entry.ID)
	}
}

func TestBroadcaster_BatchOrderPreserved(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())

	b.Publish(AgentsChanged{}, historyEvent("c1"), historyEvent("c2"), historyEvent("c3"))

	assert.Equal(t, KindAgentsChanged, receive(t, ch).Kind())
	for _, id := range []string{"c1", "c2", "c3"} {
		assert.Equal(t, id, receive(t, ch).(HistoryAppended).Entry.ID)
	}
}

func TestBroadcaster_ConcurrentBatchesDoNotInterleave(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context())

	const batches = 10
	var wg sync.WaitGroup
	for i := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(historyEvent(fmt.Sprintf("b%d-0", i)), historyEvent(fmt.Sprintf("b%d-1", i)))
		}()
	}
	wg.Wait()

	for range batches {
		first := receive(t, ch).(HistoryAppended).Entry.ID
		second := receive(t, ch).(HistoryAppended).Entry.ID
		assert.Equal(t, first[:len(first)-1]+"1", second)
	}
}

func TestBroadcaster_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	slow, _ := b.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			b.Publish(historyEvent(fmt.Sprintf("c%d", i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	assert.Len(t, slow, subscriberBufferSize)
	assert.Equal(t, "c0", receive(t, slow).(HistoryAppended).Entry.ID)
}

func TestBroadcaster_NoReplayForLateSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.Publish(historyEvent("early"))
	ch, _ := b.Subscribe(t.Context())
	b.Publish(historyEvent("late"))

	assert.Equal(t, "late", receive(t, ch).(HistoryAppended).Entry.ID)
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(t.Context())
	b.Unsubscribe(subID)
	b.Unsubscribe(subID)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())

	// Publishing after unsubscribe must not panic
	b.Publish(historyEvent("c1"))
}

func TestBroadcaster_ContextCancellationUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := b.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
}

func TestBroadcaster_CloseClosesAllAndRejectsNew(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(t.Context())
	b.Close()

	_, ok := <-ch1
	assert.False(t, ok)

	ch2, _ := b.Subscribe(t.Context())
	_, ok = <-ch2
	assert.False(t, ok)
}

func TestNewAgentsChanged_CopiesAgents(t *testing.T) {
	snap := store.NewSnapshot()
	snap.Agents["a1"] = &store.Agent{ID: "a1", Hostname: "alpha"}

	ev := NewAgentsChanged(snap)
	snap.Agents["a1"].Hostname = "changed"

	assert.Equal(t, "alpha", ev.Agents["a1"].Hostname)
}
