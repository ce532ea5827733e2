// ABOUTME: Tests for the NATS event bridge
// ABOUTME: Uses a fake publisher to check subjects, payloads and frame filtering

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-hub/internal/fanout"
	"github.com/2389/coven-hub/internal/store"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) all() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func historyEvent(id string) fanout.Event {
	return fanout.HistoryAppended{Entry: store.HistoryEntry{
		ID:        id,
		AgentID:   "a1",
		Command:   "ls",
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Status:    store.StatusPending,
	}}
}

func TestForward_SubjectAndPayload(t *testing.T) {
	pub := &fakePublisher{}
	b := New(pub, Config{SubjectPrefix: "coven.hub"}, nil)

	require.NoError(t, b.Forward(historyEvent("cmd-1")))

	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "coven.hub.history_appended", msgs[0].subject)

	var decoded struct {
		Type string `json:"type"`
		Data struct {
			Entry store.HistoryEntry `json:"entry"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].data, &decoded))
	assert.Equal(t, "history_appended", decoded.Type)
	assert.Equal(t, "cmd-1", decoded.Data.Entry.ID)
}

func TestForward_FramesAreOptIn(t *testing.T) {
	frame := fanout.ScreenFrame{AgentID: "a1", Image: "aGk="}

	pub := &fakePublisher{}
	require.NoError(t, New(pub, Config{SubjectPrefix: "p"}, nil).Forward(frame))
	assert.Empty(t, pub.all())

	pub = &fakePublisher{}
	require.NoError(t, New(pub, Config{SubjectPrefix: "p", IncludeFrames: true}, nil).Forward(frame))
	msgs := pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "p.screen_frame", msgs[0].subject)
}

func TestSubject_NoPrefix(t *testing.T) {
	b := New(&fakePublisher{}, Config{}, nil)
	assert.Equal(t, "agents_changed", b.Subject(fanout.KindAgentsChanged))
}

func TestForward_PublishErrorCounted(t *testing.T) {
	boom := errors.New("nats down")
	b := New(&fakePublisher{err: boom}, Config{SubjectPrefix: "p"}, nil)

	err := b.Forward(historyEvent("cmd-1"))
	assert.ErrorIs(t, err, boom)

	published, failed := b.Stats()
	assert.Equal(t, int64(0), published)
	assert.Equal(t, int64(1), failed)
}

func TestRun_ForwardsInOrderUntilClosed(t *testing.T) {
	pub := &fakePublisher{}
	b := New(pub, Config{SubjectPrefix: "p"}, nil)

	events := make(chan fanout.Event, 3)
	events <- historyEvent("one")
	events <- historyEvent("two")
	events <- fanout.AgentsChanged{Agents: map[string]*store.Agent{}}
	close(events)

	b.Run(t.Context(), events)

	msgs := pub.all()
	require.Len(t, msgs, 3)
	assert.Equal(t, "p.history_appended", msgs[0].subject)
	assert.Contains(t, string(msgs[0].data), `"one"`)
	assert.Contains(t, string(msgs[1].data), `"two"`)
	assert.Equal(t, "p.agents_changed", msgs[2].subject)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	b := New(&fakePublisher{}, Config{}, nil)
	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan struct{})
	go func() {
		b.Run(ctx, make(chan fanout.Event))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClose_WithoutConnection(t *testing.T) {
	assert.NoError(t, New(&fakePublisher{}, Config{}, nil).Close())
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(Config{URL: "nats://127.0.0.1:1", Name: "test"}, nil)
	assert.Error(t, err)
}
