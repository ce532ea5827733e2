// ABOUTME: Sender abstraction for delivering outbound messages by connection ID
// ABOUTME: Recorder captures deliveries in memory and can simulate dead connections

package protocol

import (
	"errors"
	"sync"
)

// ErrNoConnection is returned by a Sender when the connection ID is not live.
var ErrNoConnection = errors.New("no such connection")

// Sender delivers an outbound message to the connection with the given ID.
// Implementations must not block.
type Sender interface {
	Send(connID string, msg Outbound) error
}

// Sent is one message captured by a Recorder.
type Sent struct {
	ConnID string
	Msg    Outbound
}

// Recorder is a Sender that captures deliveries in memory. Used by tests
// and by tools that run the hub without a transport.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	down map[string]bool
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{down: make(map[string]bool)}
}

// Send records msg, or returns ErrNoConnection for connections marked down.
func (r *Recorder) Send(connID string, msg Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down[connID] {
		return ErrNoConnection
	}
	r.sent = append(r.sent, Sent{ConnID: connID, Msg: msg})
	return nil
}

// MarkDown makes subsequent sends to connID fail.
func (r *Recorder) MarkDown(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down[connID] = true
}

// Sent returns a copy of every recorded delivery.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// OfType returns recorded deliveries whose message type is msgType.
func (r *Recorder) OfType(msgType string) []Sent {
	var out []Sent
	for _, s := range r.Sent() {
		if s.Msg.MessageType() == msgType {
			out = append(out, s)
		}
	}
	return out
}
