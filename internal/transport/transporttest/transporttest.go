// Package transporttest provides scripted in-memory transports for testing
// the connection core without real sockets.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gitmemory/conncore/internal/correlate"
	"github.com/gitmemory/conncore/internal/transport"
)

// Transport is a scripted transport.Transport. By default Connect succeeds
// and Send only records the frame; behavior is adjusted with SetConnectErr
// and SetOnSend (or Echo).
type Transport struct {
	mu        sync.Mutex
	connected bool
	closed    bool

	connectErr   func(attempt int) error
	onSend       func(data []byte)
	sent         [][]byte
	connectTimes []time.Time

	messages chan transport.Message
	errors   chan error
}

// New creates a scripted transport.
func New() *Transport {
	return &Transport{
		messages: make(chan transport.Message, 64),
		errors:   make(chan error, 4),
	}
}

// SetConnectErr installs a hook deciding the outcome of each Connect call.
// attempt is 1-indexed across the transport's lifetime.
func (t *Transport) SetConnectErr(f func(attempt int) error) {
	t.mu.Lock()
	t.connectErr = f
	t.mu.Unlock()
}

// SetOnSend installs a hook invoked synchronously for every sent frame.
func (t *Transport) SetOnSend(f func(data []byte)) {
	t.mu.Lock()
	t.onSend = f
	t.mu.Unlock()
}

// Echo makes the transport answer every request frame with a matching
// result carrying the request params, and every ping with a pong.
func (t *Transport) Echo() {
	t.SetOnSend(func(data []byte) {
		var req correlate.Request
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
			return
		}

		resp := correlate.Response{ID: req.ID, Type: correlate.TypeResult, Msg: req.Params}
		if req.Method == correlate.MethodPing {
			resp.Type = correlate.TypePong
			resp.Msg = nil
		}

		out, _ := json.Marshal(resp)
		t.Deliver(out)
	})
}

// Deliver injects an inbound frame.
func (t *Transport) Deliver(data []byte) {
	t.messages <- transport.Message{Data: data, ReceivedAt: time.Now()}
}

// FailLink injects a link error, as a dropped connection would.
func (t *Transport) FailLink(err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.errors <- err
}

// Sent returns a copy of all frames sent so far.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	copy(out, t.sent)
	return out
}

// ConnectTimes returns the timestamps of all Connect calls.
func (t *Transport) ConnectTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]time.Time, len(t.connectTimes))
	copy(out, t.connectTimes)
	return out
}

// Connect records the attempt and succeeds unless a connect hook refuses.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrAlreadyClosed
	}
	t.connectTimes = append(t.connectTimes, time.Now())
	attempt := len(t.connectTimes)
	hook := t.connectErr
	t.mu.Unlock()

	if hook != nil {
		if err := hook(attempt); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Close tears the link down. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.connected = false
	return nil
}

// Send records the frame and runs the send hook.
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return transport.ErrNotConnected
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.sent = append(t.sent, cp)
	hook := t.onSend
	t.mu.Unlock()

	if hook != nil {
		hook(data)
	}
	return nil
}

// Messages returns the inbound frame channel.
func (t *Transport) Messages() <-chan transport.Message { return t.messages }

// Errors returns the link error channel.
func (t *Transport) Errors() <-chan error { return t.errors }

// IsConnected reports the current link state.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Hub creates scripted transports on demand and remembers every instance
// by descriptor id, so tests can reach the transports a manager created
// through its factory, including fresh instances made on reconnect.
type Hub struct {
	mu        sync.Mutex
	configure func(d transport.Descriptor, t *Transport)
	instances map[string][]*Transport
}

// NewHub creates a hub. configure, if non-nil, scripts each new transport
// before the manager sees it.
func NewHub(configure func(d transport.Descriptor, t *Transport)) *Hub {
	return &Hub{
		configure: configure,
		instances: make(map[string][]*Transport),
	}
}

// Factory returns a transport.Factory backed by the hub.
func (h *Hub) Factory() transport.Factory {
	return func(d transport.Descriptor) (transport.Transport, error) {
		t := New()
		if h.configure != nil {
			h.configure(d, t)
		}
		h.mu.Lock()
		h.instances[d.ID] = append(h.instances[d.ID], t)
		h.mu.Unlock()
		return t, nil
	}
}

// Latest returns the most recently created transport for an id, or nil.
func (h *Hub) Latest(id string) *Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.instances[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Instances returns all transports created for an id.
func (h *Hub) Instances(id string) []*Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Transport, len(h.instances[id]))
	copy(out, h.instances[id])
	return out
}

// ConnectTimes returns connect timestamps across all instances for an id,
// in creation order.
func (h *Hub) ConnectTimes(id string) []time.Time {
	var out []time.Time
	for _, t := range h.Instances(id) {
		out = append(out, t.ConnectTimes()...)
	}
	return out
}
