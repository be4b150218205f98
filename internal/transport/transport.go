// Package transport defines the abstract wire capability the connection
// core is built on. A Transport moves opaque byte frames to and from one
// remote endpoint; the policy layer above it never sees protocol details.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrUnknownProtocol = errors.New("unknown protocol kind")
)

// Descriptor identifies one remote endpoint to manage. Weight biases the
// weighted load-balancing strategy; zero means default weight.
type Descriptor struct {
	ID           string `yaml:"id" json:"id"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	ProtocolKind string `yaml:"protocol" json:"protocol"`
	Weight       int    `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// Message wraps raw inbound frame data with a receive timestamp.
type Message struct {
	Data       []byte    // Raw frame bytes from the wire
	ReceivedAt time.Time // Local timestamp when the frame was read
}

// Transport is a single logical link to one remote endpoint.
//
// Implementations are supplied per protocol kind; the core only relies on
// this contract. Messages and Errors must stay readable after Close so
// in-flight readers drain cleanly.
type Transport interface {
	// Connect establishes the link.
	Connect(ctx context.Context) error

	// Close tears the link down. Idempotent.
	Close() error

	// Send writes raw bytes to the link.
	Send(data []byte) error

	// Messages returns the channel of inbound frames.
	Messages() <-chan Message

	// Errors returns the channel of link errors.
	Errors() <-chan error

	// IsConnected reports the current link state.
	IsConnected() bool
}

// Factory creates a Transport for a descriptor.
type Factory func(d Descriptor) (Transport, error)

// Registry maps protocol kinds to transport factories. Callers register
// one factory per kind before handing the registry to the manager.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory for a protocol kind, replacing any previous
// registration for the same kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// New creates a transport for the descriptor's protocol kind.
func (r *Registry) New(d Descriptor) (Transport, error) {
	r.mu.RLock()
	f, ok := r.factories[d.ProtocolKind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, d.ProtocolKind)
	}
	return f(d)
}

// Has reports whether a factory is registered for the protocol kind.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[kind]
	return ok
}

// Kinds returns the registered protocol kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
