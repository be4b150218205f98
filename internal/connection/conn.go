package connection

import (
	"encoding/json"
	"time"

	"github.com/gitmemory/conncore/internal/breaker"
	"github.com/gitmemory/conncore/internal/correlate"
	"github.com/gitmemory/conncore/internal/health"
	"github.com/gitmemory/conncore/internal/metrics"
	"github.com/gitmemory/conncore/internal/transport"
)

// conn is the state record for one managed connection. It is owned by the
// manager's control loop; nothing outside the loop touches it.
type conn struct {
	desc transport.Descriptor
	tr   transport.Transport

	status            Status
	breaker           *breaker.Breaker
	health            *health.Tracker
	reconnectAttempts int

	// gen guards against stale async events: every connect attempt and
	// removal bumps it, and events carrying an older gen are dropped.
	gen int

	heartbeatTimer *time.Timer
	reconnectTimer *time.Timer
}

// stopTimers cancels the connection's scheduled work.
func (c *conn) stopTimers() {
	if c.heartbeatTimer != nil {
		c.heartbeatTimer.Stop()
		c.heartbeatTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// selectable reports whether the load balancer may offer this connection.
func (c *conn) selectable(now time.Time) bool {
	return c.status == StatusConnected && c.breaker.CanPass(now)
}

// Commands posted to the control loop by the public API.

type command interface{ isCommand() }

type cmdAdd struct {
	desc  transport.Descriptor
	reply chan error
}

type cmdRemove struct {
	id    string
	reply chan error
}

type sendResult struct {
	pending *correlate.Pending
	err     error
}

type cmdSend struct {
	method string
	params json.RawMessage
	opts   RequestOptions
	reply  chan sendResult
}

type cmdMetrics struct {
	reply chan metrics.Snapshot
}

type cmdHealth struct {
	reply chan HealthReport
}

func (cmdAdd) isCommand()     {}
func (cmdRemove) isCommand()  {}
func (cmdSend) isCommand()    {}
func (cmdMetrics) isCommand() {}
func (cmdHealth) isCommand()  {}

// Events posted to the control loop by async work (transport goroutines
// and timers).

type event interface{ isEvent() }

type evConnectResult struct {
	id  string
	gen int
	tr  transport.Transport
	err error
}

type evTransportError struct {
	id  string
	gen int
	err error
}

type evInbound struct {
	id  string
	gen int
	msg transport.Message
}

type evSendFailed struct {
	id     string
	gen    int
	corrID string
	err    error
}

type evDeadline struct {
	corrID string
}

type evHeartbeat struct {
	id  string
	gen int
}

type evReconnect struct {
	id  string
	gen int
}

func (evConnectResult) isEvent()  {}
func (evTransportError) isEvent() {}
func (evInbound) isEvent()        {}
func (evSendFailed) isEvent()     {}
func (evDeadline) isEvent()       {}
func (evHeartbeat) isEvent()      {}
func (evReconnect) isEvent()      {}
