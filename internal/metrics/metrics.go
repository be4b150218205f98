// Package metrics provides request counters and point-in-time snapshots of
// connection state, exposed by the manager and aggregated by the cluster
// coordinator.
package metrics

import "sync/atomic"

// Counters accumulate request totals. Safe for concurrent use; callers on
// any goroutine may bump them while the manager loop reads snapshots.
type Counters struct {
	requests atomic.Int64
	errors   atomic.Int64
}

// Request counts one outbound request.
func (c *Counters) Request() { c.requests.Add(1) }

// Error counts one failed request.
func (c *Counters) Error() { c.errors.Add(1) }

// Requests returns the running request total.
func (c *Counters) Requests() int64 { return c.requests.Load() }

// Errors returns the running error total.
func (c *Counters) Errors() int64 { return c.errors.Load() }

// Snapshot is a point-in-time view of one manager (or, merged, a cluster).
type Snapshot struct {
	TotalConnections int               `json:"total_connections"`
	ByStatus         map[string]int    `json:"by_status"`
	TotalRequests    int64             `json:"total_requests"`
	TotalErrors      int64             `json:"total_errors"`
	PendingRequests  int               `json:"pending_requests"`
	LatencyMs        map[string]int64  `json:"latency_ms"`
	BreakerStates    map[string]string `json:"breaker_states"`
}

// NewSnapshot returns a snapshot with allocated maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		ByStatus:      make(map[string]int),
		LatencyMs:     make(map[string]int64),
		BreakerStates: make(map[string]string),
	}
}

// Merge combines per-worker snapshots into a cluster-wide view.
func Merge(parts ...Snapshot) Snapshot {
	out := NewSnapshot()
	for _, p := range parts {
		out.TotalConnections += p.TotalConnections
		out.TotalRequests += p.TotalRequests
		out.TotalErrors += p.TotalErrors
		out.PendingRequests += p.PendingRequests
		for status, n := range p.ByStatus {
			out.ByStatus[status] += n
		}
		for id, ms := range p.LatencyMs {
			out.LatencyMs[id] = ms
		}
		for id, state := range p.BreakerStates {
			out.BreakerStates[id] = state
		}
	}
	return out
}
