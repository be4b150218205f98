// Package health tracks per-connection probe outcomes: round-trip latency,
// heartbeat freshness, and the consecutive-failure count that drives the
// degraded status transition.
package health

import "time"

// Config holds probe cadence and thresholds.
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	DegradedThreshold int           `yaml:"degraded_threshold"`
}

// DefaultConfig returns sensible defaults. The degraded threshold should
// stay below the breaker's failure threshold so a connection degrades
// before its breaker trips.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		ProbeTimeout:      3 * time.Second,
		DegradedThreshold: 2,
	}
}

// Tracker records probe outcomes for one connection. Owned and mutated
// solely by the manager's control loop.
type Tracker struct {
	degradedThreshold int

	latency             time.Duration
	lastHeartbeatAt     time.Time
	consecutiveFailures int
}

// NewTracker creates a tracker with the given degraded threshold.
func NewTracker(degradedThreshold int) *Tracker {
	return &Tracker{degradedThreshold: degradedThreshold}
}

// RecordSuccess notes a successful probe or request round trip.
func (t *Tracker) RecordSuccess(now time.Time, rtt time.Duration) {
	t.latency = rtt
	t.lastHeartbeatAt = now
	t.consecutiveFailures = 0
}

// RecordFailure notes a failed probe and returns the new consecutive
// failure count.
func (t *Tracker) RecordFailure() int {
	t.consecutiveFailures++
	return t.consecutiveFailures
}

// Degraded reports whether the consecutive failure count has reached the
// degraded threshold.
func (t *Tracker) Degraded() bool {
	return t.degradedThreshold > 0 && t.consecutiveFailures >= t.degradedThreshold
}

// Reset clears failure history after a fresh connect.
func (t *Tracker) Reset() {
	t.consecutiveFailures = 0
	t.latency = 0
}

// ConsecutiveFailures returns the current consecutive failure count.
func (t *Tracker) ConsecutiveFailures() int { return t.consecutiveFailures }

// Latency returns the most recent round-trip latency.
func (t *Tracker) Latency() time.Duration { return t.latency }

// LastHeartbeatAt returns the time of the last successful probe.
func (t *Tracker) LastHeartbeatAt() time.Time { return t.lastHeartbeatAt }
