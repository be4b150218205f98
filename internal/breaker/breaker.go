// Package breaker implements the per-connection circuit breaker.
//
// The breaker is a plain state machine with no goroutines or locks of its
// own; the connection manager's control loop owns every instance and drives
// it with observed request outcomes.
package breaker

import "time"

// State is the breaker position.
type State int

const (
	// Closed passes traffic and counts failures.
	Closed State = iota
	// Open fails every call fast until the reset window elapses.
	Open
	// HalfOpen lets exactly one trial call through.
	HalfOpen
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Policy holds breaker thresholds.
type Policy struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker tracks failures for one connection and decides whether calls
// may reach its transport.
type Breaker struct {
	policy Policy

	state         State
	failureCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	trialInFlight bool
}

// New creates a closed breaker with the given policy.
func New(policy Policy) *Breaker {
	return &Breaker{policy: policy}
}

// Allow reports whether a call may proceed at now. An open breaker whose
// reset window has elapsed moves to half-open and admits the caller as the
// single trial; further calls are refused until the trial resolves.
func (b *Breaker) Allow(now time.Time) bool {
	switch b.state {
	case Closed:
		return true

	case Open:
		if now.Sub(b.openedAt) < b.policy.ResetTimeout {
			return false
		}
		b.state = HalfOpen
		b.trialInFlight = true
		return true

	case HalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}

	return false
}

// CanPass reports whether a call could proceed at now, without mutating
// state: closed, open past its reset window, or half-open with no trial in
// flight. The load balancer uses it to filter candidates before Allow
// commits the half-open trial.
func (b *Breaker) CanPass(now time.Time) bool {
	switch b.state {
	case Closed:
		return true
	case Open:
		return now.Sub(b.openedAt) >= b.policy.ResetTimeout
	case HalfOpen:
		return !b.trialInFlight
	}
	return false
}

// RecordSuccess notes a successful call. A half-open trial success closes
// the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.state = Closed
		b.failureCount = 0
		b.trialInFlight = false
	}
}

// RecordFailure notes a failed call at now. Crossing the failure threshold
// opens the breaker; a half-open trial failure re-opens it with a fresh
// reset window.
func (b *Breaker) RecordFailure(now time.Time) {
	b.lastFailureAt = now

	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.policy.FailureThreshold {
			b.state = Open
			b.openedAt = now
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = now
		b.trialInFlight = false
	}
}

// State returns the current breaker position without side effects.
func (b *Breaker) State() State { return b.state }

// FailureCount returns the accumulated failure count.
func (b *Breaker) FailureCount() int { return b.failureCount }

// LastFailureAt returns the time of the most recent recorded failure.
func (b *Breaker) LastFailureAt() time.Time { return b.lastFailureAt }

// OpenedAt returns the time the breaker last opened.
func (b *Breaker) OpenedAt() time.Time { return b.openedAt }
