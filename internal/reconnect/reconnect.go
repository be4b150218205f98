// Package reconnect defines the backoff policy used when re-establishing
// lost connections.
package reconnect

import "time"

// Policy is an exponential backoff schedule.
type Policy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1 * time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  10,
	}
}

// Delay returns the wait before attempt n (1-indexed):
// min(InitialDelay × Multiplier^(n−1), MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	delay := time.Duration(d)
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Exhausted reports whether attempts has reached the attempt budget.
// A MaxAttempts of 0 or below means unlimited attempts.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
