package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/gitmemory/conncore/internal/balance"
	"github.com/gitmemory/conncore/internal/breaker"
	"github.com/gitmemory/conncore/internal/health"
	"github.com/gitmemory/conncore/internal/reconnect"
)

// Errors
var (
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrNotFound            = errors.New("connection not found")
	ErrTooManyConnections  = errors.New("connection limit reached")
	ErrNoHealthyConnection = errors.New("no healthy connection available")
	ErrCircuitOpen         = errors.New("circuit breaker open")
	ErrTimeout             = errors.New("request timeout")
	ErrConnectionRemoved   = errors.New("connection removed")
	ErrShutdown            = errors.New("manager shut down")
	ErrNotStarted          = errors.New("manager not started")
)

// RemoteError is an application-level error response from the remote
// endpoint. The round trip itself succeeded, so it does not feed the
// circuit breaker.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// Status is the lifecycle state of one managed connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDegraded     Status = "degraded"
	StatusFailed       Status = "failed"
)

// Config configures a Manager.
type Config struct {
	MaxConnections  int              `yaml:"max_connections"`
	ConnectTimeout  time.Duration    `yaml:"connect_timeout"`
	RequestTimeout  time.Duration    `yaml:"request_timeout"`
	Strategy        balance.Kind     `yaml:"strategy"`
	Health          health.Config    `yaml:"health"`
	Reconnect       reconnect.Policy `yaml:"reconnect"`
	Breaker         breaker.Policy   `yaml:"breaker"`
	EventBufferSize int              `yaml:"event_buffer_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:  256,
		ConnectTimeout:  10 * time.Second,
		RequestTimeout:  30 * time.Second,
		Strategy:        balance.RoundRobin,
		Health:          health.DefaultConfig(),
		Reconnect:       reconnect.DefaultPolicy(),
		Breaker:         breaker.DefaultPolicy(),
		EventBufferSize: 256,
	}
}

// Validate checks that all values are usable.
func (c Config) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("%w: max_connections must be >= 1, got %d", ErrInvalidConfig, c.MaxConnections)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect_timeout must be positive", ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalidConfig)
	}
	if c.Health.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: health.heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("%w: health.probe_timeout must be positive", ErrInvalidConfig)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("%w: breaker.failure_threshold must be >= 1", ErrInvalidConfig)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("%w: breaker.reset_timeout must be positive", ErrInvalidConfig)
	}
	if c.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("%w: reconnect.initial_delay must be positive", ErrInvalidConfig)
	}
	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("%w: reconnect.multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("%w: reconnect.max_delay must be >= initial_delay", ErrInvalidConfig)
	}
	if _, err := balance.New(c.Strategy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// RequestOptions tune a single SendRequest call.
type RequestOptions struct {
	// Timeout overrides the manager's default request timeout.
	Timeout time.Duration

	// TargetID pins the request to one connection instead of asking the
	// load balancer. The target's circuit breaker still applies.
	TargetID string
}

// ConnectionHealth is the health summary for one connection.
type ConnectionHealth struct {
	Status              Status    `json:"status"`
	Breaker             string    `json:"breaker"`
	LatencyMs           int64     `json:"latency_ms"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ReconnectAttempts   int       `json:"reconnect_attempts"`
}

// HealthReport is the result of a health check over all connections.
type HealthReport struct {
	OK          bool                        `json:"ok"`
	Connections map[string]ConnectionHealth `json:"connections"`
}
