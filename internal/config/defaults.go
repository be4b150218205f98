package config

import (
	"time"

	"github.com/gitmemory/conncore/internal/connection"
)

// Default values for optional configuration fields.
const (
	DefaultWorkers            = 1
	DefaultCatalogSource      = SourceFile
	DefaultCatalogPath        = "configs/endpoints.yaml"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultDBMaxConns         = 10
	DefaultDBMinConns         = 2
	DefaultWSHandshakeTimeout = 10 * time.Second
	DefaultWSPingTimeout      = 60 * time.Second
	DefaultWSWriteTimeout     = 5 * time.Second
	DefaultWSBufferSize       = 1000
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
)

func (c *Config) applyDefaults() {
	// Manager defaults
	def := connection.DefaultConfig()
	if c.Manager.MaxConnections == 0 {
		c.Manager.MaxConnections = def.MaxConnections
	}
	if c.Manager.ConnectTimeout == 0 {
		c.Manager.ConnectTimeout = def.ConnectTimeout
	}
	if c.Manager.RequestTimeout == 0 {
		c.Manager.RequestTimeout = def.RequestTimeout
	}
	if c.Manager.Strategy == "" {
		c.Manager.Strategy = def.Strategy
	}
	if c.Manager.Health.HeartbeatInterval == 0 {
		c.Manager.Health.HeartbeatInterval = def.Health.HeartbeatInterval
	}
	if c.Manager.Health.ProbeTimeout == 0 {
		c.Manager.Health.ProbeTimeout = def.Health.ProbeTimeout
	}
	if c.Manager.Health.DegradedThreshold == 0 {
		c.Manager.Health.DegradedThreshold = def.Health.DegradedThreshold
	}
	if c.Manager.Reconnect.InitialDelay == 0 {
		c.Manager.Reconnect.InitialDelay = def.Reconnect.InitialDelay
	}
	if c.Manager.Reconnect.Multiplier == 0 {
		c.Manager.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	if c.Manager.Reconnect.MaxDelay == 0 {
		c.Manager.Reconnect.MaxDelay = def.Reconnect.MaxDelay
	}
	if c.Manager.Reconnect.MaxAttempts == 0 {
		c.Manager.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if c.Manager.Breaker.FailureThreshold == 0 {
		c.Manager.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if c.Manager.Breaker.ResetTimeout == 0 {
		c.Manager.Breaker.ResetTimeout = def.Breaker.ResetTimeout
	}
	if c.Manager.EventBufferSize == 0 {
		c.Manager.EventBufferSize = def.EventBufferSize
	}

	// Cluster defaults
	if c.Cluster.Workers == 0 {
		c.Cluster.Workers = DefaultWorkers
	}

	// Catalog defaults
	if c.Catalog.Source == "" {
		c.Catalog.Source = DefaultCatalogSource
	}
	if c.Catalog.Source == SourceFile && c.Catalog.Path == "" {
		c.Catalog.Path = DefaultCatalogPath
	}
	if c.Catalog.Source == SourcePostgres {
		applyDBDefaults(&c.Catalog.Postgres)
	}

	// WebSocket defaults
	if c.WebSocket.HandshakeTimeout == 0 {
		c.WebSocket.HandshakeTimeout = DefaultWSHandshakeTimeout
	}
	if c.WebSocket.PingTimeout == 0 {
		c.WebSocket.PingTimeout = DefaultWSPingTimeout
	}
	if c.WebSocket.WriteTimeout == 0 {
		c.WebSocket.WriteTimeout = DefaultWSWriteTimeout
	}
	if c.WebSocket.BufferSize == 0 {
		c.WebSocket.BufferSize = DefaultWSBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultDBMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultDBMinConns
	}
}
