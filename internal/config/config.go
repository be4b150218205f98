// Package config loads and validates the connd configuration file.
package config

import (
	"time"

	"github.com/gitmemory/conncore/internal/connection"
)

// Config is the root configuration for a connd instance.
type Config struct {
	Instance  InstanceConfig    `yaml:"instance"`
	Manager   connection.Config `yaml:"manager"`
	Cluster   ClusterConfig     `yaml:"cluster"`
	Catalog   CatalogConfig     `yaml:"catalog"`
	WebSocket WSConfig          `yaml:"websocket"`
	Metrics   MetricsConfig     `yaml:"metrics"`
}

// InstanceConfig identifies this instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ClusterConfig sizes the worker pool connections are partitioned over.
type ClusterConfig struct {
	Workers int `yaml:"workers"`
}

// CatalogConfig selects where endpoint descriptors come from.
type CatalogConfig struct {
	Source   string   `yaml:"source"` // "file" or "postgres"
	Path     string   `yaml:"path"`   // file source
	Postgres DBConfig `yaml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WSConfig holds WebSocket transport settings.
type WSConfig struct {
	AuthToken        string        `yaml:"auth_token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	BufferSize       int           `yaml:"buffer_size"`
}

// MetricsConfig holds the HTTP status endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// Catalog sources.
const (
	SourceFile     = "file"
	SourcePostgres = "postgres"
)
