package catalog

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gitmemory/conncore/internal/config"
	"github.com/gitmemory/conncore/internal/transport"
)

// PostgresSource loads descriptors from an endpoints table.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects a pool and verifies it with a ping.
func NewPostgresSource(ctx context.Context, cfg config.DBConfig) (*PostgresSource, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresSource{pool: pool}, nil
}

// Descriptors queries the endpoint list, ordered by id for stable
// placement across restarts.
func (s *PostgresSource) Descriptors(ctx context.Context) ([]transport.Descriptor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, endpoint, protocol, COALESCE(weight, 0) FROM endpoints ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var descs []transport.Descriptor
	for rows.Next() {
		var d transport.Descriptor
		if err := rows.Scan(&d.ID, &d.Endpoint, &d.ProtocolKind, &d.Weight); err != nil {
			return nil, fmt.Errorf("scan endpoint row: %w", err)
		}
		descs = append(descs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read endpoint rows: %w", err)
	}

	if err := validate(descs); err != nil {
		return nil, fmt.Errorf("catalog table: %w", err)
	}
	return descs, nil
}

// Ping verifies the catalog database is reachable.
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg config.DBConfig) string {
	// URL-encode password to handle special characters
	escapedPassword := url.QueryEscape(cfg.Password)

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		escapedPassword,
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}
