package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gitmemory/conncore/internal/catalog"
	"github.com/gitmemory/conncore/internal/cluster"
	"github.com/gitmemory/conncore/internal/config"
	"github.com/gitmemory/conncore/internal/transport"
	"github.com/gitmemory/conncore/internal/transport/ws"
	"github.com/gitmemory/conncore/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/connd.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting connd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"workers", cfg.Cluster.Workers,
		"catalog_source", cfg.Catalog.Source,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load the endpoint catalog
	source, cleanup, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open catalog", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	descs, err := source.Descriptors(ctx)
	if err != nil {
		logger.Error("failed to load endpoint catalog", "error", err)
		os.Exit(1)
	}
	logger.Info("endpoint catalog loaded", "endpoints", len(descs))

	// Register transports
	registry := transport.NewRegistry()
	registry.Register("websocket", ws.Factory(ws.Config{
		AuthToken:        cfg.WebSocket.AuthToken,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		PingTimeout:      cfg.WebSocket.PingTimeout,
		WriteTimeout:     cfg.WebSocket.WriteTimeout,
		BufferSize:       cfg.WebSocket.BufferSize,
	}, logger))

	// Start the coordinator and register every endpoint
	coord, err := cluster.NewCoordinator(cfg.Cluster.Workers, cfg.Manager, registry, logger)
	if err != nil {
		logger.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}
	if err := coord.Start(ctx); err != nil {
		logger.Error("failed to start coordinator", "error", err)
		os.Exit(1)
	}

	for _, d := range descs {
		if err := coord.AddConnection(ctx, d); err != nil {
			logger.Error("failed to register endpoint", "conn_id", d.ID, "error", err)
		}
	}

	// Status HTTP server
	statusServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createStatusHandler(coord, cfg.Metrics.Path),
	}

	go func() {
		logger.Info("starting status server", "port", cfg.Metrics.Port)
		if err := statusServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
		}
	}()

	logger.Info("connd running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	statusServer.Shutdown(shutdownCtx)
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("coordinator shutdown error", "error", err)
	}

	logger.Info("connd stopped")
}

// openCatalog builds the configured catalog source and its cleanup.
func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (catalog.Source, func(), error) {
	switch cfg.Catalog.Source {
	case config.SourceFile:
		return catalog.FileSource{Path: cfg.Catalog.Path}, func() {}, nil

	case config.SourcePostgres:
		logger.Info("connecting to catalog database",
			"host", cfg.Catalog.Postgres.Host,
			"port", cfg.Catalog.Postgres.Port,
			"database", cfg.Catalog.Postgres.Name,
		)
		src, err := catalog.NewPostgresSource(ctx, cfg.Catalog.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return src, src.Close, nil
	}

	return nil, nil, fmt.Errorf("unknown catalog source %q", cfg.Catalog.Source)
}

// createStatusHandler serves the health and metrics views.
func createStatusHandler(coord *cluster.Coordinator, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		rep, err := coord.Health(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if !rep.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(rep)
	})

	mux.HandleFunc(metricsPath, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		snap, err := coord.Metrics(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})

	return mux
}
