// Package cluster partitions a large connection set across independent
// connection managers ("workers") and aggregates their status.
//
// Placement is static: a connection lives on worker FNV-1a(id) mod N, so
// callers and the coordinator always agree on ownership. Workers share no
// mutable state; the coordinator talks to each through its manager's
// command API and merges the replies.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gitmemory/conncore/internal/connection"
	"github.com/gitmemory/conncore/internal/metrics"
	"github.com/gitmemory/conncore/internal/transport"
)

// Coordinator owns N workers and routes the public API across them.
type Coordinator struct {
	mgrCfg   connection.Config
	registry *transport.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	members []*connection.Manager
	owned   []map[string]transport.Descriptor

	next     atomic.Uint64
	shutdown atomic.Bool
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewCoordinator validates the manager config and creates a coordinator
// for the given worker count.
func NewCoordinator(workers int, mgrCfg connection.Config, registry *transport.Registry, logger *slog.Logger) (*Coordinator, error) {
	if workers < 1 {
		return nil, fmt.Errorf("%w: workers must be >= 1, got %d", connection.ErrInvalidConfig, workers)
	}
	if err := mgrCfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		mgrCfg:   mgrCfg,
		registry: registry,
		logger:   logger,
		members:  make([]*connection.Manager, workers),
		owned:    make([]map[string]transport.Descriptor, workers),
	}
	for i := range c.owned {
		c.owned[i] = make(map[string]transport.Descriptor)
	}
	return c, nil
}

// Start spawns the workers and their supervisors.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.group, _ = errgroup.WithContext(c.ctx)

	for i := range c.members {
		mgr, err := c.spawn(i)
		if err != nil {
			return err
		}
		c.members[i] = mgr

		idx := i
		c.group.Go(func() error {
			c.supervise(idx)
			return nil
		})
	}

	c.logger.Info("cluster coordinator started", "workers", len(c.members))
	return nil
}

// Shutdown stops every worker and waits for the supervisors. Idempotent.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.shutdown.Store(true)

		c.mu.RLock()
		members := make([]*connection.Manager, len(c.members))
		copy(members, c.members)
		c.mu.RUnlock()

		for _, mgr := range members {
			if mgr == nil {
				continue
			}
			if serr := mgr.Shutdown(ctx); serr != nil && err == nil {
				err = serr
			}
		}

		c.cancel()
		c.group.Wait()
		c.logger.Info("cluster coordinator stopped")
	})
	return err
}

// AddConnection registers the descriptor on its owning worker.
func (c *Coordinator) AddConnection(ctx context.Context, desc transport.Descriptor) error {
	i := c.workerFor(desc.ID)
	if err := c.worker(i).AddConnection(ctx, desc); err != nil {
		return err
	}

	c.mu.Lock()
	c.owned[i][desc.ID] = desc
	c.mu.Unlock()
	return nil
}

// RemoveConnection removes the connection from its owning worker.
func (c *Coordinator) RemoveConnection(ctx context.Context, id string) error {
	i := c.workerFor(id)
	if err := c.worker(i).RemoveConnection(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.owned[i], id)
	c.mu.Unlock()
	return nil
}

// SendRequest routes to the target's owner, or walks the workers
// round-robin until one has a healthy connection.
func (c *Coordinator) SendRequest(ctx context.Context, method string, params any, opts connection.RequestOptions) (json.RawMessage, error) {
	if opts.TargetID != "" {
		return c.worker(c.workerFor(opts.TargetID)).SendRequest(ctx, method, params, opts)
	}

	n := len(c.members)
	start := int(c.next.Add(1)) % n
	for off := 0; off < n; off++ {
		res, err := c.worker((start + off) % n).SendRequest(ctx, method, params, opts)
		if errors.Is(err, connection.ErrNoHealthyConnection) {
			continue
		}
		return res, err
	}
	return nil, connection.ErrNoHealthyConnection
}

// Metrics merges every worker's snapshot into a cluster-wide view.
func (c *Coordinator) Metrics(ctx context.Context) (metrics.Snapshot, error) {
	parts := make([]metrics.Snapshot, 0, len(c.members))
	for i := range c.members {
		snap, err := c.worker(i).Metrics(ctx)
		if err != nil {
			return metrics.Snapshot{}, fmt.Errorf("worker %d: %w", i, err)
		}
		parts = append(parts, snap)
	}
	return metrics.Merge(parts...), nil
}

// Health merges every worker's health report.
func (c *Coordinator) Health(ctx context.Context) (connection.HealthReport, error) {
	rep := connection.HealthReport{
		Connections: make(map[string]connection.ConnectionHealth),
	}

	connected := 0
	for i := range c.members {
		part, err := c.worker(i).Health(ctx)
		if err != nil {
			return connection.HealthReport{}, fmt.Errorf("worker %d: %w", i, err)
		}
		for id, h := range part.Connections {
			rep.Connections[id] = h
			if h.Status == connection.StatusConnected {
				connected++
			}
		}
	}

	rep.OK = len(rep.Connections) == 0 || connected > 0
	return rep, nil
}

// workerFor returns the owning worker index for a connection id.
func (c *Coordinator) workerFor(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(len(c.members)))
}

// worker returns the current manager for a worker slot.
func (c *Coordinator) worker(i int) *connection.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.members[i]
}

// spawn creates and starts a fresh manager for a worker slot.
func (c *Coordinator) spawn(i int) (*connection.Manager, error) {
	mgr, err := connection.NewManager(c.mgrCfg, c.registry, c.logger.With("worker", i))
	if err != nil {
		return nil, err
	}
	mgr.Start(c.ctx)
	return mgr, nil
}

// supervise watches one worker slot and respawns its manager if it exits
// outside of coordinator shutdown. Respawned connections start over at
// disconnected and re-enter the normal reconnect flow.
func (c *Coordinator) supervise(i int) {
	for {
		mgr := c.worker(i)

		select {
		case <-c.ctx.Done():
			return
		case <-mgr.Done():
		}

		if c.shutdown.Load() || c.ctx.Err() != nil {
			return
		}

		c.logger.Warn("worker died, respawning", "worker", i)

		fresh, err := c.spawn(i)
		if err != nil {
			c.logger.Error("worker respawn failed", "worker", i, "error", err)
			return
		}

		c.mu.Lock()
		c.members[i] = fresh
		descs := make([]transport.Descriptor, 0, len(c.owned[i]))
		for _, d := range c.owned[i] {
			descs = append(descs, d)
		}
		c.mu.Unlock()

		for _, d := range descs {
			if err := fresh.AddConnection(c.ctx, d); err != nil {
				c.logger.Error("re-register connection failed",
					"worker", i,
					"conn_id", d.ID,
					"error", err,
				)
			}
		}
	}
}
