package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gitmemory/conncore/internal/balance"
	"github.com/gitmemory/conncore/internal/breaker"
	"github.com/gitmemory/conncore/internal/correlate"
	"github.com/gitmemory/conncore/internal/health"
	"github.com/gitmemory/conncore/internal/metrics"
	"github.com/gitmemory/conncore/internal/transport"
)

// Manager maintains a pool of logical connections to remote endpoints,
// keeps them healthy, and routes outbound requests across them.
//
// All connection, breaker, and pending-request state is owned by a single
// control-loop goroutine; the public methods post commands to it and wait
// for replies, so callers never share mutable state with the core.
type Manager struct {
	cfg      Config
	registry *transport.Registry
	logger   *slog.Logger

	counters metrics.Counters

	cmds   chan command
	events chan event
	quit   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool

	// Loop-owned state. Never touched outside the control loop.
	conns        map[string]*conn
	table        *correlate.Table
	strategy     balance.Strategy
	shuttingDown bool
}

// NewManager validates the config and creates a manager. Call Start before
// using the public API.
func NewManager(cfg Config, registry *transport.Registry, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	strategy, err := balance.New(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return &Manager{
		cfg:      cfg,
		registry: registry,
		logger:   logger,
		cmds:     make(chan command),
		events:   make(chan event, cfg.EventBufferSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		conns:    make(map[string]*conn),
		table:    correlate.NewTable(),
		strategy: strategy,
	}, nil
}

// Start launches the control loop. The loop runs until Shutdown is called
// or ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started = true
		go m.loop(ctx)
	})
}

// Done returns a channel closed when the control loop has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Shutdown stops the manager: all timers are canceled, all transports
// closed, and every pending request fails with ErrShutdown. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.started {
		return nil
	}
	m.stopOnce.Do(func() { close(m.quit) })

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddConnection registers a new connection in disconnected state and
// schedules its initial connect attempt.
func (m *Manager) AddConnection(ctx context.Context, desc transport.Descriptor) error {
	if !m.registry.Has(desc.ProtocolKind) {
		return fmt.Errorf("%w: %q", transport.ErrUnknownProtocol, desc.ProtocolKind)
	}

	reply := make(chan error, 1)
	if err := m.post(ctx, cmdAdd{desc: desc, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// RemoveConnection closes the connection's transport, fails its pending
// requests with ErrConnectionRemoved, and deletes the record. Unknown ids
// report ErrNotFound.
func (m *Manager) RemoveConnection(ctx context.Context, id string) error {
	reply := make(chan error, 1)
	if err := m.post(ctx, cmdRemove{id: id, reply: reply}); err != nil {
		return err
	}
	return m.await(ctx, reply)
}

// SendRequest dispatches a request and waits for the matched response.
// With opts.TargetID set it routes directly (still subject to that
// connection's breaker); otherwise the load balancer picks a healthy
// connection.
func (m *Manager) SendRequest(ctx context.Context, method string, params any, opts RequestOptions) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	}

	reply := make(chan sendResult, 1)
	if err := m.post(ctx, cmdSend{method: method, params: raw, opts: opts, reply: reply}); err != nil {
		return nil, err
	}

	var res sendResult
	select {
	case res = <-reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrShutdown
	}
	if res.err != nil {
		return nil, res.err
	}

	return res.pending.Wait(ctx)
}

// Metrics returns a point-in-time snapshot of connection and request
// counts.
func (m *Manager) Metrics(ctx context.Context) (metrics.Snapshot, error) {
	reply := make(chan metrics.Snapshot, 1)
	if err := m.post(ctx, cmdMetrics{reply: reply}); err != nil {
		return metrics.Snapshot{}, err
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return metrics.Snapshot{}, ctx.Err()
	case <-m.done:
		return metrics.Snapshot{}, ErrShutdown
	}
}

// Health returns the per-connection health summary.
func (m *Manager) Health(ctx context.Context) (HealthReport, error) {
	reply := make(chan HealthReport, 1)
	if err := m.post(ctx, cmdHealth{reply: reply}); err != nil {
		return HealthReport{}, err
	}

	select {
	case rep := <-reply:
		return rep, nil
	case <-ctx.Done():
		return HealthReport{}, ctx.Err()
	case <-m.done:
		return HealthReport{}, ErrShutdown
	}
}

// post delivers a command to the control loop.
func (m *Manager) post(ctx context.Context, cmd command) error {
	if !m.started {
		return ErrNotStarted
	}

	select {
	case m.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrShutdown
	}
}

// await collects an error reply from the loop.
func (m *Manager) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrShutdown
	}
}

// postEvent delivers an async event to the loop, dropping it if the loop
// has exited.
func (m *Manager) postEvent(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// loop is the control loop. It is the only goroutine that mutates conns,
// the pending-request table, breakers, or the balancer.
func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("control loop panic", "panic", r)
			m.drainOnExit()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			m.doShutdown()
			return
		case <-m.quit:
			m.doShutdown()
			return
		case cmd := <-m.cmds:
			m.handleCommand(cmd)
		case ev := <-m.events:
			m.handleEvent(ev)
		}
	}
}

func (m *Manager) handleCommand(cmd command) {
	switch c := cmd.(type) {
	case cmdAdd:
		c.reply <- m.handleAdd(c.desc)
	case cmdRemove:
		c.reply <- m.handleRemove(c.id)
	case cmdSend:
		c.reply <- m.handleSend(c.method, c.params, c.opts)
	case cmdMetrics:
		c.reply <- m.snapshot()
	case cmdHealth:
		c.reply <- m.healthReport()
	}
}

func (m *Manager) handleEvent(ev event) {
	switch e := ev.(type) {
	case evConnectResult:
		m.handleConnectResult(e)
	case evTransportError:
		m.handleTransportError(e)
	case evInbound:
		m.handleInbound(e)
	case evSendFailed:
		m.handleSendFailed(e)
	case evDeadline:
		m.handleDeadline(e.corrID)
	case evHeartbeat:
		m.handleHeartbeat(e)
	case evReconnect:
		m.handleReconnect(e)
	}
}

// handleAdd registers a connection and kicks off its first connect.
func (m *Manager) handleAdd(desc transport.Descriptor) error {
	if _, exists := m.conns[desc.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateConnection, desc.ID)
	}
	if len(m.conns) >= m.cfg.MaxConnections {
		return fmt.Errorf("%w: max %d", ErrTooManyConnections, m.cfg.MaxConnections)
	}

	c := &conn{
		desc:    desc,
		status:  StatusDisconnected,
		breaker: breaker.New(m.cfg.Breaker),
		health:  health.NewTracker(m.cfg.Health.DegradedThreshold),
	}
	m.conns[desc.ID] = c

	m.logger.Info("connection registered",
		"conn_id", desc.ID,
		"endpoint", desc.Endpoint,
		"protocol", desc.ProtocolKind,
	)

	m.startConnect(c)
	return nil
}

// handleRemove deletes a connection and fails its pending requests.
func (m *Manager) handleRemove(id string) error {
	c, ok := m.conns[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	c.stopTimers()
	c.gen++
	if c.tr != nil {
		c.tr.Close()
	}
	for _, p := range m.table.FailConn(id, ErrConnectionRemoved) {
		if p.Method != correlate.MethodPing {
			m.counters.Error()
		}
	}
	delete(m.conns, id)

	m.logger.Info("connection removed", "conn_id", id)
	return nil
}

// handleSend picks a connection, registers the pending request, and hands
// the frame to a send goroutine.
func (m *Manager) handleSend(method string, params json.RawMessage, opts RequestOptions) sendResult {
	now := time.Now()

	c, err := m.pick(opts.TargetID, now)
	if err != nil {
		m.counters.Request()
		m.counters.Error()
		return sendResult{err: err}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}

	p := m.table.Add(c.desc.ID, method, now, now.Add(timeout))
	p.AttachTimer(time.AfterFunc(timeout, func() {
		m.postEvent(evDeadline{corrID: p.ID})
	}))
	m.counters.Request()

	m.dispatch(c, p, method, params)
	return sendResult{pending: p}
}

// pick chooses the serving connection: the pinned target if requested,
// otherwise the balancer's choice over the healthy set.
func (m *Manager) pick(targetID string, now time.Time) (*conn, error) {
	if targetID != "" {
		c, ok := m.conns[targetID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, targetID)
		}
		if c.status != StatusConnected && c.status != StatusDegraded {
			return nil, fmt.Errorf("%q: %w", targetID, transport.ErrNotConnected)
		}
		if !c.breaker.Allow(now) {
			return nil, fmt.Errorf("%w: %q", ErrCircuitOpen, targetID)
		}
		return c, nil
	}

	// Candidates sorted by id so round-robin and tie-breaks are
	// deterministic within a stable healthy set.
	ids := make([]string, 0, len(m.conns))
	for id, c := range m.conns {
		if c.selectable(now) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, ErrNoHealthyConnection
	}
	sort.Strings(ids)

	cands := make([]balance.Candidate, len(ids))
	for i, id := range ids {
		cands[i] = balance.Candidate{
			ID:      id,
			Pending: m.table.CountByConn(id),
			Weight:  m.conns[id].desc.Weight,
		}
	}

	c := m.conns[ids[m.strategy.Pick(cands)]]
	if !c.breaker.Allow(now) {
		// CanPass raced a half-open trial; treat as no capacity.
		return nil, fmt.Errorf("%w: %q", ErrCircuitOpen, c.desc.ID)
	}
	return c, nil
}

// dispatch frames the request and sends it off-loop. Per-connection
// submission order is preserved by the transport's own write serialization.
func (m *Manager) dispatch(c *conn, p *correlate.Pending, method string, params json.RawMessage) {
	frame, err := json.Marshal(correlate.Request{ID: p.ID, Method: method, Params: params})
	if err != nil {
		// Fail inline; we are on the loop already.
		if failed, ok := m.table.Fail(p.ID, fmt.Errorf("marshal request: %w", err)); ok && failed.Method != correlate.MethodPing {
			m.counters.Error()
		}
		return
	}

	tr := c.tr
	id, gen := c.desc.ID, c.gen
	go func() {
		if err := tr.Send(frame); err != nil {
			m.postEvent(evSendFailed{id: id, gen: gen, corrID: p.ID, err: err})
		}
	}()
}

// startConnect begins a connect attempt for the connection.
func (m *Manager) startConnect(c *conn) {
	c.gen++
	gen := c.gen
	c.status = StatusConnecting

	tr, err := m.registry.New(c.desc)
	if err != nil {
		m.connectFailed(c, err)
		return
	}

	id := c.desc.ID
	timeout := m.cfg.ConnectTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := tr.Connect(ctx)
		m.postEvent(evConnectResult{id: id, gen: gen, tr: tr, err: err})
	}()
}

func (m *Manager) handleConnectResult(e evConnectResult) {
	c, ok := m.conns[e.id]
	if !ok || c.gen != e.gen {
		// Connection removed or superseded while connecting.
		if e.err == nil {
			e.tr.Close()
		}
		return
	}

	if e.err != nil {
		m.logger.Warn("connect failed",
			"conn_id", e.id,
			"attempt", c.reconnectAttempts+1,
			"error", e.err,
		)
		m.connectFailed(c, e.err)
		return
	}

	c.tr = e.tr
	c.status = StatusConnected
	c.reconnectAttempts = 0
	c.health.Reset()

	m.logger.Info("connected", "conn_id", e.id, "endpoint", c.desc.Endpoint)

	go m.pump(e.id, c.gen, e.tr)
	m.armHeartbeat(c)
}

// connectFailed counts the attempt and either schedules a retry per the
// backoff policy or marks the connection permanently failed.
func (m *Manager) connectFailed(c *conn, err error) {
	c.reconnectAttempts++
	c.status = StatusDisconnected

	if m.cfg.Reconnect.Exhausted(c.reconnectAttempts) {
		c.status = StatusFailed
		m.logger.Error("connection failed permanently",
			"conn_id", c.desc.ID,
			"attempts", c.reconnectAttempts,
			"error", err,
		)
		return
	}

	m.scheduleReconnect(c, m.cfg.Reconnect.Delay(c.reconnectAttempts))
}

func (m *Manager) scheduleReconnect(c *conn, delay time.Duration) {
	id, gen := c.desc.ID, c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() {
		m.postEvent(evReconnect{id: id, gen: gen})
	})
}

func (m *Manager) handleReconnect(e evReconnect) {
	c, ok := m.conns[e.id]
	if !ok || c.gen != e.gen || c.status != StatusDisconnected {
		return
	}

	// An open breaker suppresses reconnects; check again later.
	if c.breaker.State() == breaker.Open {
		m.scheduleReconnect(c, m.cfg.Reconnect.Delay(max(c.reconnectAttempts, 1)))
		return
	}

	m.startConnect(c)
}

// pump forwards one transport's inbound frames and errors to the loop.
func (m *Manager) pump(id string, gen int, tr transport.Transport) {
	for {
		select {
		case <-m.done:
			return
		case err := <-tr.Errors():
			m.postEvent(evTransportError{id: id, gen: gen, err: err})
			return
		case msg, ok := <-tr.Messages():
			if !ok {
				return
			}
			m.postEvent(evInbound{id: id, gen: gen, msg: msg})
		}
	}
}

// handleTransportError reacts to a dropped or broken link: pending
// requests fail with the transport error, the breaker records a failure,
// and the reconnector takes over.
func (m *Manager) handleTransportError(e evTransportError) {
	c, ok := m.conns[e.id]
	if !ok || c.gen != e.gen {
		return
	}

	m.logger.Warn("transport error", "conn_id", e.id, "error", e.err)

	c.stopTimers()
	c.gen++
	if c.tr != nil {
		c.tr.Close()
		c.tr = nil
	}
	c.status = StatusDisconnected

	for _, p := range m.table.FailConn(e.id, fmt.Errorf("connection %q: %w", e.id, e.err)) {
		if p.Method != correlate.MethodPing {
			m.counters.Error()
		}
	}

	c.breaker.RecordFailure(time.Now())
	m.scheduleReconnect(c, m.cfg.Reconnect.Delay(1))
}

// handleInbound matches a response frame to its pending request. Frames
// that are not correlated responses, and responses whose request already
// resolved, are discarded.
func (m *Manager) handleInbound(e evInbound) {
	c, ok := m.conns[e.id]
	if !ok || c.gen != e.gen {
		return
	}

	resp, ok := correlate.ParseResponse(e.msg.Data)
	if !ok {
		m.logger.Debug("uncorrelated frame dropped", "conn_id", e.id)
		return
	}

	if resp.Type == correlate.TypeError {
		var remote RemoteError
		var msg correlate.ErrorMsg
		if json.Unmarshal(resp.Msg, &msg) == nil {
			remote = RemoteError{Code: msg.Code, Message: msg.Message}
		}
		p, ok := m.table.Fail(resp.ID, &remote)
		if !ok {
			return
		}
		// The endpoint answered; the round trip itself succeeded.
		m.observeSuccess(c, e.msg.ReceivedAt, e.msg.ReceivedAt.Sub(p.SubmittedAt))
		m.counters.Error()
		return
	}

	p, ok := m.table.Resolve(resp.ID, resp.Msg)
	if !ok {
		// Late response; the deadline already resolved the caller.
		return
	}

	m.observeSuccess(c, e.msg.ReceivedAt, e.msg.ReceivedAt.Sub(p.SubmittedAt))
}

// observeSuccess feeds a successful round trip into health and breaker
// state, recovering degraded connections.
func (m *Manager) observeSuccess(c *conn, now time.Time, rtt time.Duration) {
	c.health.RecordSuccess(now, rtt)
	c.breaker.RecordSuccess()
	if c.status == StatusDegraded {
		c.status = StatusConnected
		m.logger.Info("connection recovered", "conn_id", c.desc.ID)
	}
}

// observeFailure feeds a failed round trip into breaker state and forces
// the status transition when the breaker trips.
func (m *Manager) observeFailure(c *conn, now time.Time) {
	c.breaker.RecordFailure(now)
	if c.breaker.State() == breaker.Open && c.status == StatusConnected {
		c.status = StatusDegraded
		m.logger.Warn("circuit breaker opened",
			"conn_id", c.desc.ID,
			"failures", c.breaker.FailureCount(),
		)
	}
}

func (m *Manager) handleSendFailed(e evSendFailed) {
	p, ok := m.table.Fail(e.corrID, fmt.Errorf("send on %q: %w", e.id, e.err))
	if !ok {
		return
	}
	if p.Method != correlate.MethodPing {
		m.counters.Error()
	}

	c, ok := m.conns[e.id]
	if !ok || c.gen != e.gen {
		return
	}
	m.observeFailure(c, time.Now())
}

// handleDeadline expires a pending request. A timed-out request counts as
// a breaker failure: a silent endpoint is as failing as an erroring one.
func (m *Manager) handleDeadline(corrID string) {
	p, ok := m.table.Fail(corrID, ErrTimeout)
	if !ok {
		return
	}

	now := time.Now()
	c, found := m.conns[p.ConnID]

	if p.Method == correlate.MethodPing {
		if found {
			n := c.health.RecordFailure()
			if c.health.Degraded() && c.status == StatusConnected {
				c.status = StatusDegraded
				m.logger.Warn("connection degraded",
					"conn_id", p.ConnID,
					"consecutive_failures", n,
				)
			}
			m.observeFailure(c, now)
		}
		return
	}

	m.counters.Error()
	if found {
		m.observeFailure(c, now)
	}
}

// armHeartbeat schedules the next health tick for a connection.
func (m *Manager) armHeartbeat(c *conn) {
	id, gen := c.desc.ID, c.gen
	c.heartbeatTimer = time.AfterFunc(m.cfg.Health.HeartbeatInterval, func() {
		m.postEvent(evHeartbeat{id: id, gen: gen})
	})
}

// handleHeartbeat issues a fire-and-forget probe with its own short
// deadline. Probes are skipped while the breaker is open: no traffic
// reaches a known-bad endpoint, not even health checks.
func (m *Manager) handleHeartbeat(e evHeartbeat) {
	c, ok := m.conns[e.id]
	if !ok || c.gen != e.gen {
		return
	}
	if c.status != StatusConnected && c.status != StatusDegraded {
		return
	}

	if c.breaker.State() != breaker.Open {
		now := time.Now()
		p := m.table.Add(e.id, correlate.MethodPing, now, now.Add(m.cfg.Health.ProbeTimeout))
		p.AttachTimer(time.AfterFunc(m.cfg.Health.ProbeTimeout, func() {
			m.postEvent(evDeadline{corrID: p.ID})
		}))
		m.dispatch(c, p, correlate.MethodPing, nil)
	}

	m.armHeartbeat(c)
}

// snapshot assembles the metrics view.
func (m *Manager) snapshot() metrics.Snapshot {
	snap := metrics.NewSnapshot()
	snap.TotalConnections = len(m.conns)
	snap.TotalRequests = m.counters.Requests()
	snap.TotalErrors = m.counters.Errors()
	snap.PendingRequests = m.table.Len()

	for _, status := range []Status{
		StatusDisconnected, StatusConnecting, StatusConnected, StatusDegraded, StatusFailed,
	} {
		snap.ByStatus[string(status)] = 0
	}
	for id, c := range m.conns {
		snap.ByStatus[string(c.status)]++
		snap.LatencyMs[id] = c.health.Latency().Milliseconds()
		snap.BreakerStates[id] = c.breaker.State().String()
	}
	return snap
}

// healthReport assembles the per-connection health view.
func (m *Manager) healthReport() HealthReport {
	rep := HealthReport{
		Connections: make(map[string]ConnectionHealth, len(m.conns)),
	}

	connected := 0
	for id, c := range m.conns {
		if c.status == StatusConnected {
			connected++
		}
		rep.Connections[id] = ConnectionHealth{
			Status:              c.status,
			Breaker:             c.breaker.State().String(),
			LatencyMs:           c.health.Latency().Milliseconds(),
			LastHeartbeatAt:     c.health.LastHeartbeatAt(),
			ConsecutiveFailures: c.health.ConsecutiveFailures(),
			ReconnectAttempts:   c.reconnectAttempts,
		}
	}

	rep.OK = len(m.conns) == 0 || connected > 0
	return rep
}

// doShutdown tears everything down: timers stopped, transports closed,
// pending requests failed with ErrShutdown.
func (m *Manager) doShutdown() {
	m.shuttingDown = true

	for id, c := range m.conns {
		c.stopTimers()
		c.gen++
		if c.tr != nil {
			c.tr.Close()
		}
		m.logger.Debug("connection closed", "conn_id", id)
	}

	n := len(m.table.FailAll(ErrShutdown))
	if n > 0 {
		m.logger.Info("pending requests canceled on shutdown", "count", n)
	}

	m.logger.Info("connection manager stopped", "connections", len(m.conns))
}

// drainOnExit is the panic path: fail callers rather than hang them.
func (m *Manager) drainOnExit() {
	m.table.FailAll(ErrShutdown)
	for _, c := range m.conns {
		c.stopTimers()
		if c.tr != nil {
			c.tr.Close()
		}
	}
}
