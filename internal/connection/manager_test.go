package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gitmemory/conncore/internal/breaker"
	"github.com/gitmemory/conncore/internal/correlate"
	"github.com/gitmemory/conncore/internal/reconnect"
	"github.com/gitmemory/conncore/internal/transport"
	"github.com/gitmemory/conncore/internal/transport/transporttest"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = time.Second
	// Heartbeats off by default; probe tests shorten the interval.
	cfg.Health.HeartbeatInterval = time.Minute
	cfg.Health.ProbeTimeout = 100 * time.Millisecond
	cfg.Health.DegradedThreshold = 2
	cfg.Reconnect = reconnect.Policy{
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     500 * time.Millisecond,
		MaxAttempts:  5,
	}
	cfg.Breaker = breaker.Policy{
		FailureThreshold: 3,
		ResetTimeout:     150 * time.Millisecond,
	}
	return cfg
}

func newTestManager(t *testing.T, cfg Config, hub *transporttest.Hub) *Manager {
	t.Helper()

	registry := transport.NewRegistry()
	registry.Register("test", hub.Factory())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewManager(cfg, registry, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

func testDesc(id string) transport.Descriptor {
	return transport.Descriptor{ID: id, Endpoint: "test://" + id, ProtocolKind: "test"}
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitConnected(t *testing.T, m *Manager, want int) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool {
		snap, err := m.Metrics(context.Background())
		return err == nil && snap.ByStatus[string(StatusConnected)] == want
	}, fmt.Sprintf("never reached %d connected connections", want))
}

func TestNewManager_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 0

	if _, err := NewManager(cfg, transport.NewRegistry(), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestManager_NotStarted(t *testing.T) {
	m, err := NewManager(testConfig(), transport.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if err := m.RemoveConnection(context.Background(), "x"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown before start should be a no-op, got %v", err)
	}
}

func TestManager_AddConnection(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		tr.Echo()
	})
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	rep, err := m.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !rep.OK {
		t.Error("expected report OK with one connected connection")
	}
	if got := rep.Connections["a"].Status; got != StatusConnected {
		t.Errorf("status = %q, want %q", got, StatusConnected)
	}
}

func TestManager_AddUnknownProtocol(t *testing.T) {
	m := newTestManager(t, testConfig(), transporttest.NewHub(nil))

	desc := testDesc("a")
	desc.ProtocolKind = "carrier-pigeon"
	if err := m.AddConnection(context.Background(), desc); !errors.Is(err, transport.ErrUnknownProtocol) {
		t.Errorf("expected ErrUnknownProtocol, got %v", err)
	}
}

func TestManager_AddDuplicate(t *testing.T) {
	m := newTestManager(t, testConfig(), transporttest.NewHub(nil))

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := m.AddConnection(context.Background(), testDesc("a")); !errors.Is(err, ErrDuplicateConnection) {
		t.Errorf("expected ErrDuplicateConnection, got %v", err)
	}
}

func TestManager_ConnectionLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	m := newTestManager(t, cfg, transporttest.NewHub(nil))

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if err := m.AddConnection(context.Background(), testDesc("b")); !errors.Is(err, ErrTooManyConnections) {
		t.Errorf("expected ErrTooManyConnections, got %v", err)
	}
}

func TestManager_RemoveConnection(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		tr.Echo()
	})
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	if err := m.RemoveConnection(context.Background(), "a"); err != nil {
		t.Fatalf("RemoveConnection: %v", err)
	}

	snap, err := m.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if snap.TotalConnections != 0 {
		t.Errorf("expected 0 connections, got %d", snap.TotalConnections)
	}

	if err := m.RemoveConnection(context.Background(), "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_RemoveFailsPending(t *testing.T) {
	// Transport accepts sends but never answers.
	hub := transporttest.NewHub(nil)
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{
			TargetID: "a",
			Timeout:  10 * time.Second,
		})
		errCh <- err
	}()

	waitFor(t, 2*time.Second, func() bool {
		snap, err := m.Metrics(context.Background())
		return err == nil && snap.PendingRequests == 1
	}, "request never became pending")

	if err := m.RemoveConnection(context.Background(), "a"); err != nil {
		t.Fatalf("RemoveConnection: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionRemoved) {
			t.Errorf("expected ErrConnectionRemoved, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never resolved")
	}
}

func TestManager_SendRequestRoundTrip(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		tr.Echo()
	})
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	res, err := m.SendRequest(context.Background(), "get_state", map[string]string{"key": "value"}, RequestOptions{})
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if string(res) != `{"key":"value"}` {
		t.Errorf("unexpected result: %s", res)
	}

	snap, err := m.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if snap.TotalRequests != 1 || snap.TotalErrors != 0 {
		t.Errorf("requests/errors = %d/%d, want 1/0", snap.TotalRequests, snap.TotalErrors)
	}
	if snap.PendingRequests != 0 {
		t.Errorf("expected empty pending table, got %d", snap.PendingRequests)
	}
}

func TestManager_SendRequestRemoteError(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		tr.SetOnSend(func(data []byte) {
			var req correlate.Request
			if json.Unmarshal(data, &req) != nil {
				return
			}
			msg, _ := json.Marshal(correlate.ErrorMsg{Code: "E42", Message: "denied"})
			out, _ := json.Marshal(correlate.Response{ID: req.ID, Type: correlate.TypeError, Msg: msg})
			tr.Deliver(out)
		})
	})
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	_, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{})
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != "E42" || remote.Message != "denied" {
		t.Errorf("unexpected remote error: %+v", remote)
	}

	// The endpoint answered, so the breaker must not count it.
	snap, err := m.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if got := snap.BreakerStates["a"]; got != "closed" {
		t.Errorf("breaker = %q, want closed", got)
	}
	if snap.TotalErrors != 1 {
		t.Errorf("expected 1 error counted, got %d", snap.TotalErrors)
	}
}

func TestManager_SendRequestTimeout(t *testing.T) {
	hub := transporttest.NewHub(nil) // never answers
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	start := time.Now()
	_, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{Timeout: 100 * time.Millisecond})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < 60*time.Millisecond || elapsed > time.Second {
		t.Errorf("timeout fired at %v, want about 100ms", elapsed)
	}

	snap, err := m.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if snap.PendingRequests != 0 {
		t.Errorf("expected pending table drained after timeout, got %d", snap.PendingRequests)
	}
}

func TestManager_NoHealthyConnection(t *testing.T) {
	m := newTestManager(t, testConfig(), transporttest.NewHub(nil))

	if _, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{}); !errors.Is(err, ErrNoHealthyConnection) {
		t.Errorf("expected ErrNoHealthyConnection, got %v", err)
	}
}

func TestManager_TargetNotFound(t *testing.T) {
	m := newTestManager(t, testConfig(), transporttest.NewHub(nil))

	if _, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{TargetID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_TargetNotConnected(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		tr.SetConnectErr(func(int) error { return errors.New("refused") })
	})
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rep, err := m.Health(context.Background())
		return err == nil && rep.Connections["a"].Status == StatusDisconnected
	}, "connection never settled disconnected")

	if _, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{TargetID: "a"}); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestManager_RoundRobinFairness(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		tr.Echo()
	})
	m := newTestManager(t, testConfig(), hub)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if err := m.AddConnection(context.Background(), testDesc(id)); err != nil {
			t.Fatalf("AddConnection(%s): %v", id, err)
		}
	}
	waitConnected(t, m, 3)

	for i := 0; i < 6; i++ {
		if _, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for _, id := range ids {
		if got := len(hub.Latest(id).Sent()); got != 2 {
			t.Errorf("connection %s served %d requests, want 2", id, got)
		}
	}
}

func TestManager_BreakerFastFail(t *testing.T) {
	hub := transporttest.NewHub(nil) // accepts sends, never answers
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	// Three timeouts cross the failure threshold.
	for i := 0; i < 3; i++ {
		_, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{
			TargetID: "a",
			Timeout:  30 * time.Millisecond,
		})
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("send %d: expected ErrTimeout, got %v", i, err)
		}
	}

	sentBefore := len(hub.Latest("a").Sent())

	_, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{TargetID: "a"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got := len(hub.Latest("a").Sent()); got != sentBefore {
		t.Errorf("fast-fail still reached the transport: %d -> %d frames", sentBefore, got)
	}

	rep, err := m.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if rep.Connections["a"].Breaker != "open" {
		t.Errorf("breaker = %q, want open", rep.Connections["a"].Breaker)
	}
	if rep.Connections["a"].Status != StatusDegraded {
		t.Errorf("status = %q, want degraded", rep.Connections["a"].Status)
	}

	// Without a pinned target the balancer must skip the tripped connection.
	if _, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{}); !errors.Is(err, ErrNoHealthyConnection) {
		t.Errorf("expected ErrNoHealthyConnection, got %v", err)
	}
}

func TestManager_BreakerRecovery(t *testing.T) {
	hub := transporttest.NewHub(nil)
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	for i := 0; i < 3; i++ {
		m.SendRequest(context.Background(), "get_state", nil, RequestOptions{
			TargetID: "a",
			Timeout:  30 * time.Millisecond,
		})
	}

	// Endpoint comes back; the reset window elapses; the half-open trial
	// succeeds and closes the breaker.
	hub.Latest("a").Echo()
	time.Sleep(200 * time.Millisecond)

	res, err := m.SendRequest(context.Background(), "probe", json.RawMessage(`"hi"`), RequestOptions{TargetID: "a"})
	if err != nil {
		t.Fatalf("trial request failed: %v", err)
	}
	if string(res) != `"hi"` {
		t.Errorf("unexpected trial result: %s", res)
	}

	rep, err := m.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if rep.Connections["a"].Breaker != "closed" {
		t.Errorf("breaker = %q, want closed", rep.Connections["a"].Breaker)
	}
	if rep.Connections["a"].Status != StatusConnected {
		t.Errorf("status = %q, want connected", rep.Connections["a"].Status)
	}
}

func TestManager_ReconnectBackoffAndExhaustion(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		tr.SetConnectErr(func(int) error { return errors.New("refused") })
	})

	cfg := testConfig()
	cfg.Reconnect = reconnect.Policy{
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     time.Second,
		MaxAttempts:  3,
	}
	m := newTestManager(t, cfg, hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rep, err := m.Health(context.Background())
		return err == nil && rep.Connections["a"].Status == StatusFailed
	}, "connection never exhausted its attempts")

	times := hub.ConnectTimes("a")
	if len(times) != 3 {
		t.Fatalf("expected 3 connect attempts, got %d", len(times))
	}

	gap1 := times[1].Sub(times[0])
	gap2 := times[2].Sub(times[1])
	if gap1 < 40*time.Millisecond {
		t.Errorf("first retry after %v, want >= 50ms", gap1)
	}
	if gap2 < 80*time.Millisecond {
		t.Errorf("second retry after %v, want >= 100ms", gap2)
	}
	if gap2 < gap1 {
		t.Errorf("backoff did not grow: %v then %v", gap1, gap2)
	}

	// A failed connection stays failed; no further attempts.
	time.Sleep(300 * time.Millisecond)
	if got := len(hub.ConnectTimes("a")); got != 3 {
		t.Errorf("failed connection kept retrying: %d attempts", got)
	}

	rep, _ := m.Health(context.Background())
	if rep.Connections["a"].ReconnectAttempts != 3 {
		t.Errorf("reconnect attempts = %d, want 3", rep.Connections["a"].ReconnectAttempts)
	}
}

func TestManager_TransportErrorTriggersReconnect(t *testing.T) {
	instance := 0
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		instance++
		if instance > 1 {
			tr.Echo() // the replacement link answers
		}
	})
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	// A request is in flight when the link drops.
	cause := errors.New("connection reset by peer")
	errCh := make(chan error, 1)
	go func() {
		_, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{
			TargetID: "a",
			Timeout:  10 * time.Second,
		})
		errCh <- err
	}()

	waitFor(t, 2*time.Second, func() bool {
		snap, err := m.Metrics(context.Background())
		return err == nil && snap.PendingRequests == 1
	}, "request never became pending")

	hub.Latest("a").FailLink(cause)

	select {
	case err := <-errCh:
		if !errors.Is(err, cause) {
			t.Errorf("expected the link error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never resolved after link drop")
	}

	// A fresh transport instance reconnects and serves traffic again.
	waitFor(t, 2*time.Second, func() bool {
		if len(hub.Instances("a")) < 2 {
			return false
		}
		snap, err := m.Metrics(context.Background())
		return err == nil && snap.ByStatus[string(StatusConnected)] == 1
	}, "connection never re-established")

	if _, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{TargetID: "a"}); err != nil {
		t.Errorf("request after reconnect failed: %v", err)
	}
}

func TestManager_HeartbeatProbes(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		tr.Echo()
	})

	cfg := testConfig()
	cfg.Health.HeartbeatInterval = 30 * time.Millisecond
	m := newTestManager(t, cfg, hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	waitFor(t, 2*time.Second, func() bool {
		rep, err := m.Health(context.Background())
		return err == nil && !rep.Connections["a"].LastHeartbeatAt.IsZero()
	}, "no successful probe observed")

	// Probes ride the same wire as requests.
	var sawPing bool
	for _, frame := range hub.Latest("a").Sent() {
		if strings.Contains(string(frame), `"method":"ping"`) {
			sawPing = true
			break
		}
	}
	if !sawPing {
		t.Error("no ping frame reached the transport")
	}
}

func TestManager_ProbeFailureDegradesAndRecovers(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		// Answers requests but swallows pings.
		tr.SetOnSend(func(data []byte) {
			var req correlate.Request
			if json.Unmarshal(data, &req) != nil || req.Method == correlate.MethodPing {
				return
			}
			out, _ := json.Marshal(correlate.Response{ID: req.ID, Type: correlate.TypeResult, Msg: req.Params})
			tr.Deliver(out)
		})
	})

	cfg := testConfig()
	cfg.Health.HeartbeatInterval = 30 * time.Millisecond
	cfg.Health.ProbeTimeout = 40 * time.Millisecond
	cfg.Health.DegradedThreshold = 2
	// Keep the breaker out of the way; this test is about health tracking.
	cfg.Breaker = breaker.Policy{FailureThreshold: 100, ResetTimeout: time.Second}
	m := newTestManager(t, cfg, hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	waitFor(t, 2*time.Second, func() bool {
		rep, err := m.Health(context.Background())
		return err == nil && rep.Connections["a"].Status == StatusDegraded
	}, "lost probes never degraded the connection")

	// Pings come back; the next successful probe recovers the connection.
	hub.Latest("a").Echo()

	waitFor(t, 2*time.Second, func() bool {
		rep, err := m.Health(context.Background())
		return err == nil && rep.Connections["a"].Status == StatusConnected
	}, "connection never recovered from degraded")
}

func TestManager_ShutdownIdempotent(t *testing.T) {
	hub := transporttest.NewHub(nil)
	m := newTestManager(t, testConfig(), hub)

	if err := m.AddConnection(context.Background(), testDesc("a")); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	waitConnected(t, m, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{
			TargetID: "a",
			Timeout:  10 * time.Second,
		})
		errCh <- err
	}()

	waitFor(t, 2*time.Second, func() bool {
		snap, err := m.Metrics(context.Background())
		return err == nil && snap.PendingRequests == 1
	}, "request never became pending")

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrShutdown) {
			t.Errorf("expected ErrShutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never resolved on shutdown")
	}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("second shutdown should be a no-op, got %v", err)
	}

	if err := m.AddConnection(context.Background(), testDesc("b")); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown after stop, got %v", err)
	}
}

func TestManager_MetricsSnapshot(t *testing.T) {
	hub := transporttest.NewHub(func(d transport.Descriptor, tr *transporttest.Transport) {
		tr.Echo()
	})
	m := newTestManager(t, testConfig(), hub)

	for _, id := range []string{"a", "b"} {
		if err := m.AddConnection(context.Background(), testDesc(id)); err != nil {
			t.Fatalf("AddConnection(%s): %v", id, err)
		}
	}
	waitConnected(t, m, 2)

	for i := 0; i < 3; i++ {
		if _, err := m.SendRequest(context.Background(), "get_state", nil, RequestOptions{}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	// One routing failure counts as request and error.
	m.SendRequest(context.Background(), "get_state", nil, RequestOptions{TargetID: "ghost"})

	snap, err := m.Metrics(context.Background())
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}

	if snap.TotalConnections != 2 {
		t.Errorf("total connections = %d, want 2", snap.TotalConnections)
	}
	if snap.ByStatus[string(StatusConnected)] != 2 {
		t.Errorf("connected = %d, want 2", snap.ByStatus[string(StatusConnected)])
	}
	if snap.TotalRequests != 4 {
		t.Errorf("requests = %d, want 4", snap.TotalRequests)
	}
	if snap.TotalErrors != 1 {
		t.Errorf("errors = %d, want 1", snap.TotalErrors)
	}
	for _, id := range []string{"a", "b"} {
		if snap.BreakerStates[id] != "closed" {
			t.Errorf("breaker %s = %q, want closed", id, snap.BreakerStates[id])
		}
	}
}

func TestManager_LeastConnectionsPrefersIdle(t *testing.T) {
	hub := transporttest.NewHub(nil) // silent, so requests stay pending
	cfg := testConfig()
	cfg.Strategy = "least_connections"
	m := newTestManager(t, cfg, hub)

	for _, id := range []string{"a", "b"} {
		if err := m.AddConnection(context.Background(), testDesc(id)); err != nil {
			t.Fatalf("AddConnection(%s): %v", id, err)
		}
	}
	waitConnected(t, m, 2)

	// Pin two requests on "a", then let the balancer place the next one.
	for i := 0; i < 2; i++ {
		go m.SendRequest(context.Background(), "get_state", nil, RequestOptions{
			TargetID: "a",
			Timeout:  10 * time.Second,
		})
	}
	waitFor(t, 2*time.Second, func() bool {
		snap, err := m.Metrics(context.Background())
		return err == nil && snap.PendingRequests == 2
	}, "pinned requests never became pending")

	go m.SendRequest(context.Background(), "get_state", nil, RequestOptions{Timeout: 10 * time.Second})

	waitFor(t, 2*time.Second, func() bool {
		return len(hub.Latest("b").Sent()) == 1
	}, "balanced request did not land on the idle connection")
}
