package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/internal/mesh/balancer"
	"grace/internal/mesh/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type healthStub struct {
	mu      sync.Mutex
	results []bool
}

func (h *healthStub) RecordResult(_ string, _ time.Duration, success bool) {
	h.mu.Lock()
	h.results = append(h.results, success)
	h.mu.Unlock()
}

func (h *healthStub) recorded() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.results...)
}

func testGatewayConfig() config.GatewayConfig {
	cfg := config.GetDefaultConfig().Gateway
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func registerServer(t *testing.T, reg *registry.Registry, srv *httptest.Server, capability string) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	inst, err := reg.RegisterInstance(api.ServiceInstance{
		Kind:         api.KindKernel,
		Endpoint:     api.Endpoint{Host: u.Hostname(), Port: port},
		Capabilities: []string{capability},
	})
	require.NoError(t, err)
	_, err = reg.UpdateHealth(inst.ID, api.HealthSnapshot{Status: api.HealthHealthy})
	require.NoError(t, err)
	return inst.ID
}

func newTestGateway(t *testing.T, cfg config.GatewayConfig) (*registry.Registry, *Gateway, *healthStub) {
	t.Helper()
	api.ResetHandlers()
	reg, err := registry.New("")
	require.NoError(t, err)
	health := &healthStub{}
	g := New(reg, balancer.New(reg, config.BalancerConfig{}), health, cfg)
	return reg, g, health
}

func TestCallRoutesAndReportsHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/search", req.URL.Path)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	reg, g, health := newTestGateway(t, testGatewayConfig())
	id := registerServer(t, reg, srv, "search")

	resp, err := g.Call(context.Background(), api.CallRequest{
		Caller:     "grace-core",
		Capability: "search",
		Method:     http.MethodGet,
		Path:       "/v1/search",
	})
	require.NoError(t, err)
	assert.Equal(t, id, resp.InstanceID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, 1, resp.Attempts)
	assert.Equal(t, []bool{true}, health.recorded())
}

func TestNoRoutableInstance(t *testing.T) {
	_, g, _ := newTestGateway(t, testGatewayConfig())
	_, err := g.Call(context.Background(), api.CallRequest{Caller: "a", Capability: "search"})
	assert.True(t, api.IsUnavailable(err))
}

func TestRateLimitRefusalIsTerminal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1

	reg, g, _ := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	req := api.CallRequest{Caller: "a", Capability: "search", Idempotent: true}
	_, err := g.Call(context.Background(), req)
	require.NoError(t, err)

	_, err = g.Call(context.Background(), req)
	require.True(t, api.IsBusy(err))
	var busy *api.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "rate_limited", busy.Reason)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "refused calls never reach an instance")
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.CircuitMinSamples = 3
	cfg.CircuitFailureRatio = 0.5
	cfg.CircuitCooldown = time.Minute

	reg, g, _ := newTestGateway(t, cfg)
	id := registerServer(t, reg, srv, "search")

	req := api.CallRequest{Caller: "a", Capability: "search"}
	for i := 0; i < 3; i++ {
		_, err := g.Call(context.Background(), req)
		assert.True(t, api.IsUnavailable(err))
	}

	_, err := g.Call(context.Background(), req)
	require.True(t, api.IsBusy(err))
	var busy *api.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "circuit_open", busy.Reason)

	breakers := g.CircuitBreakers()
	require.Len(t, breakers, 1)
	assert.Equal(t, id, breakers[0].InstanceID)
	assert.Equal(t, "search", breakers[0].Capability)
	assert.Equal(t, api.CircuitOpen, breakers[0].State)
	assert.NotNil(t, breakers[0].OpenedAt)
}

func TestCircuitClosesAfterCooldownSuccesses(t *testing.T) {
	var failing int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.LoadInt32(&failing) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.CircuitMinSamples = 2
	cfg.CircuitFailureRatio = 0.5
	cfg.CircuitCooldown = 50 * time.Millisecond
	cfg.CircuitCloseAfter = 2

	reg, g, _ := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	req := api.CallRequest{Caller: "a", Capability: "search"}
	for i := 0; i < 2; i++ {
		_, err := g.Call(context.Background(), req)
		require.Error(t, err)
	}
	_, err := g.Call(context.Background(), req)
	require.True(t, api.IsBusy(err), "breaker open after repeated failures")

	atomic.StoreInt32(&failing, 0)
	time.Sleep(80 * time.Millisecond)

	// Half-open: two consecutive successes close the breaker.
	for i := 0; i < 2; i++ {
		_, err := g.Call(context.Background(), req)
		require.NoError(t, err)
	}
	breakers := g.CircuitBreakers()
	require.Len(t, breakers, 1)
	assert.Equal(t, api.CircuitClosed, breakers[0].State)
	assert.Nil(t, breakers[0].OpenedAt)
}

func TestHalfOpenAdmitsOneProbeAtATime(t *testing.T) {
	var failing int32 = 1
	var inflight, maxInflight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.LoadInt32(&failing) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		cur := atomic.AddInt32(&inflight, 1)
		for {
			m := atomic.LoadInt32(&maxInflight)
			if cur <= m || atomic.CompareAndSwapInt32(&maxInflight, m, cur) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.CircuitMinSamples = 2
	cfg.CircuitFailureRatio = 0.5
	cfg.CircuitCooldown = 40 * time.Millisecond
	cfg.CircuitCloseAfter = 3

	reg, g, _ := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	req := api.CallRequest{Caller: "a", Capability: "search"}
	for i := 0; i < 2; i++ {
		_, err := g.Call(context.Background(), req)
		require.Error(t, err)
	}
	_, err := g.Call(context.Background(), req)
	require.True(t, api.IsBusy(err), "breaker open after repeated failures")

	atomic.StoreInt32(&failing, 0)
	time.Sleep(60 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Call(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInflight),
		"half-open probes are single-flight")
	breakers := g.CircuitBreakers()
	require.Len(t, breakers, 1)
	assert.Equal(t, api.CircuitClosed, breakers[0].State,
		"three consecutive probe successes close the breaker")
}

func TestCancelledCallMovesBreakerNeitherWay(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	// Any counted failure would trip instantly.
	cfg.CircuitMinSamples = 1
	cfg.CircuitFailureRatio = 0.5

	reg, g, health := newTestGateway(t, cfg)
	id := registerServer(t, reg, srv, "search")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := g.Call(ctx, api.CallRequest{Caller: "a", Capability: "search"})
	require.True(t, api.IsTimeout(err))
	close(release)

	assert.Empty(t, health.recorded(), "cancelled attempts never reach the health windows")
	breakers := g.CircuitBreakers()
	require.Len(t, breakers, 1)
	assert.Equal(t, api.CircuitClosed, breakers[0].State)

	resp, err := g.Call(context.Background(), api.CallRequest{Caller: "a", Capability: "search"})
	require.NoError(t, err)
	assert.Equal(t, id, resp.InstanceID)
}

func TestCircuitWindowSlidesOldFailuresOut(t *testing.T) {
	var failing int32 = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.LoadInt32(&failing) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.CircuitWindowCalls = 3
	cfg.CircuitMinSamples = 3
	cfg.CircuitFailureRatio = 0.5
	cfg.CircuitCooldown = time.Minute

	reg, g, _ := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	req := api.CallRequest{Caller: "a", Capability: "search"}
	for i := 0; i < 2; i++ {
		_, err := g.Call(context.Background(), req)
		require.True(t, api.IsUnavailable(err))
	}
	atomic.StoreInt32(&failing, 0)
	for i := 0; i < 3; i++ {
		_, err := g.Call(context.Background(), req)
		require.NoError(t, err)
	}

	// The two early failures slid out of the window; one fresh failure is
	// a 1/3 ratio, below the trip threshold.
	atomic.StoreInt32(&failing, 1)
	_, err := g.Call(context.Background(), req)
	require.True(t, api.IsUnavailable(err), "failure surfaces without tripping")
	breakers := g.CircuitBreakers()
	require.Len(t, breakers, 1)
	assert.Equal(t, api.CircuitClosed, breakers[0].State)
}

func TestRateLimitScopedPerTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1

	reg, g, _ := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	req := api.CallRequest{Caller: "a", Capability: "search", Target: "kernel"}
	_, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	_, err = g.Call(context.Background(), req)
	require.True(t, api.IsBusy(err), "bucket for (a, kernel, search) is drained")

	req.Target = "external"
	_, err = g.Call(context.Background(), req)
	assert.NoError(t, err, "a different target draws from its own bucket")
}

func TestIdempotentRetriesUntilSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.MaxRetries = 3
	cfg.CircuitMinSamples = 100 // keep the breaker out of this test

	reg, g, health := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	resp, err := g.Call(context.Background(), api.CallRequest{
		Caller:     "a",
		Capability: "search",
		Idempotent: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, []bool{false, false, true}, health.recorded())
}

func TestNonIdempotentNeverRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.MaxRetries = 3
	cfg.CircuitMinSamples = 100

	reg, g, _ := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	_, err := g.Call(context.Background(), api.CallRequest{Caller: "a", Capability: "search"})
	assert.True(t, api.IsUnavailable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestDispatchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.DispatchTimeout = 30 * time.Millisecond

	reg, g, health := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	_, err := g.Call(context.Background(), api.CallRequest{Caller: "a", Capability: "search"})
	assert.True(t, api.IsTimeout(err))
	assert.Equal(t, []bool{false}, health.recorded(), "timeouts count against health")
}

func TestSharedDeadlineStopsRetries(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.MaxRetries = 10
	cfg.CircuitMinSamples = 100
	cfg.RetryBaseDelay = 20 * time.Millisecond
	cfg.MinRPCLatency = 20 * time.Millisecond

	reg, g, _ := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	_, err := g.Call(context.Background(), api.CallRequest{
		Caller:     "a",
		Capability: "search",
		Idempotent: true,
		Timeout:    50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Less(t, atomic.LoadInt32(&hits), int32(5), "deadline bounds the attempt count")
}

func TestRateLimitEventPublished(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	cfg := testGatewayConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1

	reg, g, _ := newTestGateway(t, cfg)
	registerServer(t, reg, srv, "search")

	var events []api.Event
	api.RegisterEventBus(&captureBus{events: &events})
	defer api.ResetHandlers()

	req := api.CallRequest{Caller: "a", Capability: "search"}
	_, err := g.Call(context.Background(), req)
	require.NoError(t, err)
	_, err = g.Call(context.Background(), req)
	require.Error(t, err)

	var sawRefusal bool
	for _, ev := range events {
		if ev.Type == api.EventRateLimited {
			sawRefusal = true
			assert.Equal(t, "a", ev.Payload["caller"])
		}
	}
	assert.True(t, sawRefusal)
}

// captureBus is a minimal event bus stub recording published events.
type captureBus struct {
	events *[]api.Event
}

func (c *captureBus) Publish(ev api.Event) error    { *c.events = append(*c.events, ev); return nil }
func (c *captureBus) TryPublish(ev api.Event) error { return c.Publish(ev) }
func (c *captureBus) Subscribe(string, api.EventFilter, api.DeliveryMode, api.EventHandlerFunc) (string, error) {
	return "stub", nil
}
func (c *captureBus) Unsubscribe(string)                  {}
func (c *captureBus) Replay(string, string, uint64) error { return nil }
func (c *captureBus) Cursor(string, string) uint64        { return 0 }
