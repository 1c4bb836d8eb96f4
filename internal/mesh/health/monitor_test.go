package health

import (
	"testing"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/internal/mesh/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.HealthConfig {
	cfg := config.GetDefaultConfig().Health
	return cfg
}

func setup(t *testing.T) (*registry.Registry, *Monitor, string) {
	t.Helper()
	api.ResetHandlers()
	reg, err := registry.New("")
	require.NoError(t, err)
	inst, err := reg.RegisterInstance(api.ServiceInstance{
		Kind:         api.KindKernel,
		Endpoint:     api.Endpoint{Host: "127.0.0.1", Port: 8130},
		Capabilities: []string{"search"},
	})
	require.NoError(t, err)
	return reg, NewMonitor(reg, testConfig()), inst.ID
}

func probe(m *Monitor, id string, success bool, n int) {
	for i := 0; i < n; i++ {
		m.observe(id, 10*time.Millisecond, success, true)
	}
}

func statusOf(t *testing.T, reg *registry.Registry, id string) api.HealthStatus {
	t.Helper()
	snap, ok := reg.HealthOf(id)
	require.True(t, ok)
	return snap.Status
}

func TestStartingToHealthyAfterKSuccesses(t *testing.T) {
	reg, m, id := setup(t)

	probe(m, id, true, 1)
	assert.Equal(t, api.HealthStarting, statusOf(t, reg, id))

	probe(m, id, true, 1)
	assert.Equal(t, api.HealthHealthy, statusOf(t, reg, id))
}

func TestHealthyToDegradedOnErrorRate(t *testing.T) {
	reg, m, id := setup(t)
	probe(m, id, true, 2) // healthy

	// Push error rate past T1 (10%) with routed-call failures.
	for i := 0; i < 10; i++ {
		m.RecordResult(id, 5*time.Millisecond, true)
	}
	m.RecordResult(id, 5*time.Millisecond, false)
	m.RecordResult(id, 5*time.Millisecond, false)

	assert.Equal(t, api.HealthDegraded, statusOf(t, reg, id))
}

func TestDegradedToUnhealthyOnConsecutiveProbeFailures(t *testing.T) {
	reg, m, id := setup(t)
	probe(m, id, true, 2)
	probe(m, id, false, 1) // drives error rate over T1 -> degraded
	require.Equal(t, api.HealthDegraded, statusOf(t, reg, id))

	probe(m, id, false, 3) // N consecutive failures
	assert.Equal(t, api.HealthUnhealthy, statusOf(t, reg, id))
}

func TestUnhealthyRecoversThroughDegraded(t *testing.T) {
	reg, m, id := setup(t)
	probe(m, id, true, 2)
	probe(m, id, false, 4)
	require.Equal(t, api.HealthUnhealthy, statusOf(t, reg, id))

	// One success lifts unhealthy -> degraded.
	probe(m, id, true, 1)
	assert.Equal(t, api.HealthDegraded, statusOf(t, reg, id))

	// Consecutive successes eventually restore healthy once the rolling
	// error rate drains below T1.
	probe(m, id, true, 96)
	assert.Equal(t, api.HealthHealthy, statusOf(t, reg, id))
}

func TestQuarantineOverridesEverything(t *testing.T) {
	reg, m, id := setup(t)
	probe(m, id, true, 2)

	require.NoError(t, m.Quarantine(id))
	assert.Equal(t, api.HealthQuarantined, statusOf(t, reg, id))

	// Probes and call results are ignored while quarantined.
	probe(m, id, true, 10)
	m.RecordResult(id, time.Millisecond, true)
	assert.Equal(t, api.HealthQuarantined, statusOf(t, reg, id))

	// Only explicit release leaves quarantine, back to starting.
	require.NoError(t, m.Unquarantine(id))
	assert.Equal(t, api.HealthStarting, statusOf(t, reg, id))
}

func TestUnquarantineRequiresQuarantined(t *testing.T) {
	_, m, id := setup(t)
	probe(m, id, true, 2)
	assert.True(t, api.IsConfigError(m.Unquarantine(id)))
}

func TestQuarantineUnknownInstance(t *testing.T) {
	_, m, _ := setup(t)
	assert.True(t, api.IsNotFound(m.Quarantine("ghost")))
}

func TestRoutabilityFollowsTransitions(t *testing.T) {
	reg, m, id := setup(t)

	assert.Empty(t, reg.FindByCapability("search"), "starting is not routable")
	probe(m, id, true, 2)
	assert.Len(t, reg.FindByCapability("search"), 1)

	probe(m, id, false, 4)
	assert.Empty(t, reg.FindByCapability("search"), "unhealthy leaves the index")
}

func TestHealthChangedEventPublished(t *testing.T) {
	reg, m, id := setup(t)

	var events []api.Event
	api.RegisterEventBus(&captureBus{events: &events})
	defer api.ResetHandlers()

	probe(m, id, true, 2)

	require.NotEmpty(t, events)
	ev := events[len(events)-1]
	assert.Equal(t, api.EventHealthChanged, ev.Type)
	assert.Equal(t, "starting", ev.Payload["old_state"])
	assert.Equal(t, "healthy", ev.Payload["new_state"])
	_ = reg
}

func TestTrackerP95(t *testing.T) {
	tr := newTracker(api.HealthHealthy)
	for i := 1; i <= 100; i++ {
		tr.record(time.Duration(i)*time.Millisecond, true, false)
	}
	assert.Equal(t, 95*time.Millisecond, tr.latencyP95())
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
