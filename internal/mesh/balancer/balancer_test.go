package balancer

import (
	"testing"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/internal/mesh/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, n int) (*registry.Registry, *Balancer, []string) {
	t.Helper()
	api.ResetHandlers()
	reg, err := registry.New("")
	require.NoError(t, err)

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		inst, err := reg.RegisterInstance(api.ServiceInstance{
			Kind:         api.KindDomain,
			Endpoint:     api.Endpoint{Host: "127.0.0.1", Port: 8101 + i},
			Capabilities: []string{"chat"},
		})
		require.NoError(t, err)
		_, err = reg.UpdateHealth(inst.ID, api.HealthSnapshot{Status: api.HealthHealthy})
		require.NoError(t, err)
		ids = append(ids, inst.ID)
	}
	return reg, New(reg, config.BalancerConfig{}), ids
}

func TestPickEmptySetUnavailable(t *testing.T) {
	_, b, _ := setup(t, 0)
	_, err := b.Pick("chat", api.StrategyRoundRobin, "")
	assert.True(t, api.IsUnavailable(err))
}

func TestRoundRobinCycles(t *testing.T) {
	_, b, _ := setup(t, 3)

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		id, err := b.Pick("chat", api.StrategyRoundRobin, "")
		require.NoError(t, err)
		seen[id]++
		b.Release(id)
	}
	require.Len(t, seen, 3)
	for _, n := range seen {
		assert.Equal(t, 3, n, "round robin spreads evenly")
	}
}

func TestLeastOutstandingPrefersIdle(t *testing.T) {
	_, b, _ := setup(t, 3)

	// Load two instances; the third must win until it catches up.
	a, err := b.Pick("chat", api.StrategyLeastOutstanding, "")
	require.NoError(t, err)
	c, err := b.Pick("chat", api.StrategyLeastOutstanding, "")
	require.NoError(t, err)
	require.NotEqual(t, a, c)

	idle, err := b.Pick("chat", api.StrategyLeastOutstanding, "")
	require.NoError(t, err)
	assert.NotEqual(t, a, idle)
	assert.NotEqual(t, c, idle)
	assert.Equal(t, 1, b.InFlight(idle))
}

func TestReleaseDecrements(t *testing.T) {
	_, b, _ := setup(t, 1)

	id, err := b.Pick("chat", api.StrategyRoundRobin, "")
	require.NoError(t, err)
	id2, err := b.Pick("chat", api.StrategyRoundRobin, "")
	require.NoError(t, err)
	require.Equal(t, id, id2)
	assert.Equal(t, 2, b.InFlight(id))

	b.Release(id)
	assert.Equal(t, 1, b.InFlight(id))
	b.Release(id)
	b.Release(id) // extra releases are harmless
	assert.Equal(t, 0, b.InFlight(id))
}

func TestWeightedAvoidsDegradedAndSlow(t *testing.T) {
	reg, b, ids := setup(t, 3)

	// ids[0] degraded, ids[1] slow, ids[2] clean.
	_, err := reg.UpdateHealth(ids[0], api.HealthSnapshot{Status: api.HealthDegraded, ErrorRate: 0.2})
	require.NoError(t, err)
	_, err = reg.UpdateHealth(ids[1], api.HealthSnapshot{Status: api.HealthHealthy, LatencyP95: 800 * time.Millisecond})
	require.NoError(t, err)

	id, err := b.Pick("chat", api.StrategyWeighted, "")
	require.NoError(t, err)
	assert.Equal(t, ids[2], id)
}

func TestStickySameKeySameInstance(t *testing.T) {
	_, b, _ := setup(t, 3)

	first, err := b.Pick("chat", api.StrategySticky, "session-42")
	require.NoError(t, err)
	b.Release(first)
	for i := 0; i < 5; i++ {
		id, err := b.Pick("chat", api.StrategySticky, "session-42")
		require.NoError(t, err)
		assert.Equal(t, first, id)
		b.Release(id)
	}
}

func TestStickyRemapIsBounded(t *testing.T) {
	reg, b, _ := setup(t, 3)

	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	before := make(map[string]string)
	for _, k := range keys {
		id, err := b.Pick("chat", api.StrategySticky, k)
		require.NoError(t, err)
		before[k] = id
		b.Release(id)
	}

	// Remove one instance; keys it did not own must keep their owner.
	var removed string
	for _, id := range before {
		removed = id
		break
	}
	require.NoError(t, reg.DeregisterInstance(removed))

	for _, k := range keys {
		id, err := b.Pick("chat", api.StrategySticky, k)
		require.NoError(t, err)
		b.Release(id)
		if before[k] != removed {
			assert.Equal(t, before[k], id, "key %s should not remap", k)
		} else {
			assert.NotEqual(t, removed, id, "key %s must leave the removed instance", k)
		}
	}
}

func TestStickyWithoutKeyFallsBack(t *testing.T) {
	_, b, _ := setup(t, 2)

	a, err := b.Pick("chat", api.StrategySticky, "")
	require.NoError(t, err)
	b.Release(a)
	c, err := b.Pick("chat", api.StrategySticky, "")
	require.NoError(t, err)
	assert.NotEqual(t, a, c, "empty key degrades to round robin")
}

func TestConfiguredDefaultStrategy(t *testing.T) {
	api.ResetHandlers()
	reg, err := registry.New("")
	require.NoError(t, err)
	inst, err := reg.RegisterInstance(api.ServiceInstance{
		Kind:         api.KindDomain,
		Endpoint:     api.Endpoint{Host: "127.0.0.1", Port: 8101},
		Capabilities: []string{"chat"},
	})
	require.NoError(t, err)
	_, err = reg.UpdateHealth(inst.ID, api.HealthSnapshot{Status: api.HealthHealthy})
	require.NoError(t, err)

	b := New(reg, config.BalancerConfig{
		DefaultStrategy:      string(api.StrategyLeastOutstanding),
		CapabilityStrategies: map[string]string{"chat": string(api.StrategySticky)},
	})
	assert.Equal(t, api.StrategySticky, b.resolve("chat", ""))
	assert.Equal(t, api.StrategyLeastOutstanding, b.resolve("other", ""))
	assert.Equal(t, api.StrategyWeighted, b.resolve("chat", api.StrategyWeighted))
}
