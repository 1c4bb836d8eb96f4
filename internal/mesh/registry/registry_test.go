package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"grace/internal/api"
	"grace/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	api.ResetHandlers()
	r, err := New("")
	require.NoError(t, err)
	return r
}

func chatInstance(port int) api.ServiceInstance {
	return api.ServiceInstance{
		Kind:         api.KindDomain,
		Endpoint:     api.Endpoint{Host: "127.0.0.1", Port: port},
		Capabilities: []string{"chat"},
	}
}

func markHealthy(t *testing.T, r *Registry, id string) {
	t.Helper()
	_, err := r.UpdateHealth(id, api.HealthSnapshot{Status: api.HealthHealthy, LastProbe: time.Now()})
	require.NoError(t, err)
}

func TestRegisterAssignsIDAndStartsStarting(t *testing.T) {
	r := newTestRegistry(t)

	inst, err := r.RegisterInstance(chatInstance(8101))
	require.NoError(t, err)
	assert.NotEmpty(t, inst.ID)
	assert.Equal(t, 100, inst.Weight, "default weight")

	snap, ok := r.HealthOf(inst.ID)
	require.True(t, ok)
	assert.Equal(t, api.HealthStarting, snap.Status)
}

func TestRegisterRejectsDuplicateEndpoint(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.RegisterInstance(chatInstance(8101))
	require.NoError(t, err)
	_, err = r.RegisterInstance(chatInstance(8101))
	assert.True(t, api.IsConfigError(err))

	// Same endpoint, different kind is a distinct unit.
	kernel := chatInstance(8101)
	kernel.Kind = api.KindKernel
	_, err = r.RegisterInstance(kernel)
	assert.NoError(t, err)
}

func TestRegisterValidatesCapabilities(t *testing.T) {
	r := newTestRegistry(t)

	bad := chatInstance(8101)
	bad.Capabilities = []string{"Not_Kebab"}
	_, err := r.RegisterInstance(bad)
	assert.True(t, api.IsConfigError(err))

	empty := chatInstance(8102)
	empty.Capabilities = nil
	_, err = r.RegisterInstance(empty)
	assert.True(t, api.IsConfigError(err))
}

func TestCapabilityIndexTracksRoutability(t *testing.T) {
	r := newTestRegistry(t)

	inst, err := r.RegisterInstance(chatInstance(8101))
	require.NoError(t, err)

	// Starting instances are not routable.
	assert.Empty(t, r.FindByCapability("chat"))

	markHealthy(t, r, inst.ID)
	found := r.FindByCapability("chat")
	require.Len(t, found, 1)
	assert.Equal(t, inst.ID, found[0].ID)

	// Degraded stays routable, unhealthy does not.
	_, err = r.UpdateHealth(inst.ID, api.HealthSnapshot{Status: api.HealthDegraded})
	require.NoError(t, err)
	assert.Len(t, r.FindByCapability("chat"), 1)

	_, err = r.UpdateHealth(inst.ID, api.HealthSnapshot{Status: api.HealthUnhealthy})
	require.NoError(t, err)
	assert.Empty(t, r.FindByCapability("chat"))
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)

	inst, err := r.RegisterInstance(chatInstance(8101))
	require.NoError(t, err)
	markHealthy(t, r, inst.ID)

	require.NoError(t, r.DeregisterInstance(inst.ID))
	require.NoError(t, r.DeregisterInstance(inst.ID))

	assert.Empty(t, r.FindByCapability("chat"))
	_, ok := r.FindByID(inst.ID)
	assert.False(t, ok)
}

func TestRegisterDeregisterRegisterEquivalence(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.RegisterInstance(chatInstance(8101))
	require.NoError(t, err)
	require.NoError(t, r.DeregisterInstance(a.ID))
	b, err := r.RegisterInstance(chatInstance(8101))
	require.NoError(t, err)
	markHealthy(t, r, b.ID)

	// Ids may differ; capability index content is equivalent to a single
	// registration.
	found := r.FindByCapability("chat")
	require.Len(t, found, 1)
	assert.Equal(t, b.ID, found[0].ID)
}

func TestUpdateHealthUnknownInstance(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.UpdateHealth("ghost", api.HealthSnapshot{Status: api.HealthHealthy})
	assert.True(t, api.IsNotFound(err))
}

func TestTopologyAndCounts(t *testing.T) {
	r := newTestRegistry(t)

	a, err := r.RegisterInstance(chatInstance(8101))
	require.NoError(t, err)
	_, err = r.RegisterInstance(chatInstance(8102))
	require.NoError(t, err)
	markHealthy(t, r, a.ID)

	topo := r.Topology()
	assert.Len(t, topo.Instances, 2)
	assert.Equal(t, []string{a.ID}, topo.Capabilities["chat"])
	assert.Equal(t, 1, topo.Counts["healthy"])
	assert.Equal(t, 1, topo.Counts["starting"])

	counts := r.HealthCounts()
	assert.Equal(t, 1, counts[api.HealthHealthy])
	assert.Equal(t, 1, counts[api.HealthStarting])
}

func TestWarmStartRoundTrip(t *testing.T) {
	api.ResetHandlers()
	path := t.TempDir() + "/services.json"

	r1, err := New(path)
	require.NoError(t, err)
	inst, err := r1.RegisterInstance(chatInstance(8101))
	require.NoError(t, err)

	r2, err := New(path)
	require.NoError(t, err)
	got, ok := r2.FindByID(inst.ID)
	require.True(t, ok, "warm start keeps ids stable")
	assert.Equal(t, inst.Endpoint, got.Endpoint)

	// Warm-started instances begin in starting again: discovery and the
	// health monitor re-establish routability.
	snap, _ := r2.HealthOf(inst.ID)
	assert.Equal(t, api.HealthStarting, snap.Status)
}

func TestDiscoverySweepRegistersResponder(t *testing.T) {
	api.ResetHandlers()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/healthz", req.URL.Path)
		json.NewEncoder(w).Encode(describeResponse{
			Name:         "librarian",
			Capabilities: []string{"search", "index-documents"},
		})
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	r, err := New("")
	require.NoError(t, err)
	cfg := config.RegistryConfig{
		AddressPlans: []config.AddressPlan{{Kind: "kernel", Host: u.Hostname(), PortStart: port, PortEnd: port}},
	}
	d := NewDiscovery(r, cfg, config.HealthConfig{ProbeTimeout: time.Second, ProbePath: "/healthz"}, false)

	d.Sweep(context.Background())

	all := r.ListAll()
	require.Len(t, all, 1)
	assert.Equal(t, api.KindKernel, all[0].Instance.Kind)
	assert.Equal(t, "librarian", all[0].Instance.Metadata["name"])
	assert.ElementsMatch(t, []string{"search", "index-documents"}, all[0].Instance.Capabilities)

	// Second sweep is a no-op for known endpoints.
	d.Sweep(context.Background())
	assert.Len(t, r.ListAll(), 1)
}

func TestDiscoveryOfflineSkipsExternals(t *testing.T) {
	api.ResetHandlers()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(describeResponse{Capabilities: []string{"web-search"}})
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())

	r, err := New("")
	require.NoError(t, err)
	cfg := config.RegistryConfig{
		AddressPlans: []config.AddressPlan{{Kind: "external", Host: u.Hostname(), PortStart: port, PortEnd: port}},
	}
	d := NewDiscovery(r, cfg, config.HealthConfig{ProbeTimeout: time.Second, ProbePath: "/healthz"}, true)

	d.Sweep(context.Background())
	assert.Empty(t, r.ListAll())
}

func TestReconcileFromFileAddsUnknown(t *testing.T) {
	api.ResetHandlers()
	path := t.TempDir() + "/services.json"

	r, err := New(path)
	require.NoError(t, err)
	_, err = r.RegisterInstance(chatInstance(8101))
	require.NoError(t, err)

	// Simulate an operator adding an instance to the file out of band.
	p := newPersister(path)
	services, err := p.load()
	require.NoError(t, err)
	services = append(services, api.ServiceInstance{
		ID:           "manual-id",
		Kind:         api.KindDomain,
		Endpoint:     api.Endpoint{Host: "127.0.0.1", Port: 8999},
		Capabilities: []string{"chat"},
	})
	p.store(services)

	r.reconcileFromFile()

	got, ok := r.FindByID("manual-id")
	require.True(t, ok, "file id preserved on reconcile")
	assert.Equal(t, 8999, got.Endpoint.Port)
	assert.Len(t, r.ListAll(), 2)
}
