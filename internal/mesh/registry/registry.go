package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"

	"github.com/google/uuid"
)

// source is the event-bus source id for mesh components.
const source = "mesh"

// Registry is the authoritative set of service instances plus the
// capability index. A single writer lock guards mutations; reads take
// the shared lock. The index holds only routable (healthy or degraded)
// instances and is rebuilt on every register, deregister and health
// transition.
type Registry struct {
	mu         sync.RWMutex
	instances  map[string]api.ServiceInstance
	health     map[string]api.HealthSnapshot
	byEndpoint map[string]string   // kind|host:port -> id
	capIndex   map[string][]string // capability -> routable instance ids

	persist *persister
	now     func() time.Time
}

// New creates an empty registry. If persistPath is non-empty the
// registry warm-starts from it and writes it back on every mutation.
func New(persistPath string) (*Registry, error) {
	r := &Registry{
		instances:  make(map[string]api.ServiceInstance),
		health:     make(map[string]api.HealthSnapshot),
		byEndpoint: make(map[string]string),
		capIndex:   make(map[string][]string),
		now:        time.Now,
	}
	if persistPath != "" {
		r.persist = newPersister(persistPath)
		warm, err := r.persist.load()
		if err != nil {
			return nil, err
		}
		for _, inst := range warm {
			if _, err := r.register(inst, true); err != nil {
				logging.Warn("Registry", "skipping warm-start instance %s: %v", inst.ID, err)
			}
		}
		if len(warm) > 0 {
			logging.Info("Registry", "warm-started %d instance(s) from %s", len(warm), persistPath)
		}
	}
	return r, nil
}

// RegisterInstance implements api.RegistryHandler.
func (r *Registry) RegisterInstance(inst api.ServiceInstance) (api.ServiceInstance, error) {
	registered, err := r.register(inst, false)
	if err != nil {
		return api.ServiceInstance{}, err
	}

	r.publish(api.EventRegistryAdded, map[string]interface{}{
		"instance_id":  registered.ID,
		"kind":         string(registered.Kind),
		"endpoint":     registered.Endpoint.String(),
		"capabilities": registered.Capabilities,
	})
	return registered, nil
}

// register validates and stores an instance. keepID preserves warm-start
// ids so operators see stable identities across restarts.
func (r *Registry) register(inst api.ServiceInstance, keepID bool) (api.ServiceInstance, error) {
	switch inst.Kind {
	case api.KindDomain, api.KindKernel, api.KindExternal:
	default:
		return api.ServiceInstance{}, api.NewConfigError("kind", fmt.Sprintf("unknown instance kind %q", inst.Kind))
	}
	if inst.Endpoint.Host == "" || inst.Endpoint.Port < 1 || inst.Endpoint.Port > 65535 {
		return api.ServiceInstance{}, api.NewConfigError("endpoint", "instance endpoint must have host and valid port")
	}
	if len(inst.Capabilities) == 0 {
		return api.ServiceInstance{}, api.NewConfigError("capabilities", "instance must declare at least one capability")
	}
	for _, c := range inst.Capabilities {
		if !config.ValidCapability(c) {
			return api.ServiceInstance{}, api.NewConfigError("capabilities", fmt.Sprintf("capability %q is not kebab-case", c))
		}
	}
	if inst.Weight <= 0 {
		inst.Weight = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := endpointKey(inst.Kind, inst.Endpoint)
	if existing, dup := r.byEndpoint[key]; dup {
		return api.ServiceInstance{}, api.NewConfigError("endpoint",
			fmt.Sprintf("endpoint %s already registered as %s", inst.Endpoint.String(), existing))
	}

	if !keepID || inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	inst.RegisteredAt = r.now().UTC()

	r.instances[inst.ID] = inst
	r.byEndpoint[key] = inst.ID
	r.health[inst.ID] = api.HealthSnapshot{Status: api.HealthStarting, LastProbe: time.Time{}}
	r.rebuildIndexLocked()
	r.persistLocked()
	return inst, nil
}

// DeregisterInstance implements api.RegistryHandler. Idempotent.
func (r *Registry) DeregisterInstance(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
		delete(r.health, id)
		delete(r.byEndpoint, endpointKey(inst.Kind, inst.Endpoint))
		r.rebuildIndexLocked()
		r.persistLocked()
	}
	r.mu.Unlock()

	if ok {
		r.publish(api.EventRegistryRemoved, map[string]interface{}{
			"instance_id": id,
			"endpoint":    inst.Endpoint.String(),
		})
	}
	return nil
}

// FindByCapability implements api.RegistryHandler. Ordering is
// unspecified; selection belongs to the balancer.
func (r *Registry) FindByCapability(capability string) []api.ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.capIndex[capability]
	out := make([]api.ServiceInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.instances[id])
	}
	return out
}

// FindByID implements api.RegistryHandler.
func (r *Registry) FindByID(id string) (api.ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// ListAll implements api.RegistryHandler.
func (r *Registry) ListAll() []api.InstanceStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.InstanceStatus, 0, len(r.instances))
	for id, inst := range r.instances {
		out = append(out, api.InstanceStatus{Instance: inst, Health: r.health[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance.ID < out[j].Instance.ID })
	return out
}

// Topology implements api.RegistryHandler.
func (r *Registry) Topology() api.TopologySummary {
	summary := api.TopologySummary{
		Instances:    r.ListAll(),
		Capabilities: make(map[string][]string),
		Counts:       make(map[string]int),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for cap, ids := range r.capIndex {
		summary.Capabilities[cap] = append([]string(nil), ids...)
	}
	for id := range r.instances {
		summary.Counts[string(r.health[id].Status)]++
	}
	return summary
}

// HealthCounts implements api.RegistryHandler.
func (r *Registry) HealthCounts() map[api.HealthStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[api.HealthStatus]int)
	for id := range r.instances {
		counts[r.health[id].Status]++
	}
	return counts
}

// HealthOf returns the stored health snapshot for an instance.
func (r *Registry) HealthOf(id string) (api.HealthSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.health[id]
	return snap, ok
}

// UpdateHealth stores a new health snapshot and returns the previous
// status. The capability index is rebuilt when routability changes. The
// health monitor owns the transition rules and publishes the
// health.changed event; the registry only stores the outcome.
func (r *Registry) UpdateHealth(id string, snap api.HealthSnapshot) (api.HealthStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[id]; !ok {
		return "", api.NewNotFoundError("instance", id)
	}
	old := r.health[id].Status
	r.health[id] = snap
	if old.Routable() != snap.Status.Routable() {
		r.rebuildIndexLocked()
	}
	return old, nil
}

// HasEndpoint reports whether (kind, endpoint) is already registered.
// Discovery uses this to distinguish new responders from known ones.
func (r *Registry) HasEndpoint(kind api.InstanceKind, ep api.Endpoint) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEndpoint[endpointKey(kind, ep)]
	return id, ok
}

// rebuildIndexLocked recomputes capability -> routable ids. Ids are kept
// sorted so rebuilds are deterministic. Caller holds the write lock.
func (r *Registry) rebuildIndexLocked() {
	index := make(map[string][]string, len(r.capIndex))
	for id, inst := range r.instances {
		if !r.health[id].Status.Routable() {
			continue
		}
		for _, c := range inst.Capabilities {
			index[c] = append(index[c], id)
		}
	}
	for _, ids := range index {
		sort.Strings(ids)
	}
	r.capIndex = index
}

func (r *Registry) persistLocked() {
	if r.persist == nil {
		return
	}
	insts := make([]api.ServiceInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		insts = append(insts, inst)
	}
	r.persist.store(insts)
}

func (r *Registry) publish(eventType string, payload map[string]interface{}) {
	if eb := api.GetEventBus(); eb != nil {
		if err := eb.TryPublish(api.Event{Type: eventType, Source: source, Payload: payload}); err != nil {
			logging.Warn("Registry", "could not publish %s: %v", eventType, err)
		}
	}
}

func endpointKey(kind api.InstanceKind, ep api.Endpoint) string {
	return fmt.Sprintf("%s|%s:%d", kind, ep.Host, ep.Port)
}
