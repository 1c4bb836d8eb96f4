package balancer

import (
	"sort"
	"sync"

	"grace/internal/api"
	"grace/internal/config"
)

// registryClient is the registry surface the balancer reads. Selection
// only ever sees routable instances; the capability index filters the
// rest.
type registryClient interface {
	FindByCapability(capability string) []api.ServiceInstance
	HealthOf(id string) (api.HealthSnapshot, bool)
}

// Balancer picks instances for capabilities and tracks in-flight counts.
// All strategies operate on the routable set only; selection state
// (cursors, sticky rings, in-flight counters) lives here, never in the
// registry.
type Balancer struct {
	mu       sync.Mutex
	reg      registryClient
	cfg      config.BalancerConfig
	cursors  map[string]int
	inflight map[string]int
	rings    map[string]*stickyRing

	// scratch buffers reused across Picks to keep the hot path free of
	// per-call allocation.
	ids    []string
	scores []candidate
}

type candidate struct {
	id     string
	weight int
	health api.HealthSnapshot
}

// New creates a balancer over the registry.
func New(reg registryClient, cfg config.BalancerConfig) *Balancer {
	return &Balancer{
		reg:      reg,
		cfg:      cfg,
		cursors:  make(map[string]int),
		inflight: make(map[string]int),
		rings:    make(map[string]*stickyRing),
	}
}

// Pick implements api.BalancerHandler. The chosen instance's in-flight
// counter is incremented; the caller must Release exactly once.
func (b *Balancer) Pick(capability string, strategy api.Strategy, stickyKey string) (string, error) {
	instances := b.reg.FindByCapability(capability)
	if len(instances) == 0 {
		return "", api.NewUnavailableError("capability "+capability, nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ids = b.ids[:0]
	b.scores = b.scores[:0]
	for _, inst := range instances {
		b.ids = append(b.ids, inst.ID)
		snap, _ := b.reg.HealthOf(inst.ID)
		b.scores = append(b.scores, candidate{id: inst.ID, weight: inst.Weight, health: snap})
	}
	// Registry ordering is unspecified; sort so cursors and rings see a
	// stable membership.
	sort.Strings(b.ids)
	sort.Slice(b.scores, func(i, j int) bool { return b.scores[i].id < b.scores[j].id })

	var id string
	switch b.resolve(capability, strategy) {
	case api.StrategyLeastOutstanding:
		id = b.pickLeastOutstanding(capability)
	case api.StrategyWeighted:
		id = b.pickWeighted()
	case api.StrategySticky:
		id = b.pickSticky(capability, stickyKey)
	default:
		id = b.pickRoundRobin(capability)
	}

	b.inflight[id]++
	return id, nil
}

// Release implements api.BalancerHandler.
func (b *Balancer) Release(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := b.inflight[instanceID]; n > 1 {
		b.inflight[instanceID] = n - 1
	} else {
		delete(b.inflight, instanceID)
	}
}

// InFlight implements api.BalancerHandler.
func (b *Balancer) InFlight(instanceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight[instanceID]
}

// resolve maps the request strategy through per-capability and default
// configuration, falling back to round robin.
func (b *Balancer) resolve(capability string, strategy api.Strategy) api.Strategy {
	if strategy != "" {
		return strategy
	}
	if s, ok := b.cfg.CapabilityStrategies[capability]; ok {
		return api.Strategy(s)
	}
	if b.cfg.DefaultStrategy != "" {
		return api.Strategy(b.cfg.DefaultStrategy)
	}
	return api.StrategyRoundRobin
}

func (b *Balancer) pickRoundRobin(capability string) string {
	cur := b.cursors[capability]
	id := b.ids[cur%len(b.ids)]
	b.cursors[capability] = cur + 1
	return id
}

// pickLeastOutstanding selects the instance with the fewest in-flight
// calls, breaking ties round-robin so equal instances share load.
func (b *Balancer) pickLeastOutstanding(capability string) string {
	min := -1
	for _, id := range b.ids {
		if n := b.inflight[id]; min < 0 || n < min {
			min = n
		}
	}
	cur := b.cursors[capability]
	b.cursors[capability] = cur + 1
	for i := 0; i < len(b.ids); i++ {
		id := b.ids[(cur+i)%len(b.ids)]
		if b.inflight[id] == min {
			return id
		}
	}
	return b.ids[cur%len(b.ids)]
}

// pickWeighted scores every candidate on load, health, latency and
// success rate and takes the argmax. Ties fall to the higher static
// weight.
func (b *Balancer) pickWeighted() string {
	maxInflight, maxLatency := 0, 0.0
	for _, c := range b.scores {
		if n := b.inflight[c.id]; n > maxInflight {
			maxInflight = n
		}
		if l := float64(c.health.LatencyP95); l > maxLatency {
			maxLatency = l
		}
	}

	best, bestScore := b.scores[0], -1.0
	for _, c := range b.scores {
		loadRatio := 0.0
		if maxInflight > 0 {
			loadRatio = float64(b.inflight[c.id]) / float64(maxInflight)
		}
		normLatency := 0.0
		if maxLatency > 0 {
			normLatency = float64(c.health.LatencyP95) / maxLatency
		}
		healthScore := 0.0
		switch c.health.Status {
		case api.HealthHealthy:
			healthScore = 1.0
		case api.HealthDegraded:
			healthScore = 0.5
		}
		score := 0.3*(1-loadRatio) + 0.3*healthScore + 0.25*(1-normLatency) + 0.15*(1-c.health.ErrorRate)
		if score > bestScore || (score == bestScore && c.weight > best.weight) {
			best, bestScore = c, score
		}
	}
	return best.id
}

// pickSticky hashes the key onto the capability's slot ring. Membership
// changes remap only the slots whose owner left; every other key keeps
// its instance.
func (b *Balancer) pickSticky(capability, stickyKey string) string {
	ring, ok := b.rings[capability]
	if !ok {
		ring = newStickyRing()
		b.rings[capability] = ring
	}
	ring.rebuild(b.ids)
	if stickyKey == "" {
		return b.pickRoundRobin(capability)
	}
	return ring.owner(stickyKey)
}
