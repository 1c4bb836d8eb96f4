package app

import (
	"grace/internal/actions"
	"grace/internal/api"
	"grace/internal/bus"
	"grace/internal/config"
	"grace/internal/incident"
	"grace/internal/mesh/balancer"
	"grace/internal/mesh/gateway"
	"grace/internal/mesh/health"
	"grace/internal/mesh/registry"
	"grace/internal/meta"
	"grace/internal/playbook"
	"grace/internal/server"
	"grace/internal/snapshot"
	"grace/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// components holds every constructed runtime part. Construction order
// is the dependency order; run() starts the background workers.
type components struct {
	cfg config.CoreConfig

	bus       *bus.Bus
	incidents *incident.Log
	snapshots *snapshot.Manager
	registry  *registry.Registry
	discovery *registry.Discovery
	monitor   *health.Monitor
	balancer  *balancer.Balancer
	gateway   *gateway.Gateway
	actions   *actions.Gateway
	executor  *playbook.Executor
	meta      *meta.Loop
	policy    *policyStore
	server    *server.Server
}

func buildComponents(cfg config.CoreConfig) (*components, error) {
	c := &components{cfg: cfg}

	c.bus = bus.New(cfg.Bus.RingCapacity, cfg.Bus.LagWatermark)
	api.RegisterEventBus(c.bus)
	// The two core sources cross a trust boundary toward external
	// collaborators; their events are signed.
	for _, source := range []string{"mesh", "guardian"} {
		if _, err := c.bus.Keys().Issue(source); err != nil {
			return nil, err
		}
	}

	il, err := incident.NewLog(cfg.Incidents.Dir)
	if err != nil {
		return nil, err
	}
	c.incidents = il
	api.RegisterIncidentLog(il)

	sm, err := snapshot.NewManager(cfg.Snapshots)
	if err != nil {
		return nil, err
	}
	c.snapshots = sm
	api.RegisterSnapshotManager(sm)

	reg, err := registry.New(cfg.Registry.PersistPath)
	if err != nil {
		return nil, err
	}
	c.registry = reg
	api.RegisterRegistry(reg)

	c.monitor = health.NewMonitor(reg, cfg.Health)
	api.RegisterHealthMonitor(c.monitor)

	c.balancer = balancer.New(reg, cfg.Balancer)
	api.RegisterBalancer(c.balancer)

	c.gateway = gateway.New(reg, c.balancer, c.monitor, cfg.Gateway)
	api.RegisterGateway(c.gateway)

	c.discovery = registry.NewDiscovery(reg, cfg.Registry, cfg.Health, cfg.Modes.Offline)

	c.policy = newPolicyStore()
	c.actions = actions.NewGateway(cfg.Actions)
	c.actions.SetWorldState(c.worldState)
	c.actions.SetPolicy(func(req api.ActionRequest) (string, bool) {
		if c.policy.AutoApproves(req.ActionType) {
			return "policy:auto-approval", true
		}
		return "", false
	})
	if err := registerCoreActions(c.actions, c.policy); err != nil {
		return nil, err
	}
	api.RegisterActionGateway(c.actions)

	if err := sm.RegisterCapturer("registry", &registryStateCapturer{path: cfg.Registry.PersistPath}); err != nil {
		return nil, err
	}
	if err := sm.RegisterCapturer("policy", &policyCapturer{store: c.policy}); err != nil {
		return nil, err
	}

	c.executor = playbook.NewExecutor(cfg.Modes)
	for _, pb := range playbook.Catalogue() {
		if err := c.executor.Register(pb); err != nil {
			return nil, err
		}
	}
	api.RegisterPlaybookRunner(c.executor)

	c.meta = meta.NewLoop(cfg.Meta)
	api.RegisterMeta(c.meta)

	c.server = server.New(cfg.Server, promhttp.HandlerFor(c.meta.Registry(), promhttp.HandlerOpts{}))

	logging.Info("Bootstrap", "Components built: %d playbooks, ingress %s:%d",
		len(playbook.Catalogue()), cfg.Server.Host, cfg.Server.Port)
	return c, nil
}

// worldState is the snapshot action contracts are evaluated against.
func (c *components) worldState() map[string]interface{} {
	counts := c.registry.HealthCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	_, pending := c.actions.Pending(0, 1)

	state := c.policy.State()
	return map[string]interface{}{
		"instance_count":  total,
		"healthy_count":   counts[api.HealthHealthy],
		"degraded_count":  counts[api.HealthDegraded],
		"unhealthy_count": counts[api.HealthUnhealthy],
		"open_incidents":  len(c.incidents.OpenIncidents()),
		"pending_actions": pending,
		"supervised":      state.Supervised,
		"autonomy_tier":   int(state.AutonomyTier),
	}
}
