package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"
)

// Discovery sweeps the configured address plans, registering responders
// the registry does not know yet. It never mutates known instances:
// probe failures for those are the health monitor's business, and
// demotion (not deregistration) keeps ids stable for operators.
type Discovery struct {
	reg     *Registry
	cfg     config.RegistryConfig
	offline bool
	client  *http.Client
	probe   string
}

// NewDiscovery creates a discovery sweeper over the registry's address
// plans. With offline set, plans for external instances are skipped.
func NewDiscovery(reg *Registry, cfg config.RegistryConfig, health config.HealthConfig, offline bool) *Discovery {
	return &Discovery{
		reg:     reg,
		cfg:     cfg,
		offline: offline,
		client:  &http.Client{Timeout: health.ProbeTimeout},
		probe:   health.ProbePath,
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
// Registry operations never block on this: the sweep runs on its own
// task and feeds results through the ordinary register path.
func (d *Discovery) Run(ctx context.Context) {
	interval := d.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep probes every candidate endpoint once. Probe failure is not
// fatal; unknown endpoints that do not answer simply stay unknown.
func (d *Discovery) Sweep(ctx context.Context) {
	for _, plan := range d.cfg.AddressPlans {
		kind := api.InstanceKind(plan.Kind)
		if d.offline && kind == api.KindExternal {
			continue
		}
		for port := plan.PortStart; port <= plan.PortEnd; port++ {
			if ctx.Err() != nil {
				return
			}
			ep := api.Endpoint{Host: plan.Host, Port: port}
			if _, known := d.reg.HasEndpoint(kind, ep); known {
				continue
			}
			desc, err := d.describe(ctx, ep)
			if err != nil {
				continue
			}
			d.registerDiscovered(kind, ep, desc)
		}
	}
}

// describeResponse is what an instance's health endpoint returns. Name
// and capabilities identify the instance; everything else is optional.
type describeResponse struct {
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities"`
	Weight       int               `json:"weight,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (d *Discovery) describe(ctx context.Context, ep api.Endpoint) (*describeResponse, error) {
	url := fmt.Sprintf("http://%s:%d%s", ep.Host, ep.Port, d.probe)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	var desc describeResponse
	if err := json.NewDecoder(resp.Body).Decode(&desc); err != nil {
		return nil, fmt.Errorf("probe response: %w", err)
	}
	if len(desc.Capabilities) == 0 {
		return nil, fmt.Errorf("probe response declares no capabilities")
	}
	return &desc, nil
}

func (d *Discovery) registerDiscovered(kind api.InstanceKind, ep api.Endpoint, desc *describeResponse) {
	inst := api.ServiceInstance{
		Kind:         kind,
		Endpoint:     ep,
		Capabilities: desc.Capabilities,
		Weight:       desc.Weight,
		Metadata:     desc.Metadata,
	}
	if desc.Name != "" {
		if inst.Metadata == nil {
			inst.Metadata = make(map[string]string)
		}
		inst.Metadata["name"] = desc.Name
	}
	registered, err := d.reg.RegisterInstance(inst)
	if err != nil {
		logging.Warn("Discovery", "discovered %s but could not register: %v", ep.String(), err)
		return
	}
	logging.Info("Discovery", "registered %s instance %s at %s", kind, registered.ID, ep.String())
}
