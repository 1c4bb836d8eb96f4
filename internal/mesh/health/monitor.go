package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"

	"golang.org/x/sync/errgroup"
)

const source = "mesh"

// registryClient is the narrow registry surface the monitor needs. The
// monitor owns the transition rules; the registry stores the outcome and
// keeps the capability index consistent.
type registryClient interface {
	ListAll() []api.InstanceStatus
	FindByID(id string) (api.ServiceInstance, bool)
	UpdateHealth(id string, snap api.HealthSnapshot) (api.HealthStatus, error)
}

// Monitor drives the per-instance health state machine from periodic
// probes and from call outcomes reported by the gateway.
type Monitor struct {
	mu       sync.Mutex
	trackers map[string]*tracker

	reg    registryClient
	cfg    config.HealthConfig
	client *http.Client
}

// NewMonitor creates a health monitor over the registry.
func NewMonitor(reg registryClient, cfg config.HealthConfig) *Monitor {
	return &Monitor{
		trackers: make(map[string]*tracker),
		reg:      reg,
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
	}
}

// Run probes instances on their per-kind intervals until ctx is done.
// Probes run concurrently with a bounded fan-out so one slow endpoint
// cannot starve the schedule.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.probeDue(ctx, now)
		}
	}
}

func (m *Monitor) probeDue(ctx context.Context, now time.Time) {
	var due []api.InstanceStatus
	for _, status := range m.reg.ListAll() {
		if status.Health.Status == api.HealthQuarantined {
			continue
		}
		if now.Sub(m.lastProbe(status.Instance.ID)) >= m.interval(status.Instance.Kind) {
			due = append(due, status)
		}
	}
	if len(due) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, status := range due {
		inst := status.Instance
		g.Go(func() error {
			m.ProbeInstance(gctx, inst)
			return nil
		})
	}
	_ = g.Wait()
}

// ProbeInstance performs one HTTP health probe and feeds the outcome
// through the state machine.
func (m *Monitor) ProbeInstance(ctx context.Context, inst api.ServiceInstance) {
	url := fmt.Sprintf("http://%s:%d%s", inst.Endpoint.Host, inst.Endpoint.Port, m.cfg.ProbePath)
	start := time.Now()

	ok := false
	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil); err == nil {
		if resp, err := m.client.Do(req); err == nil {
			resp.Body.Close()
			ok = resp.StatusCode >= 200 && resp.StatusCode < 300
		}
	}
	m.observe(inst.ID, time.Since(start), ok, true)
}

// RecordResult implements api.HealthReporter: the gateway reports each
// routed call so rolling error rates reflect real traffic. Call outcomes
// feed the rolling windows but not the consecutive-probe counters.
func (m *Monitor) RecordResult(instanceID string, latency time.Duration, success bool) {
	m.observe(instanceID, latency, success, false)
}

// HealthOf implements api.HealthMonitorHandler.
func (m *Monitor) HealthOf(instanceID string) (api.HealthSnapshot, bool) {
	m.mu.Lock()
	tr, ok := m.trackers[instanceID]
	if !ok {
		m.mu.Unlock()
		// Untracked yet: fall back to the registry's stored state.
		if r, exists := m.reg.(interface {
			HealthOf(string) (api.HealthSnapshot, bool)
		}); exists {
			return r.HealthOf(instanceID)
		}
		return api.HealthSnapshot{}, false
	}
	snap := tr.snapshot()
	m.mu.Unlock()
	return snap, true
}

// Quarantine implements api.HealthMonitorHandler: force the instance out
// of rotation until explicitly released.
func (m *Monitor) Quarantine(instanceID string) error {
	return m.forceStatus(instanceID, api.HealthQuarantined)
}

// Unquarantine implements api.HealthMonitorHandler. The instance
// restarts its probation in starting.
func (m *Monitor) Unquarantine(instanceID string) error {
	m.mu.Lock()
	if tr, ok := m.trackers[instanceID]; ok {
		if tr.status != api.HealthQuarantined {
			m.mu.Unlock()
			return api.NewConfigError("instance", instanceID+" is not quarantined")
		}
		tr.reset(api.HealthStarting)
	}
	m.mu.Unlock()
	return m.forceStatus(instanceID, api.HealthStarting)
}

func (m *Monitor) forceStatus(instanceID string, status api.HealthStatus) error {
	if _, ok := m.reg.FindByID(instanceID); !ok {
		return api.NewNotFoundError("instance", instanceID)
	}

	m.mu.Lock()
	tr := m.tracker(instanceID)
	tr.status = status
	snap := tr.snapshot()
	m.mu.Unlock()

	old, err := m.reg.UpdateHealth(instanceID, snap)
	if err != nil {
		return err
	}
	if old != status {
		m.publishTransition(instanceID, old, status)
	}
	return nil
}

// observe feeds one sample through the state machine and pushes any
// transition to the registry and the bus.
func (m *Monitor) observe(instanceID string, latency time.Duration, success, isProbe bool) {
	if _, ok := m.reg.FindByID(instanceID); !ok {
		return
	}

	m.mu.Lock()
	tr := m.tracker(instanceID)
	if tr.status == api.HealthQuarantined {
		m.mu.Unlock()
		return
	}
	old := tr.status
	tr.record(latency, success, isProbe)
	next := m.nextStatus(tr)
	if next != old {
		tr.transition(next)
	}
	snap := tr.snapshot()
	m.mu.Unlock()

	if _, err := m.reg.UpdateHealth(instanceID, snap); err != nil {
		return
	}
	if next != old {
		m.publishTransition(instanceID, old, next)
	}
}

// nextStatus applies the state machine rules to the tracker's current
// windows. Caller holds the monitor lock.
func (m *Monitor) nextStatus(tr *tracker) api.HealthStatus {
	errRate := tr.errorRate()
	p95 := tr.latencyP95()

	switch tr.status {
	case api.HealthStarting:
		if tr.consecProbeSucc >= m.cfg.SuccessesToHealthy {
			return api.HealthHealthy
		}
	case api.HealthHealthy:
		if errRate > m.cfg.DegradedErrorRate || (m.cfg.DegradedLatencyP95 > 0 && p95 > m.cfg.DegradedLatencyP95) {
			return api.HealthDegraded
		}
	case api.HealthDegraded:
		if errRate > m.cfg.UnhealthyErrorRate || tr.consecProbeFail >= m.cfg.FailuresToUnhealthy {
			return api.HealthUnhealthy
		}
		if tr.consecProbeSucc >= m.cfg.SuccessesToHealthy && errRate <= m.cfg.DegradedErrorRate {
			return api.HealthHealthy
		}
	case api.HealthUnhealthy:
		if tr.consecProbeSucc >= 1 {
			return api.HealthDegraded
		}
	}
	return tr.status
}

func (m *Monitor) publishTransition(instanceID string, old, next api.HealthStatus) {
	logging.Info("Health", "instance %s: %s -> %s", instanceID, old, next)
	eb := api.GetEventBus()
	if eb == nil {
		return
	}
	if err := eb.TryPublish(api.Event{
		Type:   api.EventHealthChanged,
		Source: source,
		Payload: map[string]interface{}{
			"instance_id": instanceID,
			"old_state":   string(old),
			"new_state":   string(next),
		},
	}); err != nil {
		logging.Warn("Health", "could not publish health.changed: %v", err)
	}

	// An instance going unhealthy is a healing trigger; the playbook
	// executor subscribes to this.
	if next == api.HealthUnhealthy {
		_ = eb.TryPublish(api.Event{
			Type:   api.EventHealingNeeded,
			Source: source,
			Payload: map[string]interface{}{
				"failure_kind": "instance_unhealthy",
				"instance_id":  instanceID,
			},
		})
	}
}

// tracker returns the tracker for an instance, creating it in the
// registry's stored status on first sight. Caller holds the lock.
func (m *Monitor) tracker(instanceID string) *tracker {
	tr, ok := m.trackers[instanceID]
	if !ok {
		status := api.HealthStarting
		if r, exists := m.reg.(interface {
			HealthOf(string) (api.HealthSnapshot, bool)
		}); exists {
			if snap, found := r.HealthOf(instanceID); found && snap.Status != "" {
				status = snap.Status
			}
		}
		tr = newTracker(status)
		m.trackers[instanceID] = tr
	}
	return tr
}

func (m *Monitor) lastProbe(instanceID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tr, ok := m.trackers[instanceID]; ok {
		return tr.lastProbe
	}
	return time.Time{}
}

func (m *Monitor) interval(kind api.InstanceKind) time.Duration {
	if d, ok := m.cfg.ProbeIntervals[string(kind)]; ok && d > 0 {
		return d
	}
	return 30 * time.Second
}
