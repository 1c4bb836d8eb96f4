package meta

import (
	"context"
	"runtime"
	"sync"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

const source = "guardian"

// Loop is the proactive intelligence cycle: sample metrics, aggregate
// them over a window, compare against thresholds and issue directives
// through the action gateway when the system drifts.
type Loop struct {
	mu         sync.Mutex
	cfg        config.MetaConfig
	samples    []sample
	directives []api.Directive
	baseline   map[string]interface{}
	previous   map[string]float64

	registry *prometheus.Registry
	metrics  gauges
	cron     *cron.Cron
	now      func() time.Time
}

type sample struct {
	at     time.Time
	fields map[string]float64
}

type gauges struct {
	instances    *prometheus.GaugeVec
	pending      prometheus.Gauge
	incidents    prometheus.Gauge
	playbookRate *prometheus.GaugeVec
	goroutines   prometheus.Gauge
	heapAlloc    prometheus.Gauge
}

// NewLoop creates the meta loop with its own prometheus registry.
func NewLoop(cfg config.MetaConfig) *Loop {
	reg := prometheus.NewRegistry()
	m := gauges{
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grace_mesh_instances",
			Help: "Registered instances by health status.",
		}, []string{"status"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grace_actions_pending",
			Help: "Actions waiting for approval.",
		}),
		incidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grace_incidents_open",
			Help: "Unresolved incidents.",
		}),
		playbookRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grace_playbook_success_rate",
			Help: "Exponentially weighted playbook success rate.",
		}, []string{"playbook"}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grace_goroutines",
			Help: "Goroutine count.",
		}),
		heapAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grace_heap_alloc_bytes",
			Help: "Heap bytes in use.",
		}),
	}
	reg.MustRegister(m.instances, m.pending, m.incidents, m.playbookRate, m.goroutines, m.heapAlloc)

	l := &Loop{
		cfg:      cfg,
		registry: reg,
		metrics:  m,
		now:      time.Now,
	}
	// The report left by the previous process anchors the daily drift
	// review.
	l.previous = l.readPreviousBaseline()
	return l
}

// Registry exposes the prometheus registry for the /metrics endpoint.
func (l *Loop) Registry() *prometheus.Registry {
	return l.registry
}

// Start schedules sampling, aggregation and the daily cycle review.
func (l *Loop) Start(ctx context.Context) error {
	l.cron = cron.New()
	if _, err := l.cron.AddFunc("@every "+l.cfg.SampleInterval.String(), l.Sample); err != nil {
		return err
	}
	if _, err := l.cron.AddFunc("@every "+l.cfg.AggregationWindow.String(), l.Aggregate); err != nil {
		return err
	}
	if _, err := l.cron.AddFunc("@daily", l.reviewCycle); err != nil {
		return err
	}
	l.cron.Start()
	go func() {
		<-ctx.Done()
		l.cron.Stop()
	}()
	return nil
}

// Sample reads one point-in-time measurement of the whole system and
// updates the prometheus gauges.
func (l *Loop) Sample() {
	fields := map[string]float64{}

	if reg := api.GetRegistry(); reg != nil {
		counts := reg.HealthCounts()
		for status, n := range counts {
			fields["instances_"+string(status)] = float64(n)
			l.metrics.instances.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	if ag := api.GetActionGateway(); ag != nil {
		_, total := ag.Pending(0, 0)
		fields["pending_actions"] = float64(total)
		l.metrics.pending.Set(float64(total))
	}
	if il := api.GetIncidentLog(); il != nil {
		open := len(il.OpenIncidents())
		fields["open_incidents"] = float64(open)
		l.metrics.incidents.Set(float64(open))
	}
	if pr := api.GetPlaybookRunner(); pr != nil {
		var execs, failures int
		for _, st := range pr.Statuses() {
			execs += st.ExecutionCount
			failures += st.FailureCount
			l.metrics.playbookRate.WithLabelValues(st.ID).Set(st.SuccessRate)
		}
		if execs > 0 {
			fields["playbook_failure_rate"] = float64(failures) / float64(execs)
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	fields["goroutines"] = float64(runtime.NumGoroutine())
	fields["heap_alloc_bytes"] = float64(mem.HeapAlloc)
	fields["heap_sys_bytes"] = float64(mem.HeapSys)
	l.metrics.goroutines.Set(fields["goroutines"])
	l.metrics.heapAlloc.Set(fields["heap_alloc_bytes"])

	l.mu.Lock()
	l.samples = append(l.samples, sample{at: l.now(), fields: fields})
	l.trimLocked()
	l.mu.Unlock()
}

// trimLocked drops samples older than the aggregation window. Caller
// holds l.mu.
func (l *Loop) trimLocked() {
	cutoff := l.now().Add(-l.cfg.AggregationWindow)
	i := 0
	for ; i < len(l.samples); i++ {
		if l.samples[i].at.After(cutoff) {
			break
		}
	}
	l.samples = l.samples[i:]
}

// Aggregate averages the window, refreshes the baseline report and
// checks thresholds.
func (l *Loop) Aggregate() {
	l.mu.Lock()
	l.trimLocked()
	avg := map[string]float64{}
	counts := map[string]int{}
	for _, s := range l.samples {
		for k, v := range s.fields {
			avg[k] += v
			counts[k]++
		}
	}
	for k := range avg {
		avg[k] /= float64(counts[k])
	}
	n := len(l.samples)
	l.mu.Unlock()

	if n == 0 {
		return
	}

	baseline := l.writeBaseline(avg, n)
	l.mu.Lock()
	l.baseline = baseline
	l.mu.Unlock()

	publish(api.Event{
		Type:    api.EventMetricsSnapshot,
		Source:  source,
		Payload: map[string]interface{}{"metrics": toPayload(avg), "samples": n},
	})
	l.checkThresholds(avg)
}

// checkThresholds issues directives for windowed aggregates past their
// configured limits.
func (l *Loop) checkThresholds(avg map[string]float64) {
	if l.cfg.MemoryPercent > 0 && avg["heap_sys_bytes"] > 0 {
		pct := avg["heap_alloc_bytes"] / avg["heap_sys_bytes"] * 100
		if pct > l.cfg.MemoryPercent {
			l.issue("scale-workers", "high", api.Tier2,
				"heap usage above threshold over the aggregation window")
		}
	}
	if l.cfg.QueueDepth > 0 && avg["goroutines"] > float64(l.cfg.QueueDepth) {
		l.issue("shift-load", "medium", api.Tier2,
			"work queue depth above threshold over the aggregation window")
	}
	if l.cfg.ApprovalBacklog > 0 && avg["pending_actions"] > float64(l.cfg.ApprovalBacklog) {
		l.issue("throttle-learning", "medium", api.Tier2,
			"approval backlog above threshold: reduce the mutation rate")
	}
	if l.cfg.RollbackRate > 0 && avg["playbook_failure_rate"] > l.cfg.RollbackRate {
		l.issue("tighten-guardrails", "high", api.Tier3,
			"remediation failure rate above threshold")
	}
}

// issue records a directive and routes it through the action gateway so
// it is governed like any other mutation. One unexpired directive per
// playbook at a time.
func (l *Loop) issue(playbookID, urgency string, tier api.Tier, rationale string) {
	now := l.now().UTC()

	l.mu.Lock()
	for _, d := range l.directives {
		if d.PlaybookID == playbookID && now.Before(d.ExpiresAt) {
			l.mu.Unlock()
			return
		}
	}
	d := api.Directive{
		ID:           uuid.New().String(),
		PlaybookID:   playbookID,
		Rationale:    rationale,
		Urgency:      urgency,
		RequiredTier: tier,
		IssuedAt:     now,
		ExpiresAt:    now.Add(l.cfg.DirectiveExpiry),
	}
	l.directives = append(l.directives, d)
	l.mu.Unlock()

	logging.Info("Meta", "directive %s (%s): %s", playbookID, urgency, rationale)
	publish(api.Event{
		Type:    api.EventDirectiveIssued,
		Source:  source,
		TraceID: d.ID,
		Payload: map[string]interface{}{
			"playbook_id": playbookID,
			"urgency":     urgency,
			"tier":        int(tier),
			"rationale":   rationale,
		},
	})

	if ag := api.GetActionGateway(); ag != nil {
		if _, err := ag.Submit(context.Background(), api.ActionRequest{
			TraceID:       d.ID,
			ActionType:    playbookID,
			Proposer:      "meta",
			Tier:          tier,
			Justification: rationale,
		}); err != nil {
			logging.Warn("Meta", "directive %s not accepted: %v", playbookID, err)
		}
	}
}

// reviewCycle runs daily: when the current baseline drifted from the
// anchor report, propose a threshold update for human sign-off.
func (l *Loop) reviewCycle() {
	l.mu.Lock()
	previous := l.previous
	current := l.baseline
	l.mu.Unlock()
	if previous == nil || current == nil {
		return
	}
	if !baselineDrifted(previous, current) {
		return
	}
	l.issue("update-thresholds", "low", api.Tier3,
		"baseline metrics drifted from the previous report")

	// Re-anchor so one drift yields one proposal, not one per day.
	anchor := make(map[string]float64)
	for k, v := range current {
		if f, ok := v.(float64); ok {
			anchor[k] = f
		}
	}
	l.mu.Lock()
	l.previous = anchor
	l.mu.Unlock()
}

// Directives implements api.MetaHandler.
func (l *Loop) Directives() []api.Directive {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]api.Directive, len(l.directives))
	copy(out, l.directives)
	return out
}

// Baseline implements api.MetaHandler.
func (l *Loop) Baseline() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.baseline
}

func toPayload(avg map[string]float64) map[string]interface{} {
	out := make(map[string]interface{}, len(avg))
	for k, v := range avg {
		out[k] = v
	}
	return out
}

func publish(ev api.Event) {
	eb := api.GetEventBus()
	if eb == nil {
		return
	}
	if err := eb.TryPublish(ev); err != nil {
		logging.Debug("Meta", "could not publish %s: %v", ev.Type, err)
	}
}
