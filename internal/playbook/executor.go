package playbook

import (
	"context"
	"sort"
	"sync"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"
)

const (
	// successRateAlpha weights the newest outcome in the exponentially
	// weighted success rate used for selection.
	successRateAlpha = 0.3

	// failureCooldown keeps a just-failed playbook out of selection so
	// the executor does not hammer a remedy that is not working.
	failureCooldown = time.Minute
)

// Executor selects and runs playbooks against detected failures. Each
// run opens (or reuses) an incident, executes the best-scoring
// applicable playbook and closes the incident with the outcome.
type Executor struct {
	mu        sync.Mutex
	playbooks map[string]*tracked
	order     []string

	modes config.Modes
	now   func() time.Time
	subID string
}

type tracked struct {
	pb            Playbook
	execs         int
	successes     int
	failures      int
	rate          float64
	lastErr       string
	lastDuration  time.Duration
	cooldownUntil time.Time
}

// NewExecutor creates the playbook executor.
func NewExecutor(modes config.Modes) *Executor {
	return &Executor{
		playbooks: make(map[string]*tracked),
		modes:     modes,
		now:       time.Now,
	}
}

// Register adds a playbook. Duplicate ids are a ConfigError.
func (e *Executor) Register(pb Playbook) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.playbooks[pb.ID()]; ok {
		return api.NewConfigError("playbook", pb.ID()+" already registered")
	}
	// New playbooks start with a perfect score so they get a chance
	// before history accumulates.
	e.playbooks[pb.ID()] = &tracked{pb: pb, rate: 1.0}
	e.order = append(e.order, pb.ID())
	return nil
}

// Start subscribes the executor to healing triggers on the bus.
func (e *Executor) Start(ctx context.Context) error {
	eb := api.GetEventBus()
	if eb == nil {
		return api.NewConfigError("playbook executor", "no event bus registered")
	}
	id, err := eb.Subscribe("playbook-executor",
		api.EventFilter{TypePrefix: api.EventHealingNeeded},
		api.AtLeastOnce,
		func(ev api.Event) {
			e.onHealingNeeded(ctx, ev)
		})
	if err != nil {
		return err
	}
	e.subID = id
	return nil
}

func (e *Executor) onHealingNeeded(ctx context.Context, ev api.Event) {
	f := api.Failure{DetectedAt: ev.Timestamp}
	if kind, ok := ev.Payload["failure_kind"].(string); ok {
		f.Kind = kind
	}
	if id, ok := ev.Payload["instance_id"].(string); ok {
		f.InstanceID = id
	}
	if capability, ok := ev.Payload["capability"].(string); ok {
		f.Capability = capability
	}
	if err := e.HandleFailure(ctx, f); err != nil {
		logging.Warn("Playbook", "healing %s failed: %v", f.Kind, err)
	}
}

// HandleFailure implements api.PlaybookRunner: pick the applicable
// playbook with the best recent success rate and run it.
func (e *Executor) HandleFailure(ctx context.Context, f api.Failure) error {
	tr := e.selectPlaybook(f)
	if tr == nil {
		return api.NewNotFoundError("playbook for failure kind", f.Kind)
	}
	return e.run(ctx, tr, f)
}

// Run implements api.PlaybookRunner.
func (e *Executor) Run(ctx context.Context, playbookID string, f api.Failure) error {
	e.mu.Lock()
	tr, ok := e.playbooks[playbookID]
	e.mu.Unlock()
	if !ok {
		return api.NewNotFoundError("playbook", playbookID)
	}
	return e.run(ctx, tr, f)
}

// selectPlaybook returns the applicable candidate with the highest
// exponentially weighted success rate, skipping cooldowns. Registration
// order breaks ties.
func (e *Executor) selectPlaybook(f api.Failure) *tracked {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var best *tracked
	for _, id := range e.order {
		tr := e.playbooks[id]
		if !tr.pb.Applicable(f) || now.Before(tr.cooldownUntil) {
			continue
		}
		if best == nil || tr.rate > best.rate {
			best = tr
		}
	}
	return best
}

func (e *Executor) run(ctx context.Context, tr *tracked, f api.Failure) error {
	incidentID := f.IncidentID
	il := api.GetIncidentLog()
	if il != nil && incidentID == "" {
		id, err := il.OpenIncident(f)
		if err == nil {
			incidentID = id
		}
	}
	if il != nil && incidentID != "" {
		if err := il.AttachAction(incidentID, tr.pb.ID()); err != nil {
			logging.Debug("Playbook", "could not attach %s to %s: %v", tr.pb.ID(), incidentID, err)
		}
	}

	start := e.now()
	err := e.executeSteps(ctx, tr.pb, f)
	elapsed := e.now().Sub(start)
	e.record(tr, elapsed, err)

	if target := tr.pb.MTTRTarget(); err == nil && target > 0 && elapsed > target {
		logging.Warn("Playbook", "%s resolved %s in %s, target %s", tr.pb.ID(), f.Kind, elapsed, target)
	}

	if il != nil && incidentID != "" {
		outcome := "resolved"
		if err != nil {
			outcome = "failed"
		}
		if cerr := il.CloseIncident(incidentID, outcome); cerr != nil {
			logging.Warn("Playbook", "could not close incident %s: %v", incidentID, cerr)
		}
	}
	return err
}

// executeSteps runs one playbook pass: execute (or dry-run), verify,
// roll back when verification fails.
func (e *Executor) executeSteps(ctx context.Context, pb Playbook, f api.Failure) error {
	if e.modes.DryRun {
		logging.Info("Playbook", "dry run %s for %s", pb.ID(), f.Kind)
		return pb.DryRun(ctx, f)
	}

	logging.Info("Playbook", "executing %s for %s", pb.ID(), f.Kind)
	if err := pb.Execute(ctx, f); err != nil {
		return err
	}
	if err := pb.Verify(ctx, f); err != nil {
		if rerr := pb.Rollback(ctx, f); rerr != nil {
			logging.Error("Playbook", rerr, "rollback of %s failed", pb.ID())
		}
		return err
	}
	return nil
}

func (e *Executor) record(tr *tracked, elapsed time.Duration, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr.execs++
	tr.lastDuration = elapsed
	outcome := 1.0
	if err != nil {
		tr.failures++
		tr.lastErr = err.Error()
		tr.cooldownUntil = e.now().Add(failureCooldown)
		outcome = 0.0
	} else {
		tr.successes++
		tr.lastErr = ""
	}
	tr.rate = (1-successRateAlpha)*tr.rate + successRateAlpha*outcome
}

// Statuses implements api.PlaybookRunner.
func (e *Executor) Statuses() []api.PlaybookStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]api.PlaybookStatus, 0, len(e.order))
	for _, id := range e.order {
		tr := e.playbooks[id]
		out = append(out, api.PlaybookStatus{
			ID:                id,
			FailureKinds:      tr.pb.Kinds(),
			ExecutionCount:    tr.execs,
			SuccessCount:      tr.successes,
			FailureCount:      tr.failures,
			SuccessRate:       tr.rate,
			LastError:         tr.lastErr,
			LastDuration:      tr.lastDuration,
			MTTRTargetSeconds: tr.pb.MTTRTarget().Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
