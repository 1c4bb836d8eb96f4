package playbook

import (
	"context"
	"fmt"
	"time"

	"grace/internal/api"
	"grace/pkg/logging"
)

// Failure kinds the built-in catalogue remediates. Detectors put these
// in healing.needed payloads and incident records.
const (
	KindPortConflict       = "port_conflict"
	KindInstanceUnhealthy  = "instance_unhealthy"
	KindCircuitOpen        = "circuit_open"
	KindNetworkUnreachable = "network_unreachable"
	KindDBLock             = "db_lock"
	KindDBCorruption       = "db_corruption"
	KindAPITimeout         = "api_timeout"
	KindResourceExhaustion = "resource_exhaustion"
	KindGuardrailViolation = "guardrail_violation"
)

// Catalogue returns the built-in remediation playbooks. Mesh-facing
// remedies act on the registry and health monitor directly; everything
// else flows through the action gateway so tiering and approval apply.
func Catalogue() []Playbook {
	var books []Playbook
	books = append(books, networkPlaybooks()...)
	books = append(books, databasePlaybooks()...)
	books = append(books, timeoutPlaybooks()...)
	books = append(books, resourcePlaybooks()...)
	books = append(books, safetyPlaybooks()...)
	return books
}

func networkPlaybooks() []Playbook {
	return []Playbook{
		&Steps{
			Name:         "restart-component",
			FailureKinds: []string{KindInstanceUnhealthy, KindCircuitOpen},
			Target:       10 * time.Second,
			Match:        func(f api.Failure) bool { return f.InstanceID != "" },
			Run: func(ctx context.Context, f api.Failure) error {
				// Quarantine and release: the instance re-enters probation
				// and must prove itself before taking traffic again.
				hm := api.GetHealthMonitor()
				if hm == nil {
					return api.NewUnavailableError("health monitor", nil)
				}
				if err := hm.Quarantine(f.InstanceID); err != nil {
					return err
				}
				return hm.Unquarantine(f.InstanceID)
			},
			Check: func(ctx context.Context, f api.Failure) error {
				hm := api.GetHealthMonitor()
				if hm == nil {
					return api.NewUnavailableError("health monitor", nil)
				}
				snap, ok := hm.HealthOf(f.InstanceID)
				if !ok {
					return api.NewNotFoundError("instance", f.InstanceID)
				}
				if snap.Status == api.HealthUnhealthy {
					return fmt.Errorf("instance %s still unhealthy", f.InstanceID)
				}
				return nil
			},
		},
		&Steps{
			Name:         "clear-port",
			FailureKinds: []string{KindPortConflict},
			Target:       10 * time.Second,
			Match:        func(f api.Failure) bool { return f.InstanceID != "" },
			Run: func(ctx context.Context, f api.Failure) error {
				// The conflicting registration is removed; discovery will
				// re-register whoever actually answers on the port.
				reg := api.GetRegistry()
				if reg == nil {
					return api.NewUnavailableError("registry", nil)
				}
				return reg.DeregisterInstance(f.InstanceID)
			},
			Check: func(ctx context.Context, f api.Failure) error {
				reg := api.GetRegistry()
				if reg == nil {
					return api.NewUnavailableError("registry", nil)
				}
				if _, ok := reg.FindByID(f.InstanceID); ok {
					return fmt.Errorf("instance %s still registered", f.InstanceID)
				}
				return nil
			},
		},
		&Steps{
			Name:         "rebind-port",
			FailureKinds: []string{KindPortConflict},
			Target:       10 * time.Second,
			Run:          submitAction("rebind-port"),
		},
		&Steps{
			Name:         "diagnose-network",
			FailureKinds: []string{KindNetworkUnreachable, KindCircuitOpen},
			Target:       10 * time.Second,
			Run: func(ctx context.Context, f api.Failure) error {
				reg := api.GetRegistry()
				if reg == nil {
					return api.NewUnavailableError("registry", nil)
				}
				counts := reg.HealthCounts()
				logging.Info("Playbook", "network diagnosis: %d healthy, %d degraded, %d unhealthy",
					counts[api.HealthHealthy], counts[api.HealthDegraded], counts[api.HealthUnhealthy])
				return nil
			},
		},
	}
}

func databasePlaybooks() []Playbook {
	return []Playbook{
		&Steps{
			Name:         "clear-locks",
			FailureKinds: []string{KindDBLock},
			Target:       time.Minute,
			Run:          submitAction("clear-locks"),
		},
		&Steps{
			Name:         "checkpoint-wal",
			FailureKinds: []string{KindDBLock, KindDBCorruption},
			Target:       time.Minute,
			Run:          submitAction("checkpoint-wal"),
		},
		&Steps{
			Name:         "restore-from-backup",
			FailureKinds: []string{KindDBCorruption},
			Target:       time.Minute,
			Run:          submitAction("restore-from-backup"),
		},
		&Steps{
			Name:         "create-fresh",
			FailureKinds: []string{KindDBCorruption},
			Target:       time.Minute,
			Run:          submitAction("create-fresh"),
		},
	}
}

func timeoutPlaybooks() []Playbook {
	return []Playbook{
		&Steps{
			Name:         "kill-hung-requests",
			FailureKinds: []string{KindAPITimeout},
			Target:       10 * time.Second,
			Run:          submitAction("kill-hung-requests"),
		},
		&Steps{
			Name:         "optimize-performance",
			FailureKinds: []string{KindAPITimeout},
			Target:       10 * time.Second,
			Run:          submitAction("optimize-performance"),
		},
		&Steps{
			Name:         "scale-up",
			FailureKinds: []string{KindAPITimeout},
			Target:       10 * time.Second,
			Run:          submitAction("scale-up"),
		},
		&Steps{
			Name:         "restart-service",
			FailureKinds: []string{KindAPITimeout},
			Target:       10 * time.Second,
			Match:        func(f api.Failure) bool { return f.InstanceID != "" },
			Run: func(ctx context.Context, f api.Failure) error {
				hm := api.GetHealthMonitor()
				if hm == nil {
					return api.NewUnavailableError("health monitor", nil)
				}
				if err := hm.Quarantine(f.InstanceID); err != nil {
					return err
				}
				return hm.Unquarantine(f.InstanceID)
			},
		},
	}
}

func resourcePlaybooks() []Playbook {
	return []Playbook{
		&Steps{
			Name:         "scale-workers",
			FailureKinds: []string{KindResourceExhaustion},
			Target:       30 * time.Second,
			Run:          submitAction("scale-workers"),
		},
		&Steps{
			Name:         "throttle-learning",
			FailureKinds: []string{KindResourceExhaustion},
			Target:       30 * time.Second,
			Run:          submitAction("throttle-learning"),
		},
		&Steps{
			Name:         "shift-load",
			FailureKinds: []string{KindResourceExhaustion},
			Target:       30 * time.Second,
			Run:          submitAction("shift-load"),
		},
	}
}

func safetyPlaybooks() []Playbook {
	return []Playbook{
		&Steps{
			Name:         "tighten-guardrails",
			FailureKinds: []string{KindGuardrailViolation},
			Target:       30 * time.Second,
			Run:          submitAction("tighten-guardrails"),
		},
		&Steps{
			Name:         "downgrade-autonomy-tier",
			FailureKinds: []string{KindGuardrailViolation},
			Target:       30 * time.Second,
			Run:          submitAction("downgrade-autonomy-tier"),
		},
		&Steps{
			Name:         "lock-supervised",
			FailureKinds: []string{KindGuardrailViolation},
			Target:       30 * time.Second,
			Run:          submitAction("lock-supervised"),
		},
	}
}

// submitAction routes a remedy through the action gateway so tiering and
// approval govern it like any other mutation. A parked tier 2 or 3
// request counts as success: the playbook's job was to escalate.
func submitAction(actionType string) func(ctx context.Context, f api.Failure) error {
	return func(ctx context.Context, f api.Failure) error {
		ag := api.GetActionGateway()
		if ag == nil {
			return api.NewUnavailableError("action gateway", nil)
		}
		_, err := ag.Submit(ctx, api.ActionRequest{
			ActionType: actionType,
			Proposer:   "guardian",
			Params: map[string]interface{}{
				"failure_kind": f.Kind,
				"instance_id":  f.InstanceID,
				"capability":   f.Capability,
				"incident_id":  f.IncidentID,
			},
		})
		return err
	}
}
