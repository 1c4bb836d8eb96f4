package actions

import (
	"context"
	"errors"
	"time"

	"grace/internal/api"
	"grace/pkg/logging"
)

// execute runs an approved request through contract admission, snapshot,
// the handler, verification and, on failure, rollback. The status moves
// to exactly one terminal state.
func (g *Gateway) execute(ctx context.Context, reg *registered, traceID string) (*api.ActionStatus, error) {
	g.mu.Lock()
	st, ok := g.live[traceID]
	if !ok {
		g.mu.Unlock()
		return nil, api.NewNotFoundError("action", traceID)
	}
	st.State = api.ActionExecuting
	req := st.Request
	g.mu.Unlock()

	// Admission: preconditions are checked against the live world state
	// before anything mutates.
	if err := evaluate("precondition", reg.pre, contractEnv(g.world(), req)); err != nil {
		return g.fail(st, err)
	}

	// Tier 2 and 3 actions snapshot their scope before mutating so a
	// failed run can be reversed.
	if req.Tier >= api.Tier2 && reg.def.SnapshotKind != "" {
		sm := api.GetSnapshotManager()
		if sm == nil {
			return g.fail(st, api.NewInternalError("snapshot", errors.New("no snapshot manager registered")))
		}
		info, err := sm.Capture(ctx, traceID, reg.def.SnapshotKind)
		if err != nil {
			return g.fail(st, err)
		}
		g.mu.Lock()
		st.SnapshotID = info.ID
		g.mu.Unlock()
	}

	publish(api.Event{
		Type:    api.EventActionStarted,
		Source:  source,
		TraceID: traceID,
		Payload: map[string]interface{}{"action_type": req.ActionType, "tier": int(req.Tier)},
	})

	hctx := ctx
	if g.cfg.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, g.cfg.ExecuteTimeout)
		defer cancel()
	}
	output, err := reg.def.Handler(hctx, req)
	if err != nil {
		if hctx.Err() != nil && ctx.Err() == nil {
			err = api.NewTimeoutError("action " + req.ActionType)
		}
		return g.rollback(st, reg, err)
	}

	// Verification runs exactly once, against the post-execution world.
	if err := evaluate("postcondition", reg.post, contractEnv(g.world(), req)); err != nil {
		return g.rollback(st, reg, err)
	}

	g.mu.Lock()
	st.Output = output
	g.resolveLocked(st, api.ActionCompleted, "")
	out := *st
	g.mu.Unlock()

	publish(api.Event{
		Type:    api.EventActionCompleted,
		Source:  source,
		TraceID: traceID,
		Payload: map[string]interface{}{"action_type": req.ActionType},
	})
	return &out, nil
}

// fail resolves the status as failed without attempting rollback.
func (g *Gateway) fail(st *api.ActionStatus, cause error) (*api.ActionStatus, error) {
	g.mu.Lock()
	g.resolveLocked(st, api.ActionFailed, cause.Error())
	out := *st
	g.mu.Unlock()

	publish(api.Event{
		Type:    api.EventActionFailed,
		Source:  source,
		TraceID: st.Request.TraceID,
		Payload: map[string]interface{}{
			"action_type": st.Request.ActionType,
			"error":       cause.Error(),
		},
	})
	return &out, cause
}

// rollback reverses a failed execution: snapshot restore when one was
// captured, the reversal playbook otherwise. Rollback uses a fresh
// context so a caller timeout cannot strand partial state.
func (g *Gateway) rollback(st *api.ActionStatus, reg *registered, cause error) (*api.ActionStatus, error) {
	traceID := st.Request.TraceID

	g.mu.Lock()
	snapshotID := st.SnapshotID
	g.mu.Unlock()

	if snapshotID == "" && reg.def.ReversalPlaybook == "" {
		return g.fail(st, cause)
	}

	publish(api.Event{
		Type:    api.EventRollbackAttempted,
		Source:  source,
		TraceID: traceID,
		Payload: map[string]interface{}{
			"action_type": st.Request.ActionType,
			"snapshot_id": snapshotID,
			"cause":       cause.Error(),
		},
	})

	rctx, cancel := context.WithTimeout(context.Background(), g.cfg.ExecuteTimeout)
	defer cancel()

	var rerr error
	switch {
	case snapshotID != "":
		if sm := api.GetSnapshotManager(); sm != nil {
			rerr = sm.Restore(rctx, snapshotID)
		} else {
			rerr = errors.New("no snapshot manager registered")
		}
	default:
		if pr := api.GetPlaybookRunner(); pr != nil {
			rerr = pr.Run(rctx, reg.def.ReversalPlaybook, api.Failure{
				Kind:       "action_rollback",
				Details:    map[string]interface{}{"trace_id": traceID, "action_type": st.Request.ActionType},
				DetectedAt: g.now().UTC(),
			})
		} else {
			rerr = errors.New("no playbook runner registered")
		}
	}

	if rerr != nil {
		logging.Error("Actions", rerr, "rollback failed for %s", traceID)
		publish(api.Event{
			Type:    api.EventRollbackFailed,
			Source:  source,
			TraceID: traceID,
			Payload: map[string]interface{}{"snapshot_id": snapshotID, "error": rerr.Error()},
		})
		g.quarantineFailedRollback(traceID, snapshotID)

		failed := api.NewRollbackFailedError(traceID, snapshotID, rerr)
		g.mu.Lock()
		g.resolveLocked(st, api.ActionFailed, failed.Error())
		out := *st
		g.mu.Unlock()
		return &out, failed
	}

	g.mu.Lock()
	g.resolveLocked(st, api.ActionRolledBack, cause.Error())
	out := *st
	g.mu.Unlock()

	publish(api.Event{
		Type:    api.EventActionFailed,
		Source:  source,
		TraceID: traceID,
		Payload: map[string]interface{}{
			"action_type": st.Request.ActionType,
			"error":       cause.Error(),
			"rolled_back": true,
		},
	})
	return &out, cause
}

// quarantineFailedRollback opens an incident and pins the action's
// snapshots so the evidence survives retention until someone looks.
func (g *Gateway) quarantineFailedRollback(traceID, snapshotID string) {
	if sm := api.GetSnapshotManager(); sm != nil && snapshotID != "" {
		sm.Pin(traceID)
	}
	il := api.GetIncidentLog()
	if il == nil {
		return
	}
	incidentID, err := il.OpenIncident(api.Failure{
		Kind:       "rollback_failed",
		Details:    map[string]interface{}{"trace_id": traceID, "snapshot_id": snapshotID},
		DetectedAt: time.Now().UTC(),
	})
	if err != nil {
		logging.Warn("Actions", "could not open incident for %s: %v", traceID, err)
		return
	}
	if err := il.AttachAction(incidentID, traceID); err != nil {
		logging.Warn("Actions", "could not attach action to incident %s: %v", incidentID, err)
	}
}
