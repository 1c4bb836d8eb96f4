package app

import (
	"context"
	"encoding/json"
	"net/http"

	"grace/internal/actions"
	"grace/internal/api"
)

// registerCoreActions declares every action type the playbooks and the
// meta loop propose. Mesh actions act on the registry and health
// monitor directly; datastore and capacity actions are dispatched to
// collaborators through the mesh gateway; safety actions mutate the
// policy store and snapshot it first.
func registerCoreActions(ag *actions.Gateway, policy *policyStore) error {
	defs := []api.ActionDefinition{
		{
			Type:       "restart-component",
			MinTier:    api.Tier1,
			Idempotent: true,
			Handler:    restartComponent,
		},
		{
			Type:         "rebind-port",
			MinTier:      api.Tier2,
			SnapshotKind: "registry",
			Handler:      rebindPort,
		},

		{
			Type:       "clear-locks",
			MinTier:    api.Tier2,
			Idempotent: true,
			Handler:    remoteAction("datastore", "/admin/clear-locks", true),
		},
		{
			Type:       "checkpoint-wal",
			MinTier:    api.Tier2,
			Idempotent: true,
			Handler:    remoteAction("datastore", "/admin/checkpoint-wal", true),
		},
		{
			Type:    "restore-from-backup",
			MinTier: api.Tier3,
			Handler: remoteAction("datastore", "/admin/restore-from-backup", false),
		},
		{
			Type:    "create-fresh",
			MinTier: api.Tier3,
			Handler: remoteAction("datastore", "/admin/create-fresh", false),
		},

		{
			Type:       "kill-hung-requests",
			MinTier:    api.Tier1,
			Idempotent: true,
			Handler:    remoteAction("control", "/control/kill-hung-requests", true),
		},
		{
			Type:    "optimize-performance",
			MinTier: api.Tier2,
			Handler: remoteAction("control", "/control/optimize-performance", false),
		},
		{
			Type:          "scale-up",
			MinTier:       api.Tier2,
			Preconditions: []string{"supervised == false"},
			Handler:       remoteAction("control", "/control/scale-up", false),
		},
		{
			Type:          "scale-workers",
			MinTier:       api.Tier2,
			Preconditions: []string{"supervised == false"},
			Handler:       remoteAction("control", "/control/scale-workers", false),
		},
		{
			Type:    "shift-load",
			MinTier: api.Tier2,
			Handler: remoteAction("control", "/control/shift-load", false),
		},
		{
			Type:    "throttle-learning",
			MinTier: api.Tier2,
			Handler: remoteAction("control", "/control/throttle-learning", false),
		},

		{
			Type:         "tighten-guardrails",
			MinTier:      api.Tier3,
			SnapshotKind: "policy",
			Handler: func(context.Context, api.ActionRequest) (map[string]interface{}, error) {
				return map[string]interface{}{"rate_scale": policy.Tighten()}, nil
			},
		},
		{
			Type:         "downgrade-autonomy-tier",
			MinTier:      api.Tier3,
			SnapshotKind: "policy",
			Handler: func(context.Context, api.ActionRequest) (map[string]interface{}, error) {
				return map[string]interface{}{"autonomy_tier": int(policy.Downgrade())}, nil
			},
		},
		{
			Type:           "lock-supervised",
			MinTier:        api.Tier3,
			SnapshotKind:   "policy",
			Postconditions: []string{"supervised == true"},
			Handler: func(context.Context, api.ActionRequest) (map[string]interface{}, error) {
				policy.LockSupervised()
				return map[string]interface{}{"supervised": true}, nil
			},
		},
		{
			Type:         "unlock-supervised",
			MinTier:      api.Tier3,
			SnapshotKind: "policy",
			Handler: func(context.Context, api.ActionRequest) (map[string]interface{}, error) {
				policy.Unlock()
				return map[string]interface{}{"supervised": false}, nil
			},
		},
		{
			Type:         "update-thresholds",
			MinTier:      api.Tier3,
			SnapshotKind: "policy",
			Handler:      updateThresholds(policy),
		},
		{
			Type:         "grant-auto-approval",
			MinTier:      api.Tier3,
			SnapshotKind: "policy",
			Handler:      grantAutoApproval(policy, true),
		},
		{
			Type:         "revoke-auto-approval",
			MinTier:      api.Tier3,
			SnapshotKind: "policy",
			Handler:      grantAutoApproval(policy, false),
		},
	}

	for _, def := range defs {
		if err := ag.RegisterAction(def); err != nil {
			return err
		}
	}
	return nil
}

// restartComponent cycles an instance through quarantine so the health
// monitor re-probes it from a clean state.
func restartComponent(_ context.Context, req api.ActionRequest) (map[string]interface{}, error) {
	id, _ := req.Params["instance_id"].(string)
	if id == "" {
		return nil, api.NewConfigError("instance_id", "required")
	}
	hm := api.GetHealthMonitor()
	if hm == nil {
		return nil, api.NewUnavailableError("health monitor", nil)
	}
	if err := hm.Quarantine(id); err != nil {
		return nil, err
	}
	if err := hm.Unquarantine(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"instance_id": id, "restarted": true}, nil
}

// rebindPort re-registers an instance on a new port. The old id is
// retired; discovery and the warm-start file pick up the new one.
func rebindPort(_ context.Context, req api.ActionRequest) (map[string]interface{}, error) {
	id, _ := req.Params["instance_id"].(string)
	port, ok := intParam(req.Params, "port")
	if id == "" || !ok {
		return nil, api.NewConfigError("params", "instance_id and port are required")
	}

	reg := api.GetRegistry()
	if reg == nil {
		return nil, api.NewUnavailableError("registry", nil)
	}
	inst, found := reg.FindByID(id)
	if !found {
		return nil, api.NewNotFoundError("instance", id)
	}
	if err := reg.DeregisterInstance(id); err != nil {
		return nil, err
	}
	inst.ID = ""
	inst.Endpoint.Port = port
	created, err := reg.RegisterInstance(inst)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"old_instance_id": id,
		"new_instance_id": created.ID,
		"endpoint":        created.Endpoint.String(),
	}, nil
}

// remoteAction dispatches the action's params to a collaborator through
// the mesh gateway, so the call inherits rate limits, circuit breaking
// and health reporting.
func remoteAction(capability, path string, idempotent bool) api.ActionHandlerFunc {
	return func(ctx context.Context, req api.ActionRequest) (map[string]interface{}, error) {
		gw := api.GetGateway()
		if gw == nil {
			return nil, api.NewUnavailableError("mesh gateway", nil)
		}
		body, err := json.Marshal(req.Params)
		if err != nil {
			return nil, api.NewInternalError("encoding params", err)
		}
		resp, err := gw.Call(ctx, api.CallRequest{
			Caller:     "guardian",
			Capability: capability,
			Method:     http.MethodPost,
			Path:       path,
			Body:       body,
			Idempotent: idempotent,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"instance_id": resp.InstanceID,
			"status_code": resp.StatusCode,
			"attempts":    resp.Attempts,
		}, nil
	}
}

// grantAutoApproval edits the standing auto-approval set carried by the
// policy store.
func grantAutoApproval(policy *policyStore, grant bool) api.ActionHandlerFunc {
	return func(_ context.Context, req api.ActionRequest) (map[string]interface{}, error) {
		actionType, _ := req.Params["action_type"].(string)
		if actionType == "" {
			return nil, api.NewConfigError("action_type", "required")
		}
		if grant {
			policy.GrantAutoApproval(actionType)
		} else {
			policy.RevokeAutoApproval(actionType)
		}
		return map[string]interface{}{"action_type": actionType, "auto_approve": grant}, nil
	}
}

func updateThresholds(policy *policyStore) api.ActionHandlerFunc {
	return func(_ context.Context, req api.ActionRequest) (map[string]interface{}, error) {
		raw, _ := req.Params["thresholds"].(map[string]interface{})
		if len(raw) == 0 {
			return nil, api.NewConfigError("thresholds", "required")
		}
		overrides := make(map[string]float64, len(raw))
		for k, v := range raw {
			f, ok := floatValue(v)
			if !ok {
				return nil, api.NewConfigError("thresholds", "values must be numeric")
			}
			overrides[k] = f
		}
		policy.MergeThresholds(overrides)
		return map[string]interface{}{"updated": len(overrides)}, nil
	}
}

func intParam(params map[string]interface{}, key string) (int, bool) {
	f, ok := floatValue(params[key])
	if !ok {
		return 0, false
	}
	return int(f), true
}

// floatValue accepts the numeric shapes JSON decoding and in-process
// callers produce.
func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
