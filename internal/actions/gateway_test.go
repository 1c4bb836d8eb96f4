package actions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"grace/internal/api"
	"grace/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testActionsConfig() config.ActionsConfig {
	cfg := config.GetDefaultConfig().Actions
	cfg.PendingWatermark = 3
	return cfg
}

func newTestGateway(t *testing.T) (*Gateway, *snapStub, *incidentStub) {
	t.Helper()
	api.ResetHandlers()
	snaps := &snapStub{}
	incidents := &incidentStub{}
	api.RegisterSnapshotManager(snaps)
	api.RegisterIncidentLog(incidents)
	return NewGateway(testActionsConfig()), snaps, incidents
}

func okHandler(out map[string]interface{}) api.ActionHandlerFunc {
	return func(context.Context, api.ActionRequest) (map[string]interface{}, error) {
		return out, nil
	}
}

func TestRegisterActionValidation(t *testing.T) {
	g, _, _ := newTestGateway(t)

	assert.True(t, api.IsConfigError(g.RegisterAction(api.ActionDefinition{Type: "x", MinTier: api.Tier1})),
		"handler required")
	assert.True(t, api.IsConfigError(g.RegisterAction(api.ActionDefinition{
		Type: "x", MinTier: 9, Handler: okHandler(nil),
	})), "tier must be valid")
	assert.True(t, api.IsConfigError(g.RegisterAction(api.ActionDefinition{
		Type: "x", MinTier: api.Tier1, Handler: okHandler(nil), Preconditions: []string{"1 +"},
	})), "malformed predicate fails registration")

	require.NoError(t, g.RegisterAction(api.ActionDefinition{Type: "x", MinTier: api.Tier1, Handler: okHandler(nil)}))
	assert.True(t, api.IsConfigError(g.RegisterAction(api.ActionDefinition{Type: "x", MinTier: api.Tier1, Handler: okHandler(nil)})),
		"duplicate type rejected")
}

func TestTier1AutoExecutes(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:    "clear-cache",
		MinTier: api.Tier1,
		Handler: okHandler(map[string]interface{}{"cleared": true}),
	}))

	st, err := g.Submit(context.Background(), api.ActionRequest{ActionType: "clear-cache", Proposer: "meta"})
	require.NoError(t, err)
	assert.Equal(t, api.ActionCompleted, st.State)
	assert.Equal(t, map[string]interface{}{"cleared": true}, st.Output)
	assert.NotNil(t, st.ResolvedAt)
}

func TestTierPromotesToDefinitionFloor(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:    "restart-component",
		MinTier: api.Tier2,
		Handler: okHandler(nil),
	}))

	st, err := g.Submit(context.Background(), api.ActionRequest{
		ActionType: "restart-component",
		Proposer:   "guardian",
		Tier:       api.Tier1,
	})
	require.NoError(t, err)
	assert.Equal(t, api.ActionPendingApproval, st.State)
	assert.Equal(t, api.Tier2, st.Request.Tier)
	assert.False(t, st.ExpiresAt.IsZero())
}

func TestPolicyAutoApprovesTier2(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:    "checkpoint-wal",
		MinTier: api.Tier2,
		Handler: okHandler(map[string]interface{}{"checkpointed": true}),
	}))
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:    "update-thresholds",
		MinTier: api.Tier3,
		Handler: okHandler(nil),
	}))
	g.SetPolicy(func(req api.ActionRequest) (string, bool) {
		return "standing-policy", req.ActionType == "checkpoint-wal"
	})

	st, err := g.Submit(context.Background(), api.ActionRequest{
		ActionType: "checkpoint-wal",
		Proposer:   "guardian",
	})
	require.NoError(t, err)
	assert.Equal(t, api.ActionCompleted, st.State, "policy resolves tier 2 without parking it")
	assert.Equal(t, "standing-policy", st.Approver)

	_, total := g.Pending(0, 10)
	assert.Zero(t, total)

	st, err = g.Submit(context.Background(), api.ActionRequest{
		ActionType: "update-thresholds",
		Proposer:   "guardian",
	})
	require.NoError(t, err)
	assert.Equal(t, api.ActionPendingApproval, st.State, "tier 3 never consults policy")
}

func TestUnknownActionType(t *testing.T) {
	g, _, _ := newTestGateway(t)
	_, err := g.Submit(context.Background(), api.ActionRequest{ActionType: "bogus"})
	assert.True(t, api.IsNotFound(err))
}

func TestIdempotentResubmission(t *testing.T) {
	g, _, _ := newTestGateway(t)
	var runs int32
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:    "clear-cache",
		MinTier: api.Tier1,
		Handler: func(context.Context, api.ActionRequest) (map[string]interface{}, error) {
			atomic.AddInt32(&runs, 1)
			return nil, nil
		},
	}))

	req := api.ActionRequest{TraceID: "trace-1", ActionType: "clear-cache", Proposer: "meta"}
	first, err := g.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, api.ActionCompleted, first.State)

	second, err := g.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, api.ActionCompleted, second.State)
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs), "handler runs once per trace id")
}

func TestApprovalFlow(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:    "restart-component",
		MinTier: api.Tier2,
		Handler: okHandler(map[string]interface{}{"restarted": true}),
	}))

	st, err := g.Submit(context.Background(), api.ActionRequest{
		TraceID:    "trace-1",
		ActionType: "restart-component",
		Proposer:   "guardian",
	})
	require.NoError(t, err)
	require.Equal(t, api.ActionPendingApproval, st.State)

	resolved, err := g.Approve(context.Background(), "trace-1", "operator")
	require.NoError(t, err)
	assert.Equal(t, api.ActionCompleted, resolved.State)
	assert.Equal(t, "operator", resolved.Approver)

	// The pending set no longer holds it.
	_, total := g.Pending(0, 10)
	assert.Zero(t, total)
}

func TestTier3ApproverMustDifferFromProposer(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:    "update-thresholds",
		MinTier: api.Tier3,
		Handler: okHandler(nil),
	}))

	_, err := g.Submit(context.Background(), api.ActionRequest{
		TraceID:    "trace-1",
		ActionType: "update-thresholds",
		Proposer:   "alice",
	})
	require.NoError(t, err)

	st, err := g.Approve(context.Background(), "trace-1", "alice")
	require.True(t, api.IsDenied(err))
	assert.Equal(t, api.ActionPendingApproval, st.State, "self-approval leaves it pending")

	st, err = g.Approve(context.Background(), "trace-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, api.ActionCompleted, st.State)
}

func TestRejectIsTerminal(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type: "restart-component", MinTier: api.Tier2, Handler: okHandler(nil),
	}))

	_, err := g.Submit(context.Background(), api.ActionRequest{TraceID: "trace-1", ActionType: "restart-component"})
	require.NoError(t, err)

	st, err := g.Reject(context.Background(), "trace-1", "operator")
	require.NoError(t, err)
	assert.Equal(t, api.ActionRejected, st.State)

	_, err = g.Approve(context.Background(), "trace-1", "operator")
	assert.True(t, api.IsDenied(err), "resolved requests cannot be approved")
}

func TestLateApprovalExpires(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type: "restart-component", MinTier: api.Tier2, Handler: okHandler(nil),
	}))

	base := time.Now()
	g.now = func() time.Time { return base }
	_, err := g.Submit(context.Background(), api.ActionRequest{TraceID: "trace-1", ActionType: "restart-component"})
	require.NoError(t, err)

	g.now = func() time.Time { return base.Add(16 * time.Minute) }
	st, err := g.Approve(context.Background(), "trace-1", "operator")
	require.True(t, api.IsDenied(err))
	assert.Equal(t, api.ActionExpired, st.State)
}

func TestPendingWatermarkShedsLoad(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type: "restart-component", MinTier: api.Tier2, Handler: okHandler(nil),
	}))

	for i := 0; i < 3; i++ {
		_, err := g.Submit(context.Background(), api.ActionRequest{ActionType: "restart-component"})
		require.NoError(t, err)
	}
	_, err := g.Submit(context.Background(), api.ActionRequest{ActionType: "restart-component"})
	require.True(t, api.IsBusy(err))
	var busy *api.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "backpressure", busy.Reason)

	// Resolving one frees a slot.
	pending, total := g.Pending(0, 1)
	require.Equal(t, 3, total)
	_, err = g.Reject(context.Background(), pending[0].Request.TraceID, "operator")
	require.NoError(t, err)
	_, err = g.Submit(context.Background(), api.ActionRequest{ActionType: "restart-component"})
	assert.NoError(t, err)
}

func TestPreconditionFailureSkipsExecution(t *testing.T) {
	g, _, _ := newTestGateway(t)
	var runs int32
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:          "scale-up",
		MinTier:       api.Tier1,
		Preconditions: []string{"healthy_count > 0"},
		Handler: func(context.Context, api.ActionRequest) (map[string]interface{}, error) {
			atomic.AddInt32(&runs, 1)
			return nil, nil
		},
	}))
	g.SetWorldState(func() map[string]interface{} {
		return map[string]interface{}{"healthy_count": 0}
	})

	st, err := g.Submit(context.Background(), api.ActionRequest{ActionType: "scale-up"})
	require.True(t, api.IsContractViolation(err))
	assert.Equal(t, api.ActionFailed, st.State)
	assert.Zero(t, atomic.LoadInt32(&runs))
}

func TestPostconditionFailureRollsBack(t *testing.T) {
	g, snaps, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:           "restart-component",
		MinTier:        api.Tier2,
		SnapshotKind:   "config",
		Postconditions: []string{"component_running"},
		Handler:        okHandler(nil),
	}))
	g.SetWorldState(func() map[string]interface{} {
		return map[string]interface{}{"component_running": false}
	})

	_, err := g.Submit(context.Background(), api.ActionRequest{TraceID: "trace-1", ActionType: "restart-component"})
	require.NoError(t, err)
	st, err := g.Approve(context.Background(), "trace-1", "operator")
	require.True(t, api.IsContractViolation(err))
	assert.Equal(t, api.ActionRolledBack, st.State)
	assert.Equal(t, st.SnapshotID, snaps.restored, "rollback restores the captured snapshot")
}

func TestRollbackFailureOpensIncident(t *testing.T) {
	g, snaps, incidents := newTestGateway(t)
	snaps.restoreErr = errors.New("disk gone")
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:         "restart-component",
		MinTier:      api.Tier2,
		SnapshotKind: "config",
		Handler: func(context.Context, api.ActionRequest) (map[string]interface{}, error) {
			return nil, errors.New("restart blew up")
		},
	}))

	_, err := g.Submit(context.Background(), api.ActionRequest{TraceID: "trace-1", ActionType: "restart-component"})
	require.NoError(t, err)
	st, err := g.Approve(context.Background(), "trace-1", "operator")
	require.True(t, api.IsRollbackFailed(err))
	assert.Equal(t, api.ActionFailed, st.State)
	assert.Equal(t, []string{"trace-1"}, snaps.pinned, "evidence pinned for the incident")
	require.Len(t, incidents.opened, 1)
	assert.Equal(t, "rollback_failed", incidents.opened[0].Kind)
	assert.Equal(t, [][2]string{{"incident-1", "trace-1"}}, incidents.attached)
}

func TestHandlerErrorWithoutSnapshotFails(t *testing.T) {
	g, _, _ := newTestGateway(t)
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type:    "diagnose-network",
		MinTier: api.Tier1,
		Handler: func(context.Context, api.ActionRequest) (map[string]interface{}, error) {
			return nil, errors.New("probe failed")
		},
	}))

	st, err := g.Submit(context.Background(), api.ActionRequest{ActionType: "diagnose-network"})
	require.Error(t, err)
	assert.Equal(t, api.ActionFailed, st.State)
	assert.Contains(t, st.Error, "probe failed")
}

func TestPendingPagination(t *testing.T) {
	g, _, _ := newTestGateway(t)
	g.cfg.PendingWatermark = 10
	require.NoError(t, g.RegisterAction(api.ActionDefinition{
		Type: "restart-component", MinTier: api.Tier2, Handler: okHandler(nil),
	}))

	base := time.Now()
	for i := 0; i < 5; i++ {
		offset := time.Duration(i) * time.Second
		g.now = func() time.Time { return base.Add(offset) }
		_, err := g.Submit(context.Background(), api.ActionRequest{ActionType: "restart-component"})
		require.NoError(t, err)
	}

	page, total := g.Pending(1, 2)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.True(t, page[0].Request.SubmittedAt.Before(page[1].Request.SubmittedAt))

	none, total := g.Pending(10, 2)
	assert.Equal(t, 5, total)
	assert.Empty(t, none)
}

// snapStub implements api.SnapshotHandler for contract tests.
type snapStub struct {
	captures   int
	restored   string
	restoreErr error
	pinned     []string
}

func (s *snapStub) Capture(_ context.Context, actionID, kind string) (api.SnapshotInfo, error) {
	s.captures++
	return api.SnapshotInfo{ID: "snap-" + actionID, ActionID: actionID, Kind: kind}, nil
}

func (s *snapStub) Restore(_ context.Context, snapshotID string) error {
	if s.restoreErr != nil {
		return s.restoreErr
	}
	s.restored = snapshotID
	return nil
}

func (s *snapStub) Get(string) (api.SnapshotInfo, bool) { return api.SnapshotInfo{}, false }
func (s *snapStub) Pin(actionID string)                 { s.pinned = append(s.pinned, actionID) }
func (s *snapStub) Unpin(string)                        {}

// incidentStub implements api.IncidentHandler recording calls.
type incidentStub struct {
	opened   []api.Failure
	attached [][2]string
}

func (s *incidentStub) OpenIncident(f api.Failure) (string, error) {
	s.opened = append(s.opened, f)
	return "incident-1", nil
}

func (s *incidentStub) AttachAction(incidentID, actionID string) error {
	s.attached = append(s.attached, [2]string{incidentID, actionID})
	return nil
}

func (s *incidentStub) CloseIncident(string, string) error { return nil }
func (s *incidentStub) Reopen(string) (string, error)      { return "", nil }
func (s *incidentStub) GetIncident(string) (api.Incident, bool) {
	return api.Incident{}, false
}
func (s *incidentStub) OpenIncidents() []api.Incident { return nil }
func (s *incidentStub) Summary(time.Duration) api.IncidentSummary {
	return api.IncidentSummary{}
}
