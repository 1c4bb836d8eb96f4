package actions

import (
	"context"
	"sort"
	"sync"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const source = "guardian"

// doneCacheSize bounds how many terminal statuses are retained for
// idempotent re-submission inside the window.
const doneCacheSize = 4096

// WorldStateFunc supplies the environment contract predicates are
// evaluated against. Called once per evaluation.
type WorldStateFunc func() map[string]interface{}

// PolicyFunc is consulted for tier-2 requests after classification. A
// true result resolves the request to approved under the returned
// policy principal instead of parking it for a human. Tier 3 never
// consults policy.
type PolicyFunc func(req api.ActionRequest) (approver string, ok bool)

type registered struct {
	def  api.ActionDefinition
	pre  []predicate
	post []predicate
}

// Gateway governs every state-changing action: tier classification,
// approval, contract admission, snapshot, execution, verification and
// rollback all happen here and nowhere else.
type Gateway struct {
	mu    sync.Mutex
	defs  map[string]*registered
	live  map[string]*api.ActionStatus
	order []string
	done  *expirable.LRU[string, *api.ActionStatus]

	cfg    config.ActionsConfig
	world  WorldStateFunc
	policy PolicyFunc
	now    func() time.Time
}

// NewGateway creates the action gateway.
func NewGateway(cfg config.ActionsConfig) *Gateway {
	return &Gateway{
		defs:  make(map[string]*registered),
		live:  make(map[string]*api.ActionStatus),
		done:  expirable.NewLRU[string, *api.ActionStatus](doneCacheSize, nil, cfg.IdempotencyWindow),
		cfg:   cfg,
		world: func() map[string]interface{} { return nil },
		now:   time.Now,
	}
}

// SetWorldState installs the provider contract predicates evaluate
// against. Must be called before serving requests.
func (g *Gateway) SetWorldState(fn WorldStateFunc) {
	if fn != nil {
		g.world = fn
	}
}

// SetPolicy installs the auto-approval policy consulted for tier-2
// requests. Without one, every tier-2 request waits for a human.
func (g *Gateway) SetPolicy(fn PolicyFunc) {
	g.policy = fn
}

// RegisterAction implements api.ActionGatewayHandler.
func (g *Gateway) RegisterAction(def api.ActionDefinition) error {
	if def.Type == "" {
		return api.NewConfigError("action type", "must not be empty")
	}
	if def.Handler == nil {
		return api.NewConfigError("action "+def.Type, "handler is required")
	}
	if !def.MinTier.Valid() {
		return api.NewConfigError("action "+def.Type, "invalid minimum tier")
	}
	pre, err := compilePredicates(def.Preconditions)
	if err != nil {
		return api.NewConfigError("action "+def.Type, err.Error())
	}
	post, err := compilePredicates(def.Postconditions)
	if err != nil {
		return api.NewConfigError("action "+def.Type, err.Error())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.defs[def.Type]; ok {
		return api.NewConfigError("action type", def.Type+" already registered")
	}
	g.defs[def.Type] = &registered{def: def, pre: pre, post: post}
	return nil
}

// Submit implements api.ActionGatewayHandler.
func (g *Gateway) Submit(ctx context.Context, req api.ActionRequest) (*api.ActionStatus, error) {
	if req.TraceID == "" {
		req.TraceID = uuid.New().String()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = g.now().UTC()
	}

	g.mu.Lock()
	// The trace id is the idempotency key: a re-submission returns the
	// prior (or in-flight) status instead of executing twice.
	if st, ok := g.live[req.TraceID]; ok {
		out := *st
		g.mu.Unlock()
		return &out, nil
	}
	if st, ok := g.done.Get(req.TraceID); ok {
		out := *st
		g.mu.Unlock()
		return &out, nil
	}

	reg, ok := g.defs[req.ActionType]
	if !ok {
		g.mu.Unlock()
		return nil, api.NewNotFoundError("action type", req.ActionType)
	}

	// Tiers promote to the definition's floor, never demote.
	if req.Tier < reg.def.MinTier {
		req.Tier = reg.def.MinTier
	}
	if !req.Tier.Valid() {
		g.mu.Unlock()
		return nil, api.NewConfigError("tier", "must be 1, 2 or 3")
	}

	if req.Tier == api.Tier1 {
		st := &api.ActionStatus{Request: req, State: api.ActionApproved}
		g.live[req.TraceID] = st
		g.mu.Unlock()
		return g.execute(ctx, reg, req.TraceID)
	}

	// Tier 2 may be resolved by an active policy; tier 3 always needs an
	// explicit human approval.
	if req.Tier == api.Tier2 && g.policy != nil {
		if approver, ok := g.policy(req); ok {
			st := &api.ActionStatus{Request: req, State: api.ActionApproved, Approver: approver}
			g.live[req.TraceID] = st
			g.mu.Unlock()

			publish(api.Event{
				Type:    api.EventApprovalGranted,
				Source:  source,
				TraceID: req.TraceID,
				Payload: map[string]interface{}{"approver": approver, "auto": true},
			})
			logging.Info("Actions", "policy %s auto-approved %s (%s)", approver, req.TraceID, req.ActionType)
			return g.execute(ctx, reg, req.TraceID)
		}
	}

	// Approval-gated tiers are bounded: past the watermark the gateway
	// sheds load instead of queueing without limit.
	if g.pendingCountLocked() >= g.cfg.PendingWatermark {
		g.mu.Unlock()
		return nil, api.NewBusyError("backpressure", "pending-approvals")
	}

	st := &api.ActionStatus{
		Request:   req,
		State:     api.ActionPendingApproval,
		ExpiresAt: g.now().UTC().Add(g.cfg.ApprovalExpiry),
	}
	g.live[req.TraceID] = st
	g.order = append(g.order, req.TraceID)
	out := *st
	g.mu.Unlock()

	publish(api.Event{
		Type:    api.EventApprovalRequested,
		Source:  source,
		TraceID: req.TraceID,
		Payload: map[string]interface{}{
			"action_type": req.ActionType,
			"proposer":    req.Proposer,
			"tier":        int(req.Tier),
		},
	})
	logging.Info("Actions", "parked %s (%s, tier %d) for approval", req.TraceID, req.ActionType, req.Tier)
	return &out, nil
}

// Approve implements api.ActionGatewayHandler.
func (g *Gateway) Approve(ctx context.Context, traceID, approver string) (*api.ActionStatus, error) {
	g.mu.Lock()
	st, ok := g.live[traceID]
	if !ok {
		if done, cached := g.done.Get(traceID); cached {
			out := *done
			g.mu.Unlock()
			return &out, api.NewDeniedError("request already resolved")
		}
		g.mu.Unlock()
		return nil, api.NewNotFoundError("action", traceID)
	}
	if st.State != api.ActionPendingApproval {
		out := *st
		g.mu.Unlock()
		return &out, api.NewDeniedError("request is not pending approval")
	}
	if g.now().After(st.ExpiresAt) {
		g.resolveLocked(st, api.ActionExpired, "approval window expired")
		out := *st
		g.mu.Unlock()
		return &out, api.NewDeniedError("approval window expired")
	}
	// Privileged actions need a second pair of eyes.
	if st.Request.Tier == api.Tier3 && approver == st.Request.Proposer {
		out := *st
		g.mu.Unlock()
		return &out, api.NewDeniedError("tier 3 approver must differ from proposer")
	}

	st.State = api.ActionApproved
	st.Approver = approver
	reg := g.defs[st.Request.ActionType]
	g.removePendingLocked(traceID)
	g.mu.Unlock()

	publish(api.Event{
		Type:    api.EventApprovalGranted,
		Source:  source,
		TraceID: traceID,
		Payload: map[string]interface{}{"approver": approver},
	})
	return g.execute(ctx, reg, traceID)
}

// Reject implements api.ActionGatewayHandler.
func (g *Gateway) Reject(ctx context.Context, traceID, approver string) (*api.ActionStatus, error) {
	g.mu.Lock()
	st, ok := g.live[traceID]
	if !ok {
		g.mu.Unlock()
		return nil, api.NewNotFoundError("action", traceID)
	}
	if st.State != api.ActionPendingApproval {
		out := *st
		g.mu.Unlock()
		return &out, api.NewDeniedError("request is not pending approval")
	}
	st.Approver = approver
	g.resolveLocked(st, api.ActionRejected, "")
	out := *st
	g.mu.Unlock()

	publish(api.Event{
		Type:    api.EventApprovalRejected,
		Source:  source,
		TraceID: traceID,
		Payload: map[string]interface{}{"approver": approver},
	})
	return &out, nil
}

// Get implements api.ActionGatewayHandler.
func (g *Gateway) Get(traceID string) (*api.ActionStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.live[traceID]; ok {
		out := *st
		return &out, true
	}
	if st, ok := g.done.Get(traceID); ok {
		out := *st
		return &out, true
	}
	return nil, false
}

// Pending implements api.ActionGatewayHandler. Results are ordered by
// submission time; the second return is the total pending count.
func (g *Gateway) Pending(offset, limit int) ([]api.ActionStatus, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := make([]api.ActionStatus, 0, len(g.order))
	for _, id := range g.order {
		if st, ok := g.live[id]; ok && st.State == api.ActionPendingApproval {
			pending = append(pending, *st)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Request.SubmittedAt.Before(pending[j].Request.SubmittedAt)
	})

	total := len(pending)
	if offset >= total {
		return nil, total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return pending[offset:end], total
}

// Drain waits for in-flight executions to finish and expires what is
// still pending. Called on shutdown.
func (g *Gateway) Drain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.order {
		if st, ok := g.live[id]; ok && st.State == api.ActionPendingApproval {
			g.resolveLocked(st, api.ActionExpired, "shutdown")
		}
	}
	g.order = nil
}

// Run expires overdue pending approvals until ctx is done.
func (g *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.expireOverdue()
		}
	}
}

func (g *Gateway) expireOverdue() {
	g.mu.Lock()
	now := g.now()
	for _, id := range g.order {
		if st, ok := g.live[id]; ok && st.State == api.ActionPendingApproval && now.After(st.ExpiresAt) {
			g.resolveLocked(st, api.ActionExpired, "approval window expired")
		}
	}
	g.mu.Unlock()
}

func (g *Gateway) pendingCountLocked() int {
	n := 0
	for _, id := range g.order {
		if st, ok := g.live[id]; ok && st.State == api.ActionPendingApproval {
			n++
		}
	}
	return n
}

// resolveLocked moves a status to a terminal state and into the
// idempotency cache. Caller holds g.mu.
func (g *Gateway) resolveLocked(st *api.ActionStatus, state api.ActionState, errText string) {
	st.State = state
	if errText != "" {
		st.Error = errText
	}
	now := g.now().UTC()
	st.ResolvedAt = &now
	delete(g.live, st.Request.TraceID)
	g.done.Add(st.Request.TraceID, st)
}

func (g *Gateway) removePendingLocked(traceID string) {
	for i, id := range g.order {
		if id == traceID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			return
		}
	}
}

func publish(ev api.Event) {
	eb := api.GetEventBus()
	if eb == nil {
		return
	}
	if err := eb.TryPublish(ev); err != nil {
		logging.Debug("Actions", "could not publish %s: %v", ev.Type, err)
	}
}
