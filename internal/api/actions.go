package api

import "context"

// ActionHandlerFunc executes a governed action once its contract has been
// admitted. The returned map becomes the action's output; errors are
// mapped onto the taxonomy by the action gateway.
type ActionHandlerFunc func(ctx context.Context, req ActionRequest) (map[string]interface{}, error)

// ActionDefinition declares an executable action type to the action
// gateway. Definitions are registered at startup; a request whose
// declared tier is below MinTier is promoted, never demoted.
type ActionDefinition struct {
	Type       string
	MinTier    Tier
	Idempotent bool

	// Preconditions and Postconditions are expression-language
	// predicates over the world state snapshot (see internal/actions).
	Preconditions  []string
	Postconditions []string

	// SnapshotKind selects the capturer used for tier >= 2 requests.
	// Empty means no snapshot is possible for this action type; tier 1
	// requests then run without one.
	SnapshotKind string

	// ReversalPlaybook optionally names a playbook used for rollback
	// when snapshot restore is not applicable.
	ReversalPlaybook string

	Handler ActionHandlerFunc
}

// ActionGatewayHandler governs every state-changing action.
type ActionGatewayHandler interface {
	// RegisterAction declares an action type. Duplicate types are a
	// ConfigError.
	RegisterAction(def ActionDefinition) error

	// Submit runs the governed flow: classify tier, evaluate policy,
	// park for approval or proceed through contract, snapshot, execute,
	// verify, commit or rollback. Re-submission with a known trace id
	// inside the idempotency window returns the prior status.
	Submit(ctx context.Context, req ActionRequest) (*ActionStatus, error)

	// Approve resolves a pending request. The approver must differ from
	// the proposer for tier 3. Late approvals past expiry are denied.
	Approve(ctx context.Context, traceID, approver string) (*ActionStatus, error)

	// Reject resolves a pending request negatively.
	Reject(ctx context.Context, traceID, approver string) (*ActionStatus, error)

	// Get returns the status for a trace id.
	Get(traceID string) (*ActionStatus, bool)

	// Pending lists pending-approval requests, paginated.
	Pending(offset, limit int) ([]ActionStatus, int)
}

// SnapshotHandler captures and restores scoped state around actions.
type SnapshotHandler interface {
	// Capture snapshots the scope selected by kind for the action.
	// Identical content is deduplicated: a second Capture with the same
	// integrity hash returns the existing snapshot id.
	Capture(ctx context.Context, actionID, kind string) (SnapshotInfo, error)

	// Restore reapplies the captured state.
	Restore(ctx context.Context, snapshotID string) error

	// Get returns snapshot metadata.
	Get(snapshotID string) (SnapshotInfo, bool)

	// Pin marks every snapshot of an action as referenced by an open
	// incident, exempting it from retention eviction.
	Pin(actionID string)

	// Unpin releases the pin once the incident closes.
	Unpin(actionID string)
}
