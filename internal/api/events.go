package api

import (
	"strings"
	"time"
)

// Event catalogue. These names are stable: collaborators subscribe by
// prefix (e.g. "registry.") and payload keys are part of the contract.
const (
	EventRegistryAdded     = "registry.added"
	EventRegistryRemoved   = "registry.removed"
	EventHealthChanged     = "health.changed"
	EventRequestRouted     = "gateway.request_routed"
	EventCircuitOpened     = "circuit.opened"
	EventCircuitClosed     = "circuit.closed"
	EventRateLimited       = "rate.limited"
	EventApprovalRequested = "approval.requested"
	EventApprovalGranted   = "approval.granted"
	EventApprovalRejected  = "approval.rejected"
	EventActionStarted     = "action.started"
	EventActionCompleted   = "action.completed"
	EventActionFailed      = "action.failed"
	EventRollbackAttempted = "rollback.attempted"
	EventRollbackFailed    = "rollback.failed"
	EventIncidentOpened    = "incident.opened"
	EventIncidentClosed    = "incident.closed"
	EventHealingNeeded     = "healing.needed"
	EventDirectiveIssued   = "directive.issued"
	EventMetricsSnapshot   = "metrics.snapshot"
)

// Event is a typed record on the bus. Seq is assigned by the bus and is
// strictly increasing per source. Signature, when present, covers the
// canonical encoding of (type, source, seq, trace id, timestamp, payload)
// and is verified before delivery across trust boundaries.
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Seq       uint64                 `json:"seq"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	TraceID   string                 `json:"traceId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Signature []byte                 `json:"signature,omitempty"`
}

// DeliveryMode selects the delivery guarantee for a subscription.
type DeliveryMode string

const (
	// AtLeastOnce subscribers exert backpressure on publishers and may
	// replay from their cursor after a restart.
	AtLeastOnce DeliveryMode = "at_least_once"

	// BestEffort subscribers are dropped first under overflow.
	BestEffort DeliveryMode = "best_effort"
)

// EventFilter selects events for a subscription by type prefix and/or
// source. Zero values match everything.
type EventFilter struct {
	TypePrefix string
	Source     string
}

// Matches reports whether ev passes the filter.
func (f EventFilter) Matches(ev Event) bool {
	if f.TypePrefix != "" && !strings.HasPrefix(ev.Type, f.TypePrefix) {
		return false
	}
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	return true
}

// EventHandlerFunc consumes one delivered event. Handlers for the same
// subscriber run sequentially in sequence order per source; handlers of
// different subscribers run concurrently.
type EventHandlerFunc func(Event)

// EventBusHandler is the bus surface other components see.
type EventBusHandler interface {
	// Publish assigns the next per-source sequence number, signs the
	// event if the source holds a signing key, and enqueues it. Under
	// at_least_once backpressure Publish blocks until space frees or the
	// bus shuts down.
	Publish(ev Event) error

	// TryPublish is the non-blocking variant for latency-sensitive
	// paths; it returns a Busy error instead of blocking.
	TryPublish(ev Event) error

	// Subscribe registers a handler. The returned id identifies the
	// subscription for Replay and Unsubscribe.
	Subscribe(name string, filter EventFilter, mode DeliveryMode, fn EventHandlerFunc) (string, error)

	// Unsubscribe removes a subscription. Idempotent.
	Unsubscribe(id string)

	// Replay redelivers retained events for one source starting at
	// fromSeq to an at_least_once subscription.
	Replay(subscriptionID, source string, fromSeq uint64) error

	// Cursor returns the last-delivered sequence for (subscription, source).
	Cursor(subscriptionID, source string) uint64
}
