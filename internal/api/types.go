package api

import (
	"fmt"
	"time"
)

// InstanceKind classifies a registered service instance.
type InstanceKind string

const (
	KindDomain   InstanceKind = "domain"
	KindKernel   InstanceKind = "kernel"
	KindExternal InstanceKind = "external"
)

// HealthStatus represents the health state of a service instance.
// Transitions follow the health monitor's state machine; see
// internal/mesh/health.
type HealthStatus string

const (
	HealthStarting    HealthStatus = "starting"
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnhealthy   HealthStatus = "unhealthy"
	HealthQuarantined HealthStatus = "quarantined"
)

// Routable reports whether an instance in this state may be selected by
// the load balancer. Only healthy and degraded instances appear in the
// capability index.
func (h HealthStatus) Routable() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// Endpoint is the network address of a service instance.
type Endpoint struct {
	Host       string `json:"host" yaml:"host"`
	Port       int    `json:"port" yaml:"port"`
	PathPrefix string `json:"pathPrefix,omitempty" yaml:"pathPrefix,omitempty"`
}

// String returns host:port with the optional path prefix appended.
func (e Endpoint) String() string {
	if e.PathPrefix != "" {
		return fmt.Sprintf("%s:%d%s", e.Host, e.Port, e.PathPrefix)
	}
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ServiceInstance is a registered addressable unit. The id is assigned at
// registration and immutable afterwards; (kind, endpoint) is unique across
// the registry.
type ServiceInstance struct {
	ID            string            `json:"id"`
	Kind          InstanceKind      `json:"kind"`
	Endpoint      Endpoint          `json:"endpoint"`
	Capabilities  []string          `json:"capabilities"`
	Weight        int               `json:"weight"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	RegisteredAt  time.Time         `json:"registeredAt"`
	SigningKeyRef string            `json:"signingKeyRef,omitempty"`
}

// HealthSnapshot is a point-in-time view of an instance's health state,
// as tracked by the health monitor.
type HealthSnapshot struct {
	Status               HealthStatus  `json:"status"`
	LastProbe            time.Time     `json:"lastProbe"`
	ConsecutiveSuccesses int           `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int           `json:"consecutiveFailures"`
	ErrorRate            float64       `json:"errorRate"`
	LatencyP95           time.Duration `json:"latencyP95"`
}

// InstanceStatus pairs an instance with its current health for topology
// and admin queries.
type InstanceStatus struct {
	Instance ServiceInstance `json:"instance"`
	Health   HealthSnapshot  `json:"health"`
}

// Strategy selects how the load balancer picks an instance for a
// capability.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastOutstanding Strategy = "least_outstanding"
	StrategyWeighted         Strategy = "weighted"
	StrategySticky           Strategy = "sticky"
)

// CallRequest describes one cross-service call routed through the mesh
// gateway.
type CallRequest struct {
	Caller     string        `json:"caller"`
	Capability string        `json:"capability"`
	Target     string        `json:"target,omitempty"` // target kind; scopes the rate-limit bucket
	Method     string        `json:"method"`
	Path       string        `json:"path"`
	Body       []byte        `json:"body,omitempty"`
	StickyKey  string        `json:"stickyKey,omitempty"`
	Idempotent bool          `json:"idempotent"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// CallResponse is the result of a routed call.
type CallResponse struct {
	InstanceID string        `json:"instanceId"`
	StatusCode int           `json:"statusCode"`
	Body       []byte        `json:"body,omitempty"`
	Latency    time.Duration `json:"latency"`
	Attempts   int           `json:"attempts"`
}

// CircuitState mirrors the breaker state machine: closed, open, half_open.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreakerStatus reports one (instance, capability) breaker.
type CircuitBreakerStatus struct {
	InstanceID          string       `json:"instanceId"`
	Capability          string       `json:"capability"`
	State               CircuitState `json:"state"`
	Requests            uint32       `json:"requests"`
	TotalFailures       uint32       `json:"totalFailures"`
	ConsecutiveFailures uint32       `json:"consecutiveFailures"`
	OpenedAt            *time.Time   `json:"openedAt,omitempty"`
}

// Tier is the risk classification of an action. Tier 1 actions are
// self-contained and auto-approved, tier 2 actions are user-visible
// mutations, tier 3 actions are privileged or irreversible and always
// require explicit approval.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Valid reports whether t is one of the three defined tiers.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// ActionState is the lifecycle state of an action request.
type ActionState string

const (
	ActionPendingApproval ActionState = "pending_approval"
	ActionApproved        ActionState = "approved"
	ActionRejected        ActionState = "rejected"
	ActionExecuting       ActionState = "executing"
	ActionCompleted       ActionState = "completed"
	ActionFailed          ActionState = "failed"
	ActionRolledBack      ActionState = "rolled_back"
	ActionExpired         ActionState = "expired"
)

// Terminal reports whether the state is final for the request.
func (s ActionState) Terminal() bool {
	switch s {
	case ActionRejected, ActionCompleted, ActionFailed, ActionRolledBack, ActionExpired:
		return true
	}
	return false
}

// ActionRequest is a proposal to perform a governed, state-changing
// action. Immutable once accepted; the trace id doubles as the
// idempotency key.
type ActionRequest struct {
	TraceID       string                 `json:"traceId"`
	ActionType    string                 `json:"actionType"`
	Proposer      string                 `json:"proposer"`
	Params        map[string]interface{} `json:"params,omitempty"`
	Tier          Tier                   `json:"tier"`
	Justification string                 `json:"justification,omitempty"`
	RiskTag       string                 `json:"riskTag,omitempty"`
	SubmittedAt   time.Time              `json:"submittedAt"`
}

// ActionStatus is the externally visible state of a request, returned by
// the action gateway for submissions and status queries.
type ActionStatus struct {
	Request    ActionRequest          `json:"request"`
	State      ActionState            `json:"state"`
	Approver   string                 `json:"approver,omitempty"`
	Output     map[string]interface{} `json:"output,omitempty"`
	Error      string                 `json:"error,omitempty"`
	SnapshotID string                 `json:"snapshotId,omitempty"`
	ExpiresAt  time.Time              `json:"expiresAt,omitempty"`
	ResolvedAt *time.Time             `json:"resolvedAt,omitempty"`
}

// Failure describes a detected fault routed to the playbook executor.
type Failure struct {
	Kind       string                 `json:"kind"`
	IncidentID string                 `json:"incidentId,omitempty"`
	InstanceID string                 `json:"instanceId,omitempty"`
	Capability string                 `json:"capability,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	DetectedAt time.Time              `json:"detectedAt"`
}

// Incident is one append-only record in the incident log. Once ResolvedAt
// is set the record is frozen; corrections append a new record with
// Supersedes pointing at the original.
type Incident struct {
	ID          string     `json:"id"`
	FailureKind string     `json:"failure_kind"`
	DetectedAt  time.Time  `json:"detected_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Actions     []string   `json:"actions"`
	MTTRSeconds *float64   `json:"mttr_seconds,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Supersedes  string     `json:"supersedes,omitempty"`
}

// Open reports whether the incident has not been resolved yet.
func (i Incident) Open() bool { return i.ResolvedAt == nil }

// IncidentSummary aggregates closed incidents over a query window.
type IncidentSummary struct {
	Window             string  `json:"window"`
	Count              int     `json:"count"`
	Resolved           int     `json:"resolved"`
	SuccessRatio       float64 `json:"successRatio"`
	RollingMTTRSeconds float64 `json:"rollingMttrSeconds"`
}

// PlaybookStatus reports one playbook's execution counters through the
// admin API.
type PlaybookStatus struct {
	ID                string        `json:"id"`
	FailureKinds      []string      `json:"failureKinds"`
	ExecutionCount    int           `json:"executionCount"`
	SuccessCount      int           `json:"successCount"`
	FailureCount      int           `json:"failureCount"`
	SuccessRate       float64       `json:"successRate"`
	LastError         string        `json:"lastError,omitempty"`
	LastDuration      time.Duration `json:"lastDuration"`
	MTTRTargetSeconds float64       `json:"mttrTargetSeconds,omitempty"`
}

// Directive is a proactive recommendation from the meta loop. Directives
// flow through the action gateway like any other action, subject to
// tiering.
type Directive struct {
	ID           string    `json:"id"`
	PlaybookID   string    `json:"playbookId"`
	Rationale    string    `json:"rationale"`
	Urgency      string    `json:"urgency"`
	RequiredTier Tier      `json:"requiredTier"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// SnapshotInfo describes a captured snapshot without its blob.
type SnapshotInfo struct {
	ID            string    `json:"id"`
	ActionID      string    `json:"actionId"`
	Kind          string    `json:"kind"`
	CapturedAt    time.Time `json:"capturedAt"`
	IntegrityHash string    `json:"integrityHash"`
	Restoration   string    `json:"restoration,omitempty"`
	Pinned        bool      `json:"pinned"`
}

// TopologySummary is the response shape for GET /api/mesh/topology.
type TopologySummary struct {
	Instances    []InstanceStatus    `json:"instances"`
	Capabilities map[string][]string `json:"capabilities"`
	Counts       map[string]int      `json:"counts"`
}
