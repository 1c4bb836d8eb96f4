package api

import (
	"context"
	"time"
)

// IncidentHandler is the append-only incident log surface.
type IncidentHandler interface {
	// OpenIncident appends an open record and returns its id.
	OpenIncident(failure Failure) (string, error)

	// AttachAction records that an action was taken for the incident.
	// Attaching to a closed incident is an error.
	AttachAction(incidentID, actionID string) error

	// CloseIncident freezes the record, deriving mttr_seconds.
	CloseIncident(incidentID, outcome string) error

	// Reopen appends a new open record superseding a closed one and
	// returns the new id. The original record stays frozen.
	Reopen(incidentID string) (string, error)

	// GetIncident returns one record by id.
	GetIncident(id string) (Incident, bool)

	// OpenIncidents lists currently unresolved incidents.
	OpenIncidents() []Incident

	// Summary aggregates closed records over the trailing window.
	Summary(window time.Duration) IncidentSummary
}

// PlaybookRunner executes remediation playbooks.
type PlaybookRunner interface {
	// HandleFailure selects the applicable playbook with the best
	// recent success rate and runs it against the failure.
	HandleFailure(ctx context.Context, failure Failure) error

	// Run executes one named playbook directly.
	Run(ctx context.Context, playbookID string, failure Failure) error

	// Statuses lists execution counters for the admin API.
	Statuses() []PlaybookStatus
}

// MetaHandler exposes the proactive intelligence loop.
type MetaHandler interface {
	// Directives lists directives issued in the current process.
	Directives() []Directive

	// Baseline returns the most recent aggregated metrics snapshot.
	Baseline() map[string]interface{}
}
