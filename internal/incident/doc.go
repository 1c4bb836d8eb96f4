// Package incident implements the append-only incident log and MTTR
// tracker.
//
// Records are stored one JSON object per line in incidents/YYYY-MM-DD.jsonl
// with stable keys (id, failure_kind, detected_at, resolved_at, actions,
// mttr_seconds). A record is frozen once resolved_at is set; any
// correction appends a new record whose supersedes field references the
// original. MTTR is always derived from the record itself:
// resolved_at - detected_at.
package incident
