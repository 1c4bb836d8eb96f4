// Package playbook holds the guardian's remediation procedures and the
// executor that selects and runs them.
//
// Each failure kind maps to one or more playbooks; the executor picks
// the applicable one with the best exponentially weighted success rate,
// skipping playbooks cooling down after a recent failure. Every run is
// bracketed by an incident record. In dry-run mode playbooks only probe;
// nothing mutates.
package playbook
