// Package actions is the governed gateway every state-changing action
// flows through.
//
// A submission is classified into a tier (promoted to the definition's
// floor, never demoted), parked for approval when tier 2 or 3, admitted
// by its precondition contract, snapshotted when reversible state is in
// scope, executed, then verified by its postconditions exactly once.
// Verification or execution failure triggers rollback via snapshot
// restore or the definition's reversal playbook; a failed rollback opens
// an incident and pins the evidence.
//
// The trace id is the idempotency key: re-submission inside the window
// returns the prior result without executing again.
package actions
