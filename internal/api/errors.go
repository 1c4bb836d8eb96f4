package api

import (
	"errors"
	"fmt"
)

// ErrorKind names the failure categories surfaced to callers and recorded
// in events. Components map transport-level failures onto these kinds at
// their boundary; nothing outside a component sees a raw transport error.
type ErrorKind string

const (
	ErrKindNotFound          ErrorKind = "not_found"
	ErrKindBusy              ErrorKind = "busy"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindUnavailable       ErrorKind = "unavailable"
	ErrKindContractViolation ErrorKind = "contract_violation"
	ErrKindRollbackFailed    ErrorKind = "rollback_failed"
	ErrKindConfig            ErrorKind = "config_error"
	ErrKindDenied            ErrorKind = "denied"
	ErrKindInternal          ErrorKind = "internal"
)

// NotFoundError indicates that a requested resource does not exist:
// no such service, capability, trace id, playbook, or snapshot.
//
// The error carries the resource type and identifier for precise
// reporting. Use IsNotFound to detect it through wrapping.
type NotFoundError struct {
	// ResourceType categorizes the resource that was not found
	// (e.g. "instance", "capability", "action", "playbook", "snapshot").
	ResourceType string

	// ResourceName is the identifier that failed to resolve.
	ResourceName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// NewNotFoundError creates a NotFoundError for the given resource.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{ResourceType: resourceType, ResourceName: resourceName}
}

// IsNotFound checks whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// BusyError indicates refusal due to rate limiting, an open circuit, or
// backpressure. Reason distinguishes the three for HTTP mapping: rate
// limits map to 429, open circuits to 503, approval backlog to 409.
type BusyError struct {
	// Reason is one of "rate_limited", "circuit_open", "backpressure".
	Reason string

	// Target names the resource that refused (capability, breaker key,
	// or "pending-approvals").
	Target string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("busy (%s): %s", e.Reason, e.Target)
}

// NewBusyError creates a BusyError with the given reason and target.
func NewBusyError(reason, target string) *BusyError {
	return &BusyError{Reason: reason, Target: target}
}

// IsBusy checks whether err is or wraps a BusyError.
func IsBusy(err error) bool {
	var e *BusyError
	return errors.As(err, &e)
}

// TimeoutError indicates a deadline exceeded at any layer.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Operation)
}

// NewTimeoutError creates a TimeoutError for the named operation.
func NewTimeoutError(operation string) *TimeoutError {
	return &TimeoutError{Operation: operation}
}

// IsTimeout checks whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// UnavailableError indicates that the selected instance was unreachable
// and retries were exhausted, or that no instance can serve a capability.
type UnavailableError struct {
	Target string
	Cause  error
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("unavailable: %s: %v", e.Target, e.Cause)
	}
	return fmt.Sprintf("unavailable: %s", e.Target)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// NewUnavailableError creates an UnavailableError for the target with an
// optional underlying cause.
func NewUnavailableError(target string, cause error) *UnavailableError {
	return &UnavailableError{Target: target, Cause: cause}
}

// IsUnavailable checks whether err is or wraps an UnavailableError.
func IsUnavailable(err error) bool {
	var e *UnavailableError
	return errors.As(err, &e)
}

// ContractViolationError indicates a failed pre- or post-condition on a
// governed action.
type ContractViolationError struct {
	// Phase is "precondition" or "postcondition".
	Phase     string
	Predicate string
	Detail    string
}

func (e *ContractViolationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s violated: %s (%s)", e.Phase, e.Predicate, e.Detail)
	}
	return fmt.Sprintf("%s violated: %s", e.Phase, e.Predicate)
}

// NewContractViolationError creates a ContractViolationError.
func NewContractViolationError(phase, predicate, detail string) *ContractViolationError {
	return &ContractViolationError{Phase: phase, Predicate: predicate, Detail: detail}
}

// IsContractViolation checks whether err is or wraps a ContractViolationError.
func IsContractViolation(err error) bool {
	var e *ContractViolationError
	return errors.As(err, &e)
}

// RollbackFailedError indicates that an action failed AND its rollback
// failed. This is an operator-attention condition: it is always escalated
// on the event bus and written to the incident log, never swallowed.
type RollbackFailedError struct {
	ActionID   string
	SnapshotID string
	Cause      error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback failed for action %s: %v", e.ActionID, e.Cause)
}

func (e *RollbackFailedError) Unwrap() error { return e.Cause }

// NewRollbackFailedError creates a RollbackFailedError.
func NewRollbackFailedError(actionID, snapshotID string, cause error) *RollbackFailedError {
	return &RollbackFailedError{ActionID: actionID, SnapshotID: snapshotID, Cause: cause}
}

// IsRollbackFailed checks whether err is or wraps a RollbackFailedError.
func IsRollbackFailed(err error) bool {
	var e *RollbackFailedError
	return errors.As(err, &e)
}

// ConfigError indicates invalid input: a bad capability name, an unknown
// playbook, a malformed configuration value.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error: %s: %s", e.Field, e.Detail)
	}
	return fmt.Sprintf("config error: %s", e.Detail)
}

// NewConfigError creates a ConfigError for the given field.
func NewConfigError(field, detail string) *ConfigError {
	return &ConfigError{Field: field, Detail: detail}
}

// IsConfigError checks whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

// DeniedError indicates that policy rejected a request or that an
// approval arrived after expiry.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied: %s", e.Reason)
}

// NewDeniedError creates a DeniedError with the given reason.
func NewDeniedError(reason string) *DeniedError {
	return &DeniedError{Reason: reason}
}

// IsDenied checks whether err is or wraps a DeniedError.
func IsDenied(err error) bool {
	var e *DeniedError
	return errors.As(err, &e)
}

// InternalError is the catchall for unexpected failures. Every
// InternalError is paired with a diagnostic event on the bus.
type InternalError struct {
	Operation string
	Cause     error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error in %s: %v", e.Operation, e.Cause)
}

func (e *InternalError) Unwrap() error { return e.Cause }

// NewInternalError creates an InternalError wrapping cause.
func NewInternalError(operation string, cause error) *InternalError {
	return &InternalError{Operation: operation, Cause: cause}
}

// IsInternal checks whether err is or wraps an InternalError.
func IsInternal(err error) bool {
	var e *InternalError
	return errors.As(err, &e)
}

// KindOf maps an error to its taxonomy kind. Unknown errors map to
// Internal so nothing escapes the taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return ErrKindNotFound
	case IsBusy(err):
		return ErrKindBusy
	case IsTimeout(err):
		return ErrKindTimeout
	case IsUnavailable(err):
		return ErrKindUnavailable
	case IsContractViolation(err):
		return ErrKindContractViolation
	case IsRollbackFailed(err):
		return ErrKindRollbackFailed
	case IsConfigError(err):
		return ErrKindConfig
	case IsDenied(err):
		return ErrKindDenied
	default:
		return ErrKindInternal
	}
}
