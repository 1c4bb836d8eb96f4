package api

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindDetection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"not found", NewNotFoundError("instance", "abc"), ErrKindNotFound},
		{"busy", NewBusyError("rate_limited", "chat"), ErrKindBusy},
		{"timeout", NewTimeoutError("dispatch"), ErrKindTimeout},
		{"unavailable", NewUnavailableError("chat", nil), ErrKindUnavailable},
		{"contract", NewContractViolationError("precondition", "port > 0", ""), ErrKindContractViolation},
		{"rollback", NewRollbackFailedError("a1", "s1", assert.AnError), ErrKindRollbackFailed},
		{"config", NewConfigError("capability", "must be kebab-case"), ErrKindConfig},
		{"denied", NewDeniedError("approval expired"), ErrKindDenied},
		{"unknown maps to internal", assert.AnError, ErrKindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestKindOfNil(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestErrorDetectionThroughWrapping(t *testing.T) {
	base := NewNotFoundError("action", "t-123")
	wrapped := fmt.Errorf("while approving: %w", base)

	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsBusy(wrapped))
	assert.Equal(t, ErrKindNotFound, KindOf(wrapped))
}

func TestUnavailableUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := NewUnavailableError("kernel:librarian", cause)

	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, cause, err.Unwrap())
}

func TestHealthStatusRoutable(t *testing.T) {
	assert.True(t, HealthHealthy.Routable())
	assert.True(t, HealthDegraded.Routable())
	assert.False(t, HealthStarting.Routable())
	assert.False(t, HealthUnhealthy.Routable())
	assert.False(t, HealthQuarantined.Routable())
}

func TestActionStateTerminal(t *testing.T) {
	assert.False(t, ActionPendingApproval.Terminal())
	assert.False(t, ActionApproved.Terminal())
	assert.False(t, ActionExecuting.Terminal())
	assert.True(t, ActionCompleted.Terminal())
	assert.True(t, ActionFailed.Terminal())
	assert.True(t, ActionRolledBack.Terminal())
	assert.True(t, ActionRejected.Terminal())
	assert.True(t, ActionExpired.Terminal())
}

func TestEventFilterMatches(t *testing.T) {
	ev := Event{Type: "registry.added", Source: "mesh"}

	assert.True(t, EventFilter{}.Matches(ev))
	assert.True(t, EventFilter{TypePrefix: "registry."}.Matches(ev))
	assert.False(t, EventFilter{TypePrefix: "action."}.Matches(ev))
	assert.True(t, EventFilter{Source: "mesh"}.Matches(ev))
	assert.False(t, EventFilter{Source: "guardian"}.Matches(ev))
	assert.False(t, EventFilter{TypePrefix: "registry.", Source: "guardian"}.Matches(ev))
}
