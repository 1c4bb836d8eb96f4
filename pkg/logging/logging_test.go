package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.level.String())
	}
}

func TestInfoIncludesSubsystem(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelInfo, &buf)

	Info("Registry", "registered instance %s", "abc")

	out := buf.String()
	assert.Contains(t, out, "subsystem=Registry")
	assert.Contains(t, out, "registered instance abc")
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelInfo, &buf)

	Debug("Gateway", "should not appear")

	assert.Empty(t, buf.String())
}

func TestErrorAttachesError(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelDebug, &buf)

	Error("Bus", assert.AnError, "publish failed")

	out := buf.String()
	assert.Contains(t, out, "publish failed")
	assert.True(t, strings.Contains(out, "error="))
}
