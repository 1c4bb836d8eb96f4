package cmd

import (
	"errors"
	"fmt"
	"testing"

	"grace/internal/api"
	"grace/internal/server"

	"github.com/stretchr/testify/assert"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCodeError, getExitCode(errors.New("boom")))
	assert.Equal(t, ExitCodePortInUse, getExitCode(fmt.Errorf("serve: %w", server.ErrPortInUse)))
	assert.Equal(t, ExitCodeConfig, getExitCode(fmt.Errorf("loading configuration: %w",
		api.NewConfigError("server.port", "out of range"))))
	assert.Equal(t, ExitCodeDegraded, getExitCode(&degradedError{unhealthy: 1}))
}

func TestExitCodeContract(t *testing.T) {
	assert.Equal(t, 0, ExitCodeSuccess)
	assert.Equal(t, 1, ExitCodeError)
	assert.Equal(t, 2, ExitCodeConfig)
	assert.Equal(t, 3, ExitCodePortInUse)
}

func TestAPIEndpointResolution(t *testing.T) {
	endpointFlag = ""
	t.Setenv(EndpointEnvVar, "")
	assert.Equal(t, defaultEndpoint, apiEndpoint())

	t.Setenv(EndpointEnvVar, "http://example:9000")
	assert.Equal(t, "http://example:9000", apiEndpoint())

	endpointFlag = "http://flag:7000"
	defer func() { endpointFlag = "" }()
	assert.Equal(t, "http://flag:7000", apiEndpoint())
}

func TestDegradedErrorMessage(t *testing.T) {
	err := &degradedError{unhealthy: 2, quarantined: 1}
	assert.Contains(t, err.Error(), "2 unhealthy")
	assert.Contains(t, err.Error(), "1 quarantined")
}
