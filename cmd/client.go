package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// EndpointEnvVar overrides the default ingress endpoint for inspection
// commands.
const EndpointEnvVar = "GRACE_ENDPOINT"

const defaultEndpoint = "http://localhost:8000"

// endpointFlag is shared by every inspection command.
var endpointFlag string

// apiEndpoint resolves the ingress base URL: flag, then environment,
// then the default.
func apiEndpoint() string {
	if endpointFlag != "" {
		return endpointFlag
	}
	if env := os.Getenv(EndpointEnvVar); env != "" {
		return env
	}
	return defaultEndpoint
}

// fetchJSON GETs path from the running runtime and decodes the response
// into out.
func fetchJSON(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiEndpoint()+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach runtime at %s: %w", apiEndpoint(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}
