package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"grace/internal/api"
	"grace/internal/config"
	"grace/pkg/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const source = "mesh"

// maxResponseBody caps how much of a collaborator response is buffered.
const maxResponseBody = 4 << 20

// registryClient resolves picked instance ids to endpoints.
type registryClient interface {
	FindByID(id string) (api.ServiceInstance, bool)
}

// Gateway is the single path for cross-service calls. Every call runs
// the same pipeline: rate limit, circuit check, instance selection,
// dispatch, then retry for idempotent requests under a shared deadline.
type Gateway struct {
	cfg      config.GatewayConfig
	reg      registryClient
	balancer api.BalancerHandler
	health   api.HealthReporter
	client   *http.Client
	breakers *breakerSet
	limits   *limiterSet
}

// New creates a gateway over the mesh components.
func New(reg registryClient, balancer api.BalancerHandler, health api.HealthReporter, cfg config.GatewayConfig) *Gateway {
	return &Gateway{
		cfg:      cfg,
		reg:      reg,
		balancer: balancer,
		health:   health,
		client:   &http.Client{},
		breakers: newBreakerSet(cfg),
		limits:   newLimiterSet(cfg),
	}
}

// Call implements api.GatewayHandler.
func (g *Gateway) Call(ctx context.Context, req api.CallRequest) (*api.CallResponse, error) {
	if req.Capability == "" {
		return nil, api.NewConfigError("capability", "must not be empty")
	}

	// Rate limiting is the outermost stage: a refused call consumes no
	// instance capacity and is never retried. Buckets are scoped per
	// (caller, target, capability).
	if !g.limits.allow(req.Caller, req.Target, req.Capability) {
		publish(api.Event{
			Type:   api.EventRateLimited,
			Source: source,
			Payload: map[string]interface{}{
				"caller":     req.Caller,
				"target":     req.Target,
				"capability": req.Capability,
			},
		})
		return nil, api.NewBusyError("rate_limited", req.Capability)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.RetryBaseDelay
	bo.MaxInterval = g.cfg.RetryMaxDelay
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; ; attempt++ {
		resp, err := g.dispatch(ctx, req)
		if err == nil {
			resp.Attempts = attempt
			publish(api.Event{
				Type:    api.EventRequestRouted,
				Source:  source,
				TraceID: req.StickyKey,
				Payload: map[string]interface{}{
					"caller":      req.Caller,
					"capability":  req.Capability,
					"instance_id": resp.InstanceID,
					"attempts":    attempt,
					"latency_ms":  resp.Latency.Milliseconds(),
				},
			})
			return resp, nil
		}
		lastErr = err

		if !req.Idempotent || attempt > g.cfg.MaxRetries || !retryable(err) {
			return nil, err
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, lastErr
		}
		// The deadline is shared across attempts: do not start a retry
		// that cannot complete a minimal call.
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < wait+g.cfg.MinRPCLatency {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, api.NewTimeoutError("call " + req.Capability)
		case <-time.After(wait):
		}
	}
}

// dispatch performs one attempt: pick an instance, run the call through
// its breaker, report the outcome to the health monitor.
func (g *Gateway) dispatch(ctx context.Context, req api.CallRequest) (*api.CallResponse, error) {
	id, err := g.balancer.Pick(req.Capability, "", req.StickyKey)
	if err != nil {
		return nil, err
	}
	defer g.balancer.Release(id)

	inst, ok := g.reg.FindByID(id)
	if !ok {
		return nil, api.NewUnavailableError("instance "+id, nil)
	}

	br := g.breakers.get(id, req.Capability)
	start := time.Now()
	executed := false
	canceled := false
	var resp *api.CallResponse
	var callErr error
	_, err = br.execute(func() (interface{}, error) {
		executed = true
		resp, callErr = g.do(ctx, inst, req)
		if callErr != nil && ctx.Err() != nil {
			// The caller went away mid-call: the attempt counts toward
			// neither the breaker window nor the health windows.
			canceled = true
			return nil, errAttemptCanceled
		}
		br.record(callErr == nil)
		return nil, callErr
	})
	if executed && !canceled {
		g.health.RecordResult(id, time.Since(start), callErr == nil)
	}
	if canceled {
		return nil, callErr
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, api.NewBusyError("circuit_open", id)
	}
	if err != nil {
		return nil, err
	}
	resp.InstanceID = id
	return resp, nil
}

// do runs the HTTP exchange against one instance, bounded by the
// per-attempt dispatch timeout.
func (g *Gateway) do(ctx context.Context, inst api.ServiceInstance, req api.CallRequest) (*api.CallResponse, error) {
	actx := ctx
	if g.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, g.cfg.DispatchTimeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	url := fmt.Sprintf("http://%s:%d%s%s", inst.Endpoint.Host, inst.Endpoint.Port, inst.Endpoint.PathPrefix, req.Path)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(actx, method, url, body)
	if err != nil {
		return nil, api.NewConfigError("request", err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		if actx.Err() != nil {
			return nil, api.NewTimeoutError("call " + inst.Endpoint.String())
		}
		return nil, api.NewUnavailableError("instance "+inst.ID, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, api.NewUnavailableError("instance "+inst.ID, err)
	}
	if httpResp.StatusCode >= 500 {
		return nil, api.NewUnavailableError("instance "+inst.ID,
			fmt.Errorf("upstream status %d", httpResp.StatusCode))
	}

	return &api.CallResponse{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Latency:    time.Since(start),
	}, nil
}

// CircuitBreakers implements api.GatewayHandler.
func (g *Gateway) CircuitBreakers() []api.CircuitBreakerStatus {
	return g.breakers.statuses()
}

// retryable reports whether another attempt may reach a different
// outcome. Refusals by policy and caller mistakes are terminal.
func retryable(err error) bool {
	if api.IsUnavailable(err) || api.IsTimeout(err) {
		return true
	}
	// An open circuit on one instance does not condemn the capability;
	// the next pick may land elsewhere.
	var busy *api.BusyError
	if errors.As(err, &busy) {
		return busy.Reason == "circuit_open"
	}
	return false
}

func publish(ev api.Event) {
	eb := api.GetEventBus()
	if eb == nil {
		return
	}
	if err := eb.TryPublish(ev); err != nil {
		logging.Debug("Gateway", "could not publish %s: %v", ev.Type, err)
	}
}
