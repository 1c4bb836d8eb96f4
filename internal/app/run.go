package app

import (
	"context"
	"errors"

	"grace/internal/api"
	"grace/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// run starts the background workers and the ingress server, then blocks
// until the context is cancelled or a worker fails. Pending approvals
// are drained and the bus is closed before returning.
func (c *components) run(ctx context.Context) error {
	subID, err := c.bus.Subscribe("snapshot-unpin",
		api.EventFilter{TypePrefix: api.EventIncidentClosed}, api.BestEffort, c.onIncidentClosed)
	if err != nil {
		return err
	}
	defer c.bus.Unsubscribe(subID)

	g, ctx := errgroup.WithContext(ctx)

	if c.cfg.Modes.CI {
		logging.Info("App", "CI mode: background workers suppressed")
	} else {
		g.Go(func() error { c.monitor.Run(ctx); return nil })
		g.Go(func() error { c.discovery.Run(ctx); return nil })
		g.Go(func() error { c.snapshots.Run(ctx); return nil })
		g.Go(func() error { c.actions.Run(ctx); return nil })
		if c.cfg.Registry.WatchPersistFile {
			if err := c.registry.WatchPersistFile(ctx); err != nil {
				return err
			}
		}
		if err := c.executor.Start(ctx); err != nil {
			return err
		}
		if err := c.meta.Start(ctx); err != nil {
			return err
		}
	}

	g.Go(func() error { return c.server.Run(ctx) })

	err = g.Wait()
	c.actions.Drain()
	c.bus.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info("App", "Shutdown complete")
	return nil
}

// onIncidentClosed releases snapshot pins held for the incident's
// attached actions once the incident resolves.
func (c *components) onIncidentClosed(ev api.Event) {
	id, _ := ev.Payload["incident_id"].(string)
	if id == "" {
		return
	}
	rec, ok := c.incidents.GetIncident(id)
	if !ok {
		return
	}
	for _, actionID := range rec.Actions {
		c.snapshots.Unpin(actionID)
	}
}
