// Package logging provides structured logging for grace with subsystem
// tagging and level filtering.
//
// The package wraps Go's standard slog package. All log entries carry a
// subsystem identifier so output can be filtered per component:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stdout)
//	logging.Info("Registry", "registered instance %s", id)
//	logging.Error("Gateway", err, "dispatch to %s failed", target)
//
// Subsystems in use: Bootstrap, Config, Registry, Discovery, Health,
// Balancer, Gateway, Bus, Actions, Snapshot, Playbook, Incident, Meta,
// Server, CLI.
package logging
