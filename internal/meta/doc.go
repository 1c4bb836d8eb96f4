// Package meta is the proactive intelligence loop: it samples the whole
// system on an interval, aggregates the window, persists the baseline
// report and issues directives when aggregates cross thresholds.
//
// Directives are recommendations, not commands: each one is submitted
// through the action gateway at the tier its urgency warrants, so the
// same approval machinery that governs reactive healing governs
// proactive change. The daily cycle review compares the current baseline
// against the previous report and proposes a tier 3 threshold update
// when the system has drifted.
package meta
