package meta

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"time"

	"grace/pkg/logging"
)

// driftTolerance is the relative change in a baseline metric past which
// the cycle review proposes a threshold update.
const driftTolerance = 0.25

type baselineReport struct {
	GeneratedAt   time.Time          `json:"generated_at"`
	WindowSeconds float64            `json:"window_seconds"`
	SampleCount   int                `json:"sample_count"`
	Metrics       map[string]float64 `json:"metrics"`
}

// writeBaseline persists the aggregated window as the latest baseline
// report and returns the payload kept in memory.
func (l *Loop) writeBaseline(avg map[string]float64, samples int) map[string]interface{} {
	report := baselineReport{
		GeneratedAt:   l.now().UTC(),
		WindowSeconds: l.cfg.AggregationWindow.Seconds(),
		SampleCount:   samples,
		Metrics:       avg,
	}

	if l.cfg.ReportPath != "" {
		if err := os.MkdirAll(filepath.Dir(l.cfg.ReportPath), 0o755); err != nil {
			logging.Warn("Meta", "could not create report dir: %v", err)
		} else if data, err := json.MarshalIndent(report, "", "  "); err == nil {
			tmp := l.cfg.ReportPath + ".tmp"
			if err := os.WriteFile(tmp, data, 0o644); err == nil {
				if err := os.Rename(tmp, l.cfg.ReportPath); err != nil {
					logging.Warn("Meta", "could not write baseline report: %v", err)
				}
			}
		}
	}

	out := map[string]interface{}{
		"generated_at":   report.GeneratedAt,
		"window_seconds": report.WindowSeconds,
		"sample_count":   samples,
	}
	for k, v := range avg {
		out[k] = v
	}
	return out
}

// readPreviousBaseline loads the last persisted report. Called at
// construction, before this process overwrites it.
func (l *Loop) readPreviousBaseline() map[string]float64 {
	if l.cfg.ReportPath == "" {
		return nil
	}
	data, err := os.ReadFile(l.cfg.ReportPath)
	if err != nil {
		return nil
	}
	var report baselineReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil
	}
	return report.Metrics
}

// baselineDrifted compares metrics shared by both baselines against the
// drift tolerance.
func baselineDrifted(previous map[string]float64, current map[string]interface{}) bool {
	for k, prev := range previous {
		cur, ok := current[k].(float64)
		if !ok || prev == 0 {
			continue
		}
		if math.Abs(cur-prev)/math.Abs(prev) > driftTolerance {
			return true
		}
	}
	return false
}
