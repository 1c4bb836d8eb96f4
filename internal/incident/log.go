package incident

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"grace/internal/api"
	"grace/pkg/logging"

	"github.com/google/uuid"
)

// source is the event-bus source id for guardian components.
const source = "guardian"

// Log is the append-only incident log. Every mutation appends one JSON
// line to incidents/YYYY-MM-DD.jsonl; closed records are never edited,
// corrections append a new record referencing the original.
type Log struct {
	mu      sync.RWMutex
	dir     string
	byID    map[string]api.Incident
	ordered []string // append order, for window scans

	now func() time.Time
}

// NewLog creates an incident log rooted at dir, loading today's file for
// warm start so open incidents survive a restart.
func NewLog(dir string) (*Log, error) {
	l := &Log{
		dir:  dir,
		byID: make(map[string]api.Incident),
		now:  time.Now,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating incident dir: %w", err)
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenIncident implements api.IncidentHandler.
func (l *Log) OpenIncident(failure api.Failure) (string, error) {
	rec := api.Incident{
		ID:          uuid.NewString(),
		FailureKind: failure.Kind,
		DetectedAt:  l.detectedAt(failure),
		Actions:     []string{},
	}

	l.mu.Lock()
	l.byID[rec.ID] = rec
	l.ordered = append(l.ordered, rec.ID)
	err := l.append(rec)
	l.mu.Unlock()
	if err != nil {
		return "", err
	}

	l.publish(api.EventIncidentOpened, map[string]interface{}{
		"incident_id":  rec.ID,
		"failure_kind": rec.FailureKind,
		"instance_id":  failure.InstanceID,
	})
	return rec.ID, nil
}

func (l *Log) detectedAt(failure api.Failure) time.Time {
	if !failure.DetectedAt.IsZero() {
		return failure.DetectedAt.UTC()
	}
	return l.now().UTC()
}

// AttachAction implements api.IncidentHandler. The updated record is
// appended as a correction line; the previous line stays untouched.
func (l *Log) AttachAction(incidentID, actionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.byID[incidentID]
	if !ok {
		return api.NewNotFoundError("incident", incidentID)
	}
	if !rec.Open() {
		return api.NewConfigError("incident", fmt.Sprintf("incident %s is closed", incidentID))
	}
	rec.Actions = append(rec.Actions, actionID)
	l.byID[incidentID] = rec
	return l.append(rec)
}

// CloseIncident implements api.IncidentHandler. Closing derives
// mttr_seconds from the same record and freezes it.
func (l *Log) CloseIncident(incidentID, outcome string) error {
	l.mu.Lock()
	rec, ok := l.byID[incidentID]
	if !ok {
		l.mu.Unlock()
		return api.NewNotFoundError("incident", incidentID)
	}
	if !rec.Open() {
		l.mu.Unlock()
		return api.NewConfigError("incident", fmt.Sprintf("incident %s already closed", incidentID))
	}

	resolved := l.now().UTC()
	mttr := resolved.Sub(rec.DetectedAt).Seconds()
	rec.ResolvedAt = &resolved
	rec.MTTRSeconds = &mttr
	rec.Outcome = outcome
	l.byID[incidentID] = rec
	err := l.append(rec)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	l.publish(api.EventIncidentClosed, map[string]interface{}{
		"incident_id":  rec.ID,
		"failure_kind": rec.FailureKind,
		"outcome":      outcome,
		"mttr_seconds": mttr,
	})
	return nil
}

// Reopen implements api.IncidentHandler: append a fresh open record
// superseding a closed one.
func (l *Log) Reopen(incidentID string) (string, error) {
	l.mu.Lock()
	orig, ok := l.byID[incidentID]
	if !ok {
		l.mu.Unlock()
		return "", api.NewNotFoundError("incident", incidentID)
	}
	if orig.Open() {
		l.mu.Unlock()
		return "", api.NewConfigError("incident", fmt.Sprintf("incident %s is still open", incidentID))
	}

	rec := api.Incident{
		ID:          uuid.NewString(),
		FailureKind: orig.FailureKind,
		DetectedAt:  l.now().UTC(),
		Actions:     []string{},
		Supersedes:  orig.ID,
	}
	l.byID[rec.ID] = rec
	l.ordered = append(l.ordered, rec.ID)
	err := l.append(rec)
	l.mu.Unlock()
	if err != nil {
		return "", err
	}

	l.publish(api.EventIncidentOpened, map[string]interface{}{
		"incident_id":  rec.ID,
		"failure_kind": rec.FailureKind,
		"supersedes":   orig.ID,
	})
	return rec.ID, nil
}

// GetIncident implements api.IncidentHandler.
func (l *Log) GetIncident(id string) (api.Incident, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byID[id]
	return rec, ok
}

// OpenIncidents implements api.IncidentHandler.
func (l *Log) OpenIncidents() []api.Incident {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []api.Incident
	for _, id := range l.ordered {
		if rec := l.byID[id]; rec.Open() {
			out = append(out, rec)
		}
	}
	return out
}

// Summary implements api.IncidentHandler: rolling MTTR, count and
// success ratio over the trailing window. Only records detected inside
// the window count; MTTR averages closed records only.
func (l *Log) Summary(window time.Duration) api.IncidentSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := l.now().UTC().Add(-window)
	sum := api.IncidentSummary{Window: window.String()}
	var mttrTotal float64
	var succeeded int

	for _, id := range l.ordered {
		rec := l.byID[id]
		if rec.DetectedAt.Before(cutoff) {
			continue
		}
		sum.Count++
		if rec.Open() {
			continue
		}
		sum.Resolved++
		mttrTotal += *rec.MTTRSeconds
		if rec.Outcome != "rollback_failed" && rec.Outcome != "unresolved" {
			succeeded++
		}
	}
	if sum.Resolved > 0 {
		sum.RollingMTTRSeconds = mttrTotal / float64(sum.Resolved)
	}
	if sum.Count > 0 {
		sum.SuccessRatio = float64(succeeded) / float64(sum.Count)
	}
	return sum
}

// append writes one record as a JSON line to today's file. Caller holds
// the write lock.
func (l *Log) append(rec api.Incident) error {
	path := filepath.Join(l.dir, l.now().UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening incident log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding incident %s: %w", rec.ID, err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending incident %s: %w", rec.ID, err)
	}
	return nil
}

// load replays today's JSONL file. Later lines for the same id win, so
// correction appends reconstruct the latest state.
func (l *Log) load() error {
	path := filepath.Join(l.dir, l.now().UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading incident log: %w", err)
	}

	for _, line := range splitLines(data) {
		var rec api.Incident
		if err := json.Unmarshal(line, &rec); err != nil {
			logging.Warn("Incident", "skipping malformed incident line: %v", err)
			continue
		}
		if _, seen := l.byID[rec.ID]; !seen {
			l.ordered = append(l.ordered, rec.ID)
		}
		l.byID[rec.ID] = rec
	}
	if len(l.byID) > 0 {
		logging.Info("Incident", "warm-started %d incident(s) from %s", len(l.byID), path)
	}
	return nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, c := range data {
		if c == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func (l *Log) publish(eventType string, payload map[string]interface{}) {
	if eb := api.GetEventBus(); eb != nil {
		if err := eb.TryPublish(api.Event{Type: eventType, Source: source, Payload: payload}); err != nil {
			logging.Warn("Incident", "could not publish %s: %v", eventType, err)
		}
	}
}
