package incident

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"grace/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	api.ResetHandlers()
	l, err := NewLog(t.TempDir())
	require.NoError(t, err)
	return l
}

func TestOpenAttachClose(t *testing.T) {
	l := newTestLog(t)

	id, err := l.OpenIncident(api.Failure{Kind: "port_conflict", InstanceID: "kernel:librarian"})
	require.NoError(t, err)

	require.NoError(t, l.AttachAction(id, "action-1"))
	require.NoError(t, l.AttachAction(id, "action-2"))
	require.NoError(t, l.CloseIncident(id, "resolved"))

	rec, ok := l.GetIncident(id)
	require.True(t, ok)
	assert.False(t, rec.Open())
	assert.Equal(t, []string{"action-1", "action-2"}, rec.Actions)
	require.NotNil(t, rec.MTTRSeconds)
	assert.Equal(t, rec.ResolvedAt.Sub(rec.DetectedAt).Seconds(), *rec.MTTRSeconds)
}

func TestClosedRecordIsFrozen(t *testing.T) {
	l := newTestLog(t)

	id, err := l.OpenIncident(api.Failure{Kind: "db_lock"})
	require.NoError(t, err)
	require.NoError(t, l.CloseIncident(id, "resolved"))

	assert.Error(t, l.AttachAction(id, "late-action"))
	assert.Error(t, l.CloseIncident(id, "resolved-again"))
}

func TestReopenSupersedes(t *testing.T) {
	l := newTestLog(t)

	id, err := l.OpenIncident(api.Failure{Kind: "api_timeout"})
	require.NoError(t, err)

	_, err = l.Reopen(id)
	assert.Error(t, err, "cannot reopen an open incident")

	require.NoError(t, l.CloseIncident(id, "resolved"))
	newID, err := l.Reopen(id)
	require.NoError(t, err)
	require.NotEqual(t, id, newID)

	rec, ok := l.GetIncident(newID)
	require.True(t, ok)
	assert.True(t, rec.Open())
	assert.Equal(t, id, rec.Supersedes)

	orig, _ := l.GetIncident(id)
	assert.False(t, orig.Open(), "original stays frozen")
}

func TestUnknownIncident(t *testing.T) {
	l := newTestLog(t)
	assert.True(t, api.IsNotFound(l.AttachAction("nope", "a")))
	assert.True(t, api.IsNotFound(l.CloseIncident("nope", "x")))
	_, err := l.Reopen("nope")
	assert.True(t, api.IsNotFound(err))
}

func TestSummaryWindows(t *testing.T) {
	l := newTestLog(t)
	base := time.Now().UTC()
	clock := base
	l.now = func() time.Time { return clock }

	// Two incidents inside the window: one closes after 10s, one stays open.
	id1, err := l.OpenIncident(api.Failure{Kind: "port_conflict", DetectedAt: base})
	require.NoError(t, err)
	clock = base.Add(10 * time.Second)
	require.NoError(t, l.CloseIncident(id1, "resolved"))

	_, err = l.OpenIncident(api.Failure{Kind: "db_lock", DetectedAt: base.Add(time.Minute)})
	require.NoError(t, err)

	clock = base.Add(2 * time.Minute)
	sum := l.Summary(time.Hour)
	assert.Equal(t, 2, sum.Count)
	assert.Equal(t, 1, sum.Resolved)
	assert.InDelta(t, 10.0, sum.RollingMTTRSeconds, 0.001)
	assert.InDelta(t, 0.5, sum.SuccessRatio, 0.001)

	// A narrow window excludes the old records.
	sum = l.Summary(30 * time.Second)
	assert.Equal(t, 0, sum.Count)
}

func TestWarmStartFromJSONL(t *testing.T) {
	api.ResetHandlers()
	dir := t.TempDir()

	l, err := NewLog(dir)
	require.NoError(t, err)
	id, err := l.OpenIncident(api.Failure{Kind: "port_conflict"})
	require.NoError(t, err)
	require.NoError(t, l.AttachAction(id, "a1"))

	// New process, same directory: open incident survives.
	l2, err := NewLog(dir)
	require.NoError(t, err)
	rec, ok := l2.GetIncident(id)
	require.True(t, ok)
	assert.True(t, rec.Open())
	assert.Equal(t, []string{"a1"}, rec.Actions)
	assert.Len(t, l2.OpenIncidents(), 1)
}

func TestAppendOnlyFileFormat(t *testing.T) {
	api.ResetHandlers()
	dir := t.TempDir()

	l, err := NewLog(dir)
	require.NoError(t, err)
	id, err := l.OpenIncident(api.Failure{Kind: "db_lock"})
	require.NoError(t, err)
	require.NoError(t, l.CloseIncident(id, "resolved"))

	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 2, "open and close each append one line")
	for _, line := range lines {
		assert.Contains(t, line, `"id"`)
		assert.Contains(t, line, `"failure_kind"`)
		assert.Contains(t, line, `"detected_at"`)
	}
	assert.Contains(t, lines[1], `"mttr_seconds"`)
}
