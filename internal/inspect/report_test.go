package inspect

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ductile-worker/internal/journal"
	"github.com/mattjoyce/ductile-worker/internal/process"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestBuildReport(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, j.Record(ctx, process.Record{
		ID:        "p-1",
		Kind:      "git",
		Status:    process.StatusSuccess,
		Message:   "Cloned repository",
		Payload:   map[string]string{"dir": "repo", "head": "abc123"},
		CreatedAt: created,
		UpdatedAt: created.Add(1500 * time.Millisecond),
	}))

	text, err := BuildReport(ctx, j, "p-1")
	require.NoError(t, err)
	assert.Contains(t, text, "ID          : p-1")
	assert.Contains(t, text, "Status      : success")
	assert.Contains(t, text, "Duration    : 1.5s")
	assert.Contains(t, text, `"head": "abc123"`)

	raw, err := BuildJSONReport(ctx, j, "p-1")
	require.NoError(t, err)
	var report Report
	require.NoError(t, json.Unmarshal([]byte(raw), &report))
	assert.Equal(t, "git", report.Kind)
	require.NotNil(t, report.DurationMS)
	assert.Equal(t, int64(1500), *report.DurationMS)
}

func TestBuildReportWithoutPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)

	require.NoError(t, j.Record(ctx, process.Record{ID: "p-2", Kind: "file", Status: process.StatusCancelled, Message: process.CancelMessage}))

	text, err := BuildReport(ctx, j, "p-2")
	require.NoError(t, err)
	assert.Contains(t, text, "Created     : <unknown>")
	assert.Contains(t, text, "Payload     : <none>")
	assert.NotContains(t, text, "Duration")
}

func TestBuildReportErrors(t *testing.T) {
	t.Parallel()
	j := openJournal(t)

	_, err := BuildReport(context.Background(), j, " ")
	assert.Error(t, err)

	_, err = BuildJSONReport(context.Background(), j, "missing")
	assert.ErrorIs(t, err, journal.ErrNotFound)
}

func TestRenderHistory(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "No journaled processes.\n", RenderHistory(nil))

	out := RenderHistory([]*journal.Entry{
		{ID: "p-1", Kind: "build", Status: process.StatusError, Message: "exit status 2", CompletedAt: time.Now()},
	})
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "p-1")
	assert.Contains(t, out, "exit status 2")
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
}
