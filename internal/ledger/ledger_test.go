package ledger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/pkg/types"
)

func testAlert(id string) types.Alert {
	return types.Alert{
		ID:         id,
		Source:     "tv",
		ReceivedAt: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
	}
}

func TestAppendAndResolveFold(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(testAlert("a1")))
	require.NoError(t, l.Append(testAlert("a2")))
	require.NoError(t, l.Resolve("a1", "sim", "filled"))

	recs, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "a1", recs[0].ID)
	assert.Equal(t, "tv", recs[0].Source, "receipt fields survive the resolution line")
	assert.Equal(t, "sim", recs[0].Destination)
	assert.Equal(t, "filled", recs[0].TerminalStatus)

	assert.Equal(t, "a2", recs[1].ID)
	assert.Empty(t, recs[1].TerminalStatus, "unresolved alert stays open")
}

func TestLinesAreAppendOnly(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(testAlert("a1")))
	require.NoError(t, l.Resolve("a1", "sim", "rejected"))

	data, err := os.ReadFile(filepath.Join(dir, "alerts.jsonl"))
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines, "resolution appends, never rewrites")
}

func TestReopenAppendsToExistingFile(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, l.Append(testAlert("a1")))
	require.NoError(t, l.Close())

	l, err = Open(dir)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Resolve("a1", "sim", "filled"))

	recs, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "filled", recs[0].TerminalStatus)
}

func TestRotateStartsFreshFile(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	l, err := Open(dir, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(testAlert("old")))
	require.NoError(t, l.Rotate())
	require.NoError(t, l.Append(testAlert("new")))

	recs, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "new", recs[0].ID)

	aside, err := os.ReadFile(filepath.Join(dir, "alerts-20250602T090000.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(aside), `"old"`)
}

func TestReadAllEmptyLedger(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	recs, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}
