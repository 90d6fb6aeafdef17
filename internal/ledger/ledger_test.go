package ledger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendWritesOneParseableLinePerEvent(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)

	require.NoError(t, l.Append(Event{
		ProjectID: "p1", PipelineID: "default", LinkID: "ingest", RunID: "r1",
		StepID: StepLinkStart, Status: StatusStarted,
	}))
	require.NoError(t, l.Append(Event{
		ProjectID: "p1", PipelineID: "default", LinkID: "ingest", RunID: "r1",
		StepID: StepLinkComplete, Status: StatusSucceeded,
		Metrics: map[string]any{"input_signature": "abc"},
	}))

	file, err := os.Open(filepath.Join(root, "ledger", "events.jsonl"))
	require.NoError(t, err)
	defer file.Close()
	scanner := bufio.NewScanner(file)
	var lines int
	for scanner.Scan() {
		lines++
		var raw map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &raw), "line %d must parse standalone", lines)
		assert.Contains(t, raw, "timestamp")
		assert.Contains(t, raw, "policy_versions")
	}
	assert.Equal(t, 2, lines)
}

func TestEventsFiltersByLink(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root)
	require.NoError(t, err)

	for _, link := range []string{"a", "b", "a"} {
		require.NoError(t, l.Append(Event{LinkID: link, StepID: StepLinkComplete, Status: StatusSucceeded}))
	}

	all, err := l.Events("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	onlyA, err := l.Events("a")
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)
}

func TestLastStepReturnsMostRecent(t *testing.T) {
	root := t.TempDir()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	tick := 0
	l, err := Open(root, WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	require.NoError(t, err)

	require.NoError(t, l.Append(Event{LinkID: "x", StepID: StepLinkComplete, Status: StatusFailed}))
	require.NoError(t, l.Append(Event{LinkID: "x", StepID: StepLinkComplete, Status: StatusSucceeded}))

	ev, ok, err := l.LastStep("x", StepLinkComplete)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, ev.Status)

	_, ok, err = l.LastStep("missing", StepLinkComplete)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventsOnMissingFileIsEmpty(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	events, err := l.Events("")
	require.NoError(t, err)
	assert.Empty(t, events)
}
