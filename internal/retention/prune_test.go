package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/ledger"
	"github.com/forgechain/forgechain/internal/policy"
)

const retentionPolicyYAML = `version: "2.1.0"
default_profile: normal
budgets:
  per_link:
    max_wall_time_sec: 30
    max_output_bytes: 1048576
  per_project:
    max_project_bytes: 10485760
security:
  allow_src_writes: []
  allowed_subprocess_commands: []
profiles:
  normal:
    allow_src_writes: false
    artifact_only_outputs: true
retention:
  keep_last_n_runs: 1
  keep_failed_runs_days: 7
  protected_artifacts: [forgechain.metrics.run_summary]
  preserve_ledger: true
`

// seedRun appends a minimal run to the ledger and creates its runs/ dir.
func seedRun(t *testing.T, projectRoot, runID string, status ledger.Status, at time.Time) {
	t.Helper()
	led, err := ledger.Open(projectRoot)
	require.NoError(t, err)
	require.NoError(t, led.Append(ledger.Event{
		Timestamp: at,
		ProjectID: "proj",
		LinkID:    "ingest.project_bundle",
		StepID:    ledger.StepLinkComplete,
		Status:    status,
		Metrics:   map[string]any{"run_id": runID},
	}))
	runDir := filepath.Join(projectRoot, "runs", runID)
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "run_summary.json"), []byte(`{"run_id":"`+runID+`"}`), 0o644))
}

func setupProject(t *testing.T, projectsDir string, now time.Time) string {
	t.Helper()
	projectRoot := filepath.Join(projectsDir, "proj")
	require.NoError(t, os.MkdirAll(projectRoot, 0o755))

	seedRun(t, projectRoot, "run-old-success", ledger.StatusSucceeded, now.Add(-72*time.Hour))
	seedRun(t, projectRoot, "run-old-failure", ledger.StatusFailed, now.Add(-30*24*time.Hour))
	seedRun(t, projectRoot, "run-recent-failure", ledger.StatusFailed, now.Add(-24*time.Hour))
	seedRun(t, projectRoot, "run-new-success", ledger.StatusSucceeded, now.Add(-time.Hour))

	index := map[string]artifact.Record{
		"forgechain.metrics.run_summary": {Path: filepath.Join(projectRoot, "artifacts", "package.metrics", "run_summary.json")},
		"forgechain.project.bundle":      {Path: filepath.Join(projectRoot, "artifacts", "ingest.project_bundle", "bundle.json")},
	}
	require.NoError(t, artifact.WriteIndex(projectRoot, index))
	return projectRoot
}

func TestPruneProjectDryRun(t *testing.T) {
	now := time.Now()
	projectsDir := t.TempDir()
	projectRoot := setupProject(t, projectsDir, now)

	pol, err := policy.Parse([]byte(retentionPolicyYAML))
	require.NoError(t, err)
	pruner := NewPruner(projectsDir, pol, WithClock(func() time.Time { return now }))

	report := pruner.PruneProject("proj", true)
	require.Empty(t, report.Errors)
	assert.True(t, report.DryRun)

	deleted := map[string]bool{}
	for _, item := range report.Deleted {
		deleted[item.ID] = true
	}
	assert.True(t, deleted["run-old-success"], "older successful run beyond keep_last_n_runs")
	assert.True(t, deleted["run-old-failure"], "failed run older than retention window")
	assert.False(t, deleted["run-new-success"])
	assert.False(t, deleted["run-recent-failure"])
	assert.Positive(t, report.SpaceFreedBytes)

	// Dry run removes nothing.
	assert.DirExists(t, filepath.Join(projectRoot, "runs", "run-old-success"))
	assert.DirExists(t, filepath.Join(projectRoot, "runs", "run-old-failure"))
}

func TestPruneProjectDeletesDroppedRuns(t *testing.T) {
	now := time.Now()
	projectsDir := t.TempDir()
	projectRoot := setupProject(t, projectsDir, now)

	pol, err := policy.Parse([]byte(retentionPolicyYAML))
	require.NoError(t, err)
	pruner := NewPruner(projectsDir, pol, WithClock(func() time.Time { return now }))

	report := pruner.PruneProject("proj", false)
	require.Empty(t, report.Errors)

	assert.NoDirExists(t, filepath.Join(projectRoot, "runs", "run-old-success"))
	assert.NoDirExists(t, filepath.Join(projectRoot, "runs", "run-old-failure"))
	assert.DirExists(t, filepath.Join(projectRoot, "runs", "run-new-success"))
	assert.DirExists(t, filepath.Join(projectRoot, "runs", "run-recent-failure"))

	// The ledger is the audit trail and survives every pruning pass.
	assert.FileExists(t, filepath.Join(projectRoot, "ledger", "events.jsonl"))

	reasons := map[string]string{}
	for _, item := range report.Preserved {
		reasons[item.ID] = item.Reason
	}
	assert.Equal(t, "protected_artifact_type", reasons["forgechain.metrics.run_summary"])
	assert.Equal(t, "current_index_entry", reasons["forgechain.project.bundle"])
}

func TestPruneProjectMissing(t *testing.T) {
	pol, err := policy.Parse([]byte(retentionPolicyYAML))
	require.NoError(t, err)
	pruner := NewPruner(t.TempDir(), pol)

	report := pruner.PruneProject("ghost", true)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "__project__", report.Errors[0].ID)
}

func TestPruneAll(t *testing.T) {
	now := time.Now()
	projectsDir := t.TempDir()
	setupProject(t, projectsDir, now)
	require.NoError(t, os.MkdirAll(filepath.Join(projectsDir, ".hidden"), 0o755))

	pol, err := policy.Parse([]byte(retentionPolicyYAML))
	require.NoError(t, err)
	pruner := NewPruner(projectsDir, pol, WithClock(func() time.Time { return now }))

	reports := pruner.PruneAll(true)
	require.Len(t, reports, 1)
	assert.Equal(t, "proj", reports[0].ProjectID)
}
