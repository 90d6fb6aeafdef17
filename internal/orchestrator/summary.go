// internal/orchestrator/summary.go
//
// Run summary generation. Every run ends with a machine-readable summary
// written into the artifact tree under the reserved package.metrics link
// and copied into runs/<run_id>/ for retention.

package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/pipeline"
)

const (
	// metricsLinkID owns the run summary inside the artifact tree.
	metricsLinkID = "package.metrics"
	// summaryArtifactID is the registered id of the run summary.
	summaryArtifactID = "forgechain.metrics.run_summary"
	summaryFileName   = "run_summary.json"
)

// writeRunSummary persists the run report as an artifact and a per-run
// copy under runs/. It runs on both success and failure.
func (o *Orchestrator) writeRunSummary(state *runState, spec *pipeline.Spec, pipelinePath string, startedAt, endedAt time.Time) error {
	report := state.report

	pipelineDigest := ""
	if digest, err := artifact.Digest(pipelinePath); err == nil {
		pipelineDigest = digest
	}

	budgetsEnforced := []string{}
	if o.policy.Budgets.PerProject.MaxProjectBytes > 0 {
		budgetsEnforced = append(budgetsEnforced, "max_project_bytes")
	}
	if o.policy.Budgets.PerLink.MaxOutputBytes > 0 {
		budgetsEnforced = append(budgetsEnforced, "max_output_bytes")
	}
	budgetsEnforced = append(budgetsEnforced, "max_wall_time_sec")

	status := "SUCCEEDED"
	var failure map[string]any
	if report.Failed {
		status = "FAILED"
		failure = map[string]any{
			"link_id": report.FailureLink,
			"message": report.FailureError,
		}
	}

	violations := report.BudgetViolations
	if violations == nil {
		violations = []Violation{}
	}

	summary := map[string]any{
		"schema_version":  "1.0.0",
		"run_id":          report.RunID,
		"worker_id":       o.workerID,
		"project_id":      report.ProjectID,
		"pipeline_id":     report.PipelineID,
		"pipeline_path":   pipelinePath,
		"pipeline_sha256": pipelineDigest,
		"profile":         o.profile,
		"policy": map[string]any{
			"version": o.policy.Version,
			"digest":  o.policy.Digest(),
		},
		"started_at":        startedAt.UTC().Format(time.RFC3339Nano),
		"ended_at":          endedAt.UTC().Format(time.RFC3339Nano),
		"duration_ms":       endedAt.Sub(startedAt).Milliseconds(),
		"status":            status,
		"links":             report.LinkDurations,
		"status_index":      report.StatusIndex,
		"budget_violations": violations,
		"budgets_enforced":  budgetsEnforced,
	}
	if failure != nil {
		summary["failure"] = failure
	}

	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}

	dir, err := state.store.LinkDir(metricsLinkID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, summaryFileName)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return err
	}

	record, err := state.store.Register(context.Background(), summaryArtifactID, path, "json", metricsLinkID, report.RunID)
	if err != nil {
		return err
	}
	state.index[summaryArtifactID] = record

	// Per-run copy for inspection and retention pruning.
	runDir := filepath.Join(state.projectRoot, "runs", report.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return copyFile(path, filepath.Join(runDir, summaryFileName))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
