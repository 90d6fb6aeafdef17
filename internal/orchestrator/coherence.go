// internal/orchestrator/coherence.go
//
// Post-run drift check. A link contract carrying a coherence policy has
// its regenerated project IR scored against the original intent IR after
// it completes; a score below the contract threshold is drift, handled per
// the contract's onDrift action.

package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/forgechain/forgechain/internal/ledger"
	"github.com/forgechain/forgechain/internal/link"
)

// irArtifactID is the regenerated project IR the structural scorer reads.
const irArtifactID = "forgechain.project.ir"

// checkCoherence scores the current project IR against intent when the
// contract asks for it. fail raises CONTRACT_VIOLATION; warn records the
// drift and continues; reflect additionally drops drift evidence under
// healing/ for a later repair pass.
func (o *Orchestrator) checkCoherence(state *runState, contract *link.Contract, runID string, policyVersions map[string]any) error {
	cp := contract.Spec.Coherence
	if cp == nil {
		return nil
	}
	linkID := contract.ID

	current := o.loadCurrentIR(state)
	intent := readJSONMap(filepath.Join(state.projectRoot, "inputs", "blueprint.json"))
	if current == nil || intent == nil {
		// Nothing to compare; the check is only meaningful once both
		// ends exist.
		return nil
	}

	report := o.scorer.Score(current, intent)
	if report.Score >= cp.Threshold {
		state.appendEvent(ledger.Event{
			ProjectID:  state.report.ProjectID,
			PipelineID: state.report.PipelineID,
			LinkID:     linkID,
			RunID:      runID,
			StepID:     ledger.StepCoherenceCheck,
			Status:     ledger.StatusSucceeded,
			Metrics: map[string]any{
				"coherence_score": report.Score,
				"threshold":       cp.Threshold,
			},
			PolicyVersions: policyVersions,
		})
		return nil
	}

	score := report.Score
	state.log.Printf("drift detected on link %s: score %.3f below threshold %.3f", linkID, score, cp.Threshold)
	state.appendEvent(ledger.Event{
		ProjectID:  state.report.ProjectID,
		PipelineID: state.report.PipelineID,
		LinkID:     linkID,
		RunID:      runID,
		StepID:     ledger.StepCoherenceCheck,
		Status:     ledger.StatusDriftDetected,
		DriftScore: &score,
		DriftMetadata: map[string]any{
			"threshold": cp.Threshold,
			"evidence":  report.Evidence,
			"on_drift":  driftAction(cp),
		},
		Metrics:        map[string]any{"run_id": state.report.RunID, "worker_id": o.workerID},
		PolicyVersions: policyVersions,
	})

	switch driftAction(cp) {
	case link.OnDriftFail:
		ee := engineErr(KindContractViolation, linkID, "coherence score %.3f below threshold %.3f", score, cp.Threshold)
		ee.Context = map[string]any{"coherence_score": score, "threshold": cp.Threshold, "evidence": report.Evidence}
		return ee
	case link.OnDriftReflect:
		o.writeDriftEvidence(state, linkID, runID, score, cp.Threshold, report.Evidence)
		return nil
	default:
		return nil
	}
}

func driftAction(cp *link.CoherencePolicy) string {
	if cp.OnDrift == "" {
		return link.OnDriftWarn
	}
	return cp.OnDrift
}

func (o *Orchestrator) loadCurrentIR(state *runState) map[string]any {
	record, ok := state.store.Get(irArtifactID)
	if !ok {
		if rec, found := state.index[irArtifactID]; found {
			record = rec
			ok = true
		}
	}
	if !ok {
		return nil
	}
	return readJSONMap(record.Path)
}

// writeDriftEvidence leaves a machine-readable record for the repair path.
func (o *Orchestrator) writeDriftEvidence(state *runState, linkID, runID string, score, threshold float64, evidence string) {
	dir := filepath.Join(state.projectRoot, "healing")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		state.log.Printf("could not create healing dir: %v", err)
		return
	}
	payload := map[string]any{
		"link_id":         linkID,
		"run_id":          runID,
		"coherence_score": score,
		"threshold":       threshold,
		"evidence":        evidence,
		"detected_at":     o.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, "drift_"+linkID+"_"+runID+".json")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		state.log.Printf("could not write drift evidence: %v", err)
	}
}
