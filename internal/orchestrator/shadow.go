// internal/orchestrator/shadow.go
//
// Shadow execution. A pipeline entry may name a candidate link to run
// right after its stable counterpart, against the parallel shadow/<link>
// tree so nothing the candidate writes reaches the live artifact
// directory. Each candidate run is scored for parity against the stable
// link's live outputs; after enough consecutive passes and an operator
// approval marker, the candidate's outputs are promoted into the live
// tree.

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/ledger"
	"github.com/forgechain/forgechain/internal/link"
	"github.com/forgechain/forgechain/internal/pipeline"
	"github.com/forgechain/forgechain/internal/registry"
	"github.com/forgechain/forgechain/internal/sandbox"
)

// shadowParityThreshold is the minimum parity score counted as a pass.
const shadowParityThreshold = 0.9

// shadowState is the parity counter persisted under runs/.
type shadowState struct {
	LinkID            string  `json:"link_id"`
	ConsecutivePasses int     `json:"consecutive_passes"`
	LastScore         float64 `json:"last_score"`
	LastRunID         string  `json:"last_run_id"`
	Promoted          bool    `json:"promoted"`
}

// runShadowCandidate resolves the candidate named by the entry's shadow
// field and executes it in the shadow tree. An unknown candidate id is a
// configuration error and fails the run; a candidate that merely breaks
// at runtime never does.
func (o *Orchestrator) runShadowCandidate(ctx context.Context, state *runState, spec *pipeline.Spec, entry pipeline.Entry) error {
	candidateID := entry.Shadow
	regEntry, ok := o.registry.Get(candidateID)
	if !ok {
		return engineErr(KindContractViolation, candidateID, "shadow candidate not found in registry")
	}
	contract, err := spec.ResolveContract(regEntry.Contract)
	if err != nil {
		return engineErr(KindContractViolation, candidateID, "%v", err)
	}

	runID := uuid.NewString()
	policyVersions := o.policy.Snapshot(o.profile)
	policyVersions["contractVersion"] = contractVersion(contract)
	cfg := mergedConfig(contract, entry)

	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         candidateID,
		RunID:          runID,
		StepID:         ledger.StepLinkStart,
		Status:         ledger.StatusStarted,
		Metrics:        map[string]any{"shadow_of": entry.ID, "run_id": state.report.RunID, "worker_id": o.workerID},
		PolicyVersions: policyVersions,
	})
	state.log.Printf("executing shadow candidate %s for %s [run=%s]", candidateID, entry.ID, runID)

	return o.executeShadow(ctx, state, regEntry, contract, cfg, runID, policyVersions)
}

// executeShadow runs the candidate in the shadow tree, scores parity
// against the stable link's live outputs, and promotes the candidate once
// the window is satisfied and approval exists.
func (o *Orchestrator) executeShadow(ctx context.Context, state *runState, regEntry *registry.Entry, contract *link.Contract, cfg link.Config, runID string, policyVersions map[string]any) error {
	linkID := contract.ID

	sb, err := sandbox.NewShadow(state.projectRoot, linkID)
	if err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}
	// The candidate gets a private store rooted in the shadow tree so
	// registrations never reach the live index.
	shadowRoot := filepath.Join(state.projectRoot, "shadow", linkID)
	shadowStore, err := artifact.NewStore(shadowRoot, artifact.WithClock(o.now))
	if err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}
	rc := o.newRunContext(state, sb)
	rc.Artifacts = shadowStore
	rc.RunID = runID
	rc.BindLink(linkID)

	result, execErr := o.runWithTimeout(ctx, state, regEntry, contract, rc, cfg, runID, policyVersions)
	if execErr != nil || result.Status == string(ledger.StatusFailed) {
		// A broken candidate resets the window but never takes down the
		// live run; the failure is already on the ledger.
		o.recordParity(state, contract, runID, 0, false, policyVersions)
		state.report.StatusIndex[linkID] = string(ledger.StatusSkipped)
		state.report.LinkDurations[linkID] = LinkTiming{Skipped: true, Reason: "SHADOW_FAILED"}
		return nil
	}

	score := o.shadowParityScore(state, shadowStore, contract)
	pass := score >= shadowParityThreshold
	st := o.recordParity(state, contract, runID, score, pass, policyVersions)

	if pass && st.ConsecutivePasses >= o.promotionWindow && o.shadowApproved(state, linkID) {
		if err := o.promoteShadow(state, shadowStore, contract, runID, policyVersions); err != nil {
			return err
		}
		st.Promoted = true
		if err := o.saveShadowState(state, linkID, st); err != nil {
			return o.logRuntimeError(state, linkID, runID, policyVersions, err)
		}
		state.report.StatusIndex[linkID] = string(ledger.StatusSucceeded)
		state.report.LinkDurations[linkID] = LinkTiming{Reason: "SHADOW_PROMOTED"}
		return nil
	}

	state.report.StatusIndex[linkID] = string(ledger.StatusSkipped)
	state.report.LinkDurations[linkID] = LinkTiming{Skipped: true, Reason: "SHADOW_PENDING"}
	return nil
}

// shadowParityScore compares each artifact the candidate produced with
// the live record of the same id, freshly written by the stable link.
// Equal digests are perfect parity; JSON documents fall back to the
// coherence scorer. With no live counterpart at all, parity is zero: a
// candidate cannot self-certify.
func (o *Orchestrator) shadowParityScore(state *runState, shadowStore *artifact.Store, contract *link.Contract) float64 {
	for _, claim := range contract.Spec.Produces {
		artifactID := claim.ID()
		if artifactID == "" {
			continue
		}
		shadowRecord, ok := shadowStore.Get(artifactID)
		if !ok {
			continue
		}
		liveRecord, ok := state.store.Get(artifactID)
		if !ok {
			if rec, found := state.index[artifactID]; found {
				liveRecord = rec
				ok = true
			}
		}
		if !ok {
			continue
		}
		if shadowRecord.Digest == liveRecord.Digest {
			return 1
		}
		shadowDoc := readJSONMap(shadowRecord.Path)
		liveDoc := readJSONMap(liveRecord.Path)
		if shadowDoc == nil || liveDoc == nil {
			continue
		}
		return o.scorer.Score(shadowDoc, liveDoc).Score
	}
	return 0
}

func (o *Orchestrator) recordParity(state *runState, contract *link.Contract, runID string, score float64, pass bool, policyVersions map[string]any) shadowState {
	linkID := contract.ID
	st := o.loadShadowState(state, linkID)
	st.LinkID = linkID
	st.LastScore = score
	st.LastRunID = runID
	if pass {
		st.ConsecutivePasses++
	} else {
		st.ConsecutivePasses = 0
	}
	if err := o.saveShadowState(state, linkID, st); err != nil {
		state.log.Printf("shadow state for %s not saved: %v", linkID, err)
		state.noteAuditErr(err)
	}

	status := ledger.StatusSucceeded
	if !pass {
		status = ledger.StatusFailed
	}
	state.appendEvent(ledger.Event{
		ProjectID:  state.report.ProjectID,
		PipelineID: state.report.PipelineID,
		LinkID:     linkID,
		RunID:      runID,
		StepID:     ledger.StepShadowParity,
		Status:     status,
		Metrics: map[string]any{
			"parity_score":       score,
			"consecutive_passes": st.ConsecutivePasses,
			"promotion_window":   o.promotionWindow,
			"run_id":             state.report.RunID,
			"worker_id":          o.workerID,
		},
		PolicyVersions: policyVersions,
	})
	return st
}

// promoteShadow copies the candidate's outputs into the live artifact
// tree and registers them under the live store, taking over production of
// those artifact ids.
func (o *Orchestrator) promoteShadow(state *runState, shadowStore *artifact.Store, contract *link.Contract, runID string, policyVersions map[string]any) error {
	linkID := contract.ID
	shadowDir := filepath.Join(state.projectRoot, "shadow", linkID, "artifacts", linkID)
	liveDir, err := state.store.LinkDir(linkID)
	if err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}
	if err := copyTree(shadowDir, liveDir); err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}

	promoted := map[string]any{}
	for _, claim := range contract.Spec.Produces {
		artifactID := claim.ID()
		if artifactID == "" {
			continue
		}
		shadowRecord, ok := shadowStore.Get(artifactID)
		if !ok {
			continue
		}
		rel, err := filepath.Rel(shadowDir, shadowRecord.Path)
		if err != nil {
			continue
		}
		livePath := filepath.Join(liveDir, rel)
		record, err := state.store.Register(context.Background(), artifactID, livePath, claim.Schema.Type, linkID, state.report.RunID)
		if err != nil {
			return o.logRuntimeError(state, linkID, runID, policyVersions, err)
		}
		state.index[artifactID] = record
		promoted[artifactID] = record.Digest
	}
	if err := state.store.SaveManifest(linkID); err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}

	state.log.Printf("promoted shadow candidate %s", linkID)
	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         linkID,
		RunID:          runID,
		StepID:         ledger.StepShadowPromotion,
		Status:         ledger.StatusSucceeded,
		Outputs:        promoted,
		Metrics:        map[string]any{"run_id": state.report.RunID, "worker_id": o.workerID},
		PolicyVersions: policyVersions,
	})
	return nil
}

// shadowApproved reports whether an operator placed the approval marker.
func (o *Orchestrator) shadowApproved(state *runState, linkID string) bool {
	marker := filepath.Join(state.projectRoot, "runs", "approvals", linkID)
	_, err := os.Stat(marker)
	return err == nil
}

func (o *Orchestrator) shadowStatePath(state *runState, linkID string) string {
	return filepath.Join(state.projectRoot, "runs", "shadow_"+linkID+".json")
}

func (o *Orchestrator) loadShadowState(state *runState, linkID string) shadowState {
	var st shadowState
	raw, err := os.ReadFile(o.shadowStatePath(state, linkID))
	if err != nil {
		return st
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		// A corrupt counter restarts the window rather than guessing.
		state.log.Printf("shadow state for %s unreadable, resetting: %v", linkID, err)
		return shadowState{}
	}
	return st
}

func (o *Orchestrator) saveShadowState(state *runState, linkID string, st shadowState) error {
	path := o.shadowStatePath(state, linkID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("shadow state dir: %w", err)
	}
	encoded, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("shadow state encode: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("shadow state write: %w", err)
	}
	return nil
}

func readJSONMap(path string) map[string]any {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	return doc
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
