package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/ledger"
	"github.com/forgechain/forgechain/internal/link"
	"github.com/forgechain/forgechain/internal/pipeline"
	"github.com/forgechain/forgechain/internal/registry"
	"github.com/forgechain/forgechain/internal/sandbox"
	"github.com/forgechain/forgechain/internal/schema"
)

// bundleArtifactID is the input bundle manifest; its hash feeds every
// link's input signature so input changes force re-execution downstream.
const bundleArtifactID = "forgechain.project.bundle"

// executeLink runs one link end to end: skip decision, input validation,
// budgeted execution, confinement scan, output validation, and ledger
// bookkeeping. Any returned error is an *EngineError already logged to the
// ledger.
func (o *Orchestrator) executeLink(ctx context.Context, state *runState, regEntry *registry.Entry, entry pipeline.Entry, contract *link.Contract) error {
	linkID := contract.ID
	runID := uuid.NewString()

	policyVersions := o.policy.Snapshot(o.profile)
	policyVersions["contractVersion"] = contractVersion(contract)

	cfg := mergedConfig(contract, entry)
	signature := o.inputSignature(state, linkID, cfg)

	if !contract.Spec.Runtime.AlwaysRun {
		skipped, err := o.trySkip(state, contract, runID, signature, policyVersions)
		if err != nil {
			return err
		}
		if skipped {
			return nil
		}
	}

	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         linkID,
		RunID:          runID,
		StepID:         ledger.StepLinkStart,
		Status:         ledger.StatusStarted,
		Metrics:        map[string]any{"input_signature": signature, "run_id": state.report.RunID, "worker_id": o.workerID},
		PolicyVersions: policyVersions,
	})
	state.log.Printf("executing link %s [run=%s]", linkID, runID)

	if err := o.validateInputs(state, contract, runID, policyVersions); err != nil {
		return err
	}

	sb, err := sandbox.New(state.projectRoot, linkID)
	if err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}
	rc := o.newRunContext(state, sb)
	rc.BindLink(linkID)
	rc.RunID = runID

	before, err := sandbox.Take(state.projectRoot)
	if err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}

	result, execErr := o.runWithTimeout(ctx, state, regEntry, contract, rc, cfg, runID, policyVersions)
	if execErr != nil {
		return execErr
	}

	after, err := sandbox.Take(state.projectRoot)
	if err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}
	if err := o.checkSandbox(state, linkID, runID, policyVersions, before, after); err != nil {
		return err
	}
	if err := o.checkOutputSize(state, linkID, runID, policyVersions); err != nil {
		return err
	}

	if result.Status == string(ledger.StatusFailed) {
		failure := result.Errors
		if failure == nil {
			failure = map[string]any{}
		}
		if _, ok := failure["type"]; !ok {
			failure["type"] = KindRuntimeError
		}
		failure["step_id"] = "run"
		state.appendEvent(ledger.Event{
			ProjectID:      state.report.ProjectID,
			PipelineID:     state.report.PipelineID,
			LinkID:         linkID,
			RunID:          runID,
			StepID:         ledger.StepLinkComplete,
			Status:         ledger.StatusFailed,
			Errors:         failure,
			Metrics:        map[string]any{"run_id": state.report.RunID, "worker_id": o.workerID},
			PolicyVersions: policyVersions,
		})
		kind := KindRuntimeError
		if t, ok := failure["type"].(string); ok && t != "" {
			kind = t
		}
		message := "link reported failure"
		if m, ok := failure["message"].(string); ok && m != "" {
			message = m
		}
		return engineErr(kind, linkID, "%s", message)
	}

	outputs, err := o.validateOutputs(state, contract, runID, policyVersions)
	if err != nil {
		return err
	}
	if err := state.store.SaveManifest(linkID); err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}
	for id, record := range outputs {
		state.index[id] = record
	}

	metrics := result.Metrics
	if metrics == nil {
		metrics = map[string]any{}
	}
	metrics["input_signature"] = signature
	metrics["run_id"] = state.report.RunID
	metrics["worker_id"] = o.workerID

	outputsPayload := map[string]any{}
	for id, record := range outputs {
		outputsPayload[id] = map[string]any{"path": record.Path, "digest": record.Digest}
	}
	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         linkID,
		RunID:          runID,
		StepID:         ledger.StepLinkComplete,
		Status:         ledger.StatusSucceeded,
		Outputs:        outputsPayload,
		Metrics:        metrics,
		PolicyVersions: policyVersions,
	})

	timing := state.report.LinkDurations[linkID]
	timing.Metrics = metrics
	state.report.LinkDurations[linkID] = timing

	return o.checkCoherence(state, contract, runID, policyVersions)
}

func (o *Orchestrator) newRunContext(state *runState, sb *sandbox.Sandbox) *link.RunContext {
	return &link.RunContext{
		ProjectID:   state.report.ProjectID,
		PipelineID:  state.report.PipelineID,
		WorkerID:    o.workerID,
		ProjectRoot: state.projectRoot,
		Profile:     o.profile,
		Ledger:      state.ledger,
		Artifacts:   state.store,
		Sandbox:     sb,
		Policy:      o.policy,
		StatusIndex: state.report.StatusIndex,
	}
}

// trySkip decides whether the link is already done for this signature.
// A skip rehydrates the previous run's artifacts; a link that claims
// completion but whose artifacts cannot be restored fails instead.
func (o *Orchestrator) trySkip(state *runState, contract *link.Contract, runID, signature string, policyVersions map[string]any) (bool, error) {
	linkID := contract.ID
	last, ok, err := state.ledger.LastStep(linkID, ledger.StepLinkComplete)
	if err != nil {
		return false, o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}
	if !ok || last.Status != ledger.StatusSucceeded {
		return false, nil
	}
	if prev, _ := last.Metrics["input_signature"].(string); prev != signature {
		return false, nil
	}

	rehydrated, err := state.store.RehydrateFromLinkDir(linkID)
	if err != nil {
		return false, o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}

	required := 0
	for _, claim := range contract.Spec.Produces {
		if !claim.Optional {
			required++
		}
	}
	if required > 0 && rehydrated == 0 {
		ee := engineErr(KindRehydrationFailed, linkID, "marked already done but no artifacts could be rehydrated")
		state.appendEvent(ledger.Event{
			ProjectID:      state.report.ProjectID,
			PipelineID:     state.report.PipelineID,
			LinkID:         linkID,
			RunID:          runID,
			StepID:         ledger.StepValidateSkip,
			Status:         ledger.StatusFailed,
			Errors:         ee.payload(),
			PolicyVersions: policyVersions,
		})
		return false, ee
	}

	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         linkID,
		RunID:          runID,
		StepID:         ledger.StepSkip,
		Status:         ledger.StatusSucceeded,
		Metrics:        map[string]any{"reason": "ALREADY_DONE", "rehydrated_artifacts": rehydrated},
		PolicyVersions: policyVersions,
	})
	state.log.Printf("skipping link %s: already done with matching signature", linkID)
	state.report.StatusIndex[linkID] = string(ledger.StatusSkipped)
	state.report.LinkDurations[linkID] = LinkTiming{Skipped: true, Reason: "ALREADY_DONE"}

	for id, record := range state.store.Snapshot() {
		if record.ProducerLinkID == linkID {
			state.index[id] = record
		}
	}
	return true, nil
}

// validateInputs checks every required artifact before the link runs.
func (o *Orchestrator) validateInputs(state *runState, contract *link.Contract, runID string, policyVersions map[string]any) error {
	for _, claim := range contract.Spec.Requires {
		artifactID := claim.ID()
		if artifactID == "" {
			continue
		}
		if record, ok := state.store.Get(artifactID); ok {
			if _, err := os.Stat(record.Path); err != nil {
				ee := engineErr(KindMissingRequiredArtifact, contract.ID, "artifact %s registered but file missing: %s", artifactID, record.Path)
				o.logValidationError(state, contract.ID, runID, ledger.StepValidateInputs, ee, policyVersions)
				return ee
			}
			continue
		}
		if claim.Optional {
			continue
		}
		ee := engineErr(KindMissingRequiredArtifact, contract.ID, "required artifact %s not found", artifactID)
		if claim.FromLink != "" {
			ee.Message += fmt.Sprintf(" (expected from %s)", claim.FromLink)
		}
		o.logValidationError(state, contract.ID, runID, ledger.StepValidateInputs, ee, policyVersions)
		return ee
	}
	return nil
}

// runWithTimeout executes the link under its effective wall-time budget.
// The deadline context gives cooperative links a chance to stop; a link
// that ignores it is abandoned, not killed.
func (o *Orchestrator) runWithTimeout(ctx context.Context, state *runState, regEntry *registry.Entry, contract *link.Contract, rc *link.RunContext, cfg link.Config, runID string, policyVersions map[string]any) (link.Result, error) {
	linkID := contract.ID
	fn, err := regEntry.Runner()
	if err != nil {
		return link.Result{}, o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}

	timeoutSec := contract.Spec.Runtime.MaxWallTimeSec
	if timeoutSec <= 0 {
		timeoutSec, err = o.policy.EffectiveTimeoutSec(o.profile)
		if err != nil {
			return link.Result{}, o.logRuntimeError(state, linkID, runID, policyVersions, err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	type outcome struct {
		result link.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		// A panicking link must surface as a RUNTIME_ERROR on the ledger,
		// not take down the engine.
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("link panicked: %v", r)}
			}
		}()
		result, err := fn(runCtx, rc, cfg)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return link.Result{}, o.logTimeout(state, linkID, runID, timeoutSec, policyVersions)
			}
			return link.Result{}, o.logRuntimeError(state, linkID, runID, policyVersions, out.err)
		}
		if out.result.Status == "" {
			out.result.Status = string(ledger.StatusSucceeded)
		}
		return out.result, nil
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return link.Result{}, o.logTimeout(state, linkID, runID, timeoutSec, policyVersions)
		}
		return link.Result{}, o.logRuntimeError(state, linkID, runID, policyVersions, runCtx.Err())
	}
}

func (o *Orchestrator) logTimeout(state *runState, linkID, runID string, timeoutSec int, policyVersions map[string]any) error {
	ee := engineErr(KindBudgetTimeout, linkID, "exceeded wall time limit of %ds", timeoutSec)
	ee.Context = map[string]any{"timeout_sec": timeoutSec}
	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         linkID,
		RunID:          runID,
		StepID:         ledger.StepLinkComplete,
		Status:         ledger.StatusFailed,
		Errors:         ee.payload(),
		Metrics:        map[string]any{"run_id": state.report.RunID, "worker_id": o.workerID},
		PolicyVersions: policyVersions,
	})
	state.report.BudgetViolations = append(state.report.BudgetViolations, Violation{
		LinkID: linkID, Type: KindBudgetTimeout, Message: ee.Message,
	})
	return ee
}

// checkSandbox scans the post-run diff for writes outside the link's
// allowed roots.
func (o *Orchestrator) checkSandbox(state *runState, linkID, runID string, policyVersions map[string]any, before, after sandbox.Snapshot) error {
	allow := sandbox.NewAllowList(linkID, o.policy.IsSrcWriteAllowed(linkID, o.profile))
	leaks := sandbox.Violations(sandbox.Diff(before, after), allow)
	if len(leaks) == 0 {
		return nil
	}
	ee := engineErr(KindPolicyViolation, linkID, "modified files outside allowed sandbox roots: %v", leaks)
	ee.Context = map[string]any{"leaked_paths": leaks}
	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         linkID,
		RunID:          runID,
		StepID:         ledger.StepSandboxCheck,
		Status:         ledger.StatusFailed,
		Errors:         ee.payload(),
		Metrics:        map[string]any{"run_id": state.report.RunID, "worker_id": o.workerID},
		PolicyVersions: policyVersions,
	})
	return ee
}

// checkOutputSize enforces the per-link output byte budget after the run.
func (o *Orchestrator) checkOutputSize(state *runState, linkID, runID string, policyVersions map[string]any) error {
	limit := o.policy.Budgets.PerLink.MaxOutputBytes
	if limit <= 0 {
		return nil
	}
	dir, err := state.store.LinkDir(linkID)
	if err != nil {
		return o.logRuntimeError(state, linkID, runID, policyVersions, err)
	}
	total := dirSize(dir)
	if total <= limit {
		return nil
	}
	ee := engineErr(KindBudgetOutputLimit, linkID, "output size %d bytes exceeds limit of %d bytes", total, limit)
	ee.Context = map[string]any{"measured_bytes": total, "limit_bytes": limit}
	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         linkID,
		RunID:          runID,
		StepID:         ledger.StepBudgetCheck,
		Status:         ledger.StatusFailed,
		Errors:         ee.payload(),
		Metrics:        map[string]any{"run_id": state.report.RunID, "worker_id": o.workerID},
		PolicyVersions: policyVersions,
	})
	state.report.BudgetViolations = append(state.report.BudgetViolations, Violation{
		LinkID: linkID, Type: KindBudgetOutputLimit, Message: ee.Message,
		MeasuredBytes: total, LimitBytes: limit,
	})
	return ee
}

// validateOutputs confirms every produced artifact exists and conforms to
// its declared schema, auto-registering path-declared artifacts the link
// wrote without publishing.
func (o *Orchestrator) validateOutputs(state *runState, contract *link.Contract, runID string, policyVersions map[string]any) (map[string]artifact.Record, error) {
	linkID := contract.ID
	resolved := map[string]artifact.Record{}

	for _, claim := range contract.Spec.Produces {
		artifactID := claim.ID()
		if artifactID == "" {
			continue
		}
		record, registered := state.store.Get(artifactID)
		if !registered {
			if claim.Path != "" {
				dir, err := state.store.LinkDir(linkID)
				if err != nil {
					return nil, o.logRuntimeError(state, linkID, runID, policyVersions, err)
				}
				candidate := filepath.Join(dir, filepath.FromSlash(claim.Path))
				if _, err := os.Stat(candidate); err == nil {
					record, err = state.store.Register(context.Background(), artifactID, candidate, claim.Schema.Type, linkID, state.report.RunID)
					if err != nil {
						return nil, o.logRuntimeError(state, linkID, runID, policyVersions, err)
					}
					registered = true
				}
			}
		}
		if !registered {
			if claim.Optional {
				continue
			}
			ee := engineErr(KindProducedArtifactMissing, linkID, "artifact %s was neither published nor found on disk", artifactID)
			o.logValidationError(state, linkID, runID, ledger.StepValidateOutputs, ee, policyVersions)
			return nil, ee
		}
		if _, err := os.Stat(record.Path); err != nil {
			ee := engineErr(KindProducedArtifactMissing, linkID, "artifact %s registered but file missing: %s", artifactID, record.Path)
			o.logValidationError(state, linkID, runID, ledger.StepValidateOutputs, ee, policyVersions)
			return nil, ee
		}
		if claim.Schema.Type == "json" {
			if err := o.validateJSONArtifact(artifactID, record.Path, claim.Schema.Ref); err != nil {
				ee := engineErr(KindSchemaInvalid, linkID, "%v", err)
				if claim.Schema.Ref != "" {
					ee.Context = map[string]any{"schema_ref": claim.Schema.Ref}
				}
				o.logValidationError(state, linkID, runID, ledger.StepValidateOutputs, ee, policyVersions)
				return nil, ee
			}
		}
		resolved[artifactID] = record
	}
	return resolved, nil
}

func (o *Orchestrator) validateJSONArtifact(artifactID, path, ref string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("artifact %s unreadable: %w", artifactID, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("artifact %s is not valid JSON: %w", artifactID, err)
	}
	if ref != "" && schema.Known(ref) {
		if err := schema.Validate(ref, doc); err != nil {
			return fmt.Errorf("artifact %s failed validation against %q: %w", artifactID, ref, err)
		}
	}
	return nil
}

func (o *Orchestrator) logValidationError(state *runState, linkID, runID, stepID string, ee *EngineError, policyVersions map[string]any) {
	payload := ee.payload()
	payload["step_id"] = stepID
	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         linkID,
		RunID:          runID,
		StepID:         stepID,
		Status:         ledger.StatusFailed,
		Errors:         payload,
		PolicyVersions: policyVersions,
	})
}

func (o *Orchestrator) logRuntimeError(state *runState, linkID, runID string, policyVersions map[string]any, cause error) error {
	var ee *EngineError
	if errors.As(cause, &ee) {
		return cause
	}
	ee = engineErr(KindRuntimeError, linkID, "%v", cause)
	payload := ee.payload()
	payload["step_id"] = "run"
	state.appendEvent(ledger.Event{
		ProjectID:      state.report.ProjectID,
		PipelineID:     state.report.PipelineID,
		LinkID:         linkID,
		RunID:          runID,
		StepID:         ledger.StepLinkFailed,
		Status:         ledger.StatusFailed,
		Errors:         payload,
		Metrics:        map[string]any{"run_id": state.report.RunID, "worker_id": o.workerID},
		PolicyVersions: policyVersions,
	})
	return ee
}

// mergedConfig overlays the pipeline entry's config on the contract's.
func mergedConfig(contract *link.Contract, entry pipeline.Entry) link.Config {
	merged := map[string]any{}
	for k, v := range contract.Config {
		merged[k] = v
	}
	if len(entry.Config) > 0 {
		pipeline.DeepMerge(merged, entry.Config)
	}
	return merged
}

func contractVersion(contract *link.Contract) string {
	if contract.Version != "" {
		return contract.Version
	}
	return "1.0.0"
}

// inputSignature derives the skip-decision signature: the link id, a hash
// of its effective config, and the current input bundle hash when one is
// registered.
func (o *Orchestrator) inputSignature(state *runState, linkID string, cfg link.Config) string {
	parts := []string{fmt.Sprintf("link=%s", linkID)}

	cfgJSON, err := canonicalJSON(cfg)
	if err != nil {
		cfgJSON = []byte("{}")
	}
	cfgHash := fmt.Sprintf("%x", sha256.Sum256(cfgJSON))
	parts = append(parts, fmt.Sprintf("cfg=%s", cfgHash[:16]))

	if sha := o.bundleSHA(state); sha != "" {
		parts = append(parts, fmt.Sprintf("bundle=%s", sha))
	}

	combined := ""
	for i, part := range parts {
		if i > 0 {
			combined += "|"
		}
		combined += part
	}
	full := fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))
	return full[:32]
}

func (o *Orchestrator) bundleSHA(state *runState) string {
	record, ok := state.store.Get(bundleArtifactID)
	if !ok {
		if rec, found := state.index[bundleArtifactID]; found {
			record = rec
			ok = true
		}
	}
	if !ok {
		return ""
	}
	raw, err := os.ReadFile(record.Path)
	if err != nil {
		return ""
	}
	var manifest struct {
		BundleSHA256 string `json:"bundle_sha256"`
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ""
	}
	return manifest.BundleSHA256
}

// canonicalJSON marshals with sorted keys at every level.
func canonicalJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			valJSON, err := canonicalJSON(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, keyJSON...)
			out = append(out, ':')
			out = append(out, valJSON...)
		}
		return append(out, '}'), nil
	case link.Config:
		return canonicalJSON(map[string]any(t))
	case []any:
		out := []byte("[")
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			itemJSON, err := canonicalJSON(item)
			if err != nil {
				return nil, err
			}
			out = append(out, itemJSON...)
		}
		return append(out, ']'), nil
	default:
		return json.Marshal(v)
	}
}
