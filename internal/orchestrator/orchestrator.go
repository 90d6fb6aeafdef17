// Package orchestrator executes pipelines link by link against on-disk
// project state, enforcing policy budgets, write confinement, contract
// validation, and idempotent skip logic, with every decision recorded in
// the project ledger.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/coherence"
	"github.com/forgechain/forgechain/internal/ledger"
	"github.com/forgechain/forgechain/internal/logging"
	"github.com/forgechain/forgechain/internal/pipeline"
	"github.com/forgechain/forgechain/internal/policy"
	"github.com/forgechain/forgechain/internal/registry"
)

// defaultPromotionWindow is how many consecutive parity passes a shadow
// link needs before it becomes eligible for promotion.
const defaultPromotionWindow = 3

// Orchestrator runs pipelines for projects under one projects directory.
type Orchestrator struct {
	registry        *registry.Registry
	projectsDir     string
	policy          *policy.Policy
	profile         string
	workerID        string
	scorer          coherence.Scorer
	mirror          artifact.BlobMirror
	promotionWindow int
	now             func() time.Time
}

// Option customizes an Orchestrator during construction.
type Option func(*Orchestrator)

// WithProfile selects the isolation profile for all runs.
func WithProfile(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.profile = name
		}
	}
}

// WithWorkerID overrides the worker identity stamped into ledger events.
func WithWorkerID(id string) Option {
	return func(o *Orchestrator) {
		if id != "" {
			o.workerID = id
		}
	}
}

// WithClock overrides the engine clock.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithScorer overrides the coherence scorer used for drift and shadow
// parity checks.
func WithScorer(s coherence.Scorer) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.scorer = s
		}
	}
}

// WithPromotionWindow sets the consecutive parity passes required before a
// shadow link may be promoted.
func WithPromotionWindow(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.promotionWindow = n
		}
	}
}

// WithMirror attaches a blob mirror for registered artifacts.
func WithMirror(m artifact.BlobMirror) Option {
	return func(o *Orchestrator) {
		o.mirror = m
	}
}

// New builds an orchestrator. The profile (explicit or the policy default)
// must exist in the policy.
func New(reg *registry.Registry, projectsDir string, pol *policy.Policy, opts ...Option) (*Orchestrator, error) {
	if err := os.MkdirAll(projectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: ensure projects dir: %w", err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	o := &Orchestrator{
		registry:        reg,
		projectsDir:     projectsDir,
		policy:          pol,
		profile:         pol.DefaultProfile,
		workerID:        fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		scorer:          coherence.Structural{},
		promotionWindow: defaultPromotionWindow,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if _, err := pol.Profile(o.profile); err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	return o, nil
}

// LinkTiming records how one link fared within a run.
type LinkTiming struct {
	DurationMS int64          `json:"duration_ms"`
	Skipped    bool           `json:"skipped"`
	Reason     string         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metrics    map[string]any `json:"metrics,omitempty"`
}

// Violation records one budget breach observed during a run.
type Violation struct {
	LinkID        string `json:"link_id"`
	Type          string `json:"type"`
	Message       string `json:"message"`
	MeasuredBytes int64  `json:"measured_bytes,omitempty"`
	LimitBytes    int64  `json:"limit_bytes,omitempty"`
}

// Report summarizes a completed (or failed) pipeline run.
type Report struct {
	RunID            string                `json:"run_id"`
	ProjectID        string                `json:"project_id"`
	PipelineID       string                `json:"pipeline_id"`
	Profile          string                `json:"profile"`
	StatusIndex      map[string]string     `json:"status_index"`
	LinkDurations    map[string]LinkTiming `json:"link_durations"`
	BudgetViolations []Violation           `json:"budget_violations"`
	Failed           bool                  `json:"failed"`
	FailureLink      string                `json:"failure_link,omitempty"`
	FailureError     string                `json:"failure_error,omitempty"`
}

// runState bundles the per-run machinery threaded through link execution.
type runState struct {
	report      *Report
	projectRoot string
	ledger      *ledger.Ledger
	store       *artifact.Store
	index       map[string]artifact.Record
	log         *logging.Logger
	auditErr    error
}

// noteAuditErr remembers the first failure to persist audit state so the
// run can surface it instead of finishing with a silent hole in its
// record.
func (s *runState) noteAuditErr(err error) {
	if s.auditErr == nil {
		s.auditErr = err
	}
}

// appendEvent writes an event to the ledger. The ledger is the audit
// record of the run, so an append that fails is logged and counted
// against the run rather than swallowed.
func (s *runState) appendEvent(ev ledger.Event) {
	if err := s.ledger.Append(ev); err != nil {
		s.log.Printf("ledger append failed [step=%s link=%s]: %v", ev.StepID, ev.LinkID, err)
		s.noteAuditErr(err)
	}
}

// RunPipeline executes the pipeline at pipelinePath for a project. The
// project lock is held for the duration; ErrProjectBusy is returned when
// another process already holds it.
func (o *Orchestrator) RunPipeline(ctx context.Context, projectID, pipelinePath string) (*Report, error) {
	projectRoot := filepath.Join(o.projectsDir, projectID)
	if err := os.MkdirAll(projectRoot, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: ensure project root: %w", err)
	}

	lock := flock.New(filepath.Join(projectRoot, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: acquire project lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrProjectBusy, projectID)
	}
	defer lock.Unlock()

	return o.runLocked(ctx, projectID, projectRoot, pipelinePath)
}

func (o *Orchestrator) runLocked(ctx context.Context, projectID, projectRoot, pipelinePath string) (*Report, error) {
	spec, err := pipeline.Load(pipelinePath)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(projectRoot)
	if err != nil {
		return nil, err
	}
	defer log.Close()

	led, err := ledger.Open(projectRoot, ledger.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	storeOpts := []artifact.StoreOption{artifact.WithClock(o.now)}
	if o.mirror != nil {
		storeOpts = append(storeOpts, artifact.WithMirror(o.mirror))
	}
	store, err := artifact.NewStore(projectRoot, storeOpts...)
	if err != nil {
		return nil, err
	}
	index, err := artifact.LoadIndex(projectRoot)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:         uuid.NewString(),
		ProjectID:     projectID,
		PipelineID:    spec.PipelineID,
		Profile:       o.profile,
		StatusIndex:   map[string]string{},
		LinkDurations: map[string]LinkTiming{},
	}
	state := &runState{
		report:      report,
		projectRoot: projectRoot,
		ledger:      led,
		store:       store,
		index:       index,
		log:         log,
	}

	log.Printf("starting pipeline %s for project %s [profile=%s run=%s]", spec.PipelineID, projectID, o.profile, report.RunID)
	startedAt := o.now()

	var runErr error
	if err := o.checkProjectSize(state); err != nil {
		runErr = err
	} else {
		runErr = o.runLinks(ctx, state, spec)
	}
	if runErr == nil && state.auditErr != nil {
		runErr = engineErr(KindRuntimeError, "__ledger__", "audit record incomplete: %v", state.auditErr)
	}
	if runErr != nil {
		report.Failed = true
		report.FailureError = runErr.Error()
		if ee, ok := runErr.(*EngineError); ok {
			report.FailureLink = ee.LinkID
		}
	}
	endedAt := o.now()

	// Persist run outcome regardless of failure so the project state is
	// inspectable afterwards.
	if err := o.writeRunSummary(state, spec, pipelinePath, startedAt, endedAt); err != nil {
		log.Printf("run summary: %v", err)
	}
	if err := artifact.WriteIndex(projectRoot, state.index); err != nil {
		log.Printf("artifact index: %v", err)
	}
	if err := pipeline.Save(spec, filepath.Join(projectRoot, pipeline.FileName)); err != nil {
		log.Printf("pipeline copy: %v", err)
	}

	if runErr != nil {
		log.Printf("pipeline %s failed: %v", spec.PipelineID, runErr)
		return report, runErr
	}
	log.Printf("pipeline %s finished in %dms", spec.PipelineID, endedAt.Sub(startedAt).Milliseconds())
	return report, nil
}

// runLinks walks the pipeline, evaluating conditions and executing each
// link. The first failure aborts the walk.
func (o *Orchestrator) runLinks(ctx context.Context, state *runState, spec *pipeline.Spec) error {
	for _, entry := range spec.Links {
		regEntry, ok := o.registry.Get(entry.ID)
		if !ok {
			return engineErr(KindContractViolation, entry.ID, "link not found in registry")
		}
		contract, err := spec.ResolveContract(regEntry.Contract)
		if err != nil {
			return engineErr(KindContractViolation, entry.ID, "%v", err)
		}

		cond := contract.Condition()
		if !cond.Evaluate(state.report.StatusIndex, func(id string) bool {
			if _, ok := state.store.Get(id); ok {
				return true
			}
			_, ok := state.index[id]
			return ok
		}) {
			state.log.Printf("skipping link %s: condition %s", entry.ID, cond.String())
			for _, stepID := range []string{ledger.StepEvaluateCondition, ledger.StepLinkComplete} {
				state.appendEvent(ledger.Event{
					ProjectID:  state.report.ProjectID,
					PipelineID: state.report.PipelineID,
					LinkID:     entry.ID,
					StepID:     stepID,
					Status:     ledger.StatusSkipped,
					Metrics:    map[string]any{"condition": cond.String(), "run_id": state.report.RunID, "worker_id": o.workerID},
				})
			}
			state.report.StatusIndex[entry.ID] = string(ledger.StatusSkipped)
			state.report.LinkDurations[entry.ID] = LinkTiming{Skipped: true, Reason: cond.String()}
			continue
		}

		linkStart := o.now()
		err = o.executeLink(ctx, state, regEntry, entry, contract)
		duration := o.now().Sub(linkStart).Milliseconds()

		timing := state.report.LinkDurations[entry.ID]
		timing.DurationMS = duration
		if err != nil {
			timing.Error = err.Error()
			state.report.LinkDurations[entry.ID] = timing
			state.report.StatusIndex[entry.ID] = string(ledger.StatusFailed)
			return err
		}
		state.report.LinkDurations[entry.ID] = timing
		if state.report.StatusIndex[entry.ID] == "" {
			state.report.StatusIndex[entry.ID] = string(ledger.StatusSucceeded)
		}

		// The candidate runs only once its stable counterpart has
		// finished, so there are fresh live outputs to score against.
		if entry.Shadow != "" {
			if err := o.runShadowCandidate(ctx, state, spec, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkProjectSize enforces the per-project byte budget before any link
// runs.
func (o *Orchestrator) checkProjectSize(state *runState) error {
	limit := o.policy.Budgets.PerProject.MaxProjectBytes
	if limit <= 0 {
		return nil
	}
	total := dirSize(state.projectRoot)
	if total <= limit {
		return nil
	}
	err := engineErr(KindBudgetProjectLimit, "__preflight__", "project size %d bytes exceeds limit of %d bytes", total, limit)
	err.Context = map[string]any{"measured_bytes": total, "limit_bytes": limit}
	state.appendEvent(ledger.Event{
		ProjectID:  state.report.ProjectID,
		PipelineID: state.report.PipelineID,
		LinkID:     "__preflight__",
		RunID:      state.report.RunID,
		StepID:     ledger.StepBudgetCheck,
		Status:     ledger.StatusFailed,
		Errors:     err.payload(),
		Metrics:    map[string]any{"run_id": state.report.RunID, "worker_id": o.workerID},
	})
	state.report.BudgetViolations = append(state.report.BudgetViolations, Violation{
		LinkID: "__preflight__", Type: KindBudgetProjectLimit, Message: err.Message,
		MeasuredBytes: total, LimitBytes: limit,
	})
	return err
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return nil
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
