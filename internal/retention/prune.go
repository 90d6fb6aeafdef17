// Package retention prunes old run state under the retention policy. The
// ledger is the audit trail and is never touched; protected artifacts and
// everything in the current artifact index are preserved. What pruning
// actually reclaims are the per-run directories under runs/ for runs the
// policy no longer keeps.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/ledger"
	"github.com/forgechain/forgechain/internal/policy"
)

// Item is one preserved, deleted, or failed entry in a pruning report.
type Item struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// Report tracks what a pruning pass kept and removed for one project.
type Report struct {
	ProjectID       string    `json:"project_id"`
	Timestamp       time.Time `json:"timestamp"`
	DryRun          bool      `json:"dry_run"`
	Preserved       []Item    `json:"preserved"`
	Deleted         []Item    `json:"deleted"`
	Errors          []Item    `json:"errors"`
	SpaceFreedBytes int64     `json:"space_freed_bytes"`
}

// runInfo summarizes one pipeline run reconstructed from the ledger.
type runInfo struct {
	RunID     string
	Status    ledger.Status
	StartedAt time.Time
	EndedAt   time.Time
}

// Pruner applies the retention policy to projects.
type Pruner struct {
	projectsDir string
	pol         *policy.Policy
	now         func() time.Time
}

// Option customizes a Pruner.
type Option func(*Pruner)

// WithClock overrides the clock used for age cutoffs.
func WithClock(clock func() time.Time) Option {
	return func(p *Pruner) {
		if clock != nil {
			p.now = clock
		}
	}
}

// NewPruner builds a pruner over one projects directory.
func NewPruner(projectsDir string, pol *policy.Policy, opts ...Option) *Pruner {
	p := &Pruner{projectsDir: projectsDir, pol: pol, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PruneProject applies retention to a single project. With dryRun the
// report lists what would be deleted without removing anything.
func (p *Pruner) PruneProject(projectID string, dryRun bool) *Report {
	report := &Report{
		ProjectID: projectID,
		Timestamp: p.now().UTC(),
		DryRun:    dryRun,
		Preserved: []Item{},
		Deleted:   []Item{},
		Errors:    []Item{},
	}
	projectRoot := filepath.Join(p.projectsDir, projectID)
	if _, err := os.Stat(projectRoot); err != nil {
		report.Errors = append(report.Errors, Item{
			ID: "__project__", Reason: fmt.Sprintf("project not found: %s", projectID), Path: projectRoot,
		})
		return report
	}

	runs, err := p.runHistory(projectRoot)
	if err != nil {
		report.Errors = append(report.Errors, Item{ID: "__ledger__", Reason: err.Error(), Path: projectRoot})
		return report
	}
	keep := p.runsToKeep(runs)

	p.pruneRunDirs(projectRoot, keep, dryRun, report)
	p.recordArtifacts(projectRoot, report)

	if !dryRun {
		p.removeEmptyLinkDirs(filepath.Join(projectRoot, "artifacts"))
	}
	return report
}

// PruneAll applies retention to every project under the projects directory.
func (p *Pruner) PruneAll(dryRun bool) []*Report {
	var reports []*Report
	entries, err := os.ReadDir(p.projectsDir)
	if err != nil {
		return reports
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		reports = append(reports, p.PruneProject(entry.Name(), dryRun))
	}
	return reports
}

// runHistory reconstructs pipeline runs by replaying the ledger and
// grouping events by the pipeline run id stamped into metrics.
func (p *Pruner) runHistory(projectRoot string) ([]runInfo, error) {
	led, err := ledger.Open(projectRoot)
	if err != nil {
		return nil, err
	}
	events, err := led.Events("")
	if err != nil {
		return nil, err
	}

	grouped := map[string][]ledger.Event{}
	for _, ev := range events {
		runID, _ := ev.Metrics["run_id"].(string)
		if runID == "" {
			runID = ev.RunID
		}
		if runID == "" {
			continue
		}
		grouped[runID] = append(grouped[runID], ev)
	}

	var runs []runInfo
	for runID, evs := range grouped {
		info := runInfo{RunID: runID, Status: "UNKNOWN"}
		for _, ev := range evs {
			if info.StartedAt.IsZero() || ev.Timestamp.Before(info.StartedAt) {
				info.StartedAt = ev.Timestamp
			}
			if ev.Timestamp.After(info.EndedAt) {
				info.EndedAt = ev.Timestamp
			}
		}
		for i := len(evs) - 1; i >= 0; i-- {
			if evs[i].StepID == ledger.StepLinkComplete {
				info.Status = evs[i].Status
				break
			}
		}
		runs = append(runs, info)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, nil
}

// runsToKeep keeps the last N successful runs and failed runs younger than
// the configured window.
func (p *Pruner) runsToKeep(runs []runInfo) map[string]string {
	keepN := p.pol.KeepLastNRuns()
	cutoff := p.now().Add(-time.Duration(p.pol.KeepFailedRunsDays()) * 24 * time.Hour)

	keep := map[string]string{}
	successKept := 0
	for _, run := range runs {
		switch run.Status {
		case ledger.StatusSucceeded:
			if successKept < keepN {
				keep[run.RunID] = "recent_successful_run"
				successKept++
			}
		case ledger.StatusFailed:
			if run.EndedAt.After(cutoff) {
				keep[run.RunID] = "recent_failed_run"
			}
		}
	}
	return keep
}

func (p *Pruner) pruneRunDirs(projectRoot string, keep map[string]string, dryRun bool, report *Report) {
	runsDir := filepath.Join(projectRoot, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		if runID == "approvals" {
			continue
		}
		path := filepath.Join(runsDir, runID)
		if reason, ok := keep[runID]; ok {
			report.Preserved = append(report.Preserved, Item{ID: runID, Reason: reason, Path: path})
			continue
		}
		size := dirSize(path)
		if dryRun {
			report.Deleted = append(report.Deleted, Item{ID: runID, Reason: "retention_policy (dry-run)", Path: path, SizeBytes: size})
			report.SpaceFreedBytes += size
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			report.Errors = append(report.Errors, Item{ID: runID, Reason: err.Error(), Path: path})
			continue
		}
		report.Deleted = append(report.Deleted, Item{ID: runID, Reason: "retention_policy", Path: path, SizeBytes: size})
		report.SpaceFreedBytes += size
	}
}

// recordArtifacts lists why each indexed artifact survives. Indexed
// artifacts are the project's current state and are never pruned; the
// protected list is called out separately so audits can see the policy
// applied.
func (p *Pruner) recordArtifacts(projectRoot string, report *Report) {
	index, err := artifact.LoadIndex(projectRoot)
	if err != nil {
		report.Errors = append(report.Errors, Item{ID: "__artifact_index__", Reason: err.Error(), Path: projectRoot})
		return
	}
	protected := map[string]bool{}
	for _, id := range p.pol.ProtectedArtifacts() {
		protected[id] = true
	}

	ids := make([]string, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		reason := "current_index_entry"
		if protected[id] {
			reason = "protected_artifact_type"
		}
		report.Preserved = append(report.Preserved, Item{ID: id, Reason: reason, Path: index[id].Path})
	}
}

func (p *Pruner) removeEmptyLinkDirs(artifactsDir string) {
	entries, err := os.ReadDir(artifactsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(artifactsDir, entry.Name())
		children, err := os.ReadDir(path)
		if err == nil && len(children) == 0 {
			os.Remove(path)
		}
	}
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
