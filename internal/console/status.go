// internal/console/status.go
//
// Read-only project status assembled for the operator console. Everything
// here is derived from on-disk state: the ledger, the shadow parity
// counters, the approval markers, and the latest run summary.

package console

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/forgechain/forgechain/internal/ledger"
)

// LinkStatus is the latest observed state of one link.
type LinkStatus struct {
	LinkID     string
	StepID     string
	Status     ledger.Status
	When       time.Time
	DriftScore *float64
}

// ShadowGate is a shadow link waiting on (or past) operator approval.
type ShadowGate struct {
	LinkID            string
	ConsecutivePasses int
	LastScore         float64
	Approved          bool
	Promoted          bool
}

// RunSummary is the condensed outcome of the most recent run.
type RunSummary struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	PipelineID string `json:"pipeline_id"`
	DurationMS int64  `json:"duration_ms"`
	EndedAt    string `json:"ended_at"`
}

// ProjectStatus is everything the console shows for one project.
type ProjectStatus struct {
	ProjectID string
	Links     []LinkStatus
	Gates     []ShadowGate
	LastRun   *RunSummary
}

// ListProjects returns the project ids under a projects directory, sorted.
func ListProjects(projectsDir string) []string {
	entries, err := os.ReadDir(projectsDir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids
}

// Summarize assembles the console status for one project.
func Summarize(projectsDir, projectID string) (*ProjectStatus, error) {
	projectRoot := filepath.Join(projectsDir, projectID)
	status := &ProjectStatus{ProjectID: projectID}

	led, err := ledger.Open(projectRoot)
	if err != nil {
		return nil, err
	}
	events, err := led.Events("")
	if err != nil {
		return nil, err
	}

	latest := map[string]LinkStatus{}
	drift := map[string]*float64{}
	var order []string
	for _, ev := range events {
		if ev.LinkID == "" {
			continue
		}
		if _, seen := latest[ev.LinkID]; !seen {
			order = append(order, ev.LinkID)
		}
		latest[ev.LinkID] = LinkStatus{
			LinkID: ev.LinkID,
			StepID: ev.StepID,
			Status: ev.Status,
			When:   ev.Timestamp,
		}
		if ev.StepID == ledger.StepCoherenceCheck && ev.DriftScore != nil {
			score := *ev.DriftScore
			drift[ev.LinkID] = &score
		}
	}
	for _, linkID := range order {
		ls := latest[linkID]
		ls.DriftScore = drift[linkID]
		status.Links = append(status.Links, ls)
	}

	status.Gates = shadowGates(projectRoot)
	status.LastRun = lastRunSummary(projectRoot)
	return status, nil
}

// Approve places the operator approval marker for a shadow link.
func Approve(projectsDir, projectID, linkID string) error {
	dir := filepath.Join(projectsDir, projectID, "runs", "approvals")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	return os.WriteFile(filepath.Join(dir, linkID), []byte(stamp), 0o644)
}

// shadowGates reads the parity counter files dropped by shadow execution.
func shadowGates(projectRoot string) []ShadowGate {
	runsDir := filepath.Join(projectRoot, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil
	}
	var gates []ShadowGate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "shadow_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(runsDir, name))
		if err != nil {
			continue
		}
		var st struct {
			LinkID            string  `json:"link_id"`
			ConsecutivePasses int     `json:"consecutive_passes"`
			LastScore         float64 `json:"last_score"`
			Promoted          bool    `json:"promoted"`
		}
		if err := json.Unmarshal(raw, &st); err != nil || st.LinkID == "" {
			continue
		}
		_, approveErr := os.Stat(filepath.Join(runsDir, "approvals", st.LinkID))
		gates = append(gates, ShadowGate{
			LinkID:            st.LinkID,
			ConsecutivePasses: st.ConsecutivePasses,
			LastScore:         st.LastScore,
			Approved:          approveErr == nil,
			Promoted:          st.Promoted,
		})
	}
	sort.Slice(gates, func(i, j int) bool { return gates[i].LinkID < gates[j].LinkID })
	return gates
}

func lastRunSummary(projectRoot string) *RunSummary {
	raw, err := os.ReadFile(filepath.Join(projectRoot, "artifacts", "package.metrics", "run_summary.json"))
	if err != nil {
		return nil
	}
	var summary RunSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil
	}
	return &summary
}
