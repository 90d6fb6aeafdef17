// Package coherence scores how far a regenerated project IR has drifted
// from the originally stated intent.
package coherence

import (
	"fmt"
)

// Report is the outcome of a coherence check.
type Report struct {
	Score    float64 `json:"score"`
	Evidence string  `json:"evidence"`
}

// Scorer compares a current IR against the original intent IR and returns
// a score in [0,1], where 1 means fully coherent.
type Scorer interface {
	Score(current, original map[string]any) Report
}

// Structural compares node-name overlap as a proxy for coherence, with a
// penalty when the current IR balloons with nodes the intent never named.
type Structural struct{}

// Score implements Scorer.
func (Structural) Score(current, original map[string]any) Report {
	if len(current) == 0 || len(original) == 0 {
		return Report{Score: 0, Evidence: "missing IR for comparison"}
	}
	originalNames := nodeNames(original)
	if len(originalNames) == 0 {
		return Report{Score: 1, Evidence: "no original nodes to compare against"}
	}
	currentNames := nodeNames(current)

	preserved := 0
	for _, name := range currentNames {
		if contains(originalNames, name) {
			preserved++
		}
	}
	score := float64(preserved) / float64(len(originalNames))
	evidence := fmt.Sprintf("preserved %d out of %d original nodes", preserved, len(originalNames))

	// A flood of unrecognized nodes signals the structure no longer
	// resembles the intent even when the originals survive.
	newNodes := len(currentNames) - preserved
	if newNodes > len(originalNames)*2 {
		score *= 0.5
		evidence += fmt.Sprintf("; high entropy: %d new nodes", newNodes)
	}

	return Report{Score: clamp01(score), Evidence: evidence}
}

func nodeNames(ir map[string]any) []string {
	nodes, ok := ir["nodes"].([]any)
	if !ok {
		return nil
	}
	var names []string
	for _, raw := range nodes {
		node, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := node["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

func contains(names []string, target string) bool {
	for _, name := range names {
		if name == target {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
