package link

import (
	"fmt"
	"strings"
)

// Condition kinds. Conditions are parsed once at contract load; unknown
// forms are rejected rather than silently treated as always-run.
const (
	CondAlways           = "always"
	CondOnSuccess        = "on_success"
	CondOnFailure        = "on_failure"
	CondIfArtifactExists = "if_artifact_exists"
)

// Condition is the parsed form of a contract's when clause.
type Condition struct {
	Kind   string
	Target string
}

// ParseCondition parses the textual condition syntax: "always",
// "on_success(<link>)", "on_failure(<link>)", "if_artifact_exists(<id>)".
func ParseCondition(raw string) (Condition, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == CondAlways {
		return Condition{Kind: CondAlways}, nil
	}
	for _, kind := range []string{CondOnSuccess, CondOnFailure, CondIfArtifactExists} {
		prefix := kind + "("
		if strings.HasPrefix(raw, prefix) && strings.HasSuffix(raw, ")") {
			target := strings.TrimSpace(raw[len(prefix) : len(raw)-1])
			if target == "" {
				return Condition{}, fmt.Errorf("link: condition %q has empty target", raw)
			}
			return Condition{Kind: kind, Target: target}, nil
		}
	}
	return Condition{}, fmt.Errorf("link: unknown condition %q", raw)
}

// Evaluate resolves the condition against the current run state.
func (c Condition) Evaluate(statusIndex map[string]string, hasArtifact func(id string) bool) bool {
	switch c.Kind {
	case CondAlways, "":
		return true
	case CondOnSuccess:
		return statusIndex[c.Target] == "SUCCEEDED"
	case CondOnFailure:
		return statusIndex[c.Target] == "FAILED"
	case CondIfArtifactExists:
		return hasArtifact != nil && hasArtifact(c.Target)
	}
	return true
}

// String renders the condition back to its textual form.
func (c Condition) String() string {
	if c.Kind == CondAlways || c.Kind == "" {
		return CondAlways
	}
	return fmt.Sprintf("%s(%s)", c.Kind, c.Target)
}
