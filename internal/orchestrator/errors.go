package orchestrator

import (
	"errors"
	"fmt"
)

// Error kinds carried by EngineError. These are the values written into
// ledger error payloads and matched against the policy retry lists.
const (
	KindBudgetProjectLimit      = "BUDGET_PROJECT_LIMIT"
	KindBudgetTimeout           = "BUDGET_TIMEOUT"
	KindBudgetOutputLimit       = "BUDGET_OUTPUT_LIMIT"
	KindPolicyViolation         = "POLICY_VIOLATION"
	KindMissingRequiredArtifact = "MISSING_REQUIRED_ARTIFACT"
	KindProducedArtifactMissing = "PRODUCED_ARTIFACT_MISSING"
	KindSchemaInvalid           = "SCHEMA_INVALID"
	KindRehydrationFailed       = "REHYDRATION_FAILED"
	KindRuntimeError            = "RUNTIME_ERROR"
	KindContractViolation       = "CONTRACT_VIOLATION"
)

// ErrProjectBusy is returned when another process holds the project lock.
var ErrProjectBusy = errors.New("orchestrator: project is locked by another process")

// EngineError is a classified execution failure. Kind is one of the error
// kind constants; Context carries structured details for the ledger.
type EngineError struct {
	Kind    string
	LinkID  string
	Message string
	Context map[string]any
}

// Error implements error.
func (e *EngineError) Error() string {
	if e.LinkID != "" {
		return fmt.Sprintf("%s: link %s: %s", e.Kind, e.LinkID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func engineErr(kind, linkID, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, LinkID: linkID, Message: fmt.Sprintf(format, args...)}
}

// payload renders the error as a ledger error object.
func (e *EngineError) payload() map[string]any {
	out := map[string]any{"type": e.Kind, "message": e.Message}
	for k, v := range e.Context {
		out[k] = v
	}
	return out
}
