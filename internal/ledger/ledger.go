// internal/ledger/ledger.go
//
// The ledger is the append-only audit log of every lifecycle event in a
// project's history. One project, one ledger/events.jsonl file; each line is
// a complete, independently parseable event. History is never rewritten:
// the in-memory artifact index is a cache derivable from this file.

package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status enumerates event outcomes.
type Status string

const (
	StatusStarted       Status = "STARTED"
	StatusSucceeded     Status = "SUCCEEDED"
	StatusFailed        Status = "FAILED"
	StatusSkipped       Status = "SKIPPED"
	StatusDriftDetected Status = "DRIFT_DETECTED"
)

// Step identifiers used by the execution engine.
const (
	StepLinkStart         = "link_start"
	StepLinkComplete      = "link_complete"
	StepLinkFailed        = "link_failed"
	StepSkip              = "skip"
	StepValidateSkip      = "validate_skip"
	StepValidateInputs    = "validate_inputs"
	StepValidateOutputs   = "validate_outputs"
	StepSandboxCheck      = "sandbox_check"
	StepBudgetCheck       = "budget_check"
	StepEvaluateCondition = "evaluate_condition"
	StepCoherenceCheck    = "coherence_check"
	StepShadowParity      = "shadow_parity"
	StepShadowPromotion   = "shadow_promotion"
)

// Event is one ledger line. Maps default to empty objects on append so every
// line carries the full shape.
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	ProjectID      string         `json:"project_id"`
	PipelineID     string         `json:"pipeline_id"`
	LinkID         string         `json:"link_id"`
	RunID          string         `json:"run_id"`
	StepID         string         `json:"step_id"`
	Status         Status         `json:"status"`
	Inputs         map[string]any `json:"inputs"`
	Outputs        map[string]any `json:"outputs"`
	Metrics        map[string]any `json:"metrics"`
	Errors         map[string]any `json:"errors"`
	PolicyVersions map[string]any `json:"policy_versions"`
	DriftScore     *float64       `json:"drift_score"`
	DriftMetadata  map[string]any `json:"drift_metadata"`
}

// Ledger appends events to a project's events file.
type Ledger struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Option customizes a Ledger during construction.
type Option func(*Ledger)

// WithClock overrides the timestamp clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// Open prepares the ledger directory under the project root.
func Open(projectRoot string, opts ...Option) (*Ledger, error) {
	dir := filepath.Join(projectRoot, "ledger")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure dir: %w", err)
	}
	l := &Ledger{
		path: filepath.Join(dir, "events.jsonl"),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file backing this ledger.
func (l *Ledger) Path() string {
	return l.path
}

// Append writes a single event as one JSON line. Zero timestamps are filled
// from the clock and nil maps become empty objects so each line is complete.
func (l *Ledger) Append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	if ev.Inputs == nil {
		ev.Inputs = map[string]any{}
	}
	if ev.Outputs == nil {
		ev.Outputs = map[string]any{}
	}
	if ev.Metrics == nil {
		ev.Metrics = map[string]any{}
	}
	if ev.Errors == nil {
		ev.Errors = map[string]any{}
	}
	if ev.PolicyVersions == nil {
		ev.PolicyVersions = map[string]any{}
	}
	if ev.DriftMetadata == nil {
		ev.DriftMetadata = map[string]any{}
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ledger: encode event: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open events file: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("ledger: append event: %w", err)
	}
	return file.Sync()
}

// Events replays the full file. An empty linkID returns every event.
func (l *Ledger) Events(linkID string) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open events file: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("ledger: parse event line: %w", err)
		}
		if linkID == "" || ev.LinkID == linkID {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan events file: %w", err)
	}
	return events, nil
}

// LastStep returns the most recent event for a link with the given step id.
func (l *Ledger) LastStep(linkID, stepID string) (Event, bool, error) {
	events, err := l.Events(linkID)
	if err != nil {
		return Event{}, false, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].StepID == stepID {
			return events[i], true, nil
		}
	}
	return Event{}, false, nil
}
