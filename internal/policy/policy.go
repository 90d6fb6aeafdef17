// internal/policy/policy.go
//
// Loads and validates the versioned runtime policy (budgets, security
// whitelist, profiles, retry and retention rules). The policy is loaded once
// at process start and passed to the orchestrator explicitly; there is no
// process-wide singleton. The digest recorded here is stamped onto every
// ledger event so audits can prove which policy governed a run.

package policy

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidationError reports a policy document that must not be used.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy: %s", e.Reason)
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Budgets declares resource ceilings.
type Budgets struct {
	PerLink    PerLinkBudget    `yaml:"per_link"`
	PerProject PerProjectBudget `yaml:"per_project"`
}

// PerLinkBudget bounds a single link execution.
type PerLinkBudget struct {
	MaxWallTimeSec int   `yaml:"max_wall_time_sec"`
	MaxOutputBytes int64 `yaml:"max_output_bytes"`
}

// PerProjectBudget bounds the whole project tree.
type PerProjectBudget struct {
	MaxProjectBytes int64 `yaml:"max_project_bytes"`
}

// Profile is a named bundle of isolation settings selectable per run.
type Profile struct {
	AllowSrcWrites            bool     `yaml:"allow_src_writes"`
	ArtifactOnlyOutputs       bool     `yaml:"artifact_only_outputs"`
	TimeoutMultiplier         float64  `yaml:"timeout_multiplier"`
	AllowedSubprocessCommands []string `yaml:"allowed_subprocess_commands"`
}

// Security holds the explicit grants. The profile is a ceiling; the
// whitelist here is the actual grant.
type Security struct {
	AllowSrcWrites            []string `yaml:"allow_src_writes"`
	AllowedSubprocessCommands []string `yaml:"allowed_subprocess_commands"`
}

// Retry describes the retry/backoff values consumed by the calling layer.
// The engine itself never retries.
type Retry struct {
	MaxRetriesPerLink    int      `yaml:"max_retries_per_link"`
	MaxRetriesPerProject int      `yaml:"max_retries_per_project"`
	BackoffSchedule      []int    `yaml:"backoff_schedule"`
	RetryableErrors      []string `yaml:"retryable_errors"`
	NonRetryableErrors   []string `yaml:"non_retryable_errors"`
}

// Retention describes which runs and artifacts pruning may remove.
type Retention struct {
	KeepLastNRuns      int      `yaml:"keep_last_n_runs"`
	KeepFailedRunsDays int      `yaml:"keep_failed_runs_days"`
	ProtectedArtifacts []string `yaml:"protected_artifacts"`
	PreserveLedger     *bool    `yaml:"preserve_ledger"`
}

// Policy is the validated runtime policy document.
type Policy struct {
	Version        string             `yaml:"version"`
	Budgets        Budgets            `yaml:"budgets"`
	Security       Security           `yaml:"security"`
	Profiles       map[string]Profile `yaml:"profiles"`
	DefaultProfile string             `yaml:"default_profile"`
	Retry          Retry              `yaml:"retry"`
	Retention      Retention          `yaml:"retention"`

	digest string
}

var (
	requiredKeys           = []string{"version", "budgets", "security", "profiles", "default_profile"}
	requiredBudgetSections = []string{"per_link", "per_project"}
	requiredPerLinkKeys    = []string{"max_wall_time_sec", "max_output_bytes"}
	requiredPerProjectKeys = []string{"max_project_bytes"}
	requiredProfileKeys    = []string{"allow_src_writes", "artifact_only_outputs"}
)

// Load reads, validates, and digests a policy file. Any validation failure
// returns a *ValidationError and no policy.
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, invalid("policy file not found: %s", path)
	}
	return Parse(raw)
}

// Parse validates a policy document held in memory.
func Parse(raw []byte) (*Policy, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, invalid("invalid YAML: %v", err)
	}
	if doc == nil {
		return nil, invalid("policy file is empty")
	}
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	var pol Policy
	if err := yaml.Unmarshal(raw, &pol); err != nil {
		return nil, invalid("decode policy: %v", err)
	}
	digest, err := canonicalDigest(doc)
	if err != nil {
		return nil, invalid("digest policy: %v", err)
	}
	pol.digest = digest
	return &pol, nil
}

// validateDocument checks the raw mapping so absent keys are distinguishable
// from zero values.
func validateDocument(doc map[string]any) error {
	for _, key := range requiredKeys {
		if _, ok := doc[key]; !ok {
			return invalid("missing required key: %s", key)
		}
	}

	budgets, ok := doc["budgets"].(map[string]any)
	if !ok {
		return invalid("budgets must be a mapping")
	}
	for _, section := range requiredBudgetSections {
		if _, ok := budgets[section]; !ok {
			return invalid("missing required budget section: budgets.%s", section)
		}
	}
	perLink, _ := budgets["per_link"].(map[string]any)
	for _, key := range requiredPerLinkKeys {
		if _, ok := perLink[key]; !ok {
			return invalid("missing required budget key: budgets.per_link.%s", key)
		}
	}
	perProject, _ := budgets["per_project"].(map[string]any)
	for _, key := range requiredPerProjectKeys {
		if _, ok := perProject[key]; !ok {
			return invalid("missing required budget key: budgets.per_project.%s", key)
		}
	}

	profiles, ok := doc["profiles"].(map[string]any)
	if !ok {
		return invalid("profiles must be a mapping")
	}
	defaultProfile, _ := doc["default_profile"].(string)
	if _, ok := profiles[defaultProfile]; !ok {
		return invalid("default_profile %q not found in profiles", defaultProfile)
	}
	for name, rawProfile := range profiles {
		profile, ok := rawProfile.(map[string]any)
		if !ok {
			return invalid("profile %q must be a mapping", name)
		}
		for _, key := range requiredProfileKeys {
			if _, ok := profile[key]; !ok {
				return invalid("missing required key in profile %q: %s", name, key)
			}
		}
	}

	version, _ := doc["version"].(string)
	if strings.HasPrefix(version, "1.") {
		return invalid("policy version %s uses the deprecated 1.x schema; migrate to 2.0.0 (budgets block)", version)
	}
	if _, ok := doc["limits"]; ok {
		return invalid("deprecated limits block found; use the budgets block (2.0.0 schema)")
	}
	return nil
}

// canonicalDigest serializes the document as compact JSON. encoding/json
// emits map keys in sorted order, so two documents differing only in key
// order digest identically.
func canonicalDigest(doc map[string]any) (string, error) {
	normalized, err := json.Marshal(normalizeValue(doc))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return fmt.Sprintf("%x", sum), nil
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalizeValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// Digest returns the SHA-256 of the canonical JSON serialization.
func (p *Policy) Digest() string {
	return p.digest
}

// Profile resolves a profile by name, or the default when name is empty.
func (p *Policy) Profile(name string) (Profile, error) {
	if name == "" {
		name = p.DefaultProfile
	}
	profile, ok := p.Profiles[name]
	if !ok {
		return Profile{}, invalid("profile %q not found", name)
	}
	return profile, nil
}

// EffectiveTimeoutSec applies the profile multiplier to the per-link wall
// time budget, floored to whole seconds.
func (p *Policy) EffectiveTimeoutSec(profileName string) (int, error) {
	profile, err := p.Profile(profileName)
	if err != nil {
		return 0, err
	}
	multiplier := profile.TimeoutMultiplier
	if multiplier <= 0 {
		multiplier = 1.0
	}
	return int(float64(p.Budgets.PerLink.MaxWallTimeSec) * multiplier), nil
}

// IsSrcWriteAllowed grants src/ writes only when the profile permits them
// AND the link is explicitly whitelisted.
func (p *Policy) IsSrcWriteAllowed(linkID, profileName string) bool {
	profile, err := p.Profile(profileName)
	if err != nil || !profile.AllowSrcWrites {
		return false
	}
	for _, allowed := range p.Security.AllowSrcWrites {
		if allowed == linkID {
			return true
		}
	}
	return false
}

// AllowedSubprocessCommands returns the profile override when present,
// otherwise the security default.
func (p *Policy) AllowedSubprocessCommands(profileName string) []string {
	profile, err := p.Profile(profileName)
	if err == nil && profile.AllowedSubprocessCommands != nil {
		return profile.AllowedSubprocessCommands
	}
	return p.Security.AllowedSubprocessCommands
}

// IsErrorRetryable classifies a failure kind for the calling layer. The
// explicit non-retryable list wins; anything unlisted is not retryable.
func (p *Policy) IsErrorRetryable(kind string) bool {
	for _, k := range p.Retry.NonRetryableErrors {
		if k == kind {
			return false
		}
	}
	for _, k := range p.Retry.RetryableErrors {
		if k == kind {
			return true
		}
	}
	return false
}

// BackoffDelaySec returns the delay for a zero-indexed retry attempt,
// clamping to the last schedule entry.
func (p *Policy) BackoffDelaySec(attempt int) int {
	schedule := p.Retry.BackoffSchedule
	if len(schedule) == 0 {
		return 30
	}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return schedule[len(schedule)-1]
}

// KeepLastNRuns returns the retention window for successful runs.
func (p *Policy) KeepLastNRuns() int {
	if p.Retention.KeepLastNRuns <= 0 {
		return 3
	}
	return p.Retention.KeepLastNRuns
}

// KeepFailedRunsDays returns how long failed runs survive pruning.
func (p *Policy) KeepFailedRunsDays() int {
	if p.Retention.KeepFailedRunsDays <= 0 {
		return 7
	}
	return p.Retention.KeepFailedRunsDays
}

// PreserveLedger reports whether pruning must leave the ledger untouched.
// Defaults to true.
func (p *Policy) PreserveLedger() bool {
	if p.Retention.PreserveLedger == nil {
		return true
	}
	return *p.Retention.PreserveLedger
}

// ProtectedArtifacts lists artifact ids pruning must never delete.
func (p *Policy) ProtectedArtifacts() []string {
	return p.Retention.ProtectedArtifacts
}

// Snapshot returns the version/digest pair stamped onto ledger events.
func (p *Policy) Snapshot(profileName string) map[string]any {
	return map[string]any{
		"policyVersion": p.Version,
		"policyDigest":  p.digest,
		"profile":       profileName,
	}
}
