// Package lockfile generates and verifies reproducibility lockfiles. A
// lockfile pins the digests of everything that shaped a run: the policy,
// the pipeline definition, every link contract it names, the registered
// artifacts, and the build environment.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/link"
	"github.com/forgechain/forgechain/internal/pipeline"
	"github.com/forgechain/forgechain/internal/policy"
)

// Version is the lockfile format version.
const Version = "1.0.0"

// FileName is the lockfile inside a project root.
const FileName = "forgechain.lock.json"

// PolicyInfo pins the policy that governed the run.
type PolicyInfo struct {
	Version string `json:"version"`
	Digest  string `json:"digest"`
}

// PipelineInfo pins the pipeline definition.
type PipelineInfo struct {
	Path       string `json:"path"`
	Digest     string `json:"digest"`
	PipelineID string `json:"pipeline_id"`
	LinkCount  int    `json:"link_count"`
}

// LinkInfo pins one link contract.
type LinkInfo struct {
	Path   string `json:"path,omitempty"`
	Digest string `json:"digest,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Environment captures the build and host environment.
type Environment struct {
	GoVersion  string            `json:"go_version"`
	OS         string            `json:"os"`
	Arch       string            `json:"arch"`
	Hostname   string            `json:"hostname"`
	ModulePath string            `json:"module_path,omitempty"`
	Deps       map[string]string `json:"deps,omitempty"`
}

// Lockfile is the full reproducibility record.
type Lockfile struct {
	LockfileVersion string              `json:"lockfile_version"`
	GeneratedAt     time.Time           `json:"generated_at"`
	ProjectID       string              `json:"project_id"`
	Policy          PolicyInfo          `json:"policy"`
	Pipeline        PipelineInfo        `json:"pipeline"`
	Links           map[string]LinkInfo `json:"links"`
	Environment     Environment         `json:"environment"`
	ArtifactDigests map[string]string   `json:"artifact_digests"`
}

// Mismatch is one field where the current state diverges from the lockfile.
type Mismatch struct {
	Component string `json:"component"`
	Field     string `json:"field"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
}

// VerifyResult reports whether the current state matches a saved lockfile.
type VerifyResult struct {
	Verified        bool       `json:"verified"`
	LockfileVersion string     `json:"lockfile_version,omitempty"`
	GeneratedAt     time.Time  `json:"generated_at,omitempty"`
	Mismatches      []Mismatch `json:"mismatches"`
}

// Generator builds lockfiles from on-disk project state.
type Generator struct {
	projectsDir string
	linksDir    string
	pol         *policy.Policy
	now         func() time.Time
}

// Option customizes a Generator.
type Option func(*Generator)

// WithClock overrides the generation timestamp clock.
func WithClock(clock func() time.Time) Option {
	return func(g *Generator) {
		if clock != nil {
			g.now = clock
		}
	}
}

// NewGenerator builds a lockfile generator.
func NewGenerator(projectsDir, linksDir string, pol *policy.Policy, opts ...Option) *Generator {
	g := &Generator{projectsDir: projectsDir, linksDir: linksDir, pol: pol, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate computes the current lockfile for a project.
func (g *Generator) Generate(projectID string) (*Lockfile, error) {
	projectRoot := filepath.Join(g.projectsDir, projectID)
	if _, err := os.Stat(projectRoot); err != nil {
		return nil, fmt.Errorf("lockfile: project not found: %s", projectID)
	}

	lf := &Lockfile{
		LockfileVersion: Version,
		GeneratedAt:     g.now().UTC(),
		ProjectID:       projectID,
		Policy: PolicyInfo{
			Version: g.pol.Version,
			Digest:  g.pol.Digest(),
		},
		Links:           map[string]LinkInfo{},
		Environment:     currentEnvironment(),
		ArtifactDigests: map[string]string{},
	}

	pipelinePath := filepath.Join(projectRoot, pipeline.FileName)
	spec, err := pipeline.Load(pipelinePath)
	if err == nil {
		digest, _ := artifact.Digest(pipelinePath)
		lf.Pipeline = PipelineInfo{
			Path:       pipelinePath,
			Digest:     digest,
			PipelineID: spec.PipelineID,
			LinkCount:  len(spec.Links),
		}
		for _, entry := range spec.Links {
			contractPath := filepath.Join(g.linksDir, entry.ID, link.ContractFileName)
			digest, err := artifact.Digest(contractPath)
			if err != nil {
				lf.Links[entry.ID] = LinkInfo{Error: "link.yaml not found"}
				continue
			}
			lf.Links[entry.ID] = LinkInfo{Path: contractPath, Digest: digest}
		}
	} else {
		lf.Pipeline = PipelineInfo{Path: pipelinePath}
	}

	index, err := artifact.LoadIndex(projectRoot)
	if err == nil {
		for id, record := range index {
			lf.ArtifactDigests[id] = record.Digest
		}
	}
	return lf, nil
}

// Save generates the lockfile and writes it into the project root.
func (g *Generator) Save(projectID string) (string, error) {
	lf, err := g.Generate(projectID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(g.projectsDir, projectID, FileName)
	encoded, err := json.MarshalIndent(lf, "", "  ")
	if err != nil {
		return "", fmt.Errorf("lockfile: encode: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", fmt.Errorf("lockfile: write %s: %w", path, err)
	}
	return path, nil
}

// Load reads a saved lockfile from the project root.
func (g *Generator) Load(projectID string) (*Lockfile, error) {
	path := filepath.Join(g.projectsDir, projectID, FileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lockfile: not found: %s", path)
	}
	var lf Lockfile
	if err := json.Unmarshal(raw, &lf); err != nil {
		return nil, fmt.Errorf("lockfile: parse %s: %w", path, err)
	}
	return &lf, nil
}

// Verify regenerates the lockfile and compares it against the saved one.
// Environment differences beyond the Go version are informational and do
// not fail verification.
func (g *Generator) Verify(projectID string) (*VerifyResult, error) {
	saved, err := g.Load(projectID)
	if err != nil {
		return nil, err
	}
	current, err := g.Generate(projectID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		LockfileVersion: saved.LockfileVersion,
		GeneratedAt:     saved.GeneratedAt,
		Mismatches:      []Mismatch{},
	}
	if saved.Policy.Digest != current.Policy.Digest {
		result.Mismatches = append(result.Mismatches, Mismatch{
			Component: "policy", Field: "digest",
			Expected: saved.Policy.Digest, Actual: current.Policy.Digest,
		})
	}
	if saved.Pipeline.Digest != current.Pipeline.Digest {
		result.Mismatches = append(result.Mismatches, Mismatch{
			Component: "pipeline", Field: "digest",
			Expected: saved.Pipeline.Digest, Actual: current.Pipeline.Digest,
		})
	}
	for linkID, savedLink := range saved.Links {
		currentLink := current.Links[linkID]
		if savedLink.Digest != currentLink.Digest {
			result.Mismatches = append(result.Mismatches, Mismatch{
				Component: "link:" + linkID, Field: "digest",
				Expected: savedLink.Digest, Actual: currentLink.Digest,
			})
		}
	}
	if saved.Environment.GoVersion != current.Environment.GoVersion {
		result.Mismatches = append(result.Mismatches, Mismatch{
			Component: "environment", Field: "go_version",
			Expected: saved.Environment.GoVersion, Actual: current.Environment.GoVersion,
		})
	}
	result.Verified = len(result.Mismatches) == 0
	return result, nil
}

// Difference is one top-level key where two lockfiles diverge.
type Difference struct {
	Key string `json:"key"`
}

// CompareResult reports the top-level keys where two lockfiles diverge.
type CompareResult struct {
	Identical   bool         `json:"identical"`
	Differences []Difference `json:"differences"`
}

// Compare diffs two lockfile documents key by key, ignoring the generation
// timestamp.
func Compare(path1, path2 string) (*CompareResult, error) {
	doc1, err := loadRaw(path1)
	if err != nil {
		return nil, err
	}
	doc2, err := loadRaw(path2)
	if err != nil {
		return nil, err
	}

	keys := map[string]bool{}
	for k := range doc1 {
		keys[k] = true
	}
	for k := range doc2 {
		keys[k] = true
	}

	result := &CompareResult{Differences: []Difference{}}
	for key := range keys {
		if key == "generated_at" {
			continue
		}
		v1, _ := json.Marshal(doc1[key])
		v2, _ := json.Marshal(doc2[key])
		if string(v1) != string(v2) {
			result.Differences = append(result.Differences, Difference{Key: key})
		}
	}
	result.Identical = len(result.Differences) == 0
	return result, nil
}

func loadRaw(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lockfile: read %s: %w", path, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("lockfile: parse %s: %w", path, err)
	}
	return doc, nil
}

// currentEnvironment reads the Go version, host identity, and the module
// dependency set from build info.
func currentEnvironment() Environment {
	env := Environment{
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if hostname, err := os.Hostname(); err == nil {
		env.Hostname = hostname
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		env.ModulePath = info.Main.Path
		env.Deps = make(map[string]string, len(info.Deps))
		for _, dep := range info.Deps {
			env.Deps[dep.Path] = dep.Version
		}
	}
	return env
}
