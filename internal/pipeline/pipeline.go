// Package pipeline loads, validates, and generates pipeline definitions:
// ordered lists of link ids plus per-link contract overrides.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/forgechain/forgechain/internal/link"
)

// FileName is the canonical pipeline definition inside a project root.
const FileName = "pipeline.yaml"

// Spec is a pipeline definition.
type Spec struct {
	PipelineID  string                    `yaml:"pipelineId"`
	Description string                    `yaml:"description,omitempty"`
	Links       []Entry                   `yaml:"links"`
	Overrides   map[string]map[string]any `yaml:"overrides,omitempty"`
}

// Entry names one link in the pipeline, optionally with a shadow
// candidate: a different link run right after this one against a parallel
// output root for parity comparison. In YAML an entry may be a bare string
// (just the link id) or a mapping.
type Entry struct {
	ID     string         `yaml:"id"`
	Shadow string         `yaml:"shadow,omitempty"`
	Config map[string]any `yaml:"config,omitempty"`
}

// UnmarshalYAML accepts both the bare-string shorthand and the mapping form.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var id string
		if err := node.Decode(&id); err != nil {
			return err
		}
		*e = Entry{ID: id}
		return nil
	}
	type plain Entry
	var full plain
	if err := node.Decode(&full); err != nil {
		return err
	}
	*e = Entry(full)
	return nil
}

// Load reads a pipeline definition from disk.
func Load(path string) (*Spec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	var spec Spec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("pipeline: parse %s: %w", path, err)
	}
	if spec.PipelineID == "" {
		return nil, fmt.Errorf("pipeline: %s: pipelineId is required", path)
	}
	for i, entry := range spec.Links {
		if entry.ID == "" {
			return nil, fmt.Errorf("pipeline: %s: links[%d] has no id", path, i)
		}
		if entry.Shadow == entry.ID {
			return nil, fmt.Errorf("pipeline: %s: links[%d] names itself as its shadow candidate", path, i)
		}
	}
	return &spec, nil
}

// Save writes a pipeline definition to disk, creating parent directories.
func Save(spec *Spec, path string) error {
	encoded, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("pipeline: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("pipeline: ensure dir: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("pipeline: write %s: %w", path, err)
	}
	return nil
}

// ResolveContract returns the link's contract with the pipeline's overrides
// deep-merged in. Without overrides the original contract is returned as is.
func (s *Spec) ResolveContract(base *link.Contract) (*link.Contract, error) {
	override, ok := s.Overrides[base.ID]
	if !ok || len(override) == 0 {
		return base, nil
	}
	encoded, err := yaml.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode contract %s: %w", base.ID, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(encoded, &doc); err != nil {
		return nil, fmt.Errorf("pipeline: decode contract %s: %w", base.ID, err)
	}
	DeepMerge(doc, override)
	merged, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode merged contract %s: %w", base.ID, err)
	}
	var out link.Contract
	if err := yaml.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("pipeline: apply overrides for %s: %w", base.ID, err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: overridden contract %s: %w", base.ID, err)
	}
	return &out, nil
}

// DeepMerge merges override into base in place. Nested maps merge
// recursively; everything else is replaced.
func DeepMerge(base, override map[string]any) {
	for key, value := range override {
		if subOverride, ok := value.(map[string]any); ok {
			if subBase, ok := base[key].(map[string]any); ok {
				DeepMerge(subBase, subOverride)
				continue
			}
		}
		base[key] = value
	}
}
