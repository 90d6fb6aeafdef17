package link

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ContractFileName is the per-link contract file inside a link directory.
const ContractFileName = "link.yaml"

// Contract is the declarative description of a link: identity plus the
// artifacts it consumes and produces.
type Contract struct {
	ID          string         `yaml:"id"`
	Version     string         `yaml:"version"`
	Description string         `yaml:"description"`
	Spec        Spec           `yaml:"spec"`
	Config      map[string]any `yaml:"config"`
}

// Spec holds the behavioral half of a contract.
type Spec struct {
	Requires  []ArtifactClaim  `yaml:"requires"`
	Produces  []ArtifactClaim  `yaml:"produces"`
	When      *WhenBlock       `yaml:"when"`
	Runtime   RuntimeHints     `yaml:"runtime"`
	Coherence *CoherencePolicy `yaml:"coherence"`
}

// WhenBlock wraps the textual run condition.
type WhenBlock struct {
	Condition string `yaml:"condition"`
}

// RuntimeHints tune execution for one link.
type RuntimeHints struct {
	AlwaysRun      bool `yaml:"alwaysRun"`
	MaxWallTimeSec int  `yaml:"maxWallTimeSec"`
}

// CoherencePolicy configures the post-run drift check.
type CoherencePolicy struct {
	Threshold float64 `yaml:"threshold"`
	OnDrift   string  `yaml:"onDrift"`
}

// ArtifactClaim names an artifact a link requires or produces. In YAML a
// claim may be a bare string (just the artifact id) or a mapping.
type ArtifactClaim struct {
	Artifact   string    `yaml:"artifact"`
	ArtifactID string    `yaml:"artifactId"` // legacy spelling; ID() prefers Artifact
	Schema     SchemaRef `yaml:"schema"`
	Path       string    `yaml:"path"`
	Optional   bool      `yaml:"optional"`
	Check      string    `yaml:"check"`
	FromLink   string    `yaml:"from_link"`
}

// ID returns the effective artifact id of the claim.
func (c ArtifactClaim) ID() string {
	if c.Artifact != "" {
		return c.Artifact
	}
	return c.ArtifactID
}

// UnmarshalYAML accepts both the bare-string shorthand and the full mapping.
func (c *ArtifactClaim) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var id string
		if err := node.Decode(&id); err != nil {
			return err
		}
		*c = ArtifactClaim{Artifact: id}
		return nil
	}
	type plain ArtifactClaim
	var full plain
	if err := node.Decode(&full); err != nil {
		return err
	}
	*c = ArtifactClaim(full)
	return nil
}

// SchemaRef describes how to validate an artifact. In YAML it may be a bare
// string naming the format or a mapping with a registry reference.
type SchemaRef struct {
	Type string `yaml:"type"`
	Ref  string `yaml:"ref"`
}

// UnmarshalYAML accepts both "json" and {type: json, ref: name}.
func (s *SchemaRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var kind string
		if err := node.Decode(&kind); err != nil {
			return err
		}
		*s = SchemaRef{Type: kind}
		return nil
	}
	type plain SchemaRef
	var full plain
	if err := node.Decode(&full); err != nil {
		return err
	}
	*s = SchemaRef(full)
	return nil
}

// IsZero reports whether the claim declares no schema.
func (s SchemaRef) IsZero() bool { return s.Type == "" && s.Ref == "" }

// LoadContract reads and validates a contract file.
func LoadContract(path string) (*Contract, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("link: read contract: %w", err)
	}
	var contract Contract
	if err := yaml.Unmarshal(raw, &contract); err != nil {
		return nil, fmt.Errorf("link: parse contract: %w", err)
	}
	if err := contract.Validate(); err != nil {
		return nil, err
	}
	return &contract, nil
}

// Validate checks structural requirements on the contract.
func (c *Contract) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("link: contract id is required")
	}
	for _, claim := range c.Spec.Requires {
		if claim.ID() == "" {
			return fmt.Errorf("link %s: requires entry without artifact id", c.ID)
		}
	}
	for _, claim := range c.Spec.Produces {
		if claim.ID() == "" {
			return fmt.Errorf("link %s: produces entry without artifact id", c.ID)
		}
	}
	if c.Spec.When != nil {
		if _, err := ParseCondition(c.Spec.When.Condition); err != nil {
			return fmt.Errorf("link %s: %w", c.ID, err)
		}
	}
	if cp := c.Spec.Coherence; cp != nil {
		switch cp.OnDrift {
		case "", OnDriftFail, OnDriftWarn, OnDriftReflect:
		default:
			return fmt.Errorf("link %s: unknown onDrift action %q", c.ID, cp.OnDrift)
		}
		if cp.Threshold < 0 || cp.Threshold > 1 {
			return fmt.Errorf("link %s: coherence threshold must be in [0,1]", c.ID)
		}
	}
	return nil
}

// Condition returns the parsed run condition, defaulting to always.
func (c *Contract) Condition() Condition {
	if c.Spec.When == nil || strings.TrimSpace(c.Spec.When.Condition) == "" {
		return Condition{Kind: CondAlways}
	}
	cond, err := ParseCondition(c.Spec.When.Condition)
	if err != nil {
		// Validate rejects unparseable conditions at load time.
		return Condition{Kind: CondAlways}
	}
	return cond
}

// Drift actions a contract may request when coherence falls below threshold.
const (
	OnDriftFail    = "fail"
	OnDriftWarn    = "warn"
	OnDriftReflect = "reflect"
)
