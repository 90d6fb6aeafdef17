package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgechain/forgechain/internal/link"
	"github.com/forgechain/forgechain/internal/registry"
)

func seedLinks(t *testing.T, contracts map[string]string) *registry.Registry {
	t.Helper()
	linksDir := t.TempDir()
	for id, contract := range contracts {
		dir := filepath.Join(linksDir, id)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, link.ContractFileName), []byte(contract), 0o644))
	}
	reg, err := registry.Discover(linksDir, link.NewTable())
	require.NoError(t, err)
	return reg
}

func demoRegistry(t *testing.T) *registry.Registry {
	return seedLinks(t, map[string]string{
		"ingest.project_bundle": `
id: ingest.project_bundle
spec:
  produces:
    - artifact: forgechain.project.bundle
`,
		"logic.generate_ir": `
id: logic.generate_ir
spec:
  requires:
    - artifact: forgechain.project.bundle
      from_link: ingest.project_bundle
  produces:
    - artifact: forgechain.project.ir
`,
		"test.smoke": `
id: test.smoke
spec:
  requires:
    - artifact: forgechain.project.ir
  produces:
    - artifact: forgechain.scenarios.report
`,
	})
}

func TestLoadBareAndMappingEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
pipelineId: demo
links:
  - ingest.project_bundle
  - id: test.smoke
    shadow: test.smoke_v2
    config:
      depth: 2
overrides:
  test.smoke:
    spec:
      runtime:
        maxWallTimeSec: 5
`), 0o644))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", spec.PipelineID)
	require.Len(t, spec.Links, 2)
	assert.Equal(t, "ingest.project_bundle", spec.Links[0].ID)
	assert.Empty(t, spec.Links[0].Shadow)
	assert.Equal(t, "test.smoke_v2", spec.Links[1].Shadow)
	assert.Equal(t, 2, spec.Links[1].Config["depth"])
	assert.Contains(t, spec.Overrides, "test.smoke")
}

func TestLoadRejectsMissingIDs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	require.NoError(t, os.WriteFile(path, []byte("links: [a]\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("pipelineId: demo\nlinks:\n  - config: {}\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("pipelineId: demo\nlinks:\n  - id: a\n    shadow: a\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestResolveContractDeepMergesOverrides(t *testing.T) {
	spec := &Spec{
		PipelineID: "demo",
		Overrides: map[string]map[string]any{
			"test.smoke": {
				"spec": map[string]any{
					"runtime": map[string]any{"maxWallTimeSec": 5},
					"when":    map[string]any{"condition": "on_success(logic.generate_ir)"},
				},
			},
		},
	}
	base := &link.Contract{ID: "test.smoke", Spec: link.Spec{
		Runtime: link.RuntimeHints{AlwaysRun: true, MaxWallTimeSec: 60},
	}}

	merged, err := spec.ResolveContract(base)
	require.NoError(t, err)
	assert.Equal(t, 5, merged.Spec.Runtime.MaxWallTimeSec)
	// Sibling fields survive the merge.
	assert.True(t, merged.Spec.Runtime.AlwaysRun)
	assert.Equal(t, link.CondOnSuccess, merged.Condition().Kind)

	// Overrides producing an invalid contract are rejected.
	spec.Overrides["test.smoke"]["spec"].(map[string]any)["when"] = map[string]any{"condition": "bogus(x"}
	_, err = spec.ResolveContract(base)
	assert.Error(t, err)
}

func TestLintAcceptsWellFormedPipeline(t *testing.T) {
	reg := demoRegistry(t)
	spec := &Spec{PipelineID: "demo", Links: []Entry{
		{ID: "ingest.project_bundle"}, {ID: "logic.generate_ir"}, {ID: "test.smoke"},
	}}
	assert.Empty(t, Lint(spec, reg))
}

func TestLintFindsProblems(t *testing.T) {
	reg := demoRegistry(t)

	t.Run("unknown link", func(t *testing.T) {
		spec := &Spec{PipelineID: "demo", Links: []Entry{{ID: "no.such.link"}}}
		problems := Lint(spec, reg)
		require.Len(t, problems, 1)
		assert.Contains(t, problems[0], "not found in registry")
	})

	t.Run("unmet requirement", func(t *testing.T) {
		spec := &Spec{PipelineID: "demo", Links: []Entry{{ID: "test.smoke"}}}
		problems := Lint(spec, reg)
		require.NotEmpty(t, problems)
		assert.Contains(t, problems[0], "no producer")
	})

	t.Run("from_link absent", func(t *testing.T) {
		spec := &Spec{PipelineID: "demo", Links: []Entry{{ID: "logic.generate_ir"}}}
		problems := Lint(spec, reg)
		require.NotEmpty(t, problems)
		assert.Contains(t, problems[0], "not in the pipeline")
	})

	t.Run("ambiguous producer", func(t *testing.T) {
		dupReg := seedLinks(t, map[string]string{
			"a.one": "id: a.one\nspec:\n  produces:\n    - artifact: shared.artifact\n",
			"a.two": "id: a.two\nspec:\n  produces:\n    - artifact: shared.artifact\n",
		})
		spec := &Spec{PipelineID: "demo", Links: []Entry{{ID: "a.one"}, {ID: "a.two"}}}
		problems := Lint(spec, dupReg)
		require.NotEmpty(t, problems)
		assert.Contains(t, problems[0], "ambiguous producer")
	})

	t.Run("unknown shadow candidate", func(t *testing.T) {
		spec := &Spec{PipelineID: "demo", Links: []Entry{
			{ID: "ingest.project_bundle", Shadow: "ingest.project_bundle_v2"},
		}}
		problems := Lint(spec, reg)
		require.Len(t, problems, 1)
		assert.Contains(t, problems[0], "shadow candidate")
	})

	t.Run("condition references missing link", func(t *testing.T) {
		spec := &Spec{
			PipelineID: "demo",
			Links:      []Entry{{ID: "ingest.project_bundle"}},
			Overrides: map[string]map[string]any{
				"ingest.project_bundle": {
					"spec": map[string]any{
						"when": map[string]any{"condition": "on_success(ghost.link)"},
					},
				},
			},
		}
		problems := Lint(spec, reg)
		require.NotEmpty(t, problems)
		assert.Contains(t, problems[0], "references unknown link")
	})
}

func TestWeaveOrdersAndChains(t *testing.T) {
	reg := demoRegistry(t)

	// Deliberately out of dependency order.
	spec, err := Weave(reg, []string{"test.smoke", "logic.generate_ir", "ingest.project_bundle"})
	require.NoError(t, err)

	var order []string
	for _, entry := range spec.Links {
		order = append(order, entry.ID)
	}
	assert.Equal(t, []string{"ingest.project_bundle", "logic.generate_ir", "test.smoke"}, order)

	// Consecutive links are chained with on_success conditions.
	cond := spec.Overrides["logic.generate_ir"]["spec"].(map[string]any)["when"].(map[string]any)["condition"]
	assert.Equal(t, "on_success(ingest.project_bundle)", cond)

	// And the generated pipeline lints clean.
	assert.Empty(t, Lint(spec, reg))
}

func TestWeaveRejectsCycles(t *testing.T) {
	reg := seedLinks(t, map[string]string{
		"cycle.a": `
id: cycle.a
spec:
  requires: [artifact.b]
  produces: [artifact.a]
`,
		"cycle.b": `
id: cycle.b
spec:
  requires: [artifact.a]
  produces: [artifact.b]
`,
	})
	_, err := Weave(reg, []string{"cycle.a", "cycle.b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestWeaveRejectsUnmetRequirement(t *testing.T) {
	reg := demoRegistry(t)
	_, err := Weave(reg, []string{"logic.generate_ir"})
	assert.Error(t, err)
}

func TestGraphRendering(t *testing.T) {
	reg := demoRegistry(t)
	spec := &Spec{PipelineID: "demo", Links: []Entry{
		{ID: "ingest.project_bundle"}, {ID: "logic.generate_ir"},
	}}
	out := Graph(spec, reg)
	assert.Contains(t, out, "[logic.generate_ir]")
	assert.Contains(t, out, "<- (forgechain.project.bundle) from ingest.project_bundle")
	assert.Contains(t, out, "-> produces: forgechain.project.ir")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", FileName)
	spec := &Spec{PipelineID: "demo", Links: []Entry{{ID: "a.link"}}}
	require.NoError(t, Save(spec, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, spec.PipelineID, loaded.PipelineID)
	require.Len(t, loaded.Links, 1)
	assert.Equal(t, "a.link", loaded.Links[0].ID)
}
