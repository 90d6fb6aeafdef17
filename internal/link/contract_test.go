package link

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullContractYAML = `
id: logic.generate_ir
version: 1.2.0
description: Derive the project IR from the blueprint.
spec:
  requires:
    - artifact: forgechain.project.bundle
      from_link: ingest.project_bundle
    - forgechain.project.blueprint
  produces:
    - artifact: forgechain.project.ir
      schema:
        type: json
        ref: project_ir
      path: ir.json
  when:
    condition: on_success(ingest.project_bundle)
  runtime:
    alwaysRun: false
    maxWallTimeSec: 45
  coherence:
    threshold: 0.6
    onDrift: warn
`

func writeContract(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ContractFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadContractFullForm(t *testing.T) {
	contract, err := LoadContract(writeContract(t, fullContractYAML))
	require.NoError(t, err)

	assert.Equal(t, "logic.generate_ir", contract.ID)
	require.Len(t, contract.Spec.Requires, 2)
	assert.Equal(t, "forgechain.project.bundle", contract.Spec.Requires[0].ID())
	assert.Equal(t, "ingest.project_bundle", contract.Spec.Requires[0].FromLink)

	// Bare-string shorthand expands to a claim with just the id.
	assert.Equal(t, "forgechain.project.blueprint", contract.Spec.Requires[1].ID())
	assert.False(t, contract.Spec.Requires[1].Optional)

	require.Len(t, contract.Spec.Produces, 1)
	produced := contract.Spec.Produces[0]
	assert.Equal(t, "json", produced.Schema.Type)
	assert.Equal(t, "project_ir", produced.Schema.Ref)
	assert.Equal(t, "ir.json", produced.Path)

	assert.Equal(t, 45, contract.Spec.Runtime.MaxWallTimeSec)
	require.NotNil(t, contract.Spec.Coherence)
	assert.Equal(t, OnDriftWarn, contract.Spec.Coherence.OnDrift)

	cond := contract.Condition()
	assert.Equal(t, CondOnSuccess, cond.Kind)
	assert.Equal(t, "ingest.project_bundle", cond.Target)
}

func TestLoadContractLegacyArtifactID(t *testing.T) {
	contract, err := LoadContract(writeContract(t, `
id: ingest.handoff
spec:
  produces:
    - artifactId: forgechain.handoff
      schema: json
`))
	require.NoError(t, err)
	claim := contract.Spec.Produces[0]
	assert.Equal(t, "forgechain.handoff", claim.ID())
	assert.Equal(t, "json", claim.Schema.Type)
	assert.Empty(t, claim.Schema.Ref)
}

func TestLoadContractRejections(t *testing.T) {
	cases := map[string]string{
		"missing id": `
version: 1.0.0
`,
		"claim without artifact id": `
id: x
spec:
  requires:
    - optional: true
`,
		"unknown condition": `
id: x
spec:
  when:
    condition: whenever(x)
`,
		"unknown drift action": `
id: x
spec:
  coherence:
    threshold: 0.5
    onDrift: explode
`,
		"threshold out of range": `
id: x
spec:
  coherence:
    threshold: 1.5
    onDrift: warn
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadContract(writeContract(t, content))
			assert.Error(t, err)
		})
	}
}

func TestParseCondition(t *testing.T) {
	cond, err := ParseCondition("always")
	require.NoError(t, err)
	assert.Equal(t, CondAlways, cond.Kind)

	cond, err = ParseCondition("on_failure(test.smoke)")
	require.NoError(t, err)
	assert.Equal(t, CondOnFailure, cond.Kind)
	assert.Equal(t, "test.smoke", cond.Target)

	_, err = ParseCondition("on_success()")
	assert.Error(t, err)
	_, err = ParseCondition("sometimes")
	assert.Error(t, err)
}

func TestConditionEvaluate(t *testing.T) {
	status := map[string]string{"a": "SUCCEEDED", "b": "FAILED"}
	has := func(id string) bool { return id == "present" }

	assert.True(t, Condition{Kind: CondAlways}.Evaluate(status, has))
	assert.True(t, Condition{Kind: CondOnSuccess, Target: "a"}.Evaluate(status, has))
	assert.False(t, Condition{Kind: CondOnSuccess, Target: "b"}.Evaluate(status, has))
	assert.True(t, Condition{Kind: CondOnFailure, Target: "b"}.Evaluate(status, has))
	assert.False(t, Condition{Kind: CondOnFailure, Target: "missing"}.Evaluate(status, has))
	assert.True(t, Condition{Kind: CondIfArtifactExists, Target: "present"}.Evaluate(status, has))
	assert.False(t, Condition{Kind: CondIfArtifactExists, Target: "absent"}.Evaluate(status, has))
}
