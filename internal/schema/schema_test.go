package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	require.NoError(t, json.Unmarshal([]byte(raw), &doc))
	return doc
}

func TestValidateProjectIR(t *testing.T) {
	valid := decode(t, `{
		"name": "demo",
		"nodes": [{"name": "api", "role": "service", "node_type": "container"}],
		"connections": [{"source_node": "api", "target_node": "db"}],
		"groups": [{"name": "core", "member_nodes": ["api"]}]
	}`)
	assert.NoError(t, Validate("project_ir", valid))

	missingTopLevel := decode(t, `{"name": "demo", "nodes": []}`)
	assert.Error(t, Validate("project_ir", missingTopLevel))

	badNode := decode(t, `{
		"name": "demo",
		"nodes": [{"name": "api"}],
		"connections": [],
		"groups": []
	}`)
	assert.Error(t, Validate("project_ir", badNode))
}

func TestUnknownSchemaIsNotFatal(t *testing.T) {
	assert.False(t, Known("no.such.schema"))
	assert.NoError(t, Validate("no.such.schema", map[string]any{"anything": true}))
}

func TestKnownNames(t *testing.T) {
	assert.True(t, Known("project_ir"))
	assert.Contains(t, Names(), "forgechain.project.ir")
}
