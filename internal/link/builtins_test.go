package link

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/sandbox"
)

func newRunContext(t *testing.T, linkID string) *RunContext {
	t.Helper()
	root := t.TempDir()
	store, err := artifact.NewStore(root)
	require.NoError(t, err)
	sb, err := sandbox.New(root, linkID)
	require.NoError(t, err)
	rc := &RunContext{
		ProjectID:   "proj-1",
		PipelineID:  "pipe-1",
		RunID:       "run-1",
		ProjectRoot: root,
		Profile:     "normal",
		Artifacts:   store,
		Sandbox:     sb,
		StatusIndex: map[string]string{},
	}
	rc.BindLink(linkID)
	return rc
}

func seed(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestProjectBundleDeterministic(t *testing.T) {
	rc := newRunContext(t, "ingest.project_bundle")
	seed(t, rc.ProjectRoot, "inputs/b.txt", "beta")
	seed(t, rc.ProjectRoot, "inputs/a.txt", "alpha")

	first, err := runProjectBundle(context.Background(), rc, Config{})
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", first.Status)
	assert.Equal(t, 2, first.Metrics["files_bundled"])

	record, ok := rc.Artifacts.Get("forgechain.project.bundle")
	require.True(t, ok)
	assert.FileExists(t, record.Path)

	// Same inputs must yield the same bundle hash.
	again, err := runProjectBundle(context.Background(), rc, Config{})
	require.NoError(t, err)
	assert.Equal(t, first.Metrics["bundle_sha256"], again.Metrics["bundle_sha256"])

	// And any content change must move it.
	seed(t, rc.ProjectRoot, "inputs/a.txt", "alpha2")
	changed, err := runProjectBundle(context.Background(), rc, Config{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Metrics["bundle_sha256"], changed.Metrics["bundle_sha256"])
}

func TestProjectBundleMissingInputs(t *testing.T) {
	rc := newRunContext(t, "ingest.project_bundle")
	result, err := runProjectBundle(context.Background(), rc, Config{})
	require.NoError(t, err)
	assert.Equal(t, "FAILED", result.Status)
	assert.Equal(t, "MISSING_REQUIRED_ARTIFACT", result.Errors["type"])
}

func TestGenerateIRPublishesBlueprint(t *testing.T) {
	rc := newRunContext(t, "logic.generate_ir")
	seed(t, rc.ProjectRoot, "inputs/blueprint.json", `{"nodes": [{"name": "api"}]}`)

	result, err := runGenerateIR(context.Background(), rc, Config{})
	require.NoError(t, err)
	assert.Equal(t, "SUCCEEDED", result.Status)

	_, ok := rc.Artifacts.Get("forgechain.project.ir")
	assert.True(t, ok)
}

func TestGenerateIRInvalidBlueprint(t *testing.T) {
	rc := newRunContext(t, "logic.generate_ir")
	seed(t, rc.ProjectRoot, "inputs/blueprint.json", "not json")

	result, err := runGenerateIR(context.Background(), rc, Config{})
	require.NoError(t, err)
	assert.Equal(t, "FAILED", result.Status)
	assert.Equal(t, "SCHEMA_INVALID", result.Errors["type"])
}

func TestSmokeFailsOnInvalidJSON(t *testing.T) {
	rc := newRunContext(t, "test.smoke")
	seed(t, rc.ProjectRoot, "src/good.json", `{"ok": true}`)
	seed(t, rc.ProjectRoot, "src/bad.json", "{broken")

	result, err := runSmoke(context.Background(), rc, Config{})
	require.NoError(t, err)
	assert.Equal(t, "FAILED", result.Status)
	assert.Equal(t, 2, result.Metrics["checks_run"])
	assert.FileExists(t, filepath.Join(rc.ProjectRoot, "artifacts", "test.smoke", "smoke_test_report.json"))
}

func TestSleepHonorsCancellation(t *testing.T) {
	rc := newRunContext(t, "test.sleep")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runSleep(ctx, rc, Config{"seconds": 30})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTableRegistration(t *testing.T) {
	table := DefaultTable()
	assert.Contains(t, table.IDs(), "ingest.project_bundle")

	_, ok := table.Resolve("test.smoke")
	assert.True(t, ok)
	_, ok = table.Resolve("nope")
	assert.False(t, ok)

	err := table.Register("test.smoke", runSmoke)
	assert.Error(t, err)
}
