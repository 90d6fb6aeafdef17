package sandbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDiffDetectsCreatedAndModified(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "src/main.go", "package main")
	touch(t, root, "inputs/seed.json", "{}")

	before, err := Take(root)
	require.NoError(t, err)

	touch(t, root, "artifacts/gen/out.json", "{}")
	// Rewrite with different content and a bumped mtime.
	touch(t, root, "src/main.go", "package main // edited")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(filepath.Join(root, "src", "main.go"), future, future))

	after, err := Take(root)
	require.NoError(t, err)

	changed := Diff(before, after)
	assert.Equal(t, []string{"artifacts/gen/out.json", "src/main.go"}, changed)
}

func TestViolationsRespectAllowListAndEngineOwnership(t *testing.T) {
	allow := NewAllowList("gen", false)
	// The link's own dir, a ledger append, run logs, the index, and the
	// manifest are all fine; the other link's dir, the src edit without a
	// grant, and the stray root file are not.
	changed := []string{
		"src/main.go",
		"artifacts/gen/out.json",
		"artifacts/other/stolen.json",
		"ledger/events.jsonl",
		"runs/run-1/engine.log",
		"artifact_index.json",
		"artifacts/gen/.forgechain_artifacts.json",
		"notes.txt",
	}

	violations := Violations(changed, allow)
	assert.Equal(t, []string{"artifacts/other/stolen.json", "notes.txt", "src/main.go"}, violations)
}

func TestViolationsSrcWritable(t *testing.T) {
	allow := NewAllowList("heal", true)
	violations := Violations([]string{"src/main.go", "docs/readme.md"}, allow)
	assert.Equal(t, []string{"docs/readme.md"}, violations)
}

func TestSandboxWriteHelpers(t *testing.T) {
	root := t.TempDir()
	sb, err := New(root, "gen")
	require.NoError(t, err)

	path, err := sb.WriteJSON("ir.json", map[string]any{"nodes": []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "artifacts", "gen", "ir.json"), path)

	path, err = sb.WriteText("nested/report.txt", "ok")
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(raw))
}

func TestSandboxRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	sb, err := New(root, "gen")
	require.NoError(t, err)

	_, err = sb.WriteText("../escape.txt", "no")
	assert.Error(t, err)
	_, err = sb.WriteText("/abs/escape.txt", "no")
	assert.Error(t, err)
}

func TestShadowSandboxRoots(t *testing.T) {
	root := t.TempDir()
	sb, err := NewShadow(root, "gen")
	require.NoError(t, err)
	assert.True(t, sb.IsShadow())

	path, err := sb.WriteText("candidate.json", "{}")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "shadow", "gen", "artifacts", "gen", "candidate.json"), path)
}
