package artifact

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegisterComputesDigestFromDisk(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root, WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)

	dir, err := store.LinkDir("ingest")
	require.NoError(t, err)
	path := writeFile(t, dir, "bundle.json", `{"files": []}`)

	record, err := store.Register(context.Background(), "ingest.bundle", path, "", "ingest", "run-1")
	require.NoError(t, err)

	want := fmt.Sprintf("%x", sha256.Sum256([]byte(`{"files": []}`)))
	assert.Equal(t, want, record.Digest)
	assert.Equal(t, "ingest", record.ProducerLinkID)

	got, ok := store.Get("ingest.bundle")
	require.True(t, ok)
	assert.Equal(t, record, got)
}

func TestRegisterMissingFileFails(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	_, err = store.Register(context.Background(), "x", filepath.Join(root, "nope.json"), "", "ingest", "run-1")
	assert.Error(t, err)
}

func TestManifestRoundTrip(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	dir, err := store.LinkDir("ingest")
	require.NoError(t, err)
	kept := writeFile(t, dir, "kept.json", "kept")
	gone := writeFile(t, dir, "gone.json", "gone")

	_, err = store.Register(context.Background(), "ingest.kept", kept, "", "ingest", "run-1")
	require.NoError(t, err)
	_, err = store.Register(context.Background(), "ingest.gone", gone, "", "ingest", "run-1")
	require.NoError(t, err)
	require.NoError(t, store.SaveManifest("ingest"))

	require.NoError(t, os.Remove(gone))

	fresh, err := NewStore(root)
	require.NoError(t, err)
	count, err := fresh.RehydrateFromLinkDir("ingest")
	require.NoError(t, err)

	// Records with missing backing files are silently dropped.
	assert.Equal(t, 1, count)
	_, ok := fresh.Get("ingest.kept")
	assert.True(t, ok)
	_, ok = fresh.Get("ingest.gone")
	assert.False(t, ok)
}

func TestRehydrateWithoutManifest(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)

	count, err := store.RehydrateFromLinkDir("never-ran")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIndexRoundTrip(t *testing.T) {
	root := t.TempDir()

	empty, err := LoadIndex(root)
	require.NoError(t, err)
	assert.Empty(t, empty)

	index := map[string]Record{
		"ingest.bundle": {Path: "/p/bundle.json", Digest: "abc", ProducerLinkID: "ingest"},
	}
	require.NoError(t, WriteIndex(root, index))

	loaded, err := LoadIndex(root)
	require.NoError(t, err)
	assert.Equal(t, index["ingest.bundle"].Digest, loaded["ingest.bundle"].Digest)

	// No .tmp leftover after the atomic rename.
	_, err = os.Stat(filepath.Join(root, IndexName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}
