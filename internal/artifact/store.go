// internal/artifact/store.go
//
// Content-addressed registry of link outputs. Digests are always recomputed
// from the bytes on disk at registration time; a link cannot supply its own
// digest. Per-link manifests persisted next to the outputs enable the
// skip-and-resume path on a later run.

package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ManifestName is the per-link manifest written into each link's output
// directory for rehydration.
const ManifestName = ".forgechain_artifacts.json"

// IndexName is the project-level artifact index rewritten at the end of
// each run.
const IndexName = "artifact_index.json"

// Record describes one registered artifact.
type Record struct {
	Path           string    `json:"path"`
	Digest         string    `json:"digest"`
	Schema         string    `json:"schema,omitempty"`
	ProducerLinkID string    `json:"link_id"`
	RunID          string    `json:"run_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	BlobURI        string    `json:"blob_uri,omitempty"`
}

// BlobMirror uploads registered artifacts to an external object store and
// returns the resulting URI.
type BlobMirror interface {
	Put(ctx context.Context, key, path string) (string, error)
}

// Store manages the artifacts/ tree under one project root.
type Store struct {
	projectRoot  string
	artifactsDir string

	mu      sync.RWMutex
	records map[string]Record

	mirror BlobMirror
	now    func() time.Time
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for registration timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithMirror attaches an external blob mirror. Registration uploads every
// artifact and records the returned URI; upload failures fail registration.
func WithMirror(mirror BlobMirror) StoreOption {
	return func(s *Store) {
		s.mirror = mirror
	}
}

// NewStore prepares the artifacts directory for a project.
func NewStore(projectRoot string, opts ...StoreOption) (*Store, error) {
	dir := filepath.Join(projectRoot, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: ensure artifacts dir: %w", err)
	}
	store := &Store{
		projectRoot:  projectRoot,
		artifactsDir: dir,
		records:      map[string]Record{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// LinkDir returns (and creates) the output directory for a link.
func (s *Store) LinkDir(linkID string) (string, error) {
	dir := filepath.Join(s.artifactsDir, linkID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: ensure link dir %s: %w", linkID, err)
	}
	return dir, nil
}

// Register records an artifact produced by a link. The digest is computed
// from the file as it exists on disk right now.
func (s *Store) Register(ctx context.Context, artifactID, absPath, schema, producerLinkID, runID string) (Record, error) {
	digest, err := Digest(absPath)
	if err != nil {
		return Record{}, fmt.Errorf("artifact: digest %s: %w", artifactID, err)
	}
	record := Record{
		Path:           absPath,
		Digest:         digest,
		Schema:         schema,
		ProducerLinkID: producerLinkID,
		RunID:          runID,
		CreatedAt:      s.now().UTC(),
	}
	if s.mirror != nil {
		key := fmt.Sprintf("%s/%s/%s", producerLinkID, runID, filepath.Base(absPath))
		uri, err := s.mirror.Put(ctx, key, absPath)
		if err != nil {
			return Record{}, fmt.Errorf("artifact: mirror %s: %w", artifactID, err)
		}
		record.BlobURI = uri
	}
	s.mu.Lock()
	s.records[artifactID] = record
	s.mu.Unlock()
	return record, nil
}

// Get returns a registered artifact record.
func (s *Store) Get(artifactID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[artifactID]
	return record, ok
}

// List returns the registered artifact ids, sorted.
func (s *Store) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot copies the current record set for persistence.
func (s *Store) Snapshot() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for id, record := range s.records {
		out[id] = record
	}
	return out
}

// SaveManifest persists every record produced by the link into the link's
// output directory.
func (s *Store) SaveManifest(linkID string) error {
	s.mu.RLock()
	manifest := map[string]Record{}
	for id, record := range s.records {
		if record.ProducerLinkID == linkID {
			manifest[id] = record
		}
	}
	s.mu.RUnlock()

	dir, err := s.LinkDir(linkID)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encode manifest for %s: %w", linkID, err)
	}
	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return fmt.Errorf("artifact: write manifest for %s: %w", linkID, err)
	}
	return nil
}

// RehydrateFromLinkDir re-registers artifacts from the link's stored
// manifest. Records whose files no longer exist on disk are dropped.
// Returns the number of records restored.
func (s *Store) RehydrateFromLinkDir(linkID string) (int, error) {
	path := filepath.Join(s.artifactsDir, linkID, ManifestName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("artifact: read manifest for %s: %w", linkID, err)
	}
	var manifest map[string]Record
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return 0, fmt.Errorf("artifact: parse manifest for %s: %w", linkID, err)
	}
	count := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, record := range manifest {
		if _, err := os.Stat(record.Path); err != nil {
			continue
		}
		s.records[id] = record
		count++
	}
	return count, nil
}

// Digest streams the file through SHA-256 and returns the hex digest.
func Digest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// WriteIndex atomically rewrites the project artifact index.
func WriteIndex(projectRoot string, index map[string]Record) error {
	encoded, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encode index: %w", err)
	}
	target := filepath.Join(projectRoot, IndexName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("artifact: write index: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("artifact: replace index: %w", err)
	}
	return nil
}

// LoadIndex reads a previously persisted artifact index, returning an empty
// index when none exists.
func LoadIndex(projectRoot string) (map[string]Record, error) {
	raw, err := os.ReadFile(filepath.Join(projectRoot, IndexName))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("artifact: read index: %w", err)
	}
	index := map[string]Record{}
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("artifact: parse index: %w", err)
	}
	return index, nil
}
