// internal/sandbox/sandbox.go
//
// Write confinement for link execution. Links run in-process against the
// real project tree, so confinement is enforced by observation: a snapshot
// of the tree is taken before the link runs, another after, and every
// created or modified path must fall under an allowed prefix. Paths the
// engine itself owns are ignored by the diff.

package sandbox

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileState captures the cheap identity of a file for diffing.
type FileState struct {
	Size    int64
	ModTime time.Time
}

// Snapshot maps slash-separated relative paths to their observed state.
type Snapshot map[string]FileState

// Take walks the project tree and records every regular file. Unreadable
// entries are skipped rather than failing the walk.
func Take(root string) (Snapshot, error) {
	snap := Snapshot{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		snap[filepath.ToSlash(rel)] = FileState{Size: info.Size(), ModTime: info.ModTime()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox: snapshot %s: %w", root, err)
	}
	return snap, nil
}

// Diff returns the relative paths created or modified between two
// snapshots, sorted. Deletions are not reported; removing a file the link
// does not own is caught by artifact validation instead.
func Diff(before, after Snapshot) []string {
	var changed []string
	for rel, state := range after {
		prev, ok := before[rel]
		if !ok || prev.Size != state.Size || !prev.ModTime.Equal(state.ModTime) {
			changed = append(changed, rel)
		}
	}
	sort.Strings(changed)
	return changed
}

// AllowList decides whether a changed path is a permitted write for one
// link under one profile.
type AllowList struct {
	prefixes []string
}

// NewAllowList builds the permitted write prefixes for a link. src/ is
// allowed only when the caller has already resolved both the profile
// ceiling and the security whitelist in the link's favor.
func NewAllowList(linkID string, srcWritable bool) *AllowList {
	prefixes := []string{
		"artifacts/" + linkID + "/",
		"ledger/",
		"runs/",
		"healing/",
		"inputs/",
	}
	if srcWritable {
		prefixes = append(prefixes, "src/")
	}
	return &AllowList{prefixes: prefixes}
}

// Allowed reports whether the relative path falls under a permitted prefix.
func (a *AllowList) Allowed(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, prefix := range a.prefixes {
		if strings.HasPrefix(rel, prefix) {
			return true
		}
	}
	return false
}

// engineOwned reports whether the engine itself writes this path; such
// paths never count against a link.
func engineOwned(rel string) bool {
	rel = filepath.ToSlash(rel)
	switch {
	case rel == "artifact_index.json", rel == "project_index.json", rel == "pipeline.yaml":
		return true
	case rel == ".lock" || strings.HasSuffix(rel, "/.lock"):
		return true
	case strings.HasPrefix(rel, "runs/"), strings.HasPrefix(rel, "ledger/"), strings.HasPrefix(rel, "shadow/"):
		return true
	case strings.HasSuffix(rel, ".forgechain_artifacts.json"):
		return true
	case strings.HasPrefix(rel, "artifacts/package.metrics/"):
		return true
	}
	return false
}

// Violations filters the changed paths down to those that are neither
// engine-owned nor covered by the allow list. The result is sorted so the
// leaked paths recorded in the ledger are stable across callers.
func Violations(changed []string, allow *AllowList) []string {
	var out []string
	for _, rel := range changed {
		if engineOwned(rel) {
			continue
		}
		if allow.Allowed(rel) {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// Sandbox is the writable surface handed to a running link. All helper
// writes land inside the link's own output directory.
type Sandbox struct {
	projectRoot string
	outputDir   string
	shadow      bool
}

// New roots a sandbox at the link's artifact directory.
func New(projectRoot, linkID string) (*Sandbox, error) {
	dir := filepath.Join(projectRoot, "artifacts", linkID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: ensure output dir: %w", err)
	}
	return &Sandbox{projectRoot: projectRoot, outputDir: dir}, nil
}

// NewShadow roots a sandbox in the parallel shadow tree so a candidate
// link can run without touching the live artifact directory.
func NewShadow(projectRoot, linkID string) (*Sandbox, error) {
	dir := filepath.Join(projectRoot, "shadow", linkID, "artifacts", linkID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: ensure shadow dir: %w", err)
	}
	return &Sandbox{projectRoot: projectRoot, outputDir: dir, shadow: true}, nil
}

// ProjectRoot returns the project root the sandbox observes.
func (s *Sandbox) ProjectRoot() string { return s.projectRoot }

// OutputDir returns the directory the link may write into.
func (s *Sandbox) OutputDir() string { return s.outputDir }

// IsShadow reports whether writes land in the shadow tree.
func (s *Sandbox) IsShadow() bool { return s.shadow }

// WriteJSON marshals v with indentation into the output directory and
// returns the absolute path written.
func (s *Sandbox) WriteJSON(name string, v any) (string, error) {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("sandbox: encode %s: %w", name, err)
	}
	return s.WriteBytes(name, encoded)
}

// WriteText writes a text artifact into the output directory.
func (s *Sandbox) WriteText(name, content string) (string, error) {
	return s.WriteBytes(name, []byte(content))
}

// WriteBytes writes raw bytes into the output directory. Subdirectories in
// name are created; attempts to escape the output directory are rejected.
func (s *Sandbox) WriteBytes(name string, data []byte) (string, error) {
	path, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("sandbox: ensure parent for %s: %w", name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("sandbox: write %s: %w", name, err)
	}
	return path, nil
}

// CopyIn copies an external file into the output directory.
func (s *Sandbox) CopyIn(srcPath, name string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("sandbox: open source %s: %w", srcPath, err)
	}
	defer src.Close()

	path, err := s.resolve(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("sandbox: ensure parent for %s: %w", name, err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("sandbox: create %s: %w", name, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("sandbox: copy %s: %w", name, err)
	}
	return path, nil
}

func (s *Sandbox) resolve(name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("sandbox: path %q escapes output dir", name)
	}
	return filepath.Join(s.outputDir, cleaned), nil
}
