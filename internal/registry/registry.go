// Package registry discovers link directories on disk and resolves each
// link id to a runnable implementation: compiled-in runners first, then
// interpreted run.go files for out-of-tree links.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/forgechain/forgechain/internal/link"
)

// Entry is one discovered link: its contract plus where it lives.
type Entry struct {
	ID       string
	Dir      string
	Contract *link.Contract

	mu     sync.Mutex
	runner link.RunFunc
	table  *link.Table
}

// Registry holds every discovered link, keyed by id.
type Registry struct {
	linksDir string
	table    *link.Table
	entries  map[string]*Entry
}

// Discover scans linksDir for subdirectories carrying a contract file.
// Directories without one are skipped silently; a malformed contract fails
// discovery so a broken link cannot hide until run time.
func Discover(linksDir string, table *link.Table) (*Registry, error) {
	if table == nil {
		table = link.DefaultTable()
	}
	reg := &Registry{linksDir: linksDir, table: table, entries: map[string]*Entry{}}

	dirEntries, err := os.ReadDir(linksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("registry: read links dir: %w", err)
	}
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		dir := filepath.Join(linksDir, dirEntry.Name())
		contractPath := filepath.Join(dir, link.ContractFileName)
		if _, err := os.Stat(contractPath); err != nil {
			continue
		}
		contract, err := link.LoadContract(contractPath)
		if err != nil {
			return nil, fmt.Errorf("registry: %s: %w", dirEntry.Name(), err)
		}
		if contract.ID != dirEntry.Name() {
			return nil, fmt.Errorf("registry: contract id %q does not match directory %q", contract.ID, dirEntry.Name())
		}
		if _, dup := reg.entries[contract.ID]; dup {
			return nil, fmt.Errorf("registry: duplicate link id %s", contract.ID)
		}
		reg.entries[contract.ID] = &Entry{
			ID:       contract.ID,
			Dir:      dir,
			Contract: contract,
			table:    table,
		}
	}
	return reg, nil
}

// Get returns the entry for a link id.
func (r *Registry) Get(id string) (*Entry, bool) {
	entry, ok := r.entries[id]
	return entry, ok
}

// IDs returns the discovered link ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of discovered links.
func (r *Registry) Len() int { return len(r.entries) }

// Runner resolves the link's implementation. Compiled-in runners win; a
// run.go in the link directory is interpreted otherwise. The resolution is
// cached on the entry.
func (e *Entry) Runner() (link.RunFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner != nil {
		return e.runner, nil
	}
	if fn, ok := e.table.Resolve(e.ID); ok {
		e.runner = fn
		return fn, nil
	}
	scriptPath := filepath.Join(e.Dir, "run.go")
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("registry: link %s has no compiled runner and no run.go", e.ID)
	}
	fn, err := loadInterpreted(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("registry: link %s: %w", e.ID, err)
	}
	e.runner = fn
	return fn, nil
}
