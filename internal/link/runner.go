package link

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/ledger"
	"github.com/forgechain/forgechain/internal/policy"
	"github.com/forgechain/forgechain/internal/sandbox"
)

// Config is link-specific configuration, opaque to the engine.
type Config map[string]any

// Result is what a link reports back after running.
type Result struct {
	Status  string
	Metrics map[string]any
	Errors  map[string]any
}

// Succeeded builds a success result.
func Succeeded() Result { return Result{Status: string(ledger.StatusSucceeded)} }

// Failed builds a failure result with an error payload.
func Failed(errType, message string) Result {
	return Result{
		Status: string(ledger.StatusFailed),
		Errors: map[string]any{"type": errType, "message": message},
	}
}

// RunFunc executes a link. The context carries the wall-time deadline;
// cooperative links should watch ctx.Done().
type RunFunc func(ctx context.Context, rc *RunContext, cfg Config) (Result, error)

// RunContext is the execution surface handed to a running link.
type RunContext struct {
	ProjectID  string
	PipelineID string
	RunID      string
	WorkerID   string

	ProjectRoot string
	Profile     string

	Ledger    *ledger.Ledger
	Artifacts *artifact.Store
	Sandbox   *sandbox.Sandbox
	Policy    *policy.Policy

	// StatusIndex maps link id to its most recent terminal status within
	// this pipeline run.
	StatusIndex map[string]string

	// currentLinkID is stamped by the engine so published artifacts carry
	// the right producer; links cannot forge another link's identity.
	currentLinkID string
}

// HasArtifact reports whether an artifact id is currently registered.
func (rc *RunContext) HasArtifact(id string) bool {
	if rc.Artifacts == nil {
		return false
	}
	_, ok := rc.Artifacts.Get(id)
	return ok
}

// Publish writes v as JSON into the sandbox output directory and registers
// the resulting file under the artifact id.
func (rc *RunContext) Publish(ctx context.Context, artifactID, filename string, v any) (artifact.Record, error) {
	path, err := rc.Sandbox.WriteJSON(filename, v)
	if err != nil {
		return artifact.Record{}, err
	}
	return rc.register(ctx, artifactID, path)
}

// PublishText writes a text artifact and registers it.
func (rc *RunContext) PublishText(ctx context.Context, artifactID, filename, content string) (artifact.Record, error) {
	path, err := rc.Sandbox.WriteText(filename, content)
	if err != nil {
		return artifact.Record{}, err
	}
	return rc.register(ctx, artifactID, path)
}

// PublishFile copies an existing file into the sandbox and registers it.
func (rc *RunContext) PublishFile(ctx context.Context, artifactID, srcPath, filename string) (artifact.Record, error) {
	path, err := rc.Sandbox.CopyIn(srcPath, filename)
	if err != nil {
		return artifact.Record{}, err
	}
	return rc.register(ctx, artifactID, path)
}

func (rc *RunContext) register(ctx context.Context, artifactID, path string) (artifact.Record, error) {
	linkID := rc.currentLinkID
	return rc.Artifacts.Register(ctx, artifactID, path, "", linkID, rc.RunID)
}

// BindLink stamps the context with the executing link's id. The engine
// calls this once per link; links never should.
func (rc *RunContext) BindLink(linkID string) { rc.currentLinkID = linkID }

// LinkID returns the id of the link this context is bound to.
func (rc *RunContext) LinkID() string { return rc.currentLinkID }

// Table maps link ids to their Go implementations. Out-of-tree links are
// resolved through the yaegi loader instead.
type Table struct {
	mu      sync.RWMutex
	runners map[string]RunFunc
}

// NewTable returns an empty runner table.
func NewTable() *Table {
	return &Table{runners: map[string]RunFunc{}}
}

// Register installs a runner. Returns an error if the id already exists.
func (t *Table) Register(id string, fn RunFunc) error {
	if id == "" {
		return fmt.Errorf("link: id is required")
	}
	if fn == nil {
		return fmt.Errorf("link: runner is required for %s", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.runners[id]; exists {
		return fmt.Errorf("link: %s already registered", id)
	}
	t.runners[id] = fn
	return nil
}

// MustRegister panics if registration fails.
func (t *Table) MustRegister(id string, fn RunFunc) {
	if err := t.Register(id, fn); err != nil {
		panic(err)
	}
}

// Resolve looks up a runner by id.
func (t *Table) Resolve(id string) (RunFunc, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.runners[id]
	return fn, ok
}

// IDs returns a sorted list of registered link ids.
func (t *Table) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.runners))
	for id := range t.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
