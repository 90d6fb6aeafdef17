// internal/registry/interp.go
//
// Interpreted links. An out-of-tree link ships a run.go next to its
// contract declaring:
//
//	func Run(ctx map[string]any, cfg map[string]any) (map[string]any, error)
//
// The file is evaluated with yaegi at resolution time. The context map is
// plain data (paths and identifiers), so interpreted links never see engine
// internals; artifacts they produce are handed back by filename and
// registered by the engine.

package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/forgechain/forgechain/internal/link"
)

const runFuncName = "Run"

func loadInterpreted(path string) (link.RunFunc, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("interp: load stdlib: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("interp: evaluate %s: %w", path, err)
	}
	fnValue, err := i.Eval(runFuncName)
	if err != nil {
		return nil, fmt.Errorf("interp: %s must define %s(map[string]any, map[string]any) (map[string]any, error): %w", path, runFuncName, err)
	}
	if fnValue.Kind() != reflect.Func {
		return nil, fmt.Errorf("interp: %s in %s is not a function", runFuncName, path)
	}
	return func(ctx context.Context, rc *link.RunContext, cfg link.Config) (link.Result, error) {
		payload, callErr := invokeRun(fnValue, interpContext(rc), map[string]any(cfg))
		if callErr != nil {
			return link.Result{}, callErr
		}
		return interpretResult(ctx, rc, payload)
	}, nil
}

func interpContext(rc *link.RunContext) map[string]any {
	status := make(map[string]any, len(rc.StatusIndex))
	for id, st := range rc.StatusIndex {
		status[id] = st
	}
	return map[string]any{
		"project_id":   rc.ProjectID,
		"pipeline_id":  rc.PipelineID,
		"run_id":       rc.RunID,
		"link_id":      rc.LinkID(),
		"profile":      rc.Profile,
		"project_root": rc.ProjectRoot,
		"output_dir":   rc.Sandbox.OutputDir(),
		"status_index": status,
	}
}

func invokeRun(fn reflect.Value, ctx, cfg map[string]any) (map[string]any, error) {
	results := fn.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(cfg)})
	if len(results) != 2 {
		return nil, fmt.Errorf("interp: %s must return (map[string]any, error)", runFuncName)
	}
	if !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok {
			return nil, e
		}
		return nil, fmt.Errorf("interp: %s returned non-error second value", runFuncName)
	}
	if results[0].IsNil() {
		return map[string]any{}, nil
	}
	payload, ok := results[0].Interface().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("interp: %s must return map[string]any", runFuncName)
	}
	return payload, nil
}

// interpretResult converts the interpreted link's plain-data payload into a
// Result, registering any artifacts it reported by filename.
func interpretResult(ctx context.Context, rc *link.RunContext, payload map[string]any) (link.Result, error) {
	result := link.Result{Status: "SUCCEEDED"}
	if status, ok := payload["status"].(string); ok && status != "" {
		result.Status = strings.ToUpper(status)
	}
	if metrics, ok := payload["metrics"].(map[string]any); ok {
		result.Metrics = metrics
	}
	if errs, ok := payload["errors"].(map[string]any); ok {
		result.Errors = errs
	}
	if artifacts, ok := payload["artifacts"].(map[string]any); ok {
		for artifactID, v := range artifacts {
			filename, ok := v.(string)
			if !ok {
				return link.Result{}, fmt.Errorf("interp: artifact %s filename is not a string", artifactID)
			}
			absPath := filepath.Join(rc.Sandbox.OutputDir(), filepath.FromSlash(filename))
			if _, err := rc.Artifacts.Register(ctx, artifactID, absPath, "", rc.LinkID(), rc.RunID); err != nil {
				return link.Result{}, err
			}
		}
	}
	return result, nil
}
