// cmd/forgechain/main.go
//
// Entry point for the forgechain CLI. Subcommands cover the pipeline
// lifecycle: run a pipeline against a project, lint and visualize pipeline
// definitions, weave one from a link set, inspect run summaries, manage
// lockfiles, prune old run state, and open the operator console.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/forgechain/forgechain/internal/artifact"
	"github.com/forgechain/forgechain/internal/console"
	"github.com/forgechain/forgechain/internal/lockfile"
	"github.com/forgechain/forgechain/internal/orchestrator"
	"github.com/forgechain/forgechain/internal/pipeline"
	"github.com/forgechain/forgechain/internal/policy"
	"github.com/forgechain/forgechain/internal/registry"
	"github.com/forgechain/forgechain/internal/retention"
)

const usage = `forgechain - pipeline orchestrator

Usage:
  forgechain run      --project <id> --pipeline <file> [--profile <name>]
  forgechain lint     --pipeline <file>
  forgechain graph    --pipeline <file>
  forgechain weave    --links <id,id,...> [--out <file>]
  forgechain links
  forgechain summary  --project <id>
  forgechain console
  forgechain lockfile <generate|verify> --project <id>
  forgechain lockfile compare <file1> <file2>
  forgechain prune    [--project <id> | --all] [--apply]

Environment (also read from .env):
  FORGECHAIN_LINKS_DIR     links directory (default: links)
  FORGECHAIN_PROJECTS_DIR  projects directory (default: projects)
  FORGECHAIN_POLICY        policy file (default: runtime_policy.yaml)
  FORGECHAIN_PROFILE       isolation profile (default: policy default)
  FORGECHAIN_S3_ENDPOINT   optional artifact mirror endpoint
`

func main() {
	// .env is optional; explicit environment always wins.
	godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "run":
		cmdRun(args)
	case "lint":
		cmdLint(args)
	case "graph":
		cmdGraph(args)
	case "weave":
		cmdWeave(args)
	case "links":
		cmdLinks(args)
	case "summary":
		cmdSummary(args)
	case "console":
		cmdConsole(args)
	case "lockfile":
		cmdLockfile(args)
	case "prune":
		cmdPrune(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		die("unknown command %q\n\n%s", command, usage)
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func linksDir() string    { return envOr("FORGECHAIN_LINKS_DIR", "links") }
func projectsDir() string { return envOr("FORGECHAIN_PROJECTS_DIR", "projects") }
func policyPath() string  { return envOr("FORGECHAIN_POLICY", "runtime_policy.yaml") }

func loadPolicy() *policy.Policy {
	pol, err := policy.Load(policyPath())
	if err != nil {
		die("load policy: %v", err)
	}
	return pol
}

func loadRegistry() *registry.Registry {
	reg, err := registry.Discover(linksDir(), nil)
	if err != nil {
		die("discover links: %v", err)
	}
	return reg
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	project := fs.String("project", "", "project id")
	pipelinePath := fs.String("pipeline", "", "pipeline definition file")
	profile := fs.String("profile", os.Getenv("FORGECHAIN_PROFILE"), "isolation profile")
	fs.Parse(args)

	if *project == "" || *pipelinePath == "" {
		die("run: --project and --pipeline are required")
	}

	pol := loadPolicy()
	reg := loadRegistry()

	opts := []orchestrator.Option{orchestrator.WithProfile(*profile)}
	if endpoint := os.Getenv("FORGECHAIN_S3_ENDPOINT"); endpoint != "" {
		mirror, err := artifact.NewS3Mirror(context.Background(), artifact.S3Config{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("FORGECHAIN_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("FORGECHAIN_S3_SECRET_KEY"),
			Bucket:    os.Getenv("FORGECHAIN_S3_BUCKET"),
			Prefix:    os.Getenv("FORGECHAIN_S3_PREFIX"),
			UseSSL:    os.Getenv("FORGECHAIN_S3_USE_SSL") == "true",
		})
		if err != nil {
			die("connect artifact mirror: %v", err)
		}
		opts = append(opts, orchestrator.WithMirror(mirror))
	}

	orch, err := orchestrator.New(reg, projectsDir(), pol, opts...)
	if err != nil {
		die("%v", err)
	}

	report, err := orch.RunPipeline(context.Background(), *project, *pipelinePath)
	if report != nil {
		printReport(report)
	}
	if err != nil {
		die("run failed: %v", err)
	}
}

func printReport(report *orchestrator.Report) {
	fmt.Printf("Run %s · pipeline %s · project %s\n", report.RunID, report.PipelineID, report.ProjectID)
	for linkID, status := range report.StatusIndex {
		timing := report.LinkDurations[linkID]
		line := fmt.Sprintf("  %-32s %s", linkID, status)
		if timing.Reason != "" {
			line += " (" + timing.Reason + ")"
		} else if timing.DurationMS > 0 {
			line += fmt.Sprintf(" (%dms)", timing.DurationMS)
		}
		fmt.Println(line)
	}
	for _, v := range report.BudgetViolations {
		fmt.Printf("  budget violation: %s: %s\n", v.LinkID, v.Message)
	}
	if report.Failed {
		fmt.Printf("FAILED at %s: %s\n", report.FailureLink, report.FailureError)
	} else {
		fmt.Println("SUCCEEDED")
	}
}

func cmdLint(args []string) {
	fs := flag.NewFlagSet("lint", flag.ExitOnError)
	pipelinePath := fs.String("pipeline", "", "pipeline definition file")
	fs.Parse(args)
	if *pipelinePath == "" {
		die("lint: --pipeline is required")
	}

	spec, err := pipeline.Load(*pipelinePath)
	if err != nil {
		die("%v", err)
	}
	problems := pipeline.Lint(spec, loadRegistry())
	if len(problems) == 0 {
		fmt.Println("pipeline OK")
		return
	}
	for _, problem := range problems {
		fmt.Println("  " + problem)
	}
	os.Exit(1)
}

func cmdGraph(args []string) {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	pipelinePath := fs.String("pipeline", "", "pipeline definition file")
	fs.Parse(args)
	if *pipelinePath == "" {
		die("graph: --pipeline is required")
	}

	spec, err := pipeline.Load(*pipelinePath)
	if err != nil {
		die("%v", err)
	}
	fmt.Print(pipeline.Graph(spec, loadRegistry()))
}

func cmdWeave(args []string) {
	fs := flag.NewFlagSet("weave", flag.ExitOnError)
	links := fs.String("links", "", "comma-separated link ids")
	out := fs.String("out", "", "write the woven pipeline to this file")
	fs.Parse(args)
	if *links == "" {
		die("weave: --links is required")
	}

	var ids []string
	for _, id := range strings.Split(*links, ",") {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	spec, err := pipeline.Weave(loadRegistry(), ids)
	if err != nil {
		die("%v", err)
	}
	if *out != "" {
		if err := pipeline.Save(spec, *out); err != nil {
			die("%v", err)
		}
		fmt.Printf("woven pipeline written to %s\n", *out)
		return
	}
	for _, entry := range spec.Links {
		fmt.Println(entry.ID)
	}
}

func cmdLinks(args []string) {
	reg := loadRegistry()
	for _, id := range reg.IDs() {
		entry, _ := reg.Get(id)
		fmt.Printf("%-32s %s\n", id, entry.Contract.Description)
	}
	if reg.Len() == 0 {
		fmt.Printf("no links found under %s\n", linksDir())
	}
}

func cmdSummary(args []string) {
	fs := flag.NewFlagSet("summary", flag.ExitOnError)
	project := fs.String("project", "", "project id")
	fs.Parse(args)
	if *project == "" {
		die("summary: --project is required")
	}

	path := filepath.Join(projectsDir(), *project, "artifacts", "package.metrics", "run_summary.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		die("no run summary for project %s", *project)
	}
	os.Stdout.Write(raw)
	fmt.Println()
}

func cmdConsole(args []string) {
	if err := console.Run(projectsDir()); err != nil {
		die("console: %v", err)
	}
}

func cmdLockfile(args []string) {
	if len(args) < 1 {
		die("lockfile: expected generate, verify, or compare")
	}
	sub := args[0]

	if sub == "compare" {
		if len(args) != 3 {
			die("lockfile compare: expected two lockfile paths")
		}
		result, err := lockfile.Compare(args[1], args[2])
		if err != nil {
			die("%v", err)
		}
		if result.Identical {
			fmt.Println("lockfiles are identical")
			return
		}
		fmt.Printf("lockfiles differ in %d places\n", len(result.Differences))
		for _, d := range result.Differences {
			fmt.Println("  - " + d.Key)
		}
		os.Exit(1)
	}

	fs := flag.NewFlagSet("lockfile "+sub, flag.ExitOnError)
	project := fs.String("project", "", "project id")
	fs.Parse(args[1:])
	if *project == "" {
		die("lockfile %s: --project is required", sub)
	}

	gen := lockfile.NewGenerator(projectsDir(), linksDir(), loadPolicy())
	switch sub {
	case "generate":
		path, err := gen.Save(*project)
		if err != nil {
			die("%v", err)
		}
		fmt.Printf("lockfile written to %s\n", path)
	case "verify":
		result, err := gen.Verify(*project)
		if err != nil {
			die("%v", err)
		}
		if result.Verified {
			fmt.Println("lockfile verification PASSED")
			return
		}
		fmt.Printf("lockfile verification FAILED (%d mismatches)\n", len(result.Mismatches))
		for _, m := range result.Mismatches {
			fmt.Printf("  - %s.%s\n      expected: %s\n      actual:   %s\n", m.Component, m.Field, m.Expected, m.Actual)
		}
		os.Exit(1)
	default:
		die("lockfile: unknown subcommand %q", sub)
	}
}

func cmdPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	project := fs.String("project", "", "project id")
	all := fs.Bool("all", false, "prune every project")
	apply := fs.Bool("apply", false, "actually delete (default is a dry run)")
	asJSON := fs.Bool("json", false, "print the full report as JSON")
	fs.Parse(args)

	if *project == "" && !*all {
		die("prune: --project or --all is required")
	}

	pruner := retention.NewPruner(projectsDir(), loadPolicy())
	var reports []*retention.Report
	if *all {
		reports = pruner.PruneAll(!*apply)
	} else {
		reports = []*retention.Report{pruner.PruneProject(*project, !*apply)}
	}

	if *asJSON {
		encoded, err := json.MarshalIndent(reports, "", "  ")
		if err != nil {
			die("encode report: %v", err)
		}
		os.Stdout.Write(encoded)
		fmt.Println()
		return
	}

	var totalFreed int64
	for _, report := range reports {
		fmt.Printf("Project %s: preserved=%d deleted=%d errors=%d freed=%.2fMB\n",
			report.ProjectID, len(report.Preserved), len(report.Deleted), len(report.Errors),
			float64(report.SpaceFreedBytes)/(1024*1024))
		for _, item := range report.Errors {
			fmt.Printf("  error: %s: %s\n", item.ID, item.Reason)
		}
		totalFreed += report.SpaceFreedBytes
	}
	verb := "would be freed"
	if *apply {
		verb = "freed"
	}
	fmt.Printf("Total space %s: %.2fMB\n", verb, float64(totalFreed)/(1024*1024))
}
