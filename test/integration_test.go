//go:build integration

package integration_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/spacetelescope/blast/internal/engine"
	"github.com/spacetelescope/blast/pkg/builders"
	"github.com/spacetelescope/blast/pkg/config"
	"github.com/spacetelescope/blast/pkg/interfaces"
	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/process"
	"github.com/spacetelescope/blast/pkg/pyenv"
	"github.com/spacetelescope/blast/pkg/state"
	"github.com/spacetelescope/blast/pkg/types"
)

// packageScript stands in for "python setup.py <command> -d <dir>": it
// writes one artifact named after the checked-out VERSION file, and fails
// bdist_egg the way a missing setuptools plugin does.
const packageScript = `
if [ "$1" = bdist_egg ]; then
	echo "error: invalid command 'bdist_egg'" >&2
	exit 1
fi
mkdir -p "$2"
echo "$1" > "$2/pkg-$(cat VERSION)-$1.tar.gz"
`

// shellEnv is an interpreter environment backed by /bin/sh instead of pyenv
type shellEnv struct {
	runner process.Runner
}

func (e *shellEnv) Create(context.Context) error { return nil }

func (e *shellEnv) Activate(context.Context) (pyenv.Overlay, error) {
	return pyenv.Overlay{"PATH": os.Getenv("PATH")}, nil
}

func (e *shellEnv) UpgradeInstaller(context.Context, pyenv.Overlay) error { return nil }

func (e *shellEnv) Install(context.Context, pyenv.Overlay, ...string) error { return nil }

// Run maps [python setup.py <command> -d <dir>] onto packageScript
func (e *shellEnv) Run(ctx context.Context, overlay pyenv.Overlay, opts pyenv.RunOptions, args ...string) (*process.Result, error) {
	return e.runner.Run(ctx, process.Command{
		Name:    "sh",
		Args:    []string{"-c", packageScript, "sh", args[2], args[4]},
		Dir:     opts.Dir,
		Env:     overlay,
		Capture: opts.Capture,
		Stdout:  opts.Stdout,
		Stderr:  opts.Stderr,
		Check:   opts.Check,
	})
}

type fixture struct {
	t        *testing.T
	upstream string
	workDir  string
	output   string
	config   *types.Config
}

func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s is not installed", tool)
		}
	}
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

// release commits VERSION=version upstream and tags it
func (f *fixture) release(version, tag string) {
	f.t.Helper()
	repo := filepath.Join(f.upstream, "spacetelescope", "pkg")
	if err := os.WriteFile(filepath.Join(repo, "VERSION"), []byte(version), 0644); err != nil {
		f.t.Fatalf("failed to write VERSION: %v", err)
	}
	git(f.t, repo, "add", "VERSION")
	git(f.t, repo, "commit", "-q", "-m", "release "+version)
	git(f.t, repo, "tag", tag)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	requireTools(t, "git", "sh")

	t.Setenv("GIT_AUTHOR_NAME", "blast")
	t.Setenv("GIT_AUTHOR_EMAIL", "blast@example.com")
	t.Setenv("GIT_COMMITTER_NAME", "blast")
	t.Setenv("GIT_COMMITTER_EMAIL", "blast@example.com")
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")

	upstream := t.TempDir()
	repo := filepath.Join(upstream, "spacetelescope", "pkg")
	if err := os.MkdirAll(repo, 0755); err != nil {
		t.Fatalf("failed to create upstream: %v", err)
	}
	git(t, repo, "init", "-q")
	git(t, repo, "symbolic-ref", "HEAD", "refs/heads/main")

	work := t.TempDir()
	f := &fixture{
		t:        t,
		upstream: upstream,
		workDir:  work,
		output:   filepath.Join(work, "upload"),
	}
	f.release("1.0.0", "1.0.0")
	f.release("2.0.0", "v2.0.0")
	f.release("2.1.0", "2.1.0")

	cfg, err := config.Parse([]byte(`
host: file://` + upstream + `
organization: spacetelescope
global:
  python: ["3.7.0"]
  version_bad_patterns: ["v"]
projects:
  pkg:
    requires: []
    build_versions: ">=2.0"
`))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	cfg.Output = f.output
	f.config = cfg
	return f
}

func (f *fixture) matrix() *engine.Matrix {
	log := logger.Discard()
	narrator := logger.NewNarratorWithOutput(&strings.Builder{})

	factory := engine.NewDependencyFactory(f.workDir, log, f.config, narrator)
	deps := factory.CreateWithOverrides(interfaces.Dependencies{
		Environments: func(version, name string) interfaces.Environment {
			return &shellEnv{runner: process.NewExecRunner()}
		},
		Executor: builders.NewExecutor(f.config.Commands(), f.output, filepath.Join(f.workDir, engine.LogDirName), log, narrator),
	})
	return engine.New(f.config, f.workDir, log, narrator, deps)
}

func (f *fixture) artifacts() []string {
	f.t.Helper()
	entries, err := os.ReadDir(f.output)
	if err != nil {
		f.t.Fatalf("failed to read output: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestEndToEndRun(t *testing.T) {
	f := newFixture(t)

	summary, err := f.matrix().Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []string{
		"pkg-2.0.0-bdist_wheel.tar.gz",
		"pkg-2.0.0-sdist.tar.gz",
		"pkg-2.1.0-bdist_wheel.tar.gz",
		"pkg-2.1.0-sdist.tar.gz",
	}
	if diff := cmp.Diff(want, f.artifacts()); diff != "" {
		t.Errorf("artifacts mismatch (-want +got):\n%s", diff)
	}

	if summary.Status != types.RunCompleted {
		t.Errorf("expected completed run, got %s", summary.Status)
	}
	if summary.Cells() != 2 || summary.Succeeded() != 4 || summary.Failed() != 2 {
		t.Errorf("unexpected totals: cells=%d succeeded=%d failed=%d",
			summary.Cells(), summary.Succeeded(), summary.Failed())
	}
	for _, a := range summary.Attempts {
		if a.Command == "bdist_egg" && !strings.Contains(a.Stderr, "invalid command") {
			t.Errorf("expected captured stderr for %s, got %q", a.Cell, a.Stderr)
		}
	}

	logData, err := os.ReadFile(filepath.Join(f.workDir, engine.LogDirName, "pkg.log"))
	if err != nil {
		t.Fatalf("expected a build log: %v", err)
	}
	if !strings.Contains(string(logData), "invalid command 'bdist_egg'") {
		t.Error("build log should contain the subcommand output")
	}
}

func TestStatePersistence(t *testing.T) {
	f := newFixture(t)

	summary, err := f.matrix().Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	report, err := state.NewStateManager(f.workDir, nil).Latest()
	if err != nil {
		t.Fatalf("failed to read report: %v", err)
	}
	if report.RunID != summary.RunID {
		t.Errorf("expected report for %s, got %s", summary.RunID, report.RunID)
	}
	if len(report.Attempts) != len(summary.Attempts) {
		t.Errorf("expected %d attempts, got %d", len(summary.Attempts), len(report.Attempts))
	}
	if report.ProcessID != 0 {
		t.Error("finished reports should not hold the lock")
	}
}

func TestLatestOnly(t *testing.T) {
	f := newFixture(t)
	latest := true
	f.config.Projects[0].VersionLatest = &latest

	if _, err := f.matrix().Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	want := []string{"pkg-2.1.0-bdist_wheel.tar.gz", "pkg-2.1.0-sdist.tar.gz"}
	if diff := cmp.Diff(want, f.artifacts()); diff != "" {
		t.Errorf("artifacts mismatch (-want +got):\n%s", diff)
	}
}

func TestLatestOnlyFollowsNewReleases(t *testing.T) {
	f := newFixture(t)
	latest := true
	f.config.Projects[0].VersionLatest = &latest

	if _, err := f.matrix().Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	f.release("3.0.0", "3.0.0")

	summary, err := f.matrix().Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var tags []string
	for _, a := range summary.Attempts {
		if a.Command == "sdist" {
			tags = append(tags, a.Cell.Tag)
		}
	}
	if diff := cmp.Diff([]string{"3.0.0"}, tags); diff != "" {
		t.Errorf("second run built the wrong tag (-want +got):\n%s", diff)
	}

	want := []string{
		"pkg-2.1.0-bdist_wheel.tar.gz",
		"pkg-2.1.0-sdist.tar.gz",
		"pkg-3.0.0-bdist_wheel.tar.gz",
		"pkg-3.0.0-sdist.tar.gz",
	}
	if diff := cmp.Diff(want, f.artifacts()); diff != "" {
		t.Errorf("artifacts mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanPicksUpNewTags(t *testing.T) {
	f := newFixture(t)
	m := f.matrix()

	plans, err := m.Plan(context.Background())
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if diff := cmp.Diff([]string{"2.1.0", "v2.0.0"}, plans[0].Selected); diff != "" {
		t.Errorf("selection mismatch (-want +got):\n%s", diff)
	}

	f.release("3.0.0", "3.0.0")

	plans, err = m.Plan(context.Background())
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if diff := cmp.Diff([]string{"2.1.0", "3.0.0", "v2.0.0"}, plans[0].Selected); diff != "" {
		t.Errorf("selection after new release mismatch (-want +got):\n%s", diff)
	}
}

func TestMissingUpstreamIsolated(t *testing.T) {
	f := newFixture(t)
	f.config.Projects = append(types.Projects{{Name: "absent"}}, f.config.Projects...)

	summary, err := f.matrix().Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(summary.Failures) != 1 || summary.Failures[0].Project != "absent" || summary.Failures[0].Stage != types.StageClone {
		t.Errorf("expected a clone failure for absent, got %+v", summary.Failures)
	}
	if summary.Cells() != 2 {
		t.Errorf("the remaining project should still build, got %d cells", summary.Cells())
	}
}
