package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/spacetelescope/blast/pkg/types"
)

func boolPtr(b bool) *bool { return &b }

func TestProjects_UnmarshalYAML(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		want    types.Projects
		wantErr bool
	}{
		{
			name: "keeps declaration order",
			yaml: `
zeta:
  requires: []
alpha:
  requires: [numpy]
  build_versions: ">=1.0"
  setuptools_inject: true
  version_latest: false
`,
			want: types.Projects{
				{Name: "zeta", Requires: []string{}},
				{Name: "alpha", Requires: []string{"numpy"}, BuildVersions: ">=1.0", SetuptoolsInject: true, VersionLatest: boolPtr(false)},
			},
		},
		{
			name: "null body is undeclared",
			yaml: "relic:\nhstcal:\n  requires: []\n",
			want: types.Projects{
				{Name: "relic", Undeclared: true},
				{Name: "hstcal", Requires: []string{}},
			},
		},
		{
			name:    "sequence is rejected",
			yaml:    "- relic\n- hstcal\n",
			wantErr: true,
		},
		{
			name:    "bad field type",
			yaml:    "relic:\n  requires: 3\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got types.Projects
			err := yaml.Unmarshal([]byte(tt.yaml), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("projects mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfig_MergeRules(t *testing.T) {
	cfg := &types.Config{
		Host:         "https://github.com/",
		Organization: "spacetelescope",
		Global: &types.GlobalSpec{
			Python:             []string{"2.7.15", "3.7.0"},
			Requires:           []string{"numpy", "cython"},
			VersionLatest:      true,
			VersionBadPatterns: []string{"v"},
		},
	}
	p := types.ProjectSpec{
		Name:               "drizzlepac",
		Requires:           []string{"astropy"},
		VersionBadPatterns: []string{"rc"},
	}

	if got := cfg.RepositoryURL(p); got != "https://github.com/spacetelescope/drizzlepac" {
		t.Errorf("unexpected repository URL %s", got)
	}
	if diff := cmp.Diff([]string{"numpy", "cython", "astropy"}, cfg.RequiresFor(p)); diff != "" {
		t.Errorf("requires mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"v", "rc"}, cfg.PatternsFor(p)); diff != "" {
		t.Errorf("patterns mismatch (-want +got):\n%s", diff)
	}

	if !cfg.LatestFor(p) {
		t.Error("project without its own value should inherit the global latest flag")
	}
	p.VersionLatest = boolPtr(false)
	if cfg.LatestFor(p) {
		t.Error("project value should win over the global latest flag")
	}

	// merging never aliases the global slices
	merged := cfg.RequiresFor(p)
	merged[0] = "changed"
	if cfg.Global.Requires[0] != "numpy" {
		t.Error("RequiresFor modified the global requirements")
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := &types.Config{}

	if diff := cmp.Diff(types.DefaultBuildCommands, cfg.Commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if cfg.Precedence() != types.LatestCompose {
		t.Errorf("expected compose precedence, got %s", cfg.Precedence())
	}
	if cfg.Interpreters() != nil {
		t.Error("expected no interpreters without a global section")
	}
	if cfg.LatestFor(types.ProjectSpec{}) {
		t.Error("latest-only should default to false")
	}

	cfg.BuildCommands = []string{"sdist"}
	cfg.LatestPrecedence = types.LatestOverride
	if diff := cmp.Diff([]string{"sdist"}, cfg.Commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	if cfg.Precedence() != types.LatestOverride {
		t.Errorf("expected override precedence, got %s", cfg.Precedence())
	}
}

func TestProjects_Lookup(t *testing.T) {
	ps := types.Projects{{Name: "relic"}, {Name: "hstcal", BuildVersions: " "}}

	if diff := cmp.Diff([]string{"relic", "hstcal"}, ps.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	p, ok := ps.Find("hstcal")
	if !ok || p.Name != "hstcal" {
		t.Fatalf("expected to find hstcal, got %+v", p)
	}
	if p.HasConstraint() {
		t.Error("a blank expression is not a constraint")
	}
	if _, ok := ps.Find("missing"); ok {
		t.Error("unexpected match for missing project")
	}
}

func TestRunSummary_Counts(t *testing.T) {
	cell := func(tag string) types.Cell { return types.Cell{Project: "relic", Python: "3.7.0", Tag: tag} }
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	s := &types.RunSummary{
		Started:  start,
		Finished: start.Add(90 * time.Second),
		Attempts: []types.BuildAttempt{
			{Cell: cell("1.0"), Command: "sdist", Outcome: types.OutcomeSuccess},
			{Cell: cell("1.0"), Command: "bdist_egg", Outcome: types.OutcomeFailed},
			{Cell: cell("1.1"), Command: "sdist", Outcome: types.OutcomeSuccess},
		},
		Failures: []types.ProjectFailure{
			{Project: "absent", Stage: types.StageClone, Skipped: true},
			{Project: "hstcal", Python: "2.7.15", Stage: types.StageProvision},
		},
	}

	if s.Cells() != 2 {
		t.Errorf("expected 2 cells, got %d", s.Cells())
	}
	if s.Succeeded() != 2 || s.Failed() != 1 {
		t.Errorf("expected 2 succeeded and 1 failed, got %d and %d", s.Succeeded(), s.Failed())
	}
	if got := s.SkippedProjects(); len(got) != 1 || got[0].Project != "absent" {
		t.Errorf("unexpected skipped projects %+v", got)
	}
	if got := s.FailedProjects(); len(got) != 1 || got[0].Project != "hstcal" {
		t.Errorf("unexpected failed projects %+v", got)
	}
	if s.Duration() != 90*time.Second {
		t.Errorf("expected 90s, got %s", s.Duration())
	}
	if got := cell("1.0").String(); got != "relic::1.0 (python 3.7.0)" {
		t.Errorf("unexpected cell rendering %q", got)
	}
}

func TestRunSummary_JSON(t *testing.T) {
	s := types.RunSummary{
		RunID:  "run-1",
		Status: types.RunCompleted,
		Attempts: []types.BuildAttempt{{
			Cell:      types.Cell{Project: "relic", Python: "3.7.0", Tag: "1.0"},
			Command:   "sdist",
			Outcome:   types.OutcomeSuccess,
			Artifacts: []string{"relic-1.0.tar.gz"},
		}},
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	attempt := fields["attempts"].([]interface{})[0].(map[string]interface{})
	for _, key := range []string{"project", "python", "tag", "command", "outcome", "artifacts"} {
		if _, ok := attempt[key]; !ok {
			t.Errorf("attempt JSON is missing %q: %s", key, data)
		}
	}
	if _, ok := fields["failures"]; ok {
		t.Error("empty failures should be omitted")
	}
}

func TestLogLevel_Valid(t *testing.T) {
	for _, l := range []types.LogLevel{types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError} {
		if !l.Valid() {
			t.Errorf("%s should be valid", l)
		}
	}
	if types.LogLevel("trace").Valid() {
		t.Error("trace is not a supported level")
	}
}
