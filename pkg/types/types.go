// Package types provides the core data model for blast
package types

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Valid reports whether l is one of the known levels
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// Outcome is the classified result of one packaging subcommand
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// LatestPrecedence decides how "track latest only" interacts with a
// per-project constraint expression.
type LatestPrecedence string

const (
	// LatestCompose filters the nearest tag through the constraint like any other tag.
	LatestCompose LatestPrecedence = "compose"
	// LatestOverride builds the nearest tag even when the constraint rejects it.
	LatestOverride LatestPrecedence = "override"
)

// Default values applied when a key is absent from the configuration
const (
	DefaultOutputDir = "upload"
	DefaultParallel  = 1
)

// DefaultBuildCommands is the packaging sequence run for every build cell.
// Order matters: later commands run even if earlier ones failed.
var DefaultBuildCommands = []string{"sdist", "bdist_egg", "bdist_wheel"}

// GlobalSpec holds settings shared by every project
type GlobalSpec struct {
	Python             []string `json:"python" yaml:"python"`
	Requires           []string `json:"requires,omitempty" yaml:"requires,omitempty"`
	VersionLatest      bool     `json:"version_latest,omitempty" yaml:"version_latest,omitempty"`
	VersionBadPatterns []string `json:"version_bad_patterns,omitempty" yaml:"version_bad_patterns,omitempty"`
}

// ProjectSpec describes one source repository in the matrix
type ProjectSpec struct {
	Name               string   `json:"name" yaml:"-"`
	Requires           []string `json:"requires" yaml:"requires"`
	BuildVersions      string   `json:"build_versions,omitempty" yaml:"build_versions,omitempty"`
	VersionBadPatterns []string `json:"version_bad_patterns,omitempty" yaml:"version_bad_patterns,omitempty"`
	SetuptoolsInject   bool     `json:"setuptools_inject,omitempty" yaml:"setuptools_inject,omitempty"`
	VersionLatest      *bool    `json:"version_latest,omitempty" yaml:"version_latest,omitempty"`

	// Undeclared is set when the project key exists but carries no body at all.
	Undeclared bool `json:"-" yaml:"-"`
}

// HasConstraint reports whether the project filters tags
func (p ProjectSpec) HasConstraint() bool {
	return strings.TrimSpace(p.BuildVersions) != ""
}

// Projects is the ordered list of declared projects. In configuration files
// it is written as a mapping of project name to settings; declaration order is kept.
type Projects []ProjectSpec

// UnmarshalYAML decodes the projects mapping while preserving key order
func (ps *Projects) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: projects must be a mapping of name to settings", node.Line)
	}

	out := make(Projects, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		p := ProjectSpec{Name: key.Value}
		if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
			p.Undeclared = true
		} else if err := value.Decode(&p); err != nil {
			return fmt.Errorf("project %q: %w", key.Value, err)
		}
		p.Name = key.Value
		out = append(out, p)
	}

	*ps = out
	return nil
}

// Names returns the project names in declaration order
func (ps Projects) Names() []string {
	names := make([]string, 0, len(ps))
	for _, p := range ps {
		names = append(names, p.Name)
	}
	return names
}

// Find looks up a project by name
func (ps Projects) Find(name string) (ProjectSpec, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return ProjectSpec{}, false
}

// UpstreamConfig points the upstream checker at a package index
type UpstreamConfig struct {
	Server     string `json:"server,omitempty" yaml:"server,omitempty"`
	Repository string `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// Config is the full declarative configuration of a matrix run
type Config struct {
	Host         string      `json:"host" yaml:"host"`
	Organization string      `json:"organization" yaml:"organization"`
	Global       *GlobalSpec `json:"global" yaml:"global"`
	Projects     Projects    `json:"projects" yaml:"projects"`

	Output           string           `json:"output,omitempty" yaml:"output,omitempty"`
	WorkDir          string           `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Parallel         int              `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Notifications    bool             `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	LatestPrecedence LatestPrecedence `json:"latest_precedence,omitempty" yaml:"latest_precedence,omitempty"`
	BuildCommands    []string         `json:"build_commands,omitempty" yaml:"build_commands,omitempty"`
	Upstream         UpstreamConfig   `json:"upstream,omitempty" yaml:"upstream,omitempty"`
}

// RepositoryURL builds {host}/{organization}/{name}
func (c *Config) RepositoryURL(p ProjectSpec) string {
	return strings.Join([]string{strings.TrimRight(c.Host, "/"), c.Organization, p.Name}, "/")
}

// PatternsFor returns global normalization patterns followed by the project's own
func (c *Config) PatternsFor(p ProjectSpec) []string {
	var global []string
	if c.Global != nil {
		global = c.Global.VersionBadPatterns
	}
	return concat(global, p.VersionBadPatterns)
}

// RequiresFor returns global dependencies followed by the project's own
func (c *Config) RequiresFor(p ProjectSpec) []string {
	var global []string
	if c.Global != nil {
		global = c.Global.Requires
	}
	return concat(global, p.Requires)
}

// LatestFor resolves "track latest only" for a project: a per-project
// value wins over the global default.
func (c *Config) LatestFor(p ProjectSpec) bool {
	if p.VersionLatest != nil {
		return *p.VersionLatest
	}
	return c.Global != nil && c.Global.VersionLatest
}

// Interpreters returns the interpreter versions of the matrix
func (c *Config) Interpreters() []string {
	if c.Global == nil {
		return nil
	}
	return c.Global.Python
}

// Commands returns the packaging subcommand sequence
func (c *Config) Commands() []string {
	if len(c.BuildCommands) > 0 {
		return c.BuildCommands
	}
	return DefaultBuildCommands
}

// Precedence returns the configured latest/constraint rule, defaulting to compose
func (c *Config) Precedence() LatestPrecedence {
	if c.LatestPrecedence == "" {
		return LatestCompose
	}
	return c.LatestPrecedence
}

func concat(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// Cell identifies one (project, interpreter version, tag) combination
type Cell struct {
	Project string `json:"project"`
	Python  string `json:"python"`
	Tag     string `json:"tag"`
}

// String renders the cell the way progress output refers to it
func (c Cell) String() string {
	return fmt.Sprintf("%s::%s (python %s)", c.Project, c.Tag, c.Python)
}

// BuildAttempt is the result of one packaging subcommand within a cell
type BuildAttempt struct {
	Cell
	Command   string        `json:"command"`
	Outcome   Outcome       `json:"outcome"`
	ExitCode  int           `json:"exitCode"`
	Stderr    string        `json:"stderr,omitempty"`
	Artifacts []string      `json:"artifacts,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Failed reports whether the attempt was classified as a failure
func (a BuildAttempt) Failed() bool {
	return a.Outcome == OutcomeFailed
}

// Stage names the step of a project's matrix that failed
type Stage string

const (
	StageClone     Stage = "clone"
	StageSync      Stage = "sync"
	StageProvision Stage = "provision"
	StageCheckout  Stage = "checkout"
)

// ProjectFailure records a project (or one interpreter version of it)
// that was abandoned. Skipped marks a missing local repository as opposed
// to a failed command.
type ProjectFailure struct {
	Project string `json:"project"`
	Python  string `json:"python,omitempty"`
	Stage   Stage  `json:"stage"`
	Reason  string `json:"reason"`
	Skipped bool   `json:"skipped,omitempty"`
}

// RunStatus is the lifecycle state of a matrix run
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunAborted     RunStatus = "aborted"
)

// RunSummary collects everything attempted during one matrix run
type RunSummary struct {
	RunID    string           `json:"runId"`
	Status   RunStatus        `json:"status"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished,omitempty"`
	Attempts []BuildAttempt   `json:"attempts"`
	Failures []ProjectFailure `json:"failures,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Succeeded counts attempts classified as success
func (s *RunSummary) Succeeded() int {
	n := 0
	for _, a := range s.Attempts {
		if !a.Failed() {
			n++
		}
	}
	return n
}

// Failed counts attempts classified as failed
func (s *RunSummary) Failed() int {
	return len(s.Attempts) - s.Succeeded()
}

// Cells counts the distinct build cells attempted
func (s *RunSummary) Cells() int {
	seen := make(map[Cell]struct{}, len(s.Attempts))
	for _, a := range s.Attempts {
		seen[a.Cell] = struct{}{}
	}
	return len(seen)
}

// SkippedProjects returns failures caused by a missing local repository
func (s *RunSummary) SkippedProjects() []ProjectFailure {
	var out []ProjectFailure
	for _, f := range s.Failures {
		if f.Skipped {
			out = append(out, f)
		}
	}
	return out
}

// FailedProjects returns failures caused by a failed command
func (s *RunSummary) FailedProjects() []ProjectFailure {
	var out []ProjectFailure
	for _, f := range s.Failures {
		if !f.Skipped {
			out = append(out, f)
		}
	}
	return out
}

// Duration is the wall time of the run, up to now if it has not finished
func (s *RunSummary) Duration() time.Duration {
	if s.Finished.IsZero() {
		return time.Since(s.Started)
	}
	return s.Finished.Sub(s.Started)
}
