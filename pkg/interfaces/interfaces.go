// Package interfaces provides abstractions for dependency injection and testability
package interfaces

import (
	"context"

	"github.com/spacetelescope/blast/pkg/builders"
	"github.com/spacetelescope/blast/pkg/pyenv"
	"github.com/spacetelescope/blast/pkg/types"
)

// Repository is a local checkout the matrix builds from
type Repository interface {
	Dir() string
	Clone(ctx context.Context) (string, error)
	Fetch(ctx context.Context, args ...string) error
	Pristine(ctx context.Context, ref string) error
	NearestTag(ctx context.Context) (string, error)
	Tags(ctx context.Context) ([]string, error)
	RemoteHead(ctx context.Context) string
}

// RepositoryFactory creates the repository handle for url under workDir
type RepositoryFactory func(url, workDir string) Repository

// Environment is an interpreter environment that can be provisioned
type Environment interface {
	builders.Environment
	Create(ctx context.Context) error
	Activate(ctx context.Context) (pyenv.Overlay, error)
	UpgradeInstaller(ctx context.Context, overlay pyenv.Overlay) error
	Install(ctx context.Context, overlay pyenv.Overlay, packages ...string) error
}

// EnvironmentFactory creates the named environment for an interpreter version
type EnvironmentFactory func(version, name string) Environment

// Executor runs the packaging sequence of one cell
type Executor interface {
	Build(ctx context.Context, env builders.Environment, overlay pyenv.Overlay, cell types.Cell, sourceDir string) ([]types.BuildAttempt, error)
}

// TagFilter decides whether a tag satisfies a constraint expression
type TagFilter interface {
	Matches(expr, rawTag string, patterns []string) bool
}

// StateManager persists the report of the current run
type StateManager interface {
	IsLocked() (bool, error)
	Begin(summary *types.RunSummary) error
	Update(summary *types.RunSummary) error
	Finish(summary *types.RunSummary) error
}

// BuildNotifier announces run results outside the terminal
type BuildNotifier interface {
	NotifyProjectFailure(failure types.ProjectFailure)
	NotifyRunComplete(summary *types.RunSummary)
}

// Dependencies contains all injectable dependencies of the matrix engine.
// StateManager and Notifier are optional.
type Dependencies struct {
	Repositories RepositoryFactory
	Environments EnvironmentFactory
	Executor     Executor
	Filter       TagFilter
	StateManager StateManager
	Notifier     BuildNotifier
}
