package engine

import (
	"path/filepath"

	"github.com/spacetelescope/blast/pkg/builders"
	"github.com/spacetelescope/blast/pkg/interfaces"
	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/notifier"
	"github.com/spacetelescope/blast/pkg/process"
	"github.com/spacetelescope/blast/pkg/pyenv"
	"github.com/spacetelescope/blast/pkg/specifier"
	"github.com/spacetelescope/blast/pkg/state"
	"github.com/spacetelescope/blast/pkg/types"
	"github.com/spacetelescope/blast/pkg/vcs"
)

// LogDirName holds the per-project build logs below the work directory
const LogDirName = ".blast/logs"

// DependencyFactory creates the default implementations of the engine's
// dependencies, all sharing one process runner.
type DependencyFactory struct {
	workDir  string
	logger   logger.Logger
	config   *types.Config
	runner   process.Runner
	narrator *logger.Narrator
	installs *pyenv.InstallLocks
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(workDir string, log logger.Logger, config *types.Config, narrator *logger.Narrator) *DependencyFactory {
	return &DependencyFactory{
		workDir:  workDir,
		logger:   log,
		config:   config,
		runner:   process.NewExecRunner(),
		narrator: narrator,
		installs: &pyenv.InstallLocks{},
	}
}

// WithRunner replaces the process runner used by every dependency
func (f *DependencyFactory) WithRunner(runner process.Runner) *DependencyFactory {
	f.runner = runner
	return f
}

// CreateDefaults creates all default dependencies
func (f *DependencyFactory) CreateDefaults() interfaces.Dependencies {
	deps := interfaces.Dependencies{
		Repositories: f.createRepositoryFactory(),
		Environments: f.createEnvironmentFactory(),
		Executor:     f.createExecutor(),
		Filter:       specifier.New(f.logger),
		StateManager: f.createStateManager(),
	}

	if f.config.Notifications {
		deps.Notifier = notifier.New(notifier.Config{Enabled: true, Sound: true}, f.logger)
	}

	return deps
}

// CreateWithOverrides creates dependencies with specific overrides.
// Non-nil values replace the defaults.
func (f *DependencyFactory) CreateWithOverrides(overrides interfaces.Dependencies) interfaces.Dependencies {
	deps := f.CreateDefaults()

	if overrides.Repositories != nil {
		deps.Repositories = overrides.Repositories
	}
	if overrides.Environments != nil {
		deps.Environments = overrides.Environments
	}
	if overrides.Executor != nil {
		deps.Executor = overrides.Executor
	}
	if overrides.Filter != nil {
		deps.Filter = overrides.Filter
	}
	if overrides.StateManager != nil {
		deps.StateManager = overrides.StateManager
	}
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}

	return deps
}

func (f *DependencyFactory) createRepositoryFactory() interfaces.RepositoryFactory {
	return func(url, workDir string) interfaces.Repository {
		return vcs.New(url, workDir, f.runner, f.logger)
	}
}

func (f *DependencyFactory) createEnvironmentFactory() interfaces.EnvironmentFactory {
	return func(version, name string) interfaces.Environment {
		return pyenv.New(version, name, f.runner, f.logger).WithInstallLocks(f.installs)
	}
}

func (f *DependencyFactory) createExecutor() interfaces.Executor {
	output := f.config.Output
	if output == "" {
		output = types.DefaultOutputDir
	}
	return builders.NewExecutor(f.config.Commands(), output, filepath.Join(f.workDir, LogDirName), f.logger, f.narrator)
}

func (f *DependencyFactory) createStateManager() interfaces.StateManager {
	return state.NewStateManager(f.workDir, f.logger)
}
