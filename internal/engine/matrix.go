package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/spacetelescope/blast/pkg/builders"
	bcontext "github.com/spacetelescope/blast/pkg/context"
	"github.com/spacetelescope/blast/pkg/interfaces"
	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/pyenv"
	"github.com/spacetelescope/blast/pkg/types"
	"github.com/spacetelescope/blast/pkg/vcs"
)

var (
	// ErrUnknownProject is returned when a requested project is not configured
	ErrUnknownProject = errors.New("project is not configured")

	// ErrAlreadyRunning is returned when Run is called on a busy matrix
	ErrAlreadyRunning = errors.New("matrix is already running")

	// ErrRunInProgress is returned when another process is building in the same work directory
	ErrRunInProgress = errors.New("another blast run is using this work directory")
)

// Matrix drives every project through
// clone -> sync -> provision (per interpreter) -> filter (per tag) -> build.
type Matrix struct {
	config   *types.Config
	workDir  string
	logger   logger.Logger
	narrator *logger.Narrator
	deps     interfaces.Dependencies

	mu      sync.Mutex
	running bool
}

// New creates a matrix engine
func New(
	config *types.Config,
	workDir string,
	log logger.Logger,
	narrator *logger.Narrator,
	deps interfaces.Dependencies,
) *Matrix {
	if abs, err := filepath.Abs(workDir); err == nil {
		workDir = abs
	} else {
		log.Error(fmt.Sprintf("Failed to get absolute path for work directory: %v", err))
	}

	if deps.Repositories == nil {
		panic("Repositories dependency is required")
	}
	if deps.Environments == nil {
		panic("Environments dependency is required")
	}
	if deps.Executor == nil {
		panic("Executor dependency is required")
	}
	if deps.Filter == nil {
		panic("Filter dependency is required")
	}
	if narrator == nil {
		narrator = logger.NewNarrator()
	}

	return &Matrix{
		config:   config,
		workDir:  workDir,
		logger:   log,
		narrator: narrator,
		deps:     deps,
	}
}

// Run builds the matrix for the named projects, or every configured project
// when none are named. Per-project failures are recorded in the summary; an
// error is returned only when the whole run could not complete.
func (m *Matrix) Run(ctx context.Context, only ...string) (*types.RunSummary, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	projects, err := m.selectProjects(only)
	if err != nil {
		return nil, err
	}

	if m.deps.StateManager != nil {
		locked, err := m.deps.StateManager.IsLocked()
		if err != nil {
			m.logger.Warn("Cannot inspect previous runs", logger.WithField("error", err))
		}
		if locked {
			return nil, ErrRunInProgress
		}
	}

	ctx = bcontext.NewRun(ctx)
	rec := newRecorder(&types.RunSummary{
		RunID:   bcontext.GetRunID(ctx),
		Status:  types.RunRunning,
		Started: time.Now(),
	}, m.deps.StateManager, m.logger)
	rec.begin()

	logger.WithContext(ctx, m.logger).Info("Starting matrix",
		logger.WithField("projects", len(projects)),
		logger.WithField("interpreters", len(m.config.Interpreters())),
		logger.WithField("parallel", m.parallel()))

	runErr := m.schedule(ctx, projects, rec)

	summary := rec.finish(runErr, ctx.Err())
	if m.deps.Notifier != nil {
		m.deps.Notifier.NotifyRunComplete(summary)
	}
	m.narrator.Summary(summary.Cells(), summary.Succeeded(), summary.Failed())

	return summary, runErr
}

// schedule runs projects in order, or sharded across goroutines when
// parallelism is configured. Each shard owns its checkout and environments.
func (m *Matrix) schedule(ctx context.Context, projects []types.ProjectSpec, rec *recorder) error {
	if m.parallel() <= 1 {
		for _, p := range projects {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := m.runProject(ctx, p, "", rec); err != nil {
				return err
			}
		}
		return nil
	}

	group, gctx := NewSafeGroup(ctx, m.logger)
	group.SetLimit(m.parallel())
	for _, p := range projects {
		p := p
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return m.runProject(gctx, p, Namespace(p.Name), rec)
		})
	}
	err := group.Wait()
	if err == nil || ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runProject walks one project through its matrix. Only errors that must
// stop the whole run are returned.
func (m *Matrix) runProject(ctx context.Context, p types.ProjectSpec, namespace string, rec *recorder) error {
	ctx = bcontext.WithProject(ctx, p.Name)
	log := logger.WithContext(ctx, m.logger.WithTarget(p.Name))

	url := m.config.RepositoryURL(p)
	repo := m.deps.Repositories(url, m.workDir)
	m.narrator.Repository(url, repo.Dir())

	if _, err := repo.Clone(ctx); err != nil {
		return m.abandon(ctx, rec, p.Name, "", types.StageClone, err)
	}
	if err := repo.Fetch(ctx, "--all", "--tags"); err != nil {
		return m.abandon(ctx, rec, p.Name, "", types.StageSync, err)
	}

	latest := m.config.LatestFor(p)
	for _, version := range m.config.Interpreters() {
		if err := ctx.Err(); err != nil {
			return err
		}
		vctx := bcontext.WithPython(ctx, version)

		name := pyenv.NameFor(version, namespace)
		m.narrator.Interpreter(version, name)
		env := m.deps.Environments(version, name)

		overlay, err := m.provision(vctx, env, p, log)
		if err != nil {
			if errors.Is(err, pyenv.ErrRootUnset) {
				return err
			}
			if abandonErr := m.abandon(vctx, rec, p.Name, version, types.StageProvision, err); abandonErr != nil {
				return abandonErr
			}
			continue
		}

		tags, err := m.tagsFor(vctx, repo, latest)
		if err != nil {
			return m.abandon(vctx, rec, p.Name, "", types.StageSync, err)
		}

		for _, tag := range tags {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !m.selected(p, tag, latest) {
				log.Debug("Tag excluded by constraint",
					logger.WithField("tag", tag),
					logger.WithField("constraint", p.BuildVersions))
				continue
			}

			m.narrator.Building(p.Name, tag)
			if err := repo.Pristine(vctx, tag); err != nil {
				return m.abandon(vctx, rec, p.Name, "", types.StageCheckout, err)
			}

			if p.SetuptoolsInject {
				if _, err := builders.InjectShim(repo.Dir()); err != nil {
					log.Warn("Cannot inject setuptools", logger.WithField("tag", tag), logger.WithField("error", err))
				}
			}

			cell := types.Cell{Project: p.Name, Python: version, Tag: tag}
			attempts, err := m.deps.Executor.Build(bcontext.WithTag(vctx, tag), env, overlay, cell, repo.Dir())
			rec.add(attempts...)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// provision creates and activates the environment and installs the
// project's dependencies. Installer failures are logged, not fatal.
func (m *Matrix) provision(ctx context.Context, env interfaces.Environment, p types.ProjectSpec, log logger.Logger) (pyenv.Overlay, error) {
	if err := env.Create(ctx); err != nil {
		return nil, err
	}
	overlay, err := env.Activate(ctx)
	if err != nil {
		return nil, err
	}

	if err := env.UpgradeInstaller(ctx, overlay); err != nil {
		log.Warn("Failed to upgrade pip", logger.WithField("error", err))
	}
	if requires := m.config.RequiresFor(p); len(requires) > 0 {
		if err := env.Install(ctx, overlay, requires...); err != nil {
			log.Warn("Failed to install dependencies", logger.WithField("error", err))
		}
	}
	return overlay, nil
}

// tagsFor derives the tags to consider: the nearest tag on the fetched
// default branch when tracking latest only, otherwise every tag.
func (m *Matrix) tagsFor(ctx context.Context, repo interfaces.Repository, latest bool) ([]string, error) {
	if !latest {
		return repo.Tags(ctx)
	}

	if err := repo.Pristine(ctx, vcs.RemoteBranch(repo.RemoteHead(ctx))); err != nil {
		return nil, err
	}
	tag, err := repo.NearestTag(ctx)
	if err != nil {
		return nil, err
	}
	return []string{tag}, nil
}

// selected applies the project's constraint. In override mode the nearest
// tag of a latest-only project bypasses the constraint.
func (m *Matrix) selected(p types.ProjectSpec, tag string, latest bool) bool {
	if !p.HasConstraint() {
		return true
	}
	if latest && m.config.Precedence() == types.LatestOverride {
		return true
	}
	return m.deps.Filter.Matches(p.BuildVersions, tag, m.config.PatternsFor(p))
}

// abandon records a project failure. A missing repository is a skip; any
// other failure abandons the project. Cancellation is passed through.
func (m *Matrix) abandon(ctx context.Context, rec *recorder, project, python string, stage types.Stage, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	failure := types.ProjectFailure{
		Project: project,
		Python:  python,
		Stage:   stage,
		Reason:  err.Error(),
		Skipped: errors.Is(err, vcs.ErrNoRepository),
	}
	rec.fail(failure)

	label := project
	if python != "" {
		label = fmt.Sprintf("%s (python %s)", project, python)
	}
	m.narrator.Skip(label, err)
	logger.WithContext(ctx, m.logger).Error("Abandoning project",
		logger.WithField("stage", stage),
		logger.WithField("error", err))

	if m.deps.Notifier != nil {
		m.deps.Notifier.NotifyProjectFailure(failure)
	}
	return nil
}

// ProjectPlan lists the tags a run would consider and build for a project
type ProjectPlan struct {
	Project  string
	Latest   bool
	Tags     []string
	Selected []string
	Err      error
}

// Plan syncs the repositories and evaluates the tag filter without
// provisioning or building anything.
func (m *Matrix) Plan(ctx context.Context, only ...string) ([]ProjectPlan, error) {
	projects, err := m.selectProjects(only)
	if err != nil {
		return nil, err
	}

	plans := make([]ProjectPlan, 0, len(projects))
	for _, p := range projects {
		if err := ctx.Err(); err != nil {
			return plans, err
		}

		plan := ProjectPlan{Project: p.Name, Latest: m.config.LatestFor(p)}
		repo := m.deps.Repositories(m.config.RepositoryURL(p), m.workDir)

		if _, err := repo.Clone(ctx); err != nil {
			plan.Err = err
		} else if err := repo.Fetch(ctx, "--all", "--tags"); err != nil {
			plan.Err = err
		} else if plan.Tags, err = m.tagsFor(ctx, repo, plan.Latest); err != nil {
			plan.Err = err
		}

		for _, tag := range plan.Tags {
			if m.selected(p, tag, plan.Latest) {
				plan.Selected = append(plan.Selected, tag)
			}
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func (m *Matrix) selectProjects(only []string) ([]types.ProjectSpec, error) {
	if len(only) == 0 {
		return m.config.Projects, nil
	}

	wanted := make(map[string]bool, len(only))
	for _, name := range only {
		if _, ok := m.config.Projects.Find(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProject, name)
		}
		wanted[name] = true
	}

	var out []types.ProjectSpec
	for _, p := range m.config.Projects {
		if wanted[p.Name] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Matrix) parallel() int {
	if m.config.Parallel < 1 {
		return types.DefaultParallel
	}
	return m.config.Parallel
}

var namespaceUnsafe = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// Namespace derives the environment suffix for a project shard
func Namespace(project string) string {
	return namespaceUnsafe.ReplaceAllString(project, "_")
}

// recorder accumulates the summary of a run and mirrors it to the state manager
type recorder struct {
	mu      sync.Mutex
	summary *types.RunSummary
	state   interfaces.StateManager
	logger  logger.Logger
}

func newRecorder(summary *types.RunSummary, state interfaces.StateManager, log logger.Logger) *recorder {
	return &recorder{summary: summary, state: state, logger: log}
}

func (r *recorder) begin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != nil {
		if err := r.state.Begin(r.summary); err != nil {
			r.logger.Warn("Failed to record run", logger.WithField("error", err))
		}
	}
}

func (r *recorder) add(attempts ...types.BuildAttempt) {
	if len(attempts) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Attempts = append(r.summary.Attempts, attempts...)
	r.save()
}

func (r *recorder) fail(f types.ProjectFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Failures = append(r.summary.Failures, f)
	r.save()
}

func (r *recorder) save() {
	if r.state == nil {
		return
	}
	if err := r.state.Update(r.summary); err != nil {
		r.logger.Debug("Failed to update run report", logger.WithField("error", err))
	}
}

func (r *recorder) finish(runErr, ctxErr error) *types.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.Finished = time.Now()
	switch {
	case ctxErr != nil:
		r.summary.Status = types.RunInterrupted
		r.summary.Error = ctxErr.Error()
	case runErr != nil:
		r.summary.Status = types.RunAborted
		r.summary.Error = runErr.Error()
	default:
		r.summary.Status = types.RunCompleted
	}

	if r.state != nil {
		if err := r.state.Finish(r.summary); err != nil {
			r.logger.Warn("Failed to save run report", logger.WithField("error", err))
		}
	}

	out := *r.summary
	return &out
}
