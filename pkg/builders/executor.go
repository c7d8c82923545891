// Package builders runs the packaging sequence for one build cell
package builders

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/process"
	"github.com/spacetelescope/blast/pkg/pyenv"
	"github.com/spacetelescope/blast/pkg/types"
	"github.com/spacetelescope/blast/pkg/utils"
)

const (
	// Interpreter is the executable the packaging script runs under
	Interpreter = "python"
	// SetupScript is the packaging script at the root of every checkout
	SetupScript = "setup.py"

	// stagingPattern names the per-attempt directory artifacts are written
	// to before they are moved into the output directory
	stagingPattern = ".blast-staging-*"
)

// Environment runs commands inside an activated interpreter environment
type Environment interface {
	Run(ctx context.Context, overlay pyenv.Overlay, opts pyenv.RunOptions, args ...string) (*process.Result, error)
}

// Executor runs each packaging subcommand for a cell and classifies the
// outcome. A failed subcommand never stops the ones after it.
type Executor struct {
	Commands  []string
	OutputDir string
	LogDir    string
	Logger    logger.Logger
	Narrator  *logger.Narrator

	mu       sync.Mutex
	attempts int
	failures int
}

// NewExecutor creates an executor writing artifacts to outputDir and
// per-project logs to logDir.
func NewExecutor(commands []string, outputDir, logDir string, log logger.Logger, narrator *logger.Narrator) *Executor {
	if len(commands) == 0 {
		commands = types.DefaultBuildCommands
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Executor{
		Commands:  commands,
		OutputDir: outputDir,
		LogDir:    logDir,
		Logger:    log,
		Narrator:  narrator,
	}
}

// Classify returns the outcome of one subcommand. Only a non-zero exit
// that also wrote to stderr counts as a failure.
func Classify(res *process.Result) types.Outcome {
	if res == nil {
		return types.OutcomeFailed
	}
	if res.ExitCode != 0 && len(res.Stderr) > 0 {
		return types.OutcomeFailed
	}
	return types.OutcomeSuccess
}

// Build runs the packaging sequence in sourceDir. It returns an error only
// when the run cannot proceed at all: the output directory is unusable or
// ctx was cancelled.
func (x *Executor) Build(ctx context.Context, env Environment, overlay pyenv.Overlay, cell types.Cell, sourceDir string) ([]types.BuildAttempt, error) {
	output, err := filepath.Abs(x.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}
	if err := utils.EnsureDirectory(output); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	log := x.Logger.WithTarget(cell.Project)

	logFile, err := x.prepareLogFile(cell.Project)
	if err != nil {
		log.Warn(fmt.Sprintf("Failed to create log file: %v", err))
	}
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()

	attempts := make([]types.BuildAttempt, 0, len(x.Commands))
	for _, command := range x.Commands {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempt := x.attempt(ctx, env, overlay, cell, sourceDir, output, command, logFile)
		attempts = append(attempts, attempt)

		x.record(attempt)
		if x.Narrator != nil {
			x.Narrator.Outcome(cell.Project, cell.Tag, command, attempt.Failed(), attempt.Stderr)
		}
		if attempt.Failed() {
			log.Error("Packaging failed",
				logger.WithField("python", cell.Python),
				logger.WithField("tag", cell.Tag),
				logger.WithField("command", command),
				logger.WithField("exit", attempt.ExitCode))
		} else {
			log.Debug("Packaging succeeded",
				logger.WithField("python", cell.Python),
				logger.WithField("tag", cell.Tag),
				logger.WithField("command", command),
				logger.WithField("artifacts", len(attempt.Artifacts)))
		}
	}

	return attempts, nil
}

func (x *Executor) attempt(ctx context.Context, env Environment, overlay pyenv.Overlay, cell types.Cell, sourceDir, output, command string, logFile *os.File) types.BuildAttempt {
	attempt := types.BuildAttempt{Cell: cell, Command: command}

	// shards share the output directory, so each attempt builds into its
	// own staging directory and claims only what appears there
	staging, err := os.MkdirTemp(output, stagingPattern)
	if err != nil {
		attempt.Outcome = types.OutcomeFailed
		attempt.ExitCode = -1
		attempt.Stderr = fmt.Sprintf("cannot create staging directory: %v", err)
		return attempt
	}
	defer os.RemoveAll(staging)

	x.logToFile(logFile, fmt.Sprintf("\n=== %s %s (python %s) %s started at %s ===\n",
		cell.Project, cell.Tag, cell.Python, command, time.Now().Format("2006-01-02 15:04:05")))

	opts := pyenv.RunOptions{Dir: sourceDir, Capture: true}
	if logFile != nil {
		opts.Stdout = logFile
		opts.Stderr = logFile
	}

	start := time.Now()
	res, err := env.Run(ctx, overlay, opts, Interpreter, SetupScript, command, "-d", staging)
	attempt.Duration = time.Since(start)

	switch {
	case err != nil:
		// the interpreter could not be started at all
		attempt.Outcome = types.OutcomeFailed
		attempt.ExitCode = -1
		attempt.Stderr = err.Error()
	default:
		attempt.Outcome = Classify(res)
		attempt.ExitCode = res.ExitCode
		attempt.Stderr = res.Stderr
	}

	attempt.Artifacts, err = utils.MoveEntries(staging, output)
	if err != nil {
		x.Logger.Warn("Cannot move artifacts into output directory",
			logger.WithField("staging", staging),
			logger.WithField("error", err))
	}

	x.logToFile(logFile, fmt.Sprintf("=== %s %s after %s ===\n", command, outcomeWord(attempt), attempt.Duration))
	return attempt
}

// Stats returns the number of attempts made and how many failed
func (x *Executor) Stats() (attempts, failures int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.attempts, x.failures
}

func (x *Executor) record(a types.BuildAttempt) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.attempts++
	if a.Failed() {
		x.failures++
	}
}

// prepareLogFile opens the project's build log in append mode
func (x *Executor) prepareLogFile(project string) (*os.File, error) {
	if x.LogDir == "" {
		return nil, nil
	}
	if err := utils.EnsureDirectory(x.LogDir); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(x.LogDir, project+".log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func (x *Executor) logToFile(f *os.File, message string) {
	if f != nil {
		f.WriteString(message)
	}
}

func outcomeWord(a types.BuildAttempt) string {
	if a.Failed() {
		return "FAILED"
	}
	return "SUCCEEDED"
}
