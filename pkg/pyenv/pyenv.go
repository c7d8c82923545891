// Package pyenv provisions interpreter environments through the pyenv
// and pyenv-virtualenv executables.
package pyenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/syntax"

	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/process"
)

// RootVariable names where interpreters and virtual environments are installed
const RootVariable = "PYENV_ROOT"

var (
	// ErrRootUnset is returned when RootVariable is not set
	ErrRootUnset = errors.New(RootVariable + " is not defined")

	// ErrNotActivated is returned when a command is run without an overlay
	ErrNotActivated = errors.New("environment has not been activated")
)

// Overlay is the process environment captured from an activated environment.
// It is passed explicitly to every command that should run inside it.
type Overlay map[string]string

// Path returns the PATH of the overlay
func (o Overlay) Path() string {
	return o["PATH"]
}

// RunOptions controls how Run executes a command
type RunOptions struct {
	Dir string

	// Capture collects output instead of streaming it
	Capture bool
	Stdout  io.Writer
	Stderr  io.Writer

	// Check turns a non-zero exit into an error
	Check bool
}

// Environment is one named virtual environment for one interpreter version
type Environment struct {
	Version string
	Name    string

	runner    process.Runner
	logger    logger.Logger
	installs  *InstallLocks
	binary    string
	shell     string
	lookupEnv func(string) (string, bool)
}

// InstallLocks serializes interpreter installs between environments that
// share a pyenv root. The zero value is ready to use.
type InstallLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock blocks until version may be installed and returns the release func
func (l *InstallLocks) Lock(version string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[version]
	if !ok {
		m = &sync.Mutex{}
		l.locks[version] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// NameFor derives the environment name for an interpreter version, e.g.
// 3.7.0 -> py370. A namespace keeps sharded runs from sharing environments.
func NameFor(version, namespace string) string {
	name := "py" + strings.NewReplacer(".", "", "-", "", "_", "").Replace(version)
	if namespace != "" {
		name += "-" + namespace
	}
	return name
}

// New creates a handle for the named environment
func New(version, name string, runner process.Runner, log logger.Logger) *Environment {
	if log == nil {
		log = logger.Discard()
	}
	return &Environment{
		Version:   version,
		Name:      name,
		runner:    runner,
		logger:    log,
		binary:    "pyenv",
		shell:     "bash",
		lookupEnv: os.LookupEnv,
	}
}

// WithLookupEnv replaces how the root variable is read (for tests)
func (e *Environment) WithLookupEnv(fn func(string) (string, bool)) *Environment {
	e.lookupEnv = fn
	return e
}

// WithInstallLocks shares locks with other environments so only one of
// them installs a given interpreter version at a time
func (e *Environment) WithInstallLocks(locks *InstallLocks) *Environment {
	e.installs = locks
	return e
}

// Root returns the pyenv root directory
func (e *Environment) Root() (string, error) {
	root, ok := e.lookupEnv(RootVariable)
	if !ok || strings.TrimSpace(root) == "" {
		return "", ErrRootUnset
	}
	return root, nil
}

// Create installs the interpreter and creates the virtual environment,
// skipping whichever already exists.
func (e *Environment) Create(ctx context.Context) error {
	root, err := e.Root()
	if err != nil {
		return err
	}

	if err := e.installInterpreter(ctx, root); err != nil {
		return err
	}

	if !exists(filepath.Join(root, "versions", e.Name)) {
		e.logger.Info("Creating virtual environment",
			logger.WithField("version", e.Version),
			logger.WithField("name", e.Name))
		if err := e.pyenv(ctx, "virtualenv", e.Version, e.Name); err != nil {
			return err
		}
	}

	return nil
}

func (e *Environment) installInterpreter(ctx context.Context, root string) error {
	if e.installs != nil {
		unlock := e.installs.Lock(e.Version)
		defer unlock()
	}

	if exists(filepath.Join(root, "versions", e.Version)) {
		return nil
	}
	e.logger.Info("Installing interpreter", logger.WithField("version", e.Version))
	return e.pyenv(ctx, "install", "-s", e.Version)
}

// pyenv runs a pyenv subcommand, tolerating "already exists" diagnostics
func (e *Environment) pyenv(ctx context.Context, args ...string) error {
	res, err := e.runner.Run(ctx, process.Command{
		Name:    e.binary,
		Args:    args,
		Capture: true,
	})
	if err != nil {
		return fmt.Errorf("pyenv %s: %w", args[0], err)
	}

	stderr := strings.TrimSpace(res.Stderr)
	switch {
	case strings.Contains(stderr, "already"):
		e.logger.Debug("pyenv reports existing installation", logger.WithField("stderr", stderr))
	case !res.Success():
		return fmt.Errorf("pyenv %s: %w", args[0], &process.ExitError{Result: res})
	case stderr != "":
		e.logger.Warn("pyenv wrote diagnostics", logger.WithField("stderr", stderr))
	}
	return nil
}

// ActivationScript is the shell pipeline that activates the environment and
// dumps the resulting process environment.
func (e *Environment) ActivationScript() (string, error) {
	name, err := syntax.Quote(e.Name, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("cannot quote environment name %q: %w", e.Name, err)
	}
	return `eval "$(pyenv init -)" && ` +
		`eval "$(pyenv virtualenv-init -)" && ` +
		"pyenv activate " + name + " && pyenv rehash && printenv", nil
}

// Activate runs the activation pipeline and returns the captured environment.
// It may be called any number of times.
func (e *Environment) Activate(ctx context.Context) (Overlay, error) {
	script, err := e.ActivationScript()
	if err != nil {
		return nil, err
	}

	res, err := e.runner.Run(ctx, process.Command{
		Name:    e.shell,
		Args:    []string{"-c", script},
		Capture: true,
		Check:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("activate %s: %w", e.Name, err)
	}

	overlay := ParseEnvironment(res.Stdout)
	if len(overlay) == 0 {
		return nil, fmt.Errorf("activate %s: no environment captured", e.Name)
	}
	return overlay, nil
}

// ParseEnvironment parses KEY=VALUE lines; lines without "=" are ignored
func ParseEnvironment(output string) Overlay {
	env := Overlay{}
	for _, line := range strings.Split(output, "\n") {
		k, v, ok := strings.Cut(strings.TrimRight(line, "\r"), "=")
		if !ok || k == "" {
			continue
		}
		env[k] = v
	}
	return env
}

// Run executes args inside the activated environment. A non-zero exit is
// reported in the result rather than as an error unless opts.Check is set.
func (e *Environment) Run(ctx context.Context, overlay Overlay, opts RunOptions, args ...string) (*process.Result, error) {
	if overlay == nil {
		return nil, ErrNotActivated
	}
	if len(args) == 0 {
		return nil, errors.New("expecting arguments to run, got nothing")
	}

	return e.runner.Run(ctx, process.Command{
		Name:    resolve(args[0], overlay.Path()),
		Args:    args[1:],
		Dir:     opts.Dir,
		Env:     overlay,
		Capture: opts.Capture,
		Stdout:  opts.Stdout,
		Stderr:  opts.Stderr,
		Check:   opts.Check,
	})
}

// UpgradeInstaller upgrades pip inside the environment
func (e *Environment) UpgradeInstaller(ctx context.Context, overlay Overlay) error {
	return e.pip(ctx, overlay, "install", "--upgrade", "pip")
}

// Install installs each package in turn. Every package is attempted; the
// failures are returned together.
func (e *Environment) Install(ctx context.Context, overlay Overlay, packages ...string) error {
	var errs []error
	for _, pkg := range packages {
		if err := e.pip(ctx, overlay, "install", pkg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Environment) pip(ctx context.Context, overlay Overlay, args ...string) error {
	res, err := e.Run(ctx, overlay, RunOptions{Capture: true}, append([]string{"pip"}, args...)...)
	if err != nil {
		return fmt.Errorf("pip %s: %w", strings.Join(args, " "), err)
	}
	if !res.Success() {
		return fmt.Errorf("pip %s: %w", strings.Join(args, " "), &process.ExitError{Result: res})
	}
	return nil
}

// resolve finds name on the overlay's PATH. os/exec resolves bare names
// against the parent's PATH, which would bypass the activated interpreter.
func resolve(name, path string) string {
	if strings.ContainsRune(name, filepath.Separator) || path == "" {
		return name
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate
		}
	}
	return name
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
