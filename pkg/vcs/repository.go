// Package vcs manages the git checkouts the build matrix runs against
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/process"
)

// ErrNoRepository is returned by operations that need an existing checkout
var ErrNoRepository = errors.New("no git repository present")

// DefaultBranch is used when the remote does not advertise its HEAD
const DefaultBranch = "master"

// Remote is the name clones give their upstream
const Remote = "origin"

// RemoteBranch returns the remote-tracking ref of branch, which moves on
// every fetch while the local branch stays where it was cloned.
func RemoteBranch(branch string) string {
	return Remote + "/" + branch
}

// Repository is a local clone of one project. The tag list is cached and
// rebuilt whenever a fresh listing reports a different number of tags.
type Repository struct {
	URL  string
	Path string

	runner process.Runner
	logger logger.Logger
	binary string

	mu   sync.Mutex
	tags []string
}

// New creates a handle for url, cloned under workDir
func New(url, workDir string, runner process.Runner, log logger.Logger) *Repository {
	if log == nil {
		log = logger.Discard()
	}
	return &Repository{
		URL:    url,
		Path:   filepath.Join(workDir, LocalName(url)),
		runner: runner,
		logger: log,
		binary: "git",
	}
}

// Dir returns the checkout directory
func (r *Repository) Dir() string {
	return r.Path
}

// LocalName derives the checkout directory from a repository URL:
// its basename without a trailing ".git".
func LocalName(url string) string {
	base := path.Base(strings.TrimRight(url, "/"))
	return strings.TrimSuffix(base, ".git")
}

// Clone clones the repository unless its path already exists
func (r *Repository) Clone(ctx context.Context) (string, error) {
	if _, err := os.Stat(r.Path); err == nil {
		r.logger.Debug("Checkout already present", logger.WithField("path", r.Path))
		return r.Path, nil
	}

	if err := os.MkdirAll(filepath.Dir(r.Path), 0755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	_, err := r.runner.Run(ctx, process.Command{
		Name:    r.binary,
		Args:    []string{"clone", r.URL, r.Path},
		Dir:     filepath.Dir(r.Path),
		Capture: true,
		Check:   true,
	})
	if err != nil {
		return "", fmt.Errorf("git clone %s: %w", r.URL, err)
	}
	return r.Path, nil
}

// Fetch retrieves refs from the remote
func (r *Repository) Fetch(ctx context.Context, args ...string) error {
	_, err := r.git(ctx, append([]string{"fetch"}, args...)...)
	return err
}

// Checkout switches the working tree to ref
func (r *Repository) Checkout(ctx context.Context, ref string) error {
	_, err := r.git(ctx, "checkout", ref)
	return err
}

// Reset runs git reset with args
func (r *Repository) Reset(ctx context.Context, args ...string) error {
	_, err := r.git(ctx, append([]string{"reset"}, args...)...)
	return err
}

// Clean runs git clean with args
func (r *Repository) Clean(ctx context.Context, args ...string) error {
	_, err := r.git(ctx, append([]string{"clean"}, args...)...)
	return err
}

// Describe runs git describe and returns its trimmed output
func (r *Repository) Describe(ctx context.Context, args ...string) (string, error) {
	res, err := r.git(ctx, append([]string{"describe"}, args...)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// NearestTag returns the nearest tag reachable from HEAD
func (r *Repository) NearestTag(ctx context.Context) (string, error) {
	return r.Describe(ctx, "--tags", "--abbrev=0")
}

// Pristine discards local modifications plus untracked and ignored files,
// then checks out ref.
func (r *Repository) Pristine(ctx context.Context, ref string) error {
	if err := r.Reset(ctx, "--hard"); err != nil {
		return err
	}
	if err := r.Clean(ctx, "-f", "-x", "-d"); err != nil {
		return err
	}
	return r.Checkout(ctx, ref)
}

// RemoteHead returns the branch the remote's HEAD points at, falling back
// to DefaultBranch when it cannot be determined.
func (r *Repository) RemoteHead(ctx context.Context) string {
	if err := r.requireRepository(); err != nil {
		return DefaultBranch
	}

	res, err := r.runner.Run(ctx, process.Command{
		Name:    r.binary,
		Args:    []string{"symbolic-ref", "--short", "refs/remotes/origin/HEAD"},
		Dir:     r.Path,
		Capture: true,
	})
	if err != nil || !res.Success() {
		return DefaultBranch
	}

	branch := strings.TrimPrefix(strings.TrimSpace(res.Stdout), Remote+"/")
	if branch == "" {
		return DefaultBranch
	}
	return branch
}

// Tags lists every tag in git's output order
func (r *Repository) Tags(ctx context.Context) ([]string, error) {
	res, err := r.git(ctx, "tag")
	if err != nil {
		return nil, err
	}

	var fresh []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if tag := strings.TrimSpace(line); tag != "" {
			fresh = append(fresh, tag)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tags != nil && len(r.tags) == len(fresh) {
		return append([]string(nil), r.tags...), nil
	}

	r.logger.Debug("Refreshing tag cache",
		logger.WithField("cached", len(r.tags)),
		logger.WithField("found", len(fresh)))
	r.tags = append(make([]string, 0, len(fresh)), fresh...)
	return append([]string(nil), r.tags...), nil
}

func (r *Repository) requireRepository() error {
	if _, err := os.Stat(filepath.Join(r.Path, ".git")); err != nil {
		return fmt.Errorf("%s: %w", r.Path, ErrNoRepository)
	}
	return nil
}

func (r *Repository) git(ctx context.Context, args ...string) (*process.Result, error) {
	if err := r.requireRepository(); err != nil {
		return nil, err
	}

	res, err := r.runner.Run(ctx, process.Command{
		Name:    r.binary,
		Args:    args,
		Dir:     r.Path,
		Capture: true,
		Check:   true,
	})
	if err != nil {
		return res, fmt.Errorf("git %s: %w", args[0], err)
	}
	return res, nil
}
