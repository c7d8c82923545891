// Package upstream checks whether a built distribution already exists on
// the package index it would be uploaded to.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"resty.dev/v3"

	"github.com/spacetelescope/blast/pkg/logger"
	"github.com/spacetelescope/blast/pkg/utils"
)

const (
	DefaultServer     = "https://bytesalad.stsci.edu/artifactory/api/pypi"
	DefaultRepository = "datb-pypi"

	// ChecksumHeader marks an artifact the index knows about even when
	// the status code says otherwise.
	ChecksumHeader = "X-Checksum-Md5"

	DefaultRetries = 3
)

// ArtifactPatterns select distributions inside a directory argument
var ArtifactPatterns = []string{"**/*.whl", "**/*.tar.gz"}

// ExitCode is the process status reported for a checked path
type ExitCode int

const (
	ExitFound   ExitCode = 0
	ExitMissing ExitCode = 1
	ExitNoFile  ExitCode = 2
	ExitBadName ExitCode = 3
)

var (
	// ErrNonConformant is returned for file names that are not name-version.ext
	ErrNonConformant = errors.New("non-conformant Python package")

	// ErrNoFile is returned when the local artifact does not exist
	ErrNoFile = errors.New("local file does not exist")
)

var nameRegex = regexp.MustCompile(`^([0-9A-Za-z_.]+)-(.*)\.(whl|tar\.gz)`)

// Artifact is a distribution file name split into the parts the index
// files it under.
type Artifact struct {
	File    string
	Name    string
	Version string
}

// ParseArtifact derives the index name and version from a distribution
// file name. Underscores in the name become dashes; wheel tags after the
// version are dropped.
func ParseArtifact(filename string) (Artifact, error) {
	file := filepath.Base(filename)
	if !nameRegex.MatchString(file) {
		return Artifact{}, fmt.Errorf("%w: %q", ErrNonConformant, file)
	}

	stem := strings.ReplaceAll(file, ".tar.gz", "")
	stem = strings.ReplaceAll(stem, ".whl", "")

	name, version, _ := strings.Cut(stem, "-")
	version, _, _ = strings.Cut(version, "-")

	return Artifact{
		File:    file,
		Name:    strings.ReplaceAll(name, "_", "-"),
		Version: version,
	}, nil
}

// Result is the outcome of checking one local path
type Result struct {
	Path       string
	Artifact   Artifact
	URL        string
	StatusCode int
	Code       ExitCode
	Err        error
}

// Found reports whether the index has the artifact
func (r Result) Found() bool {
	return r.Code == ExitFound
}

// Checker queries a package index with HEAD requests
type Checker struct {
	client     *resty.Client
	server     string
	repository string
	retries    uint64
	newBackOff func() backoff.BackOff
	logger     logger.Logger
}

// Option configures a Checker
type Option func(*Checker)

// WithServer sets the index API root
func WithServer(server string) Option {
	return func(c *Checker) {
		if server != "" {
			c.server = strings.TrimRight(server, "/")
		}
	}
}

// WithRepository sets the named repository on the index
func WithRepository(repo string) Option {
	return func(c *Checker) {
		if repo != "" {
			c.repository = repo
		}
	}
}

// WithRetries sets how many times a failed request is retried
func WithRetries(n uint64) Option {
	return func(c *Checker) { c.retries = n }
}

// WithBackOff sets the retry schedule
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Checker) { c.newBackOff = fn }
}

// WithLogger sets the logger
func WithLogger(log logger.Logger) Option {
	return func(c *Checker) { c.logger = log }
}

// NewChecker creates a checker for the default index
func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		client:     resty.New().SetTimeout(30 * time.Second),
		server:     DefaultServer,
		repository: DefaultRepository,
		retries:    DefaultRetries,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		logger:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the HTTP client
func (c *Checker) Close() error {
	return c.client.Close()
}

// URL is where the index serves the artifact
func (c *Checker) URL(a Artifact) string {
	return strings.Join([]string{c.server, c.repository, "packages", a.Name, a.Version, a.File}, "/")
}

// Exists asks the index for the artifact. Transport errors, 429 and 5xx
// responses are retried; the last response decides.
func (c *Checker) Exists(ctx context.Context, a Artifact) (bool, int, error) {
	url := c.URL(a)

	var resp *resty.Response
	op := func() error {
		r, err := c.client.R().SetContext(ctx).Head(url)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Debug("HEAD failed, retrying", logger.WithField("url", url), logger.WithField("error", err))
			return err
		}
		resp = r
		if retryable(r) {
			return fmt.Errorf("HEAD %s: %s", url, r.Status())
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.retries), ctx)
	if err := backoff.Retry(op, policy); err != nil && resp == nil {
		return false, 0, fmt.Errorf("failed to query %s: %w", url, err)
	}

	return found(resp), resp.StatusCode(), nil
}

// Check validates a local path and looks it up on the index
func (c *Checker) Check(ctx context.Context, path string) Result {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	result := Result{Path: abs}

	if !utils.FileExists(abs) {
		result.Code = ExitNoFile
		result.Err = fmt.Errorf("%w: %s", ErrNoFile, abs)
		return result
	}

	artifact, err := ParseArtifact(abs)
	if err != nil {
		result.Code = ExitBadName
		result.Err = err
		return result
	}
	result.Artifact = artifact
	result.URL = c.URL(artifact)

	ok, status, err := c.Exists(ctx, artifact)
	result.StatusCode = status
	switch {
	case err != nil:
		result.Code = ExitMissing
		result.Err = err
	case ok:
		result.Code = ExitFound
	default:
		result.Code = ExitMissing
	}
	return result
}

// CheckPaths checks files, expanding directories to the distributions
// they contain. The returned code is the highest of all results.
func (c *Checker) CheckPaths(ctx context.Context, paths []string) ([]Result, ExitCode) {
	var results []Result
	worst := ExitFound

	for _, path := range paths {
		targets := []string{path}
		if utils.DirectoryExists(path) {
			files, err := utils.FindFiles(path, ArtifactPatterns...)
			if err != nil {
				results = append(results, Result{Path: path, Code: ExitNoFile, Err: err})
				worst = max(worst, ExitNoFile)
				continue
			}
			targets = files
		}

		for _, target := range targets {
			if ctx.Err() != nil {
				return results, max(worst, ExitMissing)
			}
			r := c.Check(ctx, target)
			results = append(results, r)
			worst = max(worst, r.Code)
		}
	}

	return results, worst
}

// FormatStatus renders "[  OK   ]: url" or "[MISSING]: url"
func FormatStatus(r Result) string {
	status := "OK"
	if !r.Found() {
		status = "MISSING"
	}
	return fmt.Sprintf("[%s]: %s", center(status, 7), r.URL)
}

// center pads s to width, putting the odd space on the right
func center(s string, width int) string {
	pad := width - len(s)
	if pad <= 0 {
		return s
	}
	left := pad / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", pad-left)
}

func retryable(r *resty.Response) bool {
	if r.Header().Get(ChecksumHeader) != "" {
		return false
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

// found treats a checksum header as proof of existence regardless of status
func found(r *resty.Response) bool {
	if r.StatusCode() < 400 {
		return true
	}
	_, ok := r.Header()[http.CanonicalHeaderKey(ChecksumHeader)]
	return ok
}
