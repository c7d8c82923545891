package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Command describes one external process invocation
type Command struct {
	Name string
	Args []string
	Dir  string

	// Env is merged over the current process environment; nil inherits it unchanged.
	Env map[string]string

	// Capture collects stdout/stderr into the Result, copying to Stdout/Stderr
	// when they are set. When false output is streamed to Stdout/Stderr
	// (or the process' own streams).
	Capture bool
	Stdout  io.Writer
	Stderr  io.Writer

	// Check converts a non-zero exit status into an *ExitError.
	Check bool
}

// String renders the command line for diagnostics
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is returned by every invocation, including ones that exit non-zero
type Result struct {
	Command  Command
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports a zero exit status
func (r *Result) Success() bool {
	return r.ExitCode == 0
}

// ExitError wraps a non-zero exit of a checked command
type ExitError struct {
	Result *Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("command (exit %d): %s", e.Result.ExitCode, e.Result.Command)
	if stderr := strings.TrimSpace(e.Result.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Runner executes external commands
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec
type ExecRunner struct{}

// NewExecRunner creates a runner backed by real processes
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes cmd and blocks until it exits. A non-zero exit is reported
// through Result.ExitCode; an error is returned only if the process could
// not be started or cmd.Check is set.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Name == "" {
		return nil, errors.New("expecting a command to run, got nothing")
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if cmd.Env != nil {
		c.Env = MergeEnv(os.Environ(), cmd.Env)
	}

	var stdout, stderr bytes.Buffer
	if cmd.Capture {
		c.Stdout = tee(&stdout, cmd.Stdout)
		c.Stderr = tee(&stderr, cmd.Stderr)
	} else {
		c.Stdout = writerOr(cmd.Stdout, os.Stdout)
		// stderr is always kept so failures can be classified
		c.Stderr = io.MultiWriter(&stderr, writerOr(cmd.Stderr, os.Stderr))
	}

	start := time.Now()
	err := c.Run()
	result := &Result{
		Command:  cmd,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to run %s: %w", cmd, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	if cmd.Check && result.ExitCode != 0 {
		return result, &ExitError{Result: result}
	}
	return result, nil
}

// MergeEnv overlays vars onto a KEY=VALUE environment list. Overlay keys
// replace existing entries; output is deterministic.
func MergeEnv(base []string, vars map[string]string) []string {
	merged := make(map[string]string, len(base)+len(vars))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range vars {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func writerOr(w, fallback io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return fallback
}

func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}
