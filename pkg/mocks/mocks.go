// Package mocks provides test doubles for blast's external collaborators.
package mocks

import (
	"context"
	"strings"
	"sync"

	"github.com/spacetelescope/blast/pkg/process"
)

// Response is one scripted reply of the Runner
type Response struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Expectation scripts the replies to commands starting with a prefix
type Expectation struct {
	prefix    []string
	responses []Response
	hooks     []func(process.Command)
	served    int
}

// Return queues a successful reply with the given stdout
func (e *Expectation) Return(stdout string) *Expectation {
	e.responses = append(e.responses, Response{Stdout: stdout})
	return e
}

// Fail queues a reply with a non-zero exit code and stderr
func (e *Expectation) Fail(exitCode int, stderr string) *Expectation {
	e.responses = append(e.responses, Response{ExitCode: exitCode, Stderr: stderr})
	return e
}

// Respond queues an arbitrary reply
func (e *Expectation) Respond(r Response) *Expectation {
	e.responses = append(e.responses, r)
	return e
}

// Do registers a side effect run for every matching command
func (e *Expectation) Do(fn func(cmd process.Command)) *Expectation {
	e.hooks = append(e.hooks, fn)
	return e
}

// next pops the next queued reply; the last one repeats
func (e *Expectation) next() Response {
	if len(e.responses) == 0 {
		return Response{}
	}
	i := e.served
	if i >= len(e.responses) {
		i = len(e.responses) - 1
	}
	e.served++
	return e.responses[i]
}

func (e *Expectation) matches(argv []string) bool {
	if len(e.prefix) > len(argv) {
		return false
	}
	for i, p := range e.prefix {
		if argv[i] != p {
			return false
		}
	}
	return true
}

// Runner is a scripted process.Runner that records every command.
// Unmatched commands succeed with empty output.
type Runner struct {
	mu           sync.Mutex
	expectations []*Expectation
	calls        []process.Command
}

var _ process.Runner = (*Runner)(nil)

// NewRunner creates an empty scripted runner
func NewRunner() *Runner {
	return &Runner{}
}

// On scripts commands whose name and leading arguments equal prefix.
// Later registrations take precedence over earlier ones.
func (r *Runner) On(prefix ...string) *Expectation {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := &Expectation{prefix: prefix}
	r.expectations = append(r.expectations, e)
	return e
}

// Run records cmd and serves the scripted reply
func (r *Runner) Run(ctx context.Context, cmd process.Command) (*process.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := append([]string{cmd.Name}, cmd.Args...)

	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	var exp *Expectation
	for i := len(r.expectations) - 1; i >= 0; i-- {
		if r.expectations[i].matches(argv) {
			exp = r.expectations[i]
			break
		}
	}
	var resp Response
	var hooks []func(process.Command)
	if exp != nil {
		resp = exp.next()
		hooks = append(hooks, exp.hooks...)
	}
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(cmd)
	}

	result := &process.Result{
		Command:  cmd,
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
	}
	if resp.Err != nil {
		return result, resp.Err
	}
	if cmd.Check && resp.ExitCode != 0 {
		return result, &process.ExitError{Result: result}
	}
	return result, nil
}

// Calls returns every recorded command in order
func (r *Runner) Calls() []process.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.Command(nil), r.calls...)
}

// CallsMatching returns recorded commands starting with prefix
func (r *Runner) CallsMatching(prefix ...string) []process.Command {
	e := &Expectation{prefix: prefix}

	var out []process.Command
	for _, c := range r.Calls() {
		if e.matches(append([]string{c.Name}, c.Args...)) {
			out = append(out, c)
		}
	}
	return out
}

// CommandLines renders recorded commands as strings, for readable assertions
func (r *Runner) CommandLines() []string {
	calls := r.Calls()
	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		lines = append(lines, strings.TrimSpace(c.Name+" "+strings.Join(c.Args, " ")))
	}
	return lines
}
