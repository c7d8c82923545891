package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// FailureRule delimits captured error output so it stands out while scrolling
var FailureRule = "#" + strings.Repeat("!", 78)

// Narrator prints the nested progress narrative of a matrix run:
// repository, interpreter version, tag, subcommand.
type Narrator struct {
	out io.Writer
	mu  sync.Mutex
}

// NewNarrator creates a narrator writing to stdout
func NewNarrator() *Narrator {
	return &Narrator{out: os.Stdout}
}

// NewNarratorWithOutput creates a narrator with custom output (for testing)
func NewNarratorWithOutput(out io.Writer) *Narrator {
	return &Narrator{out: out}
}

// Repository announces a project and where its checkout lives
func (n *Narrator) Repository(url, dir string) {
	n.printf("%s %s\n%s %s\n",
		color.New(color.Bold).Sprint("Repository:"), url,
		color.New(color.Bold).Sprint("Source directory:"), dir)
}

// Interpreter announces an interpreter version of the matrix
func (n *Narrator) Interpreter(version, envName string) {
	n.printf("=> Using Python %s (virtual: %s)...\n", color.CyanString(version), envName)
}

// Building announces a build cell
func (n *Narrator) Building(project, tag string) {
	n.printf("==> Building %s::%s\n", project, color.New(color.Bold).Sprint(tag))
}

// Outcome reports one packaging subcommand. Failed output is printed verbatim
// between delimiter rules.
func (n *Narrator) Outcome(project, tag, command string, failed bool, stderr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	fmt.Fprintf(n.out, "===> %s::%s: %s: ", project, tag, command)
	if !failed {
		fmt.Fprintln(n.out, color.GreenString("SUCCESS"))
		return
	}

	fmt.Fprintln(n.out, color.RedString("FAILED"))
	fmt.Fprintln(n.out, FailureRule)
	fmt.Fprintln(n.out, strings.TrimRight(stderr, "\n"))
	fmt.Fprintln(n.out, FailureRule)
}

// Skip reports a project that was abandoned
func (n *Narrator) Skip(project string, reason error) {
	n.printf("%s\n", color.YellowString("Skipping %q due to: %v", project, reason))
}

// Summary closes the narrative with totals
func (n *Narrator) Summary(cells, succeeded, failed int) {
	status := color.GreenString("%d succeeded", succeeded)
	if failed > 0 {
		status += ", " + color.RedString("%d failed", failed)
	}
	n.printf("Built %d cell(s): %s\n", cells, status)
}

func (n *Narrator) printf(format string, args ...interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.out, format, args...)
}
