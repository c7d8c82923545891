// Package specifier decides whether a VCS tag belongs in the build set
// described by a constraint expression such as ">=1.0,<2.0".
package specifier

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/spacetelescope/blast/pkg/logger"
)

// Tokens are the characters that mark an expression as containing an
// explicit comparison. Expressions without any are exact-equality constraints.
const Tokens = "~!<>="

// Operator is a comparison operator of a clause
type Operator string

const (
	OpEqual      Operator = "=="
	OpNotEqual   Operator = "!="
	OpLess       Operator = "<"
	OpLessEq     Operator = "<="
	OpGreater    Operator = ">"
	OpGreaterEq  Operator = ">="
	OpCompatible Operator = "~="
	OpArbitrary  Operator = "==="
)

// ErrEmptyClause is returned for expressions like ">=1.0,,<2"
var ErrEmptyClause = errors.New("empty clause")

var clauseRegex = regexp.MustCompile(`^(===|==|!=|~=|<=|>=|<|>|=|~)?\s*(\S+)$`)

// Clause is one operator and version; a tag must satisfy every clause of a Set
type Clause struct {
	Op       Operator
	Text     string
	Version  *Version
	Wildcard bool

	// precision is the number of release components written in Text
	precision int

	// arbitrary is Text parsed as a version, when it is one
	arbitrary *Version
}

// Set is a parsed constraint expression
type Set []Clause

// HasSpecifier reports whether expr contains any comparison token
func HasSpecifier(expr string) bool {
	return strings.ContainsAny(expr, Tokens)
}

// ParseSet parses a comma separated list of clauses. An expression with no
// comparison token is treated as "==" + expr.
func ParseSet(expr string) (Set, error) {
	expr = strings.TrimSpace(expr)
	if !HasSpecifier(expr) {
		expr = string(OpEqual) + expr
	}

	var set Set
	for _, part := range strings.Split(expr, ",") {
		clause, err := parseClause(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid constraint %q: %w", expr, err)
		}
		set = append(set, clause)
	}
	return set, nil
}

func parseClause(s string) (Clause, error) {
	if s == "" {
		return Clause{}, ErrEmptyClause
	}

	m := clauseRegex.FindStringSubmatch(s)
	if m == nil {
		return Clause{}, fmt.Errorf("malformed clause %q", s)
	}

	op := Operator(m[1])
	switch op {
	case "", "=":
		op = OpEqual
	case "~":
		op = OpCompatible
	}

	c := Clause{Op: op, Text: m[2]}
	if op == OpArbitrary {
		c.arbitrary, _ = ParseVersion(c.Text)
		return c, nil
	}

	text := c.Text
	if strings.HasSuffix(text, ".*") {
		if op != OpEqual && op != OpNotEqual {
			return Clause{}, fmt.Errorf("wildcard only allowed with == and !=: %q", s)
		}
		c.Wildcard = true
		text = strings.TrimSuffix(text, ".*")
	}

	v, err := ParseVersion(text)
	if err != nil {
		return Clause{}, fmt.Errorf("malformed version in clause %q: %w", s, err)
	}
	c.Version = v
	c.precision = len(v.release)

	if op == OpCompatible && c.precision < 2 {
		return Clause{}, fmt.Errorf("%s needs at least two release components: %q", OpCompatible, s)
	}
	return c, nil
}

// Check reports whether v satisfies the clause. text is the normalized tag,
// used only by the arbitrary-equality operator.
func (c Clause) Check(text string, v *Version) bool {
	if c.Op == OpArbitrary {
		return strings.EqualFold(strings.TrimSpace(text), c.Text)
	}
	if v == nil {
		return false
	}

	switch c.Op {
	case OpEqual:
		if c.Wildcard {
			return v.samePrefix(c.Version, c.precision)
		}
		return v.Compare(c.Version) == 0
	case OpNotEqual:
		if c.Wildcard {
			return !v.samePrefix(c.Version, c.precision)
		}
		return v.Compare(c.Version) != 0
	case OpLess:
		// <2.0 excludes 2.0rc1 unless the bound is itself a pre-release
		if v.Prerelease() && !c.Version.Prerelease() && v.sameRelease(c.Version) {
			return false
		}
		return v.Compare(c.Version) < 0
	case OpLessEq:
		return v.Compare(c.Version) <= 0
	case OpGreater:
		// >1.0 excludes 1.0.post1 unless the bound is itself a post-release
		if v.Postrelease() && !c.Version.Postrelease() && v.sameRelease(c.Version) {
			return false
		}
		return v.Compare(c.Version) > 0
	case OpGreaterEq:
		return v.Compare(c.Version) >= 0
	case OpCompatible:
		return v.Compare(c.Version) >= 0 && v.samePrefix(c.Version, c.precision-1)
	}
	return false
}

// Check reports whether v satisfies every clause. Pre-releases only
// match when some clause names a pre-release.
func (s Set) Check(text string, v *Version) bool {
	if len(s) == 0 {
		return false
	}
	if v != nil && v.Prerelease() && !s.Prereleases() {
		return false
	}
	for _, c := range s {
		if !c.Check(text, v) {
			return false
		}
	}
	return true
}

// Normalize strips every occurrence of each pattern from tag, in list order.
// Empty patterns are ignored.
func Normalize(tag string, patterns []string) string {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		tag = strings.ReplaceAll(tag, p, "")
	}
	return tag
}

// Evaluator evaluates constraint expressions against raw tags, logging
// why a tag was rejected.
type Evaluator struct {
	logger logger.Logger
}

// New creates an evaluator. A nil logger writes diagnostics to stderr.
func New(log logger.Logger) *Evaluator {
	if log == nil {
		log = logger.CreateLogger("", "warn")
	}
	return &Evaluator{logger: log}
}

// Matches reports whether rawTag, after normalization, satisfies expr.
// It never fails: an unparsable tag or expression evaluates to false.
func (e *Evaluator) Matches(expr, rawTag string, patterns []string) bool {
	set, err := ParseSet(expr)
	if err != nil {
		e.logger.Error("Ignoring tag: unusable constraint",
			logger.WithField("tag", rawTag),
			logger.WithField("error", err))
		return false
	}

	tag := strings.TrimSpace(Normalize(rawTag, patterns))
	v, err := ParseVersion(tag)
	if err != nil {
		if set.arbitraryOnly() {
			return set.Check(tag, nil)
		}
		e.logger.Warn("Ignoring tag: not a version",
			logger.WithField("tag", rawTag),
			logger.WithField("error", err))
		return false
	}

	return set.Check(tag, v)
}

// Prereleases reports whether the set admits pre-release versions: true
// when an inclusive clause is written against a pre-release.
func (s Set) Prereleases() bool {
	for _, c := range s {
		switch c.Op {
		case OpEqual, OpGreaterEq, OpLessEq, OpCompatible:
			if c.Version != nil && c.Version.Prerelease() {
				return true
			}
		case OpArbitrary:
			if c.arbitrary != nil && c.arbitrary.Prerelease() {
				return true
			}
		}
	}
	return false
}

func (s Set) arbitraryOnly() bool {
	for _, c := range s {
		if c.Op != OpArbitrary {
			return false
		}
	}
	return len(s) > 0
}

var (
	defaultEvaluator *Evaluator
	defaultOnce      sync.Once
)

// Matches evaluates with a package-level evaluator that logs to stderr
func Matches(expr, rawTag string, patterns []string) bool {
	defaultOnce.Do(func() { defaultEvaluator = New(nil) })
	return defaultEvaluator.Matches(expr, rawTag, patterns)
}
