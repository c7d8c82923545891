package utils

import (
	"path/filepath"
	"regexp"
	"strings"
)

// PatternMatcher matches slash-separated paths against glob patterns.
// "**" spans directories, "*" and "?" stay within one path segment.
type PatternMatcher struct {
	patterns []string
	regexps  []*regexp.Regexp
}

// NewPatternMatcher compiles patterns
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	pm := &PatternMatcher{
		patterns: patterns,
		regexps:  make([]*regexp.Regexp, 0, len(patterns)),
	}

	for _, pattern := range patterns {
		regex, err := globToRegex(pattern)
		if err != nil {
			return nil, err
		}
		pm.regexps = append(pm.regexps, regex)
	}

	return pm, nil
}

// Match checks if a path matches any pattern
func (pm *PatternMatcher) Match(path string) bool {
	path = filepath.ToSlash(path)

	for _, regex := range pm.regexps {
		if regex.MatchString(path) {
			return true
		}
	}
	return false
}

// Filter returns the paths that match any pattern
func (pm *PatternMatcher) Filter(paths []string) []string {
	var matches []string
	for _, path := range paths {
		if pm.Match(path) {
			matches = append(matches, path)
		}
	}
	return matches
}

// globToRegex converts a glob pattern to an anchored regular expression
func globToRegex(pattern string) (*regexp.Regexp, error) {
	pattern = filepath.ToSlash(pattern)

	var regex strings.Builder
	regex.WriteString("^")

	i := 0
	for i < len(pattern) {
		switch pattern[i] {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					// **/ matches zero or more leading directories
					regex.WriteString("(?:.*/)?")
					i += 3
				} else {
					regex.WriteString(".*")
					i += 2
				}
			} else {
				regex.WriteString("[^/]*")
				i++
			}
		case '?':
			regex.WriteString("[^/]")
			i++
		case '[':
			j := i + 1
			var class strings.Builder
			if j < len(pattern) && pattern[j] == '!' {
				class.WriteString("[^")
				j++
			} else {
				class.WriteString("[")
			}
			for j < len(pattern) && pattern[j] != ']' {
				if pattern[j] == '\\' && j+1 < len(pattern) {
					class.WriteByte(pattern[j])
					class.WriteByte(pattern[j+1])
					j += 2
				} else {
					class.WriteByte(pattern[j])
					j++
				}
			}
			if j < len(pattern) {
				regex.WriteString(class.String())
				regex.WriteByte(']')
				i = j + 1
			} else {
				// unclosed bracket is a literal
				regex.WriteString(`\[`)
				i++
			}
		case '\\':
			if i+1 < len(pattern) {
				regex.WriteString(regexp.QuoteMeta(pattern[i+1 : i+2]))
				i += 2
			} else {
				regex.WriteString(`\\`)
				i++
			}
		default:
			regex.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
			i++
		}
	}

	regex.WriteString("$")
	return regexp.Compile(regex.String())
}
