package specifier

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// phase ranks the pre-release label of a version
type phase int

const (
	phaseNone phase = iota
	phaseSemver
	phaseAlpha
	phaseBeta
	phaseRC
)

// Version is a parsed tag ordered the way Python packaging orders them:
// release components of any length compared with zero padding, then
// dev < pre-release < final < post-release. Local build metadata is ignored.
type Version struct {
	release []uint64
	pre     phase
	preNum  uint64
	post    int64
	dev     int64
	raw     string

	// sem holds tags whose pre-release is a semver identifier such as
	// 2.0.0-SNAPSHOT; they order among themselves by semver precedence.
	sem *semver.Version
}

var pep440Regex = regexp.MustCompile(`(?i)^v?(\d+(?:\.\d+)*)` +
	`(?:[-_.]?(alpha|a|beta|b|rc|c|preview|pre)[-_.]?(\d+)?)?` +
	`(?:-(\d+)|[-_.]?(post|rev|r)[-_.]?(\d+)?)?` +
	`(?:[-_.]?(dev)[-_.]?(\d+)?)?` +
	`(?:\+[0-9a-z]+(?:[-_.][0-9a-z]+)*)?$`)

var preReleasePhases = map[string]phase{
	"a":       phaseAlpha,
	"alpha":   phaseAlpha,
	"b":       phaseBeta,
	"beta":    phaseBeta,
	"c":       phaseRC,
	"rc":      phaseRC,
	"pre":     phaseRC,
	"preview": phaseRC,
}

// ParseVersion parses a tag that has already been normalized
func ParseVersion(s string) (*Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("invalid version: empty string")
	}

	m := pep440Regex.FindStringSubmatch(s)
	if m == nil {
		return parseSemver(s)
	}

	v := &Version{post: -1, dev: -1, raw: s}
	for _, part := range strings.Split(m[1], ".") {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid release in %q: %w", s, err)
		}
		v.release = append(v.release, n)
	}

	var err error
	if m[2] != "" {
		v.pre = preReleasePhases[strings.ToLower(m[2])]
		if v.preNum, err = number(m[3]); err != nil {
			return nil, fmt.Errorf("invalid pre-release in %q: %w", s, err)
		}
	}

	switch {
	case m[4] != "":
		v.post, err = signed(m[4])
	case m[5] != "":
		v.post, err = signed(m[6])
	}
	if err != nil {
		return nil, fmt.Errorf("invalid post-release in %q: %w", s, err)
	}

	if m[7] != "" {
		if v.dev, err = signed(m[8]); err != nil {
			return nil, fmt.Errorf("invalid dev release in %q: %w", s, err)
		}
	}
	return v, nil
}

func parseSemver(s string) (*Version, error) {
	sv, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("invalid version: %q", s)
	}

	v := &Version{
		release: []uint64{sv.Major(), sv.Minor(), sv.Patch()},
		post:    -1,
		dev:     -1,
		raw:     s,
	}
	if sv.Prerelease() != "" {
		v.pre = phaseSemver
		v.sem = sv
	}
	return v, nil
}

func number(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 63)
}

func signed(s string) (int64, error) {
	n, err := number(s)
	return int64(n), err
}

// String returns the text the version was parsed from
func (v *Version) String() string {
	return v.raw
}

// Compare returns -1, 0 or 1 as v is older than, equal to, or newer than o
func (v *Version) Compare(o *Version) int {
	if c := compareRelease(v.release, o.release); c != 0 {
		return c
	}

	vr, or := v.preRank(), o.preRank()
	if c := compareInt(int64(vr), int64(or)); c != 0 {
		return c
	}
	if vr == phaseSemver {
		if c := v.sem.Compare(o.sem); c != 0 {
			return c
		}
	} else if c := compareInt(int64(v.preNum), int64(o.preNum)); c != 0 {
		return c
	}

	if c := compareInt(v.post, o.post); c != 0 {
		return c
	}
	return compareInt(v.devRank(), o.devRank())
}

// preRank places dev-only releases before every pre-release and final
// releases after them.
func (v *Version) preRank() phase {
	switch {
	case v.pre == phaseNone && v.post < 0 && v.dev >= 0:
		return -1
	case v.pre == phaseNone:
		return math.MaxInt32
	}
	return v.pre
}

func (v *Version) devRank() int64 {
	if v.dev < 0 {
		return math.MaxInt64
	}
	return v.dev
}

// Prerelease reports whether the version is a pre-release or dev release
func (v *Version) Prerelease() bool {
	return v.pre != phaseNone || v.dev >= 0
}

// Postrelease reports whether the version carries a post-release number
func (v *Version) Postrelease() bool {
	return v.post >= 0
}

// sameRelease compares the release components alone
func (v *Version) sameRelease(o *Version) bool {
	return compareRelease(v.release, o.release) == 0
}

// samePrefix compares the first n release components, padding with zeros
func (v *Version) samePrefix(o *Version, n int) bool {
	for i := 0; i < n; i++ {
		if component(v.release, i) != component(o.release, i) {
			return false
		}
	}
	return true
}

func compareRelease(a, b []uint64) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		x, y := component(a, i), component(b, i)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func component(release []uint64, i int) uint64 {
	if i < len(release) {
		return release[i]
	}
	return 0
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
