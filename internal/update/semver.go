// Package update installs, activates, and rolls back software releases laid
// out as releases/v<version> directories behind a `current` symlink. A
// persisted state machine makes every phase of an update observable and
// crash-recoverable; health checks decide whether a switched release stays.
package update

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opsgate/opsgate/internal/operr"
)

// Version is a semantic version MAJOR.MINOR.PATCH[-PRE][+BUILD].
type Version struct {
	Major, Minor, Patch int
	Pre                 string
	Build               string
}

// ParseVersion parses s, tolerating a leading "v".
func ParseVersion(s string) (Version, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "v")
	if raw == "" {
		return Version{}, operr.InvalidArgumentf("empty version").With("version", s)
	}

	var v Version
	if core, build, ok := strings.Cut(raw, "+"); ok {
		if build == "" {
			return Version{}, badVersion(s)
		}
		v.Build = build
		raw = core
	}
	if core, pre, ok := strings.Cut(raw, "-"); ok {
		if pre == "" {
			return Version{}, badVersion(s)
		}
		v.Pre = pre
		raw = core
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Version{}, badVersion(s)
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, err := parseVersionNumber(part)
		if err != nil {
			return Version{}, badVersion(s)
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return v, nil
}

func badVersion(s string) error {
	return operr.InvalidArgumentf("malformed version %q", s).With("version", s)
}

// parseVersionNumber accepts non-negative integers without leading zeros.
func parseVersionNumber(s string) (int, error) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, fmt.Errorf("update: invalid numeric identifier %q", s)
	}
	return strconv.Atoi(s)
}

// String renders the version without the "v" prefix.
func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		b.WriteByte('-')
		b.WriteString(v.Pre)
	}
	if v.Build != "" {
		b.WriteByte('+')
		b.WriteString(v.Build)
	}
	return b.String()
}

// IsZero reports whether v is the zero value, used for "no version known".
func (v Version) IsZero() bool {
	return v == Version{}
}

// Compare orders versions per semver 2.0: numeric core first, then
// pre-release (a pre-release sorts below its release; identifiers compare
// numerically when both are digits, lexically otherwise, fewer fields sort
// first). Build metadata never participates.
func (v Version) Compare(o Version) int {
	if c := compareInts(v.Major, o.Major); c != 0 {
		return c
	}
	if c := compareInts(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := compareInts(v.Patch, o.Patch); c != 0 {
		return c
	}
	return comparePre(v.Pre, o.Pre)
}

// Newer reports whether v is strictly newer than o.
func (v Version) Newer(o Version) bool {
	return v.Compare(o) > 0
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func comparePre(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1 // release outranks any pre-release
	case b == "":
		return -1
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := comparePreIdent(as[i], bs[i]); c != 0 {
			return c
		}
	}
	return compareInts(len(as), len(bs))
}

func comparePreIdent(a, b string) int {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return compareInts(an, bn)
	case aerr == nil:
		return -1 // numeric identifiers sort below alphanumeric ones
	case berr == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}
