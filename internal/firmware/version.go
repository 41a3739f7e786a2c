// Package firmware models firmware versions and the remotely published
// catalog of firmware images.
package firmware

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ErrInvalidVersion is returned when a version string cannot be parsed.
var ErrInvalidVersion = errors.New("firmware: invalid version")

var versionPattern = regexp.MustCompile(`^([0-9]+)\.([0-9]+)\.([0-9]+)(?:\.beta([0-9]+))?$`)

// Version is a MAJOR.MINOR.PATCH version with an optional beta number.
// A release outranks any beta of the same MAJOR.MINOR.PATCH.
type Version struct {
	Major int
	Minor int
	Patch int
	Beta  *int // nil for a release
}

// ParseVersion parses "1.2.3" or "1.2.3.beta4".
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}

	var nums [3]int
	for i := range nums {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
		}
		nums[i] = n
	}

	v := Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}
	if m[4] != "" {
		beta, err := strconv.Atoi(m[4])
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q: %v", ErrInvalidVersion, s, err)
		}
		v.Beta = &beta
	}
	return v, nil
}

// MustParseVersion is like ParseVersion but panics on error.
// Intended for constants and tests.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsBeta reports whether v is a pre-release.
func (v Version) IsBeta() bool {
	return v.Beta != nil
}

// String formats v in the same form ParseVersion accepts.
func (v Version) String() string {
	if v.Beta != nil {
		return fmt.Sprintf("%d.%d.%d.beta%d", v.Major, v.Minor, v.Patch, *v.Beta)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or +1 depending on whether a is older than, equal
// to, or newer than b.
func Compare(a, b Version) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := compareInt(a.Patch, b.Patch); c != 0 {
		return c
	}
	switch {
	case a.Beta == nil && b.Beta == nil:
		return 0
	case a.Beta == nil:
		return 1
	case b.Beta == nil:
		return -1
	default:
		return compareInt(*a.Beta, *b.Beta)
	}
}

// Equal reports whether all four components of v and o match.
func (v Version) Equal(o Version) bool {
	return Compare(v, o) == 0
}

// Less reports whether v is older than o.
func (v Version) Less(o Version) bool {
	return Compare(v, o) < 0
}

// Greater reports whether v is newer than o.
func (v Version) Greater(o Version) bool {
	return Compare(v, o) > 0
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
