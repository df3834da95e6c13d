package rulepack

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/SiriusScan/leakwatch/leakwatch/apperr"
)

var versionPattern = regexp.MustCompile(`^\d+(?:\.\d+){2}$`)

// Version is a MAJOR.MINOR.PATCH rule pack version.
type Version struct {
	Major, Minor, Patch int
}

// ParseVersion parses s, returning a validation error unless it is exactly
// three dot separated non-negative integers.
func ParseVersion(s string) (Version, error) {
	if !versionPattern.MatchString(s) {
		return Version{}, apperr.Validation("rulepack.ParseVersion", "invalid rule pack version %q, expected MAJOR.MINOR.PATCH", s)
	}
	parts := strings.Split(s, ".")
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, apperr.Validation("rulepack.ParseVersion", "invalid rule pack version %q: %v", s, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 ordering v against o numerically.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
