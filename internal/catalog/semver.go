package catalog

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSemver splits a "major.minor.patch" string. Returns an error for
// anything else; playbook and script versions are strict semver.
func ParseSemver(v string) (major, minor, patch int, err error) {
	parts := strings.SplitN(strings.TrimSpace(v), ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid version %q", v)
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, convErr := strconv.Atoi(part)
		if convErr != nil || n < 0 {
			return 0, 0, 0, fmt.Errorf("invalid version %q", v)
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}

// CompareVersions returns -1, 0, or 1 ordering a before b. Unparseable
// versions sort before valid ones.
func CompareVersions(a, b string) int {
	amaj, amin, apat, aerr := ParseSemver(a)
	bmaj, bmin, bpat, berr := ParseSemver(b)
	if aerr != nil || berr != nil {
		switch {
		case aerr != nil && berr != nil:
			return strings.Compare(a, b)
		case aerr != nil:
			return -1
		default:
			return 1
		}
	}
	for _, pair := range [][2]int{{amaj, bmaj}, {amin, bmin}, {apat, bpat}} {
		if pair[0] != pair[1] {
			if pair[0] < pair[1] {
				return -1
			}
			return 1
		}
	}
	return 0
}
