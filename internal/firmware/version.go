package firmware

import (
	"strconv"
	"strings"
)

// parseVersion splits a dotted version string into up to three numeric
// components. Missing components count as zero, so "1.0" equals "1.0.0".
// Non-numeric components parse as zero rather than erroring; bridge
// firmware occasionally reports build suffixes the comparison can ignore.
func parseVersion(v string) [3]int {
	var out [3]int
	parts := strings.SplitN(strings.TrimPrefix(strings.TrimSpace(v), "v"), ".", 3)
	for i := 0; i < len(parts) && i < 3; i++ {
		n, _ := strconv.Atoi(strings.TrimFunc(parts[i], func(r rune) bool {
			return r < '0' || r > '9'
		}))
		out[i] = n
	}
	return out
}

// CompareVersions returns -1, 0 or 1 as a is lower than, equal to, or
// higher than b.
func CompareVersions(a, b string) int {
	va, vb := parseVersion(a), parseVersion(b)
	for i := 0; i < 3; i++ {
		switch {
		case va[i] < vb[i]:
			return -1
		case va[i] > vb[i]:
			return 1
		}
	}
	return 0
}

// NeedsUpdate reports whether a node at current should receive target.
// Equal and downgrade versions never trigger an update.
func NeedsUpdate(current, target string) bool {
	return CompareVersions(current, target) < 0
}
