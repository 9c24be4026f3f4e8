// Package version compares dot separated numeric package versions.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cordum/mpk/core/mpk/mpkerr"
)

// Parse splits v into numeric segments. Empty or non-numeric segments are
// rejected with mpkerr.ErrInvalidVersion.
func Parse(v string) ([]uint64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, mpkerr.Errorf(mpkerr.ErrInvalidVersion, "parse version", v, "empty version")
	}
	parts := strings.Split(v, ".")
	out := make([]uint64, 0, len(parts))
	for i, part := range parts {
		if part == "" || strings.TrimLeft(part, "0123456789") != "" {
			return nil, mpkerr.Errorf(mpkerr.ErrInvalidVersion, "parse version", v, fmt.Sprintf("segment %d is not numeric", i+1))
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, mpkerr.New(mpkerr.ErrInvalidVersion, "parse version", v, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Compare returns -1, 0 or 1 as a is lower than, equal to or higher than b.
// A missing trailing segment counts as zero, so "1.0" equals "1.0.0".
func Compare(a, b string) (int, error) {
	left, err := Parse(a)
	if err != nil {
		return 0, err
	}
	right, err := Parse(b)
	if err != nil {
		return 0, err
	}
	n := max(len(left), len(right))
	for i := 0; i < n; i++ {
		var l, r uint64
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		switch {
		case l > r:
			return 1, nil
		case l < r:
			return -1, nil
		}
	}
	return 0, nil
}

// IsNewer reports whether candidate is strictly newer than current.
func IsNewer(candidate, current string) (bool, error) {
	cmp, err := Compare(candidate, current)
	if err != nil {
		return false, err
	}
	return cmp > 0, nil
}

// Valid reports whether v parses.
func Valid(v string) bool {
	_, err := Parse(v)
	return err == nil
}
