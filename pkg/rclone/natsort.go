package rclone

import (
	"sort"
	"strings"
)

// NaturalLess compares two strings with embedded decimal numbers compared
// numerically, so "2.jpg" sorts before "10.jpg". Non-digit runs compare
// case-insensitively.
func NaturalLess(a, b string) bool {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		ac, bc := a[ai], b[bi]
		aDigit, bDigit := isDigit(ac), isDigit(bc)

		switch {
		case aDigit && bDigit:
			aj := ai
			for aj < len(a) && isDigit(a[aj]) {
				aj++
			}
			bj := bi
			for bj < len(b) && isDigit(b[bj]) {
				bj++
			}
			an := strings.TrimLeft(a[ai:aj], "0")
			bn := strings.TrimLeft(b[bi:bj], "0")
			if len(an) != len(bn) {
				return len(an) < len(bn)
			}
			if an != bn {
				return an < bn
			}
			ai, bi = aj, bj
		case aDigit != bDigit:
			// Digits sort before letters, matching tuple comparison of
			// (int, str) runs.
			return aDigit
		default:
			al, bl := lower(ac), lower(bc)
			if al != bl {
				return al < bl
			}
			ai++
			bi++
		}
	}
	return len(a)-ai < len(b)-bi
}

// NaturalSort sorts names in place in natural order.
func NaturalSort(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return NaturalLess(names[i], names[j])
	})
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}
