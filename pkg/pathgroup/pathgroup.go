// Package pathgroup encodes the storage group of a stored path as a
// leading "@N/" prefix. Group 1 paths carry no prefix. Legacy rows that
// begin with the bare legacy prefix ("@" unless overridden) are read as
// group 2.
package pathgroup

import "strings"

// DefaultLegacyPrefix is the prefix written by old deployments for
// group 2 paths. It is honored on read only; Mark always emits the
// numeric form.
const DefaultLegacyPrefix = "@"

var legacyPrefix = DefaultLegacyPrefix

// SetLegacyPrefix overrides the legacy group 2 prefix accepted on reads.
// Empty input keeps the current value.
func SetLegacyPrefix(p string) {
	if p != "" {
		legacyPrefix = p
	}
}

// Group returns the storage group encoded in path.
func Group(path string) int {
	if n, _, ok := splitNumeric(path); ok {
		return n
	}
	if strings.HasPrefix(path, legacyPrefix) {
		return 2
	}
	return 1
}

// Clean strips the group prefix from path. The strip is a string-prefix
// strip: exactly one prefix is removed, so "@@abc" becomes "@abc".
func Clean(path string) string {
	if _, rest, ok := splitNumeric(path); ok {
		return rest
	}
	if strings.HasPrefix(path, legacyPrefix) {
		return path[len(legacyPrefix):]
	}
	return path
}

// Mark prefixes rel with the group marker for group n. Group 1 paths are
// returned unchanged. A path already carrying the correct prefix is not
// prefixed again.
func Mark(rel string, n int) string {
	if n <= 1 || rel == "" {
		return rel
	}
	prefix := prefixFor(n)
	if strings.HasPrefix(rel, prefix) {
		return rel
	}
	return prefix + rel
}

// Prefix returns the marker written for group n: "" for group 1,
// "@N/" otherwise.
func Prefix(n int) string {
	if n <= 1 {
		return ""
	}
	return prefixFor(n)
}

func prefixFor(n int) string {
	digits := make([]byte, 0, 4)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return "@" + string(digits) + "/"
}

// splitNumeric matches the "@N/rest" form and returns (N, rest, true).
func splitNumeric(path string) (int, string, bool) {
	if len(path) < 3 || path[0] != '@' {
		return 0, "", false
	}
	i := 1
	n := 0
	for i < len(path) && path[i] >= '0' && path[i] <= '9' {
		n = n*10 + int(path[i]-'0')
		i++
	}
	if i == 1 || i >= len(path) || path[i] != '/' || n < 1 {
		return 0, "", false
	}
	return n, path[i+1:], true
}
