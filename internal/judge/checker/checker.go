// Package checker compares program output against expected output while
// forgiving formatting differences such as trailing newlines and extra
// spacing between tokens.
package checker

import "strings"

// Match reports whether expected and actual are equal after whitespace
// normalization. Both sides are normalized the same way, so the relation
// is symmetric.
func Match(expected, actual string) bool {
	return Normalize(expected) == Normalize(actual)
}

// Normalize collapses every run of ASCII whitespace (space, tab, newline,
// vertical tab, form feed, carriage return) into a single space and drops
// leading and trailing whitespace. Non-ASCII whitespace such as U+00A0 is
// kept as content. Normalize is idempotent.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pending := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isASCIISpace(c) {
			pending = true
			continue
		}
		if pending && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pending = false
		b.WriteByte(c)
	}
	return b.String()
}

// isASCIISpace matches exactly the six ASCII whitespace characters. The
// multibyte sequences of UTF-8 never contain bytes below 0x80, so a byte
// scan cannot split a rune.
func isASCIISpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
