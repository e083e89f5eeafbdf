package checker_test

import (
	"testing"

	"kadai/internal/judge/checker"
)

func TestMatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		expected string
		actual   string
		want     bool
	}{
		{name: "identical", expected: "hello world", actual: "hello world", want: true},
		{name: "trailing newline", expected: "hello world\n", actual: "hello world", want: true},
		{name: "run of spaces", expected: "hello   world", actual: "hello world", want: true},
		{name: "mixed whitespace run", expected: "hello \t\r\n world", actual: "hello world", want: true},
		{name: "leading whitespace", expected: "\n\thello", actual: "hello", want: true},
		{name: "crlf lines", expected: "a\r\nb\r\n", actual: "a\nb\n", want: true},
		{name: "vertical tab and form feed", expected: "a\vb\fc", actual: "a b c", want: true},
		{name: "both empty", expected: "", actual: "", want: true},
		{name: "whitespace only vs empty", expected: " \n\t ", actual: "", want: true},
		{name: "token mismatch", expected: "hello world", actual: "hello  worlds", want: false},
		{name: "missing token", expected: "a b c", actual: "a b", want: false},
		{name: "case sensitive", expected: "Hello", actual: "hello", want: false},
		{name: "joined tokens differ", expected: "ab", actual: "a b", want: false},
		{name: "nbsp is content", expected: "a b", actual: "a b", want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := checker.Match(tt.expected, tt.actual); got != tt.want {
				t.Fatalf("Match(%q, %q) = %v, want %v", tt.expected, tt.actual, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"",
		"  a  b  ",
		"line1\nline2\r\nline3",
		"\t\v\f mixed \t runs \r\n",
		"no-space",
	}
	for _, in := range inputs {
		once := checker.Normalize(in)
		twice := checker.Normalize(once)
		if once != twice {
			t.Fatalf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}
