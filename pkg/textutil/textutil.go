package textutil

import (
	"regexp"
	"strings"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeName lowercases and removes all whitespace so that names can be
// compared regardless of how the portal happened to wrap them.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.Trim(name, " \n\t")
	name = whitespaceRegex.ReplaceAllString(name, "")
	return name
}

func MatchName(name string, matchers []string) bool {
	name = NormalizeName(name)
	for _, m := range matchers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

// BeforeParen returns the text before the first '(' trimmed, "Exam (written)" -> "Exam".
func BeforeParen(s string) string {
	idx := strings.Index(s, "(")
	if idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

var trailingParen = regexp.MustCompile(`\s*\([^()]*\)\s*$`)

// StripTrailingParen removes a single trailing parenthetical.
func StripTrailingParen(s string) string {
	return strings.TrimSpace(trailingParen.ReplaceAllString(strings.TrimSpace(s), ""))
}

var digitRuns = regexp.MustCompile(`\d+`)

// SameNumbers reports whether a and b contain the same runs of digits in the
// same order, "Lecture 01" and "Lecture 02" do not.
func SameNumbers(a, b string) bool {
	left := digitRuns.FindAllString(a, -1)
	right := digitRuns.FindAllString(b, -1)
	if len(left) != len(right) {
		return false
	}
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}
