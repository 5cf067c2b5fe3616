// Package answer pre-validates free-text math answers before the exercise
// service grades them. Every function here is pure and total: malformed or
// empty input yields an empty string, an empty list or false.
package answer

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// CollapseWhitespace turns NBSP and runs of whitespace into single spaces
// and trims the result. It is the profile for step text and extracted
// final answers.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// CanonicalizeForComparison lower-cases s, removes all whitespace (NBSP
// included) and unifies decimal separators, multiplication signs and dash
// variants. It is the profile used by Equivalent.
func CanonicalizeForComparison(s string) string {
	if s == "" {
		return ""
	}
	// Transformers keep state, so the chain is built per call.
	t := transform.Chain(
		runes.Remove(runes.Predicate(unicode.IsSpace)),
		runes.Map(unifySymbol),
		cases.Lower(language.Und),
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(strings.Map(func(r rune) rune {
			if unicode.IsSpace(r) {
				return -1
			}
			return unifySymbol(r)
		}, s))
	}
	return out
}

// Normalize is CanonicalizeForComparison. It is idempotent.
func Normalize(s string) string {
	return CanonicalizeForComparison(s)
}

func unifySymbol(r rune) rune {
	switch r {
	case ',':
		return '.'
	case '×':
		return '*'
	case '–', '—':
		return '-'
	}
	return r
}
