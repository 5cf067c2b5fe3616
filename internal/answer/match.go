package answer

import "strings"

// orSeparator joins alternative solutions, e.g. "r = 1 ou r = -2".
// Whitespace is gone after canonicalization, so it is matched as a substring.
const orSeparator = "ou"

// Equivalent reports whether the user's answer matches the expected one.
//
// Both sides are canonicalized first. Besides an exact match it accepts the
// right-hand side of an expected equation ("1" for "r=1"), equal right-hand
// sides of two equations, and any alternative of a multi-solution answer
// split on "ou".
func Equivalent(user, expected string) bool {
	u := CanonicalizeForComparison(user)
	e := CanonicalizeForComparison(expected)
	if u == "" || e == "" {
		return false
	}
	if u == e {
		return true
	}

	if strings.Contains(e, "=") {
		rhs := rightHandSide(e)
		if u == rhs {
			return true
		}
		if strings.Contains(u, "=") && rightHandSide(u) == rhs {
			return true
		}
	}

	if strings.Contains(e, orSeparator) {
		for _, part := range strings.Split(e, orSeparator) {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if Equivalent(u, part) {
				return true
			}
		}
	}
	return false
}

// rightHandSide returns the text after the last "=".
func rightHandSide(s string) string {
	return s[strings.LastIndex(s, "=")+1:]
}

// Verdict is the local pre-check of one submission.
type Verdict struct {
	FinalAnswer string   `json:"finalAnswer"`
	Correct     bool     `json:"correct"`
	Steps       []string `json:"steps"`
}

// Check extracts the final answer and steps from raw and compares both the
// raw text and the extracted final answer against expected.
func Check(raw, expected string) Verdict {
	final := ExtractFinalAnswer(raw)
	return Verdict{
		FinalAnswer: final,
		Correct:     Equivalent(raw, expected) || Equivalent(final, expected),
		Steps:       ExtractSteps(raw),
	}
}
