package answer

import (
	"reflect"
	"strings"
	"testing"
)

func TestCanonicalizeForComparison(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  R = 1  ", "r=1"},
		{"3,5", "3.5"},
		{"2 × 3", "2*3"},
		{"x = –2", "x=-2"},
		{"x = —2", "x=-2"},
		{"1 000", "1000"},
		{"\tA\nB ", "ab"},
	}
	for _, tc := range tests {
		if got := CanonicalizeForComparison(tc.in); got != tc.want {
			t.Errorf("CanonicalizeForComparison(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"r = 1 ou r = -2",
		"  É ×  3,14 — x ",
		"ÉTAPE 1 : 2x = 10",
		"  x = 5",
		"already=normalized",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Errorf("Normalize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestCollapseWhitespace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  a   b  ", "a b"},
		{"x = 5", "x = 5"},
		{"line1\n\n line2\t", "line1 line2"},
	}
	for _, tc := range tests {
		if got := CollapseWhitespace(tc.in); got != tc.want {
			t.Errorf("CollapseWhitespace(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEquivalent(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		expected string
		want     bool
	}{
		{"whitespace insensitive", "r=1", "r = 1", true},
		{"bare rhs", "1", "r=1", true},
		{"rhs of both equations", "x=1", "r=1", true},
		{"one of two solutions", "r=1", "r=1 ou r=-2", true},
		{"second solution", "r = -2", "r=1 ou r=-2", true},
		{"bare second solution", "-2", "r=1 ou r=-2", true},
		{"not a solution", "r=3", "r=1 ou r=-2", false},
		{"decimal comma", "3,5", "3.5", true},
		{"case insensitive", "X=5", "x=5", true},
		{"en dash", "x=–2", "x=-2", true},
		{"multiplication sign", "2×x", "2*x", true},
		{"empty user", "", "5", false},
		{"empty expected", "5", "", false},
		{"whitespace only", "   ", "5", false},
		{"different value", "4", "5", false},
		{"lhs is not accepted", "r", "r=1", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Equivalent(tc.user, tc.expected); got != tc.want {
				t.Errorf("Equivalent(%q, %q) = %v, want %v", tc.user, tc.expected, got, tc.want)
			}
		})
	}
}

func TestExtractFinalAnswer(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"collects r assignments", "blah\nr=1\nblah r=-2 ou", "r=1 ou r=-2"},
		{"single r assignment", "donc r = 3", "r = 3"},
		{"deduplicates", "r=1 puis r=1 et r=-2", "r=1 ou r=-2"},
		{"collapses inner spaces", "(r-1)(r+2)=0 => r  =  1 ou r = -2", "r = 1 ou r = -2"},
		{"single number", "La réponse est 42", "42"},
		{"single decimal", "environ -3.75 unités", "-3.75"},
		{"several numbers take the last line", "2x=10\nx=5", "x=5"},
		{"text after colon on last line", "2x = 10\nRéponse :  x =  5", "x = 5"},
		{"trailing colon keeps the line", "on a 2x=10\nx=5 donc:", "x=5 donc:"},
		{"blank lines skipped", "2x=10\n\nx = 5\n  \n", "x = 5"},
		{"no numbers", "  je ne sais  pas ", "je ne sais pas"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractFinalAnswer(tc.in); got != tc.want {
				t.Errorf("ExtractFinalAnswer(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExtractSteps(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"lines", "2x=10\nx=10/2\nx=5", []string{"2x=10", "x=10/2", "x=5"}},
		{"no math", "no math here just words", []string{}},
		{"empty", "", []string{}},
		{"drops short and wordy lines", "ok\n2x = 10\nthen we divide\nx = 5", []string{"2x = 10", "x = 5"}},
		{"dedup case insensitive", "X = 5\nx = 5\nx=5", []string{"X = 5", "x=5"}},
		{"bold markers stripped", "**2x = 10**\n**x = 5**", []string{"2x = 10", "x = 5"}},
		{"run-on line with markers", "Étape 1: 2x = 10 Étape 2: x = 10/2 Étape 3: x = 5",
			[]string{"2x = 10", "x = 10/2", "x = 5"}},
		{"bold run-on markers", "**Étape 1 :** u0 = 3 **Étape 2 :** u1 = 2u0 + 1",
			[]string{"u0 = 3", "u1 = 2u0 + 1"}},
		{"arrows count as math", "a ⇒ b\nc → d", []string{"a ⇒ b", "c → d"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractSteps(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ExtractSteps(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExtractStepsCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		b.WriteString("x = ")
		b.WriteString(strings.Repeat("1", i+1))
		b.WriteString("\n")
	}
	got := ExtractSteps(b.String())
	if len(got) != MaxSteps {
		t.Fatalf("expected %d steps, got %d", MaxSteps, len(got))
	}
	if got[0] != "x = 1" {
		t.Errorf("expected first step %q, got %q", "x = 1", got[0])
	}
}

func TestResolveSteps(t *testing.T) {
	got := ResolveSteps(" a\n\n b ", "2x=10\nx=5")
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("explicit steps should win, got %q", got)
	}

	got = ResolveSteps("  \n ", "2x=10\nx=5")
	if !reflect.DeepEqual(got, []string{"2x=10", "x=5"}) {
		t.Errorf("expected extracted steps, got %q", got)
	}
}

func TestCheck(t *testing.T) {
	v := Check("(r-1)(r+2)=0\ndonc r=1 ou r=-2", "r = 1 ou r = -2")
	if !v.Correct {
		t.Error("expected correct verdict")
	}
	if v.FinalAnswer != "r=1 ou r=-2" {
		t.Errorf("unexpected final answer %q", v.FinalAnswer)
	}
	if len(v.Steps) != 2 {
		t.Errorf("expected 2 steps, got %q", v.Steps)
	}

	v = Check("je ne sais pas", "5")
	if v.Correct {
		t.Error("expected incorrect verdict")
	}
	if v.Steps == nil {
		t.Error("steps should be an empty list, not nil")
	}
}
