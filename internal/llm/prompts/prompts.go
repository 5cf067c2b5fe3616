package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

const maxAnswerRunes = 10000

// Variant selects how strictly steps are reviewed.
type Variant string

const (
	// Strict flags notation slips and missing justifications.
	Strict Variant = "strict"
	// Standard is the default review.
	Standard Variant = "standard"
	// Lenient focuses on the reasoning only.
	Lenient Variant = "lenient"
)

var validVariants = map[Variant]bool{
	Strict:   true,
	Standard: true,
	Lenient:  true,
}

var (
	loadOnce      sync.Once
	loadErr       error
	stepTemplates map[Variant]*template.Template
)

// IsValidVariant checks if a variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[Variant(v)]
}

// StepsData holds template data for a step review prompt.
type StepsData struct {
	ProblemStatement string
	Solution         string
	ExpectedSteps    []string
	FinalAnswer      string
	Steps            []string
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// Load parses the built-in templates once.
func Load() error {
	return LoadFS(templateFS)
}

// LoadFS parses templates/steps_<variant>.txt from fsys. Only the first
// call does any work.
func LoadFS(fsys fs.FS) error {
	loadOnce.Do(func() {
		stepTemplates = make(map[Variant]*template.Template)
		for _, v := range []Variant{Strict, Standard, Lenient} {
			name := "templates/steps_" + string(v) + ".txt"
			content, err := fs.ReadFile(fsys, name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", name, err)
				return
			}
			tmpl, err := template.New(string(v)).Funcs(funcs).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			stepTemplates[v] = tmpl
		}
	})
	return loadErr
}

// BuildStepsPrompt renders the step review prompt for a variant. Student
// text is sanitized so it cannot close the answer block.
func BuildStepsPrompt(variant Variant, data StepsData) (string, error) {
	if stepTemplates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := stepTemplates[variant]
	if !ok {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	data.FinalAnswer = sanitizeAnswer(data.FinalAnswer)
	steps := make([]string, len(data.Steps))
	for i, s := range data.Steps {
		steps[i] = sanitizeAnswer(s)
	}
	data.Steps = steps

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return answer
}
